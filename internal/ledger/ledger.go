// Package ledger provides an append-only event history for groupd.
// Group warnings, failed initializations and removals are kept for auditing.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventGroupCreated    EventType = "group_created"
	EventGroupWarning    EventType = "group_warning"
	EventGroupInitFailed EventType = "group_init_failed"
	EventGroupRemoved    EventType = "group_removed"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID        int64
	EventType EventType
	Timestamp time.Time
	Payload   map[string]any
	Source    string // group id the event belongs to
}

// Ledger provides append-only event logging
type Ledger struct {
	db *sqlx.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sqlx.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds a new event to the ledger
func (l *Ledger) Append(ctx context.Context, eventType EventType, source string, payload map[string]any) error {
	var payloadJSON []byte
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	now := time.Now().UTC().Unix()
	_, err = l.db.ExecContext(ctx, l.db.Rebind(
		`INSERT INTO event_ledger (event_type, timestamp, payload, source) VALUES (?, ?, ?, ?)`,
	), string(eventType), now, string(payloadJSON), source)

	return err
}

// GetByType returns entries filtered by event type
func (l *Ledger) GetByType(ctx context.Context, eventType EventType, limit int) ([]*Entry, error) {
	var rows []row
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(`
		SELECT id, event_type, timestamp, payload, source
		FROM event_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`), string(eventType), limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows)
}

// GetBySource returns the entries recorded for one group
func (l *Ledger) GetBySource(ctx context.Context, source string, limit int) ([]*Entry, error) {
	var rows []row
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(`
		SELECT id, event_type, timestamp, payload, source
		FROM event_ledger
		WHERE source = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`), source, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows)
}

// GetByTimeRange returns entries within a time range
func (l *Ledger) GetByTimeRange(ctx context.Context, start, end time.Time, limit int) ([]*Entry, error) {
	var rows []row
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(`
		SELECT id, event_type, timestamp, payload, source
		FROM event_ledger
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`), start.Unix(), end.Unix(), limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	result, err := l.db.ExecContext(ctx, l.db.Rebind(`
		DELETE FROM event_ledger WHERE timestamp < ?
	`), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type row struct {
	ID        int64          `db:"id"`
	EventType string         `db:"event_type"`
	Timestamp int64          `db:"timestamp"`
	Payload   sql.NullString `db:"payload"`
	Source    sql.NullString `db:"source"`
}

func toEntries(rows []row) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(rows))
	for _, r := range rows {
		entry := &Entry{
			ID:        r.ID,
			EventType: EventType(r.EventType),
			Timestamp: time.Unix(r.Timestamp, 0).UTC(),
		}
		if r.Source.Valid {
			entry.Source = r.Source.String
		}

		if r.Payload.Valid && r.Payload.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(r.Payload.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, entry)
	}
	return entries, nil
}
