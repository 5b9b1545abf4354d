package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
)

// Store provides generic versioned state storage with JSON payloads.
// State is keyed by (kind, id) and stored as JSON blobs with version tracking.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

// NewStore creates a new generic state store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Get retrieves payload and version for a resource.
// Returns empty payload and version 0 if not found.
func (s *Store) Get(ctx context.Context, kind, id string) (payload []byte, version int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row struct {
		Payload string `db:"payload"`
		Version int64  `db:"version"`
	}
	err = s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT payload, version FROM resource_state
		WHERE kind = ? AND id = ?
	`), kind, id)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	return []byte(row.Payload), row.Version, nil
}

// Set stores payload, incrementing version automatically.
// Creates new entry if not exists, updates if exists.
func (s *Store) Set(ctx context.Context, kind, id string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Unix()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO resource_state (kind, id, payload, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			version = resource_state.version + 1,
			updated_at = excluded.updated_at
	`), kind, id, string(payload), now)

	if err == nil {
		log.Debug().
			Str("kind", kind).
			Str("id", id).
			Str("payload", string(payload)).
			Msg("Store.Set completed")
	}

	return err
}

// Delete removes a resource state entry.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM resource_state WHERE kind = ? AND id = ?
	`), kind, id)

	return err
}

// Clear removes all state for a kind. If kind is empty, clears all state.
func (s *Store) Clear(ctx context.Context, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if kind == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM resource_state`)
	} else {
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM resource_state WHERE kind = ?`), kind)
	}

	return err
}

// GetAll returns all entries for a kind with their versions.
func (s *Store) GetAll(ctx context.Context, kind string) (map[string][]byte, map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []struct {
		ID      string `db:"id"`
		Payload string `db:"payload"`
		Version int64  `db:"version"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, payload, version FROM resource_state WHERE kind = ?
	`), kind)
	if err != nil {
		return nil, nil, err
	}

	payloads := make(map[string][]byte, len(rows))
	versions := make(map[string]int64, len(rows))
	for _, r := range rows {
		payloads[r.ID] = []byte(r.Payload)
		versions[r.ID] = r.Version
	}

	return payloads, versions, nil
}
