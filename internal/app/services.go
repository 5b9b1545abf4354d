package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/groupd/internal/config"
	"github.com/dokzlo13/groupd/internal/db"
	"github.com/dokzlo13/groupd/internal/eventbus"
	"github.com/dokzlo13/groupd/internal/group"
	"github.com/dokzlo13/groupd/internal/ledger"
	"github.com/dokzlo13/groupd/internal/storage"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	Bus    *eventbus.Bus

	// State store (generic JSON store) and its typed views
	Store   *storage.Store
	Records *storage.TypedStore[group.Record]
	Values  *storage.TypedStore[group.Values]

	// High-level services
	Devices  *DeviceService
	Groups   *group.Manager
	Recorder *EventRecorder
	API      *APIService

	ready atomic.Bool
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger
	s.Ledger = ledger.New(database.DB)

	// Initialize generic state store
	s.Store = storage.NewStore(database.DB)
	s.Records = storage.NewTypedStore[group.Record](s.Store, storage.KindGroup)
	s.Values = storage.NewTypedStore[group.Values](s.Store, storage.KindGroupValues)

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	s.Recorder = NewEventRecorder(s.Ledger, s.Bus, cfg.ShutdownTimeout.Duration())

	// Initialize device backend
	s.Devices, err = NewDeviceService(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	// Initialize group engine
	s.Groups = group.NewManager(group.ManagerConfig{
		Options: group.Options{
			Registry:       s.Devices.Registry,
			AuditInterval:  cfg.Engine.AuditInterval.Duration(),
			ResolveTimeout: cfg.Engine.ResolveTimeout.Duration(),
			WriteTimeout:   cfg.Engine.WriteTimeout.Duration(),
		},
		Defaults:        DefaultSettings(cfg.Defaults),
		InitParallelism: cfg.Engine.InitParallelism,
	}, s.Records, s.Values, &groupObserver{bus: s.Bus})

	// Initialize API service
	s.API = NewAPIService(cfg, s.Groups, s.ready.Load)

	return s, nil
}

// DefaultSettings converts configured defaults into group settings.
func DefaultSettings(d config.DefaultsConfig) group.Settings {
	return group.Settings{
		GroupDebounceMs:  d.GroupDebounce.Milliseconds(),
		MemberDebounceMs: d.MemberDebounce.Milliseconds(),
		StaggerMs:        d.Stagger.Milliseconds(),
		WriteRetries:     d.WriteRetries,
		LogLevel:         d.LogLevel,
	}
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// Serve health checks while groups come up
	s.API.Start(ctx)
	s.Recorder.Start(ctx)

	if err := s.Devices.Start(ctx); err != nil {
		return err
	}
	s.Devices.StartBackground(ctx, s.Bus)

	if err := s.Groups.Start(ctx, s.Devices.Feed); err != nil {
		return err
	}
	s.ready.Store(true)

	if s.cfg.Ledger.CleanupInterval > 0 {
		go runLedgerCleanup(ctx, s.Ledger, s.cfg.Ledger.CleanupInterval.Duration(), retention(s.cfg.Ledger))
	}

	return nil
}

func retention(c config.LedgerConfig) time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ClearState clears all resource state.
func (s *Services) ClearState(ctx context.Context) error {
	return s.Store.Clear(ctx, "")
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.ready.Store(false)
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Groups != nil {
		s.Groups.Stop()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
