// Package atm assembles the store, audit sinks, ledger, security, session,
// engine and registry into one running system.
package atm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/app/engine"
	"github.com/atmcore/atm/internal/app/ledger"
	"github.com/atmcore/atm/internal/app/registry"
	"github.com/atmcore/atm/internal/app/security"
	"github.com/atmcore/atm/internal/app/session"
	"github.com/atmcore/atm/internal/config"
	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/audit"
	"github.com/atmcore/atm/internal/infra/memstore"
	"github.com/atmcore/atm/internal/infra/observability"
	"github.com/atmcore/atm/internal/infra/sqlite"
)

// System is the wired ATM core.
type System struct {
	Store    domain.Store
	Ledger   *ledger.Ledger
	Security *security.Manager
	Sessions *session.Manager
	Engine   *engine.Engine
	Registry *registry.Registrar

	cfg     config.Config
	loc     *time.Location
	log     *zap.Logger
	started time.Time
}

// Open builds a system on the store selected by cfg.Store.
func Open(cfg config.Config, logger *zap.Logger, extra ...domain.AuditSink) (*System, error) {
	logger = observability.OrNop(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		store domain.Store
		sinks = audit.Multi{audit.NewLogSink(logger), audit.MetricsSink{}}
	)
	switch cfg.Store.Driver {
	case "memory":
		store = memstore.New()
	case "sqlite":
		db, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		logger.Debug("sqlite store opened", zap.String("path", db.Path()))
		store = db
		sinks = append(sinks, audit.NewStoreSink(db, logger))
	}
	sinks = append(sinks, extra...)

	sys, err := New(store, cfg, logger, sinks)
	if err != nil {
		store.Close()
		return nil, err
	}
	return sys, nil
}

// New wires a system around an existing store.
func New(store domain.Store, cfg config.Config, logger *zap.Logger, sink domain.AuditSink) (*System, error) {
	logger = observability.OrNop(logger)

	policies, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	sec, err := security.New(store, security.Config{
		MaxAttempts:     cfg.Security.MaxAttempts,
		LockoutDuration: cfg.LockoutDuration(),
		BcryptCost:      cfg.Security.BcryptCost,
	}, logger)
	if err != nil {
		return nil, err
	}

	sessions := session.New(sec, session.Config{IdleTimeout: cfg.IdleTimeout()}, logger)

	l := ledger.New(store, sink, ledger.Config{
		LockTimeout:        cfg.LockTimeout(),
		Policies:           policies,
		EnforceDailyLimits: cfg.Ledger.EnforceDailyLimits,
		Location:           loc,
		PageSize:           cfg.Ledger.PageSize,
	}, logger)

	eng := engine.New(sessions, l, engine.Config{
		MaxRetries:   cfg.Ledger.MaxRetries,
		RetryBackoff: cfg.RetryBackoff(),
	}, logger)

	return &System{
		Store:    store,
		Ledger:   l,
		Security: sec,
		Sessions: sessions,
		Engine:   eng,
		Registry: registry.New(store, sec, l, sessions, logger),
		cfg:      cfg,
		loc:      loc,
		log:      logger.Named("atm"),
		started:  time.Now(),
	}, nil
}

// Start launches background housekeeping.
func (s *System) Start() error {
	if err := s.Sessions.StartReaper(s.cfg.ReapInterval()); err != nil {
		return err
	}
	s.log.Info("system started", zap.String("store", s.cfg.Store.Driver))
	return nil
}

// Close stops housekeeping and closes the store.
func (s *System) Close() error {
	s.Sessions.Stop()
	return s.Store.Close()
}

// Location is the zone that decides calendar days for limits and history.
func (s *System) Location() *time.Location { return s.loc }

// Stats is a point-in-time summary of the system.
type Stats struct {
	domain.StoreStats
	ActiveSessions int           `json:"active_sessions"`
	Uptime         time.Duration `json:"uptime_ns"`
}

// Stats counts users, accounts, transactions and live sessions.
func (s *System) Stats(ctx context.Context) (Stats, error) {
	st, err := s.Store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		StoreStats:     st,
		ActiveSessions: s.Sessions.Active(),
		Uptime:         time.Since(s.started),
	}, nil
}
