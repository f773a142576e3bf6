// Package session issues opaque session tokens after successful
// authentication and tracks each session through
// Authenticated → {Expired, LoggedOut, Locked}.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/app/security"
	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/observability"
)

// Authenticator verifies credentials; *security.Manager implements it.
type Authenticator interface {
	Verify(ctx context.Context, userID, pin, password string) (security.AuthResult, error)
}

// Config holds session tuning.
type Config struct {
	IdleTimeout time.Duration
	Clock       func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{IdleTimeout: 5 * time.Minute, Clock: time.Now}
}

type entry struct {
	mu      sync.Mutex
	s       domain.Session
	endedAt time.Time
}

// Manager owns every live session. The map is guarded by mu; each session
// has its own mutex so that touching one session never blocks another.
type Manager struct {
	auth Authenticator
	cfg  Config
	log  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*entry

	reaper *cron.Cron
}

// New creates a session manager.
func New(auth Authenticator, cfg Config, logger *zap.Logger) *Manager {
	d := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = d.Clock
	}
	return &Manager{
		auth:     auth,
		cfg:      cfg,
		log:      observability.OrNop(logger).Named("session"),
		sessions: make(map[string]*entry),
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Login verifies the credentials and opens a session. A login that locks
// the user also locks every session the user still holds.
func (m *Manager) Login(ctx context.Context, userID, pin, password string) (domain.Session, error) {
	if _, err := m.auth.Verify(ctx, userID, pin, password); err != nil {
		if errors.Is(err, domain.ErrAccountLocked) {
			m.LockUser(userID)
		}
		return domain.Session{}, err
	}

	now := m.cfg.Clock()
	e := &entry{s: domain.Session{
		Token:        uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		IdleTimeout:  m.cfg.IdleTimeout,
		State:        domain.SessionAuthenticated,
	}}

	m.mu.Lock()
	m.sessions[e.s.Token] = e
	m.mu.Unlock()

	observability.SessionsActive.Inc()
	m.log.Info("session opened", zap.String("user_id", userID))
	return e.s, nil
}

// Touch validates a session and records activity on it.
func (m *Manager) Touch(token string) (domain.Session, error) {
	e := m.lookup(token)
	if e == nil {
		return domain.Session{}, domain.ErrSessionInvalid
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := m.cfg.Clock()
	if e.s.State == domain.SessionAuthenticated && m.idle(e, now) {
		m.end(e, domain.SessionExpired, now)
	}
	switch e.s.State {
	case domain.SessionAuthenticated:
		e.s.LastActivity = now
		return e.s, nil
	case domain.SessionExpired:
		return domain.Session{}, domain.ErrSessionExpired
	default:
		return domain.Session{}, domain.ErrSessionInvalid
	}
}

// Logout ends a session.
func (m *Manager) Logout(token string) error {
	e := m.lookup(token)
	if e == nil {
		return domain.ErrSessionInvalid
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State.Terminal() {
		return domain.ErrSessionInvalid
	}
	m.end(e, domain.SessionLoggedOut, m.cfg.Clock())
	m.log.Info("session closed", zap.String("user_id", e.s.UserID))
	return nil
}

// LockUser moves every live session of userID to Locked and returns how many
// were affected.
func (m *Manager) LockUser(userID string) int {
	now := m.cfg.Clock()
	n := 0
	for _, e := range m.snapshot() {
		e.mu.Lock()
		if e.s.UserID == userID && !e.s.State.Terminal() {
			m.end(e, domain.SessionLocked, now)
			n++
		}
		e.mu.Unlock()
	}
	if n > 0 {
		m.log.Warn("sessions locked", zap.String("user_id", userID), zap.Int("count", n))
	}
	return n
}

// ─── Housekeeping ───────────────────────────────────────────────────────────

// Sweep expires idle sessions and forgets sessions that have been terminal
// for longer than the idle timeout. It returns the number forgotten.
func (m *Manager) Sweep(now time.Time) int {
	var drop []string
	for _, e := range m.snapshot() {
		e.mu.Lock()
		if e.s.State == domain.SessionAuthenticated && m.idle(e, now) {
			m.end(e, domain.SessionExpired, now)
		}
		if e.s.State.Terminal() && now.Sub(e.endedAt) > m.cfg.IdleTimeout {
			drop = append(drop, e.s.Token)
		}
		e.mu.Unlock()
	}

	if len(drop) > 0 {
		m.mu.Lock()
		for _, tok := range drop {
			delete(m.sessions, tok)
		}
		m.mu.Unlock()
	}
	return len(drop)
}

// StartReaper schedules Sweep every interval until Stop is called.
func (m *Manager) StartReaper(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", interval)
	}
	c := cron.New()
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		if n := m.Sweep(m.cfg.Clock()); n > 0 {
			m.log.Debug("swept sessions", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()

	m.mu.Lock()
	m.reaper = c
	m.mu.Unlock()
	return nil
}

// Stop halts the reaper and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.reaper
	m.reaper = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Active counts sessions still in the authenticated state.
func (m *Manager) Active() int {
	n := 0
	for _, e := range m.snapshot() {
		e.mu.Lock()
		if e.s.State == domain.SessionAuthenticated {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (m *Manager) lookup(token string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[token]
}

func (m *Manager) snapshot() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e)
	}
	return out
}

// idle reports whether e has seen no activity for longer than its timeout.
// Callers hold e.mu.
func (m *Manager) idle(e *entry, now time.Time) bool {
	return now.Sub(e.s.LastActivity) > e.s.IdleTimeout
}

// end moves e to a terminal state. Callers hold e.mu.
func (m *Manager) end(e *entry, state domain.SessionState, now time.Time) {
	e.s.State = state
	e.endedAt = now
	observability.SessionsActive.Dec()
	observability.SessionsEnded.WithLabelValues(state.String()).Inc()
}
