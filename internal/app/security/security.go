// Package security verifies user credentials and enforces the lockout
// policy. Callers learn only whether verification succeeded or the user is
// locked; which credential was wrong is written to the audit log alone.
package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/observability"
)

// Config holds the lockout policy.
type Config struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	BcryptCost      int
	Clock           func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		LockoutDuration: 5 * time.Minute,
		BcryptCost:      bcrypt.DefaultCost,
		Clock:           time.Now,
	}
}

// Outcome is the caller-visible result of a verification.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeInvalidCredentials
	OutcomeLocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "ok"
	case OutcomeInvalidCredentials:
		return "failed"
	case OutcomeLocked:
		return "locked"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// AuthResult describes a verification attempt.
type AuthResult struct {
	UserID      string
	Outcome     Outcome
	LockedUntil *time.Time
}

// Success reports whether the credentials were accepted.
func (r AuthResult) Success() bool { return r.Outcome == OutcomeSuccess }

// Manager verifies credentials against a UserStore.
type Manager struct {
	users     domain.UserStore
	cfg       Config
	log       *zap.Logger
	dummyHash []byte

	mu      sync.Mutex
	perUser map[string]*userMutex
	unknown map[string]*unknownUser
}

type userMutex struct {
	sync.Mutex
	refs int
}

// unknownUser tracks failures against an ID with no stored user, so the
// lockout looks the same whether or not the ID exists.
type unknownUser struct {
	failed      int
	lockedUntil time.Time
	seen        time.Time
}

// New creates a security manager.
func New(users domain.UserStore, cfg Config, logger *zap.Logger) (*Manager, error) {
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = d.LockoutDuration
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = d.BcryptCost
	}
	if cfg.Clock == nil {
		cfg.Clock = d.Clock
	}

	// Unknown users are compared against this so they cost the same time.
	dummy, err := bcrypt.GenerateFromPassword([]byte("unused-credential"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Manager{
		users:     users,
		cfg:       cfg,
		log:       observability.OrNop(logger).Named("security"),
		dummyHash: dummy,
		perUser:   make(map[string]*userMutex),
		unknown:   make(map[string]*unknownUser),
	}, nil
}

// lockUser serializes work on one user. The entry is dropped once no
// caller holds or waits on it.
func (m *Manager) lockUser(id string) (release func()) {
	m.mu.Lock()
	l, ok := m.perUser[id]
	if !ok {
		l = &userMutex{}
		m.perUser[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.perUser, id)
		}
		m.mu.Unlock()
	}
}

// tracked reports how many per-user locks and unknown-ID records are held.
func (m *Manager) tracked() (locks, unknown int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.perUser), len(m.unknown)
}

// ─── Verification ───────────────────────────────────────────────────────────

// Verify checks the PIN and password of userID. Wrong credentials return
// ErrAuthenticationFailed; an active lockout, including the one started by
// this attempt, returns a *domain.LockedError.
func (m *Manager) Verify(ctx context.Context, userID, pin, password string) (AuthResult, error) {
	release := m.lockUser(userID)
	defer release()

	res := AuthResult{UserID: userID, Outcome: OutcomeInvalidCredentials}

	u, err := m.users.GetUser(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return m.verifyUnknown(res, pin, password)
	}
	if err != nil {
		return res, fmt.Errorf("load user: %w", err)
	}

	now := m.cfg.Clock()
	if u.LockedAt(now) {
		res.Outcome, res.LockedUntil = OutcomeLocked, u.LockedUntil
		m.record(res, "locked")
		return res, &domain.LockedError{Until: *u.LockedUntil}
	}
	if u.LockedUntil != nil {
		// Lockout served: start counting afresh.
		u.LockedUntil = nil
		u.FailedAttempts = 0
	}

	pinOK := bcrypt.CompareHashAndPassword([]byte(u.PINHash), []byte(pin)) == nil
	passwordOK := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil

	if pinOK && passwordOK {
		u.FailedAttempts = 0
		u.LastLogin = &now
		if err := m.users.UpdateAuthState(ctx, u); err != nil {
			return res, fmt.Errorf("save auth state: %w", err)
		}
		res.Outcome = OutcomeSuccess
		m.record(res, "")
		return res, nil
	}

	u.FailedAttempts++
	var lockErr error
	if u.FailedAttempts >= m.cfg.MaxAttempts {
		until := now.Add(m.cfg.LockoutDuration)
		u.LockedUntil = &until
		res.Outcome, res.LockedUntil = OutcomeLocked, &until
		lockErr = &domain.LockedError{Until: until}
		observability.Lockouts.Inc()
	}
	if err := m.users.UpdateAuthState(ctx, u); err != nil {
		return res, fmt.Errorf("save auth state: %w", err)
	}

	m.record(res, failureReason(pinOK, passwordOK), zap.Int("failed_attempts", u.FailedAttempts))
	if lockErr != nil {
		return res, lockErr
	}
	return res, domain.ErrAuthenticationFailed
}

// verifyUnknown mirrors the stored-user path for an ID that does not exist:
// the same hashing cost, the same counter and the same lockout.
func (m *Manager) verifyUnknown(res AuthResult, pin, password string) (AuthResult, error) {
	now := m.cfg.Clock()

	m.mu.Lock()
	if g, ok := m.unknown[res.UserID]; ok && now.Before(g.lockedUntil) {
		until := g.lockedUntil
		m.mu.Unlock()
		res.Outcome, res.LockedUntil = OutcomeLocked, &until
		m.record(res, "locked")
		return res, &domain.LockedError{Until: until}
	}
	m.mu.Unlock()

	bcrypt.CompareHashAndPassword(m.dummyHash, []byte(pin))
	bcrypt.CompareHashAndPassword(m.dummyHash, []byte(password))

	m.mu.Lock()
	m.pruneUnknown(now)
	g, ok := m.unknown[res.UserID]
	if !ok {
		g = &unknownUser{}
		m.unknown[res.UserID] = g
	}
	if !g.lockedUntil.IsZero() {
		g.failed, g.lockedUntil = 0, time.Time{}
	}
	g.failed++
	g.seen = now
	failed := g.failed
	var lockErr error
	if failed >= m.cfg.MaxAttempts {
		g.lockedUntil = now.Add(m.cfg.LockoutDuration)
		until := g.lockedUntil
		res.Outcome, res.LockedUntil = OutcomeLocked, &until
		lockErr = &domain.LockedError{Until: until}
	}
	m.mu.Unlock()

	if lockErr != nil {
		observability.Lockouts.Inc()
	}
	m.record(res, "unknown_user", zap.Int("failed_attempts", failed))
	if lockErr != nil {
		return res, lockErr
	}
	return res, domain.ErrAuthenticationFailed
}

// pruneUnknown drops records that are not locked and have been idle for a
// full lockout period. Callers hold m.mu.
func (m *Manager) pruneUnknown(now time.Time) {
	for id, g := range m.unknown {
		if !now.Before(g.lockedUntil) && now.Sub(g.seen) > m.cfg.LockoutDuration {
			delete(m.unknown, id)
		}
	}
}

// record writes the audit line and bumps the attempt counter.
func (m *Manager) record(res AuthResult, reason string, extra ...zap.Field) {
	observability.LoginAttempts.WithLabelValues(res.Outcome.String()).Inc()

	fields := append([]zap.Field{
		zap.String("user_id", res.UserID),
		zap.String("outcome", res.Outcome.String()),
	}, extra...)
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	if res.LockedUntil != nil {
		fields = append(fields, zap.Time("locked_until", *res.LockedUntil))
	}

	if res.Success() {
		m.log.Info("credentials verified", fields...)
		return
	}
	m.log.Warn("credentials rejected", fields...)
}

func failureReason(pinOK, passwordOK bool) string {
	switch {
	case !pinOK && !passwordOK:
		return "pin_and_password"
	case !pinOK:
		return "pin"
	default:
		return "password"
	}
}

// ─── Credential Management ──────────────────────────────────────────────────

// ValidatePIN requires exactly four digits.
func ValidatePIN(pin string) error {
	if len(pin) != 4 {
		return fmt.Errorf("%w: PIN must be 4 digits", domain.ErrInvalidCredentialFormat)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: PIN must be 4 digits", domain.ErrInvalidCredentialFormat)
		}
	}
	return nil
}

// ValidatePassword requires at least six characters.
func ValidatePassword(password string) error {
	if len(password) < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", domain.ErrInvalidCredentialFormat)
	}
	return nil
}

// HashCredentials validates and hashes a PIN and password.
func (m *Manager) HashCredentials(pin, password string) (pinHash, passwordHash string, err error) {
	if err := ValidatePIN(pin); err != nil {
		return "", "", err
	}
	if err := ValidatePassword(password); err != nil {
		return "", "", err
	}
	ph, err := bcrypt.GenerateFromPassword([]byte(pin), m.cfg.BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("hash pin: %w", err)
	}
	wh, err := bcrypt.GenerateFromPassword([]byte(password), m.cfg.BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("hash password: %w", err)
	}
	return string(ph), string(wh), nil
}

// ChangePIN verifies the current credentials, then stores a new PIN. The
// verification counts toward the lockout like any other attempt.
func (m *Manager) ChangePIN(ctx context.Context, userID, pin, password, newPIN string) error {
	if err := ValidatePIN(newPIN); err != nil {
		return err
	}
	if _, err := m.Verify(ctx, userID, pin, password); err != nil {
		return err
	}

	release := m.lockUser(userID)
	defer release()

	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	ph, err := bcrypt.GenerateFromPassword([]byte(newPIN), m.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	if err := m.users.UpdateCredentials(ctx, userID, string(ph), u.PasswordHash); err != nil {
		return err
	}
	m.log.Info("pin changed", zap.String("user_id", userID))
	return nil
}

// ChangePassword verifies the current credentials, then stores a new
// password. The PIN is left as it was.
func (m *Manager) ChangePassword(ctx context.Context, userID, pin, password, newPassword string) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	if _, err := m.Verify(ctx, userID, pin, password); err != nil {
		return err
	}

	release := m.lockUser(userID)
	defer release()

	u, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	wh, err := bcrypt.GenerateFromPassword([]byte(newPassword), m.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := m.users.UpdateCredentials(ctx, userID, u.PINHash, string(wh)); err != nil {
		return err
	}
	m.log.Info("password changed", zap.String("user_id", userID))
	return nil
}
