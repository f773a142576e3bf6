package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmcore/atm/internal/app/security"
	"github.com/atmcore/atm/internal/domain"
)

// stubAuth accepts pin "1234"; any other pin fails, and lockAfter failures
// lock the user.
type stubAuth struct {
	mu        sync.Mutex
	failures  int
	lockAfter int
}

func (a *stubAuth) Verify(_ context.Context, userID, pin, _ string) (security.AuthResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pin == "1234" && a.failures < a.lockAfter {
		return security.AuthResult{UserID: userID, Outcome: security.OutcomeSuccess}, nil
	}
	a.failures++
	if a.failures >= a.lockAfter {
		return security.AuthResult{UserID: userID, Outcome: security.OutcomeLocked},
			&domain.LockedError{Until: time.Now().Add(time.Minute)}
	}
	return security.AuthResult{UserID: userID, Outcome: security.OutcomeInvalidCredentials}, domain.ErrAuthenticationFailed
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	m := New(&stubAuth{lockAfter: 3}, Config{IdleTimeout: time.Minute, Clock: c.Now}, nil)
	t.Cleanup(m.Stop)
	return m, c
}

func TestLogin_IssuesUniqueTokens(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Login(ctx, "USER_0001", "1234", "pw")
	require.NoError(t, err)
	b, err := m.Login(ctx, "USER_0001", "1234", "pw")
	require.NoError(t, err)

	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, domain.SessionAuthenticated, a.State)
	assert.Equal(t, 2, m.Active())
}

func TestLogin_Failure(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Login(context.Background(), "USER_0001", "0000", "pw")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	assert.Zero(t, m.Active())
}

func TestTouch_ExtendsAndExpires(t *testing.T) {
	m, c := newTestManager(t)
	s, err := m.Login(context.Background(), "USER_0001", "1234", "pw")
	require.NoError(t, err)

	c.Advance(50 * time.Second)
	got, err := m.Touch(s.Token)
	require.NoError(t, err)
	assert.Equal(t, c.Now(), got.LastActivity)

	c.Advance(50 * time.Second) // still inside the window thanks to the touch
	_, err = m.Touch(s.Token)
	require.NoError(t, err)

	c.Advance(61 * time.Second)
	_, err = m.Touch(s.Token)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	_, err = m.Touch(s.Token)
	assert.ErrorIs(t, err, domain.ErrSessionExpired, "expired is terminal")
}

func TestTouch_UnknownToken(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Touch("not-a-token")
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestLogout(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Login(context.Background(), "USER_0001", "1234", "pw")
	require.NoError(t, err)

	require.NoError(t, m.Logout(s.Token))
	_, err = m.Touch(s.Token)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
	assert.ErrorIs(t, m.Logout(s.Token), domain.ErrSessionInvalid)
}

func TestLockingLoginLocksExistingSessions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	s, err := m.Login(ctx, "USER_0001", "1234", "pw")
	require.NoError(t, err)

	for range 2 {
		_, err = m.Login(ctx, "USER_0001", "0000", "pw")
		require.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	}
	_, err = m.Login(ctx, "USER_0001", "0000", "pw")
	require.ErrorIs(t, err, domain.ErrAccountLocked)

	_, err = m.Touch(s.Token)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
	assert.Zero(t, m.Active())
}

func TestLockUser_OnlyThatUser(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	a, _ := m.Login(ctx, "USER_0001", "1234", "pw")
	b, _ := m.Login(ctx, "USER_0002", "1234", "pw")

	assert.Equal(t, 1, m.LockUser("USER_0001"))
	_, err := m.Touch(a.Token)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
	_, err = m.Touch(b.Token)
	assert.NoError(t, err)
}

func TestSweep(t *testing.T) {
	m, c := newTestManager(t)
	ctx := context.Background()
	idle, _ := m.Login(ctx, "USER_0001", "1234", "pw")
	c.Advance(30 * time.Second)
	busy, _ := m.Login(ctx, "USER_0002", "1234", "pw")

	c.Advance(45 * time.Second)
	assert.Zero(t, m.Sweep(c.Now()), "first sweep only expires")
	_, err := m.Touch(idle.Token)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	_, err = m.Touch(busy.Token)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep(c.Now()), "idle session dropped, busy one only expired")
	_, err = m.Touch(idle.Token)
	assert.ErrorIs(t, err, domain.ErrSessionInvalid)
}

func TestStartReaper(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Error(t, m.StartReaper(0))
	require.NoError(t, m.StartReaper(time.Second))
	m.Stop()
	m.Stop()
}

func TestConcurrentTouch(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.Login(context.Background(), "USER_0001", "1234", "pw")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if _, err := m.Touch(s.Token); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestDefaultConfig(t *testing.T) {
	assert.Equal(t, 5*time.Minute, DefaultConfig().IdleTimeout)
}
