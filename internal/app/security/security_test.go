package security

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/memstore"
)

type fixture struct {
	m     *Manager
	store *memstore.Store
	now   time.Time
	logs  *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs

	m, err := New(f.store, Config{
		MaxAttempts:     3,
		LockoutDuration: 5 * time.Minute,
		BcryptCost:      bcrypt.MinCost,
		Clock:           func() time.Time { return f.now },
	}, zap.New(core))
	require.NoError(t, err)
	f.m = m

	pinHash, pwHash, err := m.HashCredentials("1234", "secret1")
	require.NoError(t, err)
	require.NoError(t, f.store.CreateUser(context.Background(), domain.User{
		ID: "USER_0001", Name: "Ada", PINHash: pinHash, PasswordHash: pwHash, CreatedAt: f.now,
	}))
	return f
}

func (f *fixture) user(t *testing.T) domain.User {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), "USER_0001")
	require.NoError(t, err)
	return u
}

// ─── Verify ─────────────────────────────────────────────────────────────────

func TestVerify_Success(t *testing.T) {
	f := newFixture(t)
	res, err := f.m.Verify(context.Background(), "USER_0001", "1234", "secret1")
	require.NoError(t, err)
	assert.True(t, res.Success())

	u := f.user(t)
	require.NotNil(t, u.LastLogin)
	assert.True(t, u.LastLogin.Equal(f.now))
}

func TestVerify_FailureReasonIsNotExposed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, errPIN := f.m.Verify(ctx, "USER_0001", "9999", "secret1")
	_, errPW := f.m.Verify(ctx, "USER_0001", "1234", "wrong!")
	assert.Equal(t, errPIN, errPW)
	assert.ErrorIs(t, errPIN, domain.ErrAuthenticationFailed)

	reasons := map[string]bool{}
	for _, e := range f.logs.FilterMessage("credentials rejected").All() {
		reasons[e.ContextMap()["reason"].(string)] = true
	}
	assert.True(t, reasons["pin"])
	assert.True(t, reasons["password"])
}

func TestVerify_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Verify(context.Background(), "USER_9999", "1234", "secret1")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	assert.Equal(t, 1, f.logs.FilterField(zap.String("reason", "unknown_user")).Len())
}

func TestVerify_UnknownUserLocksOutLikeKnownUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attempts := func(id string) []error {
		var errs []error
		for range 4 {
			_, err := f.m.Verify(ctx, id, "0000", "nope!!")
			errs = append(errs, err)
		}
		return errs
	}
	known, unknown := attempts("USER_0001"), attempts("USER_9999")

	for i := range 2 {
		assert.Equal(t, domain.ErrAuthenticationFailed, known[i], "attempt %d", i+1)
		assert.Equal(t, domain.ErrAuthenticationFailed, unknown[i], "attempt %d", i+1)
	}
	for i := 2; i < 4; i++ {
		var k, u *domain.LockedError
		require.ErrorAs(t, known[i], &k, "attempt %d", i+1)
		require.ErrorAs(t, unknown[i], &u, "attempt %d", i+1)
		assert.True(t, k.Until.Equal(u.Until), "attempt %d", i+1)
		assert.Equal(t, known[i].Error(), unknown[i].Error())
	}

	// Once the lockout is served the unknown ID starts counting afresh.
	f.now = f.now.Add(6 * time.Minute)
	_, err := f.m.Verify(ctx, "USER_9999", "0000", "nope!!")
	assert.Equal(t, domain.ErrAuthenticationFailed, err)
}

func TestVerify_UnknownUserRecordsArePruned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.m.Verify(ctx, "USER_9998", "0000", "nope!!")
	for range 3 {
		f.m.Verify(ctx, "USER_9999", "0000", "nope!!")
	}
	_, unknown := f.m.tracked()
	assert.Equal(t, 2, unknown)

	// Idle past a full lockout period, with no lockout pending.
	f.now = f.now.Add(11 * time.Minute)
	f.m.Verify(ctx, "USER_9997", "0000", "nope!!")
	_, unknown = f.m.tracked()
	assert.Equal(t, 1, unknown)
}

func TestManager_UserLocksAreReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.m.Verify(ctx, "USER_0001", "1234", "secret1")
		}()
	}
	wg.Wait()
	require.NoError(t, f.m.ChangePIN(ctx, "USER_0001", "1234", "secret1", "5678"))

	locks, _ := f.m.tracked()
	assert.Zero(t, locks)
}

func TestVerify_LockoutAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := f.m.Verify(ctx, "USER_0001", "0000", "nope!!")
		require.ErrorIs(t, err, domain.ErrAuthenticationFailed)
		assert.Equal(t, i, f.user(t).FailedAttempts)
	}

	res, err := f.m.Verify(ctx, "USER_0001", "0000", "nope!!")
	var locked *domain.LockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, OutcomeLocked, res.Outcome)
	assert.True(t, locked.Until.Equal(f.now.Add(5*time.Minute)))

	// Correct credentials are not even checked during the lockout.
	_, err = f.m.Verify(ctx, "USER_0001", "1234", "secret1")
	assert.ErrorIs(t, err, domain.ErrAccountLocked)
	assert.Equal(t, 3, f.user(t).FailedAttempts)

	f.now = f.now.Add(5*time.Minute + time.Second)
	res, err = f.m.Verify(ctx, "USER_0001", "1234", "secret1")
	require.NoError(t, err)
	assert.True(t, res.Success())
	u := f.user(t)
	assert.Zero(t, u.FailedAttempts)
	assert.Nil(t, u.LockedUntil)
}

func TestVerify_CounterRestartsAfterLockoutExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for range 3 {
		f.m.Verify(ctx, "USER_0001", "0000", "nope!!")
	}
	f.now = f.now.Add(6 * time.Minute)

	_, err := f.m.Verify(ctx, "USER_0001", "0000", "nope!!")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
	assert.False(t, errors.Is(err, domain.ErrAccountLocked))
	assert.Equal(t, 1, f.user(t).FailedAttempts)
}

func TestVerify_SuccessResetsCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.m.Verify(ctx, "USER_0001", "0000", "secret1")
	f.m.Verify(ctx, "USER_0001", "0000", "secret1")

	_, err := f.m.Verify(ctx, "USER_0001", "1234", "secret1")
	require.NoError(t, err)
	assert.Zero(t, f.user(t).FailedAttempts)

	_, err = f.m.Verify(ctx, "USER_0001", "0000", "secret1")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed, "counter restarted, no lockout yet")
}

// ─── Credentials ────────────────────────────────────────────────────────────

func TestValidateCredentials(t *testing.T) {
	tests := []struct {
		pin, password string
		ok            bool
	}{
		{"1234", "secret1", true},
		{"123", "secret1", false},
		{"12a4", "secret1", false},
		{"12345", "secret1", false},
		{"1234", "short", false},
	}
	for _, tt := range tests {
		err := ValidatePIN(tt.pin)
		if err == nil {
			err = ValidatePassword(tt.password)
		}
		if tt.ok {
			assert.NoError(t, err, "%s/%s", tt.pin, tt.password)
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat, "%s/%s", tt.pin, tt.password)
		}
	}
}

func TestHashCredentials_NeverPlaintext(t *testing.T) {
	f := newFixture(t)
	pinHash, pwHash, err := f.m.HashCredentials("4321", "hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "4321", pinHash)
	assert.NotEqual(t, "hunter22", pwHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(pinHash), []byte("4321")))
}

func TestChangePIN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.m.ChangePIN(ctx, "USER_0001", "1234", "secret1", "12")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat)

	err = f.m.ChangePIN(ctx, "USER_0001", "0000", "secret1", "5678")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	require.NoError(t, f.m.ChangePIN(ctx, "USER_0001", "1234", "secret1", "5678"))
	_, err = f.m.Verify(ctx, "USER_0001", "5678", "secret1")
	assert.NoError(t, err)
	_, err = f.m.Verify(ctx, "USER_0001", "1234", "secret1")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.m.ChangePassword(ctx, "USER_0001", "1234", "secret1", "short")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentialFormat)

	err = f.m.ChangePassword(ctx, "USER_0001", "1234", "wrong!", "hunter22")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	require.NoError(t, f.m.ChangePassword(ctx, "USER_0001", "1234", "secret1", "hunter22"))
	_, err = f.m.Verify(ctx, "USER_0001", "1234", "hunter22")
	assert.NoError(t, err)
	_, err = f.m.Verify(ctx, "USER_0001", "1234", "secret1")
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)
}
