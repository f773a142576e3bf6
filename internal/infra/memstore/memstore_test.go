package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmcore/atm/internal/domain"
)

func seeded(t *testing.T) (*Store, domain.Account, domain.Account) {
	t.Helper()
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, domain.User{ID: "USER_0001"}))
	for _, id := range []string{"A1", "A2"} {
		require.NoError(t, s.CreateAccount(ctx, domain.Account{ID: id, OwnerID: "USER_0001", Balance: decimal.NewFromInt(100)}))
	}
	a, _ := s.LoadAccount(ctx, "A1")
	b, _ := s.LoadAccount(ctx, "A2")
	return s, a, b
}

func TestCreateAccount_RequiresOwner(t *testing.T) {
	s := New()
	err := s.CreateAccount(context.Background(), domain.Account{ID: "A1", OwnerID: "nobody"})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestUsers_ProfileAndDelete(t *testing.T) {
	s, _, _ := seeded(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateProfile(ctx, domain.User{ID: "USER_0001", Name: "Ada", Email: "ada@example.com", PINHash: "ignored"}))
	u, err := s.GetUser(ctx, "USER_0001")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.Empty(t, u.PINHash)
	assert.ErrorIs(t, s.UpdateProfile(ctx, domain.User{ID: "nobody"}), domain.ErrUserNotFound)

	assert.Error(t, s.DeleteUser(ctx, "USER_0001"), "owner of an account")
	require.NoError(t, s.CreateUser(ctx, domain.User{ID: "USER_0002"}))
	require.NoError(t, s.DeleteUser(ctx, "USER_0002"))
	_, err = s.GetUser(ctx, "USER_0002")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.ErrorIs(t, s.DeleteUser(ctx, "USER_0002"), domain.ErrUserNotFound)
}

func TestCommit_AllOrNothing(t *testing.T) {
	s, a, b := seeded(t)
	ctx := context.Background()

	a.Balance, a.Version = decimal.NewFromInt(90), 2
	b.Balance, b.Version = decimal.NewFromInt(110), 3 // stale
	_, err := s.Commit(ctx, []domain.Posting{
		{Account: a, Txn: &domain.Transaction{ID: "out", AccountID: "A1"}},
		{Account: b, Txn: &domain.Transaction{ID: "in", AccountID: "A2"}},
	})
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	got, _ := s.LoadAccount(ctx, "A1")
	assert.Equal(t, int64(1), got.Version)
	_, err = s.GetTransaction(ctx, "out")
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestCommit_FailureHook(t *testing.T) {
	s, a, _ := seeded(t)
	boom := errors.New("disk gone")
	s.FailCommit = func([]domain.Posting) error { return boom }

	a.Version = 2
	_, err := s.Commit(context.Background(), []domain.Posting{{Account: a}})
	assert.ErrorIs(t, err, boom)
}

func TestCommit_ReversalOnce(t *testing.T) {
	s, a, _ := seeded(t)
	ctx := context.Background()

	a.Version = 2
	_, err := s.Commit(ctx, []domain.Posting{{Account: a, Txn: &domain.Transaction{ID: "r1", AccountID: "A1", ReversalOf: "t0"}}})
	require.NoError(t, err)

	a.Version = 3
	_, err = s.Commit(ctx, []domain.Posting{{Account: a, Txn: &domain.Transaction{ID: "r2", AccountID: "A1", ReversalOf: "t0"}}})
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)

	id, err := s.ReversalOf(ctx, "t0")
	require.NoError(t, err)
	assert.Equal(t, "r1", id)
}

func TestTransactionsPage(t *testing.T) {
	s, a, _ := seeded(t)
	ctx := context.Background()
	base := time.Unix(1000, 0)

	// Commit out of timestamp order; listing must still be ordered.
	for i, off := range []time.Duration{time.Second, 0, 2 * time.Second} {
		a.Version++
		_, err := s.Commit(ctx, []domain.Posting{{Account: a, Txn: &domain.Transaction{
			ID: string(rune('a' + i)), AccountID: "A1", Timestamp: base.Add(off),
		}}})
		require.NoError(t, err)
	}

	page, err := s.TransactionsPage(ctx, "A1", domain.Range{}, domain.Cursor{}, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "a", page[1].ID)

	rest, err := s.TransactionsPage(ctx, "A1", domain.Range{}, domain.CursorAfter(page[1]), 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].ID)
}

func TestSequencesAndStats(t *testing.T) {
	s, _, _ := seeded(t)
	ctx := context.Background()

	n, _ := s.NextSequence(ctx, "user")
	assert.Equal(t, int64(1), n)
	n, _ = s.NextSequence(ctx, "user")
	assert.Equal(t, int64(2), n)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StoreStats{Users: 1, Accounts: 2}, st)
}
