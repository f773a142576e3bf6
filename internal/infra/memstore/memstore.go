// Package memstore is an in-memory domain.Store used by the load simulator
// and by tests that do not need durability.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/atmcore/atm/internal/domain"
)

// Store keeps every record in maps guarded by one mutex. Commit is atomic
// with respect to readers.
type Store struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	users     map[string]domain.User
	txns      []domain.Transaction // append order == seq order
	byID      map[string]int
	reversals map[string]string
	seqs      map[string]int64

	// FailCommit, when set, is consulted before every Commit; a non-nil
	// return aborts the commit without writing anything.
	FailCommit func(postings []domain.Posting) error
}

var _ domain.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]domain.Account),
		users:     make(map[string]domain.User),
		byID:      make(map[string]int),
		reversals: make(map[string]string),
		seqs:      make(map[string]int64),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ─── Accounts ───────────────────────────────────────────────────────────────

func (s *Store) LoadAccount(_ context.Context, id string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return a, nil
}

func (s *Store) CreateAccount(_ context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("create account %s: already exists", a.ID)
	}
	if _, ok := s.users[a.OwnerID]; !ok {
		return fmt.Errorf("create account %s: %w", a.ID, domain.ErrUserNotFound)
	}
	a.Version = 1
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) ListAccounts(_ context.Context, ownerID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Account
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Commit validates every posting before applying any of them.
func (s *Store) Commit(_ context.Context, postings []domain.Posting) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCommit != nil {
		if err := s.FailCommit(postings); err != nil {
			return nil, err
		}
	}
	// Postings for the same account chain their versions.
	versions := make(map[string]int64, len(postings))
	for _, p := range postings {
		cur, ok := s.accounts[p.Account.ID]
		if !ok {
			return nil, domain.ErrAccountNotFound
		}
		v, pending := versions[cur.ID]
		if !pending {
			v = cur.Version
		}
		if v != p.Account.Version-1 {
			return nil, fmt.Errorf("%w: account %s is at version %d, not %d",
				domain.ErrConcurrentModification, cur.ID, v, p.Account.Version-1)
		}
		versions[cur.ID] = p.Account.Version
		if p.Txn == nil {
			continue
		}
		if _, dup := s.byID[p.Txn.ID]; dup {
			return nil, fmt.Errorf("append transaction %s: duplicate id", p.Txn.ID)
		}
		if p.Txn.ReversalOf != "" {
			if _, done := s.reversals[p.Txn.ReversalOf]; done {
				return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyReversed, p.Txn.ReversalOf)
			}
		}
	}

	var committed []domain.Transaction
	for _, p := range postings {
		s.accounts[p.Account.ID] = p.Account
		if p.Txn == nil {
			continue
		}
		t := *p.Txn
		t.Seq = int64(len(s.txns) + 1)
		s.byID[t.ID] = len(s.txns)
		s.txns = append(s.txns, t)
		if t.ReversalOf != "" {
			s.reversals[t.ReversalOf] = t.ID
		}
		committed = append(committed, t)
	}
	return committed, nil
}

// ─── Transaction Log ────────────────────────────────────────────────────────

func (s *Store) TransactionsPage(_ context.Context, accountID string, r domain.Range, after domain.Cursor, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	var matched []domain.Transaction
	for _, t := range s.txns {
		if t.AccountID == accountID && r.Contains(t.Timestamp) && after.Before(t) {
			matched = append(matched, t)
		}
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b domain.Transaction) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return int(a.Seq - b.Seq)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return s.txns[i], nil
}

func (s *Store) TransactionsByCorrelation(_ context.Context, correlationID string) ([]domain.Transaction, error) {
	if correlationID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Transaction
	for _, t := range s.txns {
		if t.CorrelationID == correlationID && t.ReversalOf == "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) ReversalOf(_ context.Context, txnID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reversals[txnID], nil
}

// ─── Users ──────────────────────────────────────────────────────────────────

func (s *Store) CreateUser(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("create user %s: already exists", u.ID)
	}
	s.users[u.ID] = u
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) UpdateAuthState(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		return domain.ErrUserNotFound
	}
	cur.FailedAttempts = u.FailedAttempts
	cur.LockedUntil = u.LockedUntil
	cur.LastLogin = u.LastLogin
	s.users[u.ID] = cur
	return nil
}

func (s *Store) UpdateCredentials(_ context.Context, userID, pinHash, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	cur.PINHash, cur.PasswordHash = pinHash, passwordHash
	s.users[userID] = cur
	return nil
}

func (s *Store) UpdateProfile(_ context.Context, u domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		return domain.ErrUserNotFound
	}
	cur.Name, cur.Email, cur.Phone = u.Name, u.Email, u.Phone
	s.users[u.ID] = cur
	return nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return domain.ErrUserNotFound
	}
	for _, a := range s.accounts {
		if a.OwnerID == id {
			return fmt.Errorf("delete user %s: user still owns accounts", id)
		}
	}
	delete(s.users, id)
	return nil
}

// ─── Sequences and Stats ────────────────────────────────────────────────────

func (s *Store) NextSequence(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[name]++
	return s.seqs[name], nil
}

func (s *Store) Stats(_ context.Context) (domain.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.StoreStats{Users: len(s.users), Accounts: len(s.accounts), Transactions: len(s.txns)}, nil
}
