package domain

import "context"

// ─── Persistence Boundary ───────────────────────────────────────────────────
// Infrastructure implements these; the application layer depends on them.

// AccountStore persists accounts and their append-only transaction logs.
type AccountStore interface {
	// LoadAccount returns the persisted account or ErrAccountNotFound.
	LoadAccount(ctx context.Context, id string) (Account, error)

	// CreateAccount inserts a new account at version 1.
	CreateAccount(ctx context.Context, a Account) error

	// ListAccounts returns the accounts owned by ownerID, ordered by id.
	ListAccounts(ctx context.Context, ownerID string) ([]Account, error)

	// Commit writes every posting in one atomic unit. Each account is written
	// only if its stored version equals Account.Version-1, otherwise nothing
	// is written and ErrConcurrentModification is returned. Committed
	// transactions are returned with their store-assigned Seq.
	Commit(ctx context.Context, postings []Posting) ([]Transaction, error)

	// TransactionsPage returns up to limit transactions of accountID inside r
	// ordered by (timestamp, seq) ascending, strictly after the cursor.
	TransactionsPage(ctx context.Context, accountID string, r Range, after Cursor, limit int) ([]Transaction, error)

	// GetTransaction returns a transaction by id or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id string) (Transaction, error)

	// TransactionsByCorrelation returns every record sharing correlationID.
	TransactionsByCorrelation(ctx context.Context, correlationID string) ([]Transaction, error)

	// ReversalOf returns the id of the record compensating txnID, or "".
	ReversalOf(ctx context.Context, txnID string) (string, error)
}

// Cursor is a keyset position in a history listing. The zero value starts at
// the beginning.
type Cursor struct {
	Timestamp int64 // unix nanoseconds
	Seq       int64
}

// CursorAfter returns the cursor positioned just after t.
func CursorAfter(t Transaction) Cursor {
	return Cursor{Timestamp: t.Timestamp.UnixNano(), Seq: t.Seq}
}

// Before reports whether c sorts before transaction t.
func (c Cursor) Before(t Transaction) bool {
	ts := t.Timestamp.UnixNano()
	if ts != c.Timestamp {
		return c.Timestamp < ts
	}
	return c.Seq < t.Seq
}

// UserStore persists users and their authentication state.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	UpdateAuthState(ctx context.Context, u User) error
	UpdateCredentials(ctx context.Context, userID, pinHash, passwordHash string) error
	// UpdateProfile replaces name, email and phone.
	UpdateProfile(ctx context.Context, u User) error
	// DeleteUser removes a user that owns no accounts.
	DeleteUser(ctx context.Context, id string) error
}

// Sequencer hands out monotonically increasing numbers per name.
type Sequencer interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Store is the full persistence boundary of the core.
type Store interface {
	AccountStore
	UserStore
	Sequencer
	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}

// StoreStats counts persisted records.
type StoreStats struct {
	Users        int `json:"users"`
	Accounts     int `json:"accounts"`
	Transactions int `json:"transactions"`
}

// ─── Audit Boundary ─────────────────────────────────────────────────────────

// AuditSink receives one event per committed transaction. Delivery and
// formatting are the sink's concern; Emit must not block the caller for long.
type AuditSink interface {
	Emit(ctx context.Context, ev AuditEvent)
}

// AuditFunc adapts a function to AuditSink.
type AuditFunc func(ctx context.Context, ev AuditEvent)

// Emit calls f.
func (f AuditFunc) Emit(ctx context.Context, ev AuditEvent) { f(ctx, ev) }
