package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ─── Transaction Types ──────────────────────────────────────────────────────

// TxKind is the balance effect of a transaction record.
type TxKind string

const (
	TxDeposit     TxKind = "deposit"
	TxWithdrawal  TxKind = "withdrawal"
	TxTransferOut TxKind = "transfer-out"
	TxTransferIn  TxKind = "transfer-in"
)

// Debit reports whether the kind takes money out of the account.
func (k TxKind) Debit() bool {
	return k == TxWithdrawal || k == TxTransferOut
}

// Opposite returns the kind that compensates k.
func (k TxKind) Opposite() TxKind {
	switch k {
	case TxDeposit:
		return TxWithdrawal
	case TxWithdrawal:
		return TxDeposit
	case TxTransferOut:
		return TxTransferIn
	case TxTransferIn:
		return TxTransferOut
	default:
		return k
	}
}

// TxStatus marks whether a record is an ordinary commit or a compensation.
type TxStatus string

const (
	TxCommitted TxStatus = "committed"
	TxReversed  TxStatus = "reversed"
)

// Transaction is an immutable ledger record. A reversal is a new record with
// Status TxReversed and ReversalOf pointing at the original.
type Transaction struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	AccountID     string          `json:"account_id"`
	Kind          TxKind          `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	Timestamp     time.Time       `json:"timestamp"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Counterparty  string          `json:"counterparty,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Status        TxStatus        `json:"status"`
	ReversalOf    string          `json:"reversal_of,omitempty"`
}

// Posting pairs the next state of an account with the record explaining it.
// Account.Version is the version being written; the store expects the
// persisted version to be exactly one less. Txn is nil for metadata-only
// changes such as closing an account.
type Posting struct {
	Account Account
	Txn     *Transaction
}

// Range bounds a history query. Zero times are open ends; To is exclusive.
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// ─── Audit Events ───────────────────────────────────────────────────────────

// AuditEvent is emitted once per committed transaction.
type AuditEvent struct {
	TransactionID    string          `json:"transaction_id"`
	AccountID        string          `json:"account_id"`
	Kind             TxKind          `json:"kind"`
	Amount           decimal.Decimal `json:"amount"`
	Timestamp        time.Time       `json:"timestamp"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	Status           TxStatus        `json:"status"`
}

// EventFor builds the audit event for a committed transaction.
func EventFor(t Transaction) AuditEvent {
	return AuditEvent{
		TransactionID:    t.ID,
		AccountID:        t.AccountID,
		Kind:             t.Kind,
		Amount:           t.Amount,
		Timestamp:        t.Timestamp,
		ResultingBalance: t.BalanceAfter,
		CorrelationID:    t.CorrelationID,
		Status:           t.Status,
	}
}
