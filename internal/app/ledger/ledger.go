// Package ledger owns every balance mutation. Apply validates the account
// invariants, updates balances and daily accumulators, and appends the
// transaction records as one atomic commit; audit events follow the commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/observability"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds ledger tuning.
type Config struct {
	LockTimeout        time.Duration   // bounded wait for account locks
	Policies           domain.Policies // per-type daily limit and overdraft
	EnforceDailyLimits bool
	Location           *time.Location // calendar used for the daily reset
	PageSize           int            // history page size
	Clock              func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeout:        2 * time.Second,
		Policies:           domain.DefaultPolicies(),
		EnforceDailyLimits: true,
		Location:           time.UTC,
		PageSize:           100,
		Clock:              time.Now,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.Policies == nil {
		c.Policies = d.Policies
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

// Op is one balance effect requested from Apply.
type Op struct {
	AccountID     string
	Kind          domain.TxKind
	Amount        decimal.Decimal
	Counterparty  string
	CorrelationID string

	reversalOf string
}

// Ledger serializes mutations per account and commits them through the store.
type Ledger struct {
	store domain.AccountStore
	audit domain.AuditSink
	locks *lockTable
	cfg   Config
	log   *zap.Logger
}

// New creates a ledger. A nil sink discards audit events.
func New(store domain.AccountStore, sink domain.AuditSink, cfg Config, logger *zap.Logger) *Ledger {
	cfg.fill()
	if sink == nil {
		sink = domain.AuditFunc(func(context.Context, domain.AuditEvent) {})
	}
	return &Ledger{
		store: store,
		audit: sink,
		locks: newLockTable(),
		cfg:   cfg,
		log:   observability.OrNop(logger).Named("ledger"),
	}
}

// Policies returns the account-type policy table in force.
func (l *Ledger) Policies() domain.Policies { return l.cfg.Policies }

// Account returns the current state of an account. The daily accumulator is
// reported as zero once its day has passed, even before the next debit
// persists the reset.
func (l *Ledger) Account(ctx context.Context, id string) (domain.Account, error) {
	a, err := l.store.LoadAccount(ctx, id)
	if err != nil {
		return domain.Account{}, err
	}
	l.rollDay(&a, l.cfg.Clock())
	return a, nil
}

// Apply executes ops as a single atomic unit.
func (l *Ledger) Apply(ctx context.Context, ops ...Op) ([]domain.Transaction, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	for _, op := range ops {
		if err := domain.ValidateAmount(op.Amount); err != nil {
			return nil, err
		}
	}

	committed, err := l.commitLocked(ctx, ops)
	for _, op := range ops {
		observability.TransactionsTotal.WithLabelValues(string(op.Kind), outcomeLabel(err)).Inc()
	}
	if err != nil {
		return nil, err
	}

	for _, t := range committed {
		l.audit.Emit(ctx, domain.EventFor(t))
	}
	return committed, nil
}

// commitLocked holds the account locks for the load-validate-commit cycle.
func (l *Ledger) commitLocked(ctx context.Context, ops []Op) ([]domain.Transaction, error) {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.AccountID
	}

	waitStart := time.Now()
	release, err := l.locks.acquire(ctx, ids, l.cfg.LockTimeout)
	observability.ObserveSince(observability.LockWait, waitStart)
	if err != nil {
		return nil, err
	}
	defer release()

	now := l.cfg.Clock()
	accounts := make(map[string]domain.Account, len(ids))
	for _, id := range ids {
		if _, ok := accounts[id]; ok {
			continue
		}
		a, err := l.store.LoadAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Closed() {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountClosed, id)
		}
		l.rollDay(&a, now)
		accounts[id] = a
	}

	postings := make([]domain.Posting, 0, len(ops))
	for _, op := range ops {
		a := accounts[op.AccountID]
		if err := l.applyOp(&a, op); err != nil {
			return nil, err
		}
		a.Version++
		accounts[op.AccountID] = a

		status := domain.TxCommitted
		if op.reversalOf != "" {
			status = domain.TxReversed
		}
		postings = append(postings, domain.Posting{
			Account: a,
			Txn: &domain.Transaction{
				ID:            uuid.NewString(),
				AccountID:     a.ID,
				Kind:          op.Kind,
				Amount:        op.Amount,
				Timestamp:     now,
				BalanceAfter:  a.Balance,
				Counterparty:  op.Counterparty,
				CorrelationID: op.CorrelationID,
				Status:        status,
				ReversalOf:    op.reversalOf,
			},
		})
	}

	committed, err := l.store.Commit(ctx, postings)
	if err != nil {
		l.log.Warn("commit failed", zap.Strings("accounts", ids), zap.Error(err))
		return nil, err
	}
	l.log.Debug("committed", zap.Strings("accounts", ids), zap.Int("records", len(committed)))
	return committed, nil
}

// applyOp mutates a in memory; a is discarded when any op fails.
func (l *Ledger) applyOp(a *domain.Account, op Op) error {
	if !op.Kind.Debit() {
		a.Balance = a.Balance.Add(op.Amount)
		return nil
	}

	if a.Balance.Sub(op.Amount).Add(a.CreditLimit).IsNegative() {
		return &domain.InsufficientFundsError{AccountID: a.ID, Required: op.Amount, Available: a.Available()}
	}

	// Reversals compensate earlier records and do not count as withdrawals.
	if op.reversalOf == "" {
		if l.cfg.EnforceDailyLimits {
			policy, err := l.cfg.Policies.For(a.Type)
			if err != nil {
				return err
			}
			if a.DailyWithdrawn.Add(op.Amount).GreaterThan(policy.DailyLimit) {
				return &domain.LimitExceededError{
					AccountID: a.ID, Limit: policy.DailyLimit,
					Used: a.DailyWithdrawn, Requested: op.Amount,
				}
			}
		}
		a.DailyWithdrawn = a.DailyWithdrawn.Add(op.Amount)
	}
	a.Balance = a.Balance.Sub(op.Amount)
	return nil
}

// rollDay zeroes the daily accumulator when its day is over.
func (l *Ledger) rollDay(a *domain.Account, now time.Time) {
	today := domain.DayOf(now, l.cfg.Location)
	if a.DailyResetOn < today {
		a.DailyWithdrawn = decimal.Zero
		a.DailyResetOn = today
	}
}

// ─── Reversal and Closure ───────────────────────────────────────────────────

// Reverse commits compensating records for a transaction. Both legs of a
// transfer are reversed together. Originals are never modified.
func (l *Ledger) Reverse(ctx context.Context, txnID string) ([]domain.Transaction, error) {
	orig, err := l.store.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if orig.ReversalOf != "" {
		return nil, fmt.Errorf("%w: %s is itself a reversal", domain.ErrAlreadyReversed, txnID)
	}

	legs := []domain.Transaction{orig}
	if orig.Kind == domain.TxTransferOut || orig.Kind == domain.TxTransferIn {
		if legs, err = l.store.TransactionsByCorrelation(ctx, orig.CorrelationID); err != nil {
			return nil, err
		}
		if len(legs) == 0 {
			legs = []domain.Transaction{orig}
		}
	}

	ops := make([]Op, 0, len(legs))
	for _, leg := range legs {
		done, err := l.store.ReversalOf(ctx, leg.ID)
		if err != nil {
			return nil, err
		}
		if done != "" {
			return nil, fmt.Errorf("%w: %s by %s", domain.ErrAlreadyReversed, leg.ID, done)
		}
		ops = append(ops, Op{
			AccountID:     leg.AccountID,
			Kind:          leg.Kind.Opposite(),
			Amount:        leg.Amount,
			Counterparty:  leg.Counterparty,
			CorrelationID: leg.CorrelationID,
			reversalOf:    leg.ID,
		})
	}

	out, err := l.Apply(ctx, ops...)
	if err != nil {
		return nil, err
	}
	l.log.Info("reversed", zap.String("txn_id", txnID), zap.Int("records", len(out)))
	return out, nil
}

// Close marks an account closed. Its balance must be exactly zero.
func (l *Ledger) Close(ctx context.Context, accountID string) (domain.Account, error) {
	release, err := l.locks.acquire(ctx, []string{accountID}, l.cfg.LockTimeout)
	if err != nil {
		return domain.Account{}, err
	}
	defer release()

	a, err := l.store.LoadAccount(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	if a.Closed() {
		return domain.Account{}, fmt.Errorf("%w: %s", domain.ErrAccountClosed, accountID)
	}
	if !a.Balance.IsZero() {
		return domain.Account{}, fmt.Errorf("%w: %s holds %s", domain.ErrAccountNotEmpty, accountID, domain.FormatMoney(a.Balance))
	}

	now := l.cfg.Clock()
	a.ClosedAt = &now
	a.Version++
	if _, err := l.store.Commit(ctx, []domain.Posting{{Account: a}}); err != nil {
		return domain.Account{}, err
	}
	l.log.Info("account closed", zap.String("account_id", accountID))
	return a, nil
}

// outcomeLabel classifies an Apply error for metrics.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, domain.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, domain.ErrAccountNotFound), errors.Is(err, domain.ErrAccountClosed):
		return "rejected"
	default:
		return "error"
	}
}
