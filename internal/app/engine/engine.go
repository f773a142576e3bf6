// Package engine is the session-checked entry point for customer
// operations. Every call validates the session, checks that the account
// belongs to the session's user and hands the mutation to the ledger,
// retrying on concurrent modification.
package engine

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atmcore/atm/internal/app/ledger"
	"github.com/atmcore/atm/internal/domain"
	"github.com/atmcore/atm/internal/infra/observability"
)

// Sessions validates tokens; *session.Manager implements it.
type Sessions interface {
	Touch(token string) (domain.Session, error)
}

// Config holds retry tuning.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration // multiplied by the attempt number
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryBackoff: 5 * time.Millisecond}
}

// Engine executes customer operations.
type Engine struct {
	sessions Sessions
	ledger   *ledger.Ledger
	cfg      Config
	log      *zap.Logger
}

// New creates an engine.
func New(sessions Sessions, l *ledger.Ledger, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	return &Engine{
		sessions: sessions,
		ledger:   l,
		cfg:      cfg,
		log:      observability.OrNop(logger).Named("engine"),
	}
}

// TransferReceipt holds both legs of a committed transfer.
type TransferReceipt struct {
	CorrelationID string             `json:"correlation_id"`
	Out           domain.Transaction `json:"out"`
	In            domain.Transaction `json:"in"`
}

// ─── Operations ─────────────────────────────────────────────────────────────

// Deposit credits amount to one of the session user's accounts.
func (e *Engine) Deposit(ctx context.Context, token, accountID string, amount decimal.Decimal) (domain.Transaction, error) {
	return e.single(ctx, "deposit", token, accountID, domain.TxDeposit, amount)
}

// Withdraw debits amount, subject to funds, credit limit and the daily cap.
func (e *Engine) Withdraw(ctx context.Context, token, accountID string, amount decimal.Decimal) (domain.Transaction, error) {
	return e.single(ctx, "withdraw", token, accountID, domain.TxWithdrawal, amount)
}

func (e *Engine) single(ctx context.Context, op, token, accountID string, kind domain.TxKind, amount decimal.Decimal) (domain.Transaction, error) {
	defer observability.ObserveSince(observability.OperationDuration.WithLabelValues(op), time.Now())

	if err := domain.ValidateAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	if _, _, err := e.authorize(ctx, token, accountID); err != nil {
		return domain.Transaction{}, err
	}

	var txns []domain.Transaction
	err := e.retry(ctx, op, func() error {
		var err error
		txns, err = e.ledger.Apply(ctx, ledger.Op{
			AccountID:     accountID,
			Kind:          kind,
			Amount:        amount,
			CorrelationID: uuid.NewString(),
		})
		return err
	})
	if err != nil {
		e.log.Info(op+" rejected", zap.String("account_id", accountID), zap.Error(err))
		return domain.Transaction{}, err
	}
	return txns[0], nil
}

// Transfer moves amount from one of the session user's accounts to any
// other account. Both legs commit together or not at all.
func (e *Engine) Transfer(ctx context.Context, token, fromID, toID string, amount decimal.Decimal) (TransferReceipt, error) {
	defer observability.ObserveSince(observability.OperationDuration.WithLabelValues("transfer"), time.Now())

	if err := domain.ValidateAmount(amount); err != nil {
		return TransferReceipt{}, err
	}
	if fromID == toID {
		return TransferReceipt{}, domain.ErrSameAccount
	}
	if _, _, err := e.authorize(ctx, token, fromID); err != nil {
		return TransferReceipt{}, err
	}

	corr := uuid.NewString()
	var txns []domain.Transaction
	err := e.retry(ctx, "transfer", func() error {
		var err error
		txns, err = e.ledger.Apply(ctx,
			ledger.Op{AccountID: fromID, Kind: domain.TxTransferOut, Amount: amount, Counterparty: toID, CorrelationID: corr},
			ledger.Op{AccountID: toID, Kind: domain.TxTransferIn, Amount: amount, Counterparty: fromID, CorrelationID: corr},
		)
		return err
	})
	if err != nil {
		e.log.Info("transfer rejected", zap.String("from", fromID), zap.String("to", toID), zap.Error(err))
		return TransferReceipt{}, err
	}
	return TransferReceipt{CorrelationID: corr, Out: txns[0], In: txns[1]}, nil
}

// Balance returns the current state of one of the session user's accounts.
func (e *Engine) Balance(ctx context.Context, token, accountID string) (domain.Account, error) {
	_, a, err := e.authorize(ctx, token, accountID)
	return a, err
}

// History authorizes the caller and returns the lazy transaction sequence
// of the account inside r.
func (e *Engine) History(ctx context.Context, token, accountID string, r domain.Range) (iter.Seq2[domain.Transaction, error], error) {
	if _, _, err := e.authorize(ctx, token, accountID); err != nil {
		return nil, err
	}
	return e.ledger.History(ctx, accountID, r), nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// authorize touches the session and checks ownership. Accounts of other
// users are reported as not found.
func (e *Engine) authorize(ctx context.Context, token, accountID string) (domain.Session, domain.Account, error) {
	s, err := e.sessions.Touch(token)
	if err != nil {
		return domain.Session{}, domain.Account{}, err
	}
	a, err := e.ledger.Account(ctx, accountID)
	if err != nil {
		return s, domain.Account{}, err
	}
	if a.OwnerID != s.UserID {
		e.log.Warn("foreign account access", zap.String("user_id", s.UserID), zap.String("account_id", accountID))
		return s, domain.Account{}, domain.ErrAccountNotFound
	}
	return s, a, nil
}

// retry runs fn until it succeeds, fails with anything other than a
// concurrent modification, or MaxRetries retries are spent.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrConcurrentModification) || attempt >= e.cfg.MaxRetries {
			return err
		}
		observability.Retries.WithLabelValues(op).Inc()

		t := time.NewTimer(e.cfg.RetryBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
