package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmcore/atm/internal/domain"
)

// ─── Account Operations ─────────────────────────────────────────────────────

const accountColumns = `id, owner_id, type, balance, daily_withdrawn, daily_reset_on, credit_limit, version, created_at, closed_at`

// CreateAccount inserts a new account at version 1.
func (db *DB) CreateAccount(ctx context.Context, a domain.Account) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, NULL)
	`, a.ID, a.OwnerID, string(a.Type), a.Balance.String(), a.DailyWithdrawn.String(),
		a.DailyResetOn, a.CreditLimit.String(), a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create account %s: %w", a.ID, err)
	}
	return nil
}

// LoadAccount returns the account or domain.ErrAccountNotFound.
func (db *DB) LoadAccount(ctx context.Context, id string) (domain.Account, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account %s: %w", id, err)
	}
	return a, nil
}

// ListAccounts returns the accounts owned by ownerID ordered by id.
func (db *DB) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Commit writes the postings in a single SQL transaction with a version check
// per account.
func (db *DB) Commit(ctx context.Context, postings []domain.Posting) ([]domain.Transaction, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var committed []domain.Transaction
	for _, p := range postings {
		a := p.Account
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				balance         = ?,
				daily_withdrawn = ?,
				daily_reset_on  = ?,
				credit_limit    = ?,
				version         = ?,
				closed_at       = ?
			WHERE id = ? AND version = ?
		`, a.Balance.String(), a.DailyWithdrawn.String(), a.DailyResetOn, a.CreditLimit.String(),
			a.Version, nullTime(a.ClosedAt), a.ID, a.Version-1)
		if err != nil {
			return nil, fmt.Errorf("update account %s: %w", a.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update account %s: %w", a.ID, err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, a.ID).Scan(&exists)
			if err == nil && exists == 0 {
				return nil, domain.ErrAccountNotFound
			}
			return nil, fmt.Errorf("%w: account %s is not at version %d", domain.ErrConcurrentModification, a.ID, a.Version-1)
		}

		if p.Txn == nil {
			continue
		}
		t := *p.Txn
		res, err = tx.ExecContext(ctx, `
			INSERT INTO transactions (id, account_id, kind, amount, ts, balance_after, counterparty, correlation_id, status, reversal_of)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.AccountID, string(t.Kind), t.Amount.String(), t.Timestamp.UnixNano(),
			t.BalanceAfter.String(), t.Counterparty, t.CorrelationID, string(t.Status), nullString(t.ReversalOf))
		if err != nil {
			if isUniqueViolation(err) && t.ReversalOf != "" {
				return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyReversed, t.ReversalOf)
			}
			return nil, fmt.Errorf("append transaction %s: %w", t.ID, err)
		}
		if t.Seq, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("append transaction %s: %w", t.ID, err)
		}
		committed = append(committed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return committed, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (domain.Account, error) {
	var (
		a                                    domain.Account
		typ, balance, withdrawn, creditLimit string
		createdAt                            int64
		closedAt                             sql.NullInt64
	)
	if err := s.Scan(&a.ID, &a.OwnerID, &typ, &balance, &withdrawn, &a.DailyResetOn,
		&creditLimit, &a.Version, &createdAt, &closedAt); err != nil {
		return a, err
	}
	a.Type = domain.AccountType(typ)
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return a, fmt.Errorf("account %s balance: %w", a.ID, err)
	}
	if a.DailyWithdrawn, err = decimal.NewFromString(withdrawn); err != nil {
		return a, fmt.Errorf("account %s daily_withdrawn: %w", a.ID, err)
	}
	if a.CreditLimit, err = decimal.NewFromString(creditLimit); err != nil {
		return a, fmt.Errorf("account %s credit_limit: %w", a.ID, err)
	}
	a.CreatedAt = fromNanos(createdAt)
	a.ClosedAt = fromNullNanos(closedAt)
	return a, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
