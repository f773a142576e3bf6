package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmcore/atm/internal/domain"
)

// ─── Transaction Log ────────────────────────────────────────────────────────

const txnColumns = `seq, id, account_id, kind, amount, ts, balance_after, counterparty, correlation_id, status, reversal_of`

// TransactionsPage returns up to limit transactions of accountID inside r,
// strictly after the cursor, ordered by (ts, seq).
func (db *DB) TransactionsPage(ctx context.Context, accountID string, r domain.Range, after domain.Cursor, limit int) ([]domain.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions
		WHERE account_id = ? AND (ts > ? OR (ts = ? AND seq > ?))`
	args := []any{accountID, after.Timestamp, after.Timestamp, after.Seq}
	if !r.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, r.From.UnixNano())
	}
	if !r.To.IsZero() {
		query += ` AND ts < ?`
		args = append(args, r.To.UnixNano())
	}
	query += ` ORDER BY ts, seq LIMIT ?`
	args = append(args, limit)

	return db.queryTransactions(ctx, query, args...)
}

// GetTransaction returns a single record or domain.ErrTransactionNotFound.
func (db *DB) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

// TransactionsByCorrelation returns every record sharing correlationID.
func (db *DB) TransactionsByCorrelation(ctx context.Context, correlationID string) ([]domain.Transaction, error) {
	if correlationID == "" {
		return nil, nil
	}
	return db.queryTransactions(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE correlation_id = ? AND reversal_of IS NULL ORDER BY seq`,
		correlationID)
}

// ReversalOf returns the id of the record compensating txnID, or "".
func (db *DB) ReversalOf(ctx context.Context, txnID string) (string, error) {
	var id string
	err := db.db.QueryRowContext(ctx, `SELECT id FROM transactions WHERE reversal_of = ?`, txnID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reversal of %s: %w", txnID, err)
	}
	return id, nil
}

func (db *DB) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(s scanner) (domain.Transaction, error) {
	var (
		t                    domain.Transaction
		kind, status         string
		amount, balanceAfter string
		ts                   int64
		reversalOf           sql.NullString
	)
	if err := s.Scan(&t.Seq, &t.ID, &t.AccountID, &kind, &amount, &ts, &balanceAfter,
		&t.Counterparty, &t.CorrelationID, &status, &reversalOf); err != nil {
		return t, err
	}
	t.Kind = domain.TxKind(kind)
	t.Status = domain.TxStatus(status)
	t.Timestamp = fromNanos(ts)
	t.ReversalOf = reversalOf.String
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("transaction %s amount: %w", t.ID, err)
	}
	if t.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return t, fmt.Errorf("transaction %s balance_after: %w", t.ID, err)
	}
	return t, nil
}
