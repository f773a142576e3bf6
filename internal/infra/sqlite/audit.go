package sqlite

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmcore/atm/internal/domain"
)

// ─── Audit Events ───────────────────────────────────────────────────────────

// InsertAuditEvent appends one audit event.
func (db *DB) InsertAuditEvent(ctx context.Context, ev domain.AuditEvent) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO audit_events (transaction_id, account_id, kind, amount, ts, resulting_balance, correlation_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.TransactionID, ev.AccountID, string(ev.Kind), ev.Amount.String(), ev.Timestamp.UnixNano(),
		ev.ResultingBalance.String(), ev.CorrelationID, string(ev.Status))
	if err != nil {
		return fmt.Errorf("insert audit event %s: %w", ev.TransactionID, err)
	}
	return nil
}

// AuditEvents returns the most recent events for accountID, oldest first.
// An empty accountID returns events for every account.
func (db *DB) AuditEvents(ctx context.Context, accountID string, limit int) ([]domain.AuditEvent, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT transaction_id, account_id, kind, amount, ts, resulting_balance, correlation_id, status
		FROM (
			SELECT * FROM audit_events
			WHERE ? = '' OR account_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id
	`, accountID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit events: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEvent
	for rows.Next() {
		var (
			ev                       domain.AuditEvent
			kind, status             string
			amount, resultingBalance string
			ts                       int64
		)
		if err := rows.Scan(&ev.TransactionID, &ev.AccountID, &kind, &amount, &ts,
			&resultingBalance, &ev.CorrelationID, &status); err != nil {
			return nil, err
		}
		ev.Kind = domain.TxKind(kind)
		ev.Status = domain.TxStatus(status)
		ev.Timestamp = fromNanos(ts)
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if ev.ResultingBalance, err = decimal.NewFromString(resultingBalance); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
