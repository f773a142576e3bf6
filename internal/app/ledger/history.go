package ledger

import (
	"context"
	"iter"

	"github.com/atmcore/atm/internal/domain"
)

// History yields the transactions of accountID inside r in (timestamp, seq)
// order. Records are fetched page by page as the caller ranges; ranging again
// restarts from the beginning and yields the same sequence for the same
// committed state. An error is yielded once and ends the sequence.
func (l *Ledger) History(ctx context.Context, accountID string, r domain.Range) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		if _, err := l.store.LoadAccount(ctx, accountID); err != nil {
			yield(domain.Transaction{}, err)
			return
		}

		var cursor domain.Cursor
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			page, err := l.store.TransactionsPage(ctx, accountID, r, cursor, l.cfg.PageSize)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < l.cfg.PageSize {
				return
			}
			cursor = domain.CursorAfter(page[len(page)-1])
		}
	}
}

// Collect drains a history sequence into a slice.
func Collect(seq iter.Seq2[domain.Transaction, error]) ([]domain.Transaction, error) {
	var out []domain.Transaction
	for t, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}
