package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/atmcore/atm/internal/domain"
)

// lockTable hands out one exclusive lock per account id. A lock is a
// one-slot channel so that waiting can be bounded by a timer and a context.
// Entries are reference counted and dropped when nobody holds or waits on
// them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

func (t *lockTable) ref(id string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		t.locks[id] = e
	}
	e.refs++
	return e
}

func (t *lockTable) unref(id string, e *lockEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// acquire locks every id in ascending order, waiting at most timeout in
// total. The returned func releases them in reverse order.
func (t *lockTable) acquire(ctx context.Context, ids []string, timeout time.Duration) (func(), error) {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	held := make([]*lockEntry, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			t.unref(ids[i], held[i])
		}
	}

	for _, id := range ids {
		e := t.ref(id)
		select {
		case e.ch <- struct{}{}:
			held = append(held, e)
		case <-timer.C:
			t.unref(id, e)
			release()
			return nil, fmt.Errorf("%w: lock wait on %s exceeded %s", domain.ErrConcurrentModification, id, timeout)
		case <-ctx.Done():
			t.unref(id, e)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
