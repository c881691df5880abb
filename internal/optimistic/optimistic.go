// Package optimistic implements the optimistic mutation layer (C7): a
// subscriber-local raw chunk view that accepts a local insert before
// server confirmation, reconciles it against the synced row once it
// appears (by primary key, or by an optional txid), and rolls it back if
// confirmation never arrives within the configured timeout.
//
// Optimistic inserts are confined to the raw view — the same multiset
// internal/projection folds over — never to a derived view, per spec
// §4.7's invariant.
package optimistic

import (
	"context"
	"sync"
	"time"

	"github.com/chatstream/sessionproxy/internal/apierr"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// View is the subscriber-local raw chunk view: an ordered sequence of rows
// that may include optimistic (unconfirmed) entries alongside synced ones.
// Safe for concurrent use; the spec models the subscriber side as
// single-threaded cooperative, but an HTTP client library can't assume its
// caller honors that discipline, so this enforces it with a mutex.
type View struct {
	mu       sync.Mutex
	rows     []wire.Row
	index    map[wire.RowKey]int // row key -> index into rows
	pending  map[wire.RowKey]*pendingEntry
	byTxID   map[string]wire.RowKey

	confirmTimeout time.Duration
	onChange       func([]wire.Row)
	onError        func(key wire.RowKey, err error)
}

type pendingEntry struct {
	txID   string
	cancel context.CancelFunc
}

// NewView constructs an empty raw view. confirmTimeout is the awaited-sync
// default (~30s per spec §5); onChange, if non-nil, is invoked after every
// mutation with a snapshot of the current row order — the subscriber's
// hook for re-running projection.Fold. onError, if non-nil, fires when a
// pending mutation times out before any sync arrived, so the subscriber can
// surface a connection-status error and continue in reduced-fidelity mode
// rather than hang indefinitely.
func NewView(confirmTimeout time.Duration, onChange func([]wire.Row), onError func(wire.RowKey, error)) *View {
	return &View{
		rows:           make([]wire.Row, 0),
		index:          make(map[wire.RowKey]int),
		pending:        make(map[wire.RowKey]*pendingEntry),
		byTxID:         make(map[string]wire.RowKey),
		confirmTimeout: confirmTimeout,
		onChange:       onChange,
		onError:        onError,
	}
}

// Rows returns a snapshot of the current row order.
func (v *View) Rows() []wire.Row {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]wire.Row, len(v.rows))
	copy(out, v.rows)
	return out
}

// InsertOptimistic performs step 1 of send-message: writes row directly
// into the raw view ahead of server confirmation, and starts a rollback
// timer. txID, if non-empty, lets Reconcile resolve by the server's echoed
// transaction id instead of the weaker key-match rule.
func (v *View) InsertOptimistic(ctx context.Context, row wire.Row, txID string) {
	v.mu.Lock()
	v.appendLocked(row)
	key := row.Key()

	rollbackCtx, cancel := context.WithTimeout(ctx, v.confirmTimeout)
	v.pending[key] = &pendingEntry{txID: txID, cancel: cancel}
	if txID != "" {
		v.byTxID[txID] = key
	}
	v.mu.Unlock()

	v.notify()
	go v.awaitTimeout(rollbackCtx, key)
}

// Reconcile performs steps 3-4: a server-synced row arrived (pushed by a
// subscriber, most likely). If it matches a pending optimistic entry by
// txid (when carried) or by (messageId, seq) key, the optimistic row is
// replaced in place so derived views don't flicker; otherwise the row is
// simply appended.
func (v *View) Reconcile(syncedRow wire.Row, txID string) {
	v.mu.Lock()
	key := syncedRow.Key()
	if txID != "" {
		if pendingKey, ok := v.byTxID[txID]; ok {
			key = pendingKey
			delete(v.byTxID, txID)
		}
	}

	if entry, ok := v.pending[key]; ok {
		entry.cancel()
		delete(v.pending, key)
	}

	if idx, ok := v.index[key]; ok {
		delete(v.index, key)
		v.rows[idx] = syncedRow
		v.index[syncedRow.Key()] = idx
	} else {
		v.appendLocked(syncedRow)
	}
	v.mu.Unlock()

	v.notify()
}

// Rollback performs step 5: the server call failed before any sync could
// arrive. The optimistic row is removed from the raw view entirely.
func (v *View) Rollback(key wire.RowKey) error {
	v.mu.Lock()
	entry, ok := v.pending[key]
	if !ok {
		v.mu.Unlock()
		return apierr.New(apierr.NotFound, "no pending optimistic mutation for key", nil)
	}
	entry.cancel()
	delete(v.pending, key)
	if entry.txID != "" {
		delete(v.byTxID, entry.txID)
	}

	idx, ok := v.index[key]
	if ok {
		v.removeLocked(idx)
	}
	v.mu.Unlock()

	v.notify()
	return nil
}

func (v *View) appendLocked(row wire.Row) {
	v.rows = append(v.rows, row)
	v.index[row.Key()] = len(v.rows) - 1
}

func (v *View) removeLocked(idx int) {
	removedKey := v.rows[idx].Key()
	v.rows = append(v.rows[:idx], v.rows[idx+1:]...)
	delete(v.index, removedKey)
	for key, i := range v.index {
		if i > idx {
			v.index[key] = i - 1
		}
	}
}

func (v *View) notify() {
	if v.onChange == nil {
		return
	}
	v.onChange(v.Rows())
}

// awaitTimeout rolls back key's optimistic row if rollbackCtx expires
// before Reconcile cancels it.
func (v *View) awaitTimeout(rollbackCtx context.Context, key wire.RowKey) {
	<-rollbackCtx.Done()
	if rollbackCtx.Err() != context.DeadlineExceeded {
		return // cancelled by a successful Reconcile
	}
	if err := v.Rollback(key); err == nil && v.onError != nil {
		v.onError(key, apierr.New(apierr.Timeout, "sync confirmation timed out, rolled back optimistic mutation", nil))
	}
}
