package optimistic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstream/sessionproxy/pkg/wire"
)

func userRow(messageID string) wire.Row {
	return wire.Row{
		MessageID: messageID,
		Seq:       0,
		ActorID:   "user-1",
		Role:      wire.RoleUser,
		Chunk:     `{"type":"whole-message","message":{"id":"` + messageID + `","role":"user"}}`,
	}
}

func TestInsertOptimisticIsVisibleImmediately(t *testing.T) {
	v := NewView(30*time.Second, nil, nil)
	row := userRow("m1")

	v.InsertOptimistic(context.Background(), row, "")

	rows := v.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "m1", rows[0].MessageID)
}

func TestReconcileReplacesInPlaceByKey(t *testing.T) {
	var snapshots [][]wire.Row
	v := NewView(30*time.Second, func(rows []wire.Row) {
		snapshot := make([]wire.Row, len(rows))
		copy(snapshot, rows)
		snapshots = append(snapshots, snapshot)
	}, nil)

	optimisticRow := userRow("m1")
	v.InsertOptimistic(context.Background(), optimisticRow, "")

	syncedRow := optimisticRow
	syncedRow.CreatedAt = time.Now()
	v.Reconcile(syncedRow, "")

	rows := v.Rows()
	require.Len(t, rows, 1, "reconciliation must replace, never duplicate")
	assert.False(t, rows[0].CreatedAt.IsZero())
	assert.GreaterOrEqual(t, len(snapshots), 2)
}

func TestReconcileByTxID(t *testing.T) {
	v := NewView(30*time.Second, nil, nil)
	row := userRow("m1")
	v.InsertOptimistic(context.Background(), row, "tx-abc")

	// The synced row's key may legitimately differ (server re-keys it);
	// txid must still resolve it to the same optimistic slot.
	syncedRow := userRow("m1-server-assigned")
	v.Reconcile(syncedRow, "tx-abc")

	rows := v.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "m1-server-assigned", rows[0].MessageID)
}

func TestRollbackRemovesOptimisticRow(t *testing.T) {
	v := NewView(30*time.Second, nil, nil)
	row := userRow("m1")
	v.InsertOptimistic(context.Background(), row, "")

	err := v.Rollback(row.Key())
	require.NoError(t, err)
	assert.Empty(t, v.Rows())
}

func TestRollbackUnknownKeyErrors(t *testing.T) {
	v := NewView(30*time.Second, nil, nil)
	err := v.Rollback(wire.RowKey{MessageID: "missing", Seq: 0})
	assert.Error(t, err)
}

func TestTimeoutRollsBackAutomatically(t *testing.T) {
	v := NewView(20*time.Millisecond, nil, nil)
	row := userRow("m1")
	v.InsertOptimistic(context.Background(), row, "")

	require.Eventually(t, func() bool {
		return len(v.Rows()) == 0
	}, time.Second, 5*time.Millisecond, "optimistic row should roll back after its confirm timeout elapses")
}

func TestReconcileBeforeTimeoutCancelsRollback(t *testing.T) {
	v := NewView(30*time.Millisecond, nil, nil)
	row := userRow("m1")
	v.InsertOptimistic(context.Background(), row, "")

	v.Reconcile(row, "")

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, v.Rows(), 1, "reconciled row must survive past the original rollback deadline")
}

func TestUnmatchedSyncedRowIsAppended(t *testing.T) {
	v := NewView(30*time.Second, nil, nil)
	v.Reconcile(userRow("server-initiated"), "")

	rows := v.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "server-initiated", rows[0].MessageID)
}
