package subscriber

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// fakeStore serves a fixed batch of rows for the catch-up read, then blocks
// on live reads until the context is cancelled (like a real long-poll read
// timing out with nothing new).
type fakeStore struct {
	mu          sync.Mutex
	catchupRows []wire.Row
	readCount   int
	failFirstN  int // live reads before readCount fail (to exercise reconnect)
}

func (f *fakeStore) Create(ctx context.Context, sessionKey string) (store.Handle, error) {
	return store.Handle{Key: sessionKey}, nil
}

func (f *fakeStore) Delete(ctx context.Context, h store.Handle) error { return nil }

func (f *fakeStore) Append(ctx context.Context, h store.Handle, payload []byte) (store.Offset, error) {
	return store.Offset("1"), nil
}

func (f *fakeStore) Read(ctx context.Context, h store.Handle, fromOffset store.Offset, mode store.ReadMode) (store.Batch, error) {
	f.mu.Lock()
	f.readCount++
	count := f.readCount
	f.mu.Unlock()

	if mode == store.ModeCatchup && fromOffset == store.Zero {
		recs := make([]store.Record, 0, len(f.catchupRows))
		for i, row := range f.catchupRows {
			row.Offset = "" // Offset is stamped by the subscriber from rec.Offset
			b, _ := json.Marshal(row)
			recs = append(recs, store.Record{Offset: store.Offset(itoa(i + 1)), Bytes: b})
		}
		return store.Batch{Records: recs, NextOffset: store.Offset(itoa(len(recs))), UpToDate: true}, nil
	}

	if count <= f.failFirstN {
		return store.Batch{}, &store.RetryableError{Cause: assertErr{"transient read failure"}}
	}

	// live read with nothing new: block until ctx is cancelled, like a
	// real long-poll timeout racing the test's own deadline.
	<-ctx.Done()
	return store.Batch{}, ctx.Err()
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	out := ""
	for n > 0 {
		out = string(digits[n%10]) + out
		n /= 10
	}
	return out
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Format: "text"})
}

func TestSubscriberDeliversCatchupRowsDeduplicated(t *testing.T) {
	rows := []wire.Row{
		{MessageID: "m1", Seq: 0, Role: wire.RoleUser, Chunk: `{"type":"whole-message"}`},
		{MessageID: "m1", Seq: 0, Role: wire.RoleUser, Chunk: `{"type":"whole-message"}`}, // duplicate key
		{MessageID: "m2", Seq: 0, Role: wire.RoleAssistant, Chunk: `{"type":"text-delta","delta":"hi"}`},
	}
	fs := &fakeStore{catchupRows: rows}
	offsets := NewMemoryOffsetStore()
	opts := DefaultOptions()
	opts.BufferSize = 10

	sub := New("sess-1", fs, store.Handle{Key: "sess-1"}, offsets, opts, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go sub.Run(ctx)

	var delivered []wire.Row
	for d := range sub.Deliveries() {
		if d.Row.MessageID != "" {
			delivered = append(delivered, d.Row)
		}
	}

	require.Len(t, delivered, 2, "duplicate (messageId,seq) must be delivered only once")
	assert.Equal(t, "m1", delivered[0].MessageID)
	assert.Equal(t, "m2", delivered[1].MessageID)
}

func TestSubscriberPersistsOffsetAfterCatchup(t *testing.T) {
	rows := []wire.Row{
		{MessageID: "m1", Seq: 0, Role: wire.RoleUser, Chunk: `{"type":"whole-message"}`},
	}
	fs := &fakeStore{catchupRows: rows}
	offsets := NewMemoryOffsetStore()
	opts := DefaultOptions()

	sub := New("sess-1", fs, store.Handle{Key: "sess-1"}, offsets, opts, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go sub.Run(ctx)
	for range sub.Deliveries() {
	}

	saved, ok, err := offsets.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.Offset("1"), saved)
}

func TestSubscriberReconnectsThroughTransientError(t *testing.T) {
	fs := &fakeStore{catchupRows: nil, failFirstN: 2}
	offsets := NewMemoryOffsetStore()
	opts := DefaultOptions()
	opts.ReconnectMaxBackoff = 20 * time.Millisecond

	sub := New("sess-1", fs, store.Handle{Key: "sess-1"}, offsets, opts, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var sawReconnecting bool
	go sub.Run(ctx)
	for d := range sub.Deliveries() {
		if d.Status == StatusReconnecting {
			sawReconnecting = true
		}
	}

	assert.True(t, sawReconnecting, "a transient read error must surface a reconnecting status before retrying")
}

func TestSubscriberStopEndsRun(t *testing.T) {
	fs := &fakeStore{catchupRows: nil}
	offsets := NewMemoryOffsetStore()

	sub := New("sess-1", fs, store.Handle{Key: "sess-1"}, offsets, DefaultOptions(), testLogger())

	done := make(chan struct{})
	go func() {
		sub.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	<-sub.Done()
}

func TestBufferSizeClampedToBounds(t *testing.T) {
	fs := &fakeStore{}
	offsets := NewMemoryOffsetStore()

	tooSmall := New("s", fs, store.Handle{}, offsets, Options{BufferSize: 1}, testLogger())
	assert.Equal(t, 10, cap(tooSmall.ch))

	tooBig := New("s", fs, store.Handle{}, offsets, Options{BufferSize: 100000}, testLogger())
	assert.Equal(t, 1000, cap(tooBig.ch))
}
