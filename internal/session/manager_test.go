package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/store/memory"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	st := memory.New()
	log := logger.New(logger.Config{Format: "text"})
	return NewManager(st, log, ttl, "")
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	s2, err := m.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)

	assert.Same(t, s1, s2, "GetOrCreate must return the same Session for the same id")
}

func TestGetReturnsFalseForUnknownSession(t *testing.T) {
	m := newTestManager(t, time.Hour)
	_, ok := m.Get("never-created")
	assert.False(t, ok)
}

func TestDeleteRemovesSessionFromMemoryAndStore(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "sess-1"))

	_, ok := m.Get("sess-1")
	assert.False(t, ok)
}

func TestManagerTerminalUnregistersAbortHandle(t *testing.T) {
	m := newTestManager(t, time.Hour)
	ctx := context.Background()

	s, err := m.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)
	s.RegisterAbortHandle("m1", func() {})

	_, err = m.Terminal(ctx, s, "m1", "actor-1", wire.RoleAssistant, map[string]string{"type": "done"})
	require.NoError(t, err)

	assert.Empty(t, s.ActiveGenerations())
}

func TestRebuildSeqCountersRecoversFromLogTail(t *testing.T) {
	st := memory.New()
	log := logger.New(logger.Config{Format: "text"})
	ctx := context.Background()

	h, err := st.Create(ctx, "sess-1")
	require.NoError(t, err)
	_, err = st.Append(ctx, h, []byte(`{"messageId":"m1","seq":0,"chunk":"{\"type\":\"text-delta\"}"}`))
	require.NoError(t, err)
	_, err = st.Append(ctx, h, []byte(`{"messageId":"m1","seq":1,"chunk":"{\"type\":\"text-delta\"}"}`))
	require.NoError(t, err)

	m := NewManager(st, log, time.Hour, "")
	s, err := m.GetOrCreate(ctx, "sess-1")
	require.NoError(t, err)

	row, err := s.Append(ctx, "m1", "actor-1", wire.RoleAssistant, map[string]string{"type": "text-delta"})
	require.NoError(t, err)
	assert.Equal(t, 2, row.Seq, "seq counter must resume after the highest seq seen in the log tail")
}

func TestDistributedStopDefaultsToNil(t *testing.T) {
	m := newTestManager(t, time.Hour)
	assert.Nil(t, m.DistributedStop())
}
