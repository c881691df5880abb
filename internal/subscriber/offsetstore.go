package subscriber

import (
	"context"
	"sync"

	"github.com/chatstream/sessionproxy/internal/store"
)

// MemoryOffsetStore is an in-process OffsetStore. Production clients persist
// lastSyncedOffset to localStorage or disk (spec §4.5); this implementation
// is the development/test default and keeps offsets in memory only, so
// they do not survive a restart.
type MemoryOffsetStore struct {
	mu      sync.Mutex
	offsets map[string]store.Offset
}

// NewMemoryOffsetStore constructs an empty MemoryOffsetStore.
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{offsets: make(map[string]store.Offset)}
}

func (m *MemoryOffsetStore) Load(_ context.Context, sessionID string) (store.Offset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.offsets[sessionID]
	return off, ok, nil
}

func (m *MemoryOffsetStore) Save(_ context.Context, sessionID string, offset store.Offset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets[sessionID] = offset
	return nil
}
