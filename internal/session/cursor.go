package session

import (
	"context"

	"github.com/chatstream/sessionproxy/internal/store"
)

// Cursor is a read handle into a session's log, returned by
// Manager.Subscribe (C2's subscribe operation). It is a thin wrapper over
// repeated store.Read calls. projection.Materialize drains it in catch-up
// mode and the protocol's fork operation reads through it; internal/subscriber
// and the httpapi stream read endpoint call store.Read directly instead.
type Cursor struct {
	store store.Store
	handle store.Handle
}

// Next reads the next batch starting at fromOffset in the given mode.
func (c *Cursor) Next(ctx context.Context, fromOffset store.Offset, mode store.ReadMode) (store.Batch, error) {
	return c.store.Read(ctx, c.handle, fromOffset, mode)
}

// Subscribe returns a Cursor over sessionID's log. Its offset and mode
// arguments are ignored: each Next call names its own offset and mode, and
// Cursor itself carries no state about where it left off, so repeated
// calls from different offsets are always consistent with the store's
// total order guarantee.
func (m *Manager) Subscribe(ctx context.Context, sessionID string, _ store.Offset, _ store.ReadMode) (*Cursor, error) {
	s, err := m.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Cursor{store: m.store, handle: s.Handle()}, nil
}
