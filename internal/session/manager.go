package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/metrics"
	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// Manager owns every live Session in this process, exactly the role the
// teacher's StreamManager plays for StreamSessions: lazy creation with
// double-checked locking, TTL-based eviction, and a background cleanup
// loop — here driven by a cron schedule rather than a raw ticker.
type Manager struct {
	store store.Store
	log   *logger.Logger

	ttl time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	cron     *cron.Cron
	distrib  *DistributedStop
}

// NewManager constructs a Manager over store st. ttl is the session
// inactivity TTL (spec §6 SESSION_TTL_MINUTES); cleanupCron is a cron
// expression like "@every 5m".
func NewManager(st store.Store, log *logger.Logger, ttl time.Duration, cleanupCron string) *Manager {
	m := &Manager{
		store:    st,
		log:      log.WithComponent("session-manager"),
		ttl:      ttl,
		sessions: make(map[string]*Session),
		cron:     cron.New(),
	}
	if cleanupCron != "" {
		if _, err := m.cron.AddFunc(cleanupCron, m.sweepExpired); err != nil {
			m.log.Error("invalid cleanup cron expression, TTL sweep disabled", "error", err, "expr", cleanupCron)
		} else {
			m.cron.Start()
		}
	}
	return m
}

// AttachDistributedStop wires in cross-instance stop fan-out (§ SPEC_FULL
// supplemented feature: distributed stop-generation).
func (m *Manager) AttachDistributedStop(d *DistributedStop) { m.distrib = d }

// DistributedStop returns the attached cross-instance stop service, or
// nil if none was configured (single-instance deployments, tests).
func (m *Manager) DistributedStop() *DistributedStop { return m.distrib }

// Shutdown stops the cleanup cron. Existing sessions are left as-is; the
// store adapter, not the Manager, owns durability.
func (m *Manager) Shutdown(ctx context.Context) {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// GetOrCreate returns the in-memory Session for sessionID, creating and
// opening its store log on first reference (sessions are created lazily
// per spec §3 Lifecycle). Uses double-checked locking: a read lock for
// the common warm-path hit, a write lock only when creation is needed.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}

	h, err := m.store.Create(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("create session log: %w", err)
	}
	s := newSession(sessionID, m.store, h)
	if err := rebuildSeqCounters(ctx, m.store, h, s); err != nil {
		m.log.Error("failed to rebuild seq counters from log tail", "error", err, "session_id", sessionID)
	}
	m.sessions[sessionID] = s
	metrics.ActiveSessions.Inc()
	return s, nil
}

// Get returns the in-memory Session for sessionID without creating one.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Delete removes a session's log entirely (HTTP DELETE /sessions/{id}).
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	h := store.Handle{Key: sessionID}
	if ok {
		h = s.Handle()
		metrics.ActiveSessions.Dec()
	}
	return m.store.Delete(ctx, h)
}

// Terminal writes a terminal payload (done|stop|error) for messageId,
// clears its per-message seq counter, and releases its abort handle, per
// C2's terminal() operation.
func (m *Manager) Terminal(ctx context.Context, s *Session, messageID, actorID string, role wire.Role, payload any) (wire.Row, error) {
	row, err := s.Terminal(ctx, messageID, actorID, role, payload)
	if err != nil {
		return wire.Row{}, err
	}
	s.UnregisterAbortHandle(messageID)
	return row, nil
}

func (m *Manager) sweepExpired() {
	ctx := context.Background()
	cutoff := time.Now().Add(-m.ttl)

	m.mu.RLock()
	expired := make([]string, 0)
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) && len(s.ActiveGenerations()) == 0 {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	m.mu.Lock()
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	metrics.ActiveSessions.Sub(float64(len(expired)))

	m.log.Info("evicted expired sessions from memory", "count", len(expired))
	_ = ctx // the in-memory eviction doesn't touch the durable log
}

// rebuildSeqCounters recovers per-message seq counters by reading the
// log's tail after a producer crash, per spec §4.2: "the counter is
// rebuilt by reading the log tail for that messageId on recovery."
func rebuildSeqCounters(ctx context.Context, st store.Store, h store.Handle, s *Session) error {
	batch, err := st.Read(ctx, h, store.Zero, store.ModeCatchup)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range batch.Records {
		var row wire.Row
		if err := json.Unmarshal(rec.Bytes, &row); err != nil {
			continue
		}
		if row.Seq+1 > s.seqCounters[row.MessageID] {
			s.seqCounters[row.MessageID] = row.Seq + 1
		}
		var env wire.Envelope
		if err := json.Unmarshal([]byte(row.Chunk), &env); err == nil && env.Type.IsTerminal() {
			s.terminated[row.MessageID] = true
			delete(s.seqCounters, row.MessageID)
		}
	}
	return nil
}
