// Package session implements the session log (C2): a single logical
// session stream backed by a store.Store, per-message sequence
// allocation, and terminal-chunk bookkeeping. Every mutation to a
// session's metadata or seq counters is serialized through the Session
// value itself acting as its own session actor — the same role the
// teacher's StreamSession plays for one in-flight generation, widened
// here to own the whole session's lifetime instead of a single response.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chatstream/sessionproxy/internal/metrics"
	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// AgentSpec is a registered agent, per spec §3 Agent registration.
type AgentSpec struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Endpoint     string            `json:"endpoint"`
	Headers      map[string]string `json:"headers,omitempty"`
	Triggers     string            `json:"triggers"` // "all" | "user-messages"
	BodyTemplate map[string]any    `json:"bodyTemplate,omitempty"`
}

// ShouldTrigger reports whether a user-message append should invoke this
// agent, applying the "absent defaults to user-messages" rule.
func (a AgentSpec) ShouldTrigger() bool {
	return a.Triggers == "" || a.Triggers == "all" || a.Triggers == "user-messages"
}

// AbortHandle lets the session actor cancel an in-flight generation.
type AbortHandle struct {
	MessageID string
	Cancel    context.CancelFunc
}

// Session is the per-session logical stream: metadata plus the seq
// counters and abort-handle table the spec requires the session actor to
// own exclusively.
type Session struct {
	ID string

	store store.Store

	mu           sync.Mutex
	handle       store.Handle
	createdAt    time.Time
	lastActivity time.Time
	agents       map[string]AgentSpec
	seqCounters  map[string]int                // messageId -> next seq to assign
	abortHandles map[string]context.CancelFunc // messageId -> cancel
	terminated   map[string]bool               // messageId -> has terminal chunk
}

func newSession(id string, st store.Store, h store.Handle) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		store:        st,
		handle:       h,
		createdAt:    now,
		lastActivity: now,
		agents:       make(map[string]AgentSpec),
		seqCounters:  make(map[string]int),
		abortHandles: make(map[string]context.CancelFunc),
		terminated:   make(map[string]bool),
	}
}

// nextSeq allocates and consumes the next seq for messageId. Must be
// called with mu held.
func (s *Session) nextSeq(messageID string) int {
	seq := s.seqCounters[messageID]
	s.seqCounters[messageID] = seq + 1
	return seq
}

// Touch records activity for TTL purposes.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RegisterAgents upserts agent specs into session metadata.
func (s *Session) RegisterAgents(specs []AgentSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range specs {
		s.agents[a.ID] = a
	}
}

// UnregisterAgent removes an agent spec from session metadata.
func (s *Session) UnregisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
}

// Agents returns a snapshot of registered agents.
func (s *Session) Agents() []AgentSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentSpec, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	return out
}

// TriggeredAgents returns the subset of registered agents that fire on a
// user-message append, per the agent-triggering rule in spec §4.4.
func (s *Session) TriggeredAgents() []AgentSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentSpec, 0, len(s.agents))
	for _, a := range s.agents {
		if a.ShouldTrigger() {
			out = append(out, a)
		}
	}
	return out
}

// RegisterAbortHandle installs a cancel func for an in-flight generation,
// keyed by messageId, and marks the messageId as not yet terminated.
func (s *Session) RegisterAbortHandle(messageID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortHandles[messageID] = cancel
	s.terminated[messageID] = false
	metrics.ActiveGenerations.Inc()
}

// UnregisterAbortHandle removes a generation's abort handle once it has
// exited (on every exit path: success, cancel, error).
func (s *Session) UnregisterAbortHandle(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.abortHandles[messageID]; ok {
		metrics.ActiveGenerations.Dec()
	}
	delete(s.abortHandles, messageID)
}

// Stop aborts the generation for messageID, if one is active. Returns
// true if a handle was found and cancelled.
func (s *Session) Stop(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.abortHandles[messageID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// StopAll aborts every active generation for this session. Returns the
// messageIds that were aborted.
func (s *Session) StopAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.abortHandles))
	for id, cancel := range s.abortHandles {
		cancel()
		ids = append(ids, id)
	}
	return ids
}

// ActiveGenerations returns the messageIds currently believed to be
// active (registered but not yet marked terminal). Authoritative
// activeness still comes from the projection engine reading the log; this
// is the fast, in-memory view used for the status/active-generation
// endpoints.
func (s *Session) ActiveGenerations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.abortHandles))
	for id := range s.abortHandles {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) markTerminated(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated[messageID] = true
	delete(s.seqCounters, messageID)
}

// Append serializes payload, allocates the next seq for messageId, appends
// to the store, and returns the resulting Row. actorId/role describe the
// chunk producer per the Chunk entity in spec §3.
func (s *Session) Append(ctx context.Context, messageID, actorID string, role wire.Role, payload any) (wire.Row, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return wire.Row{}, fmt.Errorf("marshal chunk payload: %w", err)
	}

	s.mu.Lock()
	seq := s.nextSeq(messageID)
	s.lastActivity = time.Now()
	s.mu.Unlock()

	row := wire.Row{
		SessionID: s.ID,
		MessageID: messageID,
		Seq:       seq,
		ActorID:   actorID,
		Role:      role,
		Chunk:     string(body),
		CreatedAt: time.Now(),
	}
	rowBytes, err := json.Marshal(row)
	if err != nil {
		return wire.Row{}, fmt.Errorf("marshal row: %w", err)
	}

	offset, err := s.store.Append(ctx, s.handle, rowBytes)
	if err != nil {
		metrics.AppendErrors.WithLabelValues(classifyAppendErrKind(err)).Inc()
		return wire.Row{}, err
	}
	row.Offset = string(offset)

	var env wire.Envelope
	_ = json.Unmarshal(body, &env)
	metrics.ChunksAppended.WithLabelValues(string(env.Type)).Inc()

	return row, nil
}

func classifyAppendErrKind(err error) string {
	if store.IsRetryable(err) {
		return "retryable"
	}
	return "fatal"
}

// Handle returns the store handle backing this session's log.
func (s *Session) Handle() store.Handle { return s.handle }

// Terminal appends a terminal payload (done|stop|error) for messageID and
// clears its per-message seq counter and abort handle. Session implements
// ingestion.Appender directly so the ingestion pipeline can hold a
// *Session without depending on the session package's Manager.
func (s *Session) Terminal(ctx context.Context, messageID, actorID string, role wire.Role, payload any) (wire.Row, error) {
	row, err := s.Append(ctx, messageID, actorID, role, payload)
	if err != nil {
		return wire.Row{}, err
	}
	s.markTerminated(messageID)
	s.UnregisterAbortHandle(messageID)
	return row, nil
}
