// Package protocol implements the session protocol (C4): the operations
// in spec §4.4, each mapping one session-level request onto one or more
// log appends.
package protocol

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/chatstream/sessionproxy/internal/agent"
	"github.com/chatstream/sessionproxy/internal/apierr"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/projection"
	"github.com/chatstream/sessionproxy/internal/session"
	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// Protocol wires the session manager, agent orchestrator, and projection
// engine together to implement every operation in spec §4.4.
type Protocol struct {
	sessions     *session.Manager
	orchestrator *agent.Orchestrator
	log          *logger.Logger
	maxChunkSize int
}

// New constructs a Protocol.
func New(sessions *session.Manager, orchestrator *agent.Orchestrator, maxChunkSize int, log *logger.Logger) *Protocol {
	return &Protocol{
		sessions:     sessions,
		orchestrator: orchestrator,
		log:          log.WithComponent("protocol"),
		maxChunkSize: maxChunkSize,
	}
}

// SendMessageInput carries the send-message operation's inputs.
type SendMessageInput struct {
	SessionID string
	MessageID string // optional; minted if empty
	Content   string
	ActorID   string
	Agent     *session.AgentSpec // optional inline agent, invoked on its own goroutine like triggered agents
}

// SendMessage appends one whole-message chunk with seq=0 (invariant:
// user-message atomicity), then fans out to an optional inline agent and
// every registered agent whose triggers match, per the agent-triggering
// rule. Fan-out invocations run concurrently and do not block the caller.
func (p *Protocol) SendMessage(ctx context.Context, in SendMessageInput) (messageID string, err error) {
	if in.Content == "" {
		return "", apierr.New(apierr.Validation, "content is required", nil)
	}

	messageID = in.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	s, err := p.sessions.GetOrCreate(ctx, in.SessionID)
	if err != nil {
		return "", apierr.New(apierr.StoreFatal, "failed to open session", err)
	}

	now := time.Now()
	payload := wire.WholeMessagePayload{
		Type: wire.ChunkWholeMessage,
		Message: wire.WholeMessage{
			ID:        messageID,
			Role:      wire.RoleUser,
			Parts:     []wire.MessagePart{{Type: wire.PartText, Content: in.Content}},
			CreatedAt: now,
		},
	}

	if _, err := s.Append(ctx, messageID, in.ActorID, wire.RoleUser, payload); err != nil {
		return "", classifyStoreErr(err)
	}

	history, err := p.materializedHistory(ctx, in.SessionID)
	if err != nil {
		p.log.Error("failed to materialize history for agent fan-out", "error", err, "session_id", in.SessionID)
		history = nil
	}

	if in.Agent != nil {
		go p.invokeAgent(context.Background(), s, *in.Agent, in.ActorID, history)
	}
	for _, spec := range s.TriggeredAgents() {
		spec := spec
		go p.invokeAgent(context.Background(), s, spec, in.ActorID, history)
	}

	return messageID, nil
}

// InvokeAgentInput carries the invoke-agent operation's inputs.
type InvokeAgentInput struct {
	SessionID string
	Agent     session.AgentSpec
	ActorID   string
}

// InvokeAgent begins a generation: mints a messageId, calls the agent
// endpoint, and tees the response through the ingestion pipeline. Runs
// synchronously — callers that must not block (HTTP handlers) should
// invoke it in its own goroutine.
func (p *Protocol) InvokeAgent(ctx context.Context, in InvokeAgentInput) (string, error) {
	s, err := p.sessions.GetOrCreate(ctx, in.SessionID)
	if err != nil {
		return "", apierr.New(apierr.StoreFatal, "failed to open session", err)
	}

	history, err := p.materializedHistory(ctx, in.SessionID)
	if err != nil {
		return "", apierr.New(apierr.StoreTransient, "failed to materialize history", err)
	}

	return "", p.invokeAgent(ctx, s, in.Agent, in.ActorID, history)
}

func (p *Protocol) invokeAgent(ctx context.Context, s *session.Session, spec session.AgentSpec, actorID string, history []projection.Message) error {
	messageID := uuid.NewString()
	hist := make([]agent.HistoryMessage, 0, len(history))
	for _, m := range history {
		hist = append(hist, agent.HistoryMessage{Role: string(m.Role), Content: textOf(m)})
	}

	agentActor := actorID
	if spec.ID != "" {
		agentActor = spec.ID
	}

	if err := p.orchestrator.Invoke(ctx, s, spec, messageID, agentActor, hist, p.maxChunkSize); err != nil {
		p.log.Error("agent invocation failed", "error", err, "agent_id", spec.ID, "message_id", messageID)
		return err
	}
	return nil
}

func (p *Protocol) materializedHistory(ctx context.Context, sessionID string) ([]projection.Message, error) {
	cur, err := p.sessions.Subscribe(ctx, sessionID, store.Zero, store.ModeCatchup)
	if err != nil {
		return nil, err
	}
	view, err := projection.Materialize(ctx, cur)
	if err != nil {
		return nil, err
	}
	return view.Messages, nil
}

func textOf(m projection.Message) string {
	out := ""
	for _, part := range m.Parts {
		if part.Type == wire.PartText {
			out += part.Content
		}
	}
	return out
}

// RegisterAgents upserts agent specs into session metadata.
func (p *Protocol) RegisterAgents(ctx context.Context, sessionID string, specs []session.AgentSpec) error {
	s, err := p.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return apierr.New(apierr.StoreFatal, "failed to open session", err)
	}
	s.RegisterAgents(specs)
	return nil
}

// UnregisterAgent removes an agent spec from session metadata.
func (p *Protocol) UnregisterAgent(ctx context.Context, sessionID, agentID string) error {
	s, ok := p.sessions.Get(sessionID)
	if !ok {
		return apierr.New(apierr.NotFound, "session not found", nil)
	}
	s.UnregisterAgent(agentID)
	return nil
}

// ToolResult appends a single tool-result chunk.
func (p *Protocol) ToolResult(ctx context.Context, sessionID, messageID, actorID, toolCallID, output, toolErr string) error {
	s, err := p.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return apierr.New(apierr.StoreFatal, "failed to open session", err)
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	content := output
	if toolErr != "" {
		content = toolErr
	}
	payload := wire.ToolResultPayload{Type: wire.ChunkToolResult, ToolCallID: toolCallID, Content: content}
	_, err = s.Append(ctx, messageID, actorID, wire.RoleSystem, payload)
	return classifyStoreErr(err)
}

// ApprovalResponse appends a single approval-response chunk, per the spec's
// resolved Open Question: approval responses must be appended as a stream
// chunk so every subscriber observes the resolution, not handled
// out-of-band.
func (p *Protocol) ApprovalResponse(ctx context.Context, sessionID, messageID, actorID, approvalID string, approved bool) error {
	s, err := p.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return apierr.New(apierr.StoreFatal, "failed to open session", err)
	}
	if messageID == "" {
		messageID = uuid.NewString()
	}

	payload := wire.ApprovalResponsePayload{Type: wire.ChunkApprovalResponse, ApprovalID: approvalID, Approved: approved}
	_, err = s.Append(ctx, messageID, actorID, wire.RoleSystem, payload)
	return classifyStoreErr(err)
}

// StopGeneration aborts one (messageID != "") or all (messageID == "")
// active generations for a session. Stopping is best-effort: the abort
// signal is delivered, but the terminal stop chunk is written by whichever
// ingestion pipeline observes the cancellation (or by the agent
// orchestrator, when the agent had not yet responded), not by this call. In a
// multi-instance deployment the owning instance may not be this one, so
// this delegates to the attached DistributedStop when present (spec's
// supplemented cross-instance stop-generation feature).
func (p *Protocol) StopGeneration(ctx context.Context, sessionID, messageID string) error {
	if d := p.sessions.DistributedStop(); d != nil {
		_, err := d.RequestStop(ctx, sessionID, messageID)
		if err != nil {
			return apierr.New(apierr.Internal, "failed to request stop", err)
		}
		return nil
	}

	s, ok := p.sessions.Get(sessionID)
	if !ok {
		return apierr.New(apierr.NotFound, "session not found", nil)
	}
	if messageID == "" {
		s.StopAll()
		return nil
	}
	s.Stop(messageID)
	return nil
}

// Fork creates a new session, copying registered agents and every chunk up
// to and including atMessageId (or the whole log, if atMessageId is empty),
// per the spec's resolved Open Question: partial forks — copying metadata
// only — are not acceptable.
func (p *Protocol) Fork(ctx context.Context, sourceSessionID, atMessageID, newSessionID string) (string, store.Offset, error) {
	src, ok := p.sessions.Get(sourceSessionID)
	if !ok {
		return "", "", apierr.New(apierr.NotFound, "source session not found", nil)
	}

	if newSessionID == "" {
		newSessionID = uuid.NewString()
	}
	dst, err := p.sessions.GetOrCreate(ctx, newSessionID)
	if err != nil {
		return "", "", apierr.New(apierr.StoreFatal, "failed to create forked session", err)
	}
	dst.RegisterAgents(src.Agents())

	cutoff, err := p.forkCutoffOffset(ctx, sourceSessionID, atMessageID)
	if err != nil {
		return "", "", err
	}

	cursor, err := p.sessions.Subscribe(ctx, sourceSessionID, store.Zero, store.ModeCatchup)
	if err != nil {
		return "", "", apierr.New(apierr.StoreFatal, "failed to read source session", err)
	}

	var lastOffset store.Offset
	offset := store.Zero
	for {
		batch, err := cursor.Next(ctx, offset, store.ModeCatchup)
		if err != nil {
			return "", "", apierr.New(apierr.StoreFatal, "failed to read source session", err)
		}

		for _, rec := range batch.Records {
			if cutoff != "" && cutoff.Less(rec.Offset) {
				return newSessionID, lastOffset, nil
			}

			var row wire.Row
			if err := json.Unmarshal(rec.Bytes, &row); err != nil {
				continue
			}

			var env wire.Envelope
			_ = json.Unmarshal([]byte(row.Chunk), &env)
			raw := json.RawMessage(row.Chunk)
			if env.Type.IsTerminal() {
				if _, err := dst.Terminal(ctx, row.MessageID, row.ActorID, row.Role, raw); err != nil {
					return "", "", apierr.New(apierr.StoreFatal, "failed to copy chunk during fork", err)
				}
			} else {
				if _, err := dst.Append(ctx, row.MessageID, row.ActorID, row.Role, raw); err != nil {
					return "", "", apierr.New(apierr.StoreFatal, "failed to copy chunk during fork", err)
				}
			}
			lastOffset = rec.Offset

			if cutoff != "" && rec.Offset == cutoff {
				return newSessionID, lastOffset, nil
			}
		}

		if batch.UpToDate || len(batch.Records) == 0 {
			break
		}
		offset = batch.NextOffset
	}

	return newSessionID, lastOffset, nil
}

// forkCutoffOffset returns the offset of atMessageId's last chunk (its
// terminal done/stop/error chunk, since chunks for one message are
// appended in seq order). Fork must copy every record up to and
// including this offset, not stop at the first chunk carrying
// atMessageId's id. Returns "" if atMessageId is empty, meaning copy
// the whole log.
func (p *Protocol) forkCutoffOffset(ctx context.Context, sourceSessionID, atMessageID string) (store.Offset, error) {
	if atMessageID == "" {
		return "", nil
	}

	cursor, err := p.sessions.Subscribe(ctx, sourceSessionID, store.Zero, store.ModeCatchup)
	if err != nil {
		return "", apierr.New(apierr.StoreFatal, "failed to read source session", err)
	}

	var cutoff store.Offset
	var found bool
	offset := store.Zero
	for {
		batch, err := cursor.Next(ctx, offset, store.ModeCatchup)
		if err != nil {
			return "", apierr.New(apierr.StoreFatal, "failed to read source session", err)
		}

		for _, rec := range batch.Records {
			var row wire.Row
			if err := json.Unmarshal(rec.Bytes, &row); err != nil {
				continue
			}
			if row.MessageID == atMessageID {
				cutoff = rec.Offset
				found = true
			}
		}

		if batch.UpToDate || len(batch.Records) == 0 {
			break
		}
		offset = batch.NextOffset
	}

	if !found {
		return "", apierr.New(apierr.NotFound, "fork cutoff message not found in source session", nil)
	}
	return cutoff, nil
}

func classifyStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if store.IsRetryable(err) {
		return apierr.New(apierr.StoreTransient, "stream store append failed, retryable", err)
	}
	return apierr.New(apierr.StoreFatal, "stream store append failed", err)
}
