package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstream/sessionproxy/internal/agent"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/projection"
	"github.com/chatstream/sessionproxy/internal/session"
	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/internal/store/memory"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

func newTestProtocol() *Protocol {
	st := memory.New()
	log := logger.New(logger.Config{Format: "text"})
	mgr := session.NewManager(st, log, time.Hour, "")
	orch := agent.NewOrchestrator(5*time.Second, log)
	return New(mgr, orch, 65536, log)
}

func materialize(t *testing.T, p *Protocol, sessionID string) projection.View {
	t.Helper()
	cur, err := p.sessions.Subscribe(context.Background(), sessionID, store.Zero, store.ModeCatchup)
	require.NoError(t, err)
	view, err := projection.Materialize(context.Background(), cur)
	require.NoError(t, err)
	return view
}

func TestSendMessageRequiresContent(t *testing.T) {
	p := newTestProtocol()
	_, err := p.SendMessage(context.Background(), SendMessageInput{SessionID: "s1", Content: ""})
	assert.Error(t, err)
}

func TestSendMessageAppendsWholeMessageAtSeqZero(t *testing.T) {
	p := newTestProtocol()
	messageID, err := p.SendMessage(context.Background(), SendMessageInput{
		SessionID: "s1",
		Content:   "hello there",
		ActorID:   "user-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)

	view := materialize(t, p, "s1")
	require.Len(t, view.Messages, 1)
	assert.Equal(t, messageID, view.Messages[0].ID)
	assert.Equal(t, "hello there", view.Messages[0].Parts[0].Content)
}

func TestSendMessageHonorsCallerSuppliedMessageID(t *testing.T) {
	p := newTestProtocol()
	messageID, err := p.SendMessage(context.Background(), SendMessageInput{
		SessionID: "s1",
		MessageID: "caller-chosen-id",
		Content:   "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "caller-chosen-id", messageID)
}

func TestToolResultAppendsChunk(t *testing.T) {
	p := newTestProtocol()
	err := p.ToolResult(context.Background(), "s1", "", "actor-1", "tc1", "42", "")
	require.NoError(t, err)

	view := materialize(t, p, "s1")
	result, ok := view.ToolResults["tc1"]
	require.True(t, ok)
	assert.Equal(t, "42", result.Content)
}

func TestApprovalResponseAppendsStreamChunk(t *testing.T) {
	p := newTestProtocol()
	err := p.ApprovalResponse(context.Background(), "s1", "", "actor-1", "ap1", true)
	require.NoError(t, err)

	view := materialize(t, p, "s1")
	approval, ok := view.Approvals["ap1"]
	require.True(t, ok)
	assert.True(t, approval.Resolved)
	assert.True(t, approval.Approved)
}

func TestStopGenerationWithoutActiveGenerationIsNotAnError(t *testing.T) {
	p := newTestProtocol()
	_, err := p.sessions.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)

	err = p.StopGeneration(context.Background(), "s1", "no-such-message")
	assert.NoError(t, err)
}

func TestStopGenerationUnknownSessionErrors(t *testing.T) {
	p := newTestProtocol()
	err := p.StopGeneration(context.Background(), "never-created", "")
	assert.Error(t, err)
}

func TestForkCopiesChunkHistory(t *testing.T) {
	p := newTestProtocol()
	messageID, err := p.SendMessage(context.Background(), SendMessageInput{
		SessionID: "source",
		Content:   "branch me",
	})
	require.NoError(t, err)

	newSessionID, _, err := p.Fork(context.Background(), "source", "", "forked")
	require.NoError(t, err)
	assert.Equal(t, "forked", newSessionID)

	view := materialize(t, p, "forked")
	require.Len(t, view.Messages, 1)
	assert.Equal(t, messageID, view.Messages[0].ID)
}

func TestForkStopsAtCutoffMessage(t *testing.T) {
	p := newTestProtocol()
	first, err := p.SendMessage(context.Background(), SendMessageInput{SessionID: "source", Content: "first"})
	require.NoError(t, err)
	_, err = p.SendMessage(context.Background(), SendMessageInput{SessionID: "source", Content: "second"})
	require.NoError(t, err)

	_, _, err = p.Fork(context.Background(), "source", first, "forked-at-first")
	require.NoError(t, err)

	view := materialize(t, p, "forked-at-first")
	require.Len(t, view.Messages, 1, "fork must stop at the cutoff message, not copy the whole log")
	assert.Equal(t, first, view.Messages[0].ID)
}

func TestForkCopiesEveryChunkOfAMultiChunkCutoffMessage(t *testing.T) {
	p := newTestProtocol()
	ctx := context.Background()

	first, err := p.SendMessage(ctx, SendMessageInput{SessionID: "source", Content: "first"})
	require.NoError(t, err)

	s, ok := p.sessions.Get("source")
	require.True(t, ok)

	assistantMessageID := "assistant-1"
	_, err = s.Append(ctx, assistantMessageID, "agent-1", wire.RoleAssistant, wire.ContentPayload{Type: wire.ChunkTextDelta, Delta: "hel"})
	require.NoError(t, err)
	_, err = s.Append(ctx, assistantMessageID, "agent-1", wire.RoleAssistant, wire.ContentPayload{Type: wire.ChunkTextDelta, Delta: "lo"})
	require.NoError(t, err)
	_, err = s.Terminal(ctx, assistantMessageID, "agent-1", wire.RoleAssistant, wire.DonePayload{Type: wire.ChunkDone})
	require.NoError(t, err)

	// A later message must not be copied into the fork.
	_, err = p.SendMessage(ctx, SendMessageInput{SessionID: "source", Content: "after cutoff"})
	require.NoError(t, err)

	_, _, err = p.Fork(ctx, "source", assistantMessageID, "forked-multichunk")
	require.NoError(t, err)

	view := materialize(t, p, "forked-multichunk")
	require.Len(t, view.Messages, 2, "fork must include the user message and the full multi-chunk assistant message")

	assert.Equal(t, first, view.Messages[0].ID)

	assistantMsg := view.Messages[1]
	assert.Equal(t, assistantMessageID, assistantMsg.ID)
	assert.True(t, assistantMsg.Done, "the cutoff message's terminal chunk must survive the fork")
	require.Len(t, assistantMsg.Parts, 1)
	assert.Equal(t, "hello", assistantMsg.Parts[0].Content, "all deltas of the cutoff message must be copied, not just the first chunk")
}

func TestRegisterAndUnregisterAgents(t *testing.T) {
	p := newTestProtocol()
	err := p.RegisterAgents(context.Background(), "s1", []session.AgentSpec{
		{ID: "agent-1", Endpoint: "http://example.invalid/agent", Triggers: "all"},
	})
	require.NoError(t, err)

	s, ok := p.sessions.Get("s1")
	require.True(t, ok)
	assert.Len(t, s.Agents(), 1)

	err = p.UnregisterAgent(context.Background(), "s1", "agent-1")
	require.NoError(t, err)
	assert.Empty(t, s.Agents())
}
