// Package projection implements the materialization engine (C6): six
// derived views folded from a session's deduplicated chunk multiset.
// Every view is a pure function of the rows read so far — replaying the
// same rows twice (after a subscriber reconnect, say) must produce the
// same view, which is why Fold dedups by (messageId, seq) before
// applying any chunk.
package projection

import (
	"encoding/json"
	"time"

	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// Message is the derived view of one whole-message or streamed generation:
// an ordered list of parts built up as chunks arrive, keyed by messageId.
type Message struct {
	ID        string
	Role      wire.Role
	ActorID   string
	Parts     []wire.MessagePart
	CreatedAt time.Time
	Offset    store.Offset // offset of the message's first chunk, for display order
	Done      bool
	StopReason string
	Error      string
	Usage      *wire.Usage
}

// ToolCall is the derived view of one tool invocation requested mid-generation.
type ToolCall struct {
	ID         string
	MessageID  string
	Name       string
	Arguments  string
	InputAvailable bool
	Input      map[string]any
}

// ToolResultView is the derived view of one tool's returned output.
type ToolResultView struct {
	ToolCallID string
	MessageID  string
	Content    string
}

// Approval is the derived view of one approval request and its resolution.
type Approval struct {
	ID         string
	MessageID  string
	ToolCallID string
	Resolved   bool
	Approved   bool
}

// ActiveGeneration is a generation that has not yet received a terminal
// chunk, per the log observed so far.
type ActiveGeneration struct {
	MessageID string
	ActorID   string
	StartedAt time.Time
}

// Stats summarizes a session's chunk multiset.
type Stats struct {
	TotalChunks     int
	TotalMessages   int
	ActiveCount     int
	ToolCallCount   int
	ApprovalCount   int
	LastOffset      store.Offset
}

// View bundles the six derived views materialized from a session's log.
type View struct {
	Messages          []Message
	ToolCalls         map[string]ToolCall
	ToolResults       map[string]ToolResultView
	Approvals         map[string]Approval
	ActiveGenerations []ActiveGeneration
	Stats             Stats
}

// Fold applies rows, in offset order, to produce a View. rows must already
// be deduplicated by (messageId, seq); Fold dedups defensively anyway since
// replay safety is an invariant, not an optimization.
func Fold(rows []wire.Row) View {
	seen := make(map[wire.RowKey]bool, len(rows))
	byMessage := make(map[string]*Message)
	order := make([]string, 0)
	toolCalls := make(map[string]ToolCall)
	toolResults := make(map[string]ToolResultView)
	approvals := make(map[string]Approval)
	messageOfToolCall := make(map[string]string)

	var lastOffset store.Offset

	for _, row := range rows {
		key := row.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		lastOffset = store.Offset(row.Offset)

		msg, ok := byMessage[row.MessageID]
		if !ok {
			msg = &Message{
				ID:        row.MessageID,
				Role:      row.Role,
				ActorID:   row.ActorID,
				CreatedAt: row.CreatedAt,
				Offset:    store.Offset(row.Offset),
			}
			byMessage[row.MessageID] = msg
			order = append(order, row.MessageID)
		}

		var env wire.Envelope
		if err := json.Unmarshal([]byte(row.Chunk), &env); err != nil {
			continue
		}

		switch env.Type {
		case wire.ChunkWholeMessage:
			var p wire.WholeMessagePayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				msg.Parts = append(msg.Parts, p.Message.Parts...)
				msg.Role = p.Message.Role
				msg.Done = true
			}

		case wire.ChunkContent, wire.ChunkTextDelta:
			var p wire.ContentPayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				text := p.Content
				if text == "" {
					text = p.Delta
				}
				appendText(msg, text)
			}

		case wire.ChunkToolCall:
			var p wire.ToolCallPayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				tc := toolCalls[p.ToolCall.ID]
				tc.ID = p.ToolCall.ID
				tc.MessageID = row.MessageID
				if p.ToolCall.Function.Name != "" {
					tc.Name = p.ToolCall.Function.Name
				}
				tc.Arguments += p.ToolCall.Function.Arguments
				toolCalls[p.ToolCall.ID] = tc
				messageOfToolCall[p.ToolCall.ID] = row.MessageID
				updated := false
				for i := range msg.Parts {
					if msg.Parts[i].Type == wire.PartToolCall && msg.Parts[i].ToolCallID == tc.ID {
						msg.Parts[i].Name, msg.Parts[i].Arguments = tc.Name, tc.Arguments
						updated = true
					}
				}
				if !updated {
					msg.Parts = append(msg.Parts, wire.MessagePart{
						Type: wire.PartToolCall, ToolCallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
					})
				}
			}

		case wire.ChunkToolInputAvailable:
			var p wire.ToolInputAvailablePayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				tc := toolCalls[p.ToolCallID]
				tc.ID = p.ToolCallID
				tc.InputAvailable = true
				tc.Input = p.Input
				toolCalls[p.ToolCallID] = tc
			}

		case wire.ChunkToolResult:
			var p wire.ToolResultPayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				toolResults[p.ToolCallID] = ToolResultView{
					ToolCallID: p.ToolCallID,
					MessageID:  row.MessageID,
					Content:    p.Content,
				}
				msg.Parts = append(msg.Parts, wire.MessagePart{
					Type: wire.PartToolResult, ToolCallID: p.ToolCallID, Output: p.Content,
				})
			}

		case wire.ChunkApprovalRequested:
			var p wire.ApprovalRequestedPayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				approvals[p.Approval.ID] = Approval{
					ID: p.Approval.ID, MessageID: row.MessageID, ToolCallID: p.ToolCallID,
				}
				msg.Parts = append(msg.Parts, wire.MessagePart{
					Type: wire.PartApprovalReq, ApprovalID: p.Approval.ID, ToolCallID: p.ToolCallID,
				})
			}

		case wire.ChunkApprovalResponse:
			// Resolution is keyed by approvalId; approvals raised by a
			// different message are resolved in place, not re-parented.
			var p wire.ApprovalResponsePayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				a, ok := approvals[p.ApprovalID]
				if !ok {
					a = Approval{ID: p.ApprovalID}
				}
				a.Resolved = true
				a.Approved = p.Approved
				approvals[p.ApprovalID] = a
			}

		case wire.ChunkDone:
			var p wire.DonePayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				msg.Done = true
				msg.StopReason = p.FinishReason
				msg.Usage = p.Usage
			}

		case wire.ChunkStop:
			var p wire.StopPayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				msg.Done = true
				msg.StopReason = p.Reason
			}

		case wire.ChunkError:
			var p wire.ErrorPayload
			if json.Unmarshal([]byte(row.Chunk), &p) == nil {
				msg.Done = true
				msg.Error = p.Error
			}
		}
	}

	messages := make([]Message, 0, len(order))
	active := make([]ActiveGeneration, 0)
	for _, id := range order {
		m := byMessage[id]
		messages = append(messages, *m)
		if !m.Done && m.Role == wire.RoleAssistant {
			active = append(active, ActiveGeneration{MessageID: m.ID, ActorID: m.ActorID, StartedAt: m.CreatedAt})
		}
	}

	stats := Stats{
		TotalChunks:   len(seen),
		TotalMessages: len(messages),
		ActiveCount:   len(active),
		ToolCallCount: len(toolCalls),
		ApprovalCount: len(approvals),
		LastOffset:    lastOffset,
	}

	return View{
		Messages:          messages,
		ToolCalls:         toolCalls,
		ToolResults:       toolResults,
		Approvals:         approvals,
		ActiveGenerations: active,
		Stats:             stats,
	}
}

func appendText(msg *Message, text string) {
	if text == "" {
		return
	}
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].Type == wire.PartText {
		msg.Parts[n-1].Content += text
		return
	}
	msg.Parts = append(msg.Parts, wire.MessagePart{Type: wire.PartText, Content: text})
}
