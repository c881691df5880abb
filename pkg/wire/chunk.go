// Package wire defines the JSON row and chunk-payload taxonomy exchanged
// between the session log, the HTTP stream endpoint, and subscribers.
package wire

import "time"

// Role identifies who produced a chunk or message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChunkType tags the parsed payload of a Row. Dispatch on this field is
// table-driven everywhere it matters (projection, ingestion framing).
type ChunkType string

const (
	ChunkWholeMessage       ChunkType = "whole-message"
	ChunkContent            ChunkType = "content"
	ChunkTextDelta          ChunkType = "text-delta"
	ChunkToolCall           ChunkType = "tool_call"
	ChunkToolInputAvailable ChunkType = "tool-input-available"
	ChunkToolResult         ChunkType = "tool_result"
	ChunkApprovalRequested  ChunkType = "approval-requested"
	ChunkApprovalResponse   ChunkType = "approval-response"
	ChunkDone               ChunkType = "done"
	ChunkStop               ChunkType = "stop"
	ChunkError              ChunkType = "error"
)

// IsTerminal reports whether a chunk of this type closes a generation.
func (t ChunkType) IsTerminal() bool {
	switch t {
	case ChunkDone, ChunkStop, ChunkError:
		return true
	default:
		return false
	}
}

// Row is one appended log record: {sessionId, messageId, seq, actorId,
// role, chunk, createdAt, offset}. The offset is assigned by the store
// adapter, so it is empty in the bytes Session.Append writes; readers such
// as projection.Materialize fill it in from the record's store offset.
type Row struct {
	SessionID string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	Seq       int       `json:"seq"`
	ActorID   string    `json:"actorId"`
	Role      Role      `json:"role"`
	Chunk     string    `json:"chunk"` // JSON-encoded Payload
	CreatedAt time.Time `json:"createdAt"`
	Offset    string    `json:"offset"`
}

// Key returns the deduplication / primary key for this row.
func (r Row) Key() RowKey { return RowKey{MessageID: r.MessageID, Seq: r.Seq} }

// RowKey is the primary key within a session: (messageId, seq).
type RowKey struct {
	MessageID string
	Seq       int
}

// Envelope is the minimal shape used to read a chunk's `type` field before
// dispatching to a typed payload.
type Envelope struct {
	Type ChunkType `json:"type"`
}

// MessagePart types, used inside WholeMessagePayload.Message.Parts and by
// the projection engine when folding streamed chunks into a Message.
const (
	PartText           = "text"
	PartToolCall       = "tool-call"
	PartToolResult     = "tool-result"
	PartApprovalReq    = "approval-request"
)

// MessagePart is one ordered unit of a derived Message.
type MessagePart struct {
	Type       string          `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	Input      map[string]any  `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ApprovalID string          `json:"approvalId,omitempty"`
}

// WholeMessage is the embedded object carried by a whole-message chunk.
type WholeMessage struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Parts     []MessagePart `json:"parts"`
	CreatedAt time.Time     `json:"createdAt"`
}

// --- Typed payloads, one per ChunkType. Marshaled/unmarshaled as the
// `chunk` field string. ---

type WholeMessagePayload struct {
	Type    ChunkType    `json:"type"`
	Message WholeMessage `json:"message"`
}

type ContentPayload struct {
	Type    ChunkType `json:"type"`
	Delta   string    `json:"delta,omitempty"`
	Content string    `json:"content,omitempty"`
	Role    Role      `json:"role,omitempty"`
}

type ToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type ToolCallRef struct {
	ID       string           `json:"id"`
	Function ToolCallFunction `json:"function"`
}

type ToolCallPayload struct {
	Type     ChunkType   `json:"type"`
	ToolCall ToolCallRef `json:"toolCall"`
}

type ToolInputAvailablePayload struct {
	Type       ChunkType      `json:"type"`
	ToolCallID string         `json:"toolCallId"`
	Input      map[string]any `json:"input"`
}

type ToolResultPayload struct {
	Type       ChunkType `json:"type"`
	ToolCallID string    `json:"toolCallId"`
	Content    string    `json:"content"`
}

type ApprovalRef struct {
	ID string `json:"id"`
}

type ApprovalRequestedPayload struct {
	Type       ChunkType   `json:"type"`
	Approval   ApprovalRef `json:"approval"`
	ToolCallID string      `json:"toolCallId,omitempty"`
}

type ApprovalResponsePayload struct {
	Type       ChunkType `json:"type"`
	ApprovalID string    `json:"approvalId"`
	Approved   bool      `json:"approved"`
}

// Usage carries token accounting; upstreams emit both camelCase and
// snake_case field names so both are tagged onto the same Go fields via
// a custom unmarshaler.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type DonePayload struct {
	Type         ChunkType `json:"type"`
	FinishReason string    `json:"finishReason,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
}

type StopPayload struct {
	Type   ChunkType `json:"type"`
	Reason string    `json:"reason"`
}

type ErrorPayload struct {
	Type  ChunkType `json:"type"`
	Error string    `json:"error"`
}
