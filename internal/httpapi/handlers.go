package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatstream/sessionproxy/internal/apierr"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/projection"
	"github.com/chatstream/sessionproxy/internal/protocol"
	"github.com/chatstream/sessionproxy/internal/session"
	"github.com/chatstream/sessionproxy/internal/store"
)

type handlers struct {
	d Deps
}

// log returns a request-scoped logger carrying the request id, session id,
// and actor id the context middleware attached, the way the teacher's
// proxy handlers derive theirs from logger.WithContext(c.Request.Context()).
func (h *handlers) log(c *gin.Context) *logger.Logger {
	return h.d.Log.WithContext(c.Request.Context()).WithComponent("httpapi")
}

// createSession handles PUT /v1/sessions/{sessionId}.
func (h *handlers) createSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.d.Sessions.GetOrCreate(c.Request.Context(), sessionID); err != nil {
		h.log(c).Error("failed to open session", "error", err)
		apierr.AbortWithInternal(c, "failed to open session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"streamUrl": h.streamURL(sessionID),
	})
}

// getSession handles GET /v1/sessions/{sessionId}.
func (h *handlers) getSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, ok := h.d.Sessions.Get(sessionID); !ok {
		apierr.AbortWithNotFound(c, "session not found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"streamUrl": h.streamURL(sessionID),
	})
}

// deleteSession handles DELETE /v1/sessions/{sessionId}.
func (h *handlers) deleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.d.Sessions.Delete(c.Request.Context(), sessionID); err != nil {
		h.log(c).Error("failed to delete session", "error", err)
		apierr.AbortWithInternal(c, "failed to delete session", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) streamURL(sessionID string) string {
	base := h.d.Config.ProxyURL
	return base + "/stream/sessions/" + sessionID
}

type sendMessageRequest struct {
	MessageID string             `json:"messageId"`
	Content   string             `json:"content"`
	Role      string             `json:"role"`
	ActorID   string             `json:"actorId"`
	Agent     *session.AgentSpec `json:"agent"`
}

// sendMessage handles POST /v1/sessions/{sessionId}/messages.
func (h *handlers) sendMessage(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithValidation(c, "invalid request body", nil)
		return
	}

	messageID, err := h.d.Protocol.SendMessage(c.Request.Context(), protocol.SendMessageInput{
		SessionID: sessionID,
		MessageID: req.MessageID,
		Content:   req.Content,
		ActorID:   actorID(c, req.ActorID),
		Agent:     req.Agent,
	})
	if err != nil {
		h.log(c).Error("send-message failed", "error", err)
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": messageID})
}

type regenerateRequest struct {
	FromMessageID string `json:"fromMessageId"`
	Content       string `json:"content"`
	ActorID       string `json:"actorId"`
}

// regenerate handles POST /v1/sessions/{sessionId}/regenerate: stops the
// generation anchored at fromMessageId if still active, then resends
// content as a new user message, fanning out to triggered agents exactly
// like send-message.
func (h *handlers) regenerate(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithValidation(c, "invalid request body", nil)
		return
	}
	if req.FromMessageID != "" {
		_ = h.d.Protocol.StopGeneration(c.Request.Context(), sessionID, req.FromMessageID)
	}

	if _, err := h.d.Protocol.SendMessage(c.Request.Context(), protocol.SendMessageInput{
		SessionID: sessionID,
		Content:   req.Content,
		ActorID:   actorID(c, req.ActorID),
	}); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type stopRequest struct {
	MessageID string `json:"messageId"`
}

// stopGeneration handles POST /v1/sessions/{sessionId}/stop.
func (h *handlers) stopGeneration(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req stopRequest
	_ = c.ShouldBindJSON(&req) // body is optional; {} means stop all

	if err := h.d.Protocol.StopGeneration(c.Request.Context(), sessionID, req.MessageID); err != nil {
		apierr.Abort(c, err)
		return
	}
	h.log(c).Info("generation stopped", "message_id", req.MessageID)
	c.Status(http.StatusNoContent)
}

type registerAgentsRequest struct {
	Agents []session.AgentSpec `json:"agents"`
}

// registerAgents handles POST /v1/sessions/{sessionId}/agents.
func (h *handlers) registerAgents(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req registerAgentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithValidation(c, "invalid request body", nil)
		return
	}
	if err := h.d.Protocol.RegisterAgents(c.Request.Context(), sessionID, req.Agents); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// listAgents handles GET /v1/sessions/{sessionId}/agents.
func (h *handlers) listAgents(c *gin.Context) {
	sessionID := c.Param("sessionId")
	s, ok := h.d.Sessions.Get(sessionID)
	if !ok {
		apierr.AbortWithNotFound(c, "session not found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": s.Agents()})
}

// unregisterAgent handles DELETE /v1/sessions/{sessionId}/agents/{agentId}.
func (h *handlers) unregisterAgent(c *gin.Context) {
	sessionID := c.Param("sessionId")
	agentID := c.Param("agentId")
	if err := h.d.Protocol.UnregisterAgent(c.Request.Context(), sessionID, agentID); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type toolResultRequest struct {
	ToolCallID string `json:"toolCallId"`
	Output     string `json:"output"`
	Error      string `json:"error"`
	MessageID  string `json:"messageId"`
}

// toolResult handles POST /v1/sessions/{sessionId}/tool-results.
func (h *handlers) toolResult(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req toolResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithValidation(c, "invalid request body", nil)
		return
	}
	if req.ToolCallID == "" {
		apierr.AbortWithValidation(c, "toolCallId is required", nil)
		return
	}

	if err := h.d.Protocol.ToolResult(c.Request.Context(), sessionID, req.MessageID, actorID(c, ""), req.ToolCallID, req.Output, req.Error); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type approvalResponseRequest struct {
	Approved bool `json:"approved"`
}

// approvalResponse handles POST /v1/sessions/{sessionId}/approvals/{approvalId}.
func (h *handlers) approvalResponse(c *gin.Context) {
	sessionID := c.Param("sessionId")
	approvalID := c.Param("approvalId")
	var req approvalResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.AbortWithValidation(c, "invalid request body", nil)
		return
	}

	if err := h.d.Protocol.ApprovalResponse(c.Request.Context(), sessionID, "", actorID(c, ""), approvalID, req.Approved); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type forkRequest struct {
	AtMessageID  string `json:"atMessageId"`
	NewSessionID string `json:"newSessionId"`
}

// fork handles POST /v1/sessions/{sessionId}/fork.
func (h *handlers) fork(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req forkRequest
	_ = c.ShouldBindJSON(&req)

	newSessionID, offset, err := h.d.Protocol.Fork(c.Request.Context(), sessionID, req.AtMessageID, req.NewSessionID)
	if err != nil {
		h.log(c).Error("fork failed", "error", err, "at_message_id", req.AtMessageID)
		apierr.Abort(c, err)
		return
	}
	h.log(c).Info("session forked", "new_session_id", newSessionID)
	c.JSON(http.StatusCreated, gin.H{"sessionId": newSessionID, "offset": string(offset)})
}

// sessionStatus handles GET /v1/sessions/{sessionId}/status — a
// supplemented observability endpoint mirroring the teacher's
// StreamStatusHandler.
func (h *handlers) sessionStatus(c *gin.Context) {
	sessionID := c.Param("sessionId")
	s, ok := h.d.Sessions.Get(sessionID)
	if !ok {
		apierr.AbortWithNotFound(c, "session not found", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":         sessionID,
		"activeGenerations": s.ActiveGenerations(),
		"lastActivity":      s.LastActivity(),
	})
}

// sessionStats handles GET /v1/sessions/{sessionId}/stats — a supplemented
// endpoint exposing the projection engine's Stats view (spec §4.6).
func (h *handlers) sessionStats(c *gin.Context) {
	sessionID := c.Param("sessionId")
	cur, err := h.d.Sessions.Subscribe(c.Request.Context(), sessionID, store.Zero, store.ModeCatchup)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	view, err := projection.Materialize(c.Request.Context(), cur)
	if err != nil {
		apierr.AbortWithInternal(c, "failed to materialize session", err)
		return
	}
	c.JSON(http.StatusOK, view.Stats)
}

// actorID resolves the X-Actor-Id header per spec §6, falling back to an
// explicit body field, then empty.
func actorID(c *gin.Context, bodyValue string) string {
	if v := c.GetHeader("X-Actor-Id"); v != "" {
		return v
	}
	return bodyValue
}
