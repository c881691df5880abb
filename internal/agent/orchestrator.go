// Package agent implements the agent orchestrator (C8): it calls a
// registered agent's HTTP endpoint, tees the streaming response into the
// ingestion pipeline, and registers the resulting generation's abort
// handle so stop-generation can cancel it.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/chatstream/sessionproxy/internal/apierr"
	"github.com/chatstream/sessionproxy/internal/ingestion"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/metrics"
	"github.com/chatstream/sessionproxy/internal/session"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// HistoryMessage is one entry of the materialized conversation history
// sent to an agent endpoint as part of the invocation body.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Orchestrator issues agent HTTP calls and tees their streamed response
// through the ingestion pipeline.
type Orchestrator struct {
	httpClient *http.Client
	log        *logger.Logger
}

// NewOrchestrator constructs an Orchestrator. timeout bounds one agent
// call end-to-end (teacher's ToolExecutor uses a comparable fixed client
// timeout rather than a per-request context deadline for the transport).
func NewOrchestrator(timeout time.Duration, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		httpClient: &http.Client{Timeout: timeout},
		log:        log.WithComponent("agent-orchestrator"),
	}
}

// Invoke begins a generation for agent against history, appending its
// streamed output to s under messageID. It registers an abort handle
// under messageID on s so the caller (the session protocol's
// stop-generation) can cancel it, and unregisters on every exit path.
//
// Invoke runs the ingestion pipeline synchronously on the calling
// goroutine; callers that must not block (send-message's fan-out to
// multiple triggered agents) should call Invoke from their own goroutine.
func (o *Orchestrator) Invoke(ctx context.Context, s *session.Session, agentSpec session.AgentSpec, messageID, actorID string, history []HistoryMessage, maxChunkSize int) (err error) {
	defer func() { o.recordInvocation(agentSpec.ID, err) }()

	genCtx, cancel := context.WithCancel(ctx)
	s.RegisterAbortHandle(messageID, cancel)
	defer s.UnregisterAbortHandle(messageID)
	defer cancel()

	body := buildRequestBody(agentSpec, history)
	req, reqErr := http.NewRequestWithContext(genCtx, http.MethodPost, agentSpec.Endpoint, bytes.NewReader(body))
	if reqErr != nil {
		err = apierr.New(apierr.Validation, "invalid agent endpoint", reqErr)
		o.materializeFailure(s, messageID, actorID, err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range agentSpec.Headers {
		req.Header.Set(k, v)
	}

	resp, doErr := o.httpClient.Do(req)
	if doErr != nil {
		kind := apierr.UpstreamTransient
		if genCtx.Err() != nil {
			kind = apierr.Cancelled
		}
		err = apierr.New(kind, "agent request failed", doErr)
		o.materializeFailure(s, messageID, actorID, err)
		return err
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		err = apierr.New(apierr.UpstreamTransient, fmt.Sprintf("agent endpoint returned %d", resp.StatusCode), nil)
		o.materializeFailure(s, messageID, actorID, err)
		return err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		err = apierr.New(apierr.UpstreamFatal, fmt.Sprintf("agent endpoint returned %d", resp.StatusCode), nil)
		o.materializeFailure(s, messageID, actorID, err)
		return err
	}

	// From here on, ingestion.Run owns the terminal chunk on every one of
	// its own exit paths; materializeFailure must not be called again for
	// whatever it returns.
	err = ingestion.Run(genCtx, resp.Body, s, messageID, actorID, maxChunkSize, o.log)
	return err
}

// materializeFailure appends a terminal chunk for messageID when failErr's
// apierr.Kind.Materializes() is true: a stop chunk for apierr.Cancelled,
// an error chunk for every other kind. This way a pre-stream failure
// (one that occurs before ingestion.Run ever starts, and so before Run's
// own terminal-chunk guarantee applies) doesn't leave the generation
// looking permanently active to a subscriber. Uses context.Background
// rather than the call's own (possibly already-cancelled) context, since
// the failure itself must still reach the log.
func (o *Orchestrator) materializeFailure(s *session.Session, messageID, actorID string, failErr error) {
	if !apierr.KindOf(failErr).Materializes() {
		return
	}
	var payload any = wire.ErrorPayload{Type: wire.ChunkError, Error: failErr.Error()}
	if apierr.KindOf(failErr) == apierr.Cancelled {
		payload = wire.StopPayload{Type: wire.ChunkStop, Reason: "user_cancelled"}
	}
	if _, tErr := s.Terminal(context.Background(), messageID, actorID, wire.RoleAssistant, payload); tErr != nil {
		o.log.Error("failed to materialize agent invocation failure", "error", tErr, "message_id", messageID)
	}
}

// recordInvocation tags the Prometheus outcome counter and, on failure,
// logs the closest grpc/codes equivalent of the apierr.Kind — internal
// components that don't go through an HTTP response writer report status
// this way, per apierr.Kind.GRPCCode's doc comment.
func (o *Orchestrator) recordInvocation(agentID string, err error) {
	if err == nil {
		metrics.AgentInvocations.WithLabelValues("ok").Inc()
		return
	}

	kind := apierr.KindOf(err)
	metrics.AgentInvocations.WithLabelValues("error").Inc()

	grpcCode := kind.GRPCCode()
	if grpcCode == codes.Canceled {
		o.log.Debug("agent invocation cancelled", "agent_id", agentID, "grpc_code", grpcCode.String())
		return
	}
	o.log.Error("agent invocation failed", "agent_id", agentID, "error", err, "grpc_code", grpcCode.String())
}

func buildRequestBody(agentSpec session.AgentSpec, history []HistoryMessage) []byte {
	payload := make(map[string]any, len(agentSpec.BodyTemplate)+2)
	for k, v := range agentSpec.BodyTemplate {
		payload[k] = v
	}
	payload["messages"] = history
	payload["stream"] = true

	body, _ := json.Marshal(payload)
	return body
}
