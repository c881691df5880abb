package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/chatstream/sessionproxy/internal/logger"
)

// stopSubject is the NATS request-reply subject used to find and cancel a
// generation owned by a different proxy instance, directly modeled on the
// teacher's DistributedCancelService / streamCancelSubject.
const stopSubject = "session.stop"
const distributedStopTimeout = 5 * time.Second

// StopRequest asks any instance owning sessionID/messageID to abort it.
type StopRequest struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId,omitempty"` // empty means stop-all
	RequestID string `json:"requestId"`
}

// StopResponse reports whether the receiving instance owned (and
// stopped) the generation.
type StopResponse struct {
	RequestID string `json:"requestId"`
	Stopped   bool   `json:"stopped"`
	Handled   bool   `json:"handled"` // true if this instance owns the session
}

// DistributedStop lets any proxy instance request a stop for a session
// that may be owned by a different instance in a multi-instance
// deployment, and answers such requests for sessions this instance owns.
type DistributedStop struct {
	nc         *nats.Conn
	manager    *Manager
	log        *logger.Logger
	instanceID string
	sub        *nats.Subscription
}

// NewDistributedStop returns a DistributedStop bound to manager that uses
// the already-connected nc. Call Start to begin answering requests.
func NewDistributedStop(nc *nats.Conn, manager *Manager, log *logger.Logger, instanceID string) *DistributedStop {
	return &DistributedStop{
		nc:         nc,
		manager:    manager,
		log:        log.WithComponent("distributed-stop"),
		instanceID: instanceID,
	}
}

// Start subscribes to the stop-request subject.
func (d *DistributedStop) Start() error {
	sub, err := d.nc.Subscribe(stopSubject, d.handleRequest)
	if err != nil {
		return err
	}
	d.sub = sub
	return nil
}

// Stop unsubscribes.
func (d *DistributedStop) Stop() error {
	if d.sub == nil {
		return nil
	}
	return d.sub.Unsubscribe()
}

func (d *DistributedStop) handleRequest(msg *nats.Msg) {
	var req StopRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return
	}

	s, ok := d.manager.Get(req.SessionID)
	if !ok {
		// Not owned by this instance: stay silent, matching the
		// teacher's handleCancelRequest which only replies when it
		// actually owns the session.
		return
	}

	resp := StopResponse{RequestID: req.RequestID, Handled: true}
	if req.MessageID == "" {
		resp.Stopped = len(s.StopAll()) > 0
	} else {
		resp.Stopped = s.Stop(req.MessageID)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = msg.Respond(body)
}

// RequestStop publishes a stop request and returns the Stopped flag of the
// first instance that replies (false when none replies within
// distributedStopTimeout). Local sessions are tried first so the common
// single-instance case never touches NATS.
func (d *DistributedStop) RequestStop(ctx context.Context, sessionID, messageID string) (bool, error) {
	if s, ok := d.manager.Get(sessionID); ok {
		if messageID == "" {
			return len(s.StopAll()) > 0, nil
		}
		return s.Stop(messageID), nil
	}

	if d.nc == nil {
		return false, errors.New("distributed stop: no NATS connection configured")
	}

	req := StopRequest{SessionID: sessionID, MessageID: messageID, RequestID: uuid.NewString()}
	body, err := json.Marshal(req)
	if err != nil {
		return false, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, distributedStopTimeout)
	defer cancel()

	msg, err := d.nc.RequestWithContext(waitCtx, stopSubject, body)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			// No instance owns this session: it may already be
			// terminal, or it may never have existed here.
			return false, nil
		}
		return false, err
	}

	var resp StopResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return false, err
	}
	return resp.Stopped, nil
}
