package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstream/sessionproxy/internal/apierr"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/projection"
	"github.com/chatstream/sessionproxy/internal/session"
	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/internal/store/memory"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Format: "text"})
}

func newTestManager() *session.Manager {
	return session.NewManager(memory.New(), testLogger(), time.Hour, "")
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	s, err := newTestManager().GetOrCreate(context.Background(), "sess-1")
	require.NoError(t, err)
	return s
}

func TestInvokeStreamsAgentResponseIntoSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: hello\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s := newTestSession(t)
	o := NewOrchestrator(5*time.Second, testLogger())
	spec := session.AgentSpec{ID: "a1", Endpoint: srv.URL}

	err := o.Invoke(context.Background(), s, spec, "m1", "actor-1", nil, 1024)
	require.NoError(t, err)

	assert.Empty(t, s.ActiveGenerations(), "abort handle must be unregistered after Invoke returns")
}

func TestInvokeUnregistersAbortHandleOnUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newTestSession(t)
	o := NewOrchestrator(5*time.Second, testLogger())
	spec := session.AgentSpec{ID: "a1", Endpoint: srv.URL}

	err := o.Invoke(context.Background(), s, spec, "m1", "actor-1", nil, 1024)
	assert.Error(t, err)
	assert.Empty(t, s.ActiveGenerations())
}

func TestInvokeFourXXIsFatalNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestSession(t)
	o := NewOrchestrator(5*time.Second, testLogger())
	spec := session.AgentSpec{ID: "a1", Endpoint: srv.URL}

	err := o.Invoke(context.Background(), s, spec, "m1", "actor-1", nil, 1024)
	require.Error(t, err)
	assert.Equal(t, apierr.UpstreamFatal, apierr.KindOf(err))
	assert.False(t, apierr.KindOf(err).Retryable())
}

func TestInvokeSendsCustomHeadersAndHistory(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s := newTestSession(t)
	o := NewOrchestrator(5*time.Second, testLogger())
	spec := session.AgentSpec{ID: "a1", Endpoint: srv.URL, Headers: map[string]string{"X-Api-Key": "secret"}}

	err := o.Invoke(context.Background(), s, spec, "m1", "actor-1", []HistoryMessage{{Role: "user", Content: "hi"}}, 1024)
	require.NoError(t, err)
	assert.Equal(t, "secret", gotHeader)
}

func TestInvokePreStreamFailureMaterializesAnErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mgr := newTestManager()
	s, err := mgr.GetOrCreate(context.Background(), "sess-1")
	require.NoError(t, err)
	o := NewOrchestrator(5*time.Second, testLogger())
	spec := session.AgentSpec{ID: "a1", Endpoint: srv.URL}

	invokeErr := o.Invoke(context.Background(), s, spec, "m1", "agent-1", nil, 1024)
	require.Error(t, invokeErr, "a 5xx agent response must still surface as an error to the caller")

	cur, err := mgr.Subscribe(context.Background(), "sess-1", store.Zero, store.ModeCatchup)
	require.NoError(t, err)
	view, err := projection.Materialize(context.Background(), cur)
	require.NoError(t, err)

	require.Len(t, view.Messages, 1, "the failed invocation must still leave a terminated message in the log")
	msg := view.Messages[0]
	assert.Equal(t, "m1", msg.ID)
	assert.True(t, msg.Done, "a pre-stream agent failure must materialize a terminal chunk, not leave the generation looking permanently active")
}

func TestInvokeRegistersAbortHandleDuringCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s := newTestSession(t)
	o := NewOrchestrator(5*time.Second, testLogger())
	spec := session.AgentSpec{ID: "a1", Endpoint: srv.URL}

	done := make(chan error, 1)
	go func() {
		done <- o.Invoke(context.Background(), s, spec, "m1", "actor-1", nil, 1024)
	}()

	<-started
	assert.NotEmpty(t, s.ActiveGenerations(), "abort handle must be registered while the call is in flight")
	close(release)
	require.NoError(t, <-done)
}
