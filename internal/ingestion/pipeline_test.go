package ingestion

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

type recordedAppend struct {
	payload any
}

type fakeAppender struct {
	mu       sync.Mutex
	appends  []recordedAppend
	terminal *recordedAppend
	failOn   int // fail the Nth Append call (1-indexed); 0 disables
	calls    int
}

func (f *fakeAppender) Append(ctx context.Context, messageID, actorID string, role wire.Role, payload any) (wire.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn != 0 && f.calls == f.failOn {
		return wire.Row{}, errors.New("simulated append failure")
	}
	f.appends = append(f.appends, recordedAppend{payload: payload})
	return wire.Row{MessageID: messageID}, nil
}

func (f *fakeAppender) Terminal(ctx context.Context, messageID, actorID string, role wire.Role, payload any) (wire.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal = &recordedAppend{payload: payload}
	return wire.Row{MessageID: messageID}, nil
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Format: "text"})
}

func body(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func TestRunWritesDoneOnCleanStreamEnd(t *testing.T) {
	f := &fakeAppender{}
	upstream := body(
		`data: hello`,
		`data: world`,
		`data: [DONE]`,
	)

	err := Run(context.Background(), upstream, f, "m1", "actor-1", 1024, testLogger())
	require.NoError(t, err)

	require.NotNil(t, f.terminal)
	_, ok := f.terminal.payload.(wire.DonePayload)
	assert.True(t, ok, "a clean stream end must terminate with a done chunk")
}

func TestRunSkipsCommentAndNonDataLines(t *testing.T) {
	f := &fakeAppender{}
	upstream := body(
		`: keepalive`,
		`event: message`,
		`data: hello`,
		`data: [DONE]`,
	)

	err := Run(context.Background(), upstream, f, "m1", "actor-1", 1024, testLogger())
	require.NoError(t, err)
	require.Len(t, f.appends, 1)
	payload, ok := f.appends[0].payload.(wire.ContentPayload)
	require.True(t, ok)
	assert.Equal(t, "hello", payload.Content)
}

func TestRunAlwaysWritesTerminalOnAppendFailure(t *testing.T) {
	f := &fakeAppender{failOn: 1}
	upstream := body(
		`data: hello`,
		`data: [DONE]`,
	)

	err := Run(context.Background(), upstream, f, "m1", "actor-1", 1024, testLogger())
	assert.Error(t, err)
	require.NotNil(t, f.terminal, "a failed append must still be followed by a terminal chunk")
	_, ok := f.terminal.payload.(wire.ErrorPayload)
	assert.True(t, ok)
}

func TestRunWritesStopOnCancellation(t *testing.T) {
	f := &fakeAppender{}
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		pw.Write([]byte("data: hello\n"))
		time.Sleep(20 * time.Millisecond)
		cancel()
		time.Sleep(20 * time.Millisecond)
		pw.Close()
	}()

	err := Run(ctx, pr, f, "m1", "actor-1", 1024, testLogger())
	require.NoError(t, err)
	require.NotNil(t, f.terminal)
	_, ok := f.terminal.payload.(wire.StopPayload)
	assert.True(t, ok, "cancellation mid-stream must terminate with a stop chunk")
}

func TestRunClosesUpstreamBody(t *testing.T) {
	f := &fakeAppender{}
	closed := false
	upstream := closeTrackingReader{Reader: strings.NewReader("data: [DONE]\n"), onClose: func() { closed = true }}

	err := Run(context.Background(), upstream, f, "m1", "actor-1", 1024, testLogger())
	require.NoError(t, err)
	assert.True(t, closed, "Run must close the upstream body on every exit path")
}

type closeTrackingReader struct {
	io.Reader
	onClose func()
}

func (c closeTrackingReader) Close() error {
	c.onClose()
	return nil
}
