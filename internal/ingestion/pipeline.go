// Package ingestion implements the ingestion pipeline (C3): converts a
// one-shot, event-stream-framed upstream response into durable chunks
// appended to a session log, with single-outstanding-write backpressure
// and a guaranteed terminal chunk on every exit path.
//
// The read loop's shape — bufio.Scanner over the upstream body, a
// per-line cancellation check, panic recovery, and a deferred completion
// call — follows the teacher's StreamSession.readUpstream. What changes
// is the accumulation policy: the teacher stores and broadcasts every
// line immediately, whereas this pipeline buffers frames while a prior
// append is in flight and flushes the buffer as one chunk on completion
// (spec §4.3), which requires scanning and flushing to run concurrently
// rather than in lockstep.
package ingestion

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/chatstream/sessionproxy/internal/apierr"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

const initialScanBuffer = 64 * 1024

// Appender is the narrow slice of the session log a generation needs:
// append one chunk payload under a given actor/role, and write the
// terminal marker that ends it.
type Appender interface {
	Append(ctx context.Context, messageID, actorID string, role wire.Role, payload any) (wire.Row, error)
	Terminal(ctx context.Context, messageID, actorID string, role wire.Role, payload any) (wire.Row, error)
}

// Run consumes upstream (an event-stream-framed byte stream) and appends
// chunks for messageID via appender until upstream is exhausted, the
// pipeline is cancelled via ctx, or an error occurs. It always writes
// exactly one terminal chunk before returning, per spec §4.3's guarantee.
//
// maxChunkSize bounds the scanner's line buffer (mirrors the teacher's
// 1MB ceiling, applied here to the hot ingestion path rather than a
// read-cache).
func Run(ctx context.Context, upstream io.ReadCloser, appender Appender, messageID, actorID string, maxChunkSize int, log *logger.Logger) (err error) {
	log = log.WithComponent("ingestion")
	defer upstream.Close()

	p := &pipeline{
		appender:     appender,
		messageID:    messageID,
		actorID:      actorID,
		log:          log,
		maxChunkSize: maxChunkSize,
		wake:         make(chan struct{}, 1),
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in ingestion pipeline", "panic", r, "message_id", messageID)
			err = p.terminal(context.Background(), wire.ErrorPayload{
				Type:  wire.ChunkError,
				Error: apierr.New(apierr.UpstreamFatal, "ingestion pipeline panicked", nil).Error(),
			})
		}
	}()

	return p.run(ctx, upstream)
}

type pipeline struct {
	appender  Appender
	messageID string
	actorID   string
	log       *logger.Logger

	maxChunkSize int

	mu       sync.Mutex
	buffer   []string // frames accumulated while an append is in flight
	inFlight bool
	flushErr error
	wake     chan struct{}

	flushWG sync.WaitGroup
}

func (p *pipeline) run(ctx context.Context, upstream io.ReadCloser) error {
	scanner := bufio.NewScanner(upstream)
	bufSize := p.maxChunkSize
	if bufSize < initialScanBuffer {
		bufSize = initialScanBuffer
	}
	scanner.Buffer(make([]byte, initialScanBuffer), bufSize)

	var exitErr error
	var exitKind wire.ChunkType = wire.ChunkDone

scan:
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			exitKind = wire.ChunkStop
			break scan
		default:
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		frame, done := parseEventStreamLine(line)
		if done {
			break scan
		}
		if frame == "" {
			continue
		}

		p.enqueue(ctx, frame)
	}

	if ctx.Err() != nil {
		// Cancelled while blocked in Scan: the upstream ends (EOF or a
		// read error) without the per-line check above ever firing.
		exitKind = wire.ChunkStop
	} else if err := scanner.Err(); err != nil {
		exitErr = err
		exitKind = wire.ChunkError
	}

	// Wait for the last outstanding append (and anything it drained) to
	// finish before deciding what the terminal chunk says.
	p.flushWG.Wait()

	p.mu.Lock()
	flushErr := p.flushErr
	p.mu.Unlock()
	if flushErr != nil {
		exitErr = flushErr
		exitKind = wire.ChunkError
	}

	switch exitKind {
	case wire.ChunkStop:
		return p.terminal(context.Background(), wire.StopPayload{
			Type:   wire.ChunkStop,
			Reason: stopReason(ctx.Err()),
		})
	case wire.ChunkError:
		if tErr := p.terminal(context.Background(), wire.ErrorPayload{
			Type:  wire.ChunkError,
			Error: exitErr.Error(),
		}); tErr != nil {
			return errors.Join(exitErr, tErr)
		}
		return exitErr
	default:
		return p.terminal(context.Background(), wire.DonePayload{Type: wire.ChunkDone})
	}
}

// enqueue implements the accumulation policy: while a prior append is in
// flight, buffer the frame; if no append is in flight, start one in the
// background so scanning can continue concurrently. This bounds
// outstanding writes to 1 without blocking the reader on network I/O.
func (p *pipeline) enqueue(ctx context.Context, frame string) {
	p.mu.Lock()
	p.buffer = append(p.buffer, frame)
	alreadyFlushing := p.inFlight
	if !alreadyFlushing {
		p.inFlight = true
	}
	p.mu.Unlock()

	if alreadyFlushing {
		return
	}

	p.flushWG.Add(1)
	go p.flushLoop(ctx)
}

// flushLoop drains the buffer one concatenated append at a time until it
// is empty, then clears inFlight so the next enqueue starts a fresh loop.
func (p *pipeline) flushLoop(ctx context.Context) {
	defer p.flushWG.Done()

	for {
		p.mu.Lock()
		batch := p.buffer
		p.buffer = nil
		if len(batch) == 0 {
			// Atomic with the empty check: if a frame arrived between
			// draining and clearing inFlight, it would otherwise be
			// buffered with no flush loop left to pick it up.
			p.inFlight = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		payload := wire.ContentPayload{Type: wire.ChunkContent, Content: strings.Join(batch, "\n")}
		if _, err := p.appender.Append(ctx, p.messageID, p.actorID, wire.RoleAssistant, payload); err != nil {
			p.mu.Lock()
			p.flushErr = err
			p.inFlight = false
			p.mu.Unlock()
			return
		}
	}
}

func (p *pipeline) terminal(ctx context.Context, payload any) error {
	_, err := p.appender.Terminal(ctx, p.messageID, p.actorID, wire.RoleAssistant, payload)
	return err
}

func stopReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "user_cancelled"
}

// parseEventStreamLine decodes one SSE line: "data: ..." payloads are
// returned as the frame (comments/other framing lines are skipped),
// "[DONE]" signals end of stream.
func parseEventStreamLine(line string) (frame string, done bool) {
	if strings.HasPrefix(line, ":") {
		return "", false // SSE comment/keepalive
	}
	if !strings.HasPrefix(line, "data:") {
		return "", false // event:/id:/retry: framing lines, ignored
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "[DONE]" {
		return "", true
	}
	return data, false
}
