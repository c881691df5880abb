// Package subscriber implements subscriber sync (C5): per session, it
// issues a catch-up read from a persisted offset, accumulates until
// upToDate, switches to live mode, and reconnects with capped exponential
// backoff on error — deduplicating every row by (messageId, seq) before
// handing it to the caller.
//
// The buffered-channel-plus-options shape follows the teacher's
// StreamSubscriber; what changes is direction: the teacher's subscriber is
// pushed to by a broadcast loop, this one pulls from a store.Store on its
// own schedule and persists its own resume cursor.
package subscriber

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/store"
	"github.com/chatstream/sessionproxy/pkg/wire"
)

// Options configures a Subscriber.
type Options struct {
	// BufferSize is the capacity of the delivery channel. Clamped to
	// [10,1000], matching the teacher's StreamSubscriber bounds.
	BufferSize int

	// ReconnectMaxBackoff caps exponential reconnect delay (spec §4.5:
	// "exponential backoff capped at a bound, e.g. 30s").
	ReconnectMaxBackoff time.Duration

	// MaxReconnectAttempts bounds retries; 0 means unbounded.
	MaxReconnectAttempts int

	// LiveMode selects long-poll or SSE-style repeated reads once catch-up
	// drains; both behave identically from this package's point of view —
	// the store adapter's Read blocks internally per mode.
	LiveMode store.ReadMode
}

// DefaultOptions returns the spec's default subscriber configuration.
func DefaultOptions() Options {
	return Options{
		BufferSize:           100,
		ReconnectMaxBackoff:  30 * time.Second,
		MaxReconnectAttempts: 0,
		LiveMode:             store.ModeLiveLongPoll,
	}
}

// OffsetStore persists a subscriber's lastSyncedOffset per session, per
// spec §4.5 ("durable lastSyncedOffset in subscriber-local storage"). The
// in-memory implementation in this package is a development/test default;
// a production client would back this with localStorage or a file.
type OffsetStore interface {
	Load(ctx context.Context, sessionID string) (store.Offset, bool, error)
	Save(ctx context.Context, sessionID string, offset store.Offset) error
}

// Status reports a Subscriber's connection state to the UI layer, per
// spec §7's error taxonomy mapping onto connection-status.
type Status string

const (
	StatusCatchingUp  Status = "catching-up"
	StatusLive        Status = "live"
	StatusReconnecting Status = "reconnecting"
	StatusError       Status = "error"
	StatusStopped     Status = "stopped"
)

// Delivery is one deduplicated row handed to the caller, paired with the
// Subscriber's status at delivery time.
type Delivery struct {
	Row    wire.Row
	Status Status
}

// Subscriber tails one session's log from a persisted offset, catching up
// then following live, reconnecting through transient errors.
type Subscriber struct {
	sessionID string
	st        store.Store
	handle    store.Handle
	offsets   OffsetStore
	opts      Options
	log       *logger.Logger

	ch     chan Delivery
	cancel context.CancelFunc
	done   chan struct{}

	seen map[wire.RowKey]bool
}

// New constructs a Subscriber over st for one session's handle. Call Run to
// start the sync loop; it runs until ctx is cancelled or Stop is called.
func New(sessionID string, st store.Store, handle store.Handle, offsets OffsetStore, opts Options, log *logger.Logger) *Subscriber {
	bufSize := opts.BufferSize
	if bufSize < 10 {
		bufSize = 10
	}
	if bufSize > 1000 {
		bufSize = 1000
	}
	return &Subscriber{
		sessionID: sessionID,
		st:        st,
		handle:    handle,
		offsets:   offsets,
		opts:      opts,
		log:       log.WithComponent("subscriber"),
		ch:        make(chan Delivery, bufSize),
		done:      make(chan struct{}),
		seen:      make(map[wire.RowKey]bool),
	}
}

// Deliveries returns the channel new, deduplicated rows (and status
// transitions) are published on. Closed when Run returns.
func (s *Subscriber) Deliveries() <-chan Delivery { return s.ch }

// Stop ends the sync loop. Safe to call multiple times.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Done reports when Run has returned and the delivery channel is closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Run drives the catch-up → live → reconnect loop until ctx is cancelled.
// It blocks; callers should invoke it in its own goroutine.
func (s *Subscriber) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer close(s.done)
	defer close(s.ch)

	offset, ok, err := s.offsets.Load(ctx, s.sessionID)
	if err != nil {
		s.log.Error("failed to load persisted offset, starting from zero", "error", err, "session_id", s.sessionID)
		offset = store.Zero
	} else if !ok {
		offset = store.Zero
	}

	attempt := 0
	mode := store.ModeCatchup

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.publishStatus(statusFor(mode))

		batch, err := s.st.Read(ctx, s.handle, offset, mode)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			if s.opts.MaxReconnectAttempts > 0 && attempt > s.opts.MaxReconnectAttempts {
				s.publishStatus(StatusError)
				return
			}
			s.publishStatus(StatusReconnecting)
			if !s.sleepBackoff(ctx, attempt) {
				return
			}
			continue
		}
		attempt = 0

		for _, rec := range batch.Records {
			var row wire.Row
			if jsonErr := json.Unmarshal(rec.Bytes, &row); jsonErr != nil {
				continue
			}
			row.Offset = string(rec.Offset)
			if s.seen[row.Key()] {
				continue
			}
			s.seen[row.Key()] = true

			select {
			case s.ch <- Delivery{Row: row, Status: statusFor(mode)}:
			case <-ctx.Done():
				return
			}
		}

		if len(batch.Records) > 0 {
			offset = batch.NextOffset
			if saveErr := s.offsets.Save(ctx, s.sessionID, offset); saveErr != nil {
				s.log.Error("failed to persist sync offset", "error", saveErr, "session_id", s.sessionID)
			}
		}

		if batch.UpToDate && mode == store.ModeCatchup {
			mode = s.opts.LiveMode
		}
	}
}

func (s *Subscriber) publishStatus(status Status) {
	select {
	case s.ch <- Delivery{Status: status}:
	default:
	}
}

func statusFor(mode store.ReadMode) Status {
	if mode == store.ModeCatchup {
		return StatusCatchingUp
	}
	return StatusLive
}

// sleepBackoff waits an exponentially growing delay capped at
// ReconnectMaxBackoff, plus up to a quarter of that delay as random
// jitter, so a wait can exceed ReconnectMaxBackoff by up to 25%. Returns
// false if ctx is cancelled during the wait.
func (s *Subscriber) sleepBackoff(ctx context.Context, attempt int) bool {
	base := 250 * time.Millisecond
	delay := base * time.Duration(1<<uint(min(attempt, 10)))
	if delay > s.opts.ReconnectMaxBackoff {
		delay = s.opts.ReconnectMaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4 + 1))
	delay += jitter

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
