// Package memory is an in-process Store implementation used by unit tests
// and by local development without Postgres. It mirrors the buffering and
// non-blocking fan-out idiom the teacher's StreamSession uses for its
// in-memory chunk buffer, applied here as the full store instead of a
// read-through cache.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/chatstream/sessionproxy/internal/store"
)

type log struct {
	mu      sync.RWMutex
	records []store.Record
	seq     int64
	waiters []chan struct{}
}

// Store is a goroutine-safe, process-local Store.
type Store struct {
	mu   sync.Mutex
	logs map[string]*log
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{logs: make(map[string]*log)}
}

func (s *Store) get(key string) (*log, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[key]
	return l, ok
}

func (s *Store) Create(ctx context.Context, sessionKey string) (store.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[sessionKey]; !ok {
		s.logs[sessionKey] = &log{}
	}
	return store.Handle{Key: sessionKey}, nil
}

func (s *Store) Append(ctx context.Context, h store.Handle, payload []byte) (store.Offset, error) {
	l, ok := s.get(h.Key)
	if !ok {
		return "", &store.FatalError{Cause: store.ErrNotFound}
	}

	l.mu.Lock()
	l.seq++
	off := formatOffset(l.seq)
	buf := make([]byte, len(payload))
	copy(buf, payload)
	l.records = append(l.records, store.Record{Offset: off, Bytes: buf})
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return off, nil
}

func (s *Store) Read(ctx context.Context, h store.Handle, fromOffset store.Offset, mode store.ReadMode) (store.Batch, error) {
	l, ok := s.get(h.Key)
	if !ok {
		return store.Batch{}, &store.FatalError{Cause: store.ErrNotFound}
	}

	for {
		l.mu.RLock()
		records := collectFrom(l.records, fromOffset)
		l.mu.RUnlock()

		if len(records) > 0 || mode == store.ModeCatchup {
			next := fromOffset
			if len(records) > 0 {
				next = records[len(records)-1].Offset
			}
			return store.Batch{Records: records, NextOffset: next, UpToDate: true}, nil
		}

		// live-longpoll / live-sse: wait for the next append or
		// context cancellation.
		l.mu.Lock()
		ch := make(chan struct{})
		l.waiters = append(l.waiters, ch)
		l.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			return store.Batch{NextOffset: fromOffset, UpToDate: true}, ctx.Err()
		}
	}
}

func (s *Store) Delete(ctx context.Context, h store.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, h.Key)
	return nil
}

func collectFrom(records []store.Record, from store.Offset) []store.Record {
	out := make([]store.Record, 0)
	for _, r := range records {
		if from == store.Zero || from.Less(r.Offset) {
			out = append(out, r)
		}
	}
	return out
}

// formatOffset zero-pads so lexicographic and numeric order agree, per the
// Offset contract in package store.
func formatOffset(seq int64) store.Offset {
	return store.Offset(fmt.Sprintf("%020d", seq))
}
