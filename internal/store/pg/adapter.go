package pg

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chatstream/sessionproxy/internal/store"
)

const liveWaitTimeout = 25 * time.Second

func (a *Adapter) Create(ctx context.Context, sessionKey string) (store.Handle, error) {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO stream_logs (session_key) VALUES ($1) ON CONFLICT (session_key) DO NOTHING`,
		sessionKey)
	if err != nil {
		return store.Handle{}, &store.FatalError{Cause: err}
	}
	return store.Handle{Key: sessionKey}, nil
}

func (a *Adapter) Append(ctx context.Context, h store.Handle, payload []byte) (store.Offset, error) {
	var seq int64
	err := a.pool.QueryRow(ctx, `
		INSERT INTO stream_records (session_key, seq, payload)
		VALUES ($1, COALESCE((SELECT MAX(seq) + 1 FROM stream_records WHERE session_key = $1), 0), $2)
		RETURNING seq
	`, h.Key, payload).Scan(&seq)
	if err != nil {
		return "", classifyWriteError(err)
	}
	return formatOffset(seq), nil
}

func (a *Adapter) Read(ctx context.Context, h store.Handle, fromOffset store.Offset, mode store.ReadMode) (store.Batch, error) {
	batch, err := a.readOnce(ctx, h, fromOffset)
	if err != nil {
		return store.Batch{}, err
	}
	if len(batch.Records) > 0 || mode == store.ModeCatchup {
		return batch, nil
	}

	// live-longpoll / live-sse: wait on NOTIFY for new rows on this
	// session, then re-read. A single listen connection is acquired per
	// call and released when the call returns, so long-poll and SSE
	// readers alike issue one Read per wait.
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return store.Batch{}, &store.RetryableError{Cause: err}
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN stream_record_appended"); err != nil {
		return store.Batch{}, &store.RetryableError{Cause: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, liveWaitTimeout)
	defer cancel()

	for {
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		if err != nil {
			// Timeout or parent cancellation: return up-to-date with
			// no new rows, matching the long-poll 204 contract.
			return store.Batch{NextOffset: fromOffset, UpToDate: true}, nil
		}
		if notification.Payload != h.Key {
			continue
		}
		batch, err := a.readOnce(ctx, h, fromOffset)
		if err != nil {
			return store.Batch{}, err
		}
		if len(batch.Records) > 0 {
			return batch, nil
		}
	}
}

func (a *Adapter) readOnce(ctx context.Context, h store.Handle, fromOffset store.Offset) (store.Batch, error) {
	fromSeq, err := parseOffset(fromOffset)
	if err != nil {
		return store.Batch{}, &store.FatalError{Cause: err}
	}

	rows, err := a.pool.Query(ctx, `
		SELECT seq, payload FROM stream_records
		WHERE session_key = $1 AND seq > $2
		ORDER BY seq ASC
	`, h.Key, fromSeq)
	if err != nil {
		return store.Batch{}, classifyReadError(err)
	}
	defer rows.Close()

	next := fromOffset
	records := make([]store.Record, 0)
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return store.Batch{}, &store.FatalError{Cause: err}
		}
		off := formatOffset(seq)
		records = append(records, store.Record{Offset: off, Bytes: payload})
		next = off
	}
	if err := rows.Err(); err != nil {
		return store.Batch{}, classifyReadError(err)
	}

	return store.Batch{Records: records, NextOffset: next, UpToDate: true}, nil
}

func (a *Adapter) Delete(ctx context.Context, h store.Handle) error {
	_, err := a.pool.Exec(ctx, `DELETE FROM stream_logs WHERE session_key = $1`, h.Key)
	if err != nil {
		return &store.FatalError{Cause: err}
	}
	return nil
}

func formatOffset(seq int64) store.Offset {
	return store.Offset(fmt.Sprintf("%020d", seq))
}

func parseOffset(o store.Offset) (int64, error) {
	if o == store.Zero {
		return -1, nil
	}
	return strconv.ParseInt(string(o), 10, 64)
}

func classifyWriteError(err error) error {
	if ctxErr(err) {
		return &store.RetryableError{Cause: err}
	}
	return &store.FatalError{Cause: err}
}

func classifyReadError(err error) error {
	if err == pgx.ErrNoRows {
		return &store.FatalError{Cause: store.ErrNotFound}
	}
	if ctxErr(err) {
		return &store.RetryableError{Cause: err}
	}
	return &store.FatalError{Cause: err}
}

func ctxErr(err error) bool {
	return err == context.DeadlineExceeded || err == context.Canceled
}
