package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chatstream/sessionproxy/internal/apierr"
	"github.com/chatstream/sessionproxy/internal/metrics"
	"github.com/chatstream/sessionproxy/internal/store"
)

// streamSession handles GET /stream/sessions/{sessionId}: the stream read
// endpoint proxying the stream store directly, per spec §6. Query modes:
// catch-up (no `live`), long-poll (`live=long-poll`), SSE (`live=sse`).
func (h *handlers) streamSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	s, ok := h.d.Sessions.Get(sessionID)
	if !ok {
		apierr.AbortWithNotFound(c, "session not found", nil)
		return
	}

	fromOffset := store.Offset(c.Query("offset"))
	live := c.Query("live")

	switch live {
	case "sse":
		h.streamSSE(c, s.Handle(), fromOffset)
	case "long-poll":
		h.streamOnce(c, s.Handle(), fromOffset, store.ModeLiveLongPoll)
	default:
		h.streamOnce(c, s.Handle(), fromOffset, store.ModeCatchup)
	}
}

func (h *handlers) streamOnce(c *gin.Context, handle store.Handle, fromOffset store.Offset, mode store.ReadMode) {
	metrics.ActiveSubscribers.Inc()
	defer metrics.ActiveSubscribers.Dec()

	start := time.Now()
	batch, err := h.d.Store.Read(c.Request.Context(), handle, fromOffset, mode)
	metrics.StreamReadDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		apierr.Abort(c, err)
		return
	}

	c.Header("Stream-Next-Offset", string(batch.NextOffset))
	c.Header("Stream-Cursor", string(batch.NextOffset))
	c.Header("Stream-Up-To-Date", boolHeader(batch.UpToDate))

	if len(batch.Records) == 0 && mode != store.ModeCatchup {
		c.Status(http.StatusNoContent)
		return
	}

	rows := make([]json.RawMessage, 0, len(batch.Records))
	for _, rec := range batch.Records {
		rows = append(rows, json.RawMessage(rec.Bytes))
	}
	c.JSON(http.StatusOK, rows)
}

// streamSSE streams rows as Server-Sent Events, issuing repeated live reads
// against the store until the client disconnects. Each event's data is one
// row; a comment line carries Stream-Next-Offset for clients that want to
// persist a resume cursor without parsing every row.
func (h *handlers) streamSSE(c *gin.Context, handle store.Handle, fromOffset store.Offset) {
	metrics.ActiveSubscribers.Inc()
	defer metrics.ActiveSubscribers.Dec()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	offset := fromOffset
	mode := store.ModeCatchup

	w := c.Writer
	flusher, _ := w.(http.Flusher)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := h.d.Store.Read(ctx, handle, offset, mode)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log(c).Error("sse stream read failed", "error", err)
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
			if flusher != nil {
				flusher.Flush()
			}
			return
		}

		for _, rec := range batch.Records {
			fmt.Fprintf(w, "data: %s\n\n", rec.Bytes)
		}
		if len(batch.Records) > 0 {
			offset = batch.NextOffset
			fmt.Fprintf(w, ": offset %s\n\n", offset)
		}
		if flusher != nil {
			flusher.Flush()
		}

		if batch.UpToDate && mode == store.ModeCatchup {
			mode = store.ModeLiveSSE
		}
	}
}

func boolHeader(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
