package apiv1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"content-pipeline/internal/infra/api"

	"github.com/oapi-codegen/runtime"
)

// streamEvents serves the event log as Server-Sent Events: history after
// the cursor first, then live events, each with its seq as the SSE id.
// The cursor is Last-Event-ID when a client reconnects, else after_seq.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteError(w, http.StatusInternalServerError, "Internal", "streaming unsupported", nil)
		return
	}
	after, err := streamCursor(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	ctx, id := jobRequest(r)
	ch, err := s.jobs.Stream(ctx, id, after)
	if err != nil {
		api.WriteDomainError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	hb := time.NewTicker(s.heartbeat)
	defer hb.Stop()
	sent := 0
	for {
		select {
		case <-ctx.Done():
			s.log.Debug().Str("job_id", id).Int("sent", sent).Msg("stream client gone")
			return
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Str("job_id", id).Int64("seq", ev.Seq).Msg("encode event")
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
			flusher.Flush()
			sent++
		}
	}
}

func streamCursor(r *http.Request) (int64, error) {
	if v := strings.TrimSpace(r.Header.Get("Last-Event-ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("Last-Event-ID must be a sequence number, got %q", v)
		}
		return n, nil
	}
	var after int64
	if err := runtime.BindQueryParameter("form", true, false, "after_seq", r.URL.Query(), &after); err != nil {
		return 0, err
	}
	if after < 0 {
		return 0, fmt.Errorf("after_seq must not be negative")
	}
	return after, nil
}
