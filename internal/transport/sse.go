package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
)

// handleBuildEventsStream is the Event Bus's live-streaming edge (spec.md
// §4.1's "streams their output live", §9's SSE note). No SSE library exists
// anywhere in the retrieval pack, so this is a direct http.Flusher loop —
// the standard, stdlib-only way Go serves Server-Sent Events — justified
// per this repository's design ledger the same way internal/notify's
// webhook POST is.
//
// A reconnecting client supplies Last-Event-ID (or ?since_id=) to replay
// missed events from the durable log before switching to the live feed,
// closing the gap Subscribe alone can't see.
func (s *MasterServer) handleBuildEventsStream(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, cherrors.New(cherrors.CodeInternal, "streaming unsupported by response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var sinceID int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		sinceID, _ = strconv.ParseInt(v, 10, 64)
	} else if v := r.URL.Query().Get("since_id"); v != "" {
		sinceID, _ = strconv.ParseInt(v, 10, 64)
	}

	ctx := r.Context()
	backlog, err := s.bus.Replay(ctx, buildID, sinceID, 1000)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, evt := range backlog {
		if !writeSSE(w, flusher, evt) {
			return
		}
	}

	ch, sub := s.bus.Subscribe(buildID)
	defer sub.Unsubscribe()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if !writeSSE(w, flusher, evt) {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, evt build.BuildEvent) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		return true // skip an unmarshalable event rather than killing the stream
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
