package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

const (
	defaultPollInterval = time.Second
	defaultHeartbeat    = 30 * time.Second
)

func (h *Handlers) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	f, ok := eventFilterFromQuery(w, r)
	if !ok {
		return
	}
	f.Limit = queryInt(r, "limit", 0)

	evs, err := h.Events.Recent(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "failed to list events")
		return
	}
	if evs == nil {
		evs = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleEventStream tails the event log over SSE. The event id doubles as
// the resume watermark: a reconnecting client sends it back via since_id or
// Last-Event-ID and misses nothing, because ids are assigned in commit
// order. Without a watermark the stream starts at the live edge.
func (h *Handlers) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	f, ok := eventFilterFromQuery(w, r)
	if !ok {
		return
	}
	watermark, ok := resumeWatermark(w, r)
	if !ok {
		return
	}
	if watermark < 0 {
		latest, err := h.Events.LatestID(r.Context())
		if err != nil {
			writeDomainError(w, err, "event log unavailable")
			return
		}
		watermark = latest
	}

	writeSSEHeaders(w)
	fmt.Fprintf(w, "event: connected\ndata: {\"last_event_id\":%d}\n\n", watermark)
	flusher.Flush()

	poll, heartbeat := h.streamIntervals()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	beat := time.NewTimer(heartbeat)
	defer beat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			beat.Reset(heartbeat)
		case <-ticker.C:
			f.AfterID = watermark
			evs, err := h.Events.Since(ctx, f)
			if err != nil {
				// Store hiccup. Keep the stream open; the next
				// tick retries from the same watermark.
				continue
			}
			if len(evs) == 0 {
				continue
			}
			for i := range evs {
				if err := writeSSEEvent(w, &evs[i]); err != nil {
					return
				}
				watermark = evs[i].ID
			}
			flusher.Flush()
			// An event on the wire proves the stream alive; push the
			// idle heartbeat back.
			beat.Reset(heartbeat)
		}
	}
}

// eventFilterFromQuery parses the shared filter parameters of the recent and
// stream endpoints. event_type accepts a comma-separated list.
func eventFilterFromQuery(w http.ResponseWriter, r *http.Request) (event.Filter, bool) {
	var f event.Filter

	projectID, err := queryInt64(r, "project_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return f, false
	}
	protocolID, err := queryInt64(r, "protocol_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return f, false
	}

	f.ProjectID = projectID
	f.ProtocolRunID = protocolID
	f.Category = event.Category(r.URL.Query().Get("category"))
	if raw := r.URL.Query().Get("event_type"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, event.Type(t))
			}
		}
	}
	return f, true
}

// resumeWatermark returns the client's requested resume point; -1 means tail
// from the live edge. since_id=0 replays the whole log.
func resumeWatermark(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("since_id")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return -1, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid since_id")
		return 0, false
	}
	return id, true
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeSSEEvent(w io.Writer, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

// streamIntervals returns the poll and idle-heartbeat intervals shared by
// the SSE endpoints, falling back to defaults when the config is zero.
func (h *Handlers) streamIntervals() (poll, heartbeat time.Duration) {
	poll = h.EventsConfig.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	heartbeat = h.EventsConfig.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return poll, heartbeat
}
