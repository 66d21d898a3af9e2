package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/artbot/artbot/internal/job"
)

// StreamSSE handles GET /api/v1/jobs/{id}/sse.
// It streams server-sent events for the job until it reaches a terminal state or the
// client disconnects.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")

	// Subscribe before the lookup so a completion in between is not missed.
	ch := h.queue.Subscribe(id)
	defer h.queue.Unsubscribe(id, ch)

	j, inFlight := h.queue.Job(id)
	if !inFlight {
		rec, err := h.queue.Image(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get image")
			return
		}
		if rec == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		setSSEHeaders(w)
		writeSSEEvent(w, flusher, "result", job.Job{
			ID:     id,
			Status: job.StatusCompleted,
			Params: rec.Params,
		})
		return
	}

	setSSEHeaders(w)
	// Send the current status so the client has an initial state.
	writeSSEEvent(w, flusher, "status", j)

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, event.Data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
