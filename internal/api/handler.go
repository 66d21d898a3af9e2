package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/artbot/artbot/internal/action"
	"github.com/artbot/artbot/internal/admission"
	"github.com/artbot/artbot/internal/config"
	"github.com/artbot/artbot/internal/job"
	"github.com/artbot/artbot/internal/queue"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	queue   *queue.Queue
	actions *action.Registry
	cfg     *config.Config
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(q *queue.Queue, cfg *config.Config) *Handler {
	return &Handler{queue: q, actions: action.NewRegistry(), cfg: cfg}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/sse", h.StreamSSE)
	mux.HandleFunc("GET /api/v1/images", h.ListImages)
	mux.HandleFunc("GET /api/v1/images/{id}", h.GetImage)
	mux.HandleFunc("DELETE /api/v1/images/{id}", h.DeleteImage)
	mux.HandleFunc("POST /api/v1/images/{id}/reroll", h.Reroll)
	mux.HandleFunc("POST /api/v1/images/{id}/copy-prompt", h.CopyPrompt)
	mux.HandleFunc("POST /api/v1/images/{id}/img2img", h.Img2Img)
	mux.HandleFunc("POST /api/v1/images/{id}/download", h.Download)
	mux.HandleFunc("GET /api/v1/staged", h.Staged)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20) // img2img sources are inline base64
	var p job.Params
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := h.queue.Submit(r.Context(), p)
	if err != nil {
		writeSubmitError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with the in-flight jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":      h.queue.Jobs(),
		"admission": h.queue.AdmissionState(),
	})
}

// GetJob handles GET /api/v1/jobs/{id} and responds 200 with the in-flight job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.queue.Job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListImages handles GET /api/v1/images and responds 200 with every record, newest first.
func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	recs, err := h.queue.Images(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list images")
		return
	}
	if recs == nil {
		recs = []*job.CompletedImageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": recs, "total": len(recs)})
}

// GetImage handles GET /api/v1/images/{id}.
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.queue.Image(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get image")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteImage handles DELETE /api/v1/images/{id} and responds 204.
func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var existed bool
	ran, err := h.actions.Run("delete:"+id, func() error {
		var err error
		existed, err = h.queue.DeleteImage(r.Context(), id)
		return err
	})
	switch {
	case !ran:
		writeError(w, http.StatusConflict, "delete already in progress")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to delete image")
	case !existed:
		writeError(w, http.StatusNotFound, "already absent")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Reroll handles POST /api/v1/images/{id}/reroll and responds 202 with the new job.
func (h *Handler) Reroll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var j *job.Job
	ran, err := h.actions.Run("reroll:"+id, func() error {
		var err error
		j, err = h.queue.Reroll(r.Context(), id)
		return err
	})
	switch {
	case !ran:
		writeError(w, http.StatusConflict, "reroll already in progress")
	case errors.Is(err, queue.ErrImageNotFound):
		writeError(w, http.StatusNotFound, "image not found")
	case err != nil:
		writeSubmitError(w, err)
	default:
		writeJSON(w, http.StatusAccepted, j)
	}
}

// CopyPrompt handles POST /api/v1/images/{id}/copy-prompt and responds 200 with the staged params.
func (h *Handler) CopyPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := h.queue.CopyPrompt(r.Context(), r.PathValue("id"))
	writeStaged(w, p, err)
}

// Img2Img handles POST /api/v1/images/{id}/img2img and responds 200 with the staged params.
func (h *Handler) Img2Img(w http.ResponseWriter, r *http.Request) {
	p, err := h.queue.UseForImg2Img(r.Context(), r.PathValue("id"))
	writeStaged(w, p, err)
}

// Download handles POST /api/v1/images/{id}/download and responds 200 with the file path.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var path string
	ran, err := h.actions.Run("download:"+id, func() error {
		var err error
		path, err = h.queue.Download(r.Context(), id)
		return err
	})
	switch {
	case !ran:
		writeError(w, http.StatusConflict, "download already in progress")
	case errors.Is(err, queue.ErrImageNotFound):
		writeError(w, http.StatusNotFound, "image not found")
	case errors.Is(err, queue.ErrConversionFailed):
		writeError(w, http.StatusBadGateway, "png conversion failed")
	case err != nil:
		slog.Error("api: download failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "download failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
	}
}

// Staged handles GET /api/v1/staged.
func (h *Handler) Staged(w http.ResponseWriter, r *http.Request) {
	p, err := h.queue.Staged(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read staged params")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "nothing staged")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Health handles GET /api/v1/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.queue.AdmissionState()
	resp := map[string]any{
		"status":        "ok",
		"authenticated": h.cfg.Authenticated(),
		"in_flight":     state.InFlight,
		"actions":       h.actions.Len(),
		"horde_url":     h.cfg.HordeURL,
	}
	if !state.LastAccepted.IsZero() {
		resp["last_accepted"] = state.LastAccepted.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeStaged(w http.ResponseWriter, p *job.Params, err error) {
	switch {
	case errors.Is(err, queue.ErrImageNotFound):
		writeError(w, http.StatusNotFound, "image not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to stage params")
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

// writeSubmitError maps a submission failure to a status code. Admission rejections
// carry a Retry-After hint in whole seconds.
func writeSubmitError(w http.ResponseWriter, err error) {
	var se *queue.SubmissionError
	if !errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	switch se.Kind {
	case queue.KindInvalid:
		writeError(w, http.StatusBadRequest, se.Err.Error())
	case queue.KindAdmission:
		retry := 1
		var re *admission.RejectedError
		if errors.As(err, &re) && re.RetryAfter > 0 {
			retry = int(math.Ceil(re.RetryAfter.Seconds()))
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, http.StatusTooManyRequests, se.Err.Error())
	default:
		writeError(w, http.StatusBadGateway, "horde request failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
