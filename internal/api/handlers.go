// Package api exposes the control API of the predictor over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	jss "github.com/kaptinlin/jsonschema"

	"github.com/iotpredict/predictor/internal/jobs"
	"github.com/iotpredict/predictor/internal/model"
)

// maxBody limits request bodies; requests carry a few names at most.
const maxBody = 1 << 20

// Engine is what the handlers drive, see service.Supervisor.
type Engine interface {
	Run(ctx context.Context, req model.RunRequest) model.CycleResult
	Submit(ctx context.Context, req model.RunRequest) (model.Job, error)
	Kill(ctx context.Context, jobID string) model.KillStatus
	Job(ctx context.Context, id string) (model.Job, error)
	Status() model.Snapshot
	Reload(ctx context.Context) error
	Uptime() time.Duration
	Mode() string
}

type Handlers struct {
	engine Engine
}

func NewHandlers(engine Engine) *Handlers {
	return &Handlers{engine: engine}
}

type statusResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type healthResponse struct {
	Status   string `json:"status"`
	UptimeMS int64  `json:"uptime_ms"`
}

type snapshotResponse struct {
	model.Snapshot
	UptimeMS int64  `json:"uptime_ms"`
	Mode     string `json:"mode"`
}

type queuedResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId"`
}

type killResponse struct {
	Status model.KillStatus `json:"status"`
}

// Health handles GET /health. It never touches the cycle lock.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, healthResponse{
		Status:   "ok",
		UptimeMS: h.engine.Uptime().Milliseconds(),
	})
}

// Status handles GET /status
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, snapshotResponse{
		Snapshot: h.engine.Status(),
		UptimeMS: h.engine.Uptime().Milliseconds(),
		Mode:     h.engine.Mode(),
	})
}

// GetJob handles GET /jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.engine.Job(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		NotFound(w, r)
	case err != nil:
		slog.ErrorContext(r.Context(), "reading job failed", "job_id", id, "error", err)
		respond(w, r, http.StatusInternalServerError, statusResponse{Status: "error", Detail: err.Error()})
	default:
		respond(w, r, http.StatusOK, job)
	}
}

// Run handles POST /run. A busy engine answers 409.
func (h *Handlers) Run(w http.ResponseWriter, r *http.Request) {
	req, err := decode[model.RunRequest](r, runSchema)
	if err != nil {
		badRequest(w, r, err)
		return
	}

	// a client hanging up does not kill the cycle, /kill does
	res := h.engine.Run(context.WithoutCancel(r.Context()), req)
	if res.Status == model.CycleBusy {
		respond(w, r, http.StatusConflict, res)
		return
	}
	respond(w, r, http.StatusOK, res)
}

// RunAsync handles POST /run_async
func (h *Handlers) RunAsync(w http.ResponseWriter, r *http.Request) {
	req, err := decode[model.RunRequest](r, runSchema)
	if err != nil {
		badRequest(w, r, err)
		return
	}

	// the job outlives the request
	job, err := h.engine.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "submitting job failed", "error", err)
		respond(w, r, http.StatusInternalServerError, statusResponse{Status: "error", Detail: err.Error()})
		return
	}
	slog.InfoContext(r.Context(), "job queued", "job_id", job.ID)
	respond(w, r, http.StatusAccepted, queuedResponse{Status: string(job.Status), JobID: job.ID})
}

// Kill handles POST /kill with an optional {"jobId": "..."}
func (h *Handlers) Kill(w http.ResponseWriter, r *http.Request) {
	req, err := decode[struct {
		JobID string `json:"jobId"`
	}](r, killSchema)
	if err != nil {
		badRequest(w, r, err)
		return
	}

	respond(w, r, http.StatusOK, killResponse{Status: h.engine.Kill(r.Context(), req.JobID)})
}

// Reload handles POST /reload
func (h *Handlers) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Reload(r.Context()); err != nil {
		respond(w, r, http.StatusInternalServerError, statusResponse{Status: "error", Detail: err.Error()})
		return
	}
	respond(w, r, http.StatusOK, statusResponse{Status: "ok"})
}

// NotFound answers every unknown route.
func NotFound(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusNotFound, statusResponse{Status: "not_found"})
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	slog.DebugContext(r.Context(), "rejecting request body", "error", err)
	respond(w, r, http.StatusBadRequest, statusResponse{Status: "bad_request", Detail: err.Error()})
}

// decode reads an optional JSON body. An empty body yields the zero value; a
// body that is not JSON or does not match the schema is an error.
func decode[T any](r *http.Request, schema *jss.Schema) (T, error) {
	var v T
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return v, fmt.Errorf("reading request body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return v, nil
	}
	if !json.Valid(body) {
		return v, errors.New("invalid request body: malformed JSON")
	}
	if err := validate(schema, body); err != nil {
		return v, err
	}
	if err := json.Unmarshal(body, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("invalid request body: %w", err)
	}
	return v, nil
}

func respond(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.DebugContext(r.Context(), "writing response failed", "error", err)
	}
}
