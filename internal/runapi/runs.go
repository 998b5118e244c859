package runapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/useir/internal/dwell"
	"github.com/linnemanlabs/useir/internal/run"
	"github.com/linnemanlabs/useir/internal/seir"
)

// submitRequest mirrors seir.Params with every field optional; omitted
// fields take the reference scenario values.
type submitRequest struct {
	Exposed  *dwell.Spec `json:"exposed"`
	Infected *dwell.Spec `json:"infected"`
	R0       *float64    `json:"r0"`
}

func (req submitRequest) params() seir.Params {
	p := seir.DefaultParams()
	if req.Exposed != nil {
		p.Exposed = *req.Exposed
	}
	if req.Infected != nil {
		p.Infected = *req.Infected
	}
	if req.R0 != nil {
		p.R0 = *req.R0
	}
	return p
}

type submitResponse struct {
	ID       string     `json:"id"`
	Status   run.Status `json:"status"`
	Existing bool       `json:"existing,omitempty"`
}

func (a *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	sr, err := a.svc.Submit(r.Context(), req.params())
	switch {
	case errors.Is(err, seir.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to submit run")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("useir.run.id", sr.ID),
		attribute.Bool("useir.run.existing", sr.Existing),
	)

	status := http.StatusAccepted
	if sr.Existing {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/api/v1/runs/"+sr.ID)
	writeJSON(w, status, submitResponse{ID: sr.ID, Status: sr.Status, Existing: sr.Existing})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("useir.run.id", id))

	result, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get run", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("useir.run.status", string(result.Status)))
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGetTrajectory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("useir.run.id", id))

	q := r.URL.Query()
	format, err := seir.ParseFormat(q.Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	every := 1
	if v := q.Get("every"); v != "" {
		every, err = strconv.Atoi(v)
		if err != nil || every < 1 {
			writeError(w, http.StatusBadRequest, "every must be a positive integer")
			return
		}
	}

	result, rows, ok, err := a.svc.Trajectory(r.Context(), id)
	switch {
	case errors.Is(err, run.ErrNotFinished):
		writeError(w, http.StatusConflict, "run "+string(result.Status))
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to get trajectory", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	case !ok:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rows = seir.SampleRows(rows, every)
	span.SetAttributes(
		attribute.String("useir.run.status", string(result.Status)),
		attribute.Int("useir.rows", len(rows)),
	)

	w.Header().Set("Content-Type", format.ContentType())
	if err := seir.WriteTable(w, format, rows); err != nil {
		// headers are gone; the client sees a truncated body
		a.logger.Warn(r.Context(), "trajectory write aborted", "id", id, "error", err)
	}
}
