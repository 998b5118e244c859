// Package runapi exposes simulation runs and the dwell-time discretizer over HTTP.
package runapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/useir/internal/run"
	"github.com/linnemanlabs/useir/internal/seir"
)

// RunService defines the business operations runapi needs.
type RunService interface {
	Submit(ctx context.Context, p seir.Params) (*run.SubmitResult, error)
	Get(ctx context.Context, id string) (*run.Run, bool, error)
	Trajectory(ctx context.Context, id string) (*run.Run, []seir.Row, bool, error)
	Config() seir.Config
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    RunService
}

// New creates a new API handler.
func New(logger log.Logger, svc RunService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("run service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router. mw wraps every
// /api/v1 route, typically with authentication.
func (a *API) RegisterRoutes(r chi.Router, mw ...func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw...)
		r.Post("/runs", a.handleSubmitRun)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Get("/runs/{id}/trajectory", a.handleGetTrajectory)
		r.Get("/dwell", a.handleDwell)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
