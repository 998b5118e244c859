package runapi

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/useir/internal/dwell"
)

// maxDwellCompartments bounds the work one anonymous request can ask for,
// well below dwell.MaxCompartments.
const maxDwellCompartments = 1 << 16

type dwellResponse struct {
	Law  string    `json:"law"`
	Mean float64   `json:"mean"`
	Eps  float64   `json:"eps"`
	Tol  float64   `json:"tol"`
	N    int       `json:"n"`
	Mass float64   `json:"mass"`
	PD   []float64 `json:"pd,omitempty"`
}

// handleDwell discretizes one dwell-time law. eps and tol default to the
// service configuration; eps may be coarser than the configured step, never finer.
func (a *API) handleDwell(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cfg := a.svc.Config()

	family, err := dwell.ParseFamily(q.Get("family"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	spec := dwell.Spec{Family: family}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"shape", &spec.Shape},
		{"scale", &spec.Scale},
		{"rate", &spec.Rate},
		{"mu", &spec.Mu},
		{"sigma", &spec.Sigma},
		{"eps", &cfg.Eps},
		{"tol", &cfg.Tol},
	}
	for _, f := range floats {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+f.name)
			return
		}
		*f.dst = x
	}
	vector, _ := strconv.ParseBool(q.Get("vector"))

	if minEps := a.svc.Config().Eps; cfg.Eps < minEps {
		writeError(w, http.StatusBadRequest, "eps must be >= "+strconv.FormatFloat(minEps, 'g', -1, 64))
		return
	}

	law, err := spec.Law()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := dwell.Compartments(law, cfg.Eps, cfg.Tol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if n > maxDwellCompartments {
		writeError(w, http.StatusBadRequest, "law needs "+strconv.Itoa(n)+" compartments, limit is "+strconv.Itoa(maxDwellCompartments))
		return
	}
	tr, err := dwell.Discretize(law, cfg.Eps, cfg.Tol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("useir.dwell.law", spec.String()),
		attribute.Int("useir.dwell.n", tr.N),
	)

	resp := dwellResponse{
		Law:  spec.String(),
		Mean: law.Mean(),
		Eps:  cfg.Eps,
		Tol:  cfg.Tol,
		N:    tr.N,
		Mass: tr.Mass(),
	}
	if vector {
		resp.PD = tr.PD
	}
	writeJSON(w, http.StatusOK, resp)
}
