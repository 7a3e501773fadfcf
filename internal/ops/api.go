// Package ops exposes the operational HTTP API: aggregate stats,
// per-identity introspection, and the manual sweep trigger.
package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cory-johannsen/comms/internal/comms"
	"github.com/cory-johannsen/comms/internal/comms/bus"
	"github.com/cory-johannsen/comms/internal/comms/janitor"
	"github.com/cory-johannsen/comms/internal/comms/pending"
	"github.com/cory-johannsen/comms/internal/comms/ratelimit"
	"github.com/cory-johannsen/comms/internal/comms/registry"
)

// API wires the operational endpoints. The bridge is nil when no broker
// is configured.
type API struct {
	registry *registry.Registry
	pending  *pending.Buffer
	limiter  *ratelimit.Limiter
	janitor  *janitor.Janitor
	bridge   *bus.Bridge
	logger   *zap.Logger
}

// NewAPI creates the ops API.
//
// Precondition: reg, buf, lim, jan, and logger must be non-nil.
func NewAPI(reg *registry.Registry, buf *pending.Buffer, lim *ratelimit.Limiter, jan *janitor.Janitor, bridge *bus.Bridge, logger *zap.Logger) *API {
	return &API{
		registry: reg,
		pending:  buf,
		limiter:  lim,
		janitor:  jan,
		bridge:   bridge,
		logger:   logger,
	}
}

// Router returns the HTTP route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/stats", a.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/identities/{identity}", a.handleIdentity).Methods(http.MethodGet)
	r.HandleFunc("/v1/sweep", a.handleSweep).Methods(http.MethodPost)
	r.HandleFunc("/v1/healthz", a.handleHealth).Methods(http.MethodGet)
	return r
}

// statsResponse is the aggregate operational snapshot.
type statsResponse struct {
	Registry       registry.Stats `json:"registry"`
	PendingTotal   int            `json:"pending_total"`
	PendingQueues  int            `json:"pending_queues"`
	RateBuckets    int            `json:"rate_buckets"`
	Broker         *bus.Stats     `json:"broker,omitempty"`
	LastSweep      time.Time      `json:"last_sweep,omitempty"`
	GeneratedAtUTC time.Time      `json:"generated_at_utc"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Registry:       a.registry.Stats(),
		PendingTotal:   a.pending.Total(),
		PendingQueues:  a.pending.Queues(),
		RateBuckets:    a.limiter.Len(),
		LastSweep:      a.janitor.LastRun(),
		GeneratedAtUTC: time.Now().UTC(),
	}
	if a.bridge != nil {
		s := a.bridge.Stats()
		resp.Broker = &s
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id := comms.Identity(mux.Vars(r)["identity"])
	view, ok := a.registry.Inspect(id)
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown identity"})
		return
	}
	a.writeJSON(w, http.StatusOK, view)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	report := a.janitor.ForceSweep()
	a.logger.Info("operator sweep completed",
		zap.Int("connections_evicted", report.ConnectionsEvicted),
		zap.Int("identities_pruned", report.IdentitiesPruned),
	)
	a.writeJSON(w, http.StatusOK, report)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Warn("writing ops response", zap.Error(err))
	}
}
