// Package alertapi exposes the HTTP surface of the pipeline: alert ingress,
// incident lookup and plan step execution.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/opsflow/internal/actions"
	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/queue"
)

// IncidentReader is the store subset the API reads from.
type IncidentReader interface {
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
}

// StepExecutor runs a plan step.
type StepExecutor interface {
	Execute(ctx context.Context, inc *incident.Incident, stepID string, approved bool) (*actions.Result, error)
}

// Normalizer turns a raw alert body into a draft.
type Normalizer func(raw []byte) incident.Draft

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	pub       queue.Publisher
	incidents IncidentReader
	executor  StepExecutor
	normalize Normalizer
}

// New creates a new API handler. executor may be nil, in which case step
// execution answers 501.
func New(logger log.Logger, pub queue.Publisher, incidents IncidentReader, executor StepExecutor, normalize Normalizer) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if pub == nil {
		panic(xerrors.New("queue publisher is required"))
	}
	if incidents == nil {
		panic(xerrors.New("incident reader is required"))
	}
	if normalize == nil {
		panic(xerrors.New("normalizer is required"))
	}
	return &API{
		logger:    logger,
		pub:       pub,
		incidents: incidents,
		executor:  executor,
		normalize: normalize,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlert)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Post("/incidents/{id}/steps/{stepId}/execute", a.handleExecuteStep)
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
