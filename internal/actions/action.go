// Package actions executes automated remediation steps from a stored plan.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/opsflow/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsflow/internal/actions")

var (
	// ErrNoPlan is returned when the incident has no stored plan.
	ErrNoPlan = errors.New("incident has no remediation plan")
	// ErrApprovalRequired is returned when the plan needs a human sign-off
	// the request did not carry.
	ErrApprovalRequired = errors.New("plan requires manual approval")
	// ErrStepNotFound is returned for an unknown step ID.
	ErrStepNotFound = errors.New("plan step not found")
	// ErrUnsupportedAction is returned when no adapter handles a step.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrInvalidParams is returned by adapters for missing or bad params.
	ErrInvalidParams = errors.New("invalid action params")
)

// Adapter performs one kind of automated action.
type Adapter interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Invoke(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is what an adapter reports for a completed action.
type Result struct {
	Status     string          `json:"status"`
	IncidentID string          `json:"incidentId,omitempty"`
	StepID     string          `json:"stepId,omitempty"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Def describes a registered adapter.
type Def struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds adapters keyed by action name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, keyed by its Name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get retrieves an adapter by action name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Defs returns adapter definitions sorted by name.
func (r *Registry) Defs() []Def {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Def, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, Def{Name: a.Name(), Description: a.Description(), InputSchema: a.Parameters()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AdapterError wraps a failure reported by an adapter.
type AdapterError struct {
	Action string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("action %q failed: %v", e.Action, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Executor runs plan steps through the registry.
type Executor struct {
	registry *Registry
	logger   log.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(registry *Registry, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Executor{registry: registry, logger: logger}
}

// Execute runs one step of the incident's plan. Steps of a plan that
// requires manual approval only run when approved is true.
func (e *Executor) Execute(ctx context.Context, inc *incident.Incident, stepID string, approved bool) (*Result, error) {
	ctx, span := tracer.Start(ctx, "actions.Execute", trace.WithAttributes(
		attribute.String("opsflow.incident.id", inc.IncidentID),
		attribute.String("opsflow.step.id", stepID),
	))
	defer span.End()

	res, err := e.execute(ctx, inc, stepID, approved)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

func (e *Executor) execute(ctx context.Context, inc *incident.Incident, stepID string, approved bool) (*Result, error) {
	plan := inc.RemediationPlan
	if plan == nil {
		return nil, ErrNoPlan
	}
	if plan.RequiresManualApproval && !approved {
		return nil, fmt.Errorf("%w: risk %s", ErrApprovalRequired, plan.Risk)
	}
	step, ok := plan.Step(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	a, ok := e.registry.Get(step.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, step.Action)
	}

	params := step.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	res, err := a.Invoke(ctx, params)
	if err != nil {
		e.logger.Error(ctx, err, "action failed",
			"incident_id", inc.IncidentID,
			"step_id", stepID,
			"action", step.Action,
		)
		return nil, &AdapterError{Action: step.Action, Err: err}
	}

	res.IncidentID = inc.IncidentID
	res.StepID = stepID
	e.logger.Info(ctx, "action completed",
		"incident_id", inc.IncidentID,
		"step_id", stepID,
		"action", step.Action,
		"approved", approved,
	)
	return res, nil
}
