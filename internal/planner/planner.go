// Package planner asks a completion model for a remediation plan, gates it
// by risk and stores it on the incident.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/queue"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsflow/internal/planner")

// ErrAlreadyPlanned is returned when the incident already carries a plan.
var ErrAlreadyPlanned = errors.New("incident already has a plan")

// DefaultMaxTokens bounds a completion.
const DefaultMaxTokens = 2048

// Completer is a text completion backend.
type Completer interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Notifier is told about every newly stored plan.
type Notifier interface {
	Notify(ctx context.Context, inc *incident.Incident) error
}

// Outcomes reported to Hooks.OnPlan.
const (
	OutcomeGenerated = "generated"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
)

// Hooks observe planning. Nil fields are skipped.
type Hooks struct {
	OnPlan    func(outcome string, duration float64)
	OnRisk    func(risk string, approval bool)
	OnAttempt func(outcome string)
}

// Options tunes the planner. Zero values get defaults.
type Options struct {
	MaxTokens   int
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration // negative disables jitter
	// RateLimit caps completion calls per second across workers; 0 is
	// unlimited.
	RateLimit float64
	Burst     int
}

// Planner generates and stores remediation plans.
type Planner struct {
	store     incident.Store
	completer Completer
	notifier  Notifier
	limiter   *rate.Limiter
	opts      Options
	logger    log.Logger
	hooks     Hooks
	now       func() time.Time
}

// New creates a Planner. notifier may be nil.
func New(store incident.Store, completer Completer, notifier Notifier, opts Options, logger log.Logger, hooks Hooks) *Planner {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if completer == nil {
		panic(xerrors.New("completer is required"))
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	switch {
	case opts.Jitter == 0:
		opts.Jitter = DefaultJitter
	case opts.Jitter < 0:
		opts.Jitter = 0
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Planner{
		store:     store,
		completer: completer,
		notifier:  notifier,
		limiter:   rate.NewLimiter(limit, opts.Burst),
		opts:      opts,
		logger:    logger,
		hooks:     hooks,
		now:       time.Now,
	}
}

// Plan generates and stores a plan for the incident. A missing record is
// incident.ErrNotFound with nothing written; any later failure is recorded
// as PLANNING_FAILED before it is returned.
func (p *Planner) Plan(ctx context.Context, id string) (*incident.Plan, error) {
	ctx, span := tracer.Start(ctx, "planner.Plan", trace.WithAttributes(
		attribute.String("opsflow.incident.id", id),
	))
	defer span.End()

	inc, ok, err := p.store.Get(ctx, id)
	if err != nil {
		fail(span, err)
		return nil, &storeError{fmt.Errorf("load incident: %w", err)}
	}
	if !ok {
		fail(span, incident.ErrNotFound)
		return nil, fmt.Errorf("incident %s: %w", id, incident.ErrNotFound)
	}
	if inc.RemediationPlan != nil {
		return inc.RemediationPlan, ErrAlreadyPlanned
	}

	plan, err := p.generate(ctx, inc)
	if err != nil {
		fail(span, err)
		if werr := p.markFailed(ctx, id, err); werr != nil {
			return nil, errors.Join(err, &storeError{werr})
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.String("opsflow.plan.risk", plan.Risk),
		attribute.Bool("opsflow.plan.requires_approval", plan.RequiresManualApproval),
		attribute.Int("opsflow.plan.steps", len(plan.Steps)),
	)

	err = p.store.Update(ctx, id, incident.Fields{
		Status:        incident.StatusPtr(incident.StatusPlanGenerated),
		Planning:      &incident.Planning{Plan: plan, PlannedAt: p.now().UTC()},
		ClearError:    true,
		RequireNoPlan: true,
	})
	switch {
	case errors.Is(err, incident.ErrConditionFailed):
		return nil, ErrAlreadyPlanned
	case err != nil:
		fail(span, err)
		return nil, &storeError{fmt.Errorf("store plan: %w", err)}
	}

	if p.hooks.OnRisk != nil {
		p.hooks.OnRisk(plan.Risk, plan.RequiresManualApproval)
	}
	p.notify(ctx, id)
	return plan, nil
}

func (p *Planner) generate(ctx context.Context, inc *incident.Incident) (*incident.Plan, error) {
	prompt, err := BuildPrompt(inc)
	if err != nil {
		return nil, err
	}

	text, err := p.complete(ctx, prompt)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return nil, fmt.Errorf("completion failed after %d attempts: %w", p.opts.MaxAttempts, err)
		}
		return nil, fmt.Errorf("completion: %w", err)
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		p.logger.Error(ctx, err, "model returned no usable JSON",
			"incident_id", inc.IncidentID,
			"raw_output", text,
		)
		return nil, err
	}
	return ParsePlan(raw)
}

func (p *Planner) markFailed(ctx context.Context, id string, cause error) error {
	err := p.store.Update(ctx, id, incident.Fields{
		Status:        incident.StatusPtr(incident.StatusPlanningFailed),
		Error:         incident.StringPtr(incident.TruncateError(cause.Error())),
		RequireNoPlan: true,
	})
	if errors.Is(err, incident.ErrConditionFailed) {
		return nil
	}
	return err
}

func (p *Planner) notify(ctx context.Context, id string) {
	if p.notifier == nil {
		return
	}
	inc, ok, err := p.store.Get(ctx, id)
	if err != nil || !ok {
		p.logger.Warn(ctx, "reload incident for notification failed", "incident_id", id, "error", err)
		return
	}
	if err := p.notifier.Notify(ctx, inc); err != nil {
		p.logger.Error(ctx, err, "plan notification failed", "incident_id", id)
	}
}

// Handle processes one plan message. Recorded planning failures and missing
// records end the invocation; store errors are returned for redelivery.
func (p *Planner) Handle(ctx context.Context, m queue.Message) error {
	ref, err := queue.DecodeRef(m.Body)
	if err != nil {
		p.logger.Warn(ctx, "dropping malformed plan message", "message_id", m.ID, "error", err)
		return nil
	}
	L := p.logger.With("incident_id", ref.IncidentID)

	start := time.Now()
	plan, err := p.Plan(ctx, ref.IncidentID)
	dur := time.Since(start).Seconds()

	switch {
	case errors.Is(err, ErrAlreadyPlanned):
		L.Info(ctx, "incident already planned, skipping")
		p.observe(OutcomeDuplicate, dur)
		return nil
	case errors.Is(err, incident.ErrNotFound):
		L.Error(ctx, err, "incident not found, planning aborted")
		p.observe(OutcomeFailed, dur)
		return nil
	case err != nil && storeFailed(err):
		L.Error(ctx, err, "planning result could not be recorded")
		p.observe(OutcomeFailed, dur)
		return err
	case err != nil:
		L.Error(ctx, err, "planning failed")
		p.observe(OutcomeFailed, dur)
		return nil
	}

	L.Info(ctx, "plan generated",
		"risk", plan.Risk,
		"requires_manual_approval", plan.RequiresManualApproval,
		"steps", len(plan.Steps),
	)
	p.observe(OutcomeGenerated, dur)
	return nil
}

func (p *Planner) observe(outcome string, d float64) {
	if p.hooks.OnPlan != nil {
		p.hooks.OnPlan(outcome, d)
	}
}

// storeError marks failures writing the incident record.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func storeFailed(err error) bool {
	var se *storeError
	return errors.As(err, &se)
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
