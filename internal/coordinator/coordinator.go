// Package coordinator watches the incident change feed and triggers planning
// once an incident carries both detection and retrieval results.
package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/queue"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsflow/internal/coordinator")

// Defaults.
const (
	DefaultRecentSize     = 4096
	DefaultResubscribeGap = time.Second
)

// Outcomes reported to Hooks.OnChange.
const (
	OutcomeIgnored   = "ignored"
	OutcomeNotReady  = "not_ready"
	OutcomeTriggered = "triggered"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Hooks observe the coordinator. Nil fields are skipped.
type Hooks struct {
	OnChange      func(outcome string)
	OnSubscribe   func()
	OnResubscribe func()
}

// Options tunes the coordinator. Zero values get defaults.
type Options struct {
	// RecentSize bounds the set of recently triggered incident IDs.
	RecentSize int
	// ResubscribeGap is the pause before resubscribing to a closed feed.
	ResubscribeGap time.Duration
}

// Coordinator publishes a plan trigger for every incident that becomes ready.
type Coordinator struct {
	feed   incident.Feed
	pub    queue.Publisher
	opts   Options
	logger log.Logger
	hooks  Hooks
	recent *recentSet
}

// New creates a Coordinator. feed and pub are required.
func New(feed incident.Feed, pub queue.Publisher, opts Options, logger log.Logger, hooks Hooks) *Coordinator {
	if feed == nil {
		panic(xerrors.New("incident feed is required"))
	}
	if pub == nil {
		panic(xerrors.New("queue publisher is required"))
	}
	if opts.RecentSize <= 0 {
		opts.RecentSize = DefaultRecentSize
	}
	if opts.ResubscribeGap <= 0 {
		opts.ResubscribeGap = DefaultResubscribeGap
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{
		feed:   feed,
		pub:    pub,
		opts:   opts,
		logger: logger,
		hooks:  hooks,
		recent: newRecentSet(opts.RecentSize),
	}
}

// Run consumes the change feed until ctx is done, resubscribing whenever the
// feed closes. It returns nil on cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		changes, err := c.feed.Subscribe(ctx)
		if err != nil {
			c.logger.Error(ctx, err, "subscribe to incident feed failed")
		} else {
			if c.hooks.OnSubscribe != nil {
				c.hooks.OnSubscribe()
			}
			for ch := range changes {
				c.Handle(ctx, ch)
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		if c.hooks.OnResubscribe != nil {
			c.hooks.OnResubscribe()
		}
		c.logger.Warn(ctx, "incident feed closed, resubscribing", "after", c.opts.ResubscribeGap.String())

		t := time.NewTimer(c.opts.ResubscribeGap)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Handle evaluates one change and publishes a plan trigger when the new
// image is ready. It reports the outcome.
func (c *Coordinator) Handle(ctx context.Context, ch incident.Change) string {
	out := c.handle(ctx, ch)
	if c.hooks.OnChange != nil {
		c.hooks.OnChange(out)
	}
	return out
}

func (c *Coordinator) handle(ctx context.Context, ch incident.Change) string {
	if ch.Type == incident.ChangeRemove || ch.NewImage == nil {
		return OutcomeIgnored
	}
	inc := ch.NewImage
	if !incident.Ready(inc) {
		return OutcomeNotReady
	}
	if !c.recent.Add(inc.IncidentID) {
		return OutcomeDuplicate
	}

	ctx, span := tracer.Start(ctx, "coordinator.Trigger")
	defer span.End()
	span.SetAttributes(
		attribute.String("opsflow.incident.id", inc.IncidentID),
		attribute.String("opsflow.change.type", string(ch.Type)),
	)

	if err := queue.PublishRef(ctx, c.pub, queue.TopicPlan, inc.IncidentID); err != nil {
		// forget so the next notification retries
		c.recent.Remove(inc.IncidentID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error(ctx, err, "publish plan trigger failed", "incident_id", inc.IncidentID)
		return OutcomeFailed
	}

	c.logger.Info(ctx, "planning triggered",
		"incident_id", inc.IncidentID,
		"status", string(inc.Status),
	)
	return OutcomeTriggered
}
