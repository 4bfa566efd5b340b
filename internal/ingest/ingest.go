// Package ingest persists normalized drafts and fans them out to the
// detection and retrieval stages.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/queue"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsflow/internal/ingest")

// ErrMissingID is returned for a draft without an incident ID.
var ErrMissingID = errors.New("draft has no incidentId")

// Outcomes reported to Hooks.OnIngest.
const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeDropped   = "dropped"
	OutcomeFailed    = "failed"
)

// Hooks observe ingestion. Nil fields are skipped.
type Hooks struct {
	OnIngest func(outcome string)
	OnFanout func(topic string, ok bool)
}

// Ingestor writes the initial record and notifies the downstream stages.
type Ingestor struct {
	store  incident.Store
	pub    queue.Publisher
	logger log.Logger
	hooks  Hooks
	now    func() time.Time
}

// New creates an Ingestor. store and pub are required.
func New(store incident.Store, pub queue.Publisher, logger log.Logger, hooks Hooks) *Ingestor {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if pub == nil {
		panic(xerrors.New("queue publisher is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Ingestor{store: store, pub: pub, logger: logger, hooks: hooks, now: time.Now}
}

// HandleBatch decodes each message as a draft and ingests it. Malformed
// messages are dropped; only store failures are reported for redelivery.
func (in *Ingestor) HandleBatch(ctx context.Context, msgs []queue.Message) queue.BatchResult {
	var res queue.BatchResult
	for _, m := range msgs {
		var d incident.Draft
		if err := json.Unmarshal(m.Body, &d); err != nil {
			in.logger.Warn(ctx, "dropping undecodable ingest message", "message_id", m.ID, "error", err)
			in.outcome(OutcomeDropped)
			continue
		}
		err := in.Ingest(ctx, &d)
		switch {
		case errors.Is(err, ErrMissingID):
			in.logger.Warn(ctx, "dropping draft without incidentId", "message_id", m.ID)
		case err != nil:
			in.logger.Error(ctx, err, "ingest failed", "message_id", m.ID, "incident_id", d.IncidentID)
			res.Fail(m.ID)
		}
	}
	return res
}

// Ingest creates the record if absent and publishes to the detect and
// retrieve topics. The publishes are re-issued for an existing record so a
// redelivered message completes a fan-out interrupted by a crash.
func (in *Ingestor) Ingest(ctx context.Context, d *incident.Draft) error {
	if d.IncidentID == "" {
		in.outcome(OutcomeDropped)
		return ErrMissingID
	}

	ctx, span := tracer.Start(ctx, "ingest.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("opsflow.incident.id", d.IncidentID))

	L := in.logger.With("incident_id", d.IncidentID)

	created, err := in.store.Create(ctx, incident.FromDraft(d, in.now().UTC()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.outcome(OutcomeFailed)
		return fmt.Errorf("create incident: %w", err)
	}
	if created {
		in.outcome(OutcomeCreated)
		L.Info(ctx, "incident received", "service", d.Service, "severity", d.Severity)
	} else {
		in.outcome(OutcomeDuplicate)
		L.Info(ctx, "incident already exists, re-issuing fan-out")
	}

	// independent sends; one failing never blocks the other
	for _, topic := range []string{queue.TopicDetect, queue.TopicRetrieve} {
		err := queue.PublishRef(ctx, in.pub, topic, d.IncidentID)
		if err != nil {
			L.Error(ctx, err, "fan-out publish failed", "topic", topic)
		}
		if in.hooks.OnFanout != nil {
			in.hooks.OnFanout(topic, err == nil)
		}
	}
	return nil
}

func (in *Ingestor) outcome(o string) {
	if in.hooks.OnIngest != nil {
		in.hooks.OnIngest(o)
	}
}
