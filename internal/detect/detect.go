// Package detect scores incidents for anomaly severity and records the
// verdict on the incident record.
package detect

import (
	"context"
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
	"github.com/linnemanlabs/opsflow/internal/signal"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsflow/internal/detect")

// ErrNoSignal is returned when an incident carries no usable metric.
var ErrNoSignal = errors.New("no metric signal")

// DefaultThreshold is the score at or above which an incident is anomalous.
const DefaultThreshold = 0.9

// heuristicMetric mirrors normalize.HeuristicMetric without importing the
// normalizer into the detection stage.
const heuristicMetric = "heuristic"

// Result is the detection verdict for one incident.
type Result struct {
	Metric       string
	Value        float64
	AnomalyScore float64
	IsAnomaly    bool
}

// Hooks observe detection. Nil fields are skipped.
type Hooks struct {
	OnDetect func(score float64, anomaly bool, duration float64)
	OnSkip   func(reason string)
}

// Detector scores incidents and writes the detection field group.
type Detector struct {
	store     incident.Store
	scorer    Scorer
	threshold float64
	logger    log.Logger
	hooks     Hooks
	now       func() time.Time
}

// New creates a Detector. A threshold <= 0 uses DefaultThreshold.
func New(store incident.Store, scorer Scorer, threshold float64, logger log.Logger, hooks Hooks) *Detector {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if scorer == nil {
		panic(xerrors.New("scorer is required"))
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Detector{store: store, scorer: scorer, threshold: threshold, logger: logger, hooks: hooks, now: time.Now}
}

// Signal returns the metric the detector scores: the normalized primary
// metric, else the shared metric chain over the raw payload.
func Signal(inc *incident.Incident) (name string, value float64, err error) {
	if inc.IncidentDetails.PrimaryMetricName != "" {
		return inc.IncidentDetails.PrimaryMetricName, inc.IncidentDetails.PrimaryMetricValue, nil
	}
	if name, v, ok := signal.Metric(inc.RawPayload); ok {
		return name, v, nil
	}
	return "", 0, ErrNoSignal
}

// Detect scores inc and writes the detection group. Status moves to DETECTED
// only while the record is still RECEIVED.
func (d *Detector) Detect(ctx context.Context, inc *incident.Incident) (*Result, error) {
	ctx, span := tracer.Start(ctx, "detect.Detect")
	defer span.End()
	span.SetAttributes(attribute.String("opsflow.incident.id", inc.IncidentID))

	start := time.Now()

	name, value, err := Signal(inc)
	if err != nil {
		return nil, err
	}

	score, err := d.scorer.Score(ctx, value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("score: %w", err)
	}

	res := &Result{Metric: name, Value: value, AnomalyScore: score, IsAnomaly: score >= d.threshold}
	span.SetAttributes(
		attribute.Float64("detect.score", score),
		attribute.Bool("detect.anomaly", res.IsAnomaly),
	)

	err = d.store.Update(ctx, inc.IncidentID, incident.Fields{
		Status:          incident.StatusPtr(incident.StatusDetected),
		StatusIfCurrent: []incident.Status{incident.StatusReceived},
		Detection: &incident.Detection{
			AnomalyScore: score,
			IsAnomaly:    res.IsAnomaly,
			DetectedAt:   d.now().UTC(),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("store detection: %w", err)
	}

	if d.hooks.OnDetect != nil {
		d.hooks.OnDetect(score, res.IsAnomaly, time.Since(start).Seconds())
	}
	return res, nil
}

// Handle processes one detect message. Malformed messages, missing records
// and missing signals are dropped; scoring and store errors are returned so
// the queue redelivers.
func (d *Detector) Handle(ctx context.Context, m queue.Message) error {
	ref, err := queue.DecodeRef(m.Body)
	if err != nil {
		d.logger.Warn(ctx, "dropping malformed detect message", "message_id", m.ID, "error", err)
		d.skip("malformed")
		return nil
	}
	L := d.logger.With("incident_id", ref.IncidentID)

	inc, ok, err := d.store.Get(ctx, ref.IncidentID)
	if err != nil {
		L.Error(ctx, err, "load incident failed")
		return err
	}
	if !ok {
		L.Warn(ctx, "incident not found, skipping detection")
		d.skip("not_found")
		return nil
	}

	res, err := d.Detect(ctx, inc)
	switch {
	case errors.Is(err, ErrNoSignal):
		L.Warn(ctx, "no metric signal, skipping detection")
		d.skip("no_signal")
		return nil
	case err != nil:
		L.Error(ctx, err, "detection failed")
		d.skip("error")
		return err
	}

	L.Info(ctx, "detection complete",
		"metric", res.Metric,
		"value", res.Value,
		"anomaly_score", res.AnomalyScore,
		"is_anomaly", res.IsAnomaly,
		"heuristic", res.Metric == heuristicMetric,
	)
	return nil
}

func (d *Detector) skip(reason string) {
	if d.hooks.OnSkip != nil {
		d.hooks.OnSkip(reason)
	}
}
