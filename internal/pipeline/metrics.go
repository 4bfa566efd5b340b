package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/opsflow/internal/coordinator"
	"github.com/linnemanlabs/opsflow/internal/detect"
	"github.com/linnemanlabs/opsflow/internal/ingest"
	"github.com/linnemanlabs/opsflow/internal/llm/claude"
	"github.com/linnemanlabs/opsflow/internal/planner"
	"github.com/linnemanlabs/opsflow/internal/postgres"
	"github.com/linnemanlabs/opsflow/internal/queue/memqueue"
	"github.com/linnemanlabs/opsflow/internal/retrieve"
)

// Metrics holds Prometheus metrics for the pipeline stages.
type Metrics struct {
	IngestTotal        *prometheus.CounterVec
	FanoutTotal        *prometheus.CounterVec
	DetectionsTotal    *prometheus.CounterVec
	AnomalyScore       prometheus.Histogram
	DetectionDuration  prometheus.Histogram
	SkipsTotal         *prometheus.CounterVec
	RetrievalsTotal    *prometheus.CounterVec
	RetrievalDuration  prometheus.Histogram
	FeedChangesTotal   *prometheus.CounterVec
	FeedSubscribes     prometheus.Counter
	FeedResubscribes   prometheus.Counter
	PlansTotal         *prometheus.CounterVec
	PlanDuration       *prometheus.HistogramVec
	PlanRiskTotal      *prometheus.CounterVec
	LLMAttemptsTotal   *prometheus.CounterVec
	LLMCallsTotal      *prometheus.CounterVec
	LLMTokensIn        prometheus.Counter
	LLMTokensOut       prometheus.Counter
	LLMDuration        prometheus.Histogram
	QueuePublished     *prometheus.CounterVec
	QueueRedelivered   *prometheus.CounterVec
	QueueDeadLettered  *prometheus.CounterVec
	DBQueryDuration    *prometheus.HistogramVec
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_ingest_total",
			Help: "Ingested drafts by outcome.",
		}, []string{"outcome"}),
		FanoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_ingest_fanout_total",
			Help: "Downstream stage notifications by topic and result.",
		}, []string{"topic", "result"}),
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_detections_total",
			Help: "Completed detections by verdict.",
		}, []string{"anomaly"}),
		AnomalyScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsflow_anomaly_score",
			Help:    "Anomaly scores assigned by the detector.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0 .. 1
		}),
		DetectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsflow_detection_duration_seconds",
			Help:    "Duration of detection runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		SkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_stage_skips_total",
			Help: "Stage invocations that ended without a write, by stage and reason.",
		}, []string{"stage", "reason"}),
		RetrievalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_retrievals_total",
			Help: "Retrieval runs by result.",
		}, []string{"result"}),
		RetrievalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsflow_retrieval_duration_seconds",
			Help:    "Duration of retrieval runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}),
		FeedChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_feed_changes_total",
			Help: "Incident changes seen by the coordinator, by outcome.",
		}, []string{"outcome"}),
		FeedSubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsflow_feed_subscribes_total",
			Help: "Successful change feed subscriptions.",
		}),
		FeedResubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsflow_feed_resubscribes_total",
			Help: "Times the change feed closed and was resubscribed.",
		}),
		PlansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_plans_total",
			Help: "Planner invocations by outcome.",
		}, []string{"outcome"}),
		PlanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsflow_plan_duration_seconds",
			Help:    "Duration of planner invocations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"outcome"}),
		PlanRiskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_plan_risk_total",
			Help: "Stored plans by gated risk and approval requirement.",
		}, []string{"risk", "approval"}),
		LLMAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_llm_attempts_total",
			Help: "Completion attempts made by the planner, by result.",
		}, []string{"result"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_llm_calls_total",
			Help: "Total LLM provider calls by status.",
		}, []string{"status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsflow_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsflow_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed.",
		}),
		LLMDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opsflow_llm_call_duration_seconds",
			Help:    "Duration of individual LLM calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. ~64s
		}),
		QueuePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_queue_published_total",
			Help: "Messages published by topic.",
		}, []string{"topic"}),
		QueueRedelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_queue_redelivered_total",
			Help: "Messages scheduled for redelivery by topic.",
		}, []string{"topic"}),
		QueueDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsflow_queue_dead_lettered_total",
			Help: "Messages dead-lettered after the receive limit, by topic.",
		}, []string{"topic"}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsflow_db_query_duration_seconds",
			Help:    "Duration of individual database queries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "origin", "outcome"}),
	}

	reg.MustRegister(
		m.IngestTotal,
		m.FanoutTotal,
		m.DetectionsTotal,
		m.AnomalyScore,
		m.DetectionDuration,
		m.SkipsTotal,
		m.RetrievalsTotal,
		m.RetrievalDuration,
		m.FeedChangesTotal,
		m.FeedSubscribes,
		m.FeedResubscribes,
		m.PlansTotal,
		m.PlanDuration,
		m.PlanRiskTotal,
		m.LLMAttemptsTotal,
		m.LLMCallsTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.LLMDuration,
		m.QueuePublished,
		m.QueueRedelivered,
		m.QueueDeadLettered,
		m.DBQueryDuration,
	)

	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func yesNo(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// IngestHooks returns ingest.Hooks that increment the corresponding metrics.
func (m *Metrics) IngestHooks() ingest.Hooks {
	return ingest.Hooks{
		OnIngest: func(outcome string) {
			m.IngestTotal.WithLabelValues(outcome).Inc()
		},
		OnFanout: func(topic string, ok bool) {
			m.FanoutTotal.WithLabelValues(topic, result(ok)).Inc()
		},
	}
}

// DetectHooks returns detect.Hooks that record scores and skips.
func (m *Metrics) DetectHooks() detect.Hooks {
	return detect.Hooks{
		OnDetect: func(score float64, anomaly bool, duration float64) {
			m.DetectionsTotal.WithLabelValues(yesNo(anomaly)).Inc()
			m.AnomalyScore.Observe(score)
			m.DetectionDuration.Observe(duration)
		},
		OnSkip: func(reason string) {
			m.SkipsTotal.WithLabelValues("detect", reason).Inc()
		},
	}
}

// RetrieveHooks returns retrieve.Hooks that record retrieval runs and skips.
func (m *Metrics) RetrieveHooks() retrieve.Hooks {
	return retrieve.Hooks{
		OnRetrieve: func(ok bool, duration float64) {
			m.RetrievalsTotal.WithLabelValues(result(ok)).Inc()
			m.RetrievalDuration.Observe(duration)
		},
		OnSkip: func(reason string) {
			m.SkipsTotal.WithLabelValues("retrieve", reason).Inc()
		},
	}
}

// CoordinatorHooks returns coordinator.Hooks that count feed activity.
func (m *Metrics) CoordinatorHooks() coordinator.Hooks {
	return coordinator.Hooks{
		OnChange: func(outcome string) {
			m.FeedChangesTotal.WithLabelValues(outcome).Inc()
		},
		OnSubscribe: func() {
			m.FeedSubscribes.Inc()
		},
		OnResubscribe: func() {
			m.FeedResubscribes.Inc()
		},
	}
}

// PlannerHooks returns planner.Hooks that record plan outcomes, gated risk and
// completion attempts.
func (m *Metrics) PlannerHooks() planner.Hooks {
	return planner.Hooks{
		OnPlan: func(outcome string, duration float64) {
			m.PlansTotal.WithLabelValues(outcome).Inc()
			m.PlanDuration.WithLabelValues(outcome).Observe(duration)
		},
		OnRisk: func(risk string, approval bool) {
			m.PlanRiskTotal.WithLabelValues(risk, yesNo(approval)).Inc()
		},
		OnAttempt: func(outcome string) {
			m.LLMAttemptsTotal.WithLabelValues(outcome).Inc()
		},
	}
}

// ClaudeHooks returns claude.Hooks that record provider calls and tokens.
func (m *Metrics) ClaudeHooks() claude.Hooks {
	return claude.Hooks{
		OnCall: func(in, out int64, duration float64, err error) {
			m.LLMCallsTotal.WithLabelValues(result(err == nil)).Inc()
			m.LLMTokensIn.Add(float64(in))
			m.LLMTokensOut.Add(float64(out))
			m.LLMDuration.Observe(duration)
		},
	}
}

// QueueHooks returns memqueue.Hooks that count queue traffic per topic.
func (m *Metrics) QueueHooks() memqueue.Hooks {
	return memqueue.Hooks{
		OnPublish: func(topic string) {
			m.QueuePublished.WithLabelValues(topic).Inc()
		},
		OnRedeliver: func(topic string) {
			m.QueueRedelivered.WithLabelValues(topic).Inc()
		},
		OnDeadLetter: func(topic string) {
			m.QueueDeadLettered.WithLabelValues(topic).Inc()
		},
	}
}

// QueryObserver returns a postgres.QueryObserver feeding the DB query
// histogram.
func (m *Metrics) QueryObserver() postgres.QueryObserver {
	return postgres.QueryObserverFunc(func(_ context.Context, method, origin, outcome string, dur time.Duration) {
		m.DBQueryDuration.WithLabelValues(method, origin, outcome).Observe(dur.Seconds())
	})
}
