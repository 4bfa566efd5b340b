// Package pipeline runs the incident stages against the queue and the change
// feed, and carries the Prometheus metrics they report through their hooks.
package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/opsflow/internal/coordinator"
	"github.com/linnemanlabs/opsflow/internal/detect"
	"github.com/linnemanlabs/opsflow/internal/ingest"
	"github.com/linnemanlabs/opsflow/internal/planner"
	"github.com/linnemanlabs/opsflow/internal/postgres"
	"github.com/linnemanlabs/opsflow/internal/queue"
	"github.com/linnemanlabs/opsflow/internal/retrieve"
)

// Stage names used for log fields and DB query labels.
const (
	StageIngest   = "ingest"
	StageDetect   = "detect"
	StageRetrieve = "retrieve"
	StagePlan     = "plan"
)

// Stages are the workers a Pipeline runs. All are required.
type Stages struct {
	Ingestor    *ingest.Ingestor
	Detector    *detect.Detector
	Retriever   *retrieve.Retriever
	Planner     *planner.Planner
	Coordinator *coordinator.Coordinator
}

// Pipeline binds each stage to its topic.
type Pipeline struct {
	consumer queue.Consumer
	stages   Stages
	logger   log.Logger
}

// New creates a Pipeline.
func New(consumer queue.Consumer, stages Stages, logger log.Logger) *Pipeline {
	if consumer == nil {
		panic(xerrors.New("queue consumer is required"))
	}
	if stages.Ingestor == nil || stages.Detector == nil || stages.Retriever == nil ||
		stages.Planner == nil || stages.Coordinator == nil {
		panic(xerrors.New("all pipeline stages are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Pipeline{consumer: consumer, stages: stages, logger: logger}
}

// Run consumes every stage topic and the change feed until ctx is done or a
// worker fails. It returns nil on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	consume := func(topic, stage string, h queue.BatchHandler) {
		g.Go(func() error {
			p.logger.Info(ctx, "stage consumer started", "stage", stage, "topic", topic)
			if err := p.consumer.Consume(ctx, topic, p.withStage(stage, h)); err != nil {
				return fmt.Errorf("%s consumer: %w", stage, err)
			}
			return nil
		})
	}

	consume(queue.TopicIngest, StageIngest, p.stages.Ingestor.HandleBatch)
	consume(queue.TopicDetect, StageDetect, queue.Each(p.stages.Detector.Handle))
	consume(queue.TopicRetrieve, StageRetrieve, queue.Each(p.stages.Retriever.Handle))
	consume(queue.TopicPlan, StagePlan, queue.Each(p.stages.Planner.Handle))

	g.Go(func() error {
		p.logger.Info(ctx, "coordinator started")
		if err := p.stages.Coordinator.Run(ctx); err != nil {
			return fmt.Errorf("coordinator: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// withStage tags the handler context so logs and DB query metrics carry the
// stage.
func (p *Pipeline) withStage(stage string, h queue.BatchHandler) queue.BatchHandler {
	L := p.logger.With("stage", stage)
	return func(ctx context.Context, msgs []queue.Message) queue.BatchResult {
		ctx = postgres.WithStage(ctx, stage)
		ctx = log.WithContext(ctx, L)
		return h(ctx, msgs)
	}
}
