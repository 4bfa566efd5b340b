// Package retrieve attaches the most relevant runbook and log sections to an
// incident by embedding similarity.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/llm/embedding"
	"github.com/linnemanlabs/opsflow/internal/queue"
	"github.com/linnemanlabs/opsflow/internal/signal"
)

var tracer = otel.Tracer("github.com/linnemanlabs/opsflow/internal/retrieve")

// Ranking defaults.
const (
	DefaultTopK       = 3
	DefaultSnippetLen = 500
)

// ErrMissingInput is returned when neither a service nor a message can be
// found for the query.
var ErrMissingInput = errors.New("incident has no service or message to query with")

// Hooks observe retrieval. Nil fields are skipped.
type Hooks struct {
	OnRetrieve func(ok bool, duration float64)
	OnSkip     func(reason string)
}

// Options tunes ranking. Zero values get defaults.
type Options struct {
	TopK       int
	SnippetLen int
}

// Retriever ranks corpus chunks against an incident and writes the retrieval
// field group.
type Retriever struct {
	store    incident.Store
	index    *Index
	embedder embedding.Embedder
	opts     Options
	logger   log.Logger
	hooks    Hooks
	now      func() time.Time
}

// New creates a Retriever over index. The same embedder must have built the
// index so query and chunk vectors share a space.
func New(store incident.Store, index *Index, embedder embedding.Embedder, opts Options, logger log.Logger, hooks Hooks) *Retriever {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if index == nil {
		panic(xerrors.New("index is required"))
	}
	if embedder == nil {
		panic(xerrors.New("embedder is required"))
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.SnippetLen <= 0 {
		opts.SnippetLen = DefaultSnippetLen
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Retriever{store: store, index: index, embedder: embedder, opts: opts, logger: logger, hooks: hooks, now: time.Now}
}

// Query builds the retrieval query for inc. Service and message come from
// the record, else from the raw payload via the shared chains.
func Query(inc *incident.Incident) (string, error) {
	service := inc.Service
	if service == "" || service == "unknown" {
		if s, ok := signal.Service.String(inc.RawPayload); ok {
			service = s
		}
	}
	message := inc.Message
	if message == "" || message == "no message" {
		if m, ok := signal.Message.String(inc.RawPayload); ok {
			message = m
		}
	}
	if service == "" && message == "" {
		return "", ErrMissingInput
	}
	return fmt.Sprintf("Service %s is experiencing an issue: %s", service, message), nil
}

// Search returns the top ranked context entries for query.
func (r *Retriever) Search(ctx context.Context, query string) ([]incident.ContextEntry, error) {
	chunks, err := r.index.Chunks(ctx)
	if err != nil {
		return nil, err
	}
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	return Rank(vecs[0], chunks, r.opts.TopK, r.opts.SnippetLen), nil
}

// retrievalFrom are the statuses a retrieval result may replace. Later
// stages, a planning failure in particular, keep their status and error.
var retrievalFrom = []incident.Status{
	incident.StatusReceived,
	incident.StatusDetected,
	incident.StatusRetrievalFailed,
}

// Retrieve attaches context to inc. Any failure is recorded on the incident
// as RETRIEVAL_FAILED before it is returned.
func (r *Retriever) Retrieve(ctx context.Context, inc *incident.Incident) ([]incident.ContextEntry, error) {
	ctx, span := tracer.Start(ctx, "retrieve.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("opsflow.incident.id", inc.IncidentID))

	entries, err := r.retrieve(ctx, inc)
	if err != nil {
		fail(span, err)
		if werr := r.markFailed(ctx, inc.IncidentID, err); werr != nil {
			return nil, errors.Join(err, &storeError{werr})
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieve.results", len(entries)))

	err = r.store.Update(ctx, inc.IncidentID, incident.Fields{
		Status:          incident.StatusPtr(incident.StatusContextRetrieved),
		StatusIfCurrent: retrievalFrom,
		Retrieval:       &incident.Retrieval{Context: entries, RetrievedAt: r.now().UTC()},
		ClearError:      true,
		RequireNoPlan:   true,
	})
	if err != nil {
		fail(span, err)
		return nil, &storeError{fmt.Errorf("store retrieval: %w", err)}
	}
	return entries, nil
}

func (r *Retriever) retrieve(ctx context.Context, inc *incident.Incident) ([]incident.ContextEntry, error) {
	q, err := Query(inc)
	if err != nil {
		return nil, err
	}
	return r.Search(ctx, q)
}

func (r *Retriever) markFailed(ctx context.Context, id string, cause error) error {
	err := r.store.Update(ctx, id, incident.Fields{
		Status:          incident.StatusPtr(incident.StatusRetrievalFailed),
		StatusIfCurrent: retrievalFrom,
		Error:           incident.StringPtr(incident.TruncateError(cause.Error())),
		RequireNoPlan:   true,
	})
	if errors.Is(err, incident.ErrConditionFailed) {
		return nil
	}
	return err
}

// Handle processes one retrieve message. A retrieval failure is terminal
// once it is recorded on the incident; only store errors are returned for
// redelivery.
func (r *Retriever) Handle(ctx context.Context, m queue.Message) error {
	ref, err := queue.DecodeRef(m.Body)
	if err != nil {
		r.logger.Warn(ctx, "dropping malformed retrieve message", "message_id", m.ID, "error", err)
		r.skip("malformed")
		return nil
	}
	L := r.logger.With("incident_id", ref.IncidentID)

	inc, ok, err := r.store.Get(ctx, ref.IncidentID)
	if err != nil {
		L.Error(ctx, err, "load incident failed")
		return err
	}
	if !ok {
		L.Warn(ctx, "incident not found, skipping retrieval")
		r.skip("not_found")
		return nil
	}
	if inc.RemediationPlan != nil {
		r.skip("already_planned")
		return nil
	}
	if incident.Retrieved(inc) {
		r.skip("already_retrieved")
		return nil
	}

	start := time.Now()
	entries, err := r.Retrieve(ctx, inc)
	r.observe(err == nil, time.Since(start).Seconds())
	switch {
	case errors.Is(err, incident.ErrConditionFailed):
		L.Info(ctx, "plan already stored, retrieval result discarded")
		return nil
	case err != nil && storeFailed(err):
		L.Error(ctx, err, "retrieval could not be recorded")
		return err
	case err != nil:
		L.Error(ctx, err, "retrieval failed")
		return nil
	}

	L.Info(ctx, "context retrieved", "results", len(entries), "top_document", topDocument(entries))
	return nil
}

// storeError marks failures writing the incident record.
type storeError struct{ err error }

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

func storeFailed(err error) bool {
	var se *storeError
	return errors.As(err, &se)
}

func topDocument(entries []incident.ContextEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[0].Document
}

func (r *Retriever) observe(ok bool, d float64) {
	if r.hooks.OnRetrieve != nil {
		r.hooks.OnRetrieve(ok, d)
	}
}

func (r *Retriever) skip(reason string) {
	if r.hooks.OnSkip != nil {
		r.hooks.OnSkip(reason)
	}
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
