package retrieve

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/fstest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/opsflow/internal/incident"
	"github.com/linnemanlabs/opsflow/internal/incident/memstore"
	"github.com/linnemanlabs/opsflow/internal/llm/embedding"
	"github.com/linnemanlabs/opsflow/internal/queue"
)

func testCorpus() fstest.MapFS {
	return fstest.MapFS{
		"runbooks/high_cpu.md": {Data: []byte(
			"# High CPU\n\n## Diagnosis\nCPU spike on checkout service, check top consumers\n" +
				"## Mitigation\nScale out the checkout service or roll back the last deploy\n")},
		"runbooks/disk.md": {Data: []byte("## Disk full\nClean up old log files on the volume\n")},
		"logs/checkout.log": {Data: []byte("checkout service CPU usage 97 percent, requests timing out")},
	}
}

// flakyEmbedder fails the first n calls then delegates.
type flakyEmbedder struct {
	mu    sync.Mutex
	fails int
	calls int
	next  embedding.Embedder
}

func (f *flakyEmbedder) Dimensions() int { return f.next.Dimensions() }

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return nil, errors.New("embedding backend unavailable")
	}
	return f.next.Embed(ctx, texts)
}

func newRetriever(t *testing.T, store incident.Store, fsys fstest.MapFS, emb embedding.Embedder) *Retriever {
	t.Helper()
	return New(store, NewIndex(fsys, nil, emb), emb, Options{}, log.Nop(), Hooks{})
}

func seed(t *testing.T, s *memstore.Store, inc *incident.Incident) {
	t.Helper()
	if inc.Status == "" {
		inc.Status = incident.StatusReceived
	}
	if _, err := s.Create(context.Background(), inc); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func refMsg(id string) queue.Message {
	b, _ := json.Marshal(queue.IncidentRef{IncidentID: id})
	return queue.Message{ID: "m-" + id, Body: b}
}

func TestQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		inc     *incident.Incident
		want    string
		wantErr bool
	}{
		{
			name: "record fields",
			inc:  &incident.Incident{Service: "checkout", Message: "CPU spike"},
			want: "Service checkout is experiencing an issue: CPU spike",
		},
		{
			name: "raw payload fallback",
			inc: &incident.Incident{
				Service:    "unknown",
				Message:    "no message",
				RawPayload: json.RawMessage(`{"labels":{"service":"payments"},"annotations":{"summary":"latency high"}}`),
			},
			want: "Service payments is experiencing an issue: latency high",
		},
		{
			name:    "nothing usable",
			inc:     &incident.Incident{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Query(tt.inc)
			if tt.wantErr {
				if !errors.Is(err, ErrMissingInput) {
					t.Errorf("err = %v, want ErrMissingInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if got != tt.want {
				t.Errorf("Query = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetriever_Handle(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, &incident.Incident{IncidentID: "inc-1", Service: "checkout", Message: "CPU spike on checkout service"})

	r := newRetriever(t, store, testCorpus(), embedding.NewHashEmbedder(0))
	if err := r.Handle(context.Background(), refMsg("inc-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _, _ := store.Get(context.Background(), "inc-1")
	if got.Status != incident.StatusContextRetrieved {
		t.Errorf("Status = %q, want %q", got.Status, incident.StatusContextRetrieved)
	}
	if len(got.RetrievedContext) != 3 {
		t.Fatalf("RetrievedContext has %d entries, want 3", len(got.RetrievedContext))
	}
	if got.RetrievalTimestamp == nil {
		t.Error("RetrievalTimestamp not set")
	}
	for i := 1; i < len(got.RetrievedContext); i++ {
		if got.RetrievedContext[i].Score > got.RetrievedContext[i-1].Score {
			t.Errorf("entries not sorted by score: %+v", got.RetrievedContext)
		}
	}
	if doc := got.RetrievedContext[0].Document; doc != "high_cpu.md" && doc != "checkout.log" {
		t.Errorf("top document = %q, want a CPU document", doc)
	}
}

func TestRetriever_EmbeddingFailureMarksIncident(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, &incident.Incident{IncidentID: "inc-1", Service: "checkout", Message: "CPU spike"})

	emb := &flakyEmbedder{fails: 100, next: embedding.NewHashEmbedder(0)}
	r := newRetriever(t, store, testCorpus(), emb)
	if err := r.Handle(context.Background(), refMsg("inc-1")); err != nil {
		t.Fatalf("Handle = %v, want nil once failure is recorded", err)
	}

	got, _, _ := store.Get(context.Background(), "inc-1")
	if got.Status != incident.StatusRetrievalFailed {
		t.Errorf("Status = %q, want %q", got.Status, incident.StatusRetrievalFailed)
	}
	if !strings.Contains(got.Error, "embedding backend unavailable") {
		t.Errorf("Error = %q, want backend error", got.Error)
	}
	if got.RetrievedContext != nil {
		t.Error("RetrievedContext set on failure")
	}
}

func TestRetriever_EmptyCorpusFails(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, &incident.Incident{IncidentID: "inc-1", Service: "checkout", Message: "CPU spike"})

	r := newRetriever(t, store, fstest.MapFS{}, embedding.NewHashEmbedder(0))
	_ = r.Handle(context.Background(), refMsg("inc-1"))

	got, _, _ := store.Get(context.Background(), "inc-1")
	if got.Status != incident.StatusRetrievalFailed {
		t.Errorf("Status = %q, want %q", got.Status, incident.StatusRetrievalFailed)
	}
}

func TestRetriever_ErrorTruncated(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, &incident.Incident{IncidentID: "inc-1", Service: "checkout", Message: "x"})

	r := newRetriever(t, store, testCorpus(), embedding.NewHashEmbedder(0))
	_ = r.markFailed(context.Background(), "inc-1", errors.New(strings.Repeat("e", 2000)))

	got, _, _ := store.Get(context.Background(), "inc-1")
	if len(got.Error) != incident.MaxErrorLen {
		t.Errorf("len(Error) = %d, want %d", len(got.Error), incident.MaxErrorLen)
	}
}

func TestRetriever_SuccessClearsPreviousError(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, &incident.Incident{
		IncidentID: "inc-1",
		Service:    "checkout",
		Message:    "CPU spike",
		Status:     incident.StatusRetrievalFailed,
		Error:      "earlier failure",
	})

	r := newRetriever(t, store, testCorpus(), embedding.NewHashEmbedder(0))
	if err := r.Handle(context.Background(), refMsg("inc-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _, _ := store.Get(context.Background(), "inc-1")
	if got.Error != "" {
		t.Errorf("Error = %q, want cleared", got.Error)
	}
	if got.Status != incident.StatusContextRetrieved {
		t.Errorf("Status = %q, want %q", got.Status, incident.StatusContextRetrieved)
	}
}

func TestRetriever_RedeliveryKeepsPlanningFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	seed(t, store, &incident.Incident{IncidentID: "inc-1", Service: "checkout", Message: "CPU spike on checkout service"})

	var reasons []string
	emb := embedding.NewHashEmbedder(0)
	r := New(store, NewIndex(testCorpus(), nil, emb), emb, Options{}, log.Nop(),
		Hooks{OnSkip: func(reason string) { reasons = append(reasons, reason) }})
	if err := r.Handle(ctx, refMsg("inc-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	const reason = "completion: model exploded"
	if err := store.Update(ctx, "inc-1", incident.Fields{
		Status:        incident.StatusPtr(incident.StatusPlanningFailed),
		Error:         incident.StringPtr(reason),
		RequireNoPlan: true,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := r.Handle(ctx, refMsg("inc-1")); err != nil {
		t.Fatalf("redelivered Handle: %v", err)
	}

	got, _, _ := store.Get(ctx, "inc-1")
	if got.Status != incident.StatusPlanningFailed || got.Error != reason {
		t.Errorf("after redelivery: status=%s error=%q; want %s %q", got.Status, got.Error, incident.StatusPlanningFailed, reason)
	}
	if len(reasons) != 1 || reasons[0] != "already_retrieved" {
		t.Errorf("skip reasons = %v, want [already_retrieved]", reasons)
	}
}

func TestRetriever_ConcurrentWriteKeepsPlanningFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	const reason = "completion: model exploded"
	seed(t, store, &incident.Incident{
		IncidentID: "inc-1",
		Service:    "checkout",
		Message:    "CPU spike",
		Status:     incident.StatusPlanningFailed,
		Error:      reason,
	})
	// Retrieve is called with a stale image, as when the planner fails
	// between the load in Handle and the write.
	stale := &incident.Incident{IncidentID: "inc-1", Service: "checkout", Message: "CPU spike", Status: incident.StatusDetected}

	r := newRetriever(t, store, testCorpus(), embedding.NewHashEmbedder(0))
	if _, err := r.Retrieve(ctx, stale); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	got, _, _ := store.Get(ctx, "inc-1")
	if got.Status != incident.StatusPlanningFailed || got.Error != reason {
		t.Errorf("status=%s error=%q; want %s %q", got.Status, got.Error, incident.StatusPlanningFailed, reason)
	}

	failing := newRetriever(t, store, testCorpus(), &flakyEmbedder{fails: 100, next: embedding.NewHashEmbedder(0)})
	_, _ = failing.Retrieve(ctx, stale)
	got, _, _ = store.Get(ctx, "inc-1")
	if got.Status != incident.StatusPlanningFailed || got.Error != reason {
		t.Errorf("after failed retrieval: status=%s error=%q; want %s %q", got.Status, got.Error, incident.StatusPlanningFailed, reason)
	}
}

func TestIndex_RetriesFailedBuild(t *testing.T) {
	t.Parallel()

	emb := &flakyEmbedder{fails: 1, next: embedding.NewHashEmbedder(0)}
	x := NewIndex(testCorpus(), nil, emb)
	x.concurrency = 1
	x.batchSize = 100

	if _, err := x.Chunks(context.Background()); err == nil {
		t.Fatal("first build should fail")
	}
	if x.Built() {
		t.Fatal("failed build must not be cached")
	}
	chunks, err := x.Chunks(context.Background())
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %s/%s has no embedding", c.Document, c.Section)
		}
	}
}

func TestIndex_BatchesCoverAllChunks(t *testing.T) {
	t.Parallel()

	x := NewIndex(testCorpus(), nil, embedding.NewHashEmbedder(64))
	x.batchSize = 1
	chunks, err := x.Chunks(context.Background())
	if err != nil {
		t.Fatalf("Chunks: %v", err)
	}
	if len(chunks) != 5 {
		t.Errorf("got %d chunks, want 5", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Embedding) != 64 {
			t.Errorf("chunk %s/%s has %d dims, want 64", c.Document, c.Section, len(c.Embedding))
		}
	}
}

func TestRetriever_SkipsPlannedIncident(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seed(t, store, &incident.Incident{
		IncidentID:      "inc-1",
		Service:         "checkout",
		Message:         "x",
		Status:          incident.StatusPlanGenerated,
		RemediationPlan: &incident.Plan{Risk: incident.RiskLow},
	})

	var reasons []string
	r := New(store, NewIndex(testCorpus(), nil, embedding.NewHashEmbedder(0)), embedding.NewHashEmbedder(0), Options{}, log.Nop(),
		Hooks{OnSkip: func(reason string) { reasons = append(reasons, reason) }})
	if err := r.Handle(context.Background(), refMsg("inc-1")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _, _ := store.Get(context.Background(), "inc-1")
	if got.Status != incident.StatusPlanGenerated {
		t.Errorf("Status = %q, want unchanged", got.Status)
	}
	if len(reasons) != 1 || reasons[0] != "already_planned" {
		t.Errorf("skip reasons = %v", reasons)
	}
}
