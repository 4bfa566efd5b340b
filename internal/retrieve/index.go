package retrieve

import (
	"context"
	"fmt"
	"io/fs"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/opsflow/internal/llm/embedding"
)

// Index defaults.
const (
	DefaultBatchSize   = 16
	DefaultConcurrency = 4
)

// Index is the embedded corpus. It is built on first use and read-only
// afterwards; a failed build is retried by the next caller.
type Index struct {
	fsys        fs.FS
	dirs        []string
	embedder    embedding.Embedder
	batchSize   int
	concurrency int

	mu     sync.Mutex
	chunks []Chunk
}

// NewIndex returns an unbuilt Index over dirs of fsys.
func NewIndex(fsys fs.FS, dirs []string, embedder embedding.Embedder) *Index {
	if len(dirs) == 0 {
		dirs = DefaultCorpusDirs
	}
	return &Index{
		fsys:        fsys,
		dirs:        dirs,
		embedder:    embedder,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
	}
}

// Chunks returns the embedded chunks, building the index if needed. The
// returned slice must not be modified.
func (x *Index) Chunks(ctx context.Context) ([]Chunk, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.chunks != nil {
		return x.chunks, nil
	}

	chunks, err := x.build(ctx)
	if err != nil {
		return nil, err
	}
	x.chunks = chunks
	return chunks, nil
}

// Built reports whether the index is ready.
func (x *Index) Built() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.chunks != nil
}

func (x *Index) build(ctx context.Context) ([]Chunk, error) {
	ctx, span := tracer.Start(ctx, "retrieve.BuildIndex")
	defer span.End()

	chunks, err := LoadCorpus(x.fsys, x.dirs)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("load corpus: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for start := 0; start < len(chunks); start += x.batchSize {
		end := min(start+x.batchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for i := start; i < end; i++ {
				texts = append(texts, chunks[i].EmbeddingText())
			}
			vecs, err := x.embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end-1, len(vecs))
			}
			// batches write disjoint ranges
			for i, v := range vecs {
				chunks[start+i].Embedding = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fail(span, err)
		return nil, err
	}
	return chunks, nil
}
