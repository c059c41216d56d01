package rag

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"golang.org/x/sync/errgroup"
)

const (
	defaultEmbeddingBatchSize   = 10
	defaultEmbeddingConcurrency = 4
)

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Match struct {
	Chunk Chunk
	Score float64
}

// Index is an exact nearest-neighbour index over chunk embeddings.
// It is never mutated after construction and is safe for concurrent reads.
type Index struct {
	embedder Embedder
	chunks   []Chunk
	vectors  [][]float32
	norms    []float64
}

// NewIndex builds an index from already computed vectors. The embedder is
// used for queries only.
func NewIndex(embedder Embedder, chunks []Chunk, vectors [][]float32) (*Index, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("index has %d chunks but %d vectors", len(chunks), len(vectors))
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, errors.New("index vectors are empty")
	}

	ix := &Index{
		embedder: embedder,
		chunks:   slices.Clone(chunks),
		vectors:  make([][]float32, len(vectors)),
		norms:    make([]float64, len(vectors)),
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)
		}
		ix.vectors[i] = slices.Clone(v)
		ix.norms[i] = norm(v)
	}
	return ix, nil
}

func (ix *Index) Len() int {
	return len(ix.chunks)
}

func (ix *Index) Chunks() []Chunk {
	return slices.Clone(ix.chunks)
}

func (ix *Index) Vectors() [][]float32 {
	out := make([][]float32, len(ix.vectors))
	for i, v := range ix.vectors {
		out[i] = slices.Clone(v)
	}
	return out
}

// Search ranks every chunk by cosine similarity to vector. Equal scores keep
// document order.
func (ix *Index) Search(vector []float32, k int) []Match {
	if k <= 0 || len(ix.chunks) == 0 {
		return nil
	}
	qn := norm(vector)
	matches := make([]Match, len(ix.chunks))
	for i := range ix.chunks {
		matches[i] = Match{Chunk: ix.chunks[i], Score: cosine(vector, qn, ix.vectors[i], ix.norms[i])}
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Chunk.Position, b.Chunk.Position)
	})
	return matches[:min(k, len(matches))]
}

func (ix *Index) Query(ctx context.Context, text string, k int) ([]Match, error) {
	if ix.embedder == nil {
		return nil, errors.New("index has no embedder")
	}
	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("query embedding returned %d vectors", len(vecs))
	}
	return ix.Search(vecs[0], k), nil
}

// Builder embeds chunks in batches, several batches in flight at once.
type Builder struct {
	Embedder    Embedder
	BatchSize   int
	Concurrency int
}

func (b Builder) Build(ctx context.Context, chunks []Chunk) (*Index, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}
	batch := b.BatchSize
	if batch <= 0 {
		batch = defaultEmbeddingBatchSize
	}
	limit := b.Concurrency
	if limit <= 0 {
		limit = defaultEmbeddingConcurrency
	}

	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for start := 0; start < len(chunks); start += batch {
		end := min(start+batch, len(chunks))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, c := range chunks[start:end] {
				texts = append(texts, c.Text)
			}
			vecs, err := b.Embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d failed: %w", start, end-1, err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embed chunks %d-%d returned %d vectors", start, end-1, len(vecs))
			}
			copy(vectors[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewIndex(b.Embedder, chunks, vectors)
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if len(a) != len(b) || an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
