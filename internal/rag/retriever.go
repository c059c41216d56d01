package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const DefaultTopK = 5

var ErrRetrieval = errors.New("retrieve context failed")

type Retriever struct {
	topK int
}

func NewRetriever(topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{topK: topK}
}

// Retrieve returns the most relevant chunk texts joined by blank lines, best
// first. Without an index there is no context and no error.
func (r *Retriever) Retrieve(ctx context.Context, query string, ix *Index) (string, error) {
	if ix == nil {
		return "", nil
	}
	matches, err := ix.Query(ctx, query, r.topK)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRetrieval, err)
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m.Chunk.Text)
	}
	return strings.Join(parts, "\n\n"), nil
}
