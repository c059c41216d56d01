package rag

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ========================================
// Fakes
// ========================================

// wordEmbedder hashes lowercase words into a fixed-size bag-of-words vector.
type wordEmbedder struct {
	calls atomic.Int32
	err   error
}

func (e *wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 1024)
		for _, w := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool { return !unicode.IsLetter(r) }) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			v[h.Sum32()%1024]++
		}
		out[i] = v
	}
	return out, nil
}

// ========================================
// Chunker
// ========================================

func TestChunker_EmptyDocument(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\n\t"} {
		_, err := NewChunker(10, 2).Split(text)
		assert.ErrorIs(t, err, ErrEmptyDocument)
	}
}

func TestChunker_ShortTextIsOneChunk(t *testing.T) {
	chunks, err := NewChunker(100, 10).Split("  just a short note  ")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "just a short note", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Position)
}

func TestChunker_BoundsAndOverlap(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString("Sentence number ")
		sb.WriteString(strings.Repeat("x", i%7))
		sb.WriteString(". ")
		if i%13 == 0 {
			sb.WriteString("\n\n")
		}
	}
	text := sb.String()

	tests := []struct {
		size, overlap int
	}{
		{size: 750, overlap: 100},
		{size: 120, overlap: 30},
		{size: 64, overlap: 0},
		{size: 50, overlap: 40},
	}
	for _, tt := range tests {
		chunks, err := NewChunker(tt.size, tt.overlap).Split(text)
		require.NoError(t, err)
		require.NotEmpty(t, chunks)

		for i, c := range chunks {
			assert.Equal(t, i, c.Position)
			assert.LessOrEqual(t, len([]rune(c.Text)), tt.size)
			assert.NotEmpty(t, strings.TrimSpace(c.Text))
			if i == 0 || tt.overlap == 0 {
				continue
			}
			prev := []rune(chunks[i-1].Text)
			cur := []rune(c.Text)
			require.GreaterOrEqual(t, len(prev), tt.overlap)
			assert.Equal(t, string(prev[len(prev)-tt.overlap:]), string(cur[:tt.overlap]),
				"chunk %d must start with the last %d runes of chunk %d", i, tt.overlap, i-1)
		}
		assert.True(t, strings.HasSuffix(strings.TrimSpace(text), chunks[len(chunks)-1].Text))
	}
}

func TestChunker_PrefersParagraphBreak(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30) + " " + strings.Repeat("c", 30)

	chunks, err := NewChunker(50, 5).Split(text)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, strings.Repeat("a", 30)+"\n\n", chunks[0].Text)
}

func TestChunker_HardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("z", 95)

	chunks, err := NewChunker(40, 10).Split(text)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Text, 40)
	assert.Len(t, chunks[1].Text, 40)
	assert.Len(t, chunks[2].Text, 35)
}

func TestChunker_ClampsOverlap(t *testing.T) {
	c := NewChunker(10, 10)
	assert.Equal(t, 5, c.overlap)

	c = NewChunker(0, 0)
	assert.Equal(t, DefaultChunkSize, c.size)
}

func TestChunker_MultibyteRunes(t *testing.T) {
	text := strings.Repeat("مرحبا ", 40)

	chunks, err := NewChunker(30, 6).Split(text)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c.Text)), 30)
	}
}

// ========================================
// Index
// ========================================

func TestIndex_TopMatchIsRelevantChunk(t *testing.T) {
	emb := &wordEmbedder{}
	chunks := []Chunk{
		{Position: 0, Text: "The weather in the mountains is cold and windy."},
		{Position: 1, Text: "Our refund policy allows returns within thirty days."},
		{Position: 2, Text: "The capital city hosts many museums and parks."},
	}

	ix, err := Builder{Embedder: emb, BatchSize: 2}.Build(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, 3, ix.Len())
	assert.EqualValues(t, 2, emb.calls.Load())

	matches, err := ix.Query(context.Background(), "refund policy returns", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 1, matches[0].Chunk.Position)
	assert.GreaterOrEqual(t, matches[0].Score, matches[1].Score)
}

func TestIndex_TiesKeepDocumentOrder(t *testing.T) {
	chunks := []Chunk{{Position: 0, Text: "a"}, {Position: 1, Text: "b"}, {Position: 2, Text: "c"}}
	vectors := [][]float32{{1, 0}, {1, 0}, {0, 1}}

	ix, err := NewIndex(nil, chunks, vectors)
	require.NoError(t, err)

	matches := ix.Search([]float32{1, 0}, 3)
	require.Len(t, matches, 3)
	assert.Equal(t, 0, matches[0].Chunk.Position)
	assert.Equal(t, 1, matches[1].Chunk.Position)
	assert.Equal(t, 2, matches[2].Chunk.Position)

	assert.Len(t, ix.Search([]float32{1, 0}, 10), 3)
	assert.Empty(t, ix.Search([]float32{1, 0}, 0))
}

func TestNewIndex_Validation(t *testing.T) {
	_, err := NewIndex(nil, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = NewIndex(nil, []Chunk{{Text: "a"}}, nil)
	assert.Error(t, err)

	_, err = NewIndex(nil, []Chunk{{Text: "a"}, {Text: "b"}}, [][]float32{{1, 2}, {1}})
	assert.Error(t, err)
}

func TestIndex_CopiesAreIndependent(t *testing.T) {
	ix, err := NewIndex(nil, []Chunk{{Position: 0, Text: "a"}}, [][]float32{{1, 2}})
	require.NoError(t, err)

	vecs := ix.Vectors()
	vecs[0][0] = 99
	chunks := ix.Chunks()
	chunks[0].Text = "mutated"

	assert.Equal(t, []float32{1, 2}, ix.Vectors()[0])
	assert.Equal(t, "a", ix.Chunks()[0].Text)
}

func TestBuilder_EmbedFailure(t *testing.T) {
	emb := &wordEmbedder{err: errors.New("provider down")}
	_, err := Builder{Embedder: emb}.Build(context.Background(), []Chunk{{Text: "a"}})
	assert.ErrorContains(t, err, "provider down")
}

func TestIndex_ConcurrentSearch(t *testing.T) {
	emb := &wordEmbedder{}
	chunks := []Chunk{{Position: 0, Text: "alpha beta"}, {Position: 1, Text: "gamma delta"}}
	ix, err := Builder{Embedder: emb}.Build(context.Background(), chunks)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := ix.Query(context.Background(), "gamma", 1)
			assert.NoError(t, err)
			assert.Equal(t, 1, m[0].Chunk.Position)
		}()
	}
	wg.Wait()
}

// ========================================
// Retriever
// ========================================

func TestRetriever_NoIndex(t *testing.T) {
	out, err := NewRetriever(5).Retrieve(context.Background(), "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRetriever_JoinsTopK(t *testing.T) {
	chunks := []Chunk{
		{Position: 0, Text: "cats purr softly"},
		{Position: 1, Text: "dogs bark loudly"},
		{Position: 2, Text: "cats and dogs play"},
	}
	ix, err := Builder{Embedder: &wordEmbedder{}}.Build(context.Background(), chunks)
	require.NoError(t, err)

	out, err := NewRetriever(2).Retrieve(context.Background(), "cats purr", ix)
	require.NoError(t, err)
	parts := strings.Split(out, "\n\n")
	require.Len(t, parts, 2)
	assert.Equal(t, "cats purr softly", parts[0])
	assert.Equal(t, "cats and dogs play", parts[1])
}

func TestRetriever_EmbedFailure(t *testing.T) {
	emb := &wordEmbedder{}
	ix, err := Builder{Embedder: emb}.Build(context.Background(), []Chunk{{Text: "a b"}})
	require.NoError(t, err)
	emb.err = errors.New("timeout")

	_, err = NewRetriever(5).Retrieve(context.Background(), "q", ix)
	assert.ErrorIs(t, err, ErrRetrieval)
}
