package rag

import (
	"errors"
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 750
	DefaultChunkOverlap = 100
)

var ErrEmptyDocument = errors.New("document has no text")

// Chunk is a window of document text. Position is its order in the document.
type Chunk struct {
	Position int    `json:"position"`
	Text     string `json:"text"`
}

type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split cuts text into windows of at most size runes. Each window after the
// first starts exactly overlap runes before the end of the previous one.
// A window that is not the last is shortened to end on a paragraph, line,
// sentence or word boundary when one exists in its second half.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	runes := []rune(strings.TrimSpace(text))
	n := len(runes)
	if n == 0 {
		return nil, ErrEmptyDocument
	}

	var chunks []Chunk
	start := 0
	for start < n {
		end := min(start+c.size, n)
		if end < n {
			lo := start + max(c.size/2, c.overlap+1)
			if lo < end {
				end = breakPoint(runes, lo, end)
			}
		}
		piece := string(runes[start:end])
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, Chunk{Position: len(chunks), Text: piece})
		}
		if end >= n {
			break
		}
		start = end - c.overlap
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyDocument
	}
	return chunks, nil
}

// breakPoint returns the best cut in (lo, hi], falling back to hi.
func breakPoint(r []rune, lo, hi int) int {
	for i := hi - 1; i > lo; i-- {
		if r[i] == '\n' && r[i-1] == '\n' {
			return i + 1
		}
	}
	for i := hi - 1; i >= lo; i-- {
		if r[i] == '\n' {
			return i + 1
		}
	}
	for i := hi - 1; i >= lo; i-- {
		if isSentenceEnd(r[i]) && i+1 < len(r) && unicode.IsSpace(r[i+1]) {
			return i + 1
		}
	}
	for i := hi - 1; i >= lo; i-- {
		if unicode.IsSpace(r[i]) {
			return i + 1
		}
	}
	return hi
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '؟', '۔':
		return true
	}
	return false
}
