package ai

import (
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the role and separator tokens chat formats add.
const perMessageOverhead = 4

type TokenCounter interface {
	CountTokens(msg ChatMessage) int
}

// NewTokenCounter returns a tiktoken counter when the encoding can be loaded,
// otherwise a rune-based approximation.
func NewTokenCounter(kind, model string) TokenCounter {
	if strings.EqualFold(kind, "approx") {
		return ApproxCounter{}
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	}
	if err != nil {
		return ApproxCounter{}
	}
	return &tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenCounter) CountTokens(msg ChatMessage) int {
	return len(t.enc.Encode(msg.Content, nil, nil)) + perMessageOverhead
}

// ApproxCounter assumes roughly four runes per token.
type ApproxCounter struct{}

func (ApproxCounter) CountTokens(msg ChatMessage) int {
	n := utf8.RuneCountInString(msg.Content)
	return (n+3)/4 + perMessageOverhead
}
