package conversation

import (
	"docchat/internal/ai"
	"docchat/internal/model"
)

type TokenCounter interface {
	CountTokens(msg ai.ChatMessage) int
}

// Trimmer keeps the newest part of a conversation that fits a token budget.
type Trimmer struct {
	counter   TokenCounter
	maxTokens int
}

func NewTrimmer(counter TokenCounter, maxTokens int) *Trimmer {
	if counter == nil {
		counter = ai.ApproxCounter{}
	}
	return &Trimmer{counter: counter, maxTokens: maxTokens}
}

// Trim returns a contiguous suffix of msgs whose token total fits the budget.
// A leading system message is always kept and counted against the budget.
// The suffix is then advanced to its first user message so a turn is never
// split. Messages are never shortened; if nothing fits, only the system
// message (if any) is returned.
func (t *Trimmer) Trim(msgs []ai.ChatMessage) []ai.ChatMessage {
	var system []ai.ChatMessage
	rest := msgs
	budget := t.maxTokens
	if len(msgs) > 0 && msgs[0].Role == model.RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
		budget -= t.counter.CountTokens(msgs[0])
	}

	start := len(rest)
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := t.counter.CountTokens(rest[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	for start < len(rest) && rest[start].Role != model.RoleUser {
		start++
	}

	out := make([]ai.ChatMessage, 0, len(system)+len(rest)-start)
	out = append(out, system...)
	return append(out, rest[start:]...)
}
