package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"docchat/internal/ai"
	"docchat/internal/metrics"
	"docchat/internal/model"
	"docchat/internal/rag"
	"docchat/internal/session"
)

const (
	QuotaMessage         = "⚠️ API quota exceeded. Please wait a bit and try again."
	EmptyResponseMessage = "The model returned an empty response."
)

var (
	ErrEmptyQuery     = errors.New("query is empty")
	ErrTurnAbandoned  = errors.New("turn abandoned by consumer")
	ErrStreamConsumed = errors.New("turn stream already consumed")
)

// Model is the chat capability the engine needs from a provider.
type Model interface {
	Invoke(ctx context.Context, messages []ai.ChatMessage) (string, error)
	Stream(ctx context.Context, messages []ai.ChatMessage) (ai.ChatStream, error)
	CountTokens(msg ai.ChatMessage) int
}

// TurnRecorder is told about every committed turn. It owns its own error
// handling; a failure there never undoes the turn.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, sess *session.Session, messages []model.Message)
}

type TurnInput struct {
	SessionID string
	UserID    uint
	// Session, when set, is used instead of looking SessionID up in the store.
	Session *session.Session
	Query     string
	// Persona and Language replace the session's settings when non-empty.
	Persona  string
	Language string
	UseRAG   bool
	// Index overrides the session's attached document for this turn.
	Index *rag.Index
}

type FragmentMeta struct {
	SessionID string `json:"session_id"`
	Seq       int    `json:"seq"`
	Synthetic bool   `json:"synthetic,omitempty"`
}

type Fragment struct {
	Content string       `json:"content"`
	Meta    FragmentMeta `json:"meta"`
}

type TurnResult struct {
	SessionID   string `json:"session_id"`
	Reply       string `json:"reply"`
	Fragments   int    `json:"fragments"`
	QuotaHit    bool   `json:"quota_hit"`
	UsedContext bool   `json:"used_context"`
}

type Options struct {
	MaxTokens int
	TopK      int
	Prompts   *PromptBuilder
	Recorder  TurnRecorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Engine struct {
	store     *session.Store
	model     Model
	trimmer   *Trimmer
	prompts   *PromptBuilder
	retriever *rag.Retriever
	recorder  TurnRecorder
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(store *session.Store, m Model, opts Options) (*Engine, error) {
	prompts := opts.Prompts
	if prompts == nil {
		var err error
		if prompts, err = NewPromptBuilder(DefaultSystemTemplate); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		model:     m,
		trimmer:   NewTrimmer(m, opts.MaxTokens),
		prompts:   prompts,
		retriever: rag.NewRetriever(opts.TopK),
		recorder:  opts.Recorder,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Stream runs one turn lazily. Each fragment is handed over before the next
// one is read from the model. Breaking out of the loop abandons the turn and
// leaves the session history as it was. The sequence can be ranged once.
func (e *Engine) Stream(ctx context.Context, in TurnInput) iter.Seq2[Fragment, error] {
	var used atomic.Bool
	return func(yield func(Fragment, error) bool) {
		if used.Swap(true) {
			yield(Fragment{}, ErrStreamConsumed)
			return
		}
		_, err := e.RunTurn(ctx, in, func(f Fragment) error {
			if !yield(f, nil) {
				return ErrTurnAbandoned
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrTurnAbandoned) {
			yield(Fragment{}, err)
		}
	}
}

// RunTurn streams one turn into onFragment. An error returned by onFragment
// abandons the turn.
func (e *Engine) RunTurn(ctx context.Context, in TurnInput, onFragment func(Fragment) error) (*TurnResult, error) {
	if onFragment == nil {
		onFragment = func(Fragment) error { return nil }
	}
	return e.run(ctx, in, onFragment)
}

// Complete runs one turn without streaming.
func (e *Engine) Complete(ctx context.Context, in TurnInput) (*TurnResult, error) {
	return e.run(ctx, in, nil)
}

func (e *Engine) run(ctx context.Context, in TurnInput, onFragment func(Fragment) error) (*TurnResult, error) {
	var err error
	started := e.now()
	streaming := onFragment != nil
	outcome := metrics.OutcomeError
	defer func() {
		e.metrics.ObserveTurn(outcome, streaming, e.now().Sub(started))
	}()

	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	sess := in.Session
	if sess == nil {
		sess = e.store.GetOrCreate(in.SessionID, in.UserID)
	}
	// Overrides shape this turn's prompt and are saved only when it commits.
	settings := sess.Settings()
	if in.Persona != "" {
		settings.Persona = in.Persona
	}
	if in.Language != "" {
		settings.Language = in.Language
	}

	ix := in.Index
	if ix == nil {
		if doc := sess.Document(); doc != nil {
			ix = doc.Index
		}
	}
	var retrieved string
	if in.UseRAG && ix != nil {
		retrieved, err = e.retriever.Retrieve(ctx, query, ix)
		e.metrics.ObserveRetrieval(err)
		if err != nil {
			return nil, err
		}
	}

	turn, err := sess.BeginTurn(ctx)
	if err != nil {
		outcome = metrics.OutcomeAbandoned
		return nil, fmt.Errorf("wait for session turn failed: %w", err)
	}
	defer turn.End(false)

	turn.Append(model.RoleUser, query)
	system := e.prompts.System(PromptVars{
		Persona:  settings.Persona,
		Language: settings.Language,
		Context:  retrieved,
		Today:    e.now(),
	})
	prompt := e.trimmer.Trim(e.prompts.Assemble(system, toChatMessages(turn.History())))

	res := &TurnResult{SessionID: sess.ID(), UsedContext: retrieved != ""}
	emit := func(text string, synthetic bool) error {
		res.Fragments++
		e.metrics.ObserveFragment()
		err := onFragment(Fragment{
			Content: text,
			Meta:    FragmentMeta{SessionID: sess.ID(), Seq: res.Fragments, Synthetic: synthetic},
		})
		if err != nil && !errors.Is(err, ErrTurnAbandoned) {
			err = fmt.Errorf("%w: %w", ErrTurnAbandoned, err)
		}
		return err
	}

	var reply string
	if streaming {
		reply, err = e.streamReply(ctx, prompt, emit)
	} else {
		reply, err = e.model.Invoke(ctx, prompt)
	}
	switch {
	case errors.Is(err, ai.ErrQuotaExceeded):
		e.logger.Warn("llm quota exceeded", zap.String("session_id", sess.ID()), zap.Error(err))
		res.QuotaHit = true
		reply = QuotaMessage
		if streaming {
			if err := emit(QuotaMessage, true); err != nil {
				outcome = metrics.OutcomeAbandoned
				return nil, err
			}
		}
	case err != nil:
		if errors.Is(err, ErrTurnAbandoned) || ctx.Err() != nil {
			outcome = metrics.OutcomeAbandoned
		}
		return nil, err
	case strings.TrimSpace(reply) == "":
		reply = EmptyResponseMessage
		if streaming {
			if err := emit(reply, true); err != nil {
				outcome = metrics.OutcomeAbandoned
				return nil, err
			}
		}
	}

	if in.Persona != "" || in.Language != "" {
		sess.UpdateSettings(func(s *session.Settings) {
			if in.Persona != "" {
				s.Persona = in.Persona
			}
			if in.Language != "" {
				s.Language = in.Language
			}
		})
	}
	turn.Append(model.RoleAssistant, reply)
	staged := turn.Commit()

	// The session stays held until the turn is recorded.
	if e.recorder != nil {
		e.recorder.RecordTurn(context.WithoutCancel(ctx), sess, staged)
	}
	turn.End(true)

	outcome = metrics.OutcomeOK
	if res.QuotaHit {
		outcome = metrics.OutcomeQuota
	}
	res.Reply = reply
	e.logger.Debug("chat turn committed",
		zap.String("session_id", sess.ID()),
		zap.Int("prompt_messages", len(prompt)),
		zap.Int("fragments", res.Fragments),
		zap.Bool("used_context", res.UsedContext),
	)
	return res, nil
}

// streamReply forwards fragments as they arrive and returns their
// concatenation. The model stream is closed on every path.
func (e *Engine) streamReply(ctx context.Context, prompt []ai.ChatMessage, emit func(string, bool) error) (string, error) {
	stream, err := e.model.Stream(ctx, prompt)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var full strings.Builder
	for {
		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return full.String(), err
		}
		full.WriteString(text)
		if err := emit(text, false); err != nil {
			return full.String(), err
		}
	}
}

func toChatMessages(msgs []model.Message) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
