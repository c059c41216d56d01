package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"docchat/internal/conversation"
	"docchat/internal/metrics"
	"docchat/internal/model"
	"docchat/internal/rag"
	"docchat/internal/session"
)

const DefaultTitle = "New chat"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageEmpty    = errors.New("message content is empty")
	ErrInvalidPersona  = errors.New("unsupported persona")
	ErrInvalidLanguage = errors.New("unsupported language")
	ErrNothingToExport = errors.New("no messages to export")
)

type ChatOptions struct {
	Personas    []string
	Languages   []string
	MaxTokens   int
	TopK        int
	Prompts     *conversation.PromptBuilder
	Persistence Persistence
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// ChatService owns session lifecycle and runs turns through the
// conversation engine. Live sessions are held by the store; when
// persistence is configured a session missing from memory is restored.
type ChatService struct {
	store     *session.Store
	engine    *conversation.Engine
	embedder  rag.Embedder
	personas  []string
	languages []string
	persist   Persistence
	logger    *zap.Logger
}

type SessionView struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Persona      string    `json:"persona"`
	Language     string    `json:"language"`
	UseRAG       bool      `json:"use_rag"`
	Document     string    `json:"document,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CreateSessionInput struct {
	UserID   uint
	Title    string
	Persona  string
	Language string
}

// UpdateSessionInput changes only the fields that are set.
type UpdateSessionInput struct {
	UserID    uint
	SessionID string
	Title     *string
	Persona   *string
	Language  *string
	UseRAG    *bool
}

type SendMessageInput struct {
	UserID    uint
	SessionID string
	Content   string
	Persona   string
	Language  string
}

type Transcript struct {
	Filename string
	Content  string
}

func NewChatService(store *session.Store, m conversation.Model, embedder rag.Embedder, opts ChatOptions) (*ChatService, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ChatService{
		store:     store,
		embedder:  embedder,
		personas:  opts.Personas,
		languages: opts.Languages,
		persist:   opts.Persistence,
		logger:    logger.Named("chat"),
	}
	engine, err := conversation.NewEngine(store, m, conversation.Options{
		MaxTokens: opts.MaxTokens,
		TopK:      opts.TopK,
		Prompts:   opts.Prompts,
		Recorder:  s,
		Metrics:   opts.Metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

func (s *ChatService) CreateSession(in CreateSessionInput) (*SessionView, error) {
	if in.UserID == 0 {
		return nil, ErrInvalidInput
	}
	persona := strings.TrimSpace(in.Persona)
	language := strings.TrimSpace(in.Language)
	if err := s.validate(persona, language); err != nil {
		return nil, err
	}

	sess := s.store.Create(in.UserID, session.Settings{
		Title:    strings.TrimSpace(in.Title),
		Persona:  persona,
		Language: language,
	})
	if err := s.save(sess); err != nil {
		s.store.Delete(sess.ID())
		return nil, err
	}
	view := viewOf(sess)
	return &view, nil
}

// ListSessions returns the user's sessions, most recently updated first.
func (s *ChatService) ListSessions(userID uint) ([]SessionView, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	live := s.store.List(userID)
	views := make([]SessionView, 0, len(live))
	seen := make(map[string]struct{}, len(live))
	for _, sess := range live {
		views = append(views, viewOf(sess))
		seen[sess.ID()] = struct{}{}
	}
	if !s.persist.enabled() {
		return views, nil
	}

	records, err := s.persist.Sessions.ListByUserID(userID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if _, ok := seen[rec.ID]; !ok {
			views = append(views, viewOfRecord(rec))
		}
	}
	slices.SortStableFunc(views, func(a, b SessionView) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return views, nil
}

func (s *ChatService) GetSession(ctx context.Context, userID uint, sessionID string) (*SessionView, error) {
	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	view := viewOf(sess)
	return &view, nil
}

func (s *ChatService) UpdateSession(ctx context.Context, in UpdateSessionInput) (*SessionView, error) {
	var persona, language string
	if in.Persona != nil {
		persona = strings.TrimSpace(*in.Persona)
		if persona == "" {
			return nil, ErrInvalidPersona
		}
	}
	if in.Language != nil {
		language = strings.TrimSpace(*in.Language)
		if language == "" {
			return nil, ErrInvalidLanguage
		}
	}
	if err := s.validate(persona, language); err != nil {
		return nil, err
	}

	sess, err := s.load(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	sess.UpdateSettings(func(st *session.Settings) {
		if in.Title != nil {
			if title := strings.TrimSpace(*in.Title); title != "" {
				st.Title = title
			}
		}
		if persona != "" {
			st.Persona = persona
		}
		if language != "" {
			st.Language = language
		}
		if in.UseRAG != nil {
			st.UseRAG = *in.UseRAG
		}
	})
	if err := s.save(sess); err != nil {
		return nil, err
	}
	view := viewOf(sess)
	return &view, nil
}

func (s *ChatService) DeleteSession(ctx context.Context, userID uint, sessionID string) error {
	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	// A running turn finishes and records before the rows go away.
	return sess.Retire(ctx, func() error {
		s.store.Delete(sess.ID())
		if !s.persist.enabled() {
			return nil
		}
		if err := s.persist.Messages.DeleteBySessionID(sess.ID()); err != nil {
			return err
		}
		if err := s.persist.Documents.DeleteBySessionID(sess.ID()); err != nil {
			return err
		}
		if err := s.persist.Sessions.DeleteByIDAndUserID(sess.ID(), userID); err != nil {
			return err
		}
		s.dropCachedHistory(ctx, sess.ID())
		return nil
	})
}

// ResetSession clears the conversation but keeps settings and document.
func (s *ChatService) ResetSession(ctx context.Context, userID uint, sessionID string) error {
	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if err := sess.ResetMessages(ctx); err != nil {
		return fmt.Errorf("wait for session turn failed: %w", err)
	}
	if !s.persist.enabled() {
		return nil
	}

	if err := s.persist.Messages.DeleteBySessionID(sess.ID()); err != nil {
		return err
	}
	s.dropCachedHistory(ctx, sess.ID())
	return s.persist.Sessions.Touch(sess.ID(), sess.UpdatedAt())
}

// GetHistory returns committed messages oldest first; a positive limit
// keeps only the latest ones.
func (s *ChatService) GetHistory(ctx context.Context, userID uint, sessionID string, limit int) ([]model.Message, error) {
	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	msgs := sess.Messages()
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Export renders the conversation as plain text.
func (s *ChatService) Export(ctx context.Context, userID uint, sessionID string) (*Transcript, error) {
	sess, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	msgs := sess.Messages()
	if len(msgs) == 0 {
		return nil, ErrNothingToExport
	}

	blocks := make([]string, 0, len(msgs))
	for _, m := range msgs {
		speaker := "AI"
		if m.Role == model.RoleUser {
			speaker = "You"
		}
		blocks = append(blocks, speaker+": "+m.Content)
	}
	title := sess.Settings().Title
	if title == "" {
		title = "chat"
	}
	return &Transcript{
		Filename: strings.ReplaceAll(title, " ", "_") + ".txt",
		Content:  strings.Join(blocks, "\n\n"),
	}, nil
}

// SendMessage runs one turn without streaming.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*conversation.TurnResult, error) {
	turn, err := s.prepareTurn(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Complete(ctx, turn)
	return res, retiredAsNotFound(err)
}

// StreamMessage runs one turn, handing each fragment to onFragment as soon
// as it arrives. An error from onFragment abandons the turn.
func (s *ChatService) StreamMessage(ctx context.Context, in SendMessageInput, onFragment func(conversation.Fragment) error) (*conversation.TurnResult, error) {
	turn, err := s.prepareTurn(ctx, in)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.RunTurn(ctx, turn, onFragment)
	return res, retiredAsNotFound(err)
}

// retiredAsNotFound reports a turn that lost the race with a delete as a
// missing session.
func retiredAsNotFound(err error) error {
	if errors.Is(err, session.ErrRetired) {
		return fmt.Errorf("%w: %w", ErrSessionNotFound, err)
	}
	return err
}

func (s *ChatService) prepareTurn(ctx context.Context, in SendMessageInput) (conversation.TurnInput, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return conversation.TurnInput{}, ErrMessageEmpty
	}
	persona := strings.TrimSpace(in.Persona)
	language := strings.TrimSpace(in.Language)
	if err := s.validate(persona, language); err != nil {
		return conversation.TurnInput{}, err
	}
	sess, err := s.load(ctx, in.UserID, in.SessionID)
	if err != nil {
		return conversation.TurnInput{}, err
	}
	return conversation.TurnInput{
		SessionID: sess.ID(),
		UserID:    sess.UserID(),
		Session:   sess,
		Query:     content,
		Persona:   persona,
		Language:  language,
		UseRAG:    sess.Settings().UseRAG,
	}, nil
}

// RecordTurn persists a committed turn. Messages go through the queue when
// one is configured and straight to the database otherwise or when
// publishing fails. Failures are logged; the turn stays committed in memory.
func (s *ChatService) RecordTurn(ctx context.Context, sess *session.Session, msgs []model.Message) {
	if !s.persist.enabled() {
		return
	}
	log := s.logger.With(zap.String("session_id", sess.ID()))

	if h := s.persist.History; h != nil {
		if err := h.Invalidate(ctx, sess.ID()); err != nil {
			log.Warn("invalidate history cache failed", zap.Error(err))
		}
	}

	queued := false
	if p := s.persist.Publisher; p != nil {
		if err := p.Publish(ctx, msgs...); err != nil {
			log.Warn("publish messages failed, writing directly", zap.Error(err))
		} else {
			queued = true
		}
	}
	if !queued {
		if err := s.persist.Messages.CreateBatch(msgs); err != nil {
			log.Error("persist messages failed", zap.Error(err))
		}
	}

	if err := s.persist.Sessions.Save(toRecord(sess)); err != nil {
		log.Error("save session failed", zap.Error(err))
	}
}

// load returns the user's live session, restoring it from storage when it
// is not in memory.
func (s *ChatService) load(ctx context.Context, userID uint, sessionID string) (*session.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if userID == 0 || sessionID == "" {
		return nil, ErrInvalidInput
	}
	if sess, ok := s.store.Get(sessionID); ok {
		if sess.UserID() != userID {
			return nil, ErrSessionNotFound
		}
		return sess, nil
	}
	if !s.persist.enabled() {
		return nil, ErrSessionNotFound
	}

	rec, err := s.persist.Sessions.GetByIDAndUserID(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	sess, err := s.restore(ctx, rec)
	if err != nil {
		return nil, err
	}
	return s.store.Put(sess), nil
}

func (s *ChatService) restore(ctx context.Context, rec *model.Session) (*session.Session, error) {
	sess := session.New(rec.ID, rec.UserID, session.Settings{
		Title:    rec.Title,
		Persona:  rec.Persona,
		Language: rec.Language,
		UseRAG:   rec.UseRAG,
	})

	doc, err := s.loadDocument(rec.ID)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		sess.SetDocument(doc)
	}
	msgs, err := s.loadHistory(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	sess.Restore(msgs, rec.CreatedAt, rec.UpdatedAt)

	s.logger.Debug("session restored",
		zap.String("session_id", rec.ID),
		zap.Int("messages", len(msgs)),
		zap.Bool("document", doc != nil),
	)
	return sess, nil
}

func (s *ChatService) loadHistory(ctx context.Context, sessionID string) ([]model.Message, error) {
	h := s.persist.History
	if h != nil {
		msgs, hit, err := h.GetHistory(ctx, sessionID)
		if err != nil {
			s.logger.Warn("read history cache failed", zap.String("session_id", sessionID), zap.Error(err))
		} else if hit {
			return msgs, nil
		}
	}

	msgs, err := s.persist.Messages.ListBySessionID(sessionID, 0)
	if err != nil {
		return nil, err
	}
	model.SortMessages(msgs)
	if h != nil {
		if err := h.SetHistory(ctx, sessionID, msgs); err != nil {
			s.logger.Warn("write history cache failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return msgs, nil
}

// loadDocument rebuilds the session's index from stored vectors. Nothing is
// sent to the embedding provider.
func (s *ChatService) loadDocument(sessionID string) (*session.Document, error) {
	rec, err := s.persist.Documents.GetBySessionID(sessionID)
	if err != nil || rec == nil {
		return nil, err
	}
	rows, err := s.persist.Chunks.ListByDocumentID(rec.ID)
	if err != nil {
		return nil, err
	}

	chunks := make([]rag.Chunk, len(rows))
	vectors := make([][]float32, len(rows))
	for i := range rows {
		chunks[i] = rag.Chunk{Position: rows[i].Position, Text: rows[i].Content}
		vectors[i] = rows[i].EmbeddingVector()
	}
	ix, err := rag.NewIndex(s.embedder, chunks, vectors)
	if err != nil {
		return nil, fmt.Errorf("rebuild index for session %s failed: %w", sessionID, err)
	}
	return &session.Document{
		Index:       ix,
		Filename:    rec.Name,
		Fingerprint: rec.Fingerprint,
		Chunks:      ix.Len(),
	}, nil
}

func (s *ChatService) save(sess *session.Session) error {
	if !s.persist.enabled() {
		return nil
	}
	return s.persist.Sessions.Save(toRecord(sess))
}

func (s *ChatService) dropCachedHistory(ctx context.Context, sessionID string) {
	if s.persist.History == nil {
		return
	}
	if err := s.persist.History.DeleteHistory(ctx, sessionID); err != nil {
		s.logger.Warn("delete history cache failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *ChatService) validate(persona, language string) error {
	if persona != "" && len(s.personas) > 0 && !slices.Contains(s.personas, persona) {
		return fmt.Errorf("%w: %q", ErrInvalidPersona, persona)
	}
	if language != "" && len(s.languages) > 0 && !slices.Contains(s.languages, language) {
		return fmt.Errorf("%w: %q", ErrInvalidLanguage, language)
	}
	return nil
}

func viewOf(sess *session.Session) SessionView {
	st := sess.Settings()
	view := SessionView{
		ID:           sess.ID(),
		Title:        st.Title,
		Persona:      st.Persona,
		Language:     st.Language,
		UseRAG:       st.UseRAG,
		MessageCount: len(sess.Messages()),
		CreatedAt:    sess.CreatedAt(),
		UpdatedAt:    sess.UpdatedAt(),
	}
	if doc := sess.Document(); doc != nil {
		view.Document = doc.Filename
	}
	return view
}

func viewOfRecord(rec model.Session) SessionView {
	return SessionView{
		ID:        rec.ID,
		Title:     rec.Title,
		Persona:   rec.Persona,
		Language:  rec.Language,
		UseRAG:    rec.UseRAG,
		Document:  rec.DocumentName,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toRecord(sess *session.Session) *model.Session {
	st := sess.Settings()
	rec := &model.Session{
		ID:        sess.ID(),
		UserID:    sess.UserID(),
		Title:     st.Title,
		Persona:   st.Persona,
		Language:  st.Language,
		UseRAG:    st.UseRAG,
		CreatedAt: sess.CreatedAt(),
		UpdatedAt: sess.UpdatedAt(),
	}
	if doc := sess.Document(); doc != nil {
		rec.DocumentName = doc.Filename
		rec.DocumentHash = doc.Fingerprint
	}
	return rec
}
