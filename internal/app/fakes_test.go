package app

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"docchat/internal/ai"
	"docchat/internal/model"
	"docchat/internal/session"
)

type replyModel struct {
	reply string
}

func (m *replyModel) Invoke(context.Context, []ai.ChatMessage) (string, error) {
	return m.reply, nil
}

func (m *replyModel) Stream(context.Context, []ai.ChatMessage) (ai.ChatStream, error) {
	return &wordStream{words: strings.SplitAfter(m.reply, " ")}, nil
}

func (m *replyModel) CountTokens(msg ai.ChatMessage) int {
	return ai.ApproxCounter{}.CountTokens(msg)
}

type wordStream struct {
	words []string
	pos   int
}

func (s *wordStream) Recv() (string, error) {
	if s.pos >= len(s.words) {
		return "", io.EOF
	}
	s.pos++
	return s.words[s.pos-1], nil
}

func (s *wordStream) Close() error { return nil }

// gatedModel streams one word after gate is closed and signals started
// when the stream opens.
type gatedModel struct {
	replyModel
	started chan struct{}
	gate    chan struct{}
}

func (m *gatedModel) Stream(ctx context.Context, msgs []ai.ChatMessage) (ai.ChatStream, error) {
	close(m.started)
	<-m.gate
	return m.replyModel.Stream(ctx, msgs)
}

// hashEmbedder embeds text as a bag of hashed words.
type hashEmbedder struct {
	calls atomic.Int32
}

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 256)
		for _, w := range strings.FieldsFunc(strings.ToLower(t), func(r rune) bool { return !unicode.IsLetter(r) }) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			v[h.Sum32()%256]++
		}
		v[0] += 0.01
		out[i] = v
	}
	return out, nil
}

// memStore is an in-memory stand-in for the MySQL repositories.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	messages []model.Message
	docs     map[string]model.RAGDocument
	chunks   map[uint][]model.RAGChunk
	nextID   uint
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]model.Session{},
		docs:     map[string]model.RAGDocument{},
		chunks:   map[uint][]model.RAGChunk{},
	}
}

func (m *memStore) persistence() Persistence {
	return Persistence{Sessions: m, Messages: memMessages{m}, Documents: memDocuments{m}, Chunks: m}
}

func (m *memStore) Save(s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) Touch(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.UpdatedAt = at
		m.sessions[id] = s
	}
	return nil
}

func (m *memStore) ListByUserID(userID uint) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) GetByIDAndUserID(id string, userID uint) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.UserID != userID {
		return nil, nil
	}
	return &s, nil
}

func (m *memStore) DeleteByIDAndUserID(id string, userID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.UserID == userID {
		delete(m.sessions, id)
	}
	return nil
}

func (m *memStore) CreateBatch(msgs []model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.nextID++
		msg.ID = m.nextID
		m.messages = append(m.messages, msg)
	}
	return nil
}

func (m *memStore) ListBySessionID(id string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.messages {
		if msg.SessionID == id {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type memMessages struct{ *memStore }

func (m memMessages) DeleteBySessionID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = slices.DeleteFunc(m.messages, func(msg model.Message) bool { return msg.SessionID == id })
	return nil
}

type memDocuments struct{ *memStore }

func (m memDocuments) DeleteBySessionID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[id]; ok {
		delete(m.chunks, doc.ID)
		delete(m.docs, id)
	}
	return nil
}

func (m *memStore) GetBySessionID(id string) (*model.RAGDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (m *memStore) ReplaceForSession(doc *model.RAGDocument, chunks []model.RAGChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.docs[doc.SessionID]; ok {
		delete(m.chunks, old.ID)
	}
	m.nextID++
	doc.ID = m.nextID
	m.docs[doc.SessionID] = *doc
	for i := range chunks {
		chunks[i].DocumentID = doc.ID
	}
	m.chunks[doc.ID] = slices.Clone(chunks)
	return nil
}

func (m *memStore) ListByDocumentID(id uint) ([]model.RAGChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.chunks[id]), nil
}

func (m *memStore) messageCount(sessionID string) int {
	msgs, _ := m.ListBySessionID(sessionID, 0)
	return len(msgs)
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	sent []model.Message
}

func (p *fakePublisher) Publish(_ context.Context, msgs ...model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, msgs...)
	return nil
}

type fakeUsers struct {
	mu    sync.Mutex
	users []*model.User
}

func (f *fakeUsers) Create(u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.ID = uint(len(f.users) + 1)
	f.users = append(f.users, u)
	return nil
}

func (f *fakeUsers) find(match func(*model.User) bool) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			return u, nil
		}
	}
	return nil, nil
}

func (f *fakeUsers) GetByID(id uint) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.ID == id })
}

func (f *fakeUsers) GetByUsername(name string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Username == name })
}

func (f *fakeUsers) GetByEmail(email string) (*model.User, error) {
	return f.find(func(u *model.User) bool { return u.Email == email })
}

var errBroker = errors.New("broker down")

func newStore() *session.Store {
	return session.NewStore(0, session.Settings{
		Title:    DefaultTitle,
		Persona:  "Friendly Assistant",
		Language: "English",
	})
}
