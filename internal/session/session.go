package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"docchat/internal/model"
	"docchat/internal/rag"
)

// ErrRetired is returned for turns started on a deleted session.
var ErrRetired = errors.New("session deleted")

type Settings struct {
	Title    string `json:"title"`
	Persona  string `json:"persona"`
	Language string `json:"language"`
	UseRAG   bool   `json:"use_rag"`
}

// Document is the retrieval index attached to a session.
type Document struct {
	Index       *rag.Index
	Filename    string
	Fingerprint string
	Chunks      int
}

// Session holds one conversation. Settings and messages are guarded by mu;
// turns are serialized by a single-slot semaphore so that a turn's history
// snapshot and its commit cannot interleave with another turn.
type Session struct {
	id        string
	userID    uint
	createdAt time.Time

	mu        sync.RWMutex
	settings  Settings
	messages  []model.Message
	updatedAt time.Time

	doc     atomic.Pointer[Document]
	slot    chan struct{}
	retired atomic.Bool
	now     func() time.Time
}

func New(id string, userID uint, settings Settings) *Session {
	return newSession(id, userID, settings, time.Now)
}

func newSession(id string, userID uint, settings Settings, now func() time.Time) *Session {
	ts := now()
	return &Session{
		id:        id,
		userID:    userID,
		createdAt: ts,
		settings:  settings,
		updatedAt: ts,
		slot:      make(chan struct{}, 1),
		now:       now,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) UserID() uint         { return s.userID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings applies fn under the session lock. Concurrent updates are
// last writer wins.
func (s *Session) UpdateSettings(fn func(*Settings)) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	s.updatedAt = s.now()
	return s.settings
}

// Messages returns a copy of the committed history.
func (s *Session) Messages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// Restore replaces history and timestamps with persisted values.
func (s *Session) Restore(messages []model.Message, createdAt, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = slices.Clone(messages)
	if !createdAt.IsZero() {
		s.createdAt = createdAt
	}
	if !updatedAt.IsZero() {
		s.updatedAt = updatedAt
	}
}

// ResetMessages clears history once any running turn has finished.
func (s *Session) ResetMessages(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.updatedAt = s.now()
	return nil
}

// Retire waits for any running turn to finish, then runs fn while holding
// the turn slot. If fn succeeds the session accepts no further turns.
func (s *Session) Retire(ctx context.Context, fn func() error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if err := fn(); err != nil {
		return err
	}
	s.retired.Store(true)
	return nil
}

func (s *Session) Retired() bool {
	return s.retired.Load()
}

func (s *Session) Document() *Document {
	return s.doc.Load()
}

// SetDocument swaps the attached index. Turns already running keep the
// index they loaded.
func (s *Session) SetDocument(d *Document) {
	s.doc.Store(d)
	s.touch()
}

func (s *Session) ClearDocument() {
	s.doc.Store(nil)
	s.touch()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.updatedAt = s.now()
	s.mu.Unlock()
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	<-s.slot
}

// BeginTurn waits for exclusive use of the session. The returned Turn must
// be ended.
func (s *Session) BeginTurn(ctx context.Context) (*Turn, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	if s.retired.Load() {
		s.release()
		return nil, ErrRetired
	}
	return &Turn{s: s}, nil
}

// Turn stages messages that become part of the history only on commit.
type Turn struct {
	s       *Session
	pending []model.Message
	ended   bool
}

// Append stages a message. Timestamps strictly increase within a turn.
func (t *Turn) Append(role, content string) model.Message {
	ts := t.s.now()
	if n := len(t.pending); n > 0 && !ts.After(t.pending[n-1].CreatedAt) {
		ts = t.pending[n-1].CreatedAt.Add(time.Microsecond)
	}
	msg := model.Message{
		SessionID: t.s.id,
		Role:      role,
		Content:   content,
		CreatedAt: ts,
	}
	t.pending = append(t.pending, msg)
	return msg
}

// History is the committed history followed by this turn's staged messages.
func (t *Turn) History() []model.Message {
	return append(t.s.Messages(), t.pending...)
}

// Commit moves the staged messages into the history and returns them. The
// session stays held until End.
func (t *Turn) Commit() []model.Message {
	if t.ended || len(t.pending) == 0 {
		return nil
	}
	staged := t.pending
	t.pending = nil
	t.s.mu.Lock()
	t.s.messages = append(t.s.messages, staged...)
	t.s.updatedAt = t.s.now()
	t.s.mu.Unlock()
	return staged
}

// End commits or discards whatever is still staged and releases the
// session. Calls after the first are no-ops.
func (t *Turn) End(commit bool) {
	if t.ended {
		return
	}
	if commit {
		t.Commit()
	}
	t.ended = true
	t.pending = nil
	t.s.release()
}
