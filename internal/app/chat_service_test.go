package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/conversation"
	"docchat/internal/document"
	"docchat/internal/model"
)

const user = uint(7)

func newChat(t *testing.T, reply string, persist Persistence) *ChatService {
	t.Helper()
	svc, err := NewChatService(newStore(), &replyModel{reply: reply}, &hashEmbedder{}, ChatOptions{
		Personas:    []string{"Friendly Assistant", "Formal Expert", "Tech Support"},
		Languages:   []string{"English", "Urdu", "Arabic"},
		MaxTokens:   100000,
		TopK:        2,
		Persistence: persist,
	})
	require.NoError(t, err)
	return svc
}

func TestChatService_CreateDefaultsAndValidation(t *testing.T) {
	svc := newChat(t, "hi", Persistence{})

	view, err := svc.CreateSession(CreateSessionInput{UserID: user})
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, view.Title)
	assert.Equal(t, "Friendly Assistant", view.Persona)
	assert.Equal(t, "English", view.Language)
	assert.False(t, view.UseRAG)

	_, err = svc.CreateSession(CreateSessionInput{UserID: user, Persona: "Pirate"})
	assert.ErrorIs(t, err, ErrInvalidPersona)
	_, err = svc.CreateSession(CreateSessionInput{UserID: user, Language: "Klingon"})
	assert.ErrorIs(t, err, ErrInvalidLanguage)
	_, err = svc.CreateSession(CreateSessionInput{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestChatService_UpdateSession(t *testing.T) {
	svc := newChat(t, "hi", Persistence{})
	ctx := context.Background()
	view, err := svc.CreateSession(CreateSessionInput{UserID: user, Title: "Taxes"})
	require.NoError(t, err)

	blank, persona, rag := "   ", "Tech Support", true
	updated, err := svc.UpdateSession(ctx, UpdateSessionInput{
		UserID: user, SessionID: view.ID, Title: &blank, Persona: &persona, UseRAG: &rag,
	})
	require.NoError(t, err)
	assert.Equal(t, "Taxes", updated.Title, "blank title ignored")
	assert.Equal(t, "Tech Support", updated.Persona)
	assert.True(t, updated.UseRAG)

	bad := "Pirate"
	_, err = svc.UpdateSession(ctx, UpdateSessionInput{UserID: user, SessionID: view.ID, Persona: &bad})
	assert.ErrorIs(t, err, ErrInvalidPersona)
}

func TestChatService_OtherUserCannotSeeSession(t *testing.T) {
	svc := newChat(t, "hi", Persistence{})
	view, err := svc.CreateSession(CreateSessionInput{UserID: user})
	require.NoError(t, err)

	_, err = svc.GetSession(context.Background(), user+1, view.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = svc.GetSession(context.Background(), user, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestChatService_SendAndExport(t *testing.T) {
	svc := newChat(t, "Hello there", Persistence{})
	ctx := context.Background()
	view, err := svc.CreateSession(CreateSessionInput{UserID: user, Title: "My first chat"})
	require.NoError(t, err)

	_, err = svc.Export(ctx, user, view.ID)
	assert.ErrorIs(t, err, ErrNothingToExport)

	res, err := svc.SendMessage(ctx, SendMessageInput{UserID: user, SessionID: view.ID, Content: "  hi  "})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", res.Reply)

	_, err = svc.SendMessage(ctx, SendMessageInput{UserID: user, SessionID: view.ID, Content: " "})
	assert.ErrorIs(t, err, ErrMessageEmpty)

	tr, err := svc.Export(ctx, user, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "My_first_chat.txt", tr.Filename)
	assert.Equal(t, "You: hi\n\nAI: Hello there", tr.Content)
}

func TestChatService_StreamMessage(t *testing.T) {
	svc := newChat(t, "one two three", Persistence{})
	ctx := context.Background()
	view, err := svc.CreateSession(CreateSessionInput{UserID: user})
	require.NoError(t, err)

	var got []string
	res, err := svc.StreamMessage(ctx, SendMessageInput{UserID: user, SessionID: view.ID, Content: "count"},
		func(f conversation.Fragment) error {
			got = append(got, f.Content)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two ", "three"}, got)
	assert.Equal(t, "one two three", res.Reply)

	history, err := svc.GetHistory(ctx, user, view.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.RoleAssistant, history[0].Role)
}

func TestChatService_RecordTurnRouting(t *testing.T) {
	tests := []struct {
		name      string
		publisher *fakePublisher
		wantQueue int
		wantDB    int
	}{
		{name: "direct write without broker", wantDB: 2},
		{name: "queued", publisher: &fakePublisher{}, wantQueue: 2},
		{name: "fallback when broker fails", publisher: &fakePublisher{err: errBroker}, wantDB: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemStore()
			persist := mem.persistence()
			if tt.publisher != nil {
				persist.Publisher = tt.publisher
			}
			svc := newChat(t, "ok", persist)
			ctx := context.Background()
			view, err := svc.CreateSession(CreateSessionInput{UserID: user})
			require.NoError(t, err)

			_, err = svc.SendMessage(ctx, SendMessageInput{UserID: user, SessionID: view.ID, Content: "hi"})
			require.NoError(t, err)

			assert.Equal(t, tt.wantDB, mem.messageCount(view.ID))
			if tt.publisher != nil {
				assert.Len(t, tt.publisher.sent, tt.wantQueue)
			}
		})
	}
}

func TestChatService_ResetAndDelete(t *testing.T) {
	mem := newMemStore()
	svc := newChat(t, "ok", mem.persistence())
	ctx := context.Background()
	view, err := svc.CreateSession(CreateSessionInput{UserID: user})
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, SendMessageInput{UserID: user, SessionID: view.ID, Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, svc.ResetSession(ctx, user, view.ID))
	history, err := svc.GetHistory(ctx, user, view.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Zero(t, mem.messageCount(view.ID))

	require.NoError(t, svc.DeleteSession(ctx, user, view.ID))
	_, err = svc.GetSession(ctx, user, view.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	rec, err := mem.GetByIDAndUserID(view.ID, user)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestChatService_DeleteWaitsForRunningTurn(t *testing.T) {
	mem := newMemStore()
	m := &gatedModel{replyModel: replyModel{reply: "late reply"}, started: make(chan struct{}), gate: make(chan struct{})}
	svc, err := NewChatService(newStore(), m, &hashEmbedder{}, ChatOptions{Persistence: mem.persistence()})
	require.NoError(t, err)
	ctx := context.Background()
	view, err := svc.CreateSession(CreateSessionInput{UserID: user})
	require.NoError(t, err)

	turnDone := make(chan error, 1)
	go func() {
		_, err := svc.StreamMessage(ctx, SendMessageInput{UserID: user, SessionID: view.ID, Content: "hi"}, nil)
		turnDone <- err
	}()
	<-m.started

	deleted := make(chan error, 1)
	go func() { deleted <- svc.DeleteSession(ctx, user, view.ID) }()
	select {
	case <-deleted:
		t.Fatal("delete finished while a turn was streaming")
	case <-time.After(30 * time.Millisecond):
	}

	close(m.gate)
	require.NoError(t, <-turnDone)
	require.NoError(t, <-deleted)

	rec, err := mem.GetByIDAndUserID(view.ID, user)
	require.NoError(t, err)
	assert.Nil(t, rec, "deleted session stays deleted")
	assert.Zero(t, mem.messageCount(view.ID))

	_, err = svc.SendMessage(ctx, SendMessageInput{UserID: user, SessionID: view.ID, Content: "again"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestChatService_RestoreOrdersByCreationTime(t *testing.T) {
	mem := newMemStore()
	svc := newChat(t, "ok", mem.persistence())
	view, err := svc.CreateSession(CreateSessionInput{UserID: user})
	require.NoError(t, err)

	// the user message was retried through the queue and stored last
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, mem.CreateBatch([]model.Message{
		{SessionID: view.ID, Role: model.RoleAssistant, Content: "answer", CreatedAt: t0.Add(time.Second)},
		{SessionID: view.ID, Role: model.RoleUser, Content: "question", CreatedAt: t0},
	}))

	fresh := newChat(t, "ok", mem.persistence())
	history, err := fresh.GetHistory(context.Background(), user, view.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "question", history[0].Content)
	assert.Equal(t, "answer", history[1].Content)
}

func TestChatService_RestoresFromStorage(t *testing.T) {
	mem := newMemStore()
	embedder := &hashEmbedder{}
	ctx := context.Background()

	first, err := NewChatService(newStore(), &replyModel{reply: "noted"}, embedder, ChatOptions{Persistence: mem.persistence()})
	require.NoError(t, err)
	docs := NewDocumentService(first, embedder, DocumentOptions{ChunkSize: 60, ChunkOverlap: 10})

	view, err := first.CreateSession(CreateSessionInput{UserID: user, Title: "Baking"})
	require.NoError(t, err)
	_, err = docs.Attach(ctx, AttachInput{
		UserID:    user,
		SessionID: view.ID,
		Filename:  "notes.txt",
		Data:      []byte("Sourdough bread needs a starter.\n\nGlaciers move slowly across valleys."),
	})
	require.NoError(t, err)
	_, err = first.SendMessage(ctx, SendMessageInput{UserID: user, SessionID: view.ID, Content: "remember this"})
	require.NoError(t, err)
	callsBefore := embedder.calls.Load()

	// a fresh process sharing the same database
	second, err := NewChatService(newStore(), &replyModel{reply: "noted"}, embedder, ChatOptions{Persistence: mem.persistence()})
	require.NoError(t, err)

	restored, err := second.GetSession(ctx, user, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "Baking", restored.Title)
	assert.Equal(t, "notes.txt", restored.Document)
	assert.True(t, restored.UseRAG)
	assert.Equal(t, 2, restored.MessageCount)
	assert.Equal(t, callsBefore, embedder.calls.Load(), "index rebuilt without embedding chunks")

	list, err := second.ListSessions(user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, view.ID, list[0].ID)
}

func TestDocumentService_AttachDedupAndDetach(t *testing.T) {
	embedder := &hashEmbedder{}
	svc, err := NewChatService(newStore(), &replyModel{reply: "ok"}, embedder, ChatOptions{TopK: 1})
	require.NoError(t, err)
	docs := NewDocumentService(svc, embedder, DocumentOptions{ChunkSize: 80, ChunkOverlap: 10})
	ctx := context.Background()
	view, err := svc.CreateSession(CreateSessionInput{UserID: user})
	require.NoError(t, err)

	data := []byte(strings.Repeat("Refunds are accepted within thirty days. ", 6))
	in := AttachInput{UserID: user, SessionID: view.ID, Filename: "policy.txt", Data: data}

	res, err := docs.Attach(ctx, in)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Positive(t, res.Chunks)
	calls := embedder.calls.Load()

	again, err := docs.Attach(ctx, in)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, res.Chunks, again.Chunks)
	assert.Equal(t, calls, embedder.calls.Load(), "duplicate upload is not re-embedded")

	got, err := svc.GetSession(ctx, user, view.ID)
	require.NoError(t, err)
	assert.True(t, got.UseRAG)

	require.NoError(t, docs.Detach(ctx, user, view.ID))
	got, err = svc.GetSession(ctx, user, view.ID)
	require.NoError(t, err)
	assert.False(t, got.UseRAG)
	assert.Empty(t, got.Document)
	assert.ErrorIs(t, docs.Detach(ctx, user, view.ID), ErrNoDocument)
}

func TestDocumentService_AttachFailuresKeepPrevious(t *testing.T) {
	embedder := &hashEmbedder{}
	svc, err := NewChatService(newStore(), &replyModel{reply: "ok"}, embedder, ChatOptions{})
	require.NoError(t, err)
	docs := NewDocumentService(svc, embedder, DocumentOptions{})
	ctx := context.Background()
	view, err := svc.CreateSession(CreateSessionInput{UserID: user})
	require.NoError(t, err)

	_, err = docs.Attach(ctx, AttachInput{UserID: user, SessionID: view.ID, Filename: "a.txt", Data: []byte("first document")})
	require.NoError(t, err)

	_, err = docs.Attach(ctx, AttachInput{UserID: user, SessionID: view.ID, Filename: "image.png", Data: []byte{1, 2}})
	assert.ErrorIs(t, err, document.ErrUnsupportedType)
	_, err = docs.Attach(ctx, AttachInput{UserID: user, SessionID: view.ID, Filename: "blank.txt", Data: []byte("   \n ")})
	assert.Error(t, err)
	_, err = docs.Attach(ctx, AttachInput{UserID: user, SessionID: view.ID, Filename: "broken.pdf", Data: []byte("%PDF-nope")})
	assert.ErrorIs(t, err, document.ErrExtract)

	got, err := svc.GetSession(ctx, user, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.Document)
}
