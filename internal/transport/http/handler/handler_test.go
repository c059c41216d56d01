package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docchat/internal/ai"
	"docchat/internal/app"
	"docchat/internal/session"
	"docchat/internal/transport/http/middleware"
	"docchat/internal/transport/http/response"
)

type scriptedModel struct {
	frags []string
}

func (m *scriptedModel) Invoke(context.Context, []ai.ChatMessage) (string, error) {
	return strings.Join(m.frags, ""), nil
}

func (m *scriptedModel) Stream(context.Context, []ai.ChatMessage) (ai.ChatStream, error) {
	return &sliceStream{frags: m.frags}, nil
}

func (m *scriptedModel) CountTokens(msg ai.ChatMessage) int {
	return ai.ApproxCounter{}.CountTokens(msg)
}

type sliceStream struct {
	frags []string
	pos   int
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos >= len(s.frags) {
		return "", io.EOF
	}
	s.pos++
	return s.frags[s.pos-1], nil
}

func (s *sliceStream) Close() error { return nil }

type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{1, float32(len(t))}
	}
	return out, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := session.NewStore(0, session.Settings{Title: app.DefaultTitle, Persona: "Friendly Assistant", Language: "English"})
	chat, err := app.NewChatService(store, &scriptedModel{frags: []string{"Hel", "lo", "!"}}, constEmbedder{}, app.ChatOptions{
		Personas:  []string{"Friendly Assistant"},
		Languages: []string{"English"},
		MaxTokens: 1000,
		TopK:      1,
	})
	require.NoError(t, err)
	docs := app.NewDocumentService(chat, constEmbedder{}, app.DocumentOptions{})

	chatHandler := NewChatHandler(chat)
	docHandler := NewDocumentHandler(docs, 1<<10)

	r := gin.New()
	g := r.Group("/chat", middleware.LocalUser())
	g.POST("/sessions", chatHandler.CreateSession)
	g.GET("/sessions/:id/export", chatHandler.Export)
	g.PATCH("/sessions/:id", chatHandler.UpdateSession)
	g.POST("/sessions/:id/messages", chatHandler.SendMessage)
	g.POST("/sessions/:id/messages/stream", chatHandler.StreamMessage)
	g.POST("/sessions/:id/document", docHandler.Upload)
	return r
}

func do(r http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, r http.Handler) string {
	t.Helper()
	w := do(r, http.MethodPost, "/chat/sessions", nil, "")
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Data app.SessionView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.ID)
	return resp.Data.ID
}

func TestStreamMessage_SSE(t *testing.T) {
	r := newTestRouter(t)
	id := createSession(t, r)

	w := do(r, http.MethodPost, "/chat/sessions/"+id+"/messages/stream", strings.NewReader(`{"content":"hi"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 3, strings.Count(body, "event:fragment"))
	assert.Less(t, strings.Index(body, `"content":"Hel"`), strings.Index(body, `"content":"lo"`))
	assert.Contains(t, body, "event:done")
	assert.Contains(t, body, `"reply":"Hello!"`)

	w = do(r, http.MethodGet, "/chat/sessions/"+id+"/export", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "You: hi\n\nAI: Hello!", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "New_chat.txt")
}

func TestStreamMessage_ErrorsBeforeStreamAreJSON(t *testing.T) {
	r := newTestRouter(t)

	w := do(r, http.MethodPost, "/chat/sessions/missing/messages/stream", strings.NewReader(`{"content":"hi"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp response.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, response.CodeSessionNotFound, resp.Code)

	id := createSession(t, r)
	w = do(r, http.MethodPost, "/chat/sessions/"+id+"/messages/stream", strings.NewReader(`{"content":"hi","persona":"Pirate"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessage_JSON(t *testing.T) {
	r := newTestRouter(t)
	id := createSession(t, r)

	w := do(r, http.MethodPost, "/chat/sessions/"+id+"/messages", strings.NewReader(`{"content":"hi"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"reply":"Hello!"`)

	w = do(r, http.MethodPost, "/chat/sessions/"+id+"/messages", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateSession_RejectsUnknownLanguage(t *testing.T) {
	r := newTestRouter(t)
	id := createSession(t, r)

	w := do(r, http.MethodPatch, "/chat/sessions/"+id, strings.NewReader(`{"language":"Klingon"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp response.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, response.CodeInvalidLanguage, resp.Code)
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	r := newTestRouter(t)
	id := createSession(t, r)

	body, ct := multipartBody(t, "notes.txt", []byte("Some short notes about bread."))
	w := do(r, http.MethodPost, "/chat/sessions/"+id+"/document", body, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"chunks":1`)

	body, ct = multipartBody(t, "photo.png", []byte("png"))
	w = do(r, http.MethodPost, "/chat/sessions/"+id+"/document", body, ct)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	body, ct = multipartBody(t, "big.txt", bytes.Repeat([]byte("x"), 4<<10))
	w = do(r, http.MethodPost, "/chat/sessions/"+id+"/document", body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
