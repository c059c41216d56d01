package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"docchat/internal/app"
	"docchat/internal/conversation"
	"docchat/internal/transport/http/response"
)

const defaultHistoryLimit = 100

type ChatHandler struct {
	chatService *app.ChatService
}

type CreateSessionRequest struct {
	Title    string `json:"title" binding:"max=128"`
	Persona  string `json:"persona"`
	Language string `json:"language"`
}

type UpdateSessionRequest struct {
	Title    *string `json:"title" binding:"omitempty,max=128"`
	Persona  *string `json:"persona"`
	Language *string `json:"language"`
	UseRAG   *bool   `json:"use_rag"`
}

type SendMessageRequest struct {
	Content  string `json:"content" binding:"required"`
	Persona  string `json:"persona"`
	Language string `json:"language"`
}

func NewChatHandler(chatService *app.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	view, err := h.chatService.CreateSession(app.CreateSessionInput{
		UserID:   userID,
		Title:    req.Title,
		Persona:  req.Persona,
		Language: req.Language,
	})
	if err != nil {
		writeError(c, err, "create session failed")
		return
	}
	c.JSON(http.StatusCreated, response.APIResponse{Code: response.CodeOK, Message: "ok", Data: view})
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	views, err := h.chatService.ListSessions(userID)
	if err != nil {
		writeError(c, err, "list sessions failed")
		return
	}
	response.OK(c, views)
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	view, err := h.chatService.GetSession(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err, "get session failed")
		return
	}
	response.OK(c, view)
}

func (h *ChatHandler) UpdateSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req UpdateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	view, err := h.chatService.UpdateSession(c.Request.Context(), app.UpdateSessionInput{
		UserID:    userID,
		SessionID: c.Param("id"),
		Title:     req.Title,
		Persona:   req.Persona,
		Language:  req.Language,
		UseRAG:    req.UseRAG,
	})
	if err != nil {
		writeError(c, err, "update session failed")
		return
	}
	response.OK(c, view)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.chatService.DeleteSession(c.Request.Context(), userID, c.Param("id")); err != nil {
		writeError(c, err, "delete session failed")
		return
	}
	response.OK(c, nil)
}

func (h *ChatHandler) ResetSession(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.chatService.ResetSession(c.Request.Context(), userID, c.Param("id")); err != nil {
		writeError(c, err, "reset session failed")
		return
	}
	response.OK(c, nil)
}

func (h *ChatHandler) Export(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	tr, err := h.chatService.Export(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err, "export session failed")
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(tr.Filename))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(tr.Content))
}

func (h *ChatHandler) GetHistory(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	history, err := h.chatService.GetHistory(c.Request.Context(), userID, c.Param("id"), limit)
	if err != nil {
		writeError(c, err, "get history failed")
		return
	}
	response.OK(c, history)
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
	in, ok := h.bindMessage(c)
	if !ok {
		return
	}
	result, err := h.chatService.SendMessage(c.Request.Context(), in)
	if err != nil {
		writeError(c, err, "send message failed")
		return
	}
	response.OK(c, result)
}

// StreamMessage answers with server-sent events: one "fragment" event per
// model fragment, then "done" with the turn summary or "error". Errors that
// happen before the first fragment get a regular JSON error response.
func (h *ChatHandler) StreamMessage(c *gin.Context) {
	in, ok := h.bindMessage(c)
	if !ok {
		return
	}

	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
	}

	result, err := h.chatService.StreamMessage(c.Request.Context(), in, func(f conversation.Fragment) error {
		if err := c.Request.Context().Err(); err != nil {
			return err
		}
		begin()
		c.SSEvent("fragment", f)
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		if !started {
			writeError(c, err, "stream message failed")
			return
		}
		_ = c.Error(err)
		c.SSEvent("error", gin.H{"message": "stream interrupted"})
		c.Writer.Flush()
		return
	}

	begin()
	c.SSEvent("done", result)
	c.Writer.Flush()
}

func (h *ChatHandler) bindMessage(c *gin.Context) (app.SendMessageInput, bool) {
	userID, ok := currentUser(c)
	if !ok {
		return app.SendMessageInput{}, false
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return app.SendMessageInput{}, false
	}
	return app.SendMessageInput{
		UserID:    userID,
		SessionID: c.Param("id"),
		Content:   req.Content,
		Persona:   req.Persona,
		Language:  req.Language,
	}, true
}
