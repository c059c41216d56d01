package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docchat/internal/ai"
	"docchat/internal/app"
	"docchat/internal/document"
	"docchat/internal/rag"
	"docchat/internal/transport/http/middleware"
	"docchat/internal/transport/http/response"
)

type errorMapping struct {
	target error
	status int
	code   int
}

var errorMappings = []errorMapping{
	{app.ErrInvalidInput, http.StatusBadRequest, response.CodeBadRequest},
	{app.ErrMessageEmpty, http.StatusBadRequest, response.CodeBadRequest},
	{app.ErrInvalidPersona, http.StatusBadRequest, response.CodeInvalidPersona},
	{app.ErrInvalidLanguage, http.StatusBadRequest, response.CodeInvalidLanguage},
	{app.ErrUsernameExists, http.StatusConflict, response.CodeUsernameExists},
	{app.ErrEmailExists, http.StatusConflict, response.CodeEmailExists},
	{app.ErrInvalidCredential, http.StatusUnauthorized, response.CodeInvalidCredentials},
	{app.ErrSessionNotFound, http.StatusNotFound, response.CodeSessionNotFound},
	{app.ErrNothingToExport, http.StatusNotFound, response.CodeNothingToExport},
	{app.ErrNoDocument, http.StatusNotFound, response.CodeDocumentNotFound},
	{document.ErrUnsupportedType, http.StatusUnsupportedMediaType, response.CodeUnsupportedType},
	{document.ErrExtract, http.StatusUnprocessableEntity, response.CodeExtractFailed},
	{rag.ErrEmptyDocument, http.StatusBadRequest, response.CodeEmptyDocument},
	{rag.ErrRetrieval, http.StatusBadGateway, response.CodeUpstream},
	{ai.ErrQuotaExceeded, http.StatusTooManyRequests, response.CodeUpstream},
}

// writeError maps service errors to a status and a short message.
// Unknown errors are reported as fallback without their details.
func writeError(c *gin.Context, err error, fallback string) {
	_ = c.Error(err)
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			response.Error(c, m.status, m.code, errorMessage(err, m.target))
			return
		}
	}
	response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
}

// errorMessage keeps upstream details out of client responses.
func errorMessage(err, target error) string {
	switch target {
	case rag.ErrRetrieval, ai.ErrQuotaExceeded:
		return target.Error()
	}
	return err.Error()
}

func currentUser(c *gin.Context) (uint, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
	}
	return userID, ok
}
