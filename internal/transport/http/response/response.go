package response

import "github.com/gin-gonic/gin"

const (
	CodeOK                 = 0
	CodeBadRequest         = 40000
	CodeUsernameExists     = 40001
	CodeEmailExists        = 40002
	CodeInvalidPersona     = 40003
	CodeInvalidLanguage    = 40004
	CodeEmptyDocument      = 40005
	CodeUnauthorized       = 40100
	CodeInvalidCredentials = 40101
	CodeSessionNotFound    = 40401
	CodeNothingToExport    = 40402
	CodeDocumentNotFound   = 40403
	CodeTooLarge           = 41300
	CodeUnsupportedType    = 41500
	CodeExtractFailed      = 42200
	CodeInternalServer     = 50000
	CodeUpstream           = 50200
	CodeUnavailable        = 50300
)

type APIResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func OK(c *gin.Context, data any) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
