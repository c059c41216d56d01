package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docchat/internal/bootstrap"
	"docchat/internal/transport/http/handler"
	"docchat/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(middleware.Logger(app.Logger.Named("http")), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{Registry: app.Registry})))

	v1 := router.Group("/api/v1")
	auth := middleware.LocalUser()
	if app.Auth != nil {
		auth = middleware.AuthJWT(app.Config.Auth.JWTSecret)
		authHandler := handler.NewAuthHandler(app.Auth)
		authGroup := v1.Group("/auth")
		authGroup.POST("/register", authHandler.Register)
		authGroup.POST("/login", authHandler.Login)
		authGroup.GET("/me", auth, authHandler.Me)
	}

	chatHandler := handler.NewChatHandler(app.Chat)
	documentHandler := handler.NewDocumentHandler(app.Documents, int64(app.Config.RAG.MaxUploadMB)<<20)

	chatGroup := v1.Group("/chat", auth)
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)

	sessionGroup := chatGroup.Group("/sessions/:id")
	sessionGroup.GET("", chatHandler.GetSession)
	sessionGroup.PATCH("", chatHandler.UpdateSession)
	sessionGroup.DELETE("", chatHandler.DeleteSession)
	sessionGroup.POST("/reset", chatHandler.ResetSession)
	sessionGroup.GET("/export", chatHandler.Export)
	sessionGroup.GET("/messages", chatHandler.GetHistory)
	sessionGroup.POST("/messages", chatHandler.SendMessage)
	sessionGroup.POST("/messages/stream", chatHandler.StreamMessage)
	sessionGroup.POST("/document", documentHandler.Upload)
	sessionGroup.DELETE("/document", documentHandler.Detach)

	return router
}
