package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pawkeeper-live/internal/auth"
	"pawkeeper-live/internal/chat"
	"pawkeeper-live/internal/handler"
	"pawkeeper-live/internal/logging"
	"pawkeeper-live/internal/middleware"
	"pawkeeper-live/internal/rooms"
	"pawkeeper-live/internal/sitters"
	"pawkeeper-live/internal/store"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Rooms       *rooms.Manager
	Chat        *chat.Pipeline
	Sitters     *sitters.Service
	Realtime    http.Handler
	Logger      zerolog.Logger
	// RequestLimiter throttles /v1 calls per user. The caller owns it and
	// stops it on shutdown.
	RequestLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware(deps.Logger))

	health := &handler.HealthHandler{Store: deps.Store}
	r.GET("/health", health.Health)

	if deps.Realtime != nil {
		r.GET("/socket.io/", gin.WrapH(deps.Realtime))
	}

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	if deps.RequestLimiter != nil {
		protected.Use(middleware.RateLimitMiddleware(deps.RequestLimiter))
	}

	roomHandler := &handler.RoomHandler{Rooms: deps.Rooms, Chat: deps.Chat, Users: deps.Store}
	protected.GET("/rooms", roomHandler.List)
	protected.POST("/rooms", roomHandler.Create)
	protected.GET("/rooms/:id", roomHandler.Get)
	protected.PATCH("/rooms/:id", roomHandler.Rename)
	protected.DELETE("/rooms/:id", roomHandler.Delete)
	protected.GET("/rooms/:id/messages", roomHandler.Messages)
	protected.POST("/rooms/:id/messages", roomHandler.Send)

	messageHandler := &handler.MessageHandler{Chat: deps.Chat, Users: deps.Store}
	protected.GET("/messages/history", messageHandler.History)
	protected.PATCH("/messages/:id", messageHandler.Edit)
	protected.DELETE("/messages/:id", messageHandler.Delete)

	pinHandler := &handler.PinHandler{Sitters: deps.Sitters, Users: deps.Store}
	protected.GET("/pins/search", pinHandler.Search)
	protected.GET("/pins/within", pinHandler.Within)
	protected.GET("/pins/user/:userId", pinHandler.ByUser)
	protected.GET("/pins/:id", pinHandler.Get)
	protected.PUT("/pins", pinHandler.Publish)
	protected.DELETE("/pins", pinHandler.Delete)

	return r
}
