// Package api serves the REST surface around the relay: chat history,
// moderation and image uploads, alerts, user profile and push token
// registration, and health.
package api

import (
	"context"
	"net/http"
	"time"

	"connect-relay/internal/auth"
	"connect-relay/internal/models"
	"connect-relay/internal/notify"
	"connect-relay/internal/relay"
	"connect-relay/internal/ws"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxHistoryPage  = 200
	defaultUserName = "User"
	principalKey    = "principal"
)

type MessageStore interface {
	History(ctx context.Context, roomID string, limit int, before time.Time) ([]*models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) (*models.Message, error)
}

type AlertLister interface {
	ListAlerts(ctx context.Context, userID string, limit int) ([]*models.Alert, error)
}

// Alerter raises alerts the same way the socket event does.
type Alerter interface {
	RaiseAlert(ctx context.Context, principal models.Principal, in relay.RaiseAlertInput) (*models.Alert, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	SetProfilePicture(ctx context.Context, userID, picture string) (*models.User, error)
	AddToken(ctx context.Context, userID, token string) error
	RemoveTokens(ctx context.Context, userID string, tokens ...string) error
}

type Notifier interface {
	NotifyUser(ctx context.Context, userID string, n notify.Notification, data map[string]string) notify.Outcome
}

type StatsSource interface {
	Stats() ws.Stats
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the router. Socket, Notifier, Store and
// Stats may be nil. Uploads are disabled when UploadDir is empty.
type Deps struct {
	Authn       auth.Authenticator
	Messages    MessageStore
	Alerts      AlertLister
	Alerter     Alerter
	Users       UserDirectory
	Broadcaster relay.Broadcaster
	Notifier    Notifier
	Stats       StatsSource
	Store       Pinger
	Socket      http.Handler

	HistoryPageSize int
	CORSOrigins     []string
	UploadDir       string
}

type handlers struct {
	Deps
	logger *zap.Logger
}

// NewRouter builds the gin engine serving every HTTP route, including the
// socket endpoint at /ws.
func NewRouter(deps Deps, logger *zap.Logger) *gin.Engine {
	if deps.HistoryPageSize <= 0 {
		deps.HistoryPageSize = 50
	}
	h := &handlers{Deps: deps, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(h.loggingMiddleware())
	router.Use(corsMiddleware(deps.CORSOrigins))

	router.GET("/health", h.health)
	if deps.Socket != nil {
		router.GET("/ws", gin.WrapH(deps.Socket))
	}
	if deps.UploadDir != "" {
		router.Static(uploadsPath, deps.UploadDir)
	}

	api := router.Group("/api", h.authMiddleware())
	{
		chat := api.Group("/chat")
		chat.GET("/rooms", h.listRooms)
		chat.GET("/history", h.history)
		chat.GET("/history/:roomId", h.history)
		chat.DELETE("/message/:id", h.deleteMessage)
		if deps.UploadDir != "" {
			chat.POST("/upload", h.uploadImage)
		}

		alerts := api.Group("/alerts")
		alerts.GET("", h.listAlerts)
		alerts.POST("", h.createAlert)

		users := api.Group("/users")
		users.PUT("/profile-picture", h.updateProfilePicture)
		users.PUT("/fcm-token", h.registerPushToken)
		users.DELETE("/fcm-token", h.unregisterPushToken)
		users.POST("/fcm-test", h.sendTestPush)
	}

	return router
}

func (h *handlers) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		h.logger.Debug("[API] HTTP request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := set[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		} else if len(set) == 0 {
			c.Header("Access-Control-Allow-Origin", "*")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authMiddleware validates the bearer credential and stores the principal
// on the request context.
func (h *handlers) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := auth.ExtractCredential(c.Request)
		if credential == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "No token provided"})
			return
		}

		principal, err := h.Authn.Authenticate(credential)
		if err != nil {
			h.logger.Debug("[API] Token validation failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": auth.ErrUnauthorized.Error()})
			return
		}

		principal.Name = defaultUserName
		if user, err := h.Users.GetUser(c.Request.Context(), principal.ID); err == nil && user.Name != "" {
			principal.Name = user.Name
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

func principalFrom(c *gin.Context) models.Principal {
	return c.MustGet(principalKey).(models.Principal)
}
