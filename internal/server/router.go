package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/kura/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/kura/backend/internal/tasks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userContextKey           = "kura_user"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingFeedService      = errors.New("feed service dependency required")
	errMissingTaskService      = errors.New("task service dependency required")
	errMissingNotifications    = errors.New("notification service dependency required")
)

// SessionValidator authenticates a request from its session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps validated session claims onto a feed user.
type UserResolver interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (feed.User, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Users             UserResolver
	Feed              *feed.Service
	Tasks             *tasks.Service
	Notifications     *notifications.Service
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.Feed == nil {
		return nil, errMissingFeedService
	}
	if deps.Tasks == nil {
		return nil, errMissingTaskService
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		users:         deps.Users,
		feed:          deps.Feed,
		tasks:         deps.Tasks,
		notifications: deps.Notifications,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/search", handler.handleSearch)
	protected.POST("/tweets", handler.handleCreateTweet)
	protected.GET("/tweets/:id", handler.handleGetTweet)
	protected.PATCH("/tweets/:id", handler.handleEditTweet)
	protected.DELETE("/tweets/:id", handler.handleDeleteTweet)
	protected.GET("/users/:id/tweets", handler.handleListUserTweets)
	protected.GET("/tweets/:id/comments", handler.handleThread)
	protected.POST("/tweets/:id/comments", handler.handleCreateComment)
	protected.GET("/comments/:id/replies", handler.handleReplies)
	protected.POST("/tasks/export", handler.handleExport)
	protected.GET("/tasks", handler.handleListTasks)
	protected.GET("/notifications", handler.handlePollNotifications)
	protected.GET("/notifications/stream", handler.handleNotificationStream)
	protected.POST("/notifications/read", handler.handleMarkNotificationsRead)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions      SessionValidator
	users         UserResolver
	feed          *feed.Service
	tasks         *tasks.Service
	notifications *notifications.Service
	heartbeat     time.Duration
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.ResolveUser(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve session user", zap.String("subject", claims.Subject), zap.Error(err))
		h.abortWithError(c, http.StatusInternalServerError, "user_resolution_failed", err)
		return
	}
	c.Set(userContextKey, user)
	c.Next()
}

func currentUser(c *gin.Context) (feed.User, bool) {
	value, ok := c.Get(userContextKey)
	if !ok {
		return feed.User{}, false
	}
	user, ok := value.(feed.User)
	return user, ok && user.ID > 0
}

type codedError interface {
	Code() string
}

// respondError writes {"error": reason}. Server errors also carry the
// operation.reason code of the failing service call.
func (h *httpHandler) respondError(c *gin.Context, status int, reason string, err error) {
	c.JSON(status, errorBody(status, reason, err))
}

func (h *httpHandler) abortWithError(c *gin.Context, status int, reason string, err error) {
	c.AbortWithStatusJSON(status, errorBody(status, reason, err))
}

func errorBody(status int, reason string, err error) gin.H {
	body := gin.H{"error": reason}
	if status < http.StatusInternalServerError {
		return body
	}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	return body
}
