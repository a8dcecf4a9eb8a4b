package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/sessiond/internal/authkit"
	"github.com/tyemirov/sessiond/pkg/accesstoken"
	"go.uber.org/zap"
)

// StatusSource is the coordinator surface the router reads.
type StatusSource interface {
	Snapshot() authkit.Snapshot
	Hydrated() <-chan struct{}
}

// RouterConfig wires the loopback server.
type RouterConfig struct {
	Logger         *zap.Logger
	Coordinator    StatusSource
	RedirectURL    string
	Sinks          []LinkSink
	Inspector      *accesstoken.Inspector
	MetricsHandler http.Handler
	CORSOrigins    []string
	Middleware     []gin.HandlerFunc
	ClientConfig   ClientConfig
}

// NewRouter builds the gin engine serving the auth callback, session status and metrics.
func NewRouter(config RouterConfig) (*gin.Engine, error) {
	if config.Coordinator == nil {
		return nil, errors.New("web.router.missing_coordinator: coordinator is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(config.Middleware...)
	if len(config.CORSOrigins) > 0 {
		corsMiddleware, err := ConfigureCORS(logger, config.CORSOrigins)
		if err != nil {
			return nil, err
		}
		router.Use(corsMiddleware)
	}

	router.GET("/callback", HandleCallback(logger, config.RedirectURL, config.Sinks...))
	router.POST("/callback/fragment", HandleCallbackFragment(logger, config.RedirectURL, config.Sinks...))
	router.GET("/session", RequireHydrated(config.Coordinator.Hydrated()), HandleSessionStatus(logger, config.Coordinator, config.Inspector))
	router.GET("/client-config.js", func(contextGin *gin.Context) {
		ServeClientConfig(contextGin, config.ClientConfig)
	})
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if config.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(config.MetricsHandler))
	}
	return router, nil
}
