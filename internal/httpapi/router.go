// Package httpapi implements the full /v1 wire surface from spec §6: the
// gin routes a chat client or agent talks to, backed by internal/protocol
// and internal/session. Handler shape (factory functions closing over
// dependencies, gin.HandlerFunc, logger.WithContext(c.Request.Context()))
// follows the teacher's internal/proxy handlers.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chatstream/sessionproxy/internal/config"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/protocol"
	"github.com/chatstream/sessionproxy/internal/session"
	"github.com/chatstream/sessionproxy/internal/store"
)

// Deps bundles every dependency the v1 routes need.
type Deps struct {
	Protocol *protocol.Protocol
	Sessions *session.Manager
	Store    store.Store
	Config   *config.Config
	Log      *logger.Logger
}

// NewRouter builds the gin engine serving the /v1 API plus health
// endpoints; main.go mounts /metrics on the returned engine. CORS is
// applied by the caller (main.go wraps the
// returned engine with rs/cors, matching the teacher's GraphQL server
// setup) since gin's own middleware chain doesn't carry pre-flight
// short-circuiting as cleanly as a wrapping http.Handler.
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(d.Config.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(sessionContextMiddleware())

	router.GET("/health", healthHandler)
	router.GET("/health/live", healthHandler)
	router.GET("/health/ready", readyHandler(d))

	h := &handlers{d: d}

	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions/:sessionId")
		sessions.PUT("", h.createSession)
		sessions.GET("", h.getSession)
		sessions.DELETE("", h.deleteSession)
		sessions.GET("/status", h.sessionStatus)
		sessions.GET("/stats", h.sessionStats)

		sessions.POST("/messages", h.sendMessage)
		sessions.POST("/regenerate", h.regenerate)
		sessions.POST("/stop", h.stopGeneration)

		sessions.POST("/agents", h.registerAgents)
		sessions.GET("/agents", h.listAgents)
		sessions.DELETE("/agents/:agentId", h.unregisterAgent)

		sessions.POST("/tool-results", h.toolResult)
		sessions.POST("/approvals/:approvalId", h.approvalResponse)
		sessions.POST("/fork", h.fork)
	}

	router.GET("/stream/sessions/:sessionId", h.streamSession)

	return router
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func readyHandler(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		// A real readiness probe would ping the store; store.Store has no
		// Ping method (adapters vary too much to standardize one), so
		// readiness here reports process-level liveness, same as the
		// teacher's shallow /health handlers.
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = logger.GenerateRequestID()
		}
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", requestID)
		c.Next()
	}
}

// sessionContextMiddleware propagates the sessionId route param and the
// X-Actor-Id header onto the request context, so every handler's
// logger.WithContext call carries them without threading them through
// each call site by hand.
func sessionContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if sessionID := c.Param("sessionId"); sessionID != "" {
			ctx = logger.WithSessionID(ctx, sessionID)
		}
		if actorID := c.GetHeader("X-Actor-Id"); actorID != "" {
			ctx = logger.WithActorID(ctx, actorID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
