// Package api exposes deskd's read-only inspection endpoints: broker
// occupancy, live sessions, window state, transcripts, and the reload cache.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/deskd/deskd/internal/common/logger"
)

// SetupRoutes configures the inspection API routes.
func SetupRoutes(router *gin.RouterGroup, deps Deps, log *logger.Logger) {
	handler := NewHandler(deps, log)

	router.GET("/status", handler.GetStatus)
	router.GET("/profiles", handler.GetProfiles)

	sessions := router.Group("/sessions")
	{
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.GET("/:sessionId/windows", handler.GetWindows)
		sessions.GET("/:sessionId/transcript", handler.GetTranscript)
		sessions.GET("/:sessionId/reloads", handler.GetReloadCache)
	}
}
