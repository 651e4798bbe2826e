package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/emitter"
	"github.com/deskd/deskd/internal/session"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/pkg/protocol"
)

// Gateway bundles the WebSocket endpoint: the connection hub, the protocol
// dispatcher, and the action handlers bound to the session layer.
type Gateway struct {
	Hub        *Hub
	Dispatcher *protocol.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates the dispatcher and hub and registers the health check.
// Construction is two-phase: sessions broadcast through the hub, so the
// session layer is attached with Bind once it exists.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := protocol.NewDispatcher()
	hub := NewHub(dispatcher, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		logger:     log,
	}
}

// Bind attaches the session hub and registers the session-scoped protocol
// actions.
func (g *Gateway) Bind(sessions *session.Hub, em *emitter.Emitter, store transcript.Store, provider string) {
	g.Handler = NewHandler(g.Hub, sessions, provider, g.logger)
	RegisterSessionHandlers(g.Dispatcher, NewSessionActions(sessions, g.Hub, em, store, g.logger))
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
