package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/session"
	"github.com/deskd/deskd/pkg/protocol"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Desktop clients connect from app origins; origin policy is
		// enforced at the deployment edge.
		return true
	},
}

// Handler handles WebSocket connections.
type Handler struct {
	hub      *Hub
	sessions *session.Hub
	provider string
	logger   *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, sessions *session.Hub, provider string, log *logger.Logger) *Handler {
	return &Handler{
		hub:      hub,
		sessions: sessions,
		provider: provider,
		logger:   log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket, binds the connection to its
// session (creating the session on first reference), and runs the pumps.
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	sess, err := h.sessions.GetOrCreate(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to initialize session",
			zap.String("session_id", sessionID),
			zap.Error(err))
		if msg, merr := protocol.NewConnectionStatus(protocol.StatusError, h.provider, sessionID, err.Error()); merr == nil {
			if data, jerr := json.Marshal(msg); jerr == nil {
				_ = conn.WriteMessage(gorillaws.TextMessage, data)
			}
		}
		conn.Close()
		return
	}

	connectionID := uuid.New().String()
	client := NewClient(connectionID, conn, h.hub, h.logger)

	h.hub.Register(client)
	h.hub.Subscribe(client, sessionID)
	sess.ConnectionOpened()

	h.logger.Debug("WebSocket connection established",
		zap.String("connection_id", connectionID),
		zap.String("session_id", sessionID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	if msg, merr := protocol.NewConnectionStatus(protocol.StatusConnected, h.provider, sessionID, ""); merr == nil {
		client.sendMessage(msg)
	}

	go client.WritePump()
	client.ReadPump(c.Request.Context())

	// A restore may have rebound the connection to another session.
	closed := sess
	if id := client.SessionID(); id != sessionID {
		if rebound, ok := h.sessions.Get(id); ok {
			closed = rebound
		}
	}
	closed.ConnectionClosed()
}

// RegisterHealthHandler registers the health check handler.
func RegisterHealthHandler(d *protocol.Dispatcher) {
	d.RegisterFunc(protocol.ActionHealthCheck, func(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
		return protocol.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "deskd",
		})
	})
}
