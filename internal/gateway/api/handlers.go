package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/errors"
	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/limiter"
	"github.com/deskd/deskd/internal/pool"
	"github.com/deskd/deskd/internal/session"
	"github.com/deskd/deskd/internal/transcript"
)

// Handler contains HTTP handlers for the inspection API. Every endpoint is
// read-only; mutations go through the WebSocket protocol.
type Handler struct {
	sessions   *session.Hub
	limiter    *limiter.Limiter
	profiles   *pool.ProfileSet
	transcript transcript.Store
	provider   string
	startedAt  time.Time
	logger     *logger.Logger
}

// Deps are the collaborators the inspection API reads from.
type Deps struct {
	Sessions   *session.Hub
	Limiter    *limiter.Limiter
	Profiles   *pool.ProfileSet
	Transcript transcript.Store
	Provider   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{
		sessions:   deps.Sessions,
		limiter:    deps.Limiter,
		profiles:   deps.Profiles,
		transcript: deps.Transcript,
		provider:   deps.Provider,
		startedAt:  time.Now().UTC(),
		logger:     log.WithFields(zap.String("component", "inspection-api")),
	}
}

// GetStatus returns broker-wide occupancy.
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	sessions := h.sessions.List()
	connections := 0
	for _, s := range sessions {
		connections += s.Connections()
	}

	c.JSON(http.StatusOK, StatusResponse{
		Provider:    h.provider,
		Sessions:    len(sessions),
		Connections: connections,
		AgentSlots:  h.limiter.Stats(),
		StartedAt:   h.startedAt,
	})
}

// ListSessions returns a summary of every live session.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	live := h.sessions.List()

	sessions := make([]SessionResponse, 0, len(live))
	for _, s := range live {
		sessions = append(sessions, sessionResponse(s))
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	c.JSON(http.StatusOK, SessionListResponse{
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// GetSession returns one session's summary.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sessionResponse(s))
}

// GetWindows returns the session's open-window snapshot.
// GET /api/v1/sessions/:sessionId/windows
func (h *Handler) GetWindows(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	states := s.Windows().Snapshot()
	c.JSON(http.StatusOK, WindowListResponse{
		Windows: states,
		Total:   len(states),
	})
}

// GetTranscript returns the session's transcript tail in chronological order.
// GET /api/v1/sessions/:sessionId/transcript?limit=50
func (h *Handler) GetTranscript(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			appErr := errors.ValidationError("limit", "must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = n
	}

	entries, err := h.transcript.List(c.Request.Context(), s.ID(), limit)
	if err != nil {
		h.logger.Error("failed to list transcript", zap.String("session_id", s.ID()), zap.Error(err))
		appErr := errors.Wrap(err, "failed to list transcript")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, TranscriptResponse{
		Entries: entries,
		Total:   len(entries),
	})
}

// GetReloadCache returns the session's recorded reload sequences.
// GET /api/v1/sessions/:sessionId/reloads
func (h *Handler) GetReloadCache(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	entries := s.Cache().Entries()
	c.JSON(http.StatusOK, ReloadCacheResponse{
		Entries: entries,
		Total:   len(entries),
	})
}

// GetProfiles lists the task profiles dispatchable via task.dispatch.
// GET /api/v1/profiles
func (h *Handler) GetProfiles(c *gin.Context) {
	names := h.profiles.Names()
	profiles := make([]ProfileResponse, 0, len(names))
	for _, name := range names {
		p, err := h.profiles.Get(name)
		if err != nil {
			continue
		}
		profiles = append(profiles, ProfileResponse{
			Name:             p.Name,
			DefaultObjective: p.DefaultObjective,
			AllowedTools:     p.AllowedTools,
		})
	}

	c.JSON(http.StatusOK, ProfilesResponse{Profiles: profiles})
}

// session resolves the :sessionId path param to a live session, writing the
// error response itself when the lookup fails.
func (h *Handler) session(c *gin.Context) (*session.Session, bool) {
	id := c.Param("sessionId")
	if id == "" {
		appErr := errors.BadRequest("sessionId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return nil, false
	}

	s, ok := h.sessions.Get(id)
	if !ok {
		appErr := errors.NotFound("session", id)
		c.JSON(appErr.HTTPStatus, appErr)
		return nil, false
	}
	return s, true
}

func sessionResponse(s *session.Session) SessionResponse {
	monitors := s.Pool().Monitors()
	sort.Strings(monitors)
	windowAgents := s.Pool().WindowAgents()
	sort.Strings(windowAgents)

	return SessionResponse{
		ID:           s.ID(),
		CreatedAt:    s.CreatedAt(),
		LastActivity: s.LastActivity(),
		Connections:  s.Connections(),
		Monitors:     monitors,
		WindowAgents: windowAgents,
		ActiveTasks:  s.Pool().ActiveTasks(),
		OpenWindows:  s.Windows().Count(),
		CacheEntries: s.Cache().Len(),
	}
}
