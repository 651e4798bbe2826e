package api

import (
	"time"

	"github.com/deskd/deskd/internal/limiter"
	"github.com/deskd/deskd/internal/reloadcache"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/internal/windows"
)

// StatusResponse reports broker-wide occupancy.
type StatusResponse struct {
	Provider    string        `json:"provider"`
	Sessions    int           `json:"sessions"`
	Connections int           `json:"connections"`
	AgentSlots  limiter.Stats `json:"agentSlots"`
	StartedAt   time.Time     `json:"startedAt"`
}

// SessionResponse summarizes one live session.
type SessionResponse struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Connections  int       `json:"connections"`
	Monitors     []string  `json:"monitors"`
	WindowAgents []string  `json:"windowAgents,omitempty"`
	ActiveTasks  int       `json:"activeTasks"`
	OpenWindows  int       `json:"openWindows"`
	CacheEntries int       `json:"cacheEntries"`
}

// SessionListResponse lists all live sessions.
type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
}

// WindowListResponse lists a session's open windows.
type WindowListResponse struct {
	Windows []windows.State `json:"windows"`
	Total   int             `json:"total"`
}

// TranscriptResponse returns a session's transcript tail.
type TranscriptResponse struct {
	Entries []*transcript.Entry `json:"entries"`
	Total   int                 `json:"total"`
}

// ReloadCacheResponse lists a session's recorded reload sequences.
type ReloadCacheResponse struct {
	Entries []reloadcache.Entry `json:"entries"`
	Total   int                 `json:"total"`
}

// ProfileResponse describes one task profile. System prompts stay private to
// the server.
type ProfileResponse struct {
	Name             string   `json:"name"`
	DefaultObjective string   `json:"defaultObjective,omitempty"`
	AllowedTools     []string `json:"allowedTools,omitempty"`
}

// ProfilesResponse lists the available task profiles.
type ProfilesResponse struct {
	Profiles []ProfileResponse `json:"profiles"`
}
