// Package session owns the lifetime of desktop sessions: creation on first
// connection, activity tracking, and idle retirement.
package session

import (
	"sync"
	"time"

	"github.com/deskd/deskd/internal/pool"
	"github.com/deskd/deskd/internal/reloadcache"
	"github.com/deskd/deskd/internal/transport"
	"github.com/deskd/deskd/internal/windows"
)

// Session is one desktop session: a context pool, the window state registry,
// the reload cache, and the connections currently attached to it.
type Session struct {
	id         string
	pool       *pool.ContextPool
	windows    *windows.Registry
	cache      *reloadcache.Cache
	transports *transport.Pool
	createdAt  time.Time

	mu           sync.Mutex
	connections  int
	lastActivity time.Time

	initOnce sync.Once
	initErr  error
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Pool returns the session's context pool.
func (s *Session) Pool() *pool.ContextPool { return s.pool }

// Windows returns the session's window state registry.
func (s *Session) Windows() *windows.Registry { return s.windows }

// Cache returns the session's reload cache.
func (s *Session) Cache() *reloadcache.Cache { return s.cache }

// CreatedAt returns when the session was first referenced.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Touch records activity, deferring idle retirement.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ConnectionOpened counts a new connection binding to the session.
func (s *Session) ConnectionOpened() {
	s.mu.Lock()
	s.connections++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ConnectionClosed counts a connection leaving the session.
func (s *Session) ConnectionClosed() {
	s.mu.Lock()
	if s.connections > 0 {
		s.connections--
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Connections returns the number of attached connections.
func (s *Session) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// LastActivity returns the time of the last touch or connection change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// idleSince reports whether the session has no connections and has been
// inactive since before the cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections == 0 && s.lastActivity.Before(cutoff)
}
