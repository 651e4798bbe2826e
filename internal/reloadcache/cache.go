// Package reloadcache remembers the action sequences past turns produced so
// that near-identical requests can offer the model a replay instead of a
// regeneration. Matching is fingerprint similarity over task content and
// window state; entries are per session and survive restarts through a
// per-session JSON file.
package reloadcache

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/pkg/osaction"
)

const (
	// DefaultMaxEntries bounds a session's cache.
	DefaultMaxEntries = 200

	// DefaultFloor is the minimum similarity for an entry to count as a
	// match at all.
	DefaultFloor = 0.50

	labelLimit = 50
)

// Entry is one recorded turn: its fingerprint plus the replayable actions.
type Entry struct {
	ID                string            `json:"id"`
	Label             string            `json:"label"`
	Fingerprint       Fingerprint       `json:"fingerprint"`
	Actions           []osaction.Action `json:"actions"`
	RequiredWindowIDs []string          `json:"requiredWindowIds,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	LastHitAt         time.Time         `json:"lastHitAt"`
	Hits              int               `json:"hits"`
}

// Match is one FindMatches result.
type Match struct {
	Entry   Entry
	Score   float64
	IsExact bool
}

// Options configure one session's cache.
type Options struct {
	MaxEntries int
	Floor      float64
}

// Cache holds one session's reload entries, evicting least-recently-hit
// entries beyond MaxEntries. The backing file is loaded lazily on first use;
// a nil store keeps the cache memory-only.
type Cache struct {
	sessionID string
	floor     float64
	store     *Store
	log       *logger.Logger

	mu      sync.Mutex
	loaded  bool
	entries *lru.Cache[string, *Entry]
}

// New creates a cache for one session.
func New(sessionID string, opts Options, store *Store, log *logger.Logger) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Floor <= 0 {
		opts.Floor = DefaultFloor
	}
	// lru.New only errors on a non-positive size, which is guarded above.
	entries, _ := lru.New[string, *Entry](opts.MaxEntries)

	return &Cache{
		sessionID: sessionID,
		floor:     opts.Floor,
		store:     store,
		log:       log,
		entries:   entries,
	}
}

// ensureLoaded pulls the session's persisted entries in on first use.
// Callers hold c.mu.
func (c *Cache) ensureLoaded() {
	if c.loaded {
		return
	}
	c.loaded = true
	if c.store == nil {
		return
	}

	persisted, err := c.store.Load(c.sessionID)
	if err != nil {
		c.log.Warn("reload cache load failed, starting empty",
			zap.String("session_id", c.sessionID),
			zap.Error(err))
		return
	}
	// The file stores entries oldest-hit first, so inserting in order
	// rebuilds the recency ranking.
	for i := range persisted {
		e := persisted[i]
		c.entries.Add(e.ID, &e)
	}
}

// FindMatches scores fp against every entry and returns the top limit
// matches at or above the similarity floor, best first. Recency is not
// touched; call MarkHit for entries actually offered to the model.
func (c *Cache) FindMatches(fp Fingerprint, limit int) []Match {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()

	matches := make([]Match, 0, limit)
	for _, id := range c.entries.Keys() {
		e, ok := c.entries.Peek(id)
		if !ok {
			continue
		}
		score := fp.Similarity(e.Fingerprint)
		if score < c.floor {
			continue
		}
		matches = append(matches, Match{Entry: *e, Score: score, IsExact: score == 1.0})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Entry.LastHitAt.Equal(matches[j].Entry.LastHitAt) {
			return matches[i].Entry.LastHitAt.After(matches[j].Entry.LastHitAt)
		}
		return matches[i].Entry.ID < matches[j].Entry.ID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Record stores the actions of a completed turn under fp. An exact
// fingerprint match coalesces into the existing entry instead of inserting a
// duplicate. Returns the stored entry.
func (c *Cache) Record(fp Fingerprint, actions []osaction.Action, label string, requiredWindowIDs []string) Entry {
	c.mu.Lock()
	c.ensureLoaded()

	now := time.Now()
	recorded := append([]osaction.Action(nil), actions...)
	required := append([]string(nil), requiredWindowIDs...)
	sort.Strings(required)

	var stored *Entry
	for _, id := range c.entries.Keys() {
		e, ok := c.entries.Peek(id)
		if !ok {
			continue
		}
		if e.Fingerprint.ContentHash == fp.ContentHash && e.Fingerprint.WindowHash == fp.WindowHash {
			e.Actions = recorded
			e.RequiredWindowIDs = required
			e.Hits++
			e.LastHitAt = now
			c.entries.Get(id) // refresh recency
			stored = e
			break
		}
	}

	if stored == nil {
		stored = &Entry{
			ID:                uuid.NewString(),
			Label:             deriveLabel(label),
			Fingerprint:       fp,
			Actions:           recorded,
			RequiredWindowIDs: required,
			CreatedAt:         now,
			LastHitAt:         now,
		}
		c.entries.Add(stored.ID, stored)
	}

	result := *stored
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(snapshot)
	return result
}

// MarkHit bumps an entry's hit statistics and recency. Called when the entry
// is offered to the model as a reload option.
func (c *Cache) MarkHit(id string) bool {
	c.mu.Lock()
	c.ensureLoaded()

	e, ok := c.entries.Get(id)
	if !ok {
		c.mu.Unlock()
		return false
	}
	e.Hits++
	e.LastHitAt = time.Now()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.persist(snapshot)
	return true
}

// InvalidateWindow drops every entry that requires the closed window.
// Returns the number of entries dropped.
func (c *Cache) InvalidateWindow(windowID string) int {
	c.mu.Lock()
	c.ensureLoaded()

	dropped := 0
	for _, id := range c.entries.Keys() {
		e, ok := c.entries.Peek(id)
		if !ok {
			continue
		}
		for _, required := range e.RequiredWindowIDs {
			if required == windowID {
				c.entries.Remove(id)
				dropped++
				break
			}
		}
	}

	var snapshot []Entry
	if dropped > 0 {
		snapshot = c.snapshotLocked()
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.persist(snapshot)
	}
	return dropped
}

// Flush blocks until pending asynchronous writes reach disk. Called on
// session retirement.
func (c *Cache) Flush() {
	if c.store != nil {
		c.store.Flush()
	}
}

// Entries returns a copy of all entries, least-recently-hit first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()
	return c.snapshotLocked()
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoaded()
	return c.entries.Len()
}

func (c *Cache) snapshotLocked() []Entry {
	snapshot := make([]Entry, 0, c.entries.Len())
	for _, id := range c.entries.Keys() {
		if e, ok := c.entries.Peek(id); ok {
			snapshot = append(snapshot, *e)
		}
	}
	return snapshot
}

func (c *Cache) persist(snapshot []Entry) {
	if c.store == nil {
		return
	}
	c.store.SaveAsync(c.sessionID, snapshot)
}

// deriveLabel turns raw task content into a short human-readable label.
func deriveLabel(content string) string {
	label := Normalize(content)
	runes := []rune(label)
	if len(runes) > labelLimit {
		label = string(runes[:labelLimit-3]) + "..."
	}
	if label == "" {
		label = "unlabeled task"
	}
	return label
}
