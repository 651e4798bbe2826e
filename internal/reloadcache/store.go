package reloadcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/logger"
)

// FileVersion is the reload cache file format version. Files with any other
// version are discarded on load.
const FileVersion = 1

type cacheFile struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store persists session caches as <dir>/<sessionId>.json files.
// Writes are asynchronous and coalescing: per session, only the latest
// snapshot is written, and writes never overlap. Failures are logged, never
// surfaced.
type Store struct {
	dir string
	log *logger.Logger

	mu      sync.Mutex
	pending map[string][]Entry
	writing map[string]bool
	wg      sync.WaitGroup
}

// NewStore creates a store rooted at dir. The directory is created on first
// write.
func NewStore(dir string, log *logger.Logger) *Store {
	return &Store{
		dir:     dir,
		log:     log,
		pending: make(map[string][]Entry),
		writing: make(map[string]bool),
	}
}

// Load reads a session's persisted entries. A missing file is an empty
// cache, not an error.
func (s *Store) Load(sessionID string) ([]Entry, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reload cache: %w", err)
	}

	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode reload cache: %w", err)
	}
	if file.Version != FileVersion {
		s.log.Warn("discarding reload cache with unsupported version",
			zap.String("session_id", sessionID),
			zap.Int("version", file.Version))
		return nil, nil
	}
	return file.Entries, nil
}

// SaveAsync schedules entries to be written as the session's snapshot. A
// newer snapshot scheduled before the write starts replaces the older one.
func (s *Store) SaveAsync(sessionID string, entries []Entry) {
	s.mu.Lock()
	s.pending[sessionID] = entries
	if s.writing[sessionID] {
		s.mu.Unlock()
		return
	}
	s.writing[sessionID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.drain(sessionID)
}

// drain writes pending snapshots for one session until none remain. Only one
// drain goroutine runs per session at a time.
func (s *Store) drain(sessionID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		entries, ok := s.pending[sessionID]
		if !ok {
			delete(s.writing, sessionID)
			s.mu.Unlock()
			return
		}
		delete(s.pending, sessionID)
		s.mu.Unlock()

		if err := s.write(sessionID, entries); err != nil {
			s.log.Warn("reload cache write failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}

func (s *Store) write(sessionID string, entries []Entry) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	data, err := json.MarshalIndent(cacheFile{Version: FileVersion, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode reload cache: %w", err)
	}

	path := s.path(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write reload cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace reload cache: %w", err)
	}
	return nil
}

// Flush blocks until every scheduled write has completed. Called at shutdown
// and from tests.
func (s *Store) Flush() {
	s.wg.Wait()
}

// Remove deletes a session's cache file, if any.
func (s *Store) Remove(sessionID string) {
	if err := os.Remove(s.path(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("reload cache remove failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, safeFileName(sessionID)+".json")
}

// safeFileName keeps server-generated ids readable while making
// client-supplied ids safe to use as file names.
func safeFileName(sessionID string) string {
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			sum := sha256.Sum256([]byte(sessionID))
			return hex.EncodeToString(sum[:16])
		}
	}
	if sessionID == "" {
		return "default"
	}
	return sessionID
}
