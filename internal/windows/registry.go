// Package windows tracks the authoritative per-session model of open
// windows. The registry is mutated only by applying OS actions in their
// emitted order, which keeps it replayable: the same action sequence applied
// to an empty registry reproduces the same state.
package windows

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deskd/deskd/pkg/osaction"
)

var (
	// ErrWindowExists is returned when window.create names an id that is
	// already open.
	ErrWindowExists = errors.New("window already exists")

	// ErrWindowNotFound is returned when an action targets an id that is
	// not open.
	ErrWindowNotFound = errors.New("window not found")
)

// State is the registry's record of one open window.
type State struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Bounds      osaction.Bounds  `json:"bounds"`
	Content     osaction.Content `json:"content"`
	Locked      bool             `json:"locked"`
	LockedBy    string           `json:"lockedBy,omitempty"`
	AppProtocol string           `json:"appProtocol,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// CloseFunc is invoked after a window has been removed from the registry.
type CloseFunc func(windowID string)

// Registry holds the open windows of one session.
type Registry struct {
	mu      sync.RWMutex
	windows map[string]*State
	onClose []CloseFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		windows: make(map[string]*State),
	}
}

// OnClose registers fn to run whenever a window is closed. Callbacks run
// outside the registry lock, in registration order.
func (r *Registry) OnClose(fn CloseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, fn)
}

// Apply mutates the registry according to one OS action. Actions that are
// not window-scoped are ignored. Mutations of unknown windows and duplicate
// creates are reported as errors; the registry is left unchanged on error.
func (r *Registry) Apply(action osaction.Action) error {
	if !action.IsWindowScoped() {
		return nil
	}
	if action.Type == osaction.WindowClose {
		return r.close(action.WindowID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if action.Type == osaction.WindowCreate {
		if _, exists := r.windows[action.WindowID]; exists {
			return fmt.Errorf("create window %q: %w", action.WindowID, ErrWindowExists)
		}
		w := &State{
			ID:          action.WindowID,
			Title:       action.Title,
			AppProtocol: action.AppProtocol,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if action.Bounds != nil {
			w.Bounds = *action.Bounds
		}
		if action.Content != nil {
			w.Content = *action.Content
		}
		r.windows[action.WindowID] = w
		return nil
	}

	w, ok := r.windows[action.WindowID]
	if !ok {
		return fmt.Errorf("apply %s to window %q: %w", action.Type, action.WindowID, ErrWindowNotFound)
	}

	switch action.Type {
	case osaction.WindowSetTitle:
		w.Title = action.Title
	case osaction.WindowSetContent:
		if action.Content != nil {
			w.Content = *action.Content
		}
	case osaction.WindowUpdateContent:
		if action.Update == nil {
			return fmt.Errorf("apply %s to window %q: missing update operation", action.Type, action.WindowID)
		}
		w.Content.Data = applyUpdate(w.Content.Data, action.Update)
	case osaction.WindowMove:
		if action.Bounds != nil {
			w.Bounds.X = action.Bounds.X
			w.Bounds.Y = action.Bounds.Y
		}
	case osaction.WindowResize:
		if action.Bounds != nil {
			w.Bounds.W = action.Bounds.W
			w.Bounds.H = action.Bounds.H
		}
	case osaction.WindowLock:
		w.Locked = true
		w.LockedBy = action.LockedBy
	case osaction.WindowUnlock:
		w.Locked = false
		w.LockedBy = ""
	default:
		return fmt.Errorf("apply %s to window %q: unsupported action", action.Type, action.WindowID)
	}

	w.UpdatedAt = now
	return nil
}

func (r *Registry) close(id string) error {
	r.mu.Lock()
	if _, ok := r.windows[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("close window %q: %w", id, ErrWindowNotFound)
	}
	delete(r.windows, id)
	callbacks := make([]CloseFunc, len(r.onClose))
	copy(callbacks, r.onClose)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(id)
	}
	return nil
}

// applyUpdate computes the new content data for one update operation.
// insertAt positions are rune offsets, clamped to the current length.
func applyUpdate(data string, update *osaction.ContentUpdate) string {
	switch update.Op {
	case osaction.OpReplace:
		return update.Data
	case osaction.OpAppend:
		return data + update.Data
	case osaction.OpPrepend:
		return update.Data + data
	case osaction.OpInsertAt:
		runes := []rune(data)
		pos := len(runes)
		if update.Position != nil {
			pos = *update.Position
		}
		if pos < 0 {
			pos = 0
		}
		if pos > len(runes) {
			pos = len(runes)
		}
		return string(runes[:pos]) + update.Data + string(runes[pos:])
	case osaction.OpClear:
		return ""
	default:
		return data
	}
}

// Get returns the state of one window.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[id]
	if !ok {
		return State{}, false
	}
	return *w, true
}

// Has reports whether the window is open.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.windows[id]
	return ok
}

// Count returns the number of open windows.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.windows)
}

// OpenIDs returns the ids of all open windows, sorted.
func (r *Registry) OpenIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.windows))
	for id := range r.windows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a consistent copy of all open windows, sorted by id.
func (r *Registry) Snapshot() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]State, 0, len(r.windows))
	for _, w := range r.windows {
		states = append(states, *w)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// RestoreActions builds the action sequence that recreates the current
// windows on an empty desktop, in id order. Used for session restore.
func (r *Registry) RestoreActions() []osaction.Action {
	states := r.Snapshot()

	actions := make([]osaction.Action, 0, len(states))
	for _, w := range states {
		bounds := w.Bounds
		content := w.Content
		actions = append(actions, osaction.Action{
			Type:        osaction.WindowCreate,
			WindowID:    w.ID,
			Title:       w.Title,
			Bounds:      &bounds,
			Content:     &content,
			AppProtocol: w.AppProtocol,
		})
		if w.Locked {
			actions = append(actions, osaction.Action{
				Type:     osaction.WindowLock,
				WindowID: w.ID,
				LockedBy: w.LockedBy,
			})
		}
	}
	return actions
}
