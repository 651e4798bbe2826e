// Package osaction defines the OS actions the server streams to desktop
// clients. Actions are plain values: safe to serialize, persist, and replay.
package osaction

import "fmt"

// Type identifies an OS action variant. The set is open; clients ignore
// types they do not understand.
type Type string

const (
	WindowCreate          Type = "window.create"
	WindowClose           Type = "window.close"
	WindowSetTitle        Type = "window.setTitle"
	WindowSetContent      Type = "window.setContent"
	WindowUpdateContent   Type = "window.updateContent"
	WindowMove            Type = "window.move"
	WindowResize          Type = "window.resize"
	WindowLock            Type = "window.lock"
	WindowUnlock          Type = "window.unlock"
	NotificationShow      Type = "notification.show"
	ToastShow             Type = "toast.show"
	DialogConfirm         Type = "dialog.confirm"
	DesktopCreateShortcut Type = "desktop.createShortcut"
)

// UpdateOp is the operation kind of a window.updateContent action.
type UpdateOp string

const (
	OpReplace  UpdateOp = "replace"
	OpAppend   UpdateOp = "append"
	OpPrepend  UpdateOp = "prepend"
	OpInsertAt UpdateOp = "insertAt"
	OpClear    UpdateOp = "clear"
)

// Bounds is a window rectangle in desktop coordinates.
type Bounds struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Content is a window's rendered payload: a renderer kind plus its data.
type Content struct {
	Renderer string `json:"renderer"`
	Data     string `json:"data"`
}

// ContentUpdate is the operation carried by window.updateContent.
type ContentUpdate struct {
	Op       UpdateOp `json:"op"`
	Data     string   `json:"data,omitempty"`
	Position *int     `json:"position,omitempty"` // insertAt offset
}

// PermissionOptions marks a dialog.confirm as a permission request rather
// than a plain confirmation.
type PermissionOptions struct {
	ShowRememberChoice bool               `json:"showRememberChoice,omitempty"`
	Options            []PermissionOption `json:"options,omitempty"`
}

// PermissionOption is one selectable outcome of a permission request.
type PermissionOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind,omitempty"` // allow, allow_always, deny
}

// Dialog describes a dialog.confirm action.
type Dialog struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Message     string             `json:"message"`
	ConfirmText string             `json:"confirmText,omitempty"`
	CancelText  string             `json:"cancelText,omitempty"`
	Permission  *PermissionOptions `json:"permissionOptions,omitempty"`
}

// Shortcut describes a desktop.createShortcut action.
type Shortcut struct {
	Label  string `json:"label"`
	Target string `json:"target"`
	Icon   string `json:"icon,omitempty"`
}

// Action is the tagged union streamed to clients. Only the fields relevant
// to the Type are populated.
type Action struct {
	Type Type `json:"type"`

	// Window-scoped fields.
	WindowID    string         `json:"windowId,omitempty"`
	Title       string         `json:"title,omitempty"`
	Bounds      *Bounds        `json:"bounds,omitempty"`
	Content     *Content       `json:"content,omitempty"`
	Update      *ContentUpdate `json:"update,omitempty"`
	LockedBy    string         `json:"lockedBy,omitempty"`
	AppProtocol string         `json:"appProtocol,omitempty"`

	// Notification / toast fields.
	Message  string `json:"message,omitempty"`
	Severity string `json:"severity,omitempty"`

	Dialog   *Dialog   `json:"dialog,omitempty"`
	Shortcut *Shortcut `json:"shortcut,omitempty"`
}

// IsWindowScoped reports whether the action targets a specific window.
func (a Action) IsWindowScoped() bool {
	switch a.Type {
	case WindowCreate, WindowClose, WindowSetTitle, WindowSetContent,
		WindowUpdateContent, WindowMove, WindowResize, WindowLock, WindowUnlock:
		return true
	default:
		return false
	}
}

// IsPermissionRequest reports whether the action is a dialog.confirm carrying
// permission options. These route to approval events instead of the normal
// action stream.
func (a Action) IsPermissionRequest() bool {
	return a.Type == DialogConfirm && a.Dialog != nil && a.Dialog.Permission != nil
}

// Describe returns a short human-readable description of the action, used to
// build deterministic task summaries and cache entry labels.
func (a Action) Describe() string {
	switch a.Type {
	case WindowCreate:
		if a.Title != "" {
			return fmt.Sprintf("created window %s %q", a.WindowID, a.Title)
		}
		return fmt.Sprintf("created window %s", a.WindowID)
	case WindowClose:
		return fmt.Sprintf("closed window %s", a.WindowID)
	case WindowSetTitle:
		return fmt.Sprintf("retitled window %s to %q", a.WindowID, a.Title)
	case WindowSetContent:
		return fmt.Sprintf("set content of window %s", a.WindowID)
	case WindowUpdateContent:
		op := UpdateOp("update")
		if a.Update != nil {
			op = a.Update.Op
		}
		return fmt.Sprintf("updated window %s (%s)", a.WindowID, op)
	case WindowMove:
		return fmt.Sprintf("moved window %s", a.WindowID)
	case WindowResize:
		return fmt.Sprintf("resized window %s", a.WindowID)
	case WindowLock:
		return fmt.Sprintf("locked window %s", a.WindowID)
	case WindowUnlock:
		return fmt.Sprintf("unlocked window %s", a.WindowID)
	case NotificationShow:
		return fmt.Sprintf("showed notification %q", a.Message)
	case ToastShow:
		return fmt.Sprintf("showed toast %q", a.Message)
	case DialogConfirm:
		if a.Dialog != nil {
			return fmt.Sprintf("asked %q", a.Dialog.Title)
		}
		return "asked for confirmation"
	case DesktopCreateShortcut:
		if a.Shortcut != nil {
			return fmt.Sprintf("created shortcut %q", a.Shortcut.Label)
		}
		return "created shortcut"
	default:
		return string(a.Type)
	}
}

// Summarize joins the descriptions of a recorded action sequence into one
// deterministic human-readable line.
func Summarize(actions []Action) string {
	if len(actions) == 0 {
		return "no actions produced"
	}
	out := ""
	for i, a := range actions {
		if i > 0 {
			out += "; "
		}
		out += a.Describe()
	}
	return out
}
