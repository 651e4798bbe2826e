package osaction

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsWindowScoped(t *testing.T) {
	assert.True(t, Action{Type: WindowCreate, WindowID: "w1"}.IsWindowScoped())
	assert.True(t, Action{Type: WindowUpdateContent, WindowID: "w1"}.IsWindowScoped())
	assert.False(t, Action{Type: NotificationShow}.IsWindowScoped())
	assert.False(t, Action{Type: DialogConfirm}.IsWindowScoped())
}

func TestIsPermissionRequest(t *testing.T) {
	t.Run("dialog with permission options", func(t *testing.T) {
		a := Action{
			Type: DialogConfirm,
			Dialog: &Dialog{
				ID:         "d1",
				Title:      "Allow?",
				Permission: &PermissionOptions{ShowRememberChoice: true},
			},
		}
		assert.True(t, a.IsPermissionRequest())
	})

	t.Run("plain confirmation dialog", func(t *testing.T) {
		a := Action{Type: DialogConfirm, Dialog: &Dialog{ID: "d2", Title: "Delete?"}}
		assert.False(t, a.IsPermissionRequest())
	})

	t.Run("non-dialog action", func(t *testing.T) {
		assert.False(t, Action{Type: WindowClose, WindowID: "w1"}.IsPermissionRequest())
	})
}

func TestDescribe(t *testing.T) {
	a := Action{Type: WindowCreate, WindowID: "w1", Title: "Notes"}
	assert.Equal(t, `created window w1 "Notes"`, a.Describe())

	b := Action{Type: WindowUpdateContent, WindowID: "w1", Update: &ContentUpdate{Op: OpAppend, Data: "x"}}
	assert.Equal(t, "updated window w1 (append)", b.Describe())
}

func TestSummarize(t *testing.T) {
	t.Run("joins descriptions deterministically", func(t *testing.T) {
		actions := []Action{
			{Type: WindowCreate, WindowID: "w1", Title: "Notes"},
			{Type: WindowSetContent, WindowID: "w1"},
		}
		assert.Equal(t, `created window w1 "Notes"; set content of window w1`, Summarize(actions))
	})

	t.Run("empty sequence", func(t *testing.T) {
		assert.Equal(t, "no actions produced", Summarize(nil))
	})
}

func TestJSONRoundTrip(t *testing.T) {
	pos := 3
	in := Action{
		Type:     WindowUpdateContent,
		WindowID: "w9",
		Update:   &ContentUpdate{Op: OpInsertAt, Data: "mid", Position: &pos},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Action
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	// Unset fields stay off the wire.
	assert.NotContains(t, string(raw), "dialog")
	assert.NotContains(t, string(raw), "bounds")
}
