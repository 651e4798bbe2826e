package reloadcache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskd/deskd/internal/windows"
	"github.com/deskd/deskd/pkg/osaction"
)

func snapshotWith(titles map[string]string) []windows.State {
	states := make([]windows.State, 0, len(titles))
	for id, title := range titles {
		states = append(states, windows.State{
			ID:      id,
			Title:   title,
			Content: osaction.Content{Renderer: "markdown"},
		})
	}
	// Registry snapshots arrive sorted by id.
	for i := 0; i < len(states); i++ {
		for j := i + 1; j < len(states); j++ {
			if states[j].ID < states[i].ID {
				states[i], states[j] = states[j], states[i]
			}
		}
	}
	return states
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "open my notes", Normalize("  Open   My\n\tNotes "))
	assert.Equal(t, "", Normalize("   "))
}

func TestTrigrams(t *testing.T) {
	t.Run("unique and sorted", func(t *testing.T) {
		grams := Trigrams("abcabc")
		assert.Equal(t, []string{"abc", "bca", "cab"}, grams)
	})

	t.Run("short input yields the whole string", func(t *testing.T) {
		assert.Equal(t, []string{"hi"}, Trigrams("hi"))
		assert.Nil(t, Trigrams(""))
	})
}

func TestWindowHash(t *testing.T) {
	t.Run("sensitive to id renderer and title", func(t *testing.T) {
		a := WindowHash([]windows.State{{ID: "w1", Title: "Notes", Content: osaction.Content{Renderer: "markdown"}}})
		b := WindowHash([]windows.State{{ID: "w1", Title: "Journal", Content: osaction.Content{Renderer: "markdown"}}})
		c := WindowHash([]windows.State{{ID: "w1", Title: "Notes", Content: osaction.Content{Renderer: "html"}}})
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("insensitive to bounds and content data", func(t *testing.T) {
		a := WindowHash([]windows.State{{ID: "w1", Title: "Notes", Content: osaction.Content{Renderer: "markdown", Data: "x"}}})
		b := WindowHash([]windows.State{{
			ID:      "w1",
			Title:   "Notes",
			Bounds:  osaction.Bounds{X: 99, Y: 99, W: 1, H: 1},
			Content: osaction.Content{Renderer: "markdown", Data: "totally different"},
		}})
		assert.Equal(t, a, b)
	})

	t.Run("long titles truncate on rune boundaries", func(t *testing.T) {
		base := strings.Repeat("桜", titleHashLimit)
		a := WindowHash([]windows.State{{ID: "w1", Title: base + "あ", Content: osaction.Content{Renderer: "markdown"}}})
		b := WindowHash([]windows.State{{ID: "w1", Title: base + "い", Content: osaction.Content{Renderer: "markdown"}}})
		assert.Equal(t, a, b, "tails beyond the limit do not count")

		// Multi-byte titles that differ within the limit must not hash
		// equally just because the byte count passed it.
		short := strings.Repeat("桜", 20)
		c := WindowHash([]windows.State{{ID: "w1", Title: short + "あ", Content: osaction.Content{Renderer: "markdown"}}})
		d := WindowHash([]windows.State{{ID: "w1", Title: short + "い", Content: osaction.Content{Renderer: "markdown"}}})
		assert.NotEqual(t, c, d)
	})
}

func TestSimilarity(t *testing.T) {
	desktop := snapshotWith(map[string]string{"w1": "Notes"})
	other := snapshotWith(map[string]string{"w2": "Browser"})

	t.Run("identical content and windows score exactly one", func(t *testing.T) {
		a := NewFingerprint("open my notes", desktop)
		b := NewFingerprint("Open   my NOTES", desktop)
		assert.Equal(t, 1.0, a.Similarity(b))
	})

	t.Run("is symmetric and bounded", func(t *testing.T) {
		a := NewFingerprint("open my notes", desktop)
		b := NewFingerprint("open a browser window", other)
		ab, ba := a.Similarity(b), b.Similarity(a)
		assert.Equal(t, ab, ba)
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
	})

	t.Run("same content on a changed desktop loses the window component", func(t *testing.T) {
		a := NewFingerprint("open my notes", desktop)
		b := NewFingerprint("open my notes", other)
		assert.InDelta(t, 0.7, a.Similarity(b), 1e-9)
	})

	t.Run("trigram collisions cannot fake an exact match", func(t *testing.T) {
		// "abcabc" and "bcabca" share the trigram set {abc, bca, cab}
		// but are different content.
		a := NewFingerprint("abcabc", desktop)
		b := NewFingerprint("bcabca", desktop)
		require.Equal(t, a.Trigrams, b.Trigrams)
		assert.Equal(t, 0.99, a.Similarity(b))
	})

	t.Run("unrelated content scores low", func(t *testing.T) {
		a := NewFingerprint("open my notes", desktop)
		b := NewFingerprint("play some music loudly", desktop)
		assert.Less(t, a.Similarity(b), 0.5)
	})
}
