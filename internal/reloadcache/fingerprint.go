package reloadcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/deskd/deskd/internal/windows"
)

// Weights of the two similarity components. Content dominates; the window
// hash only tells matching desktops apart from diverged ones.
const (
	contentWeight = 0.7
	windowWeight  = 0.3
)

// titleHashLimit caps how many runes of a window title feed the hash.
const titleHashLimit = 40

// Fingerprint is the structured key a cache entry is matched by: a digest of
// the normalized task content, the content's character trigrams, and a digest
// of the window-state snapshot at recording time.
type Fingerprint struct {
	ContentHash string   `json:"contentHash"`
	Trigrams    []string `json:"trigrams"`
	WindowHash  string   `json:"windowHash"`
}

// NewFingerprint builds a fingerprint from task content and the current
// window snapshot.
func NewFingerprint(content string, snapshot []windows.State) Fingerprint {
	normalized := Normalize(content)
	return Fingerprint{
		ContentHash: digest(normalized),
		Trigrams:    Trigrams(normalized),
		WindowHash:  WindowHash(snapshot),
	}
}

// Normalize collapses runs of whitespace to single spaces, trims, and
// lower-cases, so that cosmetic differences in the prompt do not defeat
// matching.
func Normalize(content string) string {
	return strings.ToLower(strings.Join(strings.Fields(content), " "))
}

// Trigrams returns the sorted set of unique character trigrams of s. Inputs
// shorter than three runes yield the whole string as a single gram.
func Trigrams(s string) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) < 3 {
		return []string{s}
	}

	set := make(map[string]struct{}, len(runes))
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = struct{}{}
	}

	grams := make([]string, 0, len(set))
	for g := range set {
		grams = append(grams, g)
	}
	sort.Strings(grams)
	return grams
}

// WindowHash digests the fields of the open windows that could steer the
// model's output: id, renderer kind, and title. The snapshot is already
// sorted by id, so equal desktops hash equally.
func WindowHash(snapshot []windows.State) string {
	var b strings.Builder
	for _, w := range snapshot {
		title := w.Title
		if len(title) > titleHashLimit {
			// Truncate on rune boundaries so a multi-byte title never
			// hashes a split rune.
			if runes := []rune(title); len(runes) > titleHashLimit {
				title = string(runes[:titleHashLimit])
			}
		}
		b.WriteString(w.ID)
		b.WriteByte(0x1f)
		b.WriteString(w.Content.Renderer)
		b.WriteByte(0x1f)
		b.WriteString(title)
		b.WriteByte(0x1e)
	}
	return digest(b.String())
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Similarity scores this fingerprint against another in [0, 1]. The score is
// symmetric and reaches 1 only when content hash, trigrams, and window hash
// all match; a trigram-set collision between distinct contents is capped just
// below an exact match.
func (f Fingerprint) Similarity(other Fingerprint) float64 {
	if f.ContentHash == other.ContentHash && f.WindowHash == other.WindowHash {
		return 1.0
	}

	windowSim := 0.0
	if f.WindowHash == other.WindowHash {
		windowSim = 1.0
	}
	score := contentWeight*jaccard(f.Trigrams, other.Trigrams) + windowWeight*windowSim
	if score > 0.99 {
		score = 0.99
	}
	return score
}

// jaccard computes |A ∩ B| / |A ∪ B| over unique trigram sets. Two empty
// sets only arise from identical empty content and compare equal.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}

	set := make(map[string]struct{}, len(a))
	for _, g := range a {
		set[g] = struct{}{}
	}

	intersection := 0
	for _, g := range b {
		if _, ok := set[g]; ok {
			intersection++
		}
	}
	union := len(set) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
