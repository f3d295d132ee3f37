package echoguard

import (
	"strings"
	"time"
	"unicode"
)

const (
	// DefaultCapacity is how many recent tutor utterances are kept for
	// echo comparison.
	DefaultCapacity = 3
	// DefaultEchoWindow is how long after playback ends an utterance
	// remains an echo candidate.
	DefaultEchoWindow = 2500 * time.Millisecond
	// DefaultTailGuard blocks all barge-in for a short window after
	// playback ends; the acoustic echo tail is indistinguishable from
	// genuine fast speech there.
	DefaultTailGuard = 700 * time.Millisecond
	// DefaultThreshold is the combined similarity above which a candidate
	// is classified as the system's own voice.
	DefaultThreshold = 0.85
)

type utterance struct {
	text       string
	normalized string
	start      time.Time
	end        time.Time // zero while still playing
}

// Config tunes the guard; zero values take the defaults above.
type Config struct {
	Capacity   int
	EchoWindow time.Duration
	TailGuard  time.Duration
	Threshold  float64
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.EchoWindow <= 0 {
		c.EchoWindow = DefaultEchoWindow
	}
	if c.TailGuard <= 0 {
		c.TailGuard = DefaultTailGuard
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Guard detects when captured text is the system's own speech reflected
// back through the microphone. Ring storage is a fixed array indexed by
// position; no allocation per utterance beyond the copied strings.
type Guard struct {
	cfg Config

	ring []utterance
	next int
	used int

	playbackActive bool
	tailGuardEnd   time.Time
}

func New(cfg Config) *Guard {
	cfg = cfg.withDefaults()
	return &Guard{
		cfg:  cfg,
		ring: make([]utterance, cfg.Capacity),
	}
}

// Verdict is the structured result of one echo check.
type Verdict struct {
	Echo       bool
	Blocked    bool // tail guard veto, independent of similarity
	Similarity float64
	Reason     string
}

// RecordUtterance registers the text the system is about to speak.
// Any still-open entry is closed first so at most one entry is in flight.
func (g *Guard) RecordUtterance(text string, now time.Time) {
	g.closeOpen(now)
	g.ring[g.next] = utterance{
		text:       text,
		normalized: Normalize(text),
		start:      now,
	}
	g.next = (g.next + 1) % len(g.ring)
	if g.used < len(g.ring) {
		g.used++
	}
}

// MarkPlaybackStart brackets the beginning of actual audio output.
func (g *Guard) MarkPlaybackStart(now time.Time) {
	g.playbackActive = true
	if i, ok := g.openIndex(); ok && g.ring[i].start.After(now) {
		g.ring[i].start = now
	}
}

// MarkPlaybackEnd closes the in-flight utterance and arms the tail guard.
func (g *Guard) MarkPlaybackEnd(now time.Time) {
	g.playbackActive = false
	g.closeOpen(now)
	g.tailGuardEnd = now.Add(g.cfg.TailGuard)
}

// PlaybackActive reports whether the system is currently speaking.
func (g *Guard) PlaybackActive() bool { return g.playbackActive }

// TailGuardActive reports whether the post-playback veto window is open.
func (g *Guard) TailGuardActive(now time.Time) bool {
	return !g.playbackActive && now.Before(g.tailGuardEnd)
}

// TailGuardEnd returns when the current tail guard window closes.
func (g *Guard) TailGuardEnd() time.Time { return g.tailGuardEnd }

// Check classifies candidate text against utterances whose playback window
// contains now, or ended within the echo window.
func (g *Guard) Check(candidate string, now time.Time) Verdict {
	if g.TailGuardActive(now) {
		return Verdict{Echo: true, Blocked: true, Reason: "tail_guard"}
	}

	norm := Normalize(candidate)
	if norm == "" {
		return Verdict{Reason: "empty_candidate"}
	}

	best := 0.0
	for i := 0; i < g.used; i++ {
		u := g.ring[i]
		if u.normalized == "" {
			continue
		}
		if !g.windowContains(u, now) {
			continue
		}
		if s := Similarity(norm, u.normalized); s > best {
			best = s
		}
	}

	if best >= g.cfg.Threshold {
		return Verdict{Echo: true, Similarity: best, Reason: "self_echo"}
	}
	return Verdict{Similarity: best, Reason: "distinct_speech"}
}

func (g *Guard) windowContains(u utterance, now time.Time) bool {
	if now.Before(u.start) {
		return false
	}
	if u.end.IsZero() {
		// Still playing.
		return true
	}
	return now.Sub(u.end) <= g.cfg.EchoWindow
}

func (g *Guard) openIndex() (int, bool) {
	for i := 0; i < g.used; i++ {
		if g.ring[i].end.IsZero() && g.ring[i].normalized != "" {
			return i, true
		}
	}
	return 0, false
}

func (g *Guard) closeOpen(now time.Time) {
	if i, ok := g.openIndex(); ok {
		g.ring[i].end = now
	}
}

// Normalize lower-cases, strips punctuation and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Similarity combines Jaccard token overlap (tolerates reordering and
// transcription noise) with a normalized edit-distance ratio (tolerates
// small substitutions). The higher of the two wins: either signal alone
// is strong evidence the candidate is our own voice.
func Similarity(a, b string) float64 {
	j := jaccard(a, b)
	e := editRatio(a, b)
	if j > e {
		return j
	}
	return e
}

func jaccard(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ta))
	for _, w := range ta {
		set[w] = struct{}{}
	}
	inter := 0
	seen := make(map[string]struct{}, len(tb))
	for _, w := range tb {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := set[w]; ok {
			inter++
		}
	}
	union := len(set) + len(seen) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func editRatio(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}
	d := levenshtein(a, b)
	max := la
	if lb > max {
		max = lb
	}
	return 1 - float64(d)/float64(max)
}

func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
