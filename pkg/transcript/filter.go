package transcript

import (
	"strings"
)

// Verdict is the structured result of a validity check.
type Verdict struct {
	Drop   bool
	Reason string
}

// Filler sounds the transcription collaborator emits for non-lexical audio.
// Deliberately small: anything not on this list is assumed to be speech.
var fillerTokens = map[string]struct{}{
	"um":     {},
	"uh":     {},
	"uhh":    {},
	"umm":    {},
	"hmm":    {},
	"hm":     {},
	"mm":     {},
	"mhm":    {},
	"mmhmm":  {},
	"erm":    {},
	"er":     {},
	"ah":     {},
	"eh":     {},
	"uh-huh": {},
}

// Check decides whether a transcript fragment should be dropped before it
// reaches the turn logic. Pure function, no hidden state.
//
// Length is never a drop criterion: "no", "ok" and single digits are valid
// answers and must pass.
func Check(text string, sessionEnded bool) Verdict {
	if sessionEnded {
		return Verdict{Drop: true, Reason: "session_ended"}
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Verdict{Drop: true, Reason: "empty"}
	}
	if isNoiseTag(trimmed) {
		return Verdict{Drop: true, Reason: "noise_tag"}
	}
	if isAllFiller(trimmed) {
		return Verdict{Drop: true, Reason: "filler"}
	}
	return Verdict{Reason: "lexical"}
}

// isNoiseTag matches bracketed annotations like [noise], (laughs), <music>.
func isNoiseTag(s string) bool {
	if len(s) < 2 {
		return false
	}
	pairs := map[byte]byte{'[': ']', '(': ')', '<': '>'}
	closer, ok := pairs[s[0]]
	if !ok {
		return false
	}
	return s[len(s)-1] == closer
}

func isAllFiller(s string) bool {
	words := strings.Fields(strings.ToLower(s))
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		w = strings.Trim(w, ".,!?")
		if w == "" {
			continue
		}
		if _, ok := fillerTokens[w]; !ok {
			return false
		}
	}
	return true
}
