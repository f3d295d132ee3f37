package turnpolicy

import "strings"

const (
	shortFragmentWords   = 8
	reflectiveMinWords   = 5
	reflectiveMinLetters = 20
)

// Conjunctions and prepositions that usually mean the sentence is not
// finished yet.
var trailingConnectives = map[string]struct{}{
	"and":     {},
	"but":     {},
	"or":      {},
	"so":      {},
	"because": {},
	"then":    {},
	"if":      {},
	"when":    {},
	"with":    {},
	"to":      {},
	"of":      {},
	"in":      {},
	"on":      {},
	"at":      {},
	"for":     {},
	"the":     {},
	"a":       {},
}

// Phrases young speakers use while still composing a thought.
var hesitationMarkers = []string{
	"um",
	"umm",
	"uh",
	"hmm",
	"wait",
	"hold on",
	"let me think",
	"let me see",
	"i think",
}

var yesNoTokens = map[string]struct{}{
	"yes":  {},
	"no":   {},
	"yeah": {},
	"yep":  {},
	"nope": {},
	"ok":   {},
	"okay": {},
}

// isQuickAnswer matches short unambiguous replies that should commit
// immediately: pure numbers and yes/no style tokens.
func isQuickAnswer(words []string) bool {
	if len(words) == 0 || len(words) > 2 {
		return false
	}
	for _, w := range words {
		w = normalizeWord(w)
		if w == "" {
			return false
		}
		if _, ok := yesNoTokens[w]; ok {
			continue
		}
		if !isNumeric(w) {
			return false
		}
	}
	return true
}

func endsInConnective(words []string) bool {
	if len(words) == 0 {
		return false
	}
	last := normalizeWord(words[len(words)-1])
	_, ok := trailingConnectives[last]
	return ok
}

// hasHesitationMarker inspects the trailing clause for composing-aloud
// phrases. Only the tail matters; "wait" at the start of a long sentence
// was already spoken past.
func hasHesitationMarker(text string) bool {
	lower := strings.ToLower(text)
	tail := lower
	if idx := strings.LastIndexAny(lower, ".?!,"); idx >= 0 && idx < len(lower)-1 {
		tail = lower[idx+1:]
	}
	tail = strings.TrimSpace(tail)
	for _, m := range hesitationMarkers {
		if tail == m || strings.HasSuffix(tail, " "+m) || strings.HasPrefix(tail, m+" ") {
			return true
		}
	}
	return false
}

// isReflective matches longer thought-out utterances that earn the
// thinking-aloud grace for older speakers.
func isReflective(text string, words []string) bool {
	return len(words) >= reflectiveMinWords || len(text) >= reflectiveMinLetters
}

func normalizeWord(w string) string {
	return strings.Trim(strings.ToLower(w), ".,!?;:'\"")
}

func isNumeric(w string) bool {
	if w == "" {
		return false
	}
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
