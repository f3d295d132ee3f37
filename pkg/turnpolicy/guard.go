package turnpolicy

import (
	"strings"
	"time"

	"github.com/harunnryd/cadence/pkg/gradeband"
)

// Outcome is what the guard wants done with a provisional end of turn.
type Outcome int

const (
	// OutcomeWait means the signal was too weak to act on at all.
	OutcomeWait Outcome = iota
	// OutcomeCommit finishes the turn now.
	OutcomeCommit
	// OutcomeHold delays commitment for Decision.Hold; if nothing else
	// arrives before the hold elapses, the caller commits.
	OutcomeHold
	// OutcomeHesitate arms the hesitation guard: wait for a second end
	// of turn, bounded by the stall-escape timer.
	OutcomeHesitate
	// OutcomeStallEscape force-commits after the silence bound, with a
	// gentle help prompt, so the conversation can never freeze.
	OutcomeStallEscape
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommit:
		return "commit"
	case OutcomeHold:
		return "hold"
	case OutcomeHesitate:
		return "hesitate"
	case OutcomeStallEscape:
		return "stall_escape"
	default:
		return "wait"
	}
}

// Decision is the structured result of one turn-policy evaluation.
type Decision struct {
	Outcome Outcome
	Hold    time.Duration
	Reason  string
}

// Guard implements the two-phase turn commit: a provisional end of turn is
// held, extended, or fast-pathed depending on what the fragment looks like,
// and the grade-band patience overlay can withhold the first commit for
// speakers who routinely pause mid-sentence.
//
// One guard per session, reset at the start of each listening turn.
// Not goroutine-safe; the session actor serializes all calls.
type Guard struct {
	band   gradeband.Band
	timing gradeband.TurnTiming

	hesitationGuardActive bool
	awaitingSecondEOT     bool
	stallEscapeTriggered  bool

	turnStart    time.Time
	lastEOT      time.Time
	lastBargeIn  time.Time
	tutorTalking bool
}

func NewGuard(band gradeband.Band, mode gradeband.ActivityMode) *Guard {
	return &Guard{
		band:   band,
		timing: band.TurnTiming(mode),
	}
}

// Timing exposes the resolved per-band constants.
func (g *Guard) Timing() gradeband.TurnTiming { return g.timing }

// StartTurn resets per-turn state when a new listening turn begins.
func (g *Guard) StartTurn(now time.Time) {
	g.hesitationGuardActive = false
	g.awaitingSecondEOT = false
	g.stallEscapeTriggered = false
	g.turnStart = now
	g.lastEOT = time.Time{}
}

// NoteBargeIn records a confirmed interrupt; the stall escape stays
// suppressed for the cooldown so it cannot fire on interrupt silence.
func (g *Guard) NoteBargeIn(now time.Time) {
	g.lastBargeIn = now
}

// SetTutorSpeaking tracks playback state; the stall escape never fires
// while the tutor is talking.
func (g *Guard) SetTutorSpeaking(active bool) {
	g.tutorTalking = active
}

// AwaitingSecondEOT reports whether the hesitation guard is armed.
func (g *Guard) AwaitingSecondEOT() bool { return g.awaitingSecondEOT }

// OnEndOfTurn evaluates a provisional end-of-turn signal with the
// accumulated turn text and the transcriber's confidence.
func (g *Guard) OnEndOfTurn(text string, confidence float64, now time.Time) Decision {
	defer func() { g.lastEOT = now }()

	if g.awaitingSecondEOT {
		// Second signal after the hesitation guard armed: the speaker
		// really is done.
		g.awaitingSecondEOT = false
		g.hesitationGuardActive = false
		return Decision{Outcome: OutcomeCommit, Reason: "second_end_of_turn"}
	}

	if confidence < g.timing.ConfidenceThreshold {
		return Decision{Outcome: OutcomeWait, Reason: "low_confidence"}
	}

	trimmed := strings.TrimSpace(text)
	words := strings.Fields(trimmed)

	if isQuickAnswer(words) {
		return Decision{Outcome: OutcomeCommit, Reason: "quick_answer"}
	}

	hesitating := hasHesitationMarker(trimmed) || endsInConnective(words)
	if hesitating && g.timing.HesitationPatience && !g.hesitationGuardActive {
		// First detection for this turn only; repeats fall through to
		// the ordinary holds.
		g.hesitationGuardActive = true
		g.awaitingSecondEOT = true
		return Decision{
			Outcome: OutcomeHesitate,
			Hold:    g.timing.MaxTurnSilence,
			Reason:  "hesitation_guard",
		}
	}

	if endsInConnective(words) {
		return Decision{Outcome: OutcomeHold, Hold: g.timing.ConnectiveHold, Reason: "trailing_connective"}
	}

	if g.timing.ThinkingGrace > 0 && isReflective(trimmed, words) {
		return Decision{Outcome: OutcomeHold, Hold: g.timing.ThinkingGrace, Reason: "thinking_aloud"}
	}

	if len(words) < shortFragmentWords {
		return Decision{Outcome: OutcomeHold, Hold: g.timing.ShortFragmentHold, Reason: "short_fragment"}
	}

	return Decision{Outcome: OutcomeCommit, Reason: "end_of_turn"}
}

// OnMoreSpeech clears a pending hesitation wait because the speaker kept
// going; the turn continues accumulating.
func (g *Guard) OnMoreSpeech(now time.Time) {
	g.awaitingSecondEOT = false
}

// OnStallTimeout is called when the stall timer elapses with no further
// audio. It fires the escape at most once per turn, and never during
// tutor speech or inside the post-barge-in cooldown.
func (g *Guard) OnStallTimeout(now time.Time) Decision {
	if g.stallEscapeTriggered {
		return Decision{Outcome: OutcomeWait, Reason: "stall_already_fired"}
	}
	if g.tutorTalking {
		return Decision{Outcome: OutcomeWait, Reason: "tutor_speaking"}
	}
	if !g.lastBargeIn.IsZero() && now.Sub(g.lastBargeIn) < g.timing.BargeInCooldown {
		return Decision{Outcome: OutcomeWait, Reason: "barge_in_cooldown"}
	}
	g.stallEscapeTriggered = true
	g.awaitingSecondEOT = false
	g.hesitationGuardActive = false
	return Decision{Outcome: OutcomeStallEscape, Reason: "max_turn_silence"}
}

// StallEscapeTriggered reports whether the escape already fired this turn.
func (g *Guard) StallEscapeTriggered() bool { return g.stallEscapeTriggered }
