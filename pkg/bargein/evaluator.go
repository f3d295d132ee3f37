package bargein

import (
	"time"

	"github.com/harunnryd/cadence/pkg/gradeband"
)

// Action is the playback command a frame evaluation produced.
type Action int

const (
	ActionNone Action = iota
	// ActionDuck reduces playback gain immediately: cheap and reversible.
	ActionDuck
	// ActionRestore undoes a duck after the candidate lapsed unconfirmed.
	ActionRestore
	// ActionInterrupt is the stage-2 hard stop.
	ActionInterrupt
)

func (a Action) String() string {
	switch a {
	case ActionDuck:
		return "duck"
	case ActionRestore:
		return "restore"
	case ActionInterrupt:
		return "interrupt"
	default:
		return "none"
	}
}

// Decision is the structured result of one frame evaluation. No-action
// outcomes are ordinary decisions, never errors.
type Decision struct {
	Action    Action
	Reason    string
	Threshold float64
	Sustained time.Duration
}

// Evaluator runs the two-stage barge-in protocol for one session.
// Stage 1 ducks on the first candidate frame; stage 2 hard-stops only
// after the candidate persists continuously through the confirm window.
type Evaluator struct {
	cfg      gradeband.BargeInConfig
	adaptive bool

	candidateActive bool
	candidateSince  time.Time
	lastTrigger     time.Time
	ducked          bool
	confirmed       bool
}

func NewEvaluator(cfg gradeband.BargeInConfig, adaptive bool) *Evaluator {
	return &Evaluator{cfg: cfg, adaptive: adaptive}
}

// Config exposes the immutable thresholds the evaluator runs with.
func (e *Evaluator) Config() gradeband.BargeInConfig { return e.cfg }

// Ducked reports whether stage 1 is currently applied.
func (e *Evaluator) Ducked() bool { return e.ducked }

// Evaluate scores one capture frame. playbackActive must be true for any
// candidate to fire; barge-in against silence is meaningless.
func (e *Evaluator) Evaluate(rms, peak, baseline float64, playbackActive bool, now time.Time) Decision {
	if !playbackActive {
		if e.ducked && !e.confirmed {
			e.reset()
			return Decision{Action: ActionRestore, Reason: "playback_inactive"}
		}
		e.reset()
		return Decision{Reason: "playback_inactive"}
	}

	threshold := e.cfg.AbsoluteThreshold
	reasonMode := "absolute"
	if e.adaptive {
		threshold = baseline * e.cfg.AdaptiveRatio
		reasonMode = "adaptive"
	}
	trigger := rms >= threshold || peak >= threshold

	if !trigger {
		if e.candidateActive && !e.confirmed {
			// Candidate lapsed before confirmation: restore gain, and a
			// later onset starts a fresh window rather than inheriting
			// this one.
			e.reset()
			return Decision{Action: ActionRestore, Reason: "candidate_lapsed", Threshold: threshold}
		}
		return Decision{Reason: "below_threshold", Threshold: threshold}
	}

	e.lastTrigger = now
	if !e.candidateActive {
		e.candidateActive = true
		e.candidateSince = now
		e.ducked = true
		return Decision{Action: ActionDuck, Reason: reasonMode + "_candidate", Threshold: threshold}
	}

	sustained := now.Sub(e.candidateSince)
	if !e.confirmed && sustained >= e.cfg.MinSustainedSpeech && sustained >= e.cfg.Confirm {
		e.confirmed = true
		return Decision{
			Action:    ActionInterrupt,
			Reason:    reasonMode + "_confirmed",
			Threshold: threshold,
			Sustained: sustained,
		}
	}
	return Decision{Reason: "sustaining", Threshold: threshold, Sustained: sustained}
}

// Reset clears all candidate state, e.g. when playback is superseded.
func (e *Evaluator) Reset() { e.reset() }

func (e *Evaluator) reset() {
	e.candidateActive = false
	e.candidateSince = time.Time{}
	e.ducked = false
	e.confirmed = false
}
