package gradeband

import (
	"strings"
	"time"
)

// Band buckets learners by grade level. Every timing constant in the
// turn-taking core is selected through the band: younger speakers get a
// more sensitive barge-in and far more patience around mid-thought pauses.
type Band int

const (
	BandK2 Band = iota
	Band35
	Band68
	Band912
	BandAdult
)

// DefaultBand is used when configuration is missing or malformed; a wrong
// patience profile degrades the conversation, a failed session kills it.
const DefaultBand = Band35

func (b Band) String() string {
	switch b {
	case BandK2:
		return "k2"
	case Band35:
		return "g3_5"
	case Band68:
		return "g6_8"
	case Band912:
		return "g9_12"
	case BandAdult:
		return "adult"
	default:
		return "unknown"
	}
}

// ParseBand maps a config string to a band. The bool reports whether the
// input was recognized; callers fall back to DefaultBand and log when not.
func ParseBand(s string) (Band, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "k2", "k-2", "k_2":
		return BandK2, true
	case "g3_5", "g3-5", "3-5":
		return Band35, true
	case "g6_8", "g6-8", "6-8":
		return Band68, true
	case "g9_12", "g9-12", "9-12":
		return Band912, true
	case "adult", "adv":
		return BandAdult, true
	default:
		return DefaultBand, false
	}
}

// ActivityMode overlays the band timing. Reading aloud produces long
// legitimate pauses between sentences, so silence bounds are relaxed.
type ActivityMode int

const (
	ModeDefault ActivityMode = iota
	ModeReading
)

func (m ActivityMode) String() string {
	if m == ModeReading {
		return "reading"
	}
	return "default"
}

func ParseMode(s string) ActivityMode {
	if strings.EqualFold(strings.TrimSpace(s), "reading") {
		return ModeReading
	}
	return ModeDefault
}

// BargeInConfig holds the per-band interruption thresholds. Immutable once
// derived; decision code receives it by value and never consults globals.
type BargeInConfig struct {
	// AdaptiveRatio scales the rolling noise baseline into a trigger
	// threshold. Lower ratio = more sensitive.
	AdaptiveRatio float64
	// MinSustainedSpeech is how long a candidate trigger must hold before
	// a hard interrupt is even considered.
	MinSustainedSpeech time.Duration
	// Confirm is the stage-2 window: the candidate must persist this long
	// continuously before playback is hard-stopped.
	Confirm time.Duration
	// DuckGain is the stage-1 gain factor applied immediately on a
	// candidate trigger (~-12dB by default).
	DuckGain float64
	// AbsoluteThreshold is the fixed RMS fallback used when adaptive mode
	// is disabled (cold-start sessions with no baseline history).
	AbsoluteThreshold float64
}

// TurnTiming holds the per-band continuation-guard constants.
type TurnTiming struct {
	// ConfidenceThreshold gates provisional end-of-turn signals.
	ConfidenceThreshold float64
	// ShortFragmentHold extends commit for short declarative fragments.
	ShortFragmentHold time.Duration
	// ConnectiveHold extends commit when the fragment trails off on a
	// conjunction or preposition.
	ConnectiveHold time.Duration
	// ThinkingGrace extends commit for longer reflective utterances.
	// Zero for bands where thinking-aloud tolerance is not applied.
	ThinkingGrace time.Duration
	// MaxTurnSilence bounds how long the hesitation guard may hold a turn
	// open before the stall escape forces a commit.
	MaxTurnSilence time.Duration
	// BargeInCooldown suppresses the stall escape right after an
	// interrupt, so it cannot fire on the silence the interrupt created.
	BargeInCooldown time.Duration
	// HesitationPatience enables the first-detection hesitation guard
	// (the K-2 patience overlay).
	HesitationPatience bool
}

var bargeInByBand = map[Band]BargeInConfig{
	BandK2:    {AdaptiveRatio: 1.8, MinSustainedSpeech: 120 * time.Millisecond, Confirm: 150 * time.Millisecond, DuckGain: 0.25, AbsoluteThreshold: 0.04},
	Band35:    {AdaptiveRatio: 2.4, MinSustainedSpeech: 160 * time.Millisecond, Confirm: 200 * time.Millisecond, DuckGain: 0.25, AbsoluteThreshold: 0.05},
	Band68:    {AdaptiveRatio: 2.8, MinSustainedSpeech: 220 * time.Millisecond, Confirm: 280 * time.Millisecond, DuckGain: 0.25, AbsoluteThreshold: 0.05},
	Band912:   {AdaptiveRatio: 3.2, MinSustainedSpeech: 280 * time.Millisecond, Confirm: 350 * time.Millisecond, DuckGain: 0.25, AbsoluteThreshold: 0.06},
	BandAdult: {AdaptiveRatio: 3.5, MinSustainedSpeech: 320 * time.Millisecond, Confirm: 400 * time.Millisecond, DuckGain: 0.25, AbsoluteThreshold: 0.06},
}

var turnTimingByBand = map[Band]TurnTiming{
	BandK2: {
		ConfidenceThreshold: 0.35,
		ShortFragmentHold:   200 * time.Millisecond,
		ConnectiveHold:      900 * time.Millisecond,
		ThinkingGrace:       0,
		MaxTurnSilence:      4500 * time.Millisecond,
		BargeInCooldown:     1200 * time.Millisecond,
		HesitationPatience:  true,
	},
	Band35: {
		ConfidenceThreshold: 0.45,
		ShortFragmentHold:   200 * time.Millisecond,
		ConnectiveHold:      700 * time.Millisecond,
		ThinkingGrace:       0,
		MaxTurnSilence:      3500 * time.Millisecond,
		BargeInCooldown:     1000 * time.Millisecond,
		HesitationPatience:  true,
	},
	Band68: {
		ConfidenceThreshold: 0.5,
		ShortFragmentHold:   200 * time.Millisecond,
		ConnectiveHold:      600 * time.Millisecond,
		ThinkingGrace:       800 * time.Millisecond,
		MaxTurnSilence:      3000 * time.Millisecond,
		BargeInCooldown:     900 * time.Millisecond,
	},
	Band912: {
		ConfidenceThreshold: 0.55,
		ShortFragmentHold:   200 * time.Millisecond,
		ConnectiveHold:      600 * time.Millisecond,
		ThinkingGrace:       800 * time.Millisecond,
		MaxTurnSilence:      2500 * time.Millisecond,
		BargeInCooldown:     800 * time.Millisecond,
	},
	BandAdult: {
		ConfidenceThreshold: 0.6,
		ShortFragmentHold:   200 * time.Millisecond,
		ConnectiveHold:      500 * time.Millisecond,
		ThinkingGrace:       800 * time.Millisecond,
		MaxTurnSilence:      2200 * time.Millisecond,
		BargeInCooldown:     800 * time.Millisecond,
	},
}

// BargeIn returns the interruption config for the band.
func (b Band) BargeIn() BargeInConfig {
	if cfg, ok := bargeInByBand[b]; ok {
		return cfg
	}
	return bargeInByBand[DefaultBand]
}

// readingSilenceScale relaxes silence-driven bounds while reading aloud.
const readingSilenceScale = 1.5

// TurnTiming returns the continuation-guard config for the band under the
// given activity mode.
func (b Band) TurnTiming(mode ActivityMode) TurnTiming {
	t, ok := turnTimingByBand[b]
	if !ok {
		t = turnTimingByBand[DefaultBand]
	}
	if mode == ModeReading {
		t.ConnectiveHold = time.Duration(float64(t.ConnectiveHold) * readingSilenceScale)
		t.MaxTurnSilence = time.Duration(float64(t.MaxTurnSilence) * readingSilenceScale)
		if t.ThinkingGrace > 0 {
			t.ThinkingGrace = time.Duration(float64(t.ThinkingGrace) * readingSilenceScale)
		}
	}
	return t
}
