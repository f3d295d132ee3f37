package noisefloor

import (
	"sort"
	"time"
)

const (
	// DefaultWindow is the trailing span of samples kept for the baseline.
	DefaultWindow = 1500 * time.Millisecond
	// EmptyBaseline is reported before any samples arrive: near-silence,
	// so a cold session does not treat the first word as a shout.
	EmptyBaseline = 0.01

	gateOpenRatio  = 2.0
	gateCloseRatio = 1.5
	onsetLatch     = 300 * time.Millisecond
)

type sample struct {
	amp float64
	at  time.Time
}

// Tracker maintains a rolling ambient-loudness baseline for one session.
// The baseline is the median of the trailing window, which shrugs off
// transient spikes (coughs, claps) that would inflate a mean.
type Tracker struct {
	window  time.Duration
	samples []sample

	gateOpen bool
	openedAt time.Time
}

func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window}
}

// Update appends a sample and prunes entries older than the window.
// Pruning advances a cut index and re-slices, so insertion stays O(1)
// amortized; the backing array is compacted once it is mostly dead.
func (t *Tracker) Update(amplitude float64, now time.Time) {
	t.samples = append(t.samples, sample{amp: amplitude, at: now})

	cutoff := now.Add(-t.window)
	cut := 0
	for cut < len(t.samples) && t.samples[cut].at.Before(cutoff) {
		cut++
	}
	if cut > 0 {
		t.samples = t.samples[cut:]
	}
	if cap(t.samples) > 4*len(t.samples) && len(t.samples) > 0 {
		compact := make([]sample, len(t.samples))
		copy(compact, t.samples)
		t.samples = compact
	}

	t.updateGate(amplitude, now)
}

// Baseline returns the median amplitude of the current window.
func (t *Tracker) Baseline() float64 {
	n := len(t.samples)
	if n == 0 {
		return EmptyBaseline
	}
	amps := make([]float64, n)
	for i, s := range t.samples {
		amps[i] = s.amp
	}
	sort.Float64s(amps)
	if n%2 == 1 {
		return amps[n/2]
	}
	return (amps[n/2-1] + amps[n/2]) / 2
}

// GateOpen reports whether the speech gate is currently open.
// The gate opens at 2.0x baseline and closes at 1.5x, and once opened it
// stays latched for 300ms so frame-to-frame jitter cannot flap it.
func (t *Tracker) GateOpen() bool {
	return t.gateOpen
}

// Len returns the number of samples currently in the window.
func (t *Tracker) Len() int { return len(t.samples) }

func (t *Tracker) updateGate(amplitude float64, now time.Time) {
	base := t.Baseline()
	if !t.gateOpen {
		if amplitude >= base*gateOpenRatio {
			t.gateOpen = true
			t.openedAt = now
		}
		return
	}
	if now.Sub(t.openedAt) < onsetLatch {
		return
	}
	if amplitude < base*gateCloseRatio {
		t.gateOpen = false
	}
}
