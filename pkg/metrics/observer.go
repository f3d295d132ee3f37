package metrics

import "time"

// DecisionEvent is one structured decision record: every barge-in
// evaluation, echo check and turn-policy evaluation emits one, so the
// thresholds can be tuned offline from real traffic.
type DecisionEvent struct {
	Name     string
	Time     time.Time
	Value    float64
	Decision string
	Reason   string
	Tags     map[string]string
	Fields   map[string]any
}

type Observer interface {
	RecordEvent(ev DecisionEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(DecisionEvent) {}
