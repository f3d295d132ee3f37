package phase

import (
	"log/slog"
	"sync"
	"time"
)

// Phase is the session conversation phase. Every other component gates
// its behavior against the current phase.
type Phase int

const (
	Listening Phase = iota
	TurnCommitted
	Processing
	TutorSpeaking
	AwaitingResponse
)

func (p Phase) String() string {
	switch p {
	case Listening:
		return "listening"
	case TurnCommitted:
		return "turn_committed"
	case Processing:
		return "processing"
	case TutorSpeaking:
		return "tutor_speaking"
	case AwaitingResponse:
		return "awaiting_response"
	default:
		return "unknown"
	}
}

// Change represents a phase transition event.
type Change struct {
	From      Phase
	To        Phase
	Timestamp time.Time
	Reason    string
}

// Listener observes phase changes.
type Listener interface {
	OnPhaseChange(event Change)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Change)

func (f ListenerFunc) OnPhaseChange(ev Change) { f(ev) }

// Controller owns the per-session finite state machine.
//
// Disallowed transitions are logged no-ops, never failures: a session in a
// surprising phase should degrade to ignoring an event, not crash. The one
// special case is a turn commit requested while the tutor holds the floor:
// with a confirmed barge-in in flight the commit is queued and applied
// once the interrupt completes; without one it is rejected outright.
type Controller struct {
	mu      sync.RWMutex
	current Phase

	interruptActive bool
	pendingCommit   bool
	pendingReason   string

	listeners []Listener
	logger    *slog.Logger
}

func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		current: Listening,
		logger:  logger,
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

var validTransitions = map[Phase][]Phase{
	Listening:        {TurnCommitted},
	TurnCommitted:    {Processing, Listening},
	Processing:       {TutorSpeaking, Listening},
	TutorSpeaking:    {AwaitingResponse, Listening},
	AwaitingResponse: {Listening},
}

func transitionValid(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new phase. It returns false (and logs why) when
// the transition is disallowed; the caller treats that as a no-op.
func (c *Controller) Transition(to Phase, reason string) bool {
	c.mu.Lock()
	from := c.current
	if !transitionValid(from, to) {
		c.mu.Unlock()
		c.logger.Warn("phase_transition_rejected",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("reason", reason))
		return false
	}
	c.current = to
	event := Change{From: from, To: to, Timestamp: time.Now(), Reason: reason}
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnPhaseChange(event)
	}
	return true
}

// RequestTurnCommit asks for a Listening -> TurnCommitted transition.
// While the tutor holds the floor the request is queued only if a
// confirmed interrupt is in progress; otherwise it is rejected.
func (c *Controller) RequestTurnCommit(reason string) bool {
	c.mu.Lock()
	current := c.current
	if current == TutorSpeaking || current == AwaitingResponse {
		if c.interruptActive {
			c.pendingCommit = true
			c.pendingReason = reason
			c.mu.Unlock()
			c.logger.Info("turn_commit_queued",
				slog.String("phase", current.String()),
				slog.String("reason", reason))
			return false
		}
		c.mu.Unlock()
		c.logger.Warn("phase_transition_rejected",
			slog.String("from", current.String()),
			slog.String("to", TurnCommitted.String()),
			slog.String("reason", reason))
		return false
	}
	c.mu.Unlock()
	return c.Transition(TurnCommitted, reason)
}

// BeginInterrupt marks a confirmed barge-in as in flight.
func (c *Controller) BeginInterrupt() {
	c.mu.Lock()
	c.interruptActive = true
	c.mu.Unlock()
}

// CompleteInterrupt finishes interrupt processing: the controller returns
// to Listening and any queued commit is applied immediately after.
func (c *Controller) CompleteInterrupt(reason string) {
	c.mu.Lock()
	c.interruptActive = false
	pending := c.pendingCommit
	pendingReason := c.pendingReason
	c.pendingCommit = false
	c.pendingReason = ""
	c.mu.Unlock()

	c.Transition(Listening, reason)
	if pending {
		c.Transition(TurnCommitted, pendingReason)
	}
}

// InterruptActive reports whether an interrupt is being processed.
func (c *Controller) InterruptActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interruptActive
}

// AddListener registers a listener for phase change events.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}
