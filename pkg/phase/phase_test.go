package phase

import (
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFullCycle(t *testing.T) {
	c := NewController(quietLogger())
	steps := []Phase{TurnCommitted, Processing, TutorSpeaking, AwaitingResponse, Listening}
	for _, p := range steps {
		if !c.Transition(p, "cycle") {
			t.Fatalf("transition to %s rejected", p)
		}
	}
	if c.Phase() != Listening {
		t.Fatalf("cycle should end in listening, got %s", c.Phase())
	}
}

func TestRejectedTransitionIsNoOp(t *testing.T) {
	c := NewController(quietLogger())
	if c.Transition(TutorSpeaking, "skip ahead") {
		t.Fatalf("listening -> tutor_speaking must be rejected")
	}
	if c.Phase() != Listening {
		t.Fatalf("rejected transition must not change phase, got %s", c.Phase())
	}
}

func TestCommitRejectedDuringTutorSpeech(t *testing.T) {
	c := NewController(quietLogger())
	c.Transition(TurnCommitted, "t")
	c.Transition(Processing, "t")
	c.Transition(TutorSpeaking, "t")

	if c.RequestTurnCommit("eager user") {
		t.Fatalf("commit without a confirmed barge-in must be rejected")
	}
	if c.Phase() != TutorSpeaking {
		t.Fatalf("phase must be unchanged, got %s", c.Phase())
	}
}

func TestCommitQueuedThroughInterrupt(t *testing.T) {
	c := NewController(quietLogger())
	c.Transition(TurnCommitted, "t")
	c.Transition(Processing, "t")
	c.Transition(TutorSpeaking, "t")

	c.BeginInterrupt()
	if c.RequestTurnCommit("barge-in turn") {
		t.Fatalf("queued commit should report false until applied")
	}

	c.CompleteInterrupt("interrupt_done")
	if c.Phase() != TurnCommitted {
		t.Fatalf("queued commit must apply after interrupt completes, got %s", c.Phase())
	}
}

func TestCompleteInterruptWithoutPendingReturnsToListening(t *testing.T) {
	c := NewController(quietLogger())
	c.Transition(TurnCommitted, "t")
	c.Transition(Processing, "t")
	c.Transition(TutorSpeaking, "t")

	c.BeginInterrupt()
	c.CompleteInterrupt("interrupt_done")
	if c.Phase() != Listening {
		t.Fatalf("expected listening after bare interrupt, got %s", c.Phase())
	}
	if c.InterruptActive() {
		t.Fatalf("interrupt flag must clear")
	}
}

func TestListenersObserveChanges(t *testing.T) {
	c := NewController(quietLogger())
	var events []Change
	c.AddListener(ListenerFunc(func(ev Change) { events = append(events, ev) }))

	c.Transition(TurnCommitted, "commit")
	c.Transition(Processing, "dispatch")

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].From != Listening || events[0].To != TurnCommitted {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Reason != "dispatch" {
		t.Fatalf("reason not propagated: %+v", events[1])
	}
}
