package turnpolicy

import (
	"testing"
	"time"

	"github.com/harunnryd/cadence/pkg/gradeband"
)

func TestQuickAnswerFastPath(t *testing.T) {
	g := NewGuard(gradeband.Band35, gradeband.ModeDefault)
	now := time.Unix(0, 0)
	g.StartTurn(now)

	for _, text := range []string{"yes", "no", "7", "42", "okay"} {
		d := g.OnEndOfTurn(text, 0.9, now.Add(time.Second))
		if d.Outcome != OutcomeCommit || d.Reason != "quick_answer" {
			t.Fatalf("%q should fast-path commit, got %+v", text, d)
		}
	}
}

func TestLowConfidenceWaits(t *testing.T) {
	g := NewGuard(gradeband.Band912, gradeband.ModeDefault)
	now := time.Unix(10, 0)
	g.StartTurn(now)

	d := g.OnEndOfTurn("I believe the answer is gravity", 0.2, now.Add(time.Second))
	if d.Outcome != OutcomeWait || d.Reason != "low_confidence" {
		t.Fatalf("sub-threshold confidence must wait, got %+v", d)
	}
}

func TestShortFragmentHold(t *testing.T) {
	g := NewGuard(gradeband.Band912, gradeband.ModeDefault)
	now := time.Unix(20, 0)
	g.StartTurn(now)

	d := g.OnEndOfTurn("the mitochondria", 0.9, now.Add(time.Second))
	if d.Outcome != OutcomeHold || d.Reason != "short_fragment" {
		t.Fatalf("short declarative fragment should hold, got %+v", d)
	}
	if d.Hold != 200*time.Millisecond {
		t.Fatalf("short fragment hold should be 200ms, got %v", d.Hold)
	}
}

func TestTrailingConnectiveExtendedHold(t *testing.T) {
	g := NewGuard(gradeband.Band912, gradeband.ModeDefault)
	now := time.Unix(30, 0)
	g.StartTurn(now)

	d := g.OnEndOfTurn("it rains because", 0.9, now.Add(time.Second))
	if d.Outcome != OutcomeHold || d.Reason != "trailing_connective" {
		t.Fatalf("trailing conjunction should extend hold, got %+v", d)
	}
	if d.Hold <= 200*time.Millisecond {
		t.Fatalf("connective hold must exceed the short-fragment hold, got %v", d.Hold)
	}
}

func TestThinkingAloudGraceOlderBands(t *testing.T) {
	g := NewGuard(gradeband.Band912, gradeband.ModeDefault)
	now := time.Unix(40, 0)
	g.StartTurn(now)

	d := g.OnEndOfTurn("I think photosynthesis converts light into chemical energy stored in glucose", 0.9, now.Add(time.Second))
	if d.Outcome != OutcomeHold || d.Reason != "thinking_aloud" {
		t.Fatalf("reflective utterance should get grace, got %+v", d)
	}
	if d.Hold != 800*time.Millisecond {
		t.Fatalf("thinking grace should be 800ms, got %v", d.Hold)
	}
}

func TestK2HesitationGuardAndSecondEOT(t *testing.T) {
	g := NewGuard(gradeband.BandK2, gradeband.ModeDefault)
	now := time.Unix(50, 0)
	g.StartTurn(now)

	d := g.OnEndOfTurn("I counted three apples and", 0.9, now.Add(time.Second))
	if d.Outcome != OutcomeHesitate {
		t.Fatalf("first hesitation should arm the guard, got %+v", d)
	}
	if !g.AwaitingSecondEOT() {
		t.Fatalf("guard should be awaiting a second end of turn")
	}

	d = g.OnEndOfTurn("and two bananas", 0.9, now.Add(3*time.Second))
	if d.Outcome != OutcomeCommit || d.Reason != "second_end_of_turn" {
		t.Fatalf("second signal should commit immediately, got %+v", d)
	}
}

func TestStallEscapeFiresExactlyOnce(t *testing.T) {
	g := NewGuard(gradeband.BandK2, gradeband.ModeDefault)
	now := time.Unix(60, 0)
	g.StartTurn(now)

	d := g.OnEndOfTurn("the red ones and", 0.9, now.Add(time.Second))
	if d.Outcome != OutcomeHesitate {
		t.Fatalf("expected hesitation guard, got %+v", d)
	}
	if d.Hold != 4500*time.Millisecond {
		t.Fatalf("k2 stall bound should be 4.5s, got %v", d.Hold)
	}

	fire := now.Add(time.Second).Add(d.Hold)
	esc := g.OnStallTimeout(fire)
	if esc.Outcome != OutcomeStallEscape || esc.Reason != "max_turn_silence" {
		t.Fatalf("expected stall escape, got %+v", esc)
	}

	again := g.OnStallTimeout(fire.Add(time.Second))
	if again.Outcome == OutcomeStallEscape {
		t.Fatalf("stall escape must fire at most once per turn")
	}

	// A new turn re-arms it.
	g.StartTurn(fire.Add(2 * time.Second))
	if g.StallEscapeTriggered() {
		t.Fatalf("StartTurn must reset the stall escape")
	}
}

func TestStallEscapeSuppressedDuringTutorSpeech(t *testing.T) {
	g := NewGuard(gradeband.BandK2, gradeband.ModeDefault)
	now := time.Unix(70, 0)
	g.StartTurn(now)
	g.SetTutorSpeaking(true)

	d := g.OnStallTimeout(now.Add(5 * time.Second))
	if d.Outcome != OutcomeWait || d.Reason != "tutor_speaking" {
		t.Fatalf("stall escape must not fire during tutor speech, got %+v", d)
	}
	if g.StallEscapeTriggered() {
		t.Fatalf("suppressed stall must not consume the once-per-turn escape")
	}
}

func TestStallEscapeSuppressedAfterBargeIn(t *testing.T) {
	g := NewGuard(gradeband.Band35, gradeband.ModeDefault)
	now := time.Unix(80, 0)
	g.StartTurn(now)
	g.NoteBargeIn(now.Add(time.Second))

	d := g.OnStallTimeout(now.Add(1500 * time.Millisecond))
	if d.Outcome != OutcomeWait || d.Reason != "barge_in_cooldown" {
		t.Fatalf("stall escape inside barge-in cooldown must wait, got %+v", d)
	}

	d = g.OnStallTimeout(now.Add(3 * time.Second))
	if d.Outcome != OutcomeStallEscape {
		t.Fatalf("stall escape should fire after cooldown, got %+v", d)
	}
}

func TestHesitationGuardOnlyFirstDetection(t *testing.T) {
	g := NewGuard(gradeband.BandK2, gradeband.ModeDefault)
	now := time.Unix(90, 0)
	g.StartTurn(now)

	first := g.OnEndOfTurn("I have five and", 0.9, now.Add(time.Second))
	if first.Outcome != OutcomeHesitate {
		t.Fatalf("first detection arms guard, got %+v", first)
	}
	// Speech continued, second EOT consumed as commit.
	g.OnMoreSpeech(now.Add(2 * time.Second))

	// Another trailing connective in the same turn: no re-arm, falls
	// through to the ordinary connective hold.
	d := g.OnEndOfTurn("five and two and", 0.9, now.Add(3*time.Second))
	if d.Outcome != OutcomeHold || d.Reason != "trailing_connective" {
		t.Fatalf("hesitation guard must arm only once per turn, got %+v", d)
	}
}

func TestOlderBandSkipsHesitationGuard(t *testing.T) {
	g := NewGuard(gradeband.BandAdult, gradeband.ModeDefault)
	now := time.Unix(100, 0)
	g.StartTurn(now)

	d := g.OnEndOfTurn("the derivative is two x and", 0.9, now.Add(time.Second))
	if d.Outcome != OutcomeHold || d.Reason != "trailing_connective" {
		t.Fatalf("adults get the connective hold, not the patience overlay: %+v", d)
	}
}
