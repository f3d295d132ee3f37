package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/harunnryd/cadence/pkg/frames"
	"github.com/harunnryd/cadence/pkg/gradeband"
	"github.com/harunnryd/cadence/pkg/metrics"
	"github.com/harunnryd/cadence/pkg/phase"
)

type fakeCtrl struct {
	calls []string
	gain  float64
	plays int
}

func (c *fakeCtrl) Duck(g float64) { c.calls = append(c.calls, "duck"); c.gain = g }
func (c *fakeCtrl) HardStop()      { c.calls = append(c.calls, "hard_stop") }
func (c *fakeCtrl) Resume()        { c.calls = append(c.calls, "resume") }
func (c *fakeCtrl) Play(gen uint64, payload []byte) {
	c.calls = append(c.calls, "play")
	c.plays++
}

func (c *fakeCtrl) has(call string) bool {
	for _, v := range c.calls {
		if v == call {
			return true
		}
	}
	return false
}

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) pts() int64              { return c.t.UnixNano() }

func newTestSession(t *testing.T, band gradeband.Band) (*Session, *fakeCtrl, *fakeClock, *[]CommittedTurn, *metrics.MemoryObserver) {
	t.Helper()
	ctrl := &fakeCtrl{}
	clk := newFakeClock()
	turns := &[]CommittedTurn{}
	obs := metrics.NewMemoryObserver()
	s := New(Config{
		SessionID: "sess-1",
		Band:      band,
		Adaptive:  true,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observer:  obs,
		Now:       clk.now,
	}, ctrl, TurnSinkFunc(func(turn CommittedTurn) {
		*turns = append(*turns, turn)
	}))
	return s, ctrl, clk, turns, obs
}

// drain processes everything currently queued without blocking.
func drain(s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for {
		f, ok := s.queue.Pop(ctx)
		if !ok {
			return
		}
		s.dispatch(f)
	}
}

func sendTranscript(s *Session, clk *fakeClock, text string, conf float64, eot bool) {
	s.dispatch(frames.NewTranscriptFrame(s.id, clk.pts(), text, conf, eot, nil))
}

func sendAudio(s *Session, clk *fakeClock, rms float64) {
	s.dispatch(frames.NewAudioFrame(s.id, clk.pts(), rms, rms, nil))
}

func sendControl(s *Session, clk *fakeClock, code frames.ControlCode, meta map[string]string) {
	s.dispatch(frames.NewControlFrame(s.id, clk.pts(), code, meta))
}

// toTutorSpeaking commits a turn and walks the phase machine up to active
// playback of respText.
func toTutorSpeaking(t *testing.T, s *Session, clk *fakeClock, respText string) {
	t.Helper()
	sendTranscript(s, clk, "the answer to the question is seven because three plus four", 0.9, true)
	if s.Phase() != phase.Processing {
		t.Fatalf("setup: expected processing after commit, got %s", s.Phase())
	}
	s.NextGeneration()
	sendControl(s, clk, frames.ControlResponseBegin, map[string]string{frames.MetaText: respText})
	sendControl(s, clk, frames.ControlPlaybackStart, nil)
	if s.Phase() != phase.TutorSpeaking {
		t.Fatalf("setup: expected tutor_speaking, got %s", s.Phase())
	}
}

func TestLongUtteranceCommitsImmediately(t *testing.T) {
	s, _, clk, turns, _ := newTestSession(t, gradeband.Band35)

	sendTranscript(s, clk, "the water cycle has evaporation condensation and precipitation in it", 0.9, true)

	if len(*turns) != 1 {
		t.Fatalf("expected 1 committed turn, got %d", len(*turns))
	}
	if (*turns)[0].Reason != "end_of_turn" {
		t.Fatalf("unexpected reason %q", (*turns)[0].Reason)
	}
	if s.Phase() != phase.Processing {
		t.Fatalf("expected processing, got %s", s.Phase())
	}
}

func TestShortFragmentHeldThenCommitted(t *testing.T) {
	s, _, clk, turns, _ := newTestSession(t, gradeband.Band35)

	sendTranscript(s, clk, "the mitochondria", 0.9, true)
	if len(*turns) != 0 {
		t.Fatalf("short fragment must be held, not committed")
	}

	// Hold elapses with nothing else arriving.
	clk.advance(300 * time.Millisecond)
	s.dispatch(frames.NewSystemFrame(s.id, 0, s.commitTimer.name,
		map[string]string{metaTimerSeq: formatSeq(s.commitTimer.current())}))

	if len(*turns) != 1 {
		t.Fatalf("expected commit after hold elapsed, got %d turns", len(*turns))
	}
	if (*turns)[0].Reason != "hold_elapsed" {
		t.Fatalf("unexpected reason %q", (*turns)[0].Reason)
	}
}

func TestStaleCommitTimerIgnored(t *testing.T) {
	s, _, clk, turns, _ := newTestSession(t, gradeband.Band35)

	sendTranscript(s, clk, "the mitochondria", 0.9, true)
	staleSeq := s.commitTimer.current()

	// Speaker continues before the hold elapses; the held commit dies.
	clk.advance(100 * time.Millisecond)
	sendTranscript(s, clk, "is the powerhouse", 0.9, false)

	s.dispatch(frames.NewSystemFrame(s.id, 0, s.commitTimer.name,
		map[string]string{metaTimerSeq: formatSeq(staleSeq)}))

	if len(*turns) != 0 {
		t.Fatalf("stale timer fire must not commit, got %d turns", len(*turns))
	}
}

func TestBargeInDuckThenInterrupt(t *testing.T) {
	s, ctrl, clk, _, _ := newTestSession(t, gradeband.Band35)
	toTutorSpeaking(t, s, clk, "seven is right because three plus four makes seven")

	// Quiet frames establish the ambient baseline.
	for i := 0; i < 10; i++ {
		sendAudio(s, clk, 0.01)
		clk.advance(50 * time.Millisecond)
	}

	// Sustained loud speech: duck first, hard stop after the confirm window.
	sendAudio(s, clk, 0.03)
	if !ctrl.has("duck") {
		t.Fatalf("first loud frame must duck, calls=%v", ctrl.calls)
	}
	if ctrl.has("hard_stop") {
		t.Fatalf("hard stop must wait for the confirm window")
	}
	clk.advance(100 * time.Millisecond)
	sendAudio(s, clk, 0.03)
	clk.advance(100 * time.Millisecond)
	sendAudio(s, clk, 0.03)
	if !ctrl.has("hard_stop") {
		t.Fatalf("sustained speech past confirm window must hard stop, calls=%v", ctrl.calls)
	}

	drain(s)
	if s.Phase() != phase.Listening {
		t.Fatalf("expected listening after interrupt completes, got %s", s.Phase())
	}
}

func TestBriefNoiseRestoresWithoutInterrupt(t *testing.T) {
	s, ctrl, clk, _, _ := newTestSession(t, gradeband.Band35)
	toTutorSpeaking(t, s, clk, "lets look at the next problem together now")

	for i := 0; i < 10; i++ {
		sendAudio(s, clk, 0.01)
		clk.advance(50 * time.Millisecond)
	}

	// One loud frame, then back to quiet: duck then restore, never stop.
	sendAudio(s, clk, 0.04)
	clk.advance(50 * time.Millisecond)
	sendAudio(s, clk, 0.01)

	if !ctrl.has("duck") || !ctrl.has("resume") {
		t.Fatalf("expected duck then resume, calls=%v", ctrl.calls)
	}
	if ctrl.has("hard_stop") {
		t.Fatalf("brief noise must never hard stop")
	}
	if s.Phase() != phase.TutorSpeaking {
		t.Fatalf("playback must continue, got %s", s.Phase())
	}
}

func TestUnconfirmedDuckReleasedWhenPlaybackEnds(t *testing.T) {
	s, ctrl, clk, _, _ := newTestSession(t, gradeband.Band35)
	toTutorSpeaking(t, s, clk, "so the next step is to carry the one")

	for i := 0; i < 10; i++ {
		sendAudio(s, clk, 0.01)
		clk.advance(50 * time.Millisecond)
	}

	// A candidate ducks playback but the tutor finishes before the confirm
	// window resolves it either way.
	sendAudio(s, clk, 0.03)
	if !ctrl.has("duck") {
		t.Fatalf("loud frame during playback must duck, calls=%v", ctrl.calls)
	}
	clk.advance(100 * time.Millisecond)
	sendControl(s, clk, frames.ControlPlaybackEnd, nil)

	if !ctrl.has("resume") {
		t.Fatalf("gain never restored after unconfirmed duck, calls=%v", ctrl.calls)
	}
	if ctrl.has("hard_stop") {
		t.Fatalf("natural playback end must never hard stop, calls=%v", ctrl.calls)
	}
	if s.Phase() != phase.AwaitingResponse {
		t.Fatalf("expected awaiting_response, got %s", s.Phase())
	}
}

func TestQueuedCommitAppliesAfterInterrupt(t *testing.T) {
	s, ctrl, clk, turns, _ := newTestSession(t, gradeband.Band35)
	toTutorSpeaking(t, s, clk, "the capital of france is paris of course")
	*turns = nil

	for i := 0; i < 10; i++ {
		sendAudio(s, clk, 0.01)
		clk.advance(50 * time.Millisecond)
	}
	sendAudio(s, clk, 0.03)
	clk.advance(250 * time.Millisecond)
	sendAudio(s, clk, 0.03)
	if !ctrl.has("hard_stop") {
		t.Fatalf("interrupt did not confirm, calls=%v", ctrl.calls)
	}

	// The learner's barge-in utterance finishes while the interrupt is
	// still unwinding: the commit queues and applies afterwards.
	sendTranscript(s, clk, "actually i wanted to ask about something else entirely today", 0.9, true)
	if len(*turns) != 0 {
		t.Fatalf("commit must queue until the interrupt completes")
	}

	drain(s)
	if len(*turns) != 1 {
		t.Fatalf("queued commit must apply after interrupt, got %d", len(*turns))
	}
	if s.Phase() != phase.Processing {
		t.Fatalf("expected processing after queued commit, got %s", s.Phase())
	}
}

func TestEchoOfTutorSpeechDropped(t *testing.T) {
	s, _, clk, turns, obs := newTestSession(t, gradeband.Band35)
	toTutorSpeaking(t, s, clk, "the water cycle starts with evaporation from the ocean")
	*turns = nil

	clk.advance(300 * time.Millisecond)
	sendTranscript(s, clk, "the water cycle starts with evaporation from the ocean", 0.8, true)

	if len(*turns) != 0 {
		t.Fatalf("echoed tutor speech must never commit a turn")
	}
	drops := obs.Named("echo_check")
	if len(drops) == 0 || drops[len(drops)-1].Reason != "self_echo" {
		t.Fatalf("expected self_echo drop record, got %+v", drops)
	}
}

func TestStallEscapeCommitsWithPromptFlag(t *testing.T) {
	s, _, clk, turns, _ := newTestSession(t, gradeband.Band35)

	sendTranscript(s, clk, "well i was thinking that maybe", 0.9, false)
	clk.advance(4 * time.Second)

	s.dispatch(frames.NewSystemFrame(s.id, 0, s.stallTimer.name,
		map[string]string{metaTimerSeq: formatSeq(s.stallTimer.current())}))

	if len(*turns) != 1 {
		t.Fatalf("stall escape must commit, got %d turns", len(*turns))
	}
	if !(*turns)[0].StallEscape {
		t.Fatalf("stall escape flag must be set")
	}
	if (*turns)[0].Reason != "stall_escape" {
		t.Fatalf("unexpected reason %q", (*turns)[0].Reason)
	}

	// At most once per turn.
	s.dispatch(frames.NewSystemFrame(s.id, 0, s.stallTimer.name,
		map[string]string{metaTimerSeq: formatSeq(s.stallTimer.current())}))
	if len(*turns) != 1 {
		t.Fatalf("stall escape fired twice in one turn")
	}
}

func TestHesitationGuardWaitsForSecondSignal(t *testing.T) {
	s, _, clk, turns, _ := newTestSession(t, gradeband.BandK2)

	sendTranscript(s, clk, "i think the answer is um", 0.9, true)
	if len(*turns) != 0 {
		t.Fatalf("hesitation must hold the turn open")
	}

	clk.advance(900 * time.Millisecond)
	sendTranscript(s, clk, "fourteen because seven plus seven", 0.9, true)
	if len(*turns) != 1 {
		t.Fatalf("second end of turn must commit, got %d", len(*turns))
	}
	if (*turns)[0].Reason != "second_end_of_turn" {
		t.Fatalf("unexpected reason %q", (*turns)[0].Reason)
	}
	if got := (*turns)[0].Text; got != "i think the answer is um fourteen because seven plus seven" {
		t.Fatalf("turn text must accumulate across the guard, got %q", got)
	}
}

func TestStalePlaybackGenerationDiscarded(t *testing.T) {
	s, ctrl, clk, _, _ := newTestSession(t, gradeband.Band35)
	toTutorSpeaking(t, s, clk, "first response text for the learner here")
	gen1 := s.Generation()

	// A new response supersedes the first.
	s.NextGeneration()
	sendControl(s, clk, frames.ControlResponseBegin, map[string]string{frames.MetaText: "second response"})

	s.dispatch(frames.NewPlaybackFrame(s.id, clk.pts(), gen1, []byte("late"), nil))
	if ctrl.plays != 0 {
		t.Fatalf("stale generation chunk must be discarded")
	}
	s.dispatch(frames.NewPlaybackFrame(s.id, clk.pts(), s.Generation(), []byte("fresh"), nil))
	if ctrl.plays != 1 {
		t.Fatalf("current generation chunk must play")
	}
}

func TestTailTimerReturnsToListening(t *testing.T) {
	s, _, clk, _, _ := newTestSession(t, gradeband.Band35)
	toTutorSpeaking(t, s, clk, "that is exactly right nice work today")

	sendControl(s, clk, frames.ControlPlaybackEnd, nil)
	if s.Phase() != phase.AwaitingResponse {
		t.Fatalf("expected awaiting_response, got %s", s.Phase())
	}

	clk.advance(800 * time.Millisecond)
	s.dispatch(frames.NewSystemFrame(s.id, 0, s.tailTimer.name,
		map[string]string{metaTimerSeq: formatSeq(s.tailTimer.current())}))
	if s.Phase() != phase.Listening {
		t.Fatalf("expected listening after tail window, got %s", s.Phase())
	}
}

func TestFillerOnlyTranscriptIgnored(t *testing.T) {
	s, _, clk, turns, obs := newTestSession(t, gradeband.Band35)

	sendTranscript(s, clk, "um uh hmm", 0.9, true)
	if len(*turns) != 0 {
		t.Fatalf("filler-only fragment must not commit")
	}
	recs := obs.Named("transcript_filter")
	if len(recs) != 1 || recs[0].Reason != "filler" {
		t.Fatalf("expected filler drop record, got %+v", recs)
	}

	// Short valid answers still pass.
	sendTranscript(s, clk, "no", 0.9, true)
	if len(*turns) != 1 {
		t.Fatalf("quick answer must commit, got %d", len(*turns))
	}
	if (*turns)[0].Reason != "quick_answer" {
		t.Fatalf("unexpected reason %q", (*turns)[0].Reason)
	}
}

func TestRunAndCloseLifecycle(t *testing.T) {
	s, _, _, turns, _ := newTestSession(t, gradeband.Band35)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if !s.Push(frames.NewTranscriptFrame(s.id, 0, "the water cycle has evaporation condensation and precipitation in it", 0.9, true, nil)) {
		t.Fatalf("push rejected")
	}

	deadline := time.After(2 * time.Second)
	for len(*turns) == 0 {
		select {
		case <-deadline:
			t.Fatalf("turn never committed through the run loop")
		case <-time.After(5 * time.Millisecond):
		}
	}

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not tear down after close")
	}
	if s.Push(frames.NewAudioFrame(s.id, 0, 0.1, 0.1, nil)) {
		t.Fatalf("push after close must be rejected")
	}
}
