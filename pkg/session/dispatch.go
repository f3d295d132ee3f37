package session

import (
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/cadence/pkg/bargein"
	"github.com/harunnryd/cadence/pkg/echoguard"
	"github.com/harunnryd/cadence/pkg/frames"
	"github.com/harunnryd/cadence/pkg/phase"
	"github.com/harunnryd/cadence/pkg/transcript"
	"github.com/harunnryd/cadence/pkg/turnpolicy"
)

// System frame names the session understands.
const (
	sysSessionEnd        = "session_end"
	sysCaptureDisconnect = "capture_disconnect"
	sysInterruptComplete = "interrupt_complete"

	metaTimerSeq = "timer_seq"
)

func (s *Session) dispatch(f frames.Frame) {
	switch fr := f.(type) {
	case frames.AudioFrame:
		s.handleAudio(fr)
	case frames.TranscriptFrame:
		s.handleTranscript(fr)
	case frames.PlaybackFrame:
		s.handlePlayback(fr)
	case frames.ControlFrame:
		s.handleControl(fr)
	case frames.SystemFrame:
		s.handleSystem(fr)
	default:
		s.log.Warn("unknown_frame", slog.String("kind", string(f.Kind())))
	}
}

func (s *Session) handleAudio(af frames.AudioFrame) {
	if s.ended {
		return
	}
	now := s.frameTime(af.PTS())
	if s.cfg.MaxAudioLag > 0 && s.now().Sub(now) > s.cfg.MaxAudioLag {
		s.record("audio_shed", af.RMS(), "drop", "stale_frame", nil)
		return
	}

	s.floor.Update(af.RMS(), now)
	baseline := s.floor.Baseline()

	// Audible speech while a turn is open pushes the silence bound out.
	if s.floor.GateOpen() && s.phases.Phase() == phase.Listening && len(s.turnText) > 0 {
		s.armStall()
	}

	if s.echo.TailGuardActive(now) {
		if s.floor.GateOpen() {
			s.record("barge_in", af.RMS(), "blocked", "tail_guard", nil)
		}
		return
	}

	playbackActive := s.phases.Phase() == phase.TutorSpeaking
	d := s.barge.Evaluate(af.RMS(), af.Peak(), baseline, playbackActive, now)
	switch d.Action {
	case bargein.ActionDuck:
		s.ctrl.Duck(s.barge.Config().DuckGain)
		s.record("barge_in", d.Threshold, "duck", d.Reason, map[string]any{
			"rms":      af.RMS(),
			"baseline": baseline,
		})
	case bargein.ActionRestore:
		s.ctrl.Resume()
		s.record("barge_in", d.Threshold, "restore", d.Reason, nil)
	case bargein.ActionInterrupt:
		s.confirmInterrupt(now, d)
	}
}

// confirmInterrupt runs the stage-2 hard stop. The phase unwind happens on
// a follow-up system frame so the controller's queued-commit window stays
// observable to events already in the high lane.
func (s *Session) confirmInterrupt(now time.Time, d bargein.Decision) {
	s.ctrl.HardStop()
	s.phases.BeginInterrupt()
	s.gens.Next()
	s.tailTimer.cancel()
	s.echo.MarkPlaybackEnd(now)
	s.guard.SetTutorSpeaking(false)
	s.guard.NoteBargeIn(now)
	s.lastInterrupt = now
	s.record("barge_in", d.Threshold, "interrupt", d.Reason, map[string]any{
		"sustained_ms": d.Sustained.Milliseconds(),
	})
	if !s.queue.TryPushHigh(frames.NewSystemFrame(s.id, 0, sysInterruptComplete, nil)) {
		// Queue pressure cannot be allowed to strand the interrupt.
		s.finishInterrupt()
	}
}

func (s *Session) finishInterrupt() {
	s.phases.CompleteInterrupt("interrupt_done")
	if s.pendingTurn != nil && s.phases.Phase() == phase.TurnCommitted {
		turn := *s.pendingTurn
		s.pendingTurn = nil
		s.deliverTurn(turn)
		return
	}
	s.pendingTurn = nil
	s.guard.StartTurn(s.now())
	s.armStall()
}

func (s *Session) handleTranscript(tf frames.TranscriptFrame) {
	now := s.frameTime(tf.PTS())

	v := transcript.Check(tf.Text(), s.ended)
	if v.Drop {
		// A bare end-of-turn marker (native utterance-end detection) has no
		// text of its own but still closes an open turn.
		if v.Reason == "empty" && tf.EndOfTurn() && len(s.turnText) > 0 && s.phases.Phase() == phase.Listening {
			s.evalEndOfTurn(tf.Confidence(), now)
			return
		}
		s.record("transcript_filter", tf.Confidence(), "drop", v.Reason, nil)
		return
	}

	ev := s.echo.Check(tf.Text(), now)
	if ev.Echo {
		// A tail-guard veto right after a learner-confirmed interrupt is
		// the learner's own barge-in speech, not an echo.
		interruptSpeech := ev.Blocked && !s.lastInterrupt.IsZero() &&
			now.Sub(s.lastInterrupt) <= s.echoTailGuard()
		if !interruptSpeech {
			s.record("echo_check", ev.Similarity, "drop", ev.Reason, nil)
			return
		}
	}

	switch s.phases.Phase() {
	case phase.Listening:
		s.acceptSpeech(tf, now)
	case phase.TutorSpeaking, phase.AwaitingResponse:
		// Genuine speech over playback. Accumulate; a commit from here can
		// only land through a confirmed interrupt's queue.
		s.turnText = append(s.turnText, tf.Text())
		s.armStall()
		if tf.EndOfTurn() {
			s.evalEndOfTurn(tf.Confidence(), now)
		}
	default:
		// TurnCommitted / Processing: the previous turn is already in
		// flight; late fragments are dropped, not folded in.
		s.record("transcript_filter", tf.Confidence(), "drop", "turn_in_flight", nil)
	}
}

func (s *Session) acceptSpeech(tf frames.TranscriptFrame, now time.Time) {
	s.turnText = append(s.turnText, tf.Text())
	s.armStall()
	if tf.EndOfTurn() {
		s.evalEndOfTurn(tf.Confidence(), now)
		return
	}
	s.guard.OnMoreSpeech(now)
	s.commitTimer.cancel()
}

func (s *Session) evalEndOfTurn(confidence float64, now time.Time) {
	text := s.currentText()
	d := s.guard.OnEndOfTurn(text, confidence, now)
	s.record("turn_policy", confidence, d.Outcome.String(), d.Reason, map[string]any{
		"hold_ms": d.Hold.Milliseconds(),
		"words":   len(strings.Fields(text)),
	})

	switch d.Outcome {
	case turnpolicy.OutcomeCommit:
		s.commitTurn(d.Reason, false, now)
	case turnpolicy.OutcomeHold:
		s.commitTimer.arm(d.Hold)
	case turnpolicy.OutcomeHesitate:
		s.commitTimer.cancel()
		s.stallTimer.arm(d.Hold)
	case turnpolicy.OutcomeWait:
		// Too weak to act on; the stall timer keeps the turn bounded.
	}
}

func (s *Session) commitTurn(reason string, stall bool, now time.Time) {
	s.commitTimer.cancel()
	s.stallTimer.cancel()

	text := s.currentText()
	if text == "" && !stall {
		return
	}
	turn := CommittedTurn{
		SessionID:   s.id,
		Text:        text,
		Reason:      reason,
		StallEscape: stall,
		Timestamp:   now,
	}

	if s.phases.RequestTurnCommit(reason) {
		s.deliverTurn(turn)
		return
	}
	if s.phases.InterruptActive() {
		s.pendingTurn = &turn
		return
	}
	s.record("turn_commit", 0, "rejected", "tutor_holds_floor", nil)
}

func (s *Session) deliverTurn(turn CommittedTurn) {
	s.turnText = nil
	s.record("turn_commit", float64(len(strings.Fields(turn.Text))), "commit", turn.Reason, map[string]any{
		"stall_escape": turn.StallEscape,
	})
	if s.sink != nil {
		s.sink.CommitTurn(turn)
	}
	s.phases.Transition(phase.Processing, "turn_dispatched")
}

func (s *Session) handlePlayback(pf frames.PlaybackFrame) {
	if !s.gens.Accept(pf.Generation()) {
		s.record("playback", float64(pf.Generation()), "drop", "stale_generation", nil)
		frames.ReleasePlaybackFrame(pf)
		return
	}
	s.ctrl.Play(pf.Generation(), pf.RawPayload())
	frames.ReleasePlaybackFrame(pf)
}

func (s *Session) handleControl(cf frames.ControlFrame) {
	now := s.frameTime(cf.PTS())
	switch cf.Code() {
	case frames.ControlResponseBegin:
		s.echo.RecordUtterance(cf.Meta()[frames.MetaText], now)
		s.record("response", float64(s.gens.Current()), "begin", "response_begin", nil)

	case frames.ControlPlaybackStart:
		s.stallTimer.cancel()
		s.echo.MarkPlaybackStart(now)
		s.guard.SetTutorSpeaking(true)
		s.phases.Transition(phase.TutorSpeaking, "playback_start")

	case frames.ControlPlaybackEnd:
		// An unconfirmed stage-1 duck dies with the playback it was
		// protecting; give the gain back before the evaluator forgets it.
		if s.barge.Ducked() {
			s.ctrl.Resume()
			s.record("barge_in", 0, "restore", "playback_end", nil)
		}
		s.echo.MarkPlaybackEnd(now)
		s.guard.SetTutorSpeaking(false)
		s.barge.Reset()
		if s.phases.Transition(phase.AwaitingResponse, "playback_end") {
			s.tailTimer.arm(s.echoTailGuard())
		}

	case frames.ControlResponseEnd:
		// Generation finished without producing any playback (empty or
		// failed response): fall back to listening.
		if s.phases.Phase() == phase.Processing {
			s.phases.Transition(phase.Listening, "response_aborted")
			s.guard.StartTurn(now)
		}

	case frames.ControlHardStop:
		// Externally forced stop, e.g. operator intervention.
		if s.barge.Ducked() {
			s.ctrl.Resume()
		}
		s.ctrl.HardStop()
		s.gens.Next()
		s.barge.Reset()
		s.echo.MarkPlaybackEnd(now)
		s.guard.SetTutorSpeaking(false)
		s.phases.Transition(phase.Listening, "forced_stop")
		s.guard.StartTurn(now)

	default:
		s.log.Debug("control_ignored", slog.String("code", string(cf.Code())))
	}
}

func (s *Session) handleSystem(sf frames.SystemFrame) {
	switch sf.Name() {
	case sysInterruptComplete:
		s.finishInterrupt()

	case s.commitTimer.name:
		if !s.commitTimer.matches(sf.Meta()[metaTimerSeq]) {
			return
		}
		if s.phases.Phase() == phase.Listening && len(s.turnText) > 0 {
			s.commitTurn("hold_elapsed", false, s.now())
		}

	case s.stallTimer.name:
		if !s.stallTimer.matches(sf.Meta()[metaTimerSeq]) {
			return
		}
		d := s.guard.OnStallTimeout(s.now())
		s.record("turn_policy", 0, d.Outcome.String(), d.Reason, nil)
		if d.Outcome == turnpolicy.OutcomeStallEscape {
			s.commitTurn("stall_escape", true, s.now())
		}

	case s.tailTimer.name:
		if !s.tailTimer.matches(sf.Meta()[metaTimerSeq]) {
			return
		}
		if s.phases.Phase() == phase.AwaitingResponse {
			s.phases.Transition(phase.Listening, "response_complete")
			s.guard.StartTurn(s.now())
		}

	case sysCaptureDisconnect:
		s.record("lifecycle", 0, "warn", sysCaptureDisconnect, nil)
		s.log.Warn("capture_disconnected")

	case sysSessionEnd:
		s.teardown(sysSessionEnd)

	default:
		s.log.Debug("system_ignored", slog.String("name", sf.Name()))
	}
}

// armStall (re)starts the silence deadman for the open turn.
func (s *Session) armStall() {
	s.stallTimer.arm(s.guard.Timing().MaxTurnSilence)
}

func (s *Session) echoTailGuard() time.Duration {
	if s.cfg.Echo.TailGuard > 0 {
		return s.cfg.Echo.TailGuard
	}
	return echoguard.DefaultTailGuard
}
