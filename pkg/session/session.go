package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/cadence/pkg/bargein"
	"github.com/harunnryd/cadence/pkg/echoguard"
	"github.com/harunnryd/cadence/pkg/frames"
	"github.com/harunnryd/cadence/pkg/gradeband"
	"github.com/harunnryd/cadence/pkg/logging"
	"github.com/harunnryd/cadence/pkg/metrics"
	"github.com/harunnryd/cadence/pkg/noisefloor"
	"github.com/harunnryd/cadence/pkg/phase"
	"github.com/harunnryd/cadence/pkg/playback"
	"github.com/harunnryd/cadence/pkg/priority"
	"github.com/harunnryd/cadence/pkg/turnpolicy"
)

// PlaybackController receives the output-side commands a session issues.
// Implementations must be cheap and non-blocking; the transport owns any
// buffering. The payload passed to Play may be a pooled buffer that is
// recycled once the call returns, so implementations that hold on to it
// must copy.
type PlaybackController interface {
	Duck(gain float64)
	HardStop()
	Resume()
	Play(generation uint64, payload []byte)
}

// CommittedTurn is a finalized learner turn handed to the response side.
type CommittedTurn struct {
	SessionID   string
	Text        string
	Reason      string
	StallEscape bool
	Timestamp   time.Time
}

// TurnSink consumes committed turns. The engine bridges this to the
// response collaborator.
type TurnSink interface {
	CommitTurn(turn CommittedTurn)
}

// TurnSinkFunc adapts a function to the TurnSink interface.
type TurnSinkFunc func(CommittedTurn)

func (f TurnSinkFunc) CommitTurn(t CommittedTurn) { f(t) }

// Config carries everything a session needs at construction time.
type Config struct {
	SessionID string
	Band      gradeband.Band
	Mode      gradeband.ActivityMode

	// Adaptive selects baseline-relative barge-in thresholds; disable for
	// cold-start sessions that should use the absolute fallback.
	Adaptive bool

	// MaxAudioLag sheds audio frames older than this instead of reacting
	// to stale loudness. Zero disables shedding.
	MaxAudioLag time.Duration

	FloorWindow time.Duration
	Echo        echoguard.Config

	QueueHigh int
	QueueLow  int

	Logger   *slog.Logger
	Observer metrics.Observer

	// Now is the clock; tests inject a fake.
	Now func() time.Time
}

// Session is the per-learner actor. One goroutine drains the two-priority
// queue and serializes every state mutation, so none of the owned
// components need locks of their own.
type Session struct {
	cfg  Config
	id   string
	log  *slog.Logger
	obs  metrics.Observer
	now  func() time.Time
	ctrl PlaybackController
	sink TurnSink

	queue  *priority.Queue
	floor  *noisefloor.Tracker
	echo   *echoguard.Guard
	barge  *bargein.Evaluator
	guard  *turnpolicy.Guard
	phases *phase.Controller
	gens   *playback.Sequence

	commitTimer *sessionTimer
	stallTimer  *sessionTimer
	tailTimer   *sessionTimer

	turnText      []string
	pendingTurn   *CommittedTurn
	lastInterrupt time.Time
	ended         bool

	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, ctrl PlaybackController, sink TurnSink) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	log := logging.NewComponentLogger(cfg.Logger, "session").With(
		slog.String("session_id", cfg.SessionID),
		slog.String("band", cfg.Band.String()),
	)

	s := &Session{
		cfg:    cfg,
		id:     cfg.SessionID,
		log:    log,
		obs:    cfg.Observer,
		now:    cfg.Now,
		ctrl:   ctrl,
		sink:   sink,
		queue:  priority.New(cfg.QueueHigh, cfg.QueueLow),
		floor:  noisefloor.NewTracker(cfg.FloorWindow),
		echo:   echoguard.New(cfg.Echo),
		barge:  bargein.NewEvaluator(cfg.Band.BargeIn(), cfg.Adaptive),
		guard:  turnpolicy.NewGuard(cfg.Band, cfg.Mode),
		phases: phase.NewController(log),
		gens:   playback.NewSequence(),
		closed: make(chan struct{}),
	}
	s.commitTimer = newSessionTimer("commit_timer", s.pushTimerFire)
	s.stallTimer = newSessionTimer("stall_timer", s.pushTimerFire)
	s.tailTimer = newSessionTimer("tail_timer", s.pushTimerFire)
	s.guard.StartTurn(s.now())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Phase returns the current conversation phase.
func (s *Session) Phase() phase.Phase { return s.phases.Phase() }

// Generation returns the active response generation ID.
func (s *Session) Generation() uint64 { return s.gens.Current() }

// NextGeneration opens a new response generation. The engine calls this
// before streaming a response so every chunk carries the ID; anything
// tagged with an older generation is discarded on arrival.
func (s *Session) NextGeneration() uint64 { return s.gens.Next() }

// Phases exposes the controller for listener registration.
func (s *Session) Phases() *phase.Controller { return s.phases }

// QueueStats returns queue traffic counters.
func (s *Session) QueueStats() priority.Stats { return s.queue.Stats() }

// Push routes a frame to the appropriate priority lane. It never blocks;
// false means the frame was shed.
func (s *Session) Push(f frames.Frame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	switch f.Kind() {
	case frames.KindControl, frames.KindSystem:
		if !s.queue.TryPushHigh(f) {
			s.log.Error("control_lane_full", slog.String("kind", string(f.Kind())))
			return false
		}
		return true
	default:
		return s.queue.TryPushLow(f)
	}
}

// PushOrdered enqueues on the low lane regardless of kind, preserving
// FIFO order with playback chunks. Response lifecycle markers ride here
// so playback_end cannot overtake the chunks it brackets; interrupt
// controls still jump the queue through Push.
func (s *Session) PushOrdered(f frames.Frame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	return s.queue.TryPushLow(f)
}

// Run drains the queue until ctx is done or the session ends. It is the
// only goroutine that touches session state.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown("run_exit")
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		f, ok := s.queue.Pop(ctx)
		if !ok {
			return
		}
		s.dispatch(f)
		select {
		case <-s.closed:
			return
		default:
		}
	}
}

// Close requests teardown through the queue so in-flight events finish
// first. Safe to call from any goroutine, repeatedly.
func (s *Session) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	s.queue.TryPushHigh(frames.NewSystemFrame(s.id, 0, sysSessionEnd, nil))
}

// Done is closed once the session has torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		s.ended = true
		s.commitTimer.cancel()
		s.stallTimer.cancel()
		s.tailTimer.cancel()
		s.record("lifecycle", 0, "closed", reason, nil)
		s.log.Info("session_closed", slog.String("reason", reason))
		close(s.closed)
	})
}

func (s *Session) pushTimerFire(name string, seq uint64) {
	f := frames.NewSystemFrame(s.id, 0, name, map[string]string{metaTimerSeq: formatSeq(seq)})
	if !s.queue.TryPushHigh(f) {
		s.log.Error("timer_fire_shed", slog.String("timer", name))
	}
}

// frameTime converts a frame PTS to wall time. Producers stamp capture
// frames with unix nanos; synthetic PTS values fall back to the clock.
func (s *Session) frameTime(pts int64) time.Time {
	const epochFloor = int64(1e15)
	if pts > epochFloor {
		return time.Unix(0, pts)
	}
	return s.now()
}

func (s *Session) record(name string, value float64, decision, reason string, fields map[string]any) {
	s.obs.RecordEvent(metrics.DecisionEvent{
		Name:     name,
		Time:     s.now(),
		Value:    value,
		Decision: decision,
		Reason:   reason,
		Tags: map[string]string{
			"session_id": s.id,
			"band":       s.cfg.Band.String(),
			"phase":      s.phases.Phase().String(),
		},
		Fields: fields,
	})
}

func (s *Session) currentText() string {
	return strings.TrimSpace(strings.Join(s.turnText, " "))
}
