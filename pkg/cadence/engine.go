package cadence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/cadence/pkg/echoguard"
	"github.com/harunnryd/cadence/pkg/errorsx"
	"github.com/harunnryd/cadence/pkg/frames"
	"github.com/harunnryd/cadence/pkg/gradeband"
	"github.com/harunnryd/cadence/pkg/logging"
	"github.com/harunnryd/cadence/pkg/metrics"
	"github.com/harunnryd/cadence/pkg/observers"
	"github.com/harunnryd/cadence/pkg/redact"
	"github.com/harunnryd/cadence/pkg/resilience"
	"github.com/harunnryd/cadence/pkg/responder"
	"github.com/harunnryd/cadence/pkg/session"
	"github.com/harunnryd/cadence/pkg/transports"
)

// respondTimeout bounds one response generation attempt end to end,
// including retries.
const respondTimeout = 30 * time.Second

// Options carries the collaborators the engine is wired with. Transport
// and Responder are required; the rest default sensibly.
type Options struct {
	Transport transports.Transport
	Responder responder.Responder
	Logger    *slog.Logger

	// Observers are appended to the built-in decision sinks.
	Observers []metrics.Observer
}

// Engine routes transport frames to per-learner session actors and
// bridges committed turns to the response collaborator. It owns the
// observer stack and the delivery resilience layer.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	baseLog   *slog.Logger
	transport transports.Transport
	responder responder.Responder

	obs      metrics.Observer
	async    *metrics.AsyncObserver
	trace    *observers.TraceObserver
	eventLog *os.File

	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	pts     *frames.PTSGen

	mu       sync.Mutex
	sessions map[string]*engineSession

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	drainOnce sync.Once
	drainErr  error
}

type engineSession struct {
	sess *session.Session
	band gradeband.Band
}

func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Responder == nil {
		return nil, fmt.Errorf("responder is required")
	}
	baseLog := opts.Logger
	if baseLog == nil {
		baseLog = logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	e := &Engine{
		cfg:       cfg,
		log:       logging.NewComponentLogger(baseLog, "engine"),
		baseLog:   baseLog,
		transport: opts.Transport,
		responder: opts.Responder,
		retry: resilience.NewRetryPolicy(cfg.Delivery.Retries,
			time.Duration(cfg.Delivery.RetryBackoffMS)*time.Millisecond),
		breaker: resilience.NewCircuitBreaker(cfg.Delivery.BreakerThreshold,
			time.Duration(cfg.Delivery.BreakerCooldownMS)*time.Millisecond),
		pts:      frames.NewPTSGen(),
		sessions: make(map[string]*engineSession),
	}

	sinks := observers.Fanout{observers.NewLogObserver(baseLog)}
	if cfg.Observability.ArtifactsDir != "" {
		trace, err := observers.NewTraceObserver(cfg.Observability.ArtifactsDir)
		if err != nil {
			return nil, fmt.Errorf("trace observer: %w", err)
		}
		e.trace = trace
		sinks = append(sinks, trace)
	}
	if cfg.Observability.EventLog != "" {
		f, err := os.OpenFile(cfg.Observability.EventLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("event log: %w", err)
		}
		e.eventLog = f
		sinks = append(sinks, metrics.NewJSONLObserver(f))
	}
	for _, o := range opts.Observers {
		sinks = append(sinks, o)
	}
	e.async = metrics.NewAsyncObserver(sinks, cfg.Observability.AsyncBuffer)
	e.obs = e.async
	if cfg.Observability.SampleRate > 0 && cfg.Observability.SampleRate < 1 {
		e.obs = metrics.NewSamplingObserver(e.async, cfg.Observability.SampleRate)
	}
	return e, nil
}

// Start launches the transport and the frame pump. It returns once the
// engine is accepting sessions; Drain finishes them.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	if err := e.transport.Start(e.ctx); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCaptureConnect)
	}
	fields := []any{slog.String("transport", e.transport.Name())}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, slog.Any(k, v))
		}
	}
	e.log.Info("engine_started", fields...)

	e.wg.Add(1)
	go e.pump()
	return nil
}

// pump routes every inbound frame to its session actor. It exits when
// the transport closes its receive channel.
func (e *Engine) pump() {
	defer e.wg.Done()
	for f := range e.transport.Recv() {
		e.route(f)
	}
}

func (e *Engine) route(f frames.Frame) {
	meta := f.Meta()
	id := meta[frames.MetaSessionID]
	if id == "" {
		e.log.Debug("frame_without_session", slog.String("kind", string(f.Kind())))
		return
	}

	if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == transports.SystemSessionStart {
		e.startSession(id, meta)
		return
	}

	es := e.lookup(id)
	if es == nil {
		e.log.Debug("frame_for_unknown_session",
			slog.String("session_id", id),
			slog.String("kind", string(f.Kind())))
		return
	}
	if !es.sess.Push(f) {
		e.log.Warn("session_queue_shed",
			slog.String("session_id", id),
			slog.String("kind", string(f.Kind())),
			slog.String("reason_code", string(errorsx.ReasonSessionQueue)))
	}
}

func (e *Engine) startSession(id string, meta map[string]string) {
	band := gradeband.DefaultBand
	if b, ok := gradeband.ParseBand(e.cfg.Session.DefaultBand); ok {
		band = b
	}
	mode := gradeband.ParseMode(e.cfg.Session.DefaultMode)
	if raw := meta[frames.MetaBand]; raw != "" {
		if b, ok := gradeband.ParseBand(raw); ok {
			band = b
		} else {
			// Keep the configured default; a wrong patience profile beats
			// a refused session.
			e.log.Warn("unknown_band",
				slog.String("session_id", id),
				slog.String("band", raw),
				slog.String("reason_code", string(errorsx.ReasonBandFallback)))
		}
	}
	if raw := meta[frames.MetaMode]; raw != "" {
		mode = gradeband.ParseMode(raw)
	}

	sessCfg := session.Config{
		SessionID:   id,
		Band:        band,
		Mode:        mode,
		Adaptive:    e.cfg.Session.Adaptive,
		MaxAudioLag: time.Duration(e.cfg.Session.MaxAudioLagMS) * time.Millisecond,
		FloorWindow: time.Duration(e.cfg.Session.FloorWindowMS) * time.Millisecond,
		Echo:        e.echoConfig(),
		QueueHigh:   e.cfg.Session.QueueHigh,
		QueueLow:    e.cfg.Session.QueueLow,
		Logger:      e.baseLog,
		Observer:    e.obs,
	}
	ctrl := &transportController{
		id:  id,
		t:   e.transport,
		pts: e.pts,
		log: e.log,
	}
	s := session.New(sessCfg, ctrl, session.TurnSinkFunc(func(turn session.CommittedTurn) {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.respond(turn)
		}()
	}))

	e.mu.Lock()
	old := e.sessions[id]
	e.sessions[id] = &engineSession{sess: s, band: band}
	e.mu.Unlock()
	if old != nil {
		// A reconnect with the same session ID supersedes the old actor.
		old.sess.Close()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.Run(e.ctx)
	}()
	go e.reap(id, s)

	traceID := meta[frames.MetaTraceID]
	if traceID == "" {
		traceID = uuid.NewString()
	}
	e.log.Info("session_started",
		slog.String("session_id", id),
		slog.String("band", band.String()),
		slog.String("mode", mode.String()),
		slog.String("trace_id", traceID))
}

// reap removes the session from the registry once its actor exits.
func (e *Engine) reap(id string, s *session.Session) {
	<-s.Done()
	e.mu.Lock()
	if es, ok := e.sessions[id]; ok && es.sess == s {
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	if e.trace != nil {
		_ = e.trace.CloseSession(id)
	}
	e.log.Info("session_removed", slog.String("session_id", id))
}

func (e *Engine) lookup(id string) *engineSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// respond generates and streams the tutor's reply for one committed
// turn. Runs off the session goroutine; the session keeps listening for
// barge-in the whole time.
func (e *Engine) respond(turn session.CommittedTurn) {
	es := e.lookup(turn.SessionID)
	if es == nil {
		return
	}
	log := e.log.With(slog.String("session_id", turn.SessionID))

	if !e.breaker.Allow() {
		log.Warn("response_skipped",
			slog.String("reason_code", string(errorsx.ReasonResponderBreaker)))
		e.recordDelivery(turn, "drop", "circuit_open")
		e.abortResponse(es.sess, turn.SessionID)
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, respondTimeout)
	defer cancel()

	var resp responder.Response
	err := e.retry.Do(ctx, func() error {
		var rerr error
		resp, rerr = e.responder.Respond(ctx, turn)
		return rerr
	})
	if err != nil {
		e.breaker.OnError(err)
		reason := errorsx.ReasonResponderDeliver
		if resilience.IsRateLimit(err) {
			reason = errorsx.ReasonResponderRateLimit
		}
		log.Error("response_failed",
			slog.String("reason_code", string(reason)),
			slog.String("error", err.Error()))
		e.recordDelivery(turn, "error", string(reason))
		e.abortResponse(es.sess, turn.SessionID)
		return
	}
	e.breaker.OnSuccess()

	meta := map[string]string{}
	if turn.StallEscape {
		if resp.Text == "" {
			resp.Text = e.stallPrompt(es.band)
		}
		meta[frames.MetaPrompt] = "stall_escape"
	}
	e.stream(es.sess, turn.SessionID, resp, meta)
	e.recordDelivery(turn, "delivered", turn.Reason)
}

// stream pushes the response through the session's ordered lane so the
// lifecycle markers cannot overtake the chunks they bracket. The session
// discards every chunk if a barge-in bumps the generation mid-stream.
func (e *Engine) stream(s *session.Session, id string, resp responder.Response, meta map[string]string) {
	gen := s.NextGeneration()
	meta[frames.MetaText] = resp.Text
	meta[frames.MetaGeneration] = strconv.FormatUint(gen, 10)

	ok := s.PushOrdered(frames.NewControlFrame(id, e.pts.Next(id), frames.ControlResponseBegin, meta))
	if len(resp.Audio) == 0 {
		ok = s.PushOrdered(frames.NewControlFrame(id, e.pts.Next(id), frames.ControlResponseEnd, nil)) && ok
	} else {
		ok = s.PushOrdered(frames.NewControlFrame(id, e.pts.Next(id), frames.ControlPlaybackStart, nil)) && ok
		for _, chunk := range resp.Audio {
			// Pooled buffers: the session releases each chunk after Play.
			pf := frames.NewPlaybackFrameFromPool(id, e.pts.Next(id), gen, chunk, nil)
			if !s.PushOrdered(pf) {
				frames.ReleasePlaybackFrame(pf)
				ok = false
			}
		}
		ok = s.PushOrdered(frames.NewControlFrame(id, e.pts.Next(id), frames.ControlPlaybackEnd, nil)) && ok
	}
	if !ok {
		e.log.Warn("response_frames_shed",
			slog.String("session_id", id),
			slog.String("reason_code", string(errorsx.ReasonSessionQueue)))
	}
}

// abortResponse returns the session from processing to listening when no
// response will arrive.
func (e *Engine) abortResponse(s *session.Session, id string) {
	s.PushOrdered(frames.NewControlFrame(id, e.pts.Next(id), frames.ControlResponseEnd, nil))
}

func (e *Engine) recordDelivery(turn session.CommittedTurn, decision, reason string) {
	e.obs.RecordEvent(metrics.DecisionEvent{
		Name:     "response_delivery",
		Time:     time.Now(),
		Decision: decision,
		Reason:   reason,
		Tags:     map[string]string{"session_id": turn.SessionID},
		Fields:   map[string]any{"stall_escape": turn.StallEscape},
	})
}

func (e *Engine) stallPrompt(band gradeband.Band) string {
	if p, ok := e.cfg.Stall.PromptByBand[band.String()]; ok && p != "" {
		return p
	}
	return e.cfg.Stall.PromptText
}

// SessionCount reports how many session actors are live.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Drain closes every session, waits for in-flight work and flushes the
// observer stack. Safe to call more than once.
func (e *Engine) Drain() error {
	e.drainOnce.Do(func() {
		e.mu.Lock()
		open := make([]*engineSession, 0, len(e.sessions))
		for _, es := range e.sessions {
			open = append(open, es)
		}
		e.mu.Unlock()
		for _, es := range open {
			es.sess.Close()
		}
		for _, es := range open {
			<-es.sess.Done()
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.drainErr = e.transport.Stop()
		e.wg.Wait()
		e.async.Close()
		if e.trace != nil {
			_ = e.trace.Flush()
			_ = e.trace.Close()
		}
		if e.eventLog != nil {
			_ = e.eventLog.Close()
		}
		if n := e.async.Dropped(); n > 0 {
			e.log.Warn("decision_events_dropped", slog.Int64("count", n))
		}
		e.log.Info("engine_drained")
	})
	return e.drainErr
}

// Stop cancels the engine context and drains.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.Drain()
}

// transportController fans session output commands back out through the
// transport. Send failures are logged, never propagated into the session
// loop.
type transportController struct {
	id  string
	t   transports.Transport
	pts *frames.PTSGen
	log *slog.Logger
}

func (c *transportController) Duck(gain float64) {
	c.send(frames.NewControlFrame(c.id, c.pts.Next(c.id), frames.ControlDuck, map[string]string{
		frames.MetaGain: strconv.FormatFloat(gain, 'f', -1, 64),
	}))
}

func (c *transportController) HardStop() {
	c.send(frames.NewControlFrame(c.id, c.pts.Next(c.id), frames.ControlHardStop, nil))
}

func (c *transportController) Resume() {
	c.send(frames.NewControlFrame(c.id, c.pts.Next(c.id), frames.ControlResume, nil))
}

func (c *transportController) Play(generation uint64, payload []byte) {
	c.send(frames.NewPlaybackFrame(c.id, c.pts.Next(c.id), generation, payload, nil))
}

func (c *transportController) send(f frames.Frame) {
	if err := c.t.Send(f); err != nil {
		c.log.Warn("transport_send_failed",
			slog.String("session_id", c.id),
			slog.String("reason_code", string(errorsx.ReasonPlaybackSend)),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) echoConfig() echoguard.Config {
	return echoguard.Config{
		Capacity:   e.cfg.Echo.Capacity,
		EchoWindow: time.Duration(e.cfg.Echo.WindowMS) * time.Millisecond,
		TailGuard:  time.Duration(e.cfg.Echo.TailGuardMS) * time.Millisecond,
		Threshold:  e.cfg.Echo.Threshold,
	}
}
