package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/cadence/pkg/frames"
	"github.com/harunnryd/cadence/pkg/transports"
)

// Transport is an in-memory transport for tests and local demos. It
// implements transports.Transport with no network dependency; scripted
// learners push frames in and inspect what the engine sends back.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	// Playback payloads can live in pooled buffers the sender recycles once
	// Send returns; keep a copy so Sent() stays safe to inspect later.
	if pf, ok := f.(frames.PlaybackFrame); ok {
		f = frames.NewPlaybackFrame("", pf.PTS(), pf.Generation(), pf.Payload(), pf.Meta())
	}
	transports.NonBlockingSend(t.sentCh, f)
	return nil
}

// Push injects an arbitrary inbound frame.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	transports.NonBlockingSend(t.recvCh, f)
}

// StartSession announces a learner session with the given band and mode.
func (t *Transport) StartSession(sessionID, band, mode string) {
	t.Push(frames.NewSystemFrame(sessionID, time.Now().UnixNano(), transports.SystemSessionStart, map[string]string{
		frames.MetaBand:   band,
		frames.MetaMode:   mode,
		frames.MetaSource: "transport",
	}))
}

// EndSession announces the end of a learner session.
func (t *Transport) EndSession(sessionID string) {
	t.Push(frames.NewSystemFrame(sessionID, time.Now().UnixNano(), transports.SystemSessionEnd, nil))
}

// PushAudio injects one capture loudness frame.
func (t *Transport) PushAudio(sessionID string, at time.Time, rms, peak float64) {
	t.Push(frames.NewAudioFrame(sessionID, at.UnixNano(), rms, peak, nil))
}

// PushTranscript injects one transcript fragment.
func (t *Transport) PushTranscript(sessionID string, at time.Time, text string, confidence float64, endOfTurn bool) {
	t.Push(frames.NewTranscriptFrame(sessionID, at.UnixNano(), text, confidence, endOfTurn, nil))
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }
