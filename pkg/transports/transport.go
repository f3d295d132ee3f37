package transports

import (
	"context"

	"github.com/harunnryd/cadence/pkg/frames"
)

// Transport is the vendor-agnostic boundary between the turn-taking core
// and a capture/playback client. Inbound frames are audio features,
// transcript fragments and session lifecycle events; outbound frames are
// playback chunks and gain/stop control commands.
// Implementations own their network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// ReadyReporter optionally exposes readiness metadata (listen addresses,
// client URLs) for informational logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// System frame names transports emit on the inbound channel.
const (
	SystemSessionStart      = "session_start"
	SystemSessionEnd        = "session_end"
	SystemCaptureDisconnect = "capture_disconnect"
)

// NonBlockingSend drops the frame instead of blocking a network reader
// when the engine falls behind.
func NonBlockingSend(ch chan frames.Frame, f frames.Frame) bool {
	select {
	case ch <- f:
		return true
	default:
		return false
	}
}
