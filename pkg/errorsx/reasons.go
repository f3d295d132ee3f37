// Package errorsx tags errors with a small reason-code vocabulary so the
// engine can log and branch on failures without parsing message text.
package errorsx

import "errors"

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigLoad   ReasonCode = "config_load"
	ReasonConfigDecode ReasonCode = "config_decode"
	ReasonBandFallback ReasonCode = "band_fallback"

	ReasonCaptureConnect    ReasonCode = "capture_connect"
	ReasonCaptureDisconnect ReasonCode = "capture_disconnect"
	ReasonCaptureDecode     ReasonCode = "capture_decode"

	ReasonTranscribeConnect ReasonCode = "transcribe_connect"
	ReasonTranscribeSend    ReasonCode = "transcribe_send"
	ReasonTranscribeDeadman ReasonCode = "transcribe_deadman"

	ReasonResponderDeliver   ReasonCode = "responder_deliver"
	ReasonResponderRateLimit ReasonCode = "responder_rate_limit"
	ReasonResponderBreaker   ReasonCode = "responder_circuit_open"

	ReasonPlaybackSend ReasonCode = "playback_send"
	ReasonSessionQueue ReasonCode = "session_queue_full"
)

// ReasonedError pairs an error with the code attached closest to where the
// failure happened. Outer layers add context with fmt.Errorf and %w rather
// than re-tagging, so the innermost code survives.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with reason. Nil stays nil; an error somewhere in the chain
// that already carries a code keeps the one it has.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var tagged ReasonedError
	if errors.As(err, &tagged) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason reports the code carried anywhere in err's chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var tagged ReasonedError
	if err == nil || !errors.As(err, &tagged) {
		return ReasonUnknown
	}
	return tagged.Reason
}

// HasReason reports whether err's chain carries exactly the given code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
