package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/cadence/pkg/errorsx"
	"github.com/harunnryd/cadence/pkg/frames"
	"github.com/harunnryd/cadence/pkg/logging"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	UtteranceEndMS int
	SessionID      string
	TraceID        string
}

// Transcriber streams learner audio to Deepgram and emits transcript
// frames for the session queue. Only final fragments are forwarded; the
// turn accumulator would double-count interim revisions. Deepgram's
// speech-final flag maps to the provisional end-of-turn signal, and a
// native utterance-end event becomes a bare end-of-turn marker.
type Transcriber struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config, base *slog.Logger) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &Transcriber{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logging.NewComponentLogger(base, "deepgram_transcriber"),
	}
}

func (t *Transcriber) Name() string { return "deepgram_streaming" }

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.pipeReader, t.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.cfg.Model,
		Language:       t.cfg.Language,
		Encoding:       t.cfg.Encoding,
		SampleRate:     t.cfg.SampleRate,
		InterimResults: true,
		VadEvents:      true,
		SmartFormat:    true,
	}
	if t.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", t.cfg.UtteranceEndMS)
	}

	t.logger.Info("initializing deepgram connection",
		slog.String("session_id", t.cfg.SessionID),
		slog.String("model", t.cfg.Model),
		slog.Int("sample_rate", t.cfg.SampleRate))

	cb := &callback{parent: t}
	dgClient, err := client.NewWSUsingCallback(t.ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		t.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonTranscribeConnect)),
			slog.String("session_id", t.cfg.SessionID))
		return err
	}
	t.dgClient = dgClient

	if connected := t.dgClient.Connect(); !connected {
		t.logger.Error("deepgram_connect_failed",
			slog.String("reason_code", string(errorsx.ReasonTranscribeConnect)),
			slog.String("session_id", t.cfg.SessionID))
		return fmt.Errorf("deepgram connection failed")
	}

	go func() {
		if err := t.dgClient.Stream(t.pipeReader); err != nil && t.ctx.Err() == nil {
			t.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("reason_code", string(errorsx.ReasonTranscribeSend)),
				slog.String("session_id", t.cfg.SessionID))
		}
	}()
	return nil
}

func (t *Transcriber) Close() error {
	t.logger.Info("closing deepgram connection",
		slog.String("session_id", t.cfg.SessionID))
	if t.cancel != nil {
		t.cancel()
	}
	if t.pipeWriter != nil {
		_ = t.pipeWriter.Close()
	}
	if t.dgClient != nil {
		t.dgClient.Stop()
	}
	return nil
}

// SendAudio forwards one raw PCM chunk to the streaming connection.
func (t *Transcriber) SendAudio(pcm []byte) error {
	if t.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := t.pipeWriter.Write(pcm)
	if err != nil {
		t.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("reason_code", string(errorsx.ReasonTranscribeSend)),
			slog.String("session_id", t.cfg.SessionID))
	}
	return err
}

func (t *Transcriber) Results() <-chan frames.Frame { return t.out }

func (t *Transcriber) emit(f frames.Frame) {
	select {
	case t.out <- f:
	default:
		t.logger.Warn("deepgram_out_channel_full",
			slog.String("session_id", t.cfg.SessionID))
	}
}

func (t *Transcriber) meta() map[string]string {
	m := map[string]string{
		frames.MetaSource: "transcriber",
	}
	if t.cfg.TraceID != "" {
		m[frames.MetaTraceID] = t.cfg.TraceID
	}
	return m
}

type callback struct {
	parent *Transcriber
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}
	if !mr.IsFinal && !mr.SpeechFinal {
		// Interim revision; the final covers it.
		return nil
	}

	endOfTurn := mr.SpeechFinal
	c.parent.logger.Debug("transcript_received",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.Bool("end_of_turn", endOfTurn),
		slog.Float64("confidence", alt.Confidence))

	c.parent.emit(frames.NewTranscriptFrame(
		c.parent.cfg.SessionID,
		time.Now().UnixNano(),
		alt.Transcript,
		alt.Confidence,
		endOfTurn,
		c.parent.meta(),
	))
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	// Native utterance end arrives with no text; the session treats the
	// bare marker as a provisional end of turn for whatever accumulated.
	meta := c.parent.meta()
	meta[frames.MetaReason] = "utterance_end"
	c.parent.emit(frames.NewTranscriptFrame(
		c.parent.cfg.SessionID,
		time.Now().UnixNano(),
		"",
		1.0,
		true,
		meta,
	))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("reason_code", string(errorsx.ReasonTranscribeDeadman)),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}
