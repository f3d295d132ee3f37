package wsjson

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/cadence/pkg/frames"
	"github.com/harunnryd/cadence/pkg/transports"
)

// Config tunes the websocket capture transport.
type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	SessionPath    string   `mapstructure:"session_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.SessionPath == "" {
		c.SessionPath = "/session"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transcriber is the server-side STT bridge for capture clients that
// stream raw PCM instead of transcribing locally.
type Transcriber interface {
	Start(ctx context.Context) error
	SendAudio(pcm []byte) error
	Results() <-chan frames.Frame
	Close() error
}

// TranscriberFactory builds a per-session Transcriber. Nil disables the
// server-side STT path; pcm events are then ignored.
type TranscriberFactory func(sessionID, traceID string) (Transcriber, error)

// Event is the JSON envelope exchanged with capture clients. The client
// computes loudness features locally; PCM crosses this socket only when
// the client delegates transcription to the server.
type Event struct {
	Event      string           `json:"event"`
	Start      *StartEvent      `json:"start,omitempty"`
	Audio      *AudioEvent      `json:"audio,omitempty"`
	Transcript *TranscriptEvent `json:"transcript,omitempty"`
	PCM        *PCMEvent        `json:"pcm,omitempty"`
	Stop       *StopEvent       `json:"stop,omitempty"`
	Control    *ControlEvent    `json:"control,omitempty"`
	Play       *PlayEvent       `json:"play,omitempty"`
}

type StartEvent struct {
	SessionID string `json:"session_id,omitempty"`
	Band      string `json:"band,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type AudioEvent struct {
	RMS  float64 `json:"rms"`
	Peak float64 `json:"peak"`
	TS   int64   `json:"ts,omitempty"`
}

type TranscriptEvent struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	EndOfTurn  bool    `json:"end_of_turn"`
	TS         int64   `json:"ts,omitempty"`
}

type PCMEvent struct {
	Payload string `json:"payload"`
}

type StopEvent struct {
	Reason string `json:"reason,omitempty"`
}

type ControlEvent struct {
	Action string  `json:"action"`
	Gain   float64 `json:"gain,omitempty"`
}

type PlayEvent struct {
	Generation uint64 `json:"generation"`
	Payload    string `json:"payload"`
}

// Transport serves capture clients over a websocket carrying JSON events.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame
	stt      TranscriberFactory

	mu       sync.Mutex
	conns    map[string]*clientConn
	draining atomic.Bool
}

type clientConn struct {
	conn   *websocket.Conn
	sendCh chan []byte
	once   sync.Once
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh: make(chan frames.Frame, 512),
		conns:  make(map[string]*clientConn),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

// WithTranscriber enables server-side transcription for clients that
// send pcm events.
func (t *Transport) WithTranscriber(f TranscriberFactory) *Transport {
	t.stt = f
	return t
}

func (t *Transport) Name() string { return "wsjson" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"listen_addr":  t.cfg.ServerAddr,
		"session_path": t.cfg.SessionPath,
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.SessionPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("wsjson_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		c.close()
	}
	t.conns = make(map[string]*clientConn)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var sessionID string
	var stt Transcriber
	defer func() {
		if stt != nil {
			_ = stt.Close()
		}
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			sessionID = evt.Start.SessionID
			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			old := t.attach(sessionID, conn)
			if old != nil {
				old.close()
			}
			traceID := uuid.NewString()
			meta := map[string]string{
				frames.MetaBand:    evt.Start.Band,
				frames.MetaMode:    evt.Start.Mode,
				frames.MetaTraceID: traceID,
				frames.MetaSource:  "transport",
			}
			transports.NonBlockingSend(t.recvCh,
				frames.NewSystemFrame(sessionID, time.Now().UnixNano(), transports.SystemSessionStart, meta))
			if t.stt != nil && stt == nil {
				stt = t.startTranscriber(r.Context(), sessionID, traceID)
			}

		case "pcm":
			if evt.PCM == nil || stt == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(evt.PCM.Payload)
			if err != nil {
				continue
			}
			_ = stt.SendAudio(pcm)

		case "audio":
			if evt.Audio == nil || sessionID == "" {
				continue
			}
			ts := evt.Audio.TS
			if ts == 0 {
				ts = time.Now().UnixNano()
			}
			transports.NonBlockingSend(t.recvCh,
				frames.NewAudioFrame(sessionID, ts, evt.Audio.RMS, evt.Audio.Peak, nil))

		case "transcript":
			if evt.Transcript == nil || sessionID == "" {
				continue
			}
			ts := evt.Transcript.TS
			if ts == 0 {
				ts = time.Now().UnixNano()
			}
			transports.NonBlockingSend(t.recvCh,
				frames.NewTranscriptFrame(sessionID, ts, evt.Transcript.Text, evt.Transcript.Confidence, evt.Transcript.EndOfTurn, nil))

		case "stop":
			reason := "client_stop"
			if evt.Stop != nil && evt.Stop.Reason != "" {
				reason = evt.Stop.Reason
			}
			transports.NonBlockingSend(t.recvCh,
				frames.NewSystemFrame(sessionID, time.Now().UnixNano(), transports.SystemSessionEnd,
					map[string]string{frames.MetaReason: reason}))
			t.detach(sessionID)
			return
		}
	}

	// Reader ended without a stop event: the capture client vanished.
	if sessionID != "" {
		transports.NonBlockingSend(t.recvCh,
			frames.NewSystemFrame(sessionID, time.Now().UnixNano(), transports.SystemCaptureDisconnect, nil))
		t.detach(sessionID)
	}
}

func (t *Transport) Send(f frames.Frame) error {
	sessionID := f.Meta()[frames.MetaSessionID]
	c := t.client(sessionID)
	if c == nil {
		return nil
	}

	var evt Event
	switch fr := f.(type) {
	case frames.ControlFrame:
		switch fr.Code() {
		case frames.ControlDuck:
			gain, _ := strconv.ParseFloat(fr.Meta()[frames.MetaGain], 64)
			evt = Event{Event: "control", Control: &ControlEvent{Action: "duck", Gain: gain}}
		case frames.ControlHardStop:
			evt = Event{Event: "control", Control: &ControlEvent{Action: "hard_stop"}}
		case frames.ControlResume:
			evt = Event{Event: "control", Control: &ControlEvent{Action: "resume"}}
		default:
			return nil
		}
	case frames.PlaybackFrame:
		evt = Event{Event: "play", Play: &PlayEvent{
			Generation: fr.Generation(),
			Payload:    base64.StdEncoding.EncodeToString(fr.RawPayload()),
		}}
	default:
		return nil
	}

	msg, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

// startTranscriber builds the per-session STT bridge and pumps its
// transcript frames into the receive channel. Returns nil on failure;
// the session continues on client-side transcripts if any arrive.
func (t *Transport) startTranscriber(ctx context.Context, sessionID, traceID string) Transcriber {
	stt, err := t.stt(sessionID, traceID)
	if err != nil {
		slog.Error("wsjson_transcriber_create_error",
			"session_id", sessionID, "error", err.Error())
		return nil
	}
	if err := stt.Start(ctx); err != nil {
		slog.Error("wsjson_transcriber_start_error",
			"session_id", sessionID, "error", err.Error())
		return nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-stt.Results():
				if !ok {
					return
				}
				transports.NonBlockingSend(t.recvCh, f)
			}
		}
	}()
	return stt
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range t.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (t *Transport) attach(sessionID string, conn *websocket.Conn) *clientConn {
	c := &clientConn{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	t.mu.Lock()
	old := t.conns[sessionID]
	t.conns[sessionID] = c
	t.mu.Unlock()
	go c.loop()
	return old
}

func (t *Transport) detach(sessionID string) {
	t.mu.Lock()
	c := t.conns[sessionID]
	delete(t.conns, sessionID)
	t.mu.Unlock()
	if c != nil {
		c.close()
	}
}

func (t *Transport) client(sessionID string) *clientConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[sessionID]
}

func (c *clientConn) loop() {
	for msg := range c.sendCh {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *clientConn) enqueue(msg []byte) error {
	defer func() { recover() }() // send on a closed channel loses a race with close
	select {
	case c.sendCh <- msg:
		return nil
	default:
		return errors.New("client send buffer full")
	}
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.sendCh)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}
