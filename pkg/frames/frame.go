package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio      Kind = "audio"
	KindTranscript Kind = "transcript"
	KindPlayback   Kind = "playback"
	KindControl    Kind = "control"
	KindSystem     Kind = "system"
)

type ControlCode string

const (
	ControlDuck          ControlCode = "duck"
	ControlHardStop      ControlCode = "hard_stop"
	ControlResume        ControlCode = "resume"
	ControlResponseBegin ControlCode = "response_begin"
	ControlPlaybackStart ControlCode = "playback_start"
	ControlPlaybackEnd   ControlCode = "playback_end"
	ControlResponseEnd   ControlCode = "response_end"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries already-decoded loudness features for one capture frame.
// The capture collaborator computes RMS and peak; the core never touches PCM.
type AudioFrame struct {
	pts  int64
	rms  float64
	peak float64
	meta map[string]string
}

func NewAudioFrame(sessionID string, pts int64, rms, peak float64, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		rms:  rms,
		peak: peak,
		meta: mergeMeta(sessionID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) RMS() float64            { return a.rms }
func (a AudioFrame) Peak() float64           { return a.peak }

// TranscriptFrame is one fragment from the transcription collaborator.
type TranscriptFrame struct {
	pts        int64
	text       string
	confidence float64
	endOfTurn  bool
	meta       map[string]string
}

func NewTranscriptFrame(sessionID string, pts int64, text string, confidence float64, endOfTurn bool, meta map[string]string) TranscriptFrame {
	return TranscriptFrame{
		pts:        pts,
		text:       text,
		confidence: confidence,
		endOfTurn:  endOfTurn,
		meta:       mergeMeta(sessionID, meta),
	}
}

func (t TranscriptFrame) Kind() Kind              { return KindTranscript }
func (t TranscriptFrame) PTS() int64              { return t.pts }
func (t TranscriptFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TranscriptFrame) Text() string            { return t.text }
func (t TranscriptFrame) Confidence() float64     { return t.confidence }
func (t TranscriptFrame) EndOfTurn() bool         { return t.endOfTurn }

// PlaybackFrame is one synthesized audio chunk tagged with the generation
// of the response it belongs to.
type PlaybackFrame struct {
	pts        int64
	generation uint64
	payload    []byte
	meta       map[string]string
	pooled     bool
}

func NewPlaybackFrame(sessionID string, pts int64, generation uint64, payload []byte, meta map[string]string) PlaybackFrame {
	return PlaybackFrame{
		pts:        pts,
		generation: generation,
		payload:    payload,
		meta:       mergeMeta(sessionID, meta),
	}
}

func NewPlaybackFrameFromPool(sessionID string, pts int64, generation uint64, payload []byte, meta map[string]string) PlaybackFrame {
	buf := AcquirePayloadBuf(len(payload))
	copy(buf, payload)
	return PlaybackFrame{
		pts:        pts,
		generation: generation,
		payload:    buf,
		meta:       mergeMeta(sessionID, meta),
		pooled:     true,
	}
}

func (p PlaybackFrame) Kind() Kind              { return KindPlayback }
func (p PlaybackFrame) PTS() int64              { return p.pts }
func (p PlaybackFrame) Meta() map[string]string { return cloneMeta(p.meta) }
func (p PlaybackFrame) Generation() uint64      { return p.generation }
func (p PlaybackFrame) Payload() []byte         { return append([]byte(nil), p.payload...) }
func (p PlaybackFrame) RawPayload() []byte      { return p.payload }

func ReleasePlaybackFrame(f Frame) bool {
	pf, ok := f.(PlaybackFrame)
	if !ok {
		if pp, ok := f.(*PlaybackFrame); ok {
			pf = *pp
		} else {
			return false
		}
	}
	if pf.pooled {
		ReleasePayloadBuf(pf.payload)
		return true
	}
	return false
}

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(sessionID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(sessionID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(sessionID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: mergeMeta(sessionID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

type PTSGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{value: make(map[string]int64)}
}

func (g *PTSGen) Next(sessionID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[sessionID] + time.Millisecond.Nanoseconds()
	g.value[sessionID] = v
	return v
}

var payloadBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquirePayloadBuf(size int) []byte {
	b := payloadBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleasePayloadBuf(b []byte) {
	payloadBufPool.Put(b[:0])
}

func mergeMeta(sessionID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
