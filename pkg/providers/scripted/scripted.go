package scripted

import (
	"context"
	"strings"
	"sync"

	"github.com/harunnryd/cadence/pkg/responder"
	"github.com/harunnryd/cadence/pkg/session"
)

// Responder replays a fixed script of replies, for demos and integration
// tests. Once the script runs out it repeats Fallback.
type Responder struct {
	mu         sync.Mutex
	script     []responder.Response
	next       int
	fallback   responder.Response
	synthesize bool
	chunkBytes int
}

type Config struct {
	Script   []responder.Response
	Fallback responder.Response

	// Synthesize fills replies that carry no audio with silent placeholder
	// chunks, one per word, so the playback path runs end to end.
	Synthesize bool
	ChunkBytes int
}

func New(cfg Config) *Responder {
	fb := cfg.Fallback
	if fb.Text == "" {
		fb.Text = "Tell me more about that."
	}
	chunk := cfg.ChunkBytes
	if chunk <= 0 {
		chunk = 320
	}
	return &Responder{
		script:     cfg.Script,
		fallback:   fb,
		synthesize: cfg.Synthesize,
		chunkBytes: chunk,
	}
}

func (r *Responder) Name() string { return "scripted" }

func (r *Responder) Respond(ctx context.Context, turn session.CommittedTurn) (responder.Response, error) {
	if err := ctx.Err(); err != nil {
		return responder.Response{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := r.fallback
	if r.next < len(r.script) {
		resp = r.script[r.next]
		r.next++
	}
	if r.synthesize && len(resp.Audio) == 0 {
		resp.Audio = r.placeholderAudio(resp.Text)
	}
	return resp, nil
}

func (r *Responder) placeholderAudio(text string) [][]byte {
	words := len(strings.Fields(text))
	if words == 0 {
		return nil
	}
	chunks := make([][]byte, words)
	for i := range chunks {
		chunks[i] = make([]byte, r.chunkBytes)
	}
	return chunks
}
