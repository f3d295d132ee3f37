package playback

import "sync/atomic"

// Sequence issues strictly increasing generation IDs for synthesized
// responses and filters late-arriving chunks from superseded responses.
// A stateless comparison against the current ID is the whole protocol;
// no locking beyond the atomic counter.
type Sequence struct {
	current atomic.Uint64
}

func NewSequence() *Sequence {
	return &Sequence{}
}

// Next advances to a new generation and returns its ID.
func (s *Sequence) Next() uint64 {
	return s.current.Add(1)
}

// Current returns the active generation ID.
func (s *Sequence) Current() uint64 {
	return s.current.Load()
}

// Accept reports whether a chunk tagged with id belongs to the active
// generation. Anything older was superseded and must be discarded.
func (s *Sequence) Accept(id uint64) bool {
	return id >= s.current.Load()
}
