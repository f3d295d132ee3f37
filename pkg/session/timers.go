package session

import (
	"strconv"
	"sync"
	"time"
)

// sessionTimer wraps time.AfterFunc with a sequence number so fires from
// superseded arms are ignored instead of cancelled in a race. Arming
// bumps the sequence; a fire re-enters the session queue as a system
// frame carrying the sequence it was armed with, and the handler drops it
// unless the sequence still matches. Cancel is idempotent.
type sessionTimer struct {
	name string
	fire func(name string, seq uint64)

	mu  sync.Mutex
	t   *time.Timer
	seq uint64
}

func newSessionTimer(name string, fire func(name string, seq uint64)) *sessionTimer {
	return &sessionTimer{name: name, fire: fire}
}

func (st *sessionTimer) arm(d time.Duration) uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	seq := st.seq
	if st.t != nil {
		st.t.Stop()
	}
	st.t = time.AfterFunc(d, func() {
		st.fire(st.name, seq)
	})
	return seq
}

func (st *sessionTimer) cancel() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	if st.t != nil {
		st.t.Stop()
		st.t = nil
	}
}

func (st *sessionTimer) current() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.seq
}

// matches reports whether a fired sequence is still the live arm.
func (st *sessionTimer) matches(raw string) bool {
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return false
	}
	return seq == st.current()
}

func formatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}
