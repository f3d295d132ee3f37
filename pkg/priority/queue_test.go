package priority

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/cadence/pkg/frames"
)

func TestHighLaneDrainsFirst(t *testing.T) {
	q := New(8, 8)
	q.TryPushLow(frames.NewAudioFrame("s", 1, 0.1, 0.1, nil))
	q.TryPushHigh(frames.NewControlFrame("s", 2, frames.ControlHardStop, nil))

	ctx := context.Background()
	f, ok := q.Pop(ctx)
	if !ok || f.Kind() != frames.KindControl {
		t.Fatalf("control frame should pop before audio, got %v", f.Kind())
	}
	f, ok = q.Pop(ctx)
	if !ok || f.Kind() != frames.KindAudio {
		t.Fatalf("audio frame should follow, got %v", f.Kind())
	}
}

func TestPushShedsWhenFull(t *testing.T) {
	q := New(1, 1)
	if !q.TryPushLow(frames.NewAudioFrame("s", 1, 0, 0, nil)) {
		t.Fatalf("first push should succeed")
	}
	if q.TryPushLow(frames.NewAudioFrame("s", 2, 0, 0, nil)) {
		t.Fatalf("full lane must shed, not block")
	}
	if q.Stats().Dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Stats().Dropped)
	}
}

func TestPopHonorsContext(t *testing.T) {
	q := New(1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, ok := q.Pop(ctx)
	if ok {
		t.Fatalf("pop on empty queue must return false on ctx done")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("pop did not respect context deadline")
	}
}
