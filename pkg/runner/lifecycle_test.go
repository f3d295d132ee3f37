package runner

import (
	"context"
	"testing"
	"time"
)

type fakeDrainer struct {
	drained bool
	delay   time.Duration
}

func (d *fakeDrainer) Drain() error {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.drained = true
	return nil
}

func TestRunStopLifecycle(t *testing.T) {
	d := &fakeDrainer{}
	started := false
	stopped := false
	r := NewLifecycleRunner(d, Hooks{
		OnStart: func() { started = true },
		OnStop:  func() { stopped = true },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for r.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatalf("runner never reached running, state=%s", r.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	if !started || !stopped {
		t.Fatalf("hooks not called: started=%v stopped=%v", started, stopped)
	}
	if !d.drained {
		t.Fatalf("drainer not called")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", r.State())
	}
}

func TestRunTwiceRejected(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{}, time.Second)
	_ = r.Stop()
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second run must be rejected")
	}
}

func TestDrainTimeout(t *testing.T) {
	d := &fakeDrainer{delay: 200 * time.Millisecond}
	r := NewLifecycleRunner(d, Hooks{}, 10*time.Millisecond)
	go func() { _ = r.Run(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for r.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatalf("runner never reached running")
		case <-time.After(5 * time.Millisecond):
		}
	}

	err := r.Stop()
	if err == nil || err.Error() != "drain timeout" {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}
