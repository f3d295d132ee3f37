package observers

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/cadence/pkg/metrics"
	"github.com/harunnryd/cadence/pkg/redact"
)

func TestTraceWritesPerSessionFiles(t *testing.T) {
	dir := t.TempDir()
	obs, err := NewTraceObserver(dir)
	if err != nil {
		t.Fatalf("new trace observer: %v", err)
	}
	defer obs.Close()

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	obs.RecordEvent(metrics.DecisionEvent{
		Name:     "turn_commit",
		Time:     now,
		Decision: "commit",
		Reason:   "end_of_turn",
		Tags:     map[string]string{"session_id": "sess-a", "phase": "listening", "band": "g3_5"},
	})
	obs.RecordEvent(metrics.DecisionEvent{
		Name: "barge_in",
		Time: now,
		Tags: map[string]string{"session_id": "sess-b"},
	})
	if err := obs.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for _, id := range []string{"sess-a", "sess-b"} {
		if _, err := os.Stat(filepath.Join(dir, id+".jsonl")); err != nil {
			t.Fatalf("expected trace file for %s: %v", id, err)
		}
	}

	f, err := os.Open(filepath.Join(dir, "sess-a.jsonl"))
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatalf("trace file empty")
	}
	var rec map[string]any
	if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
		t.Fatalf("trace line is not json: %v", err)
	}
	if rec["name"] != "turn_commit" || rec["reason"] != "end_of_turn" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["phase"] != "listening" || rec["band"] != "g3_5" {
		t.Fatalf("tags not flattened: %v", rec)
	}
}

func TestTraceRedactsTextFields(t *testing.T) {
	dir := t.TempDir()
	obs, err := NewTraceObserver(dir)
	if err != nil {
		t.Fatalf("new trace observer: %v", err)
	}
	defer obs.Close()

	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	obs.RecordEvent(metrics.DecisionEvent{
		Name: "turn_commit",
		Time: time.Now(),
		Tags: map[string]string{"session_id": "sess-pii"},
		Fields: map[string]any{
			"text": "my email is kid@example.com and my id is 12345678",
		},
	})
	if err := obs.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "sess-pii.jsonl"))
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	if strings.Contains(string(raw), "kid@example.com") || strings.Contains(string(raw), "12345678") {
		t.Fatalf("PII leaked into trace: %s", raw)
	}
	if !strings.Contains(string(raw), "[REDACTED_EMAIL]") {
		t.Fatalf("expected redaction marker in %s", raw)
	}
}

func TestCloseSessionReleasesFile(t *testing.T) {
	dir := t.TempDir()
	obs, err := NewTraceObserver(dir)
	if err != nil {
		t.Fatalf("new trace observer: %v", err)
	}
	defer obs.Close()

	obs.RecordEvent(metrics.DecisionEvent{
		Name: "lifecycle",
		Time: time.Now(),
		Tags: map[string]string{"session_id": "sess-x"},
	})
	if err := obs.CloseSession("sess-x"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	// Closing twice is a no-op.
	if err := obs.CloseSession("sess-x"); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFanoutForwardsToAll(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	f := Fanout{a, nil, b}

	f.RecordEvent(metrics.DecisionEvent{Name: "x", Time: time.Now()})

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("fanout must reach every observer")
	}
}
