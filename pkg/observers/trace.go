package observers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/cadence/pkg/metrics"
	"github.com/harunnryd/cadence/pkg/redact"
)

// TraceObserver writes one JSONL decision trace per session, so a single
// conversation can be replayed offline when tuning thresholds. Files are
// opened lazily on the first event for a session and named by session ID.
type TraceObserver struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
	errs  int
}

type traceRecord struct {
	Time     string         `json:"ts"`
	Name     string         `json:"name"`
	Decision string         `json:"decision,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Value    float64        `json:"value,omitempty"`
	Phase    string         `json:"phase,omitempty"`
	Band     string         `json:"band,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

func NewTraceObserver(dir string) (*TraceObserver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &TraceObserver{
		dir:   dir,
		files: make(map[string]*os.File),
	}, nil
}

func (o *TraceObserver) RecordEvent(ev metrics.DecisionEvent) {
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		sessionID = "unscoped"
	}

	rec := traceRecord{
		Time:     ev.Time.UTC().Format(time.RFC3339Nano),
		Name:     ev.Name,
		Decision: ev.Decision,
		Reason:   ev.Reason,
		Value:    ev.Value,
		Phase:    ev.Tags["phase"],
		Band:     ev.Tags["band"],
	}
	if len(ev.Fields) > 0 {
		rec.Fields = make(map[string]any, len(ev.Fields))
		for k, v := range ev.Fields {
			if s, ok := v.(string); ok {
				rec.Fields[k] = redact.Text(s)
				continue
			}
			rec.Fields[k] = v
		}
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := o.file(sessionID)
	if err != nil {
		o.errs++
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		o.errs++
	}
}

// file returns the open trace file for a session, creating it on first use.
// Caller holds the lock.
func (o *TraceObserver) file(sessionID string) (*os.File, error) {
	if f, ok := o.files[sessionID]; ok {
		return f, nil
	}
	path := filepath.Join(o.dir, fmt.Sprintf("%s.jsonl", sanitizeName(sessionID)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	o.files[sessionID] = f
	return f, nil
}

// Flush fsyncs all open trace files.
func (o *TraceObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var first error
	for _, f := range o.files {
		if err := f.Sync(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CloseSession closes the trace file for one finished session.
func (o *TraceObserver) CloseSession(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.files[sessionID]
	if !ok {
		return nil
	}
	delete(o.files, sessionID)
	return f.Close()
}

// Close closes every open trace file.
func (o *TraceObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var first error
	for id, f := range o.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
		delete(o.files, id)
	}
	return first
}

// WriteErrors reports how many events failed to persist.
func (o *TraceObserver) WriteErrors() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errs
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
