package observers

import (
	"log/slog"

	"github.com/harunnryd/cadence/pkg/logging"
	"github.com/harunnryd/cadence/pkg/metrics"
)

// LogObserver mirrors decision events into the structured log at debug
// level, with commits and interrupts promoted to info.
type LogObserver struct {
	log *slog.Logger
}

func NewLogObserver(base *slog.Logger) *LogObserver {
	return &LogObserver{log: logging.NewComponentLogger(base, "decisions")}
}

func (o *LogObserver) RecordEvent(ev metrics.DecisionEvent) {
	attrs := []any{
		slog.String("decision", ev.Decision),
		slog.String("reason", ev.Reason),
		slog.Float64("value", ev.Value),
		slog.String("session_id", ev.Tags["session_id"]),
		slog.String("phase", ev.Tags["phase"]),
	}
	switch ev.Decision {
	case "commit", "interrupt", "closed":
		o.log.Info(ev.Name, attrs...)
	default:
		o.log.Debug(ev.Name, attrs...)
	}
}

// Fanout forwards each event to every wrapped observer.
type Fanout []metrics.Observer

func (f Fanout) RecordEvent(ev metrics.DecisionEvent) {
	for _, o := range f {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}

// Flush flushes every wrapped observer that supports it.
func (f Fanout) Flush() error {
	var first error
	for _, o := range f {
		if fl, ok := o.(metrics.Flusher); ok {
			if err := fl.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
