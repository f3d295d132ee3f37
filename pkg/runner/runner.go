package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

// Runner is the process lifecycle contract the engine satisfies.
type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks are called around the running window.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight sessions before shutdown completes.
type Drainer interface {
	Drain() error
}

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const EngineVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"CADENCE\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
