package responder

import (
	"context"

	"github.com/harunnryd/cadence/pkg/session"
)

// Response is what the tutoring collaborator produced for one committed
// turn: the reply text (used for echo comparison) and the synthesized
// audio chunks to stream.
type Response struct {
	Text  string
	Audio [][]byte
}

// Responder generates the tutor's reply for a committed learner turn.
// Implementations may block; the engine calls them off the session loop
// with a bounded context.
type Responder interface {
	Name() string
	Respond(ctx context.Context, turn session.CommittedTurn) (Response, error)
}

// Func adapts a function to the Responder interface.
type Func func(ctx context.Context, turn session.CommittedTurn) (Response, error)

func (f Func) Name() string { return "func" }

func (f Func) Respond(ctx context.Context, turn session.CommittedTurn) (Response, error) {
	return f(ctx, turn)
}
