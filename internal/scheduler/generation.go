package scheduler

import (
	"context"

	"github.com/google/uuid"
)

// Generation is a cancellation epoch. Work is tagged with the epoch it was
// issued under; once the generation is aborted its context is cancelled and
// results tagged with its epoch are discarded.
type Generation struct {
	Epoch uint64
	ID    uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc
}

func newGeneration(parent context.Context, epoch uint64) *Generation {
	ctx, cancel := context.WithCancel(parent)
	return &Generation{
		Epoch:  epoch,
		ID:     uuid.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is passed to every fetch issued under g.
func (g *Generation) Context() context.Context { return g.ctx }

// Abort cancels all work issued under g.
func (g *Generation) Abort() { g.cancel() }

func (g *Generation) Aborted() bool { return g.ctx.Err() != nil }

// next aborts g and returns its successor.
func (g *Generation) next(parent context.Context) *Generation {
	g.Abort()
	return newGeneration(parent, g.Epoch+1)
}
