package common

import (
	"context"
	"fmt"
	"sync"
)

// World is an isolated script realm of a frame. A world has at most one
// live execution context, replaced on every navigation.
type World struct {
	kind  executionWorld
	name  string
	frame *Frame

	mu       sync.Mutex
	context  *ExecutionContext
	ready    *Deferred[*ExecutionContext]
	detached bool
}

func newWorld(kind executionWorld, name string, f *Frame) *World {
	return &World{
		kind:  kind,
		name:  name,
		frame: f,
		ready: NewDeferred[*ExecutionContext](),
	}
}

// Name returns the protocol name of an isolated world. It is empty for
// the main world.
func (w *World) Name() string {
	return w.name
}

// Frame returns the frame the world belongs to.
func (w *World) Frame() *Frame {
	return w.frame
}

// HasContext reports whether the world has a live execution context.
func (w *World) HasContext() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.context != nil
}

// ExecutionContext waits for the world to get a live execution context.
func (w *World) ExecutionContext(ctx context.Context) (*ExecutionContext, error) {
	w.mu.Lock()
	ready := w.ready
	w.mu.Unlock()

	ctx, cancel := withDefaultTimeout(ctx, w.frame.manager.timeouts.timeout())
	defer cancel()

	ec, err := ready.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s world of frame %v: %w", w.kind, w.frame.ID(), err)
	}
	return ec, nil
}

func (w *World) setContext(ec *ExecutionContext) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.detached {
		return
	}
	ec.world = w
	w.context = ec
	if w.ready.State() != DeferredPending {
		w.ready = NewDeferred[*ExecutionContext]()
	}
	_ = w.ready.Resolve(ec)
}

// clearContext unbinds ec. A world rebound to a newer context keeps it.
func (w *World) clearContext(ec *ExecutionContext) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.context != ec {
		return
	}
	w.context = nil
	if !w.detached && w.ready.State() != DeferredPending {
		w.ready = NewDeferred[*ExecutionContext]()
	}
}

func (w *World) detach() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.detached = true
	w.context = nil
	if w.ready.State() != DeferredPending {
		w.ready = NewDeferred[*ExecutionContext]()
	}
	_ = w.ready.Reject(fmt.Errorf("frame %v: %w", w.frame.ID(), ErrFrameDetached))
}
