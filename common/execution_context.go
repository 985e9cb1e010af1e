package common

import (
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

type executionWorld string

const (
	mainWorld    executionWorld = "main"
	utilityWorld executionWorld = "utility"
)

func (ew executionWorld) valid() bool {
	return ew == mainWorld || ew == utilityWorld
}

// execContextKey identifies an execution context. Context ids are only
// unique within one session.
type execContextKey struct {
	sid target.SessionID
	id  runtime.ExecutionContextID
}

func (k execContextKey) String() string {
	return fmt.Sprintf("%s/%d", k.sid, k.id)
}

// ExecutionContext is a live binding between a session and a world.
type ExecutionContext struct {
	id        runtime.ExecutionContextID
	session   *Session
	name      string
	origin    string
	frameID   cdp.FrameID
	isDefault bool
	kind      string
	world     *World
}

func newExecutionContext(s *Session, desc *runtime.ExecutionContextDescription, aux execContextAuxData) *ExecutionContext {
	return &ExecutionContext{
		id:        desc.ID,
		session:   s,
		name:      desc.Name,
		origin:    desc.Origin,
		frameID:   aux.frameID,
		isDefault: aux.isDefault,
		kind:      aux.kind,
	}
}

// ID returns the protocol id of the context.
func (e *ExecutionContext) ID() runtime.ExecutionContextID {
	return e.id
}

// Session returns the session the context lives on.
func (e *ExecutionContext) Session() *Session {
	return e.session
}

func (e *ExecutionContext) Name() string {
	return e.name
}

func (e *ExecutionContext) Origin() string {
	return e.origin
}

// FrameID returns the frame the context belongs to. It is empty for
// worker contexts.
func (e *ExecutionContext) FrameID() cdp.FrameID {
	return e.frameID
}

// IsDefault reports whether this is the main world context of its frame.
func (e *ExecutionContext) IsDefault() bool {
	return e.isDefault
}

// World returns the world the context backs, or nil.
func (e *ExecutionContext) World() *World {
	return e.world
}

func (e *ExecutionContext) key() execContextKey {
	var sid target.SessionID
	if e.session != nil {
		sid = e.session.ID()
	}
	return execContextKey{sid: sid, id: e.id}
}
