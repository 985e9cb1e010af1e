/*
 *
 * cdpcore - target and frame lifecycle management for the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/grafana/cdpcore/log"
)

// Session represents a flat CDP session to a target.
type Session struct {
	conn       *Connection
	id         target.SessionID
	targetID   target.ID
	targetType string
	parentID   target.SessionID

	callbacks *CallbackRegistry
	queue     *eventQueue[*cdproto.Message]
	events    eventEmitter[SessionEvent]
	onDetach  eventEmitter[error]

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	crashed   atomic.Bool

	logger *log.Logger
}

func newSession(conn *Connection, id target.SessionID, info *target.Info, parentID target.SessionID) *Session {
	s := &Session{
		conn:      conn,
		id:        id,
		parentID:  parentID,
		callbacks: NewCallbackRegistry(conn.idGen, conn.clock, conn.logger),
		done:      make(chan struct{}),
		logger:    conn.logger,
	}
	if info != nil {
		s.targetID = info.TargetID
		s.targetType = info.Type
	}
	s.queue = newEventQueue(func(msg *cdproto.Message) {
		if ev, ok := decodeEvent(s.logger, msg); ok {
			s.events.emit(ev)
		}
	})
	s.logger.Debugf("Session:newSession", "sid:%v tid:%v type:%s psid:%v", id, s.targetID, s.targetType, parentID)

	return s
}

// ID returns session ID.
func (s *Session) ID() target.SessionID {
	return s.id
}

// TargetID returns session's target ID.
func (s *Session) TargetID() target.ID {
	return s.targetID
}

// TargetType returns the type of the target the session is attached to.
func (s *Session) TargetType() string {
	return s.targetType
}

// ParentID returns the id of the session this one was attached through,
// or an empty id for sessions attached through the browser session.
func (s *Session) ParentID() target.SessionID {
	return s.parentID
}

// On registers fn for events delivered on this session. Events are
// delivered one at a time in the order they arrived.
func (s *Session) On(fn func(SessionEvent)) (off func()) {
	return s.events.on(fn)
}

// OnDetach registers fn to be called once the session is detached.
func (s *Session) OnDetach(fn func(error)) (off func()) {
	return s.onDetach.on(fn)
}

// Done returns a channel that is closed when this session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed returns true if this session is closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Crashed reports whether the target of the session crashed.
func (s *Session) Crashed() bool {
	return s.crashed.Load()
}

func (s *Session) markAsCrashed() {
	s.logger.Debugf("Session:markAsCrashed", "sid:%v tid:%v", s.id, s.targetID)
	s.crashed.Store(true)
}

// onClosed is called by the connection once the session is gone.
func (s *Session) onClosed(err error) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.logger.Debugf("Session:onClosed", "sid:%v tid:%v err:%v", s.id, s.targetID, err)
		s.closeErr = err
		s.callbacks.clear(err)
		close(s.done)
		s.queue.close()
	})
	if first {
		s.onDetach.emit(err)
	}
}

func (s *Session) checkUsable(method string) error {
	if s.crashed.Load() {
		s.logger.Debugf("Session:Execute:return", "sid:%v tid:%v method:%q crashed", s.id, s.targetID, method)
		return ErrTargetCrashed
	}
	if s.Closed() {
		return fmt.Errorf("sending %s: %w", method, s.closeErr)
	}
	return nil
}

// Execute implements the cdp.Executor interface.
func (s *Session) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	s.logger.Debugf("Session:Execute", "sid:%v tid:%v method:%q", s.id, s.targetID, method)
	if err := s.checkUsable(method); err != nil {
		return err
	}

	return s.conn.send(ctx, s.callbacks, s.id, method, params, res)
}

// ExecuteWithoutExpectationOnReply sends a command and returns without
// waiting for its response.
func (s *Session) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler, _ easyjson.Unmarshaler,
) error {
	s.logger.Debugf("Session:ExecuteWithoutExpectationOnReply", "sid:%v tid:%v method:%q", s.id, s.targetID, method)
	if err := s.checkUsable(method); err != nil {
		return err
	}

	return s.conn.sendNoReply(ctx, s.id, method, params)
}

// Detach detaches the session from its target. The command is sent on
// the session this one was attached through.
func (s *Session) Detach(ctx context.Context) error {
	if s.Closed() {
		return nil
	}

	var parent cdp.Executor = s.conn
	if s.parentID != "" {
		if p := s.conn.Session(s.parentID); p != nil {
			parent = p
		}
	}
	action := target.DetachFromTarget().WithSessionID(s.id)
	if err := action.Do(cdp.WithExecutor(ctx, parent)); err != nil && !isTargetClosedError(err) {
		return fmt.Errorf("detaching session %v: %w", s.id, err)
	}
	s.conn.closeSession(s.id, ErrSessionDetached)

	return nil
}
