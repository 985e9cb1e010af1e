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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/grafana/cdpcore/log"
)

// Ensure Connection and Session implement the cdp.Executor interface.
var (
	_ cdp.Executor = &Connection{}
	_ cdp.Executor = &Session{}
)

// sessionHandle is a channel commands can be sent on and events read
// from: the root browser session (the Connection) or a Session.
type sessionHandle interface {
	cdp.Executor
	ID() target.SessionID
	On(fn func(SessionEvent)) (off func())
	Done() <-chan struct{}
}

// SessionEvent is a decoded protocol event delivered on a session.
type SessionEvent struct {
	SessionID target.SessionID
	Method    cdproto.MethodType
	Data      any
}

type outgoing struct {
	msg       *cdproto.Message
	callbacks *CallbackRegistry
}

/*
	Connection represents a transport connection and the root "Browser Session".

	One reader goroutine decodes every inbound message. Responses settle
	the matching callback right away. Events are queued on the addressed
	session (or the root session when there is none) and handled there
	one at a time, in arrival order. Attach and detach notifications
	create and close sessions on the reader itself, before the event is
	queued, so a session exists by the time anybody hears about it.
*/
type Connection struct {
	ctx       context.Context
	url       string
	logger    *log.Logger
	transport Transport
	clock     clock.Clock

	callTimeout time.Duration
	idGen       *msgID
	callbacks   *CallbackRegistry

	sendCh    chan outgoing
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
	wg        sync.WaitGroup

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session

	queue   *eventQueue[*cdproto.Message]
	events  eventEmitter[SessionEvent]
	onClose eventEmitter[error]

	// Reuse the easyjson structs to avoid allocs per Read/Write.
	decoder jlexer.Lexer
	encoder jwriter.Writer
}

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithConnectionClock sets the clock call timeouts are measured with.
func WithConnectionClock(clk clock.Clock) ConnectionOption {
	return func(c *Connection) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithDefaultCallTimeout sets the response timeout applied to commands
// whose context carries no WithCallTimeout value.
func WithDefaultCallTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.callTimeout = d
	}
}

// NewConnection dials wsURL and returns a connection over it.
func NewConnection(
	ctx context.Context, wsURL string, maxMessageSize int64, logger *log.Logger, opts ...ConnectionOption,
) (*Connection, error) {
	t, err := DialWebSocket(ctx, wsURL, maxMessageSize)
	if err != nil {
		return nil, err
	}

	return NewConnectionWithTransport(ctx, wsURL, t, logger, opts...), nil
}

// NewConnectionWithTransport returns a connection over an established
// transport. The connection is closed when ctx is done.
func NewConnectionWithTransport(
	ctx context.Context, url string, t Transport, logger *log.Logger, opts ...ConnectionOption,
) *Connection {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	c := &Connection{
		ctx:       ctx,
		url:       url,
		logger:    logger,
		transport: t,
		clock:     clock.New(),
		idGen:     &msgID{},
		sendCh:    make(chan outgoing, 32), // Avoid blocking in Execute
		done:      make(chan struct{}),
		sessions:  make(map[target.SessionID]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.callbacks = NewCallbackRegistry(c.idGen, c.clock, logger)
	c.queue = newEventQueue(func(msg *cdproto.Message) {
		if ev, ok := decodeEvent(c.logger, msg); ok {
			c.events.emit(ev)
		}
	})

	c.wg.Add(3)
	go c.recvLoop()
	go c.sendLoop()
	go c.watchContext()

	return c
}

func (c *Connection) watchContext() {
	defer c.wg.Done()

	select {
	case <-c.ctx.Done():
		c.closeWithError(c.ctx.Err())
	case <-c.done:
	}
}

// ID returns the id of the root browser session, which is empty.
func (c *Connection) ID() target.SessionID {
	return ""
}

// URL returns the address the connection was established with.
func (c *Connection) URL() string {
	return c.url
}

// On registers fn for events of the root browser session.
func (c *Connection) On(fn func(SessionEvent)) (off func()) {
	return c.events.on(fn)
}

// OnClose registers fn to be called once with the error the connection
// closed with.
func (c *Connection) OnClose(fn func(error)) (off func()) {
	return c.onClose.on(fn)
}

// Done is closed once the connection has closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error the connection closed with, or nil while it is open.
func (c *Connection) Err() error {
	if !c.closed.Load() {
		return nil
	}
	return c.closeErr
}

// IsClosed reports whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Session returns the live session with id or nil.
func (c *Connection) Session(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()

	return c.sessions[id]
}

// Sessions returns a snapshot of the live sessions.
func (c *Connection) Sessions() []*Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()

	ss := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		ss = append(ss, s)
	}
	return ss
}

// AttachToTarget attaches a flat session to the target with id.
func (c *Connection) AttachToTarget(ctx context.Context, id target.ID) (*Session, error) {
	action := target.AttachToTarget(id).WithFlatten(true)
	sessionID, err := action.Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %v: %w", id, err)
	}
	s := c.Session(sessionID)
	if s == nil {
		return nil, fmt.Errorf("attaching to target %v: %w", id, ErrSessionDetached)
	}
	return s, nil
}

// Close closes the connection and waits for its loops to exit.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	c.wg.Wait()

	return nil
}

func (c *Connection) closeWithError(cause error) {
	var sessions map[target.SessionID]*Session
	c.closeOnce.Do(func() {
		c.closeErr = connectionClosedError(cause)
		c.closed.Store(true)

		c.logger.Debugf("Connection:close", "url:%q err:%v", c.url, cause)

		c.callbacks.clear(c.closeErr)

		c.sessionsMu.Lock()
		sessions = c.sessions
		c.sessions = make(map[target.SessionID]*Session)
		c.sessionsMu.Unlock()

		if err := c.transport.Close(); err != nil {
			c.logger.Debugf("Connection:close", "closing transport: %v", err)
		}
		close(c.done)
		c.queue.close()
	})
	if sessions == nil {
		return
	}

	// listeners run outside of the once so they may query the connection
	for _, s := range sessions {
		s.onClosed(c.closeErr)
	}
	c.onClose.emit(c.closeErr)
}

// createSession returns the session of an attach event, or nil once the
// connection is closed.
func (c *Connection) createSession(parentID target.SessionID, ev *target.EventAttachedToTarget) *Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()

	// closeWithError marks the connection closed before taking the map
	if c.closed.Load() {
		return nil
	}
	if s, ok := c.sessions[ev.SessionID]; ok {
		return s
	}
	s := newSession(c, ev.SessionID, ev.TargetInfo, parentID)
	c.sessions[ev.SessionID] = s

	return s
}

// closeSession closes the session with id and every session attached
// through it. Descendants are closed first.
func (c *Connection) closeSession(id target.SessionID, err error) {
	c.sessionsMu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.sessionsMu.Unlock()
		return
	}
	delete(c.sessions, id)
	closing := []*Session{s}
	for i := 0; i < len(closing); i++ {
		for sid, other := range c.sessions {
			if other.parentID == closing[i].id {
				delete(c.sessions, sid)
				closing = append(closing, other)
			}
		}
	}
	c.sessionsMu.Unlock()

	for i := len(closing) - 1; i >= 0; i-- {
		closing[i].onClosed(err)
	}
}

func (c *Connection) recvLoop() {
	defer c.wg.Done()

	for {
		buf, err := c.transport.ReadMessage()
		if err != nil {
			c.closeWithError(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			c.logger.Errorf("Connection:recvLoop", "%v: %v", ErrInvalidMessage, err)
			continue
		}

		c.dispatch(&msg)
	}
}

func (c *Connection) dispatch(msg *cdproto.Message) {
	switch {
	case msg.ID != 0:
		c.dispatchResponse(msg)
	case msg.Method != "":
		c.dispatchEvent(msg)
	default:
		c.logger.Errorf("Connection:dispatch", "ignoring malformed incoming message (missing id or method): sid:%v", msg.SessionID)
	}
}

func (c *Connection) dispatchResponse(msg *cdproto.Message) {
	if msg.SessionID == "" {
		c.callbacks.settle(msg)
		return
	}
	s := c.Session(msg.SessionID)
	if s == nil {
		c.logger.Debugf("Connection:dispatchResponse", "sid:%v mid:%d response for unknown session", msg.SessionID, msg.ID)
		return
	}
	s.callbacks.settle(msg)
	if msg.Error != nil && msg.Error.Message == "No session with given id" {
		c.closeSession(s.id, ErrSessionDetached)
	}
}

func (c *Connection) dispatchEvent(msg *cdproto.Message) {
	// Handle attachment and detachment from targets,
	// creating and deleting sessions as necessary.
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			c.logger.Errorf("Connection:dispatchEvent", "%v", err)
			return
		}
		c.createSession(msg.SessionID, ev.(*target.EventAttachedToTarget))
	case cdproto.EventTargetDetachedFromTarget:
		ev, err := cdproto.UnmarshalMessage(msg)
		if err != nil {
			c.logger.Errorf("Connection:dispatchEvent", "%v", err)
			return
		}
		c.closeSession(ev.(*target.EventDetachedFromTarget).SessionID, ErrSessionDetached)
	}

	if msg.SessionID == "" {
		c.queue.push(msg)
		return
	}
	s := c.Session(msg.SessionID)
	if s == nil {
		c.logger.Debugf("Connection:dispatchEvent", "sid:%v method:%q event for unknown session", msg.SessionID, msg.Method)
		return
	}
	s.queue.push(msg)
}

func (c *Connection) sendLoop() {
	defer c.wg.Done()

	for {
		select {
		case out := <-c.sendCh:
			c.encoder = jwriter.Writer{}
			out.msg.MarshalEasyJSON(&c.encoder)
			if err := c.encoder.Error; err != nil {
				out.callbacks.reject(out.msg.ID, err)
				continue
			}

			buf, _ := c.encoder.BuildBytes()
			c.logger.Debugf("cdp:send", "-> %s", buf)
			if err := c.transport.WriteMessage(buf); err != nil {
				c.closeWithError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// send writes a command for the session sid and waits for its response.
func (c *Connection) send(
	ctx context.Context, callbacks *CallbackRegistry, sid target.SessionID,
	method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if c.closed.Load() {
		return fmt.Errorf("sending %s: %w", method, c.closeErr)
	}

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	timeout := c.callTimeout
	if d, ok := callTimeoutFromContext(ctx); ok {
		timeout = d
	}
	cb, err := callbacks.create(method, timeout)
	if err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}
	msg := &cdproto.Message{
		ID:        cb.id,
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	select {
	case c.sendCh <- outgoing{msg: msg, callbacks: callbacks}:
	case <-cb.result.Done():
	case <-ctx.Done():
		callbacks.remove(cb.id)
		return fmt.Errorf("sending %s: %w", method, ctx.Err())
	}

	select {
	case <-cb.result.Done():
	case <-ctx.Done():
		callbacks.remove(cb.id)
		return fmt.Errorf("waiting for %s: %w", method, ctx.Err())
	}

	result, err := cb.result.Result()
	if err != nil {
		return err
	}
	if res != nil && len(result) > 0 {
		return easyjson.Unmarshal(result, res)
	}

	return nil
}

// sendNoReply writes a command for the session sid without registering
// a callback. Its response is dropped on arrival.
func (c *Connection) sendNoReply(ctx context.Context, sid target.SessionID, method string, params easyjson.Marshaler) error {
	if c.closed.Load() {
		return fmt.Errorf("sending %s: %w", method, c.closeErr)
	}

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}
	msg := &cdproto.Message{
		ID:        c.idGen.newID(),
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	select {
	case c.sendCh <- outgoing{msg: msg, callbacks: c.callbacks}:
		return nil
	case <-c.done:
		return fmt.Errorf("sending %s: %w", method, c.closeErr)
	case <-ctx.Done():
		return fmt.Errorf("sending %s: %w", method, ctx.Err())
	}
}

// Execute implements cdp.Executor and sends a command on the root
// browser session.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.send(ctx, c.callbacks, "", method, params, res)
}

// decodeEvent turns a raw event message into a SessionEvent. Events
// the protocol package does not know are dropped.
func decodeEvent(logger *log.Logger, msg *cdproto.Message) (SessionEvent, bool) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if errors.Is(err, cdp.ErrUnknownCommandOrEvent(msg.Method)) {
		logger.Debugf("Connection:decodeEvent", "sid:%v method:%q unknown event", msg.SessionID, msg.Method)
		return SessionEvent{}, false
	}
	if err != nil {
		logger.Errorf("Connection:decodeEvent", "sid:%v method:%q: %v", msg.SessionID, msg.Method, err)
		return SessionEvent{}, false
	}

	return SessionEvent{SessionID: msg.SessionID, Method: msg.Method, Data: ev}, true
}
