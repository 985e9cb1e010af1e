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
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/trace"
)

// testTransport is an in-memory Transport. The fake browser reads what
// the client writes from out and writes replies into in.
type testTransport struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newTestTransport() *testTransport {
	return &testTransport{
		in:     make(chan []byte, 1024),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (t *testTransport) ReadMessage() ([]byte, error) {
	select {
	case buf := <-t.in:
		return buf, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *testTransport) WriteMessage(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case t.out <- cp:
		return nil
	case <-t.closed:
		return io.ErrClosedPipe
	}
}

func (t *testTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// fakeHandler answers one command. Returning a nil result and nil error
// replies with an empty object; returning errNoReply sends nothing.
type fakeHandler func(fb *fakeBrowser, msg *cdproto.Message) (easyjson.Marshaler, error)

var errNoReply = errors.New("no reply")

// fakeBrowser is a scripted protocol peer on the far side of a testTransport.
type fakeBrowser struct {
	t  testing.TB
	tr *testTransport

	mu       sync.Mutex
	handlers map[string]fakeHandler
	received []*cdproto.Message
	waited   map[string]int
}

func newFakeBrowser(t testing.TB) *fakeBrowser {
	t.Helper()

	fb := &fakeBrowser{
		t:        t,
		tr:       newTestTransport(),
		handlers: make(map[string]fakeHandler),
		waited:   make(map[string]int),
	}
	go fb.loop()

	return fb
}

// newConn connects a Connection to the fake browser and closes it at
// the end of the test.
func (fb *fakeBrowser) newConn(opts ...ConnectionOption) *Connection {
	fb.t.Helper()

	conn := NewConnectionWithTransport(context.Background(), "fake://browser", fb.tr, log.NewNullLogger(), opts...)
	fb.t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func (fb *fakeBrowser) handle(method string, h fakeHandler) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.handlers[method] = h
}

func (fb *fakeBrowser) loop() {
	for {
		select {
		case buf := <-fb.tr.out:
			var msg cdproto.Message
			if err := easyjson.Unmarshal(buf, &msg); err != nil {
				fb.t.Errorf("fake browser: decoding %s: %v", buf, err)
				continue
			}
			fb.mu.Lock()
			fb.received = append(fb.received, &msg)
			h := fb.handlers[string(msg.Method)]
			fb.mu.Unlock()

			var (
				res easyjson.Marshaler
				err error
			)
			if h != nil {
				res, err = h(fb, &msg)
			}
			switch {
			case errors.Is(err, errNoReply):
			case err != nil:
				fb.reply(&cdproto.Message{
					ID:        msg.ID,
					SessionID: msg.SessionID,
					Error:     &cdproto.Error{Code: -32000, Message: err.Error()},
				})
			default:
				fb.replyResult(msg.ID, msg.SessionID, res)
			}
		case <-fb.tr.closed:
			return
		}
	}
}

func (fb *fakeBrowser) reply(msg *cdproto.Message) {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		fb.t.Errorf("fake browser: encoding reply: %v", err)
		return
	}
	select {
	case fb.tr.in <- buf:
	case <-fb.tr.closed:
	}
}

func (fb *fakeBrowser) replyResult(id int64, sid target.SessionID, res easyjson.Marshaler) {
	raw := easyjson.RawMessage(`{}`)
	if res != nil {
		buf, err := easyjson.Marshal(res)
		if err != nil {
			fb.t.Errorf("fake browser: encoding result: %v", err)
			return
		}
		raw = buf
	}
	fb.reply(&cdproto.Message{ID: id, SessionID: sid, Result: raw})
}

// event sends an event on the session sid ("" for the browser session).
func (fb *fakeBrowser) event(sid target.SessionID, method cdproto.MethodType, params easyjson.Marshaler) {
	buf, err := easyjson.Marshal(params)
	if err != nil {
		fb.t.Errorf("fake browser: encoding %s: %v", method, err)
		return
	}
	fb.reply(&cdproto.Message{SessionID: sid, Method: method, Params: buf})
}

// raw sends bytes verbatim.
func (fb *fakeBrowser) raw(buf string) {
	select {
	case fb.tr.in <- []byte(buf):
	case <-fb.tr.closed:
	}
}

func (fb *fakeBrowser) attach(parent target.SessionID, sid target.SessionID, info *target.Info, waiting bool) {
	fb.event(parent, cdproto.EventTargetAttachedToTarget, &target.EventAttachedToTarget{
		SessionID:          sid,
		TargetInfo:         info,
		WaitingForDebugger: waiting,
	})
}

func (fb *fakeBrowser) detach(parent target.SessionID, sid target.SessionID, tid target.ID) {
	fb.event(parent, cdproto.EventTargetDetachedFromTarget, &target.EventDetachedFromTarget{
		SessionID: sid,
	})
}

// waitMethod blocks until the client sent method on sid once more than
// previous waitMethod calls for the same pair have seen, and returns it.
func (fb *fakeBrowser) waitMethod(sid target.SessionID, method string) *cdproto.Message {
	fb.t.Helper()

	key := string(sid) + "/" + method
	var found *cdproto.Message
	require.Eventuallyf(fb.t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()

		n := 0
		for _, msg := range fb.received {
			if msg.SessionID != sid || string(msg.Method) != method {
				continue
			}
			if n == fb.waited[key] {
				fb.waited[key]++
				found = msg
				return true
			}
			n++
		}
		return false
	}, 5*time.Second, time.Millisecond, "waiting for %s on session %q", method, sid)

	return found
}

// count returns how many times method was sent on sid.
func (fb *fakeBrowser) count(sid target.SessionID, method string) int {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	n := 0
	for _, msg := range fb.received {
		if msg.SessionID == sid && string(msg.Method) == method {
			n++
		}
	}
	return n
}

func (fb *fakeBrowser) close() {
	_ = fb.tr.Close()
}

func pageInfo(id target.ID, url string) *target.Info {
	return &target.Info{TargetID: id, Type: "page", URL: url, Attached: true}
}

func testTargetConfig() targetConfig {
	return targetConfig{
		utilityWorldName: DefaultUtilityWorldName,
		timeouts:         NewTimeoutSettings(nil),
		tracer:           trace.NewNoopTracer(),
		logger:           log.NewNullLogger(),
	}
}

// newTestPage returns a page target bound to s that was never
// initialized.
func newTestPage(id target.ID, s *Session) *Target {
	return newTarget(pageInfo(id, "about:blank"), TargetKindPage, s, nil, testTargetConfig())
}
