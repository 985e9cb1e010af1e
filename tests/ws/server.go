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

// Package ws is an in-process stand-in for a browser's DevTools
// WebSocket endpoint.
package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
	Context    context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
		Context:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the WebSocket URL of path on the server.
func (s *Server) URL(path string) string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + path
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// This forces a connection closure without a proper WS close message exchange
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		wc, err := conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// Commands records the methods received by a CDP handler.
type Commands struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (c *Commands) add(m cdproto.MethodType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.methods = append(c.methods, m)
}

// Methods returns the methods received so far in arrival order.
func (c *Commands) Methods() []cdproto.MethodType {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]cdproto.MethodType(nil), c.methods...)
}

// Writer queues messages to the client of a CDP handler.
type Writer struct {
	ch   chan cdproto.Message
	done chan struct{}
}

// Send queues msg. It returns false once the connection is gone.
func (w *Writer) Send(msg cdproto.Message) bool {
	select {
	case w.ch <- msg:
		return true
	case <-w.done:
		return false
	}
}

// Reply sends result as the response to msg.
func (w *Writer) Reply(msg *cdproto.Message, result string) bool {
	if result == "" {
		result = "{}"
	}
	return w.Send(cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage(result),
	})
}

// Event sends an event on the session sid.
func (w *Writer) Event(sid string, method cdproto.MethodType, params string) bool {
	return w.Send(cdproto.Message{
		SessionID: target.SessionID(sid),
		Method:    method,
		Params:    easyjson.RawMessage(params),
	})
}

// CDPHandler handles one command received by the server.
type CDPHandler func(msg *cdproto.Message, w *Writer)

// WithCDPHandler attaches a custom CDP handler function to Server.
// Received methods are recorded in cmdsReceived when it is not nil.
func WithCDPHandler(path string, fn CDPHandler, cmdsReceived *Commands) func(*Server) {
	return func(s *Server) {
		handler := func(rw http.ResponseWriter, req *http.Request) {
			conn, err := (&websocket.Upgrader{}).Upgrade(rw, req, rw.Header())
			if err != nil {
				return
			}
			defer func() { _ = conn.Close() }()

			w := &Writer{
				ch:   make(chan cdproto.Message),
				done: make(chan struct{}),
			}
			var closeOnce sync.Once
			stop := func() { closeOnce.Do(func() { close(w.done) }) }

			go func() {
				defer stop()
				for {
					msg, err := read(conn)
					if err != nil {
						return
					}
					if msg.Method != "" && cmdsReceived != nil {
						cmdsReceived.add(msg.Method)
					}
					fn(msg, w)
				}
			}()

			for {
				select {
				case msg := <-w.ch:
					if err := write(conn, &msg); err != nil {
						stop()
						return
					}
				case <-w.done:
					return
				case <-s.Context.Done():
					stop()
					return
				}
			}
		}
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

func read(conn *websocket.Conn) (*cdproto.Message, error) {
	_, buf, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, err
	}

	return &msg, nil
}

func write(conn *websocket.Conn, msg *cdproto.Message) error {
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return err
	}

	writer, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := encoder.DumpTo(writer); err != nil {
		return err
	}
	return writer.Close()
}

// Identifiers used by CDPDefaultHandler.
const (
	DefaultTargetID         = "target_id_0123456789"
	DefaultBrowserContextID = "browser_context_id_0123456789"
	sessionPrefix           = "session_"
)

// SessionIDOf returns the session id CDPDefaultHandler attaches tid with.
func SessionIDOf(tid string) string {
	return sessionPrefix + tid
}

// CDPDefaultHandler behaves like a browser with one blank page in the
// default browser context. Targets created with Target.createTarget are
// attached right away, as are the targets of Target.attachToTarget.
// Every other command succeeds with an empty result.
func CDPDefaultHandler(msg *cdproto.Message, w *Writer) {
	if msg.Method == "" {
		return
	}

	if msg.SessionID != "" {
		tid := strings.TrimPrefix(string(msg.SessionID), sessionPrefix)
		switch msg.Method {
		case cdproto.CommandPageGetFrameTree:
			w.Reply(msg, fmt.Sprintf(`{"frameTree":{"frame":%s}}`, frameJSON(tid)))
		case cdproto.CommandPageCreateIsolatedWorld:
			w.Reply(msg, `{"executionContextId":100}`)
		default:
			w.Reply(msg, "")
		}
		return
	}

	switch msg.Method {
	case cdproto.CommandTargetGetTargets:
		w.Reply(msg, fmt.Sprintf(`{"targetInfos":[%s]}`, targetInfoJSON(DefaultTargetID, "")))
	case cdproto.CommandTargetSetAutoAttach:
		w.Reply(msg, "")
		attached(w, DefaultTargetID, "")
	case cdproto.CommandTargetAttachToTarget:
		var params target.AttachToTargetParams
		_ = easyjson.Unmarshal(msg.Params, &params)
		tid := string(params.TargetID)
		attached(w, tid, "")
		w.Reply(msg, fmt.Sprintf(`{"sessionId":%q}`, SessionIDOf(tid)))
	case cdproto.CommandTargetGetBrowserContexts:
		w.Reply(msg, `{"browserContextIds":[]}`)
	case cdproto.CommandTargetCreateBrowserContext:
		w.Reply(msg, fmt.Sprintf(`{"browserContextId":%q}`, DefaultBrowserContextID))
	case cdproto.CommandTargetCreateTarget:
		var params target.CreateTargetParams
		_ = easyjson.Unmarshal(msg.Params, &params)
		tid := fmt.Sprintf("target_id_%d", msg.ID)
		w.Reply(msg, fmt.Sprintf(`{"targetId":%q}`, tid))
		attached(w, tid, string(params.BrowserContextID))
	case cdproto.CommandBrowserGetVersion:
		w.Reply(msg, `{
			"protocolVersion":"1.3",
			"product":"HeadlessChrome/120.0.6099.109",
			"revision":"@3c5b7bf4a0e1a4d9a9b0f5bd5b3bcbfa5d4e2e1a",
			"userAgent":"Mozilla/5.0 HeadlessChrome/120.0.6099.109",
			"jsVersion":"12.0.267.8"
		}`)
	default:
		w.Reply(msg, "")
	}
}

func attached(w *Writer, tid, bctxID string) {
	w.Event("", cdproto.EventTargetAttachedToTarget, fmt.Sprintf(
		`{"sessionId":%q,"targetInfo":%s,"waitingForDebugger":false}`,
		SessionIDOf(tid), targetInfoJSON(tid, bctxID),
	))
}

func targetInfoJSON(tid, bctxID string) string {
	return fmt.Sprintf(
		`{"targetId":%q,"type":"page","title":"","url":"about:blank","attached":true,"canAccessOpener":false,"browserContextId":%q}`,
		tid, bctxID,
	)
}

func frameJSON(fid string) string {
	return fmt.Sprintf(
		`{"id":%q,"loaderId":"loader_%s","url":"about:blank","domainAndRegistry":"","securityOrigin":"://",`+
			`"mimeType":"text/html","secureContextType":"Secure","crossOriginIsolatedContextType":"NotIsolated","gatedAPIFeatures":[]}`,
		fid, fid,
	)
}
