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
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteBufferSize = 1 << 20

	// DefaultMaxMessageSize bounds a single inbound protocol message.
	DefaultMaxMessageSize = 256 << 20
)

// Transport carries framed protocol messages to and from the browser.
// ReadMessage is only ever called from one goroutine, and so is
// WriteMessage. Close may be called concurrently with both.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// wsTransport is a Transport over a WebSocket connection.
type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// DialWebSocket connects to a browser's DevTools WebSocket endpoint.
// Inbound messages larger than maxMessageSize bytes fail the read; a
// value of zero or less disables the limit.
func DialWebSocket(ctx context.Context, wsURL string, maxMessageSize int64) (Transport, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", wsURL, err)
	}
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, buf, err := t.conn.ReadMessage()
	if errors.Is(err, websocket.ErrReadLimit) {
		return nil, fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
	}
	return buf, err
}

func (t *wsTransport) WriteMessage(buf []byte) error {
	writer, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := writer.Write(buf); err != nil {
		return err
	}
	return writer.Close()
}

// Close sends a close frame and closes the underlying connection.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(10*time.Second),
		)
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// pipeTransport is a Transport over a pair of pipes carrying
// NUL-terminated messages, as spoken by --remote-debugging-pipe.
type pipeTransport struct {
	r              *bufio.Reader
	rc             io.Closer
	w              io.WriteCloser
	maxMessageSize int
	closeOnce      sync.Once
}

// NewPipeTransport returns a Transport reading messages from r and
// writing them to w.
func NewPipeTransport(r io.ReadCloser, w io.WriteCloser, maxMessageSize int) Transport {
	return &pipeTransport{
		r:              bufio.NewReader(r),
		rc:             r,
		w:              w,
		maxMessageSize: maxMessageSize,
	}
}

func (t *pipeTransport) ReadMessage() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := t.r.ReadSlice(0)
		buf = append(buf, chunk...)
		if t.maxMessageSize > 0 && len(buf) > t.maxMessageSize+1 {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, t.maxMessageSize)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return buf[:len(buf)-1], nil
	}
}

func (t *pipeTransport) WriteMessage(buf []byte) error {
	if bytes.IndexByte(buf, 0) >= 0 {
		return fmt.Errorf("%w: message contains a NUL byte", ErrInvalidMessage)
	}
	if _, err := t.w.Write(buf); err != nil {
		return err
	}
	_, err := t.w.Write([]byte{0})
	return err
}

func (t *pipeTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.w.Close()
		if rerr := t.rc.Close(); err == nil {
			err = rerr
		}
	})
	return err
}
