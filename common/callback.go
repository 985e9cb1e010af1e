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
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"

	"github.com/grafana/cdpcore/log"
)

type msgIDGenerator interface {
	newID() int64
}

// msgID hands out message ids. A single generator is shared by a
// connection and all of its sessions so ids are unique on the wire.
type msgID struct {
	id int64
}

func (m *msgID) newID() int64 {
	return atomic.AddInt64(&m.id, 1)
}

// callback is one in-flight command waiting for its response.
type callback struct {
	id     int64
	label  string
	result *Deferred[easyjson.RawMessage]
	timer  *clock.Timer
}

// CallbackRegistry tracks in-flight commands by message id.
type CallbackRegistry struct {
	mu        sync.Mutex
	callbacks map[int64]*callback
	idGen     msgIDGenerator
	clock     clock.Clock
	closedErr error
	logger    *log.Logger
}

// NewCallbackRegistry returns an empty registry drawing ids from idGen.
func NewCallbackRegistry(idGen msgIDGenerator, clk clock.Clock, logger *log.Logger) *CallbackRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &CallbackRegistry{
		callbacks: make(map[int64]*callback),
		idGen:     idGen,
		clock:     clk,
		logger:    logger,
	}
}

// create registers a new callback for a command named label. A non-zero
// timeout rejects the callback with a TimeoutError and drops it from the
// registry once it expires.
func (r *CallbackRegistry) create(label string, timeout time.Duration) (*callback, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closedErr != nil {
		return nil, r.closedErr
	}
	cb := &callback{
		id:     r.idGen.newID(),
		label:  label,
		result: NewDeferred[easyjson.RawMessage](),
	}
	if timeout > 0 {
		cb.timer = r.clock.AfterFunc(timeout, func() {
			r.reject(cb.id, &TimeoutError{Method: label, Timeout: timeout})
		})
	}
	r.callbacks[cb.id] = cb

	return cb, nil
}

// take removes and returns the callback with id.
func (r *CallbackRegistry) take(id int64) *callback {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.callbacks[id]
	if !ok {
		return nil
	}
	delete(r.callbacks, id)
	if cb.timer != nil {
		cb.timer.Stop()
	}

	return cb
}

// settle resolves or rejects the callback msg responds to. It reports
// false for responses nobody waits for anymore.
func (r *CallbackRegistry) settle(msg *cdproto.Message) bool {
	cb := r.take(msg.ID)
	if cb == nil {
		r.logger.Debugf("CallbackRegistry:settle", "mid:%d no pending callback, dropping late response", msg.ID)
		return false
	}
	if msg.Error != nil {
		_ = cb.result.Reject(newProtocolError(cb.label, msg.Error))
		return true
	}
	_ = cb.result.Resolve(msg.Result)

	return true
}

func (r *CallbackRegistry) resolve(id int64, res easyjson.RawMessage) bool {
	cb := r.take(id)
	if cb == nil {
		return false
	}
	return cb.result.Resolve(res) == nil
}

func (r *CallbackRegistry) reject(id int64, err error) bool {
	cb := r.take(id)
	if cb == nil {
		return false
	}
	return cb.result.Reject(err) == nil
}

// remove forgets the callback with id without settling it. It is used
// when the caller stopped waiting.
func (r *CallbackRegistry) remove(id int64) {
	r.take(id)
}

// clear rejects every pending callback with err and refuses new ones.
func (r *CallbackRegistry) clear(err error) {
	r.mu.Lock()
	if r.closedErr == nil {
		r.closedErr = err
	}
	pending := r.callbacks
	r.callbacks = make(map[int64]*callback)
	r.mu.Unlock()

	for _, cb := range pending {
		if cb.timer != nil {
			cb.timer.Stop()
		}
		_ = cb.result.Reject(err)
	}
}

func (r *CallbackRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.callbacks)
}
