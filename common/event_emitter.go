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
	"sync"
)

type eventHandler[E any] struct {
	id uint64
	fn func(E)
}

// eventEmitter is an in-process publish/subscribe hub for one kind of
// event payload. Handlers run synchronously on the emitting goroutine,
// in registration order, without the emitter lock held.
type eventEmitter[E any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []eventHandler[E]
}

// on registers fn and returns a function that removes it again.
func (e *eventEmitter[E]) on(fn func(E)) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, eventHandler[E]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.off(id) })
	}
}

func (e *eventEmitter[E]) off(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, h := range e.handlers {
		if h.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

func (e *eventEmitter[E]) emit(ev E) {
	e.mu.Lock()
	handlers := make([]eventHandler[E], len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	for _, h := range handlers {
		h.fn(ev)
	}
}

func (e *eventEmitter[E]) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.handlers)
}

// waitForEvent blocks until em emits an event matching pred or ctx is
// done. The handler is removed before returning either way.
func waitForEvent[E any](ctx context.Context, em *eventEmitter[E], pred func(E) bool) (E, error) {
	ch := make(chan E, 1)
	off := em.on(func(ev E) {
		if pred != nil && !pred(ev) {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	defer off()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		var zero E
		return zero, ctx.Err()
	}
}
