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

import "sync"

// eventQueue is an unbounded FIFO drained by a single goroutine, so
// events pushed from one producer are handled one at a time and in
// order, and a slow handler never blocks the producer.
type eventQueue[E any] struct {
	mu      sync.Mutex
	items   []E
	closed  bool
	notify  chan struct{}
	stopped chan struct{}
	handler func(E)
}

func newEventQueue[E any](handler func(E)) *eventQueue[E] {
	q := &eventQueue[E]{
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
		handler: handler,
	}
	go q.loop()

	return q
}

// push appends ev to the queue. It reports false if the queue was
// already closed.
func (q *eventQueue[E]) push(ev E) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	q.wake()
	return true
}

// close stops accepting events. Events already queued are still handled.
func (q *eventQueue[E]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.wake()
}

// wait blocks until the consumer goroutine exited.
func (q *eventQueue[E]) wait() {
	<-q.stopped
}

func (q *eventQueue[E]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue[E]) loop() {
	defer close(q.stopped)

	for range q.notify {
		for {
			q.mu.Lock()
			if len(q.items) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			ev := q.items[0]
			var zero E
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()

			q.handler(ev)
		}
	}
}
