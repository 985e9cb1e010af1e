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

// DeferredState is the state of a Deferred.
type DeferredState int

const (
	DeferredPending DeferredState = iota
	DeferredResolved
	DeferredRejected
)

func (s DeferredState) String() string {
	switch s {
	case DeferredResolved:
		return "resolved"
	case DeferredRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Deferred is a value that is settled at most once and can be awaited
// by any number of goroutines.
type Deferred[T any] struct {
	mu    sync.Mutex
	state DeferredState
	value T
	err   error
	done  chan struct{}
}

// NewDeferred returns a pending Deferred.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles d with v. It returns ErrAlreadySettled if d was
// already settled.
func (d *Deferred[T]) Resolve(v T) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DeferredPending {
		return ErrAlreadySettled
	}
	d.state = DeferredResolved
	d.value = v
	close(d.done)

	return nil
}

// Reject settles d with err. It returns ErrAlreadySettled if d was
// already settled.
func (d *Deferred[T]) Reject(err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != DeferredPending {
		return ErrAlreadySettled
	}
	d.state = DeferredRejected
	d.err = err
	close(d.done)

	return nil
}

// Wait blocks until d is settled or ctx is done.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled value without blocking. A pending Deferred
// returns the zero value and a nil error.
func (d *Deferred[T]) Result() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.value, d.err
}

// Done is closed once d is settled.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

func (d *Deferred[T]) State() DeferredState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// InitializationStatus is the outcome of a target's initialization.
type InitializationStatus int

const (
	InitPending InitializationStatus = iota
	InitSuccess
	InitAborted
)

func (s InitializationStatus) String() string {
	switch s {
	case InitSuccess:
		return "success"
	case InitAborted:
		return "aborted"
	default:
		return "pending"
	}
}
