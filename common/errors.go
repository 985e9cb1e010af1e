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
	"strings"
	"time"

	"github.com/chromedp/cdproto"
)

var (
	// ErrConnectionClosed is returned for commands that cannot complete
	// because the underlying connection is gone.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTargetClosed is returned when the target a command or wait was
	// bound to went away.
	ErrTargetClosed = errors.New("target closed")

	// ErrSessionDetached is returned by a session that was detached
	// before or while a command was in flight.
	ErrSessionDetached = fmt.Errorf("session detached: %w", ErrTargetClosed)

	// ErrTargetCrashed is returned by a session whose target crashed.
	ErrTargetCrashed = errors.New("target has crashed")

	ErrExecutionContextNotFound  = errors.New("execution context not found")
	ErrMissingBrowserContext     = errors.New("missing browser context")
	ErrDefaultContextNotClosable = errors.New("default browser context cannot be closed")
	ErrFrameDetached             = errors.New("frame was detached")
	ErrAlreadySettled            = errors.New("already settled")
	ErrInvalidMessage            = errors.New("invalid protocol message")
	ErrMessageTooLarge           = errors.New("protocol message too large")
)

// ProtocolError is an error reply from the remote end to a command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Raw     *cdproto.Error
}

func newProtocolError(method string, e *cdproto.Error) *ProtocolError {
	return &ProtocolError{
		Method:  method,
		Code:    e.Code,
		Message: e.Message,
		Raw:     e,
	}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Method, e.Message)
}

// TimeoutError is returned when a command did not receive a response
// within its call timeout.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Method, e.Timeout)
}

// Unwrap makes TimeoutError match context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// messages the browser uses when a command raced with its target going away.
var targetClosedMessages = []string{
	"Target closed",
	"Session closed",
	"No session with given id",
	"No target with given id",
	"Inspected target navigated or closed",
	"Cannot find context with specified id",
}

// isTargetClosedError reports whether err means the command lost its
// target. Initialization treats those as an abort instead of a failure.
func isTargetClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTargetClosed) || errors.Is(err, ErrConnectionClosed) {
		return true
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		for _, m := range targetClosedMessages {
			if strings.Contains(perr.Message, m) {
				return true
			}
		}
	}
	return false
}

// connectionClosedError wraps the cause of a connection shutdown so it
// matches both ErrConnectionClosed and the cause.
func connectionClosedError(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionClosed
	case errors.Is(cause, ErrConnectionClosed):
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}
