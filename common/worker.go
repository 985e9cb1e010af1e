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

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"

	"github.com/grafana/cdpcore/log"
)

// Worker is the handle of a worker target. Workers have no frames, only
// one execution context.
type Worker struct {
	target *Target

	mu      sync.RWMutex
	session *Session
	execCtx *Deferred[*ExecutionContext]

	logger *log.Logger
}

func newWorker(t *Target, s *Session, logger *log.Logger) *Worker {
	return &Worker{
		target:  t,
		session: s,
		execCtx: NewDeferred[*ExecutionContext](),
		logger:  logger,
	}
}

func (w *Worker) initialize(ctx context.Context) error {
	s := w.Session()
	if s == nil {
		return ErrTargetClosed
	}
	s.On(w.onSessionEvent)

	if err := runtime.Enable().Do(cdp.WithExecutor(ctx, s)); err != nil {
		return fmt.Errorf("enabling runtime for worker %v: %w", w.target.ID(), err)
	}

	return nil
}

func (w *Worker) onSessionEvent(ev SessionEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session == nil || w.session.ID() != ev.SessionID {
		return
	}
	switch e := ev.Data.(type) {
	case *runtime.EventExecutionContextCreated:
		if e.Context == nil {
			return
		}
		w.logger.Debugf("Worker:onExecutionContextCreated", "tid:%v ectxid:%d", w.target.ID(), e.Context.ID)
		w.resetExecutionContextLocked()
		_ = w.execCtx.Resolve(newExecutionContext(w.session, e.Context, execContextAuxData{}))
	case *runtime.EventExecutionContextDestroyed:
		w.logger.Debugf("Worker:onExecutionContextDestroyed", "tid:%v ectxid:%d", w.target.ID(), e.ExecutionContextID)
		if ec, err := w.execCtx.Result(); err == nil && ec != nil && ec.ID() == e.ExecutionContextID {
			w.resetExecutionContextLocked()
		}
	case *runtime.EventExecutionContextsCleared:
		w.logger.Debugf("Worker:onExecutionContextsCleared", "tid:%v", w.target.ID())
		w.resetExecutionContextLocked()
	}
}

// resetExecutionContextLocked makes ExecutionContext wait for the next
// execution context.
func (w *Worker) resetExecutionContextLocked() {
	if w.execCtx.State() != DeferredPending {
		w.execCtx = NewDeferred[*ExecutionContext]()
	}
}

// Session returns the session the worker is attached through.
func (w *Worker) Session() *Session {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.session
}

func (w *Worker) setSession(s *Session) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.session = s
	w.resetExecutionContextLocked()
}

// URL returns the URL of the web worker.
func (w *Worker) URL() string {
	return w.target.URL()
}

// ExecutionContext waits for the execution context of the worker.
func (w *Worker) ExecutionContext(ctx context.Context) (*ExecutionContext, error) {
	w.mu.RLock()
	execCtx := w.execCtx
	w.mu.RUnlock()

	ctx, cancel := withDefaultTimeout(ctx, w.target.conf.timeouts.timeout())
	defer cancel()

	ec, err := execCtx.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for worker %v execution context: %w", w.target.ID(), err)
	}
	return ec, nil
}

func (w *Worker) onClosed() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.resetExecutionContextLocked()
	_ = w.execCtx.Reject(ErrTargetClosed)
}
