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
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"

	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/trace"
)

// TargetKind classifies a target.
type TargetKind int

const (
	// TargetKindOther is any target that is neither a page nor a worker,
	// e.g. an out-of-process iframe.
	TargetKindOther TargetKind = iota
	TargetKindPage
	TargetKindWorker
)

func (k TargetKind) String() string {
	switch k {
	case TargetKindPage:
		return "page"
	case TargetKindWorker:
		return "worker"
	default:
		return "other"
	}
}

// targetConfig is what a target needs from the browser that owns it.
type targetConfig struct {
	utilityWorldName string
	timeouts         *TimeoutSettings
	tracer           *trace.Tracer
	logger           *log.Logger
}

// Target is one attachable unit of the browser: a page, a worker or
// anything else the browser reports.
type Target struct {
	mu             sync.RWMutex
	info           target.Info
	kind           TargetKind
	session        *Session
	browserContext *BrowserContext

	initialized *Deferred[InitializationStatus]
	closed      *Deferred[struct{}]
	crashed     atomic.Bool

	frameManagerOnce sync.Once
	frameManager     *FrameManager
	worker           *Worker

	conf   targetConfig
	logger *log.Logger
}

func newTarget(info *target.Info, kind TargetKind, session *Session, bctx *BrowserContext, conf targetConfig) *Target {
	t := &Target{
		info:           *info,
		kind:           kind,
		session:        session,
		browserContext: bctx,
		initialized:    NewDeferred[InitializationStatus](),
		closed:         NewDeferred[struct{}](),
		conf:           conf,
		logger:         conf.logger,
	}
	if kind == TargetKindWorker {
		t.worker = newWorker(t, session, conf.logger)
	}
	t.logger.Debugf("Target:newTarget", "tid:%v type:%s kind:%s", info.TargetID, info.Type, kind)

	return t
}

// ID returns the target id.
func (t *Target) ID() target.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.info.TargetID
}

// Info returns a copy of the latest metadata of the target.
func (t *Target) Info() target.Info {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.info
}

// Type returns the protocol type of the target, e.g. "page" or "iframe".
func (t *Target) Type() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.info.Type
}

// URL returns the last known URL of the target.
func (t *Target) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.info.URL
}

// OpenerID returns the id of the target that opened this one.
func (t *Target) OpenerID() target.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.info.OpenerID
}

// Kind returns how the target was classified.
func (t *Target) Kind() TargetKind {
	return t.kind
}

// BrowserContext returns the context the target belongs to.
func (t *Target) BrowserContext() *BrowserContext {
	return t.browserContext
}

// Session returns the session currently attached to the target.
func (t *Target) Session() *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.session
}

// FrameManager returns the frame manager of a page target. It is nil
// for other kinds of targets.
func (t *Target) FrameManager() *FrameManager {
	if t.kind != TargetKindPage {
		return nil
	}
	t.frameManagerOnce.Do(func() {
		t.frameManager = NewFrameManager(t, t.conf)
	})
	return t.frameManager
}

// Worker returns the worker handle of a worker target or nil.
func (t *Target) Worker() *Worker {
	return t.worker
}

// Initialized waits for the initialization of the target to settle.
func (t *Target) Initialized(ctx context.Context) (InitializationStatus, error) {
	return t.initialized.Wait(ctx)
}

// InitializationStatus returns the current initialization status
// without blocking.
func (t *Target) InitializationStatus() InitializationStatus {
	if t.initialized.State() == DeferredPending {
		return InitPending
	}
	s, _ := t.initialized.Result()
	return s
}

// Closed is closed once the target is gone.
func (t *Target) Closed() <-chan struct{} {
	return t.closed.Done()
}

// IsClosed reports whether the target is gone.
func (t *Target) IsClosed() bool {
	return t.closed.State() != DeferredPending
}

// Crashed reports whether the target crashed.
func (t *Target) Crashed() bool {
	return t.crashed.Load()
}

// initialize runs the handshake of the target kind on its session and
// settles the initialization status. A target closing mid-handshake
// aborts the initialization instead of failing it.
func (t *Target) initialize(ctx context.Context) (InitializationStatus, error) {
	tid := string(t.ID())
	ctx, span := t.conf.tracer.TraceAPICall(ctx, tid, "target.initialize")
	defer span.End()

	s := t.Session()
	if s != nil {
		s.On(t.onSessionEvent)
	}

	var err error
	switch t.kind {
	case TargetKindPage:
		err = t.FrameManager().initialize(ctx, s, nil)
	case TargetKindWorker:
		err = t.worker.initialize(ctx)
	}

	switch {
	case err == nil && !t.IsClosed():
		_ = t.initialized.Resolve(InitSuccess)
	case err == nil || isTargetClosedError(err):
		t.logger.Debugf("Target:initialize", "tid:%v aborted: %v", tid, err)
		_ = t.initialized.Resolve(InitAborted)
	default:
		span.RecordError(err)
		_ = t.initialized.Reject(fmt.Errorf("initializing target %v: %w", tid, err))
	}

	return t.initialized.Result()
}

// reinitialize repeats the handshake on a session the target was rebound
// to.
func (t *Target) reinitialize(ctx context.Context) error {
	var err error
	switch t.kind {
	case TargetKindPage:
		err = t.FrameManager().initialize(ctx, t.Session(), nil)
	case TargetKindWorker:
		err = t.worker.initialize(ctx)
	}
	if err != nil && !isTargetClosedError(err) {
		return fmt.Errorf("reinitializing target %v: %w", t.ID(), err)
	}
	return nil
}

func (t *Target) onSessionEvent(ev SessionEvent) {
	if ev.Method == cdproto.EventInspectorTargetCrashed {
		t.markAsCrashed()
	}
}

func (t *Target) markAsCrashed() {
	t.logger.Debugf("Target:markAsCrashed", "tid:%v", t.ID())
	t.crashed.Store(true)
	if s := t.Session(); s != nil {
		s.markAsCrashed()
	}
}

// setSession rebinds the target to a new session of the same target.
func (t *Target) setSession(s *Session) {
	t.mu.Lock()
	old := t.session
	t.session = s
	t.mu.Unlock()

	if old == s {
		return
	}
	t.logger.Debugf("Target:setSession", "tid:%v sid:%v", t.ID(), s.ID())
	s.On(t.onSessionEvent)
	switch {
	case t.kind == TargetKindPage:
		t.FrameManager().rebindSession(old, s)
	case t.worker != nil:
		t.worker.setSession(s)
	}
}

func (t *Target) updateInfo(info *target.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.info = *info
}

// markClosed settles the closed state and aborts a pending initialization.
func (t *Target) markClosed() {
	if t.closed.Resolve(struct{}{}) != nil {
		return
	}
	t.logger.Debugf("Target:markClosed", "tid:%v", t.ID())
	_ = t.initialized.Resolve(InitAborted)
	if t.kind == TargetKindPage {
		t.conf.tracer.EndNavigation(string(t.ID()))
		t.FrameManager().onTargetClosed()
	}
	if t.worker != nil {
		t.worker.onClosed()
	}
}
