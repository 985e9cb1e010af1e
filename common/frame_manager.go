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
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/cdpcore/log"
)

const evaluationScriptURL = "__cdpcore_evaluation_script__"

// FrameEventKind is the kind of a FrameEvent.
type FrameEventKind int

const (
	FrameEventAttached FrameEventKind = iota + 1
	FrameEventNavigated
	FrameEventNavigatedWithinDocument
	FrameEventDetached
	// FrameEventSwapped is emitted when a frame moves to another process.
	// The frame stays in the tree and is rebound once the new session
	// attaches.
	FrameEventSwapped
	FrameEventLifecycle
	FrameEventLoading
)

func (k FrameEventKind) String() string {
	switch k {
	case FrameEventAttached:
		return "attached"
	case FrameEventNavigated:
		return "navigated"
	case FrameEventNavigatedWithinDocument:
		return "navigatedWithinDocument"
	case FrameEventDetached:
		return "detached"
	case FrameEventSwapped:
		return "swapped"
	case FrameEventLifecycle:
		return "lifecycle"
	case FrameEventLoading:
		return "loading"
	}
	return fmt.Sprintf("FrameEventKind(%d)", int(k))
}

// FrameEvent is emitted by a FrameManager.
type FrameEvent struct {
	Kind  FrameEventKind
	Frame *Frame

	// Lifecycle is the lifecycle state name of a FrameEventLifecycle.
	Lifecycle string
	// Loading is the loading state of a FrameEventLoading.
	Loading bool
}

type isolatedWorldKey struct {
	sid  target.SessionID
	name string
}

type execContextAuxData struct {
	frameID   cdp.FrameID
	isDefault bool
	kind      string
}

func parseExecContextAuxData(raw easyjson.RawMessage) execContextAuxData {
	if len(raw) == 0 {
		return execContextAuxData{}
	}
	aux := gjson.ParseBytes(raw)
	return execContextAuxData{
		frameID:   cdp.FrameID(aux.Get("frameId").String()),
		isDefault: aux.Get("isDefault").Bool(),
		kind:      aux.Get("type").String(),
	}
}

var frameManagerID int64

// FrameManager keeps the frame tree and the execution contexts of one
// page target up to date with the events of the sessions serving it.
type FrameManager struct {
	id       int64
	target   *Target
	conf     targetConfig
	timeouts *TimeoutSettings
	tree     *FrameTree

	// mu serializes every change to the tree and the maps below.
	mu                     sync.Mutex
	contexts               map[execContextKey]*ExecutionContext
	isolatedWorlds         map[isolatedWorldKey]struct{}
	frameTreeHandled       map[target.SessionID]*frameTreeHandshake
	sessions               map[target.SessionID]func()
	closed                 bool

	// ctx is done once the target closed.
	ctx    context.Context
	cancel context.CancelFunc

	navSpanMu sync.Mutex
	navSpanID string

	events eventEmitter[FrameEvent]
	logger *log.Logger
}

// NewFrameManager creates the frame manager of a page target.
func NewFrameManager(t *Target, conf targetConfig) *FrameManager {
	m := &FrameManager{
		id:                     atomic.AddInt64(&frameManagerID, 1),
		target:                 t,
		conf:                   conf,
		timeouts:               NewTimeoutSettings(conf.timeouts),
		tree:                   NewFrameTree(),
		contexts:               make(map[execContextKey]*ExecutionContext),
		isolatedWorlds:         make(map[isolatedWorldKey]struct{}),
		frameTreeHandled:       make(map[target.SessionID]*frameTreeHandshake),
		sessions:               make(map[target.SessionID]func()),
		logger:                 conf.logger,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.logger.Debugf("NewFrameManager", "fmid:%d tid:%v", m.id, t.ID())

	return m
}

// ID returns the process-unique id of the manager, used in logs.
func (m *FrameManager) ID() int64 {
	return m.id
}

// Target returns the page target the manager belongs to.
func (m *FrameManager) Target() *Target {
	return m.target
}

// On registers fn for frame events. Events of one session are emitted
// in the order the session received them.
func (m *FrameManager) On(fn func(FrameEvent)) (off func()) {
	return m.events.on(fn)
}

// FrameTree returns the frame tree of the page.
func (m *FrameManager) FrameTree() *FrameTree {
	return m.tree
}

// MainFrame returns the root frame or nil before the first navigation.
func (m *FrameManager) MainFrame() *Frame {
	return m.tree.MainFrame()
}

// Frames returns all frames, the main frame first.
func (m *FrameManager) Frames() []*Frame {
	return m.tree.Frames()
}

// Frame returns the frame with the id or nil.
func (m *FrameManager) Frame(id cdp.FrameID) *Frame {
	return m.tree.GetByID(id)
}

// SetDefaultTimeout overrides the wait timeout of the page.
func (m *FrameManager) SetDefaultTimeout(d time.Duration) {
	m.timeouts.setDefaultTimeout(d)
}

// SetDefaultNavigationTimeout overrides the navigation wait timeout of
// the page.
func (m *FrameManager) SetDefaultNavigationTimeout(d time.Duration) {
	m.timeouts.setDefaultNavigationTimeout(d)
}

// WaitForFrame returns the first live frame matching pred, waiting for
// one to be attached or navigated if none matches yet.
func (m *FrameManager) WaitForFrame(ctx context.Context, pred func(*Frame) bool) (*Frame, error) {
	ctx, cancel := withDefaultTimeout(ctx, m.timeouts.timeout())
	defer cancel()

	ch := make(chan *Frame, 1)
	off := m.events.on(func(ev FrameEvent) {
		if ev.Kind != FrameEventAttached && ev.Kind != FrameEventNavigated {
			return
		}
		if ev.Frame.IsDetached() || !pred(ev.Frame) {
			return
		}
		select {
		case ch <- ev.Frame:
		default:
		}
	})
	defer off()

	for _, f := range m.tree.Frames() {
		if pred(f) {
			return f, nil
		}
	}

	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for frame: %w", ctx.Err())
	}
}

// ExecutionContextByID returns the live execution context with the id
// on the session sid.
func (m *FrameManager) ExecutionContextByID(sid target.SessionID, id runtime.ExecutionContextID) (*ExecutionContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ec, ok := m.contexts[execContextKey{sid: sid, id: id}]
	if !ok {
		return nil, fmt.Errorf("execution context %d on session %v: %w", id, sid, ErrExecutionContextNotFound)
	}
	return ec, nil
}

// ExecutionContexts returns the live execution contexts of session sid.
func (m *FrameManager) ExecutionContexts(sid target.SessionID) []*ExecutionContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ecs []*ExecutionContext
	for k, ec := range m.contexts {
		if k.sid == sid {
			ecs = append(ecs, ec)
		}
	}
	return ecs
}

// initialize enables the page and runtime domains on s, replays the
// current frame tree and creates the utility world. frame is the out of
// process frame served by s, or nil for the page session.
func (m *FrameManager) initialize(ctx context.Context, s *Session, frame *Frame) error {
	if s == nil {
		return ErrTargetClosed
	}
	var fid cdp.FrameID
	if frame != nil {
		fid = frame.ID()
	}
	m.logger.Debugf("FrameManager:initialize", "fmid:%d sid:%v fid:%v", m.id, s.ID(), fid)

	hs := &frameTreeHandshake{
		done:      NewDeferred[struct{}](),
		navigated: make(map[cdp.FrameID]struct{}),
	}
	m.mu.Lock()
	if prev := m.frameTreeHandled[s.ID()]; prev != nil {
		m.finishHandshakeLocked(s.ID(), prev)
	}
	m.frameTreeHandled[s.ID()] = hs
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.finishHandshakeLocked(s.ID(), hs)
		m.mu.Unlock()
	}()

	m.subscribe(s)

	ctx, cancel := withDefaultTimeout(ctx, m.timeouts.timeout())
	defer cancel()

	g, gctx := errgroup.WithContext(cdp.WithExecutor(ctx, s))
	g.Go(func() error {
		if err := page.Enable().Do(gctx); err != nil {
			return fmt.Errorf("enabling page domain: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		tree, err := page.GetFrameTree().Do(gctx)
		if err != nil {
			return fmt.Errorf("getting frame tree: %w", err)
		}
		m.mu.Lock()
		evs := m.handleFrameTree(s, hs.navigated, tree, nil)
		m.finishHandshakeLocked(s.ID(), hs)
		m.mu.Unlock()
		m.emit(evs)
		return nil
	})
	g.Go(func() error {
		if err := page.SetLifecycleEventsEnabled(true).Do(gctx); err != nil {
			return fmt.Errorf("enabling lifecycle events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := runtime.Enable().Do(gctx); err != nil {
			return fmt.Errorf("enabling runtime domain: %w", err)
		}
		// the world is created in the frames of the snapshot
		select {
		case <-hs.done.Done():
		case <-gctx.Done():
			return gctx.Err()
		}
		return m.createIsolatedWorld(gctx, s, m.conf.utilityWorldName)
	})

	return g.Wait()
}

// createIsolatedWorld registers the world name on s and creates it in
// every frame s serves. It does nothing for a world already known on s.
func (m *FrameManager) createIsolatedWorld(ctx context.Context, s *Session, name string) error {
	key := isolatedWorldKey{sid: s.ID(), name: name}

	m.mu.Lock()
	if _, ok := m.isolatedWorlds[key]; ok {
		m.mu.Unlock()
		m.logger.Debugf("FrameManager:createIsolatedWorld", "fmid:%d sid:%v name:%q exists", m.id, s.ID(), name)
		return nil
	}
	m.isolatedWorlds[key] = struct{}{}
	m.mu.Unlock()

	m.logger.Debugf("FrameManager:createIsolatedWorld", "fmid:%d sid:%v name:%q", m.id, s.ID(), name)

	ctx = cdp.WithExecutor(ctx, s)
	action := page.AddScriptToEvaluateOnNewDocument("//# sourceURL=" + evaluationScriptURL).WithWorldName(name)
	if _, err := action.Do(ctx); err != nil {
		return fmt.Errorf("registering isolated world %q: %w", name, err)
	}
	for _, f := range m.tree.Frames() {
		if f.Session() != s {
			continue
		}
		action := page.CreateIsolatedWorld(f.ID()).WithWorldName(name).WithGrantUniveralAccess(true)
		if _, err := action.Do(ctx); err != nil {
			// the frame can be gone by now
			m.logger.Debugf("FrameManager:createIsolatedWorld", "fmid:%d fid:%v name:%q err:%v", m.id, f.ID(), name, err)
		}
	}

	return nil
}

func (m *FrameManager) subscribe(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID()]; ok || m.closed {
		return
	}
	m.sessions[s.ID()] = s.On(func(ev SessionEvent) {
		m.onSessionEvent(s, ev)
	})
}

func (m *FrameManager) unsubscribe(sid target.SessionID) {
	m.mu.Lock()
	off := m.sessions[sid]
	delete(m.sessions, sid)
	delete(m.frameTreeHandled, sid)
	m.mu.Unlock()

	if off != nil {
		off()
	}
}

func (m *FrameManager) onSessionEvent(s *Session, ev SessionEvent) {
	switch e := ev.Data.(type) {
	case *page.EventFrameAttached:
		m.frameAttached(s, e.FrameID, e.ParentFrameID)
	case *page.EventFrameNavigated:
		m.onFrameNavigated(s, e)
	case *page.EventNavigatedWithinDocument:
		m.frameNavigatedWithinDocument(e.FrameID, e.URL)
	case *page.EventFrameDetached:
		m.frameDetached(e.FrameID, e.Reason)
	case *page.EventFrameStartedLoading:
		m.frameLoadingStarted(e.FrameID)
	case *page.EventFrameStoppedLoading:
		m.frameLoadingStopped(e.FrameID)
	case *page.EventLifecycleEvent:
		m.frameLifecycleEvent(e.FrameID, e.LoaderID, e.Name)
	case *runtime.EventExecutionContextCreated:
		m.executionContextCreated(s, e.Context)
	case *runtime.EventExecutionContextDestroyed:
		m.executionContextDestroyed(s, e.ExecutionContextID)
	case *runtime.EventExecutionContextsCleared:
		m.executionContextsCleared(s)
	}
}

func (m *FrameManager) emit(evs []FrameEvent) {
	for _, ev := range evs {
		m.events.emit(ev)
	}
}

func (m *FrameManager) frameAttached(s *Session, id, parentID cdp.FrameID) {
	m.mu.Lock()
	evs := m.frameAttachedLocked(s, id, parentID, nil)
	m.mu.Unlock()

	m.emit(evs)
}

func (m *FrameManager) frameAttachedLocked(s *Session, id, parentID cdp.FrameID, evs []FrameEvent) []FrameEvent {
	m.logger.Debugf("FrameManager:frameAttached", "fmid:%d fid:%v pfid:%v sid:%v", m.id, id, parentID, s.ID())

	if f := m.tree.GetByID(id); f != nil {
		if f.IsOOPFrame() && f.Session() != s {
			m.logger.Debugf("FrameManager:frameAttached:rebind", "fmid:%d fid:%v sid:%v", m.id, id, s.ID())
			f.setSession(s)
		}
		return evs
	}
	switch {
	case parentID == "" && m.tree.MainFrame() != nil:
		m.logger.Debugf("FrameManager:frameAttached:return", "fmid:%d fid:%v second root frame", m.id, id)
		return evs
	case parentID != "" && m.tree.GetByID(parentID) == nil:
		m.logger.Debugf("FrameManager:frameAttached:return", "fmid:%d fid:%v unknown parent %v", m.id, id, parentID)
		return evs
	}

	f := NewFrame(m, id, parentID, s)
	m.tree.addFrame(f)

	return append(evs, FrameEvent{Kind: FrameEventAttached, Frame: f})
}

func (m *FrameManager) onFrameNavigated(s *Session, e *page.EventFrameNavigated) {
	if e.Frame == nil {
		return
	}

	m.mu.Lock()
	hs := m.frameTreeHandled[s.ID()]
	if hs != nil && hs.done.State() == DeferredPending {
		hs.navigated[e.Frame.ID] = struct{}{}
	}
	m.mu.Unlock()

	if hs != nil {
		<-hs.done.Done()
	}

	m.mu.Lock()
	evs := m.frameNavigatedLocked(s, e.Frame, nil)
	m.mu.Unlock()

	m.emit(evs)
}

// frameTreeHandshake is one frame tree snapshot of a session in flight.
// navigated holds the frames a live navigation was received for since
// the snapshot was requested.
type frameTreeHandshake struct {
	done      *Deferred[struct{}]
	navigated map[cdp.FrameID]struct{}
}

// finishHandshakeLocked releases the navigations held back by hs and
// forgets its markers, including those of frames missing from the
// snapshot.
func (m *FrameManager) finishHandshakeLocked(sid target.SessionID, hs *frameTreeHandshake) {
	hs.navigated = nil
	_ = hs.done.Resolve(struct{}{})
	if m.frameTreeHandled[sid] == hs {
		delete(m.frameTreeHandled, sid)
	}
}

// handleFrameTree replays a frame tree snapshot, skipping navigations a
// live event has reported in the meantime.
func (m *FrameManager) handleFrameTree(
	s *Session, navigated map[cdp.FrameID]struct{}, tree *page.FrameTree, evs []FrameEvent,
) []FrameEvent {
	if tree == nil || tree.Frame == nil {
		return evs
	}
	f := tree.Frame
	if f.ParentID != "" {
		evs = m.frameAttachedLocked(s, f.ID, f.ParentID, evs)
	}
	if _, ok := navigated[f.ID]; ok {
		delete(navigated, f.ID)
	} else {
		evs = m.frameNavigatedLocked(s, f, evs)
	}
	for _, child := range tree.ChildFrames {
		evs = m.handleFrameTree(s, navigated, child, evs)
	}

	return evs
}

func (m *FrameManager) frameNavigatedLocked(s *Session, payload *cdp.Frame, evs []FrameEvent) []FrameEvent {
	id := payload.ID
	isMain := payload.ParentID == ""
	m.logger.Debugf("FrameManager:frameNavigated", "fmid:%d fid:%v pfid:%v lid:%v url:%q",
		m.id, id, payload.ParentID, payload.LoaderID, payload.URL)

	f := m.tree.GetByID(id)
	if f == nil && isMain {
		f = m.tree.MainFrame()
	}
	if f != nil {
		for _, child := range m.tree.ChildFrames(f.ID()) {
			evs = m.removeFramesRecursively(child, evs)
		}
	}

	if isMain {
		if f != nil {
			if oldID := f.ID(); oldID != id {
				m.logger.Debugf("FrameManager:frameNavigated:swap", "fmid:%d fid:%v new fid:%v", m.id, oldID, id)
			}
			m.tree.removeFrame(f)
			f.setID(id)
		} else {
			f = NewFrame(m, id, "", s)
		}
		m.tree.addFrame(f)
	}

	if f == nil {
		go m.navigateWhenAttached(payload)
		return evs
	}

	return m.applyNavigation(f, payload, evs)
}

// navigateWhenAttached applies a navigation of a frame whose attach
// event has not arrived yet.
func (m *FrameManager) navigateWhenAttached(payload *cdp.Frame) {
	ctx, cancel := context.WithTimeout(m.ctx, m.timeouts.navigationTimeout())
	defer cancel()

	f, err := m.tree.WaitForFrame(ctx, payload.ID)
	if err != nil {
		m.logger.Debugf("FrameManager:frameNavigated:return", "fmid:%d fid:%v never attached: %v", m.id, payload.ID, err)
		return
	}

	m.mu.Lock()
	evs := m.applyNavigation(f, payload, nil)
	m.mu.Unlock()

	m.emit(evs)
}

func (m *FrameManager) applyNavigation(f *Frame, payload *cdp.Frame, evs []FrameEvent) []FrameEvent {
	f.navigated(payload)
	if f.IsMainFrame() {
		m.traceNavigation(f)
	}

	return append(evs, FrameEvent{Kind: FrameEventNavigated, Frame: f})
}

func (m *FrameManager) traceNavigation(f *Frame) {
	_, span := m.conf.tracer.TraceNavigation(
		context.Background(), string(m.target.ID()),
		oteltrace.WithAttributes(attribute.String("navigation.url", f.URL())),
	)

	m.navSpanMu.Lock()
	defer m.navSpanMu.Unlock()

	m.navSpanID = span.SpanContext().SpanID().String()
}

func (m *FrameManager) frameNavigatedWithinDocument(id cdp.FrameID, url string) {
	m.logger.Debugf("FrameManager:frameNavigatedWithinDocument", "fmid:%d fid:%v url:%q", m.id, id, url)

	f := m.tree.GetByID(id)
	if f == nil {
		return
	}
	f.navigatedWithinDocument(url)

	m.emit([]FrameEvent{
		{Kind: FrameEventNavigatedWithinDocument, Frame: f},
		{Kind: FrameEventNavigated, Frame: f},
	})
}

func (m *FrameManager) frameDetached(id cdp.FrameID, reason page.FrameDetachedReason) {
	m.logger.Debugf("FrameManager:frameDetached", "fmid:%d fid:%v reason:%s", m.id, id, reason)

	m.mu.Lock()
	f := m.tree.GetByID(id)
	if f == nil {
		m.mu.Unlock()
		return
	}
	var evs []FrameEvent
	if reason == page.FrameDetachedReasonSwap {
		evs = append(evs, FrameEvent{Kind: FrameEventSwapped, Frame: f})
	} else {
		evs = m.removeFramesRecursively(f, evs)
	}
	m.mu.Unlock()

	m.emit(evs)
}

// removeFramesRecursively removes f and its descendants, children first.
func (m *FrameManager) removeFramesRecursively(f *Frame, evs []FrameEvent) []FrameEvent {
	for _, child := range m.tree.ChildFrames(f.ID()) {
		evs = m.removeFramesRecursively(child, evs)
	}
	m.logger.Debugf("FrameManager:removeFrame", "fmid:%d fid:%v", m.id, f.ID())
	f.detach()
	m.tree.removeFrame(f)

	return append(evs, FrameEvent{Kind: FrameEventDetached, Frame: f})
}

func (m *FrameManager) frameLoadingStarted(id cdp.FrameID) {
	f := m.tree.GetByID(id)
	if f == nil {
		return
	}
	f.onLoadingStarted()
	m.events.emit(FrameEvent{Kind: FrameEventLoading, Frame: f, Loading: true})
}

func (m *FrameManager) frameLoadingStopped(id cdp.FrameID) {
	f := m.tree.GetByID(id)
	if f == nil {
		return
	}
	f.onLoadingStopped()
	m.events.emit(FrameEvent{Kind: FrameEventLoading, Frame: f, Loading: false})
}

func (m *FrameManager) frameLifecycleEvent(id cdp.FrameID, loaderID cdp.LoaderID, name string) {
	f := m.tree.GetByID(id)
	if f == nil || !f.onLifecycleEvent(loaderID, name) {
		return
	}
	if f.IsMainFrame() && !f.IsOOPFrame() {
		m.navSpanMu.Lock()
		spanID := m.navSpanID
		m.navSpanMu.Unlock()

		_, span := m.conf.tracer.TraceEvent(context.Background(), string(m.target.ID()), name, spanID)
		span.End()
	}
	m.events.emit(FrameEvent{Kind: FrameEventLifecycle, Frame: f, Lifecycle: name})
}

func (m *FrameManager) executionContextCreated(s *Session, desc *runtime.ExecutionContextDescription) {
	if desc == nil {
		return
	}
	aux := parseExecContextAuxData(desc.AuxData)
	m.logger.Debugf("FrameManager:executionContextCreated", "fmid:%d sid:%v ectxid:%d fid:%v name:%q default:%t",
		m.id, s.ID(), desc.ID, aux.frameID, desc.Name, aux.isDefault)

	m.mu.Lock()
	defer m.mu.Unlock()

	var world *World
	if f := m.tree.GetByID(aux.frameID); aux.frameID != "" && f != nil {
		if f.Session() != s {
			return
		}
		switch {
		case aux.isDefault:
			world = f.mainWorld
		case desc.Name == m.conf.utilityWorldName && !f.utilityWorld.HasContext():
			world = f.utilityWorld
		}
	}
	if aux.kind == "isolated" {
		m.isolatedWorlds[isolatedWorldKey{sid: s.ID(), name: desc.Name}] = struct{}{}
	}

	ec := newExecutionContext(s, desc, aux)
	if world != nil {
		world.setContext(ec)
	}
	m.contexts[ec.key()] = ec
}

func (m *FrameManager) executionContextDestroyed(s *Session, id runtime.ExecutionContextID) {
	m.logger.Debugf("FrameManager:executionContextDestroyed", "fmid:%d sid:%v ectxid:%d", m.id, s.ID(), id)

	m.mu.Lock()
	defer m.mu.Unlock()

	key := execContextKey{sid: s.ID(), id: id}
	ec, ok := m.contexts[key]
	if !ok {
		return
	}
	if ec.world != nil {
		ec.world.clearContext(ec)
	}
	delete(m.contexts, key)
}

func (m *FrameManager) executionContextsCleared(s *Session) {
	m.logger.Debugf("FrameManager:executionContextsCleared", "fmid:%d sid:%v", m.id, s.ID())

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, ec := range m.contexts {
		if key.sid != s.ID() {
			continue
		}
		if ec.world != nil {
			ec.world.clearContext(ec)
		}
		delete(m.contexts, key)
	}
}

// onAttachedToTarget rebinds the out of process frame served by an
// iframe target and starts tracking it on the target session.
func (m *FrameManager) onAttachedToTarget(ctx context.Context, t *Target) error {
	if t.Type() != "iframe" {
		return nil
	}
	s := t.Session()
	if s == nil {
		return nil
	}
	f := m.tree.GetByID(cdp.FrameID(t.ID()))
	if f != nil {
		f.setSession(s)
	}
	m.logger.Debugf("FrameManager:onAttachedToTarget", "fmid:%d tid:%v sid:%v", m.id, t.ID(), s.ID())

	return m.initialize(ctx, s, f)
}

// onDetachedFromTarget removes the frames of an iframe target that is
// gone.
func (m *FrameManager) onDetachedFromTarget(t *Target) {
	var sid target.SessionID
	if s := t.Session(); s != nil {
		sid = s.ID()
		defer m.unsubscribe(sid)
	}

	m.mu.Lock()
	f := m.tree.GetByID(cdp.FrameID(t.ID()))
	if f == nil || !f.IsOOPFrame() || (sid != "" && f.Session().ID() != sid) {
		m.mu.Unlock()
		return
	}
	m.logger.Debugf("FrameManager:onDetachedFromTarget", "fmid:%d tid:%v", m.id, t.ID())
	evs := m.removeFramesRecursively(f, nil)
	for key, ec := range m.contexts {
		if key.sid == sid {
			if ec.world != nil {
				ec.world.clearContext(ec)
			}
			delete(m.contexts, key)
		}
	}
	m.mu.Unlock()

	m.emit(evs)
}

// rebindSession moves the frames served by old to s.
func (m *FrameManager) rebindSession(old, s *Session) {
	if old == nil || s == nil || old == s {
		return
	}
	for _, f := range m.tree.Frames() {
		if f.Session() == old {
			f.setSession(s)
		}
	}
	m.unsubscribe(old.ID())
}

// onTargetClosed detaches every frame without emitting events.
func (m *FrameManager) onTargetClosed() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	offs := make([]func(), 0, len(m.sessions))
	for sid, off := range m.sessions {
		offs = append(offs, off)
		delete(m.sessions, sid)
	}
	for sid, hs := range m.frameTreeHandled {
		m.finishHandshakeLocked(sid, hs)
	}
	frames := m.tree.Frames()
	for key, ec := range m.contexts {
		if ec.world != nil {
			ec.world.clearContext(ec)
		}
		delete(m.contexts, key)
	}
	m.mu.Unlock()
	m.cancel()

	for _, off := range offs {
		off()
	}
	for _, f := range frames {
		f.detach()
	}
	m.logger.Debugf("FrameManager:onTargetClosed", "fmid:%d frames:%d", m.id, len(frames))
}
