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
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/grafana/cdpcore/log"
)

// TargetEventKind is the kind of a TargetEvent.
type TargetEventKind int

const (
	// TargetDiscovered is emitted when the browser reports a new target.
	// There is no Target value yet, only its metadata.
	TargetDiscovered TargetEventKind = iota + 1
	// TargetAvailable is emitted once per target after it was attached
	// and initialized.
	TargetAvailable
	// TargetChanged is emitted when the metadata of an available target
	// changes.
	TargetChanged
	// TargetGone is emitted when an available target was detached or
	// destroyed.
	TargetGone
)

func (k TargetEventKind) String() string {
	switch k {
	case TargetDiscovered:
		return "discovered"
	case TargetAvailable:
		return "available"
	case TargetChanged:
		return "changed"
	case TargetGone:
		return "gone"
	}
	return fmt.Sprintf("TargetEventKind(%d)", int(k))
}

// TargetEvent is emitted by a TargetManager.
type TargetEvent struct {
	Kind   TargetEventKind
	Target *Target
	Info   target.Info

	// PreviousURL is the URL before a TargetChanged event.
	PreviousURL string
}

// TargetManager attaches to the targets of a browser and publishes their
// lifecycle.
type TargetManager interface {
	// Initialize starts target discovery and returns once every target
	// that existed at that time was attached, ignored or gone.
	Initialize(ctx context.Context) error
	AvailableTargets() []*Target
	Target(id target.ID) *Target
	On(fn func(TargetEvent)) (off func())
	Close()
}

// TargetFactory creates the Target value for a newly attached target.
type TargetFactory func(info *target.Info, s *Session) (*Target, error)

// TargetManagerOptions configures a TargetManager.
type TargetManagerOptions struct {
	Filter                 TargetFilter
	AutoAttach             bool
	WaitForDebuggerOnStart bool
	// Timeout bounds initialization when the caller's context has no
	// deadline, and every target handshake.
	Timeout time.Duration
	Logger  *log.Logger
}

// NewTargetManager returns the TargetManager for the backend.
func NewTargetManager(backend Backend, conn *Connection, factory TargetFactory, opts TargetManagerOptions) (TargetManager, error) {
	switch backend {
	case BackendChromium, "":
		return NewChromiumTargetManager(conn, factory, opts), nil
	case BackendDiscovery:
		return NewDiscoveryTargetManager(conn, factory, opts), nil
	}
	return nil, fmt.Errorf("creating target manager: unknown backend %q", backend)
}

// targetManager holds the state shared by both backends. Event handlers
// update it under mu and emit events after unlocking.
type targetManager struct {
	conn    *Connection
	factory TargetFactory
	opts    TargetManagerOptions

	// attachOnCreate attaches explicitly to every discovered target
	// instead of relying on auto-attach.
	attachOnCreate bool

	mu                  sync.Mutex
	discovered          map[target.ID]target.Info
	attachedByTargetID  map[target.ID]*Target
	attachedBySessionID map[target.SessionID]*Target
	ignored             map[target.ID]struct{}
	announced           map[target.ID]struct{}
	targetIDsForInit    map[target.ID]struct{}
	collecting          bool
	initDone            *Deferred[struct{}]
	initErr             error
	listeners           map[target.SessionID]func()
	offClose            func()
	closed              bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events eventEmitter[TargetEvent]
	logger *log.Logger
}

func newTargetManager(conn *Connection, factory TargetFactory, opts TargetManagerOptions) *targetManager {
	if opts.Filter == nil {
		opts.Filter = func(*target.Info) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNullLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &targetManager{
		conn:                conn,
		factory:             factory,
		opts:                opts,
		discovered:          make(map[target.ID]target.Info),
		attachedByTargetID:  make(map[target.ID]*Target),
		attachedBySessionID: make(map[target.SessionID]*Target),
		ignored:             make(map[target.ID]struct{}),
		announced:           make(map[target.ID]struct{}),
		targetIDsForInit:    make(map[target.ID]struct{}),
		collecting:          true,
		initDone:            NewDeferred[struct{}](),
		listeners:           make(map[target.SessionID]func()),
		ctx:                 ctx,
		cancel:              cancel,
		logger:              opts.Logger,
	}
}

// On registers fn for target events.
func (m *targetManager) On(fn func(TargetEvent)) (off func()) {
	return m.events.on(fn)
}

// AvailableTargets returns the targets a TargetAvailable event was
// emitted for and that are not gone, ordered by id.
func (m *targetManager) AvailableTargets() []*Target {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]*Target, 0, len(m.announced))
	for id := range m.announced {
		if t := m.attachedByTargetID[id]; t != nil {
			targets = append(targets, t)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID() < targets[j].ID() })

	return targets
}

// Target returns the attached target with the id or nil.
func (m *targetManager) Target(id target.ID) *Target {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.attachedByTargetID[id]
}

// Close stops handling events and waits for pending handshakes.
func (m *targetManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	offs := make([]func(), 0, len(m.listeners))
	for sid, off := range m.listeners {
		offs = append(offs, off)
		delete(m.listeners, sid)
	}
	if m.offClose != nil {
		offs = append(offs, m.offClose)
		m.offClose = nil
	}
	_ = m.initDone.Reject(ErrTargetClosed)
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}
	m.cancel()
	m.wg.Wait()
}

// isInitTarget reports whether initialization waits for the target to
// be attached. The browser and tab targets are never attached.
func (m *targetManager) isInitTarget(info *target.Info) bool {
	switch info.Type {
	case "browser", "tab", "other":
		return false
	}
	return m.opts.Filter(info)
}

// discoverInitial records the targets that exist when discovery starts
// and replays them as created.
func (m *targetManager) discoverInitial(infos []*target.Info) {
	m.mu.Lock()
	for _, info := range infos {
		if info != nil && m.isInitTarget(info) {
			m.targetIDsForInit[info.TargetID] = struct{}{}
		}
	}
	m.mu.Unlock()

	for _, info := range infos {
		if info != nil {
			m.onTargetCreated(info)
		}
	}
}

// finishInitialization stops collecting initial targets. Initialize
// completes as soon as the remaining ones are settled.
func (m *targetManager) finishInitialization(waitForTargets bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.collecting = false
	if !waitForTargets {
		clear(m.targetIDsForInit)
	}
	m.finishInitializationIfReady("")
}

// finishInitializationIfReady must be called with mu held.
func (m *targetManager) finishInitializationIfReady(id target.ID) {
	if id != "" {
		delete(m.targetIDsForInit, id)
	}
	if m.collecting || len(m.targetIDsForInit) > 0 {
		return
	}
	if m.initDone.Resolve(struct{}{}) == nil {
		m.logger.Debugf("TargetManager:initialized", "targets:%d", len(m.attachedByTargetID))
	}
}

func (m *targetManager) waitForInitialization(ctx context.Context) error {
	if _, err := m.initDone.Wait(ctx); err != nil {
		m.mu.Lock()
		pending := len(m.targetIDsForInit)
		m.mu.Unlock()
		return fmt.Errorf("waiting for %d initial targets: %w", pending, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.initErr
}

// recordError logs an error raised by an event handler and fails a
// pending initialization with it.
func (m *targetManager) recordError(err error) {
	m.logger.Errorf("TargetManager", "%v", err)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initDone.State() == DeferredPending {
		m.initErr = errors.Join(m.initErr, err)
	}
}

func (m *targetManager) subscribeRoot() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[""]; ok {
		return
	}
	m.listeners[""] = m.conn.On(func(ev SessionEvent) {
		m.onSessionEvent(nil, ev)
	})
	m.offClose = m.conn.OnClose(m.onDisconnected)
}

// onDisconnected closes every target once the connection is gone.
func (m *targetManager) onDisconnected(err error) {
	m.logger.Debugf("TargetManager:onDisconnected", "err:%v", err)

	m.mu.Lock()
	_ = m.initDone.Reject(connectionClosedError(err))
	targets := make([]*Target, 0, len(m.attachedByTargetID))
	for _, t := range m.attachedByTargetID {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID() < targets[j].ID() })
	gone := make([]bool, len(targets))
	for i, t := range targets {
		gone[i] = m.removeTarget(t)
	}
	m.mu.Unlock()

	for i, t := range targets {
		m.targetRemoved(t, gone[i])
	}
}

func (m *targetManager) subscribeSession(s *Session) {
	if _, ok := m.listeners[s.ID()]; ok {
		return
	}
	m.listeners[s.ID()] = s.On(func(ev SessionEvent) {
		m.onSessionEvent(s, ev)
	})
}

// onSessionEvent handles the target domain events of the browser session
// (parent is nil) or of an attached session.
func (m *targetManager) onSessionEvent(parent *Session, ev SessionEvent) {
	switch e := ev.Data.(type) {
	case *target.EventAttachedToTarget:
		m.onAttachedToTarget(parent, e)
	case *target.EventDetachedFromTarget:
		m.onDetachedFromTarget(parent, e)
	case *target.EventTargetCreated:
		if parent == nil && e.TargetInfo != nil {
			m.onTargetCreated(e.TargetInfo)
		}
	case *target.EventTargetInfoChanged:
		if parent == nil && e.TargetInfo != nil {
			m.onTargetInfoChanged(e.TargetInfo)
		}
	case *target.EventTargetDestroyed:
		if parent == nil {
			m.onTargetDestroyed(e.TargetID)
		}
	}
}

func (m *targetManager) onTargetCreated(info *target.Info) {
	id := info.TargetID

	m.mu.Lock()
	if _, ok := m.discovered[id]; ok || m.closed {
		m.mu.Unlock()
		return
	}
	m.discovered[id] = *info
	attach := m.attachOnCreate && m.isInitTarget(info)
	if attach {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.logger.Debugf("TargetManager:onTargetCreated", "tid:%v type:%s url:%q", id, info.Type, info.URL)
	m.events.emit(TargetEvent{Kind: TargetDiscovered, Info: *info})

	if attach {
		go m.attach(id)
	}
}

// attach attaches to a discovered target. The attached event finishes
// the job.
func (m *targetManager) attach(id target.ID) {
	defer m.wg.Done()

	ctx, cancel := withDefaultTimeout(m.ctx, m.opts.Timeout)
	defer cancel()

	if _, err := m.conn.AttachToTarget(ctx, id); err != nil {
		m.logger.Debugf("TargetManager:attach", "tid:%v err:%v", id, err)

		m.mu.Lock()
		m.finishInitializationIfReady(id)
		m.mu.Unlock()
	}
}

func (m *targetManager) onTargetInfoChanged(info *target.Info) {
	id := info.TargetID

	m.mu.Lock()
	m.discovered[id] = *info
	t := m.attachedByTargetID[id]
	_, announced := m.announced[id]
	_, ignored := m.ignored[id]
	m.mu.Unlock()

	if t == nil || ignored {
		return
	}
	prev := t.Info()
	t.updateInfo(info)
	if !announced || (prev.URL == info.URL && prev.Title == info.Title) {
		return
	}
	m.logger.Debugf("TargetManager:onTargetInfoChanged", "tid:%v url:%q", id, info.URL)
	m.events.emit(TargetEvent{Kind: TargetChanged, Target: t, Info: *info, PreviousURL: prev.URL})
}

func (m *targetManager) onTargetDestroyed(id target.ID) {
	m.logger.Debugf("TargetManager:onTargetDestroyed", "tid:%v", id)

	m.mu.Lock()
	delete(m.discovered, id)
	delete(m.ignored, id)
	m.finishInitializationIfReady(id)
	t := m.attachedByTargetID[id]
	if t == nil {
		m.mu.Unlock()
		return
	}
	gone := m.removeTarget(t)
	m.mu.Unlock()

	m.targetRemoved(t, gone)
}

// removeTarget must be called with mu held. It reports whether a
// TargetGone event is due.
func (m *targetManager) removeTarget(t *Target) bool {
	id := t.ID()
	delete(m.attachedByTargetID, id)
	for sid, at := range m.attachedBySessionID {
		if at == t {
			delete(m.attachedBySessionID, sid)
		}
	}
	_, announced := m.announced[id]
	delete(m.announced, id)

	return announced
}

func (m *targetManager) targetRemoved(t *Target, gone bool) {
	t.markClosed()
	if t.Type() == "iframe" {
		for _, p := range m.pageTargets() {
			p.FrameManager().onDetachedFromTarget(t)
		}
	}
	if gone {
		m.events.emit(TargetEvent{Kind: TargetGone, Target: t, Info: t.Info()})
	}
}

func (m *targetManager) pageTargets() []*Target {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pages []*Target
	for _, t := range m.attachedByTargetID {
		if t.Kind() == TargetKindPage {
			pages = append(pages, t)
		}
	}
	return pages
}

// ownerPage returns the page an iframe target belongs to. It is the
// target of the parent session, or the page whose frame tree holds a
// frame with the id of the iframe target.
func (m *targetManager) ownerPage(parent, t *Target) *Target {
	if t.Type() != "iframe" {
		return nil
	}
	if parent != nil && parent.Kind() == TargetKindPage {
		return parent
	}
	for _, p := range m.pageTargets() {
		if p.FrameManager().Frame(cdp.FrameID(t.ID())) != nil {
			return p
		}
	}
	return nil
}

func (m *targetManager) onAttachedToTarget(parent *Session, ev *target.EventAttachedToTarget) {
	info := ev.TargetInfo
	if info == nil {
		return
	}
	id := info.TargetID
	s := m.conn.Session(ev.SessionID)
	m.logger.Debugf("TargetManager:onAttachedToTarget", "tid:%v sid:%v type:%s waiting:%t",
		id, ev.SessionID, info.Type, ev.WaitingForDebugger)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if s == nil {
		// detached before the event got here
		m.finishInitializationIfReady(id)
		m.mu.Unlock()
		return
	}
	if !m.opts.Filter(info) {
		m.ignored[id] = struct{}{}
		m.finishInitializationIfReady(id)
		m.wg.Add(1)
		m.mu.Unlock()

		go m.silentDetach(s)
		return
	}

	t, existing := m.attachedByTargetID[id]
	if !existing {
		var err error
		if t, err = m.factory(info, s); err != nil {
			m.finishInitializationIfReady(id)
			m.wg.Add(1)
			m.mu.Unlock()

			m.recordError(fmt.Errorf("creating target %v: %w", id, err))
			go func() {
				defer m.wg.Done()
				m.resume(s, false)
			}()
			return
		}
		m.attachedByTargetID[id] = t
	}
	m.attachedBySessionID[s.ID()] = t
	var parentTarget *Target
	if parent != nil {
		parentTarget = m.attachedBySessionID[parent.ID()]
	}
	m.subscribeSession(s)
	m.wg.Add(1)
	m.mu.Unlock()

	if existing {
		t.setSession(s)
	}
	go m.initializeTarget(t, s, parentTarget, existing)
}

// initializeTarget runs the handshake of t, resumes it and announces it.
func (m *targetManager) initializeTarget(t *Target, s *Session, parent *Target, existing bool) {
	defer m.wg.Done()

	ctx, cancel := withDefaultTimeout(m.ctx, m.opts.Timeout)
	defer cancel()

	var err error
	if existing {
		err = t.reinitialize(ctx)
	} else {
		_, err = t.initialize(ctx)
	}
	if err == nil {
		if p := m.ownerPage(parent, t); p != nil {
			if err = p.FrameManager().onAttachedToTarget(ctx, t); isTargetClosedError(err) {
				err = nil
			}
		}
	}
	if err != nil {
		m.recordError(err)
	}

	m.resume(s, !m.attachOnCreate && m.opts.AutoAttach)

	id := t.ID()
	m.mu.Lock()
	_, announced := m.announced[id]
	announce := !existing && !announced && !m.closed &&
		m.attachedByTargetID[id] == t && t.InitializationStatus() == InitSuccess
	if announce {
		m.announced[id] = struct{}{}
	}
	m.mu.Unlock()

	if announce {
		m.logger.Debugf("TargetManager:targetAvailable", "tid:%v type:%s", id, t.Type())
		m.events.emit(TargetEvent{Kind: TargetAvailable, Target: t, Info: t.Info()})
	}

	m.mu.Lock()
	m.finishInitializationIfReady(id)
	m.mu.Unlock()
}

// resume lets a target paused on start run, optionally auto-attaching to
// its own children first.
func (m *targetManager) resume(s *Session, autoAttach bool) {
	ctx, cancel := withDefaultTimeout(m.ctx, m.opts.Timeout)
	defer cancel()
	ctx = cdp.WithExecutor(ctx, s)

	if autoAttach {
		action := target.SetAutoAttach(true, m.opts.WaitForDebuggerOnStart).WithFlatten(true)
		if err := action.Do(ctx); err != nil {
			m.logger.Debugf("TargetManager:resume", "sid:%v auto attach: %v", s.ID(), err)
		}
	}
	if err := runtime.RunIfWaitingForDebugger().Do(ctx); err != nil {
		m.logger.Debugf("TargetManager:resume", "sid:%v run: %v", s.ID(), err)
	}
}

// silentDetach resumes and detaches a target that is filtered out.
func (m *targetManager) silentDetach(s *Session) {
	defer m.wg.Done()

	m.resume(s, false)

	ctx, cancel := withDefaultTimeout(m.ctx, m.opts.Timeout)
	defer cancel()

	if err := s.Detach(ctx); err != nil {
		m.logger.Debugf("TargetManager:silentDetach", "sid:%v err:%v", s.ID(), err)
	}
}

func (m *targetManager) onDetachedFromTarget(parent *Session, ev *target.EventDetachedFromTarget) {
	m.logger.Debugf("TargetManager:onDetachedFromTarget", "sid:%v", ev.SessionID)

	m.mu.Lock()
	if off, ok := m.listeners[ev.SessionID]; ok {
		delete(m.listeners, ev.SessionID)
		defer off()
	}
	t := m.attachedBySessionID[ev.SessionID]
	if t == nil {
		m.mu.Unlock()
		return
	}
	delete(m.attachedBySessionID, ev.SessionID)
	if cur := t.Session(); cur != nil && cur.ID() != ev.SessionID {
		// the target was rebound to another session
		m.mu.Unlock()
		return
	}
	m.finishInitializationIfReady(t.ID())
	gone := m.removeTarget(t)
	m.mu.Unlock()

	m.targetRemoved(t, gone)
}

// ChromiumTargetManager relies on Target.setAutoAttach, repeated on every
// attached session, to attach to every target as soon as it exists.
type ChromiumTargetManager struct {
	*targetManager
}

// NewChromiumTargetManager returns a manager that auto-attaches.
func NewChromiumTargetManager(conn *Connection, factory TargetFactory, opts TargetManagerOptions) *ChromiumTargetManager {
	return &ChromiumTargetManager{targetManager: newTargetManager(conn, factory, opts)}
}

// Initialize turns on discovery and auto-attach and waits for the
// targets that already exist.
func (m *ChromiumTargetManager) Initialize(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx, m.opts.Timeout)
	defer cancel()

	m.subscribeRoot()
	ectx := cdp.WithExecutor(ctx, m.conn)

	if err := target.SetDiscoverTargets(true).Do(ectx); err != nil {
		return fmt.Errorf("enabling target discovery: %w", err)
	}
	infos, err := target.GetTargets().Do(ectx)
	if err != nil {
		return fmt.Errorf("getting targets: %w", err)
	}
	m.discoverInitial(infos)

	if m.opts.AutoAttach {
		action := target.SetAutoAttach(true, m.opts.WaitForDebuggerOnStart).WithFlatten(true)
		if err := action.Do(ectx); err != nil {
			return fmt.Errorf("enabling auto attach: %w", err)
		}
	}
	m.finishInitialization(m.opts.AutoAttach)

	return m.waitForInitialization(ctx)
}
