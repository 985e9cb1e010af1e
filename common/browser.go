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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/grafana/cdpcore/log"
)

const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

// BrowserEventKind is the kind of a BrowserEvent.
type BrowserEventKind int

const (
	BrowserEventTargetCreated BrowserEventKind = iota + 1
	BrowserEventTargetChanged
	BrowserEventTargetDestroyed
	BrowserEventDisconnected
)

func (k BrowserEventKind) String() string {
	switch k {
	case BrowserEventTargetCreated:
		return "targetcreated"
	case BrowserEventTargetChanged:
		return "targetchanged"
	case BrowserEventTargetDestroyed:
		return "targetdestroyed"
	case BrowserEventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("BrowserEventKind(%d)", int(k))
}

// BrowserEvent is emitted by a Browser and by the BrowserContext of the
// target it is about.
type BrowserEvent struct {
	Kind   BrowserEventKind
	Target *Target
	// Err is the reason of a BrowserEventDisconnected.
	Err error
}

// Browser is the root of the object graph of one browser connection.
type Browser struct {
	ctx    context.Context
	cancel context.CancelFunc

	state     int64
	connected atomic.Bool

	conn          *Connection
	opts          *BrowserOptions
	timeouts      *TimeoutSettings
	targetManager TargetManager

	contextsMu       sync.RWMutex
	contexts         map[cdp.BrowserContextID]*BrowserContext
	disposedContexts map[cdp.BrowserContextID]struct{}
	defaultContext   *BrowserContext

	events eventEmitter[BrowserEvent]
	offs   []func()

	logger *log.Logger
}

// Connect connects to the browser at wsURL.
func Connect(ctx context.Context, wsURL string, opts *BrowserOptions) (*Browser, error) {
	if opts == nil {
		opts = NewBrowserOptions()
	}
	opts = opts.withDefaults()

	opts.Logger.Infof("Browser:Connect", "wsURL:%q", wsURL)
	conn, err := NewConnection(ctx, wsURL, opts.MaxMessageSize, opts.Logger, opts.ConnectionOptions()...)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	b, err := NewBrowser(ctx, conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

// NewBrowser creates a browser on an established connection and waits
// until the targets that already exist are attached.
func NewBrowser(ctx context.Context, conn *Connection, opts *BrowserOptions) (*Browser, error) {
	if opts == nil {
		opts = NewBrowserOptions()
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid browser options: %w", err)
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &Browser{
		ctx:              bctx,
		cancel:           cancel,
		state:            BrowserStateOpen,
		conn:             conn,
		opts:             opts,
		timeouts:         NewTimeoutSettings(nil),
		contexts:         make(map[cdp.BrowserContextID]*BrowserContext),
		disposedContexts: make(map[cdp.BrowserContextID]struct{}),
		logger:           opts.Logger,
	}
	b.timeouts.setDefaultTimeout(opts.Timeout)
	b.connected.Store(!conn.IsClosed())
	b.defaultContext = newBrowserContext(b, "")

	if err := b.fetchContexts(ctx); err != nil {
		cancel()
		return nil, err
	}

	tm, err := NewTargetManager(opts.Backend, conn, b.createTarget, TargetManagerOptions{
		Filter:                 opts.TargetFilter,
		AutoAttach:             opts.AutoAttach,
		WaitForDebuggerOnStart: opts.WaitForDebuggerOnStart,
		Timeout:                opts.Timeout,
		Logger:                 opts.Logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	b.targetManager = tm
	b.offs = append(b.offs,
		tm.On(b.onTargetEvent),
		conn.OnClose(b.onDisconnected),
	)

	if err := tm.Initialize(ctx); err != nil {
		b.release()
		return nil, fmt.Errorf("initializing targets: %w", err)
	}
	if conn.IsClosed() {
		b.onDisconnected(conn.Err())
	}

	return b, nil
}

// fetchContexts registers the browser contexts that exist already.
func (b *Browser) fetchContexts(ctx context.Context) error {
	ids, err := target.GetBrowserContexts().Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return fmt.Errorf("getting browser contexts: %w", err)
	}

	b.contextsMu.Lock()
	defer b.contextsMu.Unlock()

	for _, id := range ids {
		b.logger.Debugf("Browser:fetchContexts", "bctxid:%v", id)
		b.contexts[id] = newBrowserContext(b, id)
	}
	return nil
}

func (b *Browser) targetConfig() targetConfig {
	return targetConfig{
		utilityWorldName: b.opts.UtilityWorldName,
		timeouts:         b.timeouts,
		tracer:           b.opts.Tracer,
		logger:           b.logger,
	}
}

// createTarget is the TargetFactory of the browser.
func (b *Browser) createTarget(info *target.Info, s *Session) (*Target, error) {
	bctx, err := b.contextOf(info.BrowserContextID)
	if err != nil {
		return nil, err
	}

	kind := TargetKindOther
	switch {
	case b.opts.IsPageTarget(info):
		kind = TargetKindPage
	case IsWorkerTarget(info):
		kind = TargetKindWorker
	}

	return newTarget(info, kind, s, bctx, b.targetConfig()), nil
}

// contextOf returns the context a target reports. Unknown ids belong to
// the default context, whose id the browser never reports.
func (b *Browser) contextOf(id cdp.BrowserContextID) (*BrowserContext, error) {
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()

	if bctx, ok := b.contexts[id]; ok {
		return bctx, nil
	}
	if _, ok := b.disposedContexts[id]; ok || b.defaultContext == nil {
		return nil, fmt.Errorf("browser context %q: %w", id, ErrMissingBrowserContext)
	}
	return b.defaultContext, nil
}

func (b *Browser) onTargetEvent(ev TargetEvent) {
	var kind BrowserEventKind
	switch ev.Kind {
	case TargetAvailable:
		kind = BrowserEventTargetCreated
	case TargetChanged:
		kind = BrowserEventTargetChanged
	case TargetGone:
		kind = BrowserEventTargetDestroyed
	default:
		return
	}
	bev := BrowserEvent{Kind: kind, Target: ev.Target}
	b.events.emit(bev)
	if bctx := ev.Target.BrowserContext(); bctx != nil {
		bctx.events.emit(bev)
	}
}

func (b *Browser) onDisconnected(err error) {
	if !b.connected.CompareAndSwap(true, false) {
		return
	}
	b.logger.Debugf("Browser:onDisconnected", "err:%v", err)

	atomic.StoreInt64(&b.state, BrowserStateClosed)
	b.cancel()
	b.events.emit(BrowserEvent{Kind: BrowserEventDisconnected, Err: err})
}

// On registers fn for browser events.
func (b *Browser) On(fn func(BrowserEvent)) (off func()) {
	return b.events.on(fn)
}

// Connection returns the connection to the browser.
func (b *Browser) Connection() *Connection {
	return b.conn
}

// IsConnected reports whether the connection to the browser is alive.
func (b *Browser) IsConnected() bool {
	return b.connected.Load()
}

// SetDefaultTimeout sets the timeout of wait operations without a
// deadline.
func (b *Browser) SetDefaultTimeout(d time.Duration) {
	b.timeouts.setDefaultTimeout(d)
}

// Targets returns the available targets.
func (b *Browser) Targets() []*Target {
	return b.targetManager.AvailableTargets()
}

// Target returns the attached target with the id or nil.
func (b *Browser) Target(id target.ID) *Target {
	return b.targetManager.Target(id)
}

// Pages returns the available page targets.
func (b *Browser) Pages() []*Target {
	var pages []*Target
	for _, t := range b.Targets() {
		if t.Kind() == TargetKindPage {
			pages = append(pages, t)
		}
	}
	return pages
}

// WaitForTarget returns the first available target matching pred,
// waiting for one to be created or changed if none matches yet.
func (b *Browser) WaitForTarget(ctx context.Context, pred func(*Target) bool) (*Target, error) {
	return b.waitForTarget(ctx, &b.events, b.Targets, pred)
}

func (b *Browser) waitForTarget(
	ctx context.Context, em *eventEmitter[BrowserEvent], current func() []*Target, pred func(*Target) bool,
) (*Target, error) {
	ctx, cancel := withDefaultTimeout(ctx, b.timeouts.timeout())
	defer cancel()
	ctx, cancelDone := contextWithDoneChan(ctx, b.conn.Done())
	defer cancelDone()

	ch := make(chan *Target, 1)
	off := em.on(func(ev BrowserEvent) {
		if ev.Kind != BrowserEventTargetCreated && ev.Kind != BrowserEventTargetChanged {
			return
		}
		if !pred(ev.Target) {
			return
		}
		select {
		case ch <- ev.Target:
		default:
		}
	})
	defer off()

	for _, t := range current() {
		if pred(t) {
			return t, nil
		}
	}

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		if b.conn.IsClosed() {
			return nil, fmt.Errorf("waiting for target: %w", b.conn.Err())
		}
		return nil, fmt.Errorf("waiting for target: %w", ctx.Err())
	}
}

// DefaultContext returns the context that exists in every browser.
func (b *Browser) DefaultContext() *BrowserContext {
	return b.defaultContext
}

// Contexts returns the incognito contexts, ordered by id.
func (b *Browser) Contexts() []*BrowserContext {
	b.contextsMu.RLock()
	defer b.contextsMu.RUnlock()

	contexts := make([]*BrowserContext, 0, len(b.contexts))
	for _, c := range b.contexts {
		contexts = append(contexts, c)
	}
	sort.Slice(contexts, func(i, j int) bool { return contexts[i].id < contexts[j].id })

	return contexts
}

// NewContext creates a new incognito browser context.
func (b *Browser) NewContext(ctx context.Context) (*BrowserContext, error) {
	action := target.CreateBrowserContext().WithDisposeOnDetach(true)
	id, err := action.Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return nil, fmt.Errorf("creating browser context: %w", err)
	}
	b.logger.Debugf("Browser:NewContext", "bctxid:%v", id)

	b.contextsMu.Lock()
	defer b.contextsMu.Unlock()

	bctx := newBrowserContext(b, id)
	b.contexts[id] = bctx

	return bctx, nil
}

func (b *Browser) disposeContext(ctx context.Context, id cdp.BrowserContextID) error {
	b.logger.Debugf("Browser:disposeContext", "bctxid:%v", id)

	action := target.DisposeBrowserContext(id)
	if err := action.Do(cdp.WithExecutor(ctx, b.conn)); err != nil {
		return fmt.Errorf("disposing browser context %v: %w", id, err)
	}

	b.contextsMu.Lock()
	defer b.contextsMu.Unlock()

	delete(b.contexts, id)
	b.disposedContexts[id] = struct{}{}

	return nil
}

// NewPage opens a blank page in the default context.
func (b *Browser) NewPage(ctx context.Context) (*Target, error) {
	return b.defaultContext.NewPage(ctx)
}

func (b *Browser) newPageInContext(ctx context.Context, bctx *BrowserContext) (*Target, error) {
	ctx, cancel := withDefaultTimeout(ctx, b.timeouts.timeout())
	defer cancel()

	action := target.CreateTarget("about:blank")
	if bctx.id != "" {
		action = action.WithBrowserContextID(bctx.id)
	}
	tid, err := action.Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	b.logger.Debugf("Browser:newPageInContext", "bctxid:%v tid:%v", bctx.id, tid)

	t, err := b.WaitForTarget(ctx, func(t *Target) bool { return t.ID() == tid })
	if err != nil {
		return nil, fmt.Errorf("waiting for page %v: %w", tid, err)
	}
	status, err := t.Initialized(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing page %v: %w", tid, err)
	}
	if status == InitAborted {
		return nil, fmt.Errorf("initializing page %v: %w", tid, ErrTargetClosed)
	}

	return t, nil
}

// Version returns the product version of the browser, e.g. "119.0.6045.9".
func (b *Browser) Version(ctx context.Context) (string, error) {
	_, product, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting browser version: %w", err)
	}
	if _, v, ok := strings.Cut(product, "/"); ok {
		return v, nil
	}
	return product, nil
}

// UserAgent returns the default user agent of the browser.
func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	_, _, _, ua, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		return "", fmt.Errorf("getting browser user agent: %w", err)
	}
	return ua, nil
}

// Close closes the browser and the connection to it.
func (b *Browser) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		b.logger.Debugf("Browser:Close", "already closing")
		return nil
	}
	b.logger.Debugf("Browser:Close", "")

	err := cdpbrowser.Close().Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil && !isTargetClosedError(err) && !errors.Is(err, ErrConnectionClosed) {
		err = fmt.Errorf("closing browser: %w", err)
	} else {
		err = nil
	}
	b.Disconnect()

	return err
}

// Disconnect closes the connection and leaves the browser running.
func (b *Browser) Disconnect() {
	b.logger.Debugf("Browser:Disconnect", "")

	// closing first lets the close listeners settle the targets
	_ = b.conn.Close()
	b.release()
	atomic.StoreInt64(&b.state, BrowserStateClosed)
}

func (b *Browser) release() {
	for _, off := range b.offs {
		off()
	}
	b.offs = nil
	if b.targetManager != nil {
		b.targetManager.Close()
	}
	b.cancel()
}
