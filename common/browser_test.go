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
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestBrowser connects a Browser to fb. The browser has an incognito
// context C1 besides the default one, and the targets in infos.
func newTestBrowser(t *testing.T, fb *fakeBrowser, infos ...*target.Info) *Browser {
	t.Helper()

	fb.handle(target.CommandGetBrowserContexts, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
		return &target.GetBrowserContextsReturns{BrowserContextIDs: []cdp.BrowserContextID{"C1"}}, nil
	})
	serveTargets(fb, infos...)
	autoAttachTo(fb, infos...)
	fb.handle(target.CommandCreateTarget, func(fb *fakeBrowser, msg *cdproto.Message) (easyjson.Marshaler, error) {
		var params target.CreateTargetParams
		if err := easyjson.Unmarshal(msg.Params, &params); err != nil {
			return nil, err
		}
		id := target.ID("new-" + string(params.BrowserContextID))
		info := pageInfo(id, params.URL)
		info.BrowserContextID = params.BrowserContextID
		fb.attach("", target.SessionID("S-"+id), info, true)
		return &target.CreateTargetReturns{TargetID: id}, nil
	})

	opts := NewBrowserOptions()
	opts.Timeout = 5 * time.Second
	b, err := NewBrowser(context.Background(), fb.newConn(), opts)
	require.NoError(t, err)
	t.Cleanup(b.Disconnect)

	return b
}

func inContext(info *target.Info, id cdp.BrowserContextID) *target.Info {
	info.BrowserContextID = id
	return info
}

func TestNewBrowser(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	b := newTestBrowser(t, fb,
		inContext(pageInfo("T1", "https://example.com/"), "DEFAULT"),
		inContext(pageInfo("T2", "about:blank"), "C1"),
		&target.Info{TargetID: "W1", Type: "service_worker", BrowserContextID: "DEFAULT"},
	)

	assert.True(t, b.IsConnected())
	require.Len(t, b.Targets(), 3)
	require.Len(t, b.Pages(), 2)

	contexts := b.Contexts()
	require.Len(t, contexts, 1)
	c1 := contexts[0]
	assert.Equal(t, cdp.BrowserContextID("C1"), c1.ID())
	assert.True(t, c1.IsIncognito())
	assert.False(t, b.DefaultContext().IsIncognito())

	assert.Same(t, b.DefaultContext(), b.Target("T1").BrowserContext())
	assert.Same(t, c1, b.Target("T2").BrowserContext())
	assert.Equal(t, TargetKindWorker, b.Target("W1").Kind())
	assert.Len(t, b.DefaultContext().Targets(), 2)
	assert.Len(t, b.DefaultContext().Pages(), 1)
	assert.Len(t, c1.Pages(), 1)
}

func TestNewBrowserInvalidOptions(t *testing.T) {
	t.Parallel()

	opts := NewBrowserOptions()
	opts.Timeout = -time.Second
	_, err := NewBrowser(context.Background(), nil, opts)
	require.Error(t, err)
}

func TestBrowserNewPage(t *testing.T) {
	t.Parallel()

	t.Run("default_context", func(t *testing.T) {
		t.Parallel()

		fb := newFakeBrowser(t)
		b := newTestBrowser(t, fb)

		var created []BrowserEvent
		var mu sync.Mutex
		b.On(func(ev BrowserEvent) {
			mu.Lock()
			defer mu.Unlock()
			created = append(created, ev)
		})

		p, err := b.NewPage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, target.ID("new-"), p.ID())
		assert.Same(t, b.DefaultContext(), p.BrowserContext())
		assert.Equal(t, InitSuccess, p.InitializationStatus())
		require.NotNil(t, p.FrameManager())

		msg := fb.waitMethod("", target.CommandCreateTarget)
		var params target.CreateTargetParams
		require.NoError(t, easyjson.Unmarshal(msg.Params, &params))
		assert.Equal(t, "about:blank", params.URL)
		assert.Empty(t, params.BrowserContextID)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(created) == 1
		}, time.Second, time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, BrowserEventTargetCreated, created[0].Kind)
		assert.Same(t, p, created[0].Target)
	})

	t.Run("incognito_context", func(t *testing.T) {
		t.Parallel()

		fb := newFakeBrowser(t)
		b := newTestBrowser(t, fb)
		c1 := b.Contexts()[0]

		var events int
		var mu sync.Mutex
		c1.On(func(BrowserEvent) {
			mu.Lock()
			defer mu.Unlock()
			events++
		})

		p, err := c1.NewPage(context.Background())
		require.NoError(t, err)
		assert.Equal(t, target.ID("new-C1"), p.ID())
		assert.Same(t, c1, p.BrowserContext())
		assert.Empty(t, b.DefaultContext().Targets())

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return events == 1
		}, time.Second, time.Millisecond)
	})

	t.Run("create_target_error", func(t *testing.T) {
		t.Parallel()

		fb := newFakeBrowser(t)
		b := newTestBrowser(t, fb)
		fb.handle(target.CommandCreateTarget, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
			return nil, errors.New("cannot create")
		})

		_, err := b.NewPage(context.Background())
		require.ErrorContains(t, err, "cannot create")
	})
}

func TestBrowserVersion(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle(cdpbrowser.CommandGetVersion, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
		return &cdpbrowser.GetVersionReturns{
			Product:   "HeadlessChrome/119.0.6045.9",
			UserAgent: "Mozilla/5.0 HeadlessChrome/119.0.6045.9",
		}, nil
	})
	b := newTestBrowser(t, fb)

	v, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "119.0.6045.9", v)

	ua, err := b.UserAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 HeadlessChrome/119.0.6045.9", ua)
}

func TestBrowserWaitForTarget(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	b := newTestBrowser(t, fb)

	ch := make(chan *Target, 1)
	go func() {
		tt, err := b.WaitForTarget(context.Background(), func(t *Target) bool {
			return t.URL() == "https://example.com/later"
		})
		assert.NoError(t, err)
		ch <- tt
	}()

	later := pageInfo("T5", "https://example.com/later")
	fb.event("", cdproto.EventTargetTargetCreated, &target.EventTargetCreated{TargetInfo: later})
	fb.attach("", "S-T5", later, true)

	select {
	case tt := <-ch:
		assert.Equal(t, target.ID("T5"), tt.ID())
	case <-time.After(5 * time.Second):
		t.Fatal("target never matched")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.WaitForTarget(ctx, func(*Target) bool { return false })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBrowserDisconnected(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	b := newTestBrowser(t, fb, pageInfo("T1", "https://example.com/"))
	p := b.Target("T1")

	disconnected := make(chan error, 1)
	b.On(func(ev BrowserEvent) {
		if ev.Kind == BrowserEventDisconnected {
			disconnected <- ev.Err
		}
	})

	fb.close()

	select {
	case err := <-disconnected:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnected event")
	}
	assert.False(t, b.IsConnected())
	assert.True(t, p.IsClosed())
	assert.Empty(t, b.Targets())

	_, err := b.WaitForTarget(context.Background(), func(*Target) bool { return false })
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestBrowserClose(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	b := newTestBrowser(t, fb, pageInfo("T1", "https://example.com/"))
	p := b.Target("T1")

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, 1, fb.count("", cdpbrowser.CommandClose))
	assert.False(t, b.IsConnected())
	assert.True(t, p.IsClosed())

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, 1, fb.count("", cdpbrowser.CommandClose))
}
