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
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func noReply(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
	return nil, errNoReply
}

func TestConnectionExecute(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle(browser.CommandGetVersion, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
		return &browser.GetVersionReturns{Product: "HeadlessChrome/120.0.6099.28"}, nil
	})
	fb.handle(browser.CommandClose, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
		return nil, errors.New("Browser.close is not allowed")
	})
	conn := fb.newConn()

	ctx := cdp.WithExecutor(context.Background(), conn)
	_, product, _, _, _, err := browser.GetVersion().Do(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/120.0.6099.28", product)

	err = browser.Close().Do(ctx)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, browser.CommandClose, perr.Method)
	assert.Equal(t, "Browser.close is not allowed", perr.Message)
	assert.False(t, errors.Is(err, context.DeadlineExceeded), "protocol errors are not timeouts")
	assert.Zero(t, conn.callbacks.len())
}

func TestConnectionCallTimeout(t *testing.T) {
	t.Parallel()

	t.Run("mock_clock", func(t *testing.T) {
		t.Parallel()

		mock := clock.NewMock()
		fb := newFakeBrowser(t)
		fb.handle("Domain.method", noReply)
		conn := fb.newConn(WithConnectionClock(mock))

		errCh := make(chan error, 1)
		go func() {
			ctx := WithCallTimeout(context.Background(), 100*time.Millisecond)
			errCh <- conn.Execute(ctx, "Domain.method", nil, nil)
		}()
		require.Eventually(t, func() bool { return conn.callbacks.len() == 1 }, time.Second, time.Millisecond)

		mock.Add(100 * time.Millisecond)

		var err error
		select {
		case err = <-errCh:
		case <-time.After(5 * time.Second):
			require.FailNow(t, "call did not time out")
		}
		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "Domain.method", terr.Method)
		assert.Zero(t, conn.callbacks.len())
	})

	t.Run("wall_clock", func(t *testing.T) {
		t.Parallel()

		fb := newFakeBrowser(t)
		fb.handle("Domain.method", noReply)
		conn := fb.newConn(WithDefaultCallTimeout(100 * time.Millisecond))

		start := time.Now()
		err := conn.Execute(context.Background(), "Domain.method", nil, nil)
		elapsed := time.Since(start)

		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, elapsed, time.Second)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		assert.Zero(t, conn.callbacks.len())
	})
}

func TestConnectionContextCancelRemovesCallback(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle("Domain.method", noReply)
	conn := fb.newConn()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Execute(ctx, "Domain.method", nil, nil) }()

	msg := fb.waitMethod("", "Domain.method")
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Zero(t, conn.callbacks.len())

	// the late response is dropped without resolving anything
	fb.replyResult(msg.ID, "", nil)
}

func TestConnectionSendAfterClose(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	conn := fb.newConn()
	fb.close()

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "connection did not notice the closed transport")
	}

	start := time.Now()
	err := conn.Execute(context.Background(), browser.CommandGetVersion, nil, nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, conn.IsClosed())
	require.ErrorIs(t, conn.Err(), ErrConnectionClosed)
}

func TestConnectionDisconnectRejectsPending(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle("Domain.method", noReply)
	conn := fb.newConn()

	var closeErrs []error
	var mu sync.Mutex
	conn.OnClose(func(err error) {
		mu.Lock()
		closeErrs = append(closeErrs, err)
		mu.Unlock()
	})

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errs <- conn.Execute(context.Background(), "Domain.method", nil, nil) }()
	}
	require.Eventually(t, func() bool { return fb.count("", "Domain.method") == n }, 5*time.Second, time.Millisecond)

	fb.close()
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrConnectionClosed)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "pending call left dangling")
		}
	}
	assert.Zero(t, conn.callbacks.len())

	require.NoError(t, conn.Close())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, closeErrs, 1)
}

func TestConnectionSessions(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle(page.CommandEnable, func(_ *fakeBrowser, msg *cdproto.Message) (easyjson.Marshaler, error) {
		if msg.SessionID == "S1" {
			return nil, nil
		}
		return nil, errNoReply
	})
	conn := fb.newConn()

	fb.attach("", "S1", pageInfo("T1", "about:blank"), false)
	require.Eventually(t, func() bool { return conn.Session("S1") != nil }, time.Second, time.Millisecond)

	s1 := conn.Session("S1")
	assert.Equal(t, target.ID("T1"), s1.TargetID())
	assert.Equal(t, "page", s1.TargetType())
	require.NoError(t, page.Enable().Do(cdp.WithExecutor(context.Background(), s1)))

	// a worker attached through S1
	fb.attach("S1", "S2", &target.Info{TargetID: "W1", Type: "worker"}, false)
	require.Eventually(t, func() bool { return conn.Session("S2") != nil }, time.Second, time.Millisecond)
	s2 := conn.Session("S2")
	assert.Equal(t, target.SessionID("S1"), s2.ParentID())

	errCh := make(chan error, 1)
	go func() { errCh <- page.Enable().Do(cdp.WithExecutor(context.Background(), s2)) }()
	fb.waitMethod("S2", page.CommandEnable)

	var detached []target.SessionID
	var mu sync.Mutex
	for _, s := range []*Session{s1, s2} {
		s := s
		s.OnDetach(func(error) {
			mu.Lock()
			detached = append(detached, s.ID())
			mu.Unlock()
		})
	}

	fb.detach("", "S1", "T1")
	require.ErrorIs(t, <-errCh, ErrSessionDetached)
	require.ErrorIs(t, s2.Execute(context.Background(), page.CommandEnable, nil, nil), ErrTargetClosed)
	require.Eventually(t, s1.Closed, time.Second, time.Millisecond)
	assert.Nil(t, conn.Session("S1"))
	assert.Nil(t, conn.Session("S2"))

	err := s1.Execute(context.Background(), page.CommandEnable, nil, nil)
	require.ErrorIs(t, err, ErrSessionDetached)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(detached) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []target.SessionID{"S2", "S1"}, detached, "descendants detach first")
}

func TestConnectionEventOrder(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	conn := fb.newConn()
	fb.attach("", "S1", pageInfo("T1", "about:blank"), false)
	require.Eventually(t, func() bool { return conn.Session("S1") != nil }, time.Second, time.Millisecond)

	const n = 50
	got := make(chan cdp.FrameID, n)
	conn.Session("S1").On(func(ev SessionEvent) {
		if e, ok := ev.Data.(*page.EventFrameAttached); ok {
			time.Sleep(time.Microsecond)
			got <- e.FrameID
		}
	})
	want := make([]cdp.FrameID, n)
	for i := range want {
		want[i] = cdp.FrameID(fmt.Sprintf("F%02d", i))
		fb.event("S1", cdproto.EventPageFrameAttached, &page.EventFrameAttached{FrameID: want[i], ParentFrameID: "root"})
	}

	for i := 0; i < n; i++ {
		select {
		case id := <-got:
			require.Equal(t, want[i], id)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "missing events")
		}
	}
}

func TestConnectionIgnoresMalformedMessages(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle(browser.CommandGetVersion, func(fb *fakeBrowser, _ *cdproto.Message) (easyjson.Marshaler, error) {
		fb.raw(`not json`)
		fb.raw(`{"foo":1}`)
		fb.raw(`{"method":"Unknown.event","params":{}}`)
		return &browser.GetVersionReturns{Product: "Chrome/1"}, nil
	})
	conn := fb.newConn()

	_, product, _, _, _, err := browser.GetVersion().Do(cdp.WithExecutor(context.Background(), conn))
	require.NoError(t, err)
	assert.Equal(t, "Chrome/1", product)
	assert.False(t, conn.IsClosed())
}

func TestConnectionNoSessionWithGivenID(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle(page.CommandEnable, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
		return nil, errors.New("No session with given id")
	})
	conn := fb.newConn()
	fb.attach("", "S1", pageInfo("T1", "about:blank"), false)
	require.Eventually(t, func() bool { return conn.Session("S1") != nil }, time.Second, time.Millisecond)
	s := conn.Session("S1")

	err := s.Execute(context.Background(), page.CommandEnable, nil, nil)
	require.Error(t, err)
	assert.True(t, isTargetClosedError(err))
	require.Eventually(t, s.Closed, time.Second, time.Millisecond)
	assert.Nil(t, conn.Session("S1"))
}

func TestConnectionCloseDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fb := newFakeBrowser(t)
	conn := NewConnectionWithTransport(context.Background(), "fake://browser", fb.tr, nil)
	fb.attach("", "S1", pageInfo("T1", "about:blank"), false)
	require.Eventually(t, func() bool { return conn.Session("S1") != nil }, time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	fb.close()
}

func TestConnectionNoSessionAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fb := newFakeBrowser(t)
	conn := NewConnectionWithTransport(context.Background(), "fake://browser", fb.tr, nil)
	require.NoError(t, conn.Close())

	// an attach the reader dispatched while Close ran
	s := conn.createSession("", &target.EventAttachedToTarget{
		SessionID:  "S9",
		TargetInfo: pageInfo("T9", "about:blank"),
	})
	assert.Nil(t, s)
	assert.Nil(t, conn.Session("S9"))
	fb.close()
}

func TestConnectionClosesWithContext(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnectionWithTransport(ctx, "fake://browser", fb.tr, nil)
	cancel()

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "connection outlived its context")
	}
	require.ErrorIs(t, conn.Err(), context.Canceled)
	require.ErrorIs(t, conn.Err(), ErrConnectionClosed)
}
