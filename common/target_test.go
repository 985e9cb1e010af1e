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
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetMarkClosed(t *testing.T) {
	t.Parallel()

	pt := newTestPage("T1", nil)
	assert.Equal(t, InitPending, pt.InitializationStatus())
	assert.False(t, pt.IsClosed())

	pt.markClosed()
	pt.markClosed()

	assert.True(t, pt.IsClosed())
	assert.Equal(t, InitAborted, pt.InitializationStatus())
	select {
	case <-pt.Closed():
	default:
		t.Fatal("closed channel is open")
	}
	status, err := pt.Initialized(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InitAborted, status)
}

func TestTargetKinds(t *testing.T) {
	t.Parallel()

	other := newTarget(&target.Info{TargetID: "F1", Type: "iframe"}, TargetKindOther, nil, nil, testTargetConfig())
	assert.Nil(t, other.FrameManager())
	assert.Nil(t, other.Worker())
	assert.Equal(t, "other", other.Kind().String())

	pt := newTestPage("T1", nil)
	require.NotNil(t, pt.FrameManager())
	assert.Same(t, pt.FrameManager(), pt.FrameManager())
	assert.Nil(t, pt.Worker())

	w := newTarget(&target.Info{TargetID: "W1", Type: "worker"}, TargetKindWorker, nil, nil, testTargetConfig())
	assert.NotNil(t, w.Worker())
	assert.Nil(t, w.FrameManager())
}

func TestTargetInitializeAbortedWhenSessionGoes(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle(page.CommandEnable, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
		return nil, errNoReply
	})
	conn := fb.newConn()
	s := attachedSession(t, fb, conn, "", "S1", pageInfo("T1", "about:blank"))
	pt := newTestPage("T1", s)

	type result struct {
		status InitializationStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := pt.initialize(context.Background())
		done <- result{status, err}
	}()

	fb.waitMethod("S1", page.CommandEnable)
	fb.detach("", "S1", "T1")

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, InitAborted, r.status)
	case <-time.After(5 * time.Second):
		t.Fatal("initialization hangs")
	}
}

func TestTargetCrashed(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	conn := fb.newConn()
	s := attachedSession(t, fb, conn, "", "S1", &target.Info{TargetID: "W1", Type: "worker"})
	wt := newTarget(&target.Info{TargetID: "W1", Type: "worker"}, TargetKindWorker, s, nil, testTargetConfig())

	status, err := wt.initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InitSuccess, status)

	fb.event("S1", cdproto.EventInspectorTargetCrashed, &inspector.EventTargetCrashed{})

	require.Eventually(t, wt.Crashed, time.Second, time.Millisecond)
	assert.True(t, s.Crashed())
	require.ErrorIs(t, s.Execute(context.Background(), page.CommandEnable, nil, nil), ErrTargetCrashed)
}

func TestTargetUpdateInfo(t *testing.T) {
	t.Parallel()

	pt := newTestPage("T1", nil)
	info := pageInfo("T1", "https://example.com/")
	info.OpenerID = "T0"
	pt.updateInfo(info)

	assert.Equal(t, "https://example.com/", pt.URL())
	assert.Equal(t, target.ID("T0"), pt.OpenerID())
	assert.Equal(t, "page", pt.Type())
	assert.Equal(t, *info, pt.Info())
}
