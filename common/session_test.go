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
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attachedSession(t *testing.T, fb *fakeBrowser, conn *Connection, parent, sid target.SessionID, info *target.Info) *Session {
	t.Helper()

	fb.attach(parent, sid, info, false)
	require.Eventually(t, func() bool { return conn.Session(sid) != nil }, time.Second, time.Millisecond)

	return conn.Session(sid)
}

func TestSessionDetachGoesThroughParent(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	conn := fb.newConn()
	page1 := attachedSession(t, fb, conn, "", "S1", pageInfo("T1", "about:blank"))
	frame := attachedSession(t, fb, conn, "S1", "S2", &target.Info{TargetID: "F1", Type: "iframe"})

	require.NoError(t, frame.Detach(context.Background()))
	msg := fb.waitMethod("S1", target.CommandDetachFromTarget)

	var params target.DetachFromTargetParams
	require.NoError(t, easyjson.Unmarshal(msg.Params, &params))
	assert.Equal(t, target.SessionID("S2"), params.SessionID)
	assert.True(t, frame.Closed())
	assert.False(t, page1.Closed())

	// detaching twice is a no-op
	require.NoError(t, frame.Detach(context.Background()))
	assert.Equal(t, 1, fb.count("S1", target.CommandDetachFromTarget))
}

func TestSessionCrashed(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	conn := fb.newConn()
	s := attachedSession(t, fb, conn, "", "S1", pageInfo("T1", "about:blank"))

	s.markAsCrashed()
	assert.True(t, s.Crashed())
	require.ErrorIs(t, s.Execute(context.Background(), page.CommandEnable, nil, nil), ErrTargetCrashed)
	require.ErrorIs(t,
		s.ExecuteWithoutExpectationOnReply(context.Background(), page.CommandEnable, nil, nil),
		ErrTargetCrashed)
	assert.Zero(t, fb.count("S1", page.CommandEnable))
}

func TestSessionExecuteWithoutExpectationOnReply(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle(runtime.CommandRunIfWaitingForDebugger, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
		return nil, nil
	})
	conn := fb.newConn()
	s := attachedSession(t, fb, conn, "", "S1", pageInfo("T1", "about:blank"))

	err := s.ExecuteWithoutExpectationOnReply(context.Background(), runtime.CommandRunIfWaitingForDebugger, nil, nil)
	require.NoError(t, err)
	fb.waitMethod("S1", runtime.CommandRunIfWaitingForDebugger)
	assert.Zero(t, s.callbacks.len())
}
