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

package common_test

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpcore/common"
	"github.com/grafana/cdpcore/tests/ws"
)

func TestWebSocketTransport(t *testing.T) {
	t.Parallel()

	s := ws.NewServer(t, ws.WithEchoHandler("/echo"))

	t.Run("echo", func(t *testing.T) {
		t.Parallel()

		tr, err := common.DialWebSocket(context.Background(), s.URL("/echo"), 0)
		require.NoError(t, err)
		defer func() { _ = tr.Close() }()

		require.NoError(t, tr.WriteMessage([]byte(`{"id":1,"method":"Browser.getVersion"}`)))
		msg, err := tr.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, `{"id":1,"method":"Browser.getVersion"}`, string(msg))
	})
	t.Run("read_limit", func(t *testing.T) {
		t.Parallel()

		tr, err := common.DialWebSocket(context.Background(), s.URL("/echo"), 8)
		require.NoError(t, err)
		defer func() { _ = tr.Close() }()

		require.NoError(t, tr.WriteMessage([]byte(`{"id":1,"method":"Browser.getVersion"}`)))
		_, err = tr.ReadMessage()
		require.ErrorIs(t, err, common.ErrMessageTooLarge)
	})
}

func TestConnectAbnormalClosure(t *testing.T) {
	t.Parallel()

	s := ws.NewServer(t, ws.WithClosureAbnormalHandler("/closure-abnormal"))

	opts := common.NewBrowserOptions()
	opts.Timeout = 5 * time.Second
	_, err := common.Connect(context.Background(), s.URL("/closure-abnormal"), opts)
	require.Error(t, err)
}

func TestBrowserOverWebSocket(t *testing.T) {
	t.Parallel()

	var cmds ws.Commands
	s := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, &cmds))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := common.NewBrowserOptions()
	opts.Timeout = 5 * time.Second
	b, err := common.Connect(ctx, s.URL("/cdp"), opts)
	require.NoError(t, err)
	t.Cleanup(b.Disconnect)

	pages := b.Pages()
	require.Len(t, pages, 1)
	assert.EqualValues(t, ws.DefaultTargetID, pages[0].ID())
	assert.Same(t, b.DefaultContext(), pages[0].BrowserContext())
	mainFrame := pages[0].FrameManager().MainFrame()
	require.NotNil(t, mainFrame)
	assert.Equal(t, "about:blank", mainFrame.URL())

	v, err := b.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "120.0.6099.109", v)

	p, err := b.NewPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.InitSuccess, p.InitializationStatus())
	assert.Same(t, b.DefaultContext(), p.BrowserContext())

	bctx, err := b.NewContext(ctx)
	require.NoError(t, err)
	assert.True(t, bctx.IsIncognito())
	ip, err := bctx.NewPage(ctx)
	require.NoError(t, err)
	assert.Same(t, bctx, ip.BrowserContext())
	assert.Len(t, b.Pages(), 3)

	require.NoError(t, b.Close(ctx))
	require.Eventually(t, func() bool { return !b.IsConnected() }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, cmds.Methods(), cdproto.MethodType(cdproto.CommandTargetSetAutoAttach))
	assert.Contains(t, cmds.Methods(), cdproto.MethodType(cdproto.CommandPageGetFrameTree))
	assert.Contains(t, cmds.Methods(), cdproto.MethodType(cdproto.CommandBrowserClose))
}
