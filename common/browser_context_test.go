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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrowserContexts(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle(target.CommandCreateBrowserContext, func(*fakeBrowser, *cdproto.Message) (easyjson.Marshaler, error) {
		return &target.CreateBrowserContextReturns{BrowserContextID: "C2"}, nil
	})
	b := newTestBrowser(t, fb)

	c2, err := b.NewContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cdp.BrowserContextID("C2"), c2.ID())
	assert.Same(t, b, c2.Browser())
	assert.Len(t, b.Contexts(), 2)

	msg := fb.waitMethod("", target.CommandCreateBrowserContext)
	var params target.CreateBrowserContextParams
	require.NoError(t, easyjson.Unmarshal(msg.Params, &params))
	assert.True(t, params.DisposeOnDetach)

	require.NoError(t, c2.Close(context.Background()))
	msg = fb.waitMethod("", target.CommandDisposeBrowserContext)
	var dparams target.DisposeBrowserContextParams
	require.NoError(t, easyjson.Unmarshal(msg.Params, &dparams))
	assert.Equal(t, cdp.BrowserContextID("C2"), dparams.BrowserContextID)
	assert.Len(t, b.Contexts(), 1)

	// a target still reporting the disposed context has no owner
	_, err = b.contextOf("C2")
	require.ErrorIs(t, err, ErrMissingBrowserContext)
	_, err = b.createTarget(inContext(pageInfo("T9", "about:blank"), "C2"), nil)
	require.ErrorIs(t, err, ErrMissingBrowserContext)

	require.ErrorIs(t, b.DefaultContext().Close(context.Background()), ErrDefaultContextNotClosable)
}
