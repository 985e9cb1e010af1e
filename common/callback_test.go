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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpcore/log"
)

func newTestRegistry(clk clock.Clock) *CallbackRegistry {
	return NewCallbackRegistry(&msgID{}, clk, log.NewNullLogger())
}

func TestCallbackRegistrySettle(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)

	ok, err := r.create("Page.enable", 0)
	require.NoError(t, err)
	bad, err := r.create("Page.navigate", 0)
	require.NoError(t, err)
	assert.NotEqual(t, ok.id, bad.id)
	assert.Equal(t, 2, r.len())

	assert.True(t, r.settle(&cdproto.Message{ID: ok.id, Result: easyjson.RawMessage(`{}`)}))
	assert.True(t, r.settle(&cdproto.Message{ID: bad.id, Error: &cdproto.Error{Code: -32000, Message: "Cannot navigate"}}))
	assert.Zero(t, r.len())

	res, err := ok.result.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(res))

	_, err = bad.result.Wait(context.Background())
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Page.navigate", perr.Method)
	assert.EqualValues(t, -32000, perr.Code)
	assert.EqualError(t, err, "protocol error (Page.navigate): Cannot navigate")

	// late duplicate response is dropped
	assert.False(t, r.settle(&cdproto.Message{ID: ok.id}))
}

func TestCallbackRegistryTimeout(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	r := newTestRegistry(mock)

	cb, err := r.create("Domain.method", 100*time.Millisecond)
	require.NoError(t, err)

	mock.Add(99 * time.Millisecond)
	assert.Equal(t, DeferredPending, cb.result.State())

	mock.Add(time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cb.result.Wait(ctx)

	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "Domain.method", terr.Method)
	assert.Equal(t, 100*time.Millisecond, terr.Timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, r.len())

	// response arriving after the timeout has nobody to resolve
	assert.False(t, r.settle(&cdproto.Message{ID: cb.id}))
}

func TestCallbackRegistryClear(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)

	cbs := make([]*callback, 5)
	for i := range cbs {
		var err error
		cbs[i], err = r.create("Target.attachToTarget", time.Minute)
		require.NoError(t, err)
	}

	r.clear(ErrConnectionClosed)
	assert.Zero(t, r.len())
	for _, cb := range cbs {
		_, err := cb.result.Wait(context.Background())
		require.ErrorIs(t, err, ErrConnectionClosed)
		assert.Equal(t, DeferredRejected, cb.result.State())
	}

	_, err := r.create("Page.enable", 0)
	require.ErrorIs(t, err, ErrConnectionClosed)

	// a second clear does not replace the first cause
	r.clear(errors.New("other"))
	_, err = r.create("Page.enable", 0)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestCallbackRegistryRemove(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)
	cb, err := r.create("Runtime.evaluate", 0)
	require.NoError(t, err)

	r.remove(cb.id)
	assert.Zero(t, r.len())
	assert.False(t, r.resolve(cb.id, nil))
	assert.Equal(t, DeferredPending, cb.result.State())
}
