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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredSettlesOnce(t *testing.T) {
	t.Parallel()

	d := NewDeferred[int]()
	assert.Equal(t, DeferredPending, d.State())

	require.NoError(t, d.Resolve(1))
	require.ErrorIs(t, d.Resolve(2), ErrAlreadySettled)
	require.ErrorIs(t, d.Reject(errors.New("late")), ErrAlreadySettled)

	v, err := d.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, DeferredResolved, d.State())
}

func TestDeferredReject(t *testing.T) {
	t.Parallel()

	d := NewDeferred[string]()
	want := errors.New("boom")
	require.NoError(t, d.Reject(want))

	_, err := d.Wait(context.Background())
	require.ErrorIs(t, err, want)
	assert.Equal(t, "rejected", d.State().String())
}

func TestDeferredWaitCancel(t *testing.T) {
	t.Parallel()

	d := NewDeferred[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := d.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, DeferredPending, d.State())
}

func TestDeferredManyWaiters(t *testing.T) {
	t.Parallel()

	d := NewDeferred[InitializationStatus]()

	var wg sync.WaitGroup
	results := make([]InitializationStatus, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.Wait(context.Background())
		}(i)
	}
	require.NoError(t, d.Resolve(InitAborted))
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, InitAborted, r)
	}
}
