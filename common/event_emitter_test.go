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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitterOrderAndOff(t *testing.T) {
	t.Parallel()

	var (
		em  eventEmitter[int]
		got []string
	)
	offA := em.on(func(v int) { got = append(got, "a") })
	em.on(func(v int) { got = append(got, "b") })

	em.emit(1)
	assert.Equal(t, []string{"a", "b"}, got)

	offA()
	offA()
	em.emit(2)
	assert.Equal(t, []string{"a", "b", "b"}, got)
	assert.Equal(t, 1, em.len())
}

func TestEventEmitterHandlerMayUnsubscribe(t *testing.T) {
	t.Parallel()

	var (
		em    eventEmitter[string]
		calls int
		off   func()
	)
	off = em.on(func(string) {
		calls++
		off()
	})
	em.emit("x")
	em.emit("y")

	assert.Equal(t, 1, calls)
	assert.Zero(t, em.len())
}

func TestWaitForEvent(t *testing.T) {
	t.Parallel()

	t.Run("matches", func(t *testing.T) {
		t.Parallel()

		var em eventEmitter[int]
		go func() {
			for em.len() == 0 {
				time.Sleep(time.Millisecond)
			}
			for i := 0; i < 5; i++ {
				em.emit(i)
			}
		}()

		v, err := waitForEvent(context.Background(), &em, func(v int) bool { return v == 3 })
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	})

	t.Run("timeout_releases_handler", func(t *testing.T) {
		t.Parallel()

		var em eventEmitter[int]
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := waitForEvent(ctx, &em, nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, em.len())
	})
}
