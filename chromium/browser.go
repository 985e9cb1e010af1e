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

package chromium

import (
	"context"

	"github.com/grafana/cdpcore/common"
)

// Browser is a browser launched by BrowserType.Launch.
type Browser struct {
	*common.Browser

	proc *BrowserProcess
}

// Process returns the browser process.
func (b *Browser) Process() *BrowserProcess {
	return b.proc
}

// Close closes the browser and waits for its process to exit. The
// process is killed when it outlives ctx.
func (b *Browser) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, common.DefaultTimeout)
		defer cancel()
	}
	err := b.Browser.Close(ctx)
	b.proc.Wait(ctx)
	return err
}

// Kill disconnects from the browser and kills its process.
func (b *Browser) Kill() {
	b.Browser.Disconnect()
	b.proc.Kill()
}
