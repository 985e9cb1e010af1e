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
	"fmt"

	"github.com/chromedp/cdproto/cdp"

	"github.com/grafana/cdpcore/log"
)

// BrowserContext is an isolated browser session, like an incognito
// window. Its targets are a view over the targets of the browser.
type BrowserContext struct {
	browser *Browser
	id      cdp.BrowserContextID

	events eventEmitter[BrowserEvent]
	logger *log.Logger
}

func newBrowserContext(b *Browser, id cdp.BrowserContextID) *BrowserContext {
	return &BrowserContext{
		browser: b,
		id:      id,
		logger:  b.logger,
	}
}

// ID returns the context id. It is empty for the default context.
func (c *BrowserContext) ID() cdp.BrowserContextID {
	return c.id
}

// IsIncognito reports whether this is not the default context.
func (c *BrowserContext) IsIncognito() bool {
	return c.id != ""
}

// Browser returns the browser the context belongs to.
func (c *BrowserContext) Browser() *Browser {
	return c.browser
}

// On registers fn for the target events of the context.
func (c *BrowserContext) On(fn func(BrowserEvent)) (off func()) {
	return c.events.on(fn)
}

// Targets returns the available targets of the context.
func (c *BrowserContext) Targets() []*Target {
	var targets []*Target
	for _, t := range c.browser.Targets() {
		if t.BrowserContext() == c {
			targets = append(targets, t)
		}
	}
	return targets
}

// Pages returns the available page targets of the context.
func (c *BrowserContext) Pages() []*Target {
	var pages []*Target
	for _, t := range c.Targets() {
		if t.Kind() == TargetKindPage {
			pages = append(pages, t)
		}
	}
	return pages
}

// WaitForTarget returns the first available target of the context
// matching pred, waiting for one if none matches yet.
func (c *BrowserContext) WaitForTarget(ctx context.Context, pred func(*Target) bool) (*Target, error) {
	return c.browser.waitForTarget(ctx, &c.events, c.Targets, pred)
}

// NewPage opens a blank page in the context.
func (c *BrowserContext) NewPage(ctx context.Context) (*Target, error) {
	c.logger.Debugf("BrowserContext:NewPage", "bctxid:%v", c.id)

	return c.browser.newPageInContext(ctx, c)
}

// Close disposes the context and closes all of its targets.
func (c *BrowserContext) Close(ctx context.Context) error {
	if c.id == "" {
		return ErrDefaultContextNotClosable
	}
	if err := c.browser.disposeContext(ctx, c.id); err != nil {
		return fmt.Errorf("closing browser context: %w", err)
	}
	return nil
}
