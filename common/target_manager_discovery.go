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
	"github.com/chromedp/cdproto/target"
)

// DiscoveryTargetManager attaches to targets one by one as
// Target.setDiscoverTargets reports them, for backends without
// recursive auto-attach.
type DiscoveryTargetManager struct {
	*targetManager
}

// NewDiscoveryTargetManager returns a manager that attaches explicitly.
func NewDiscoveryTargetManager(conn *Connection, factory TargetFactory, opts TargetManagerOptions) *DiscoveryTargetManager {
	m := &DiscoveryTargetManager{targetManager: newTargetManager(conn, factory, opts)}
	m.attachOnCreate = opts.AutoAttach

	return m
}

// Initialize turns on discovery, attaches to every existing target and
// waits for them.
func (m *DiscoveryTargetManager) Initialize(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx, m.opts.Timeout)
	defer cancel()

	m.subscribeRoot()
	ectx := cdp.WithExecutor(ctx, m.conn)

	if err := target.SetDiscoverTargets(true).Do(ectx); err != nil {
		return fmt.Errorf("enabling target discovery: %w", err)
	}
	infos, err := target.GetTargets().Do(ectx)
	if err != nil {
		return fmt.Errorf("getting targets: %w", err)
	}
	m.discoverInitial(infos)
	m.finishInitialization(m.opts.AutoAttach)

	return m.waitForInitialization(ctx)
}
