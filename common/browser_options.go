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
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/chromedp/cdproto/target"

	"github.com/grafana/cdpcore/log"
	"github.com/grafana/cdpcore/trace"
)

// DefaultUtilityWorldName is the name of the isolated world created in
// every frame for internal use.
const DefaultUtilityWorldName = "__cdpcore_utility_world__"

// Backend selects how targets are discovered and attached.
type Backend string

const (
	// BackendChromium auto-attaches through Target.setAutoAttach, recursively
	// on every attached session.
	BackendChromium Backend = "chromium"

	// BackendDiscovery discovers targets through Target.setDiscoverTargets
	// and attaches to each one explicitly.
	BackendDiscovery Backend = "discovery"
)

// ParseBackend parses a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case BackendChromium, BackendDiscovery:
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q, want %q or %q", s, BackendChromium, BackendDiscovery)
}

// TargetFilter reports whether a target should be attached to.
type TargetFilter func(*target.Info) bool

// TargetClassifier reports whether a target belongs to a class of targets.
type TargetClassifier func(*target.Info) bool

// DefaultIsPageTarget treats page, background page and webview targets as pages.
func DefaultIsPageTarget(info *target.Info) bool {
	switch info.Type {
	case "page", "background_page", "webview":
		return true
	}
	return false
}

// IsWorkerTarget reports whether info describes a worker.
func IsWorkerTarget(info *target.Info) bool {
	switch info.Type {
	case "worker", "shared_worker", "service_worker":
		return true
	}
	return false
}

// BrowserOptions configures a Browser and everything it creates.
type BrowserOptions struct {
	// Timeout is the default for wait operations without a deadline.
	Timeout time.Duration
	// CallTimeout is the default response timeout for commands. Zero
	// disables it.
	CallTimeout time.Duration

	Backend      Backend
	TargetFilter TargetFilter
	IsPageTarget TargetClassifier

	// AutoAttach attaches to new targets as soon as they are created.
	AutoAttach bool
	// WaitForDebuggerOnStart pauses new targets until they are initialized.
	WaitForDebuggerOnStart bool

	MaxMessageSize   int64
	UtilityWorldName string

	Clock  clock.Clock
	Tracer *trace.Tracer
	Logger *log.Logger
}

// NewBrowserOptions returns the default options.
func NewBrowserOptions() *BrowserOptions {
	return &BrowserOptions{
		Timeout:                DefaultTimeout,
		Backend:                BackendChromium,
		IsPageTarget:           DefaultIsPageTarget,
		AutoAttach:             true,
		WaitForDebuggerOnStart: true,
		MaxMessageSize:         DefaultMaxMessageSize,
		UtilityWorldName:       DefaultUtilityWorldName,
	}
}

// Validate checks the options for values that cannot work.
func (o *BrowserOptions) Validate() error {
	var errs []error
	if o.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative: %s", o.Timeout))
	}
	if o.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("call timeout must not be negative: %s", o.CallTimeout))
	}
	if o.MaxMessageSize < 0 {
		errs = append(errs, fmt.Errorf("max message size must not be negative: %d", o.MaxMessageSize))
	}
	if _, err := ParseBackend(string(o.Backend)); err != nil {
		errs = append(errs, err)
	}
	if o.UtilityWorldName == "" {
		errs = append(errs, errors.New("utility world name must not be empty"))
	}

	return errors.Join(errs...)
}

// withDefaults returns a copy of o with every unset hook filled in.
func (o *BrowserOptions) withDefaults() *BrowserOptions {
	c := *o
	if c.IsPageTarget == nil {
		c.IsPageTarget = DefaultIsPageTarget
	}
	if c.TargetFilter == nil {
		c.TargetFilter = func(*target.Info) bool { return true }
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Tracer == nil {
		c.Tracer = trace.NewNoopTracer()
	}
	if c.Logger == nil {
		c.Logger = log.NewNullLogger()
	}
	if c.UtilityWorldName == "" {
		c.UtilityWorldName = DefaultUtilityWorldName
	}
	if c.Backend == "" {
		c.Backend = BackendChromium
	}

	return &c
}

// ConnectionOptions returns the connection options matching o.
func (o *BrowserOptions) ConnectionOptions() []ConnectionOption {
	return []ConnectionOption{
		WithConnectionClock(o.Clock),
		WithDefaultCallTimeout(o.CallTimeout),
	}
}
