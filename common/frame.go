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
	"sort"
	"sync"

	"github.com/chromedp/cdproto/cdp"

	"github.com/grafana/cdpcore/log"
)

// Frame is one browsing context of a page. The same Frame value lives
// on across cross-process navigations of the main frame even though its
// id changes.
type Frame struct {
	manager *FrameManager

	mu       sync.RWMutex
	id       cdp.FrameID
	parentID cdp.FrameID
	name     string
	url      string
	loaderID cdp.LoaderID
	session  *Session

	lifecycleEvents map[string]struct{}
	loading         bool
	detached        bool

	mainWorld    *World
	utilityWorld *World

	logger *log.Logger
}

// NewFrame creates a new frame of the manager.
func NewFrame(m *FrameManager, id, parentID cdp.FrameID, s *Session) *Frame {
	f := &Frame{
		manager:         m,
		id:              id,
		parentID:        parentID,
		session:         s,
		lifecycleEvents: make(map[string]struct{}),
		logger:          m.logger,
	}
	f.mainWorld = newWorld(mainWorld, "", f)
	f.utilityWorld = newWorld(utilityWorld, m.conf.utilityWorldName, f)

	f.logger.Debugf("NewFrame", "fid:%v pfid:%v", id, parentID)

	return f
}

// ID returns the frame id.
func (f *Frame) ID() cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.id
}

func (f *Frame) ParentID() cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.parentID
}

// IsMainFrame reports whether the frame is the root of its tree.
func (f *Frame) IsMainFrame() bool {
	return f.ParentID() == ""
}

func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.name
}

// URL returns the frame URL including its fragment.
func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.url
}

// LoaderID returns the id of the loader of the current document.
func (f *Frame) LoaderID() cdp.LoaderID {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.loaderID
}

// Session returns the session that serves the frame. It differs from the
// page session for out-of-process frames.
func (f *Frame) Session() *Session {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.session
}

// IsOOPFrame reports whether the frame is served by a session other
// than the one of its page.
func (f *Frame) IsOOPFrame() bool {
	s := f.Session()
	return s != nil && s != f.manager.target.Session()
}

func (f *Frame) IsDetached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.detached
}

func (f *Frame) IsLoading() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.loading
}

// HasLifecycleEvent reports whether the current document reached the
// named lifecycle state, e.g. "load".
func (f *Frame) HasLifecycleEvent(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, ok := f.lifecycleEvents[name]
	return ok
}

// LifecycleEvents returns the sorted lifecycle states reached by the
// current document.
func (f *Frame) LifecycleEvents() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.lifecycleEvents))
	for n := range f.lifecycleEvents {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// ChildFrames returns the direct children of the frame.
func (f *Frame) ChildFrames() []*Frame {
	return f.manager.tree.ChildFrames(f.ID())
}

// ParentFrame returns the parent of the frame or nil.
func (f *Frame) ParentFrame() *Frame {
	return f.manager.tree.ParentFrame(f.ID())
}

// MainWorld returns the world of the page's own scripts.
func (f *Frame) MainWorld() *World {
	return f.mainWorld
}

// UtilityWorld returns the isolated world reserved for internal use.
func (f *Frame) UtilityWorld() *World {
	return f.utilityWorld
}

func (f *Frame) world(w executionWorld) *World {
	switch w {
	case mainWorld:
		return f.mainWorld
	case utilityWorld:
		return f.utilityWorld
	}
	return nil
}

func (f *Frame) setID(id cdp.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.id = id
}

func (f *Frame) setSession(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.session = s
}

// navigated stamps a new document onto the frame.
func (f *Frame) navigated(payload *cdp.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.name = payload.Name
	f.url = payload.URL + payload.URLFragment
	f.loaderID = payload.LoaderID
}

func (f *Frame) navigatedWithinDocument(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.url = url
}

// onLifecycleEvent records a lifecycle state of the current document.
// An "init" event starts a new document; any other event from a loader
// other than the current one is stale and reported as not applied.
func (f *Frame) onLifecycleEvent(loaderID cdp.LoaderID, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if name == "init" {
		f.loaderID = loaderID
		clear(f.lifecycleEvents)
	} else if f.loaderID != "" && loaderID != "" && loaderID != f.loaderID {
		f.logger.Debugf("Frame:onLifecycleEvent", "fid:%v stale event:%q loader:%v current:%v",
			f.id, name, loaderID, f.loaderID)
		return false
	}
	f.lifecycleEvents[name] = struct{}{}

	return true
}

func (f *Frame) onLoadingStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loading = true
}

func (f *Frame) onLoadingStopped() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loading = false
	f.lifecycleEvents["DOMContentLoaded"] = struct{}{}
	f.lifecycleEvents["load"] = struct{}{}
}

// detach marks the frame gone and fails everyone waiting on its worlds.
func (f *Frame) detach() {
	f.mu.Lock()
	if f.detached {
		f.mu.Unlock()
		return
	}
	f.detached = true
	f.mu.Unlock()

	f.mainWorld.detach()
	f.utilityWorld.detach()
}
