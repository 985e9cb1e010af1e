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

package main

import (
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/fatih/color"

	"github.com/grafana/cdpcore/common"
)

// eventPrinter prints browser and frame events, one per line.
type eventPrinter struct {
	gs     *globalState
	frames bool

	targetColor, frameColor, dimColor *color.Color

	mu   sync.Mutex
	offs map[target.ID]func()

	disconnected chan error
}

func newEventPrinter(gs *globalState, frames bool) *eventPrinter {
	return &eventPrinter{
		gs:           gs,
		frames:       frames,
		targetColor:  gs.newColor(color.FgCyan, color.Bold),
		frameColor:   gs.newColor(color.FgGreen),
		dimColor:     gs.newColor(color.Faint),
		offs:         make(map[target.ID]func()),
		disconnected: make(chan error, 1),
	}
}

func (p *eventPrinter) onBrowserEvent(ev common.BrowserEvent) {
	switch ev.Kind {
	case common.BrowserEventTargetCreated:
		p.printTarget("created", ev.Target)
		p.watchFrames(ev.Target)
	case common.BrowserEventTargetChanged:
		p.printTarget("changed", ev.Target)
	case common.BrowserEventTargetDestroyed:
		p.printTarget("destroyed", ev.Target)
		p.unwatchFrames(ev.Target)
	case common.BrowserEventDisconnected:
		p.printf("%s %v\n", p.targetColor.Sprint("browser disconnected"), p.dimColor.Sprint(ev.Err))
		select {
		case p.disconnected <- ev.Err:
		default:
		}
	}
}

func (p *eventPrinter) printTarget(what string, t *common.Target) {
	bctx := "default"
	if c := t.BrowserContext(); c != nil && c.IsIncognito() {
		bctx = string(c.ID())
	}
	p.printf("%s %s %s %s %s\n",
		p.targetColor.Sprintf("target %s", what),
		t.Kind(), t.ID(), t.URL(),
		p.dimColor.Sprintf("(type:%s context:%s)", t.Type(), bctx),
	)
}

// watchFrames prints the current frames of a page target and subscribes
// to its frame events.
func (p *eventPrinter) watchFrames(t *common.Target) {
	fm := t.FrameManager()
	if !p.frames || fm == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.offs[t.ID()]; ok {
		return
	}
	tid := t.ID()
	p.offs[tid] = fm.On(func(ev common.FrameEvent) {
		p.printFrame(tid, ev)
	})
	for _, f := range fm.Frames() {
		p.printFrame(tid, common.FrameEvent{Kind: common.FrameEventAttached, Frame: f})
	}
}

func (p *eventPrinter) unwatchFrames(t *common.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if off, ok := p.offs[t.ID()]; ok {
		off()
		delete(p.offs, t.ID())
	}
}

func (p *eventPrinter) printFrame(tid target.ID, ev common.FrameEvent) {
	detail := ev.Frame.URL()
	switch ev.Kind {
	case common.FrameEventLifecycle:
		detail = ev.Lifecycle
	case common.FrameEventLoading:
		detail = fmt.Sprintf("loading:%t", ev.Loading)
	}
	p.printf("  %s %s %s %s\n",
		p.frameColor.Sprintf("frame %s", ev.Kind),
		ev.Frame.ID(), detail,
		p.dimColor.Sprintf("(target:%s)", tid),
	)
}

func (p *eventPrinter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.gs.stdOut, format, args...)
}

func (p *eventPrinter) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, off := range p.offs {
		off()
		delete(p.offs, id)
	}
}
