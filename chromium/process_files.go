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
	"fmt"
	"os"
)

// processPipes are the two pipes of --remote-debugging-pipe.
type processPipes struct {
	childIn, parentOut *os.File // commands
	parentIn, childOut *os.File // responses and events
}

func newProcessPipes() (*processPipes, error) {
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating the command pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		_ = childIn.Close()
		_ = parentOut.Close()
		return nil, fmt.Errorf("creating the event pipe: %w", err)
	}

	return &processPipes{
		childIn:   childIn,
		parentOut: parentOut,
		parentIn:  parentIn,
		childOut:  childOut,
	}, nil
}

// closeChildEnds closes the ends inherited by the browser. The parent
// sees EOF once the browser exits.
func (p *processPipes) closeChildEnds() {
	_ = p.childIn.Close()
	_ = p.childOut.Close()
}

func (p *processPipes) closeParentEnds() {
	_ = p.parentIn.Close()
	_ = p.parentOut.Close()
}

// dataDir is the user data directory of a browser process.
type dataDir struct {
	path   string
	remove bool
}

// makeDataDir uses path, or creates a temporary directory when path is
// empty. Only a temporary directory is removed on cleanup.
func makeDataDir(path string) (*dataDir, error) {
	if path != "" {
		return &dataDir{path: path}, nil
	}
	tmp, err := os.MkdirTemp("", "cdpcore-chromium-*")
	if err != nil {
		return nil, fmt.Errorf("creating the user data directory: %w", err)
	}
	return &dataDir{path: tmp, remove: true}, nil
}

func (d *dataDir) cleanup() error {
	if !d.remove {
		return nil
	}
	return os.RemoveAll(d.path) //nolint:wrapcheck
}
