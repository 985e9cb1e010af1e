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
	"bytes"
	"context"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/grafana/cdpcore/env"
)

const version = "0.1.0"

type globalFlags struct {
	verbose   bool
	noColor   bool
	logOutput string
	logFormat string
	envFile   string
}

// globalState holds what the commands would otherwise take from the
// process, so that they can run in tests.
type globalState struct {
	ctx context.Context

	stdOut, stdErr *consoleWriter
	envLookup      env.LookupFunc

	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger
	// loggerStopped is closed once buffered log output was written.
	loggerStopped <-chan struct{}

	flags globalFlags
}

func newGlobalState(ctx context.Context) *globalState {
	var mu sync.Mutex
	stdOut := newConsoleWriter(colorable.NewColorableStdout(), os.Stdout.Fd(), &mu)
	stdErr := newConsoleWriter(colorable.NewColorableStderr(), os.Stderr.Fd(), &mu)

	return &globalState{
		ctx:       ctx,
		stdOut:    stdOut,
		stdErr:    stdErr,
		envLookup: os.LookupEnv,
		logger: &logrus.Logger{
			Out:       stdErr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
		fallbackLogger: &logrus.Logger{
			Out:       stdErr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
		flags: globalFlags{
			logOutput: "stderr",
			envFile:   ".env",
		},
	}
}

// consoleWriter serializes writes to a terminal or a file.
type consoleWriter struct {
	io.Writer
	isTTY bool
	mutex *sync.Mutex
}

func newConsoleWriter(w io.Writer, fd uintptr, mu *sync.Mutex) *consoleWriter {
	isTTY := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return &consoleWriter{w, isTTY, mu}
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.isTTY {
		// Add a TTY code to erase till the end of line with each new line
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}

	w.mutex.Lock()
	n, err = w.Writer.Write(p)
	w.mutex.Unlock()

	if err != nil && n < origLen {
		return n, err
	}
	return origLen, err
}

// newColor returns the requested color, or a no-op one when the output
// is not a terminal or colors are turned off.
func (gs *globalState) newColor(attributes ...color.Attribute) *color.Color {
	c := color.New(attributes...)
	if gs.flags.noColor || !gs.stdOut.isTTY {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c
}
