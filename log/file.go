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

package log

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// fileHookBufferSize is a default size for the FileHook loglines channel.
const fileHookBufferSize = 100

// FileHook writes log entries to a local file from a single goroutine.
type FileHook struct {
	fallbackLogger logrus.FieldLogger
	loglines       chan []byte
	path           string
	w              io.WriteCloser
	bw             *bufio.Writer
	levels         []logrus.Level
	done           chan struct{}
}

// FileHookFromConfigLine returns a new file hook configured from a line
// in the form `file=path[,level=lvl]`. The file is flushed and closed
// once ctx is done; Wait blocks until that has happened.
func FileHookFromConfigLine(
	ctx context.Context, fallbackLogger logrus.FieldLogger, line string,
) (*FileHook, error) {
	hook := &FileHook{
		fallbackLogger: fallbackLogger,
		levels:         logrus.AllLevels,
		done:           make(chan struct{}),
	}

	parts := strings.SplitN(line, "=", 2)
	if parts[0] != "file" {
		return nil, fmt.Errorf("logfile configuration should be in the form `file=path-to-local-file` but is `%s`", line)
	}

	if err := hook.parseArgs(line); err != nil {
		return nil, err
	}

	if err := hook.openFile(); err != nil {
		return nil, err
	}

	hook.loglines = hook.loop(ctx)

	return hook, nil
}

func (h *FileHook) parseArgs(line string) error {
	for _, token := range strings.Split(line, ",") {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			return fmt.Errorf("error while parsing logfile configuration: %q has no value", token)
		}
		switch key {
		case "file":
			if value == "" {
				return fmt.Errorf("filepath must not be empty")
			}
			h.path = value
		case "level":
			lvls, err := levelsFrom(value)
			if err != nil {
				return err
			}
			h.levels = lvls
		default:
			return fmt.Errorf("unknown logfile config key %s", key)
		}
	}

	return nil
}

// levelsFrom returns the levels a hook configured with name fires for:
// name and every more severe one.
func levelsFrom(name string) ([]logrus.Level, error) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return nil, fmt.Errorf("unknown log level %s", name)
	}
	var lvls []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= lvl {
			lvls = append(lvls, l)
		}
	}
	return lvls, nil
}

// openFile opens logfile and initializes writers.
func (h *FileHook) openFile() error {
	if _, err := os.Stat(filepath.Dir(h.path)); os.IsNotExist(err) {
		return fmt.Errorf("provided directory '%s' does not exist", filepath.Dir(h.path))
	}

	file, err := os.OpenFile(h.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open logfile %s: %w", h.path, err)
	}

	h.w = file
	h.bw = bufio.NewWriter(file)

	return nil
}

func (h *FileHook) loop(ctx context.Context) chan []byte {
	loglines := make(chan []byte, fileHookBufferSize)

	go func() {
		defer close(h.done)
		for {
			select {
			case entry := <-loglines:
				if _, err := h.bw.Write(entry); err != nil {
					h.fallbackLogger.Errorf("failed to write a log message to a logfile: %v", err)
				}
			case <-ctx.Done():
				// drain what is already queued before closing
				for {
					select {
					case entry := <-loglines:
						_, _ = h.bw.Write(entry)
						continue
					default:
					}
					break
				}
				if err := h.bw.Flush(); err != nil {
					h.fallbackLogger.Errorf("failed to flush buffer: %v", err)
				}
				if err := h.w.Close(); err != nil {
					h.fallbackLogger.Errorf("failed to close logfile: %v", err)
				}

				return
			}
		}
	}()

	return loglines
}

// Fire queues the entry for writing.
func (h *FileHook) Fire(entry *logrus.Entry) error {
	message, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("failed to get a log entry bytes: %w", err)
	}

	select {
	case h.loglines <- message:
	case <-h.done:
	}
	return nil
}

// Levels returns configured log levels.
func (h *FileHook) Levels() []logrus.Level {
	return h.levels
}

// Wait blocks until the hook has flushed and closed its file.
func (h *FileHook) Wait() {
	<-h.done
}
