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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"
)

// parseDevToolsURL grabs the WebSocket address from the browser's output
// and returns it. If the process ends abruptly, it returns the first
// error the browser printed. The rest of r is drained in the background.
func parseDevToolsURL(ctx context.Context, r io.Reader, processDone <-chan struct{}) (string, error) {
	type result struct {
		url string
		err error
	}
	c := make(chan result, 1)
	go func() {
		parser := &devToolsURLParser{sc: bufio.NewScanner(r)}
		for parser.scan() {
		}
		c <- result{parser.url, parser.err()}
		_, _ = io.Copy(io.Discard, r)
	}()

	select {
	case res := <-c:
		return parseResult(res.url, res.err)
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for the DevTools URL: %w", ctx.Err())
	case <-processDone:
		// the output of the process can still be buffered
		select {
		case res := <-c:
			return parseResult(res.url, res.err)
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return "", errors.New("browser process ended unexpectedly")
	}
}

func parseResult(url string, err error) (string, error) {
	if url != "" {
		return url, nil
	}
	if err == nil {
		err = errors.New("browser process ended before printing the DevTools URL")
	}
	return "", err
}

type devToolsURLParser struct {
	sc *bufio.Scanner

	errs []error
	url  string
}

func (p *devToolsURLParser) scan() bool {
	if !p.sc.Scan() {
		return false
	}

	const urlPrefix = "DevTools listening on "

	line := p.sc.Text()
	if strings.HasPrefix(line, urlPrefix) {
		p.url = strings.TrimPrefix(strings.TrimSpace(line), urlPrefix)
	}
	if strings.Contains(line, ":ERROR:") {
		if i := strings.Index(line, "] "); i > 0 {
			p.errs = append(p.errs, errors.New(line[i+2:]))
		}
	}

	return p.url == ""
}

func (p *devToolsURLParser) err() error {
	if p.url != "" {
		return nil
	}
	if len(p.errs) > 0 {
		return p.errs[0]
	}

	err := p.sc.Err()
	if errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("browser process shutdown unexpectedly before establishing a connection: %w", err)
	}
	return err //nolint:wrapcheck
}
