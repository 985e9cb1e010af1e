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
	"os"
	"os/exec"
	"sync"

	"github.com/grafana/cdpcore/common"
	"github.com/grafana/cdpcore/log"
)

type processConfig struct {
	path           string
	args           []string
	env            []string
	pipe           bool
	maxMessageSize int64
	dataDir        *dataDir
	logger         *log.Logger
}

// BrowserProcess is a locally started browser process.
type BrowserProcess struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	killing chan struct{}
	done    chan struct{}

	// Exactly one of these is set.
	wsURL     string
	transport common.Transport

	killOnce sync.Once
	logger   *log.Logger
}

// startProcess starts the browser and waits until it can be spoken to.
// ctx bounds the wait, not the lifetime of the process.
func startProcess(ctx context.Context, pc processConfig) (_ *BrowserProcess, rerr error) {
	pctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(pctx, pc.path, pc.args...) //nolint:gosec
	killAfterParent(cmd)
	if len(pc.env) > 0 {
		cmd.Env = append(os.Environ(), pc.env...)
	}

	// Not cmd.StderrPipe: Wait would close it before the output is read.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		cancel()
		_ = pc.dataDir.cleanup()
		return nil, fmt.Errorf("creating the stderr pipe: %w", err)
	}
	cmd.Stderr = stderrW

	// The browser reads commands from fd 3 and writes to fd 4.
	var pipes *processPipes
	if pc.pipe {
		if pipes, err = newProcessPipes(); err != nil {
			cancel()
			_ = stderr.Close()
			_ = stderrW.Close()
			_ = pc.dataDir.cleanup()
			return nil, err
		}
		cmd.ExtraFiles = []*os.File{pipes.childIn, pipes.childOut}
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	_ = stderrW.Close()
	if pipes != nil {
		pipes.closeChildEnds()
	}
	if err != nil {
		cancel()
		_ = stderr.Close()
		if pipes != nil {
			pipes.closeParentEnds()
		}
		_ = pc.dataDir.cleanup()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file does not exist: %s", pc.path)
		}
		return nil, fmt.Errorf("starting the browser process: %w", err)
	}

	p := &BrowserProcess{
		cmd:     cmd,
		cancel:  cancel,
		killing: make(chan struct{}),
		done:    make(chan struct{}),
		logger:  pc.logger,
	}
	go p.wait(pc.dataDir)
	defer func() {
		if rerr != nil {
			p.Kill()
		}
	}()

	if pipes != nil {
		p.transport = common.NewPipeTransport(pipes.parentIn, pipes.parentOut, int(pc.maxMessageSize))
		go p.logStderr(stderr)
		return p, nil
	}

	if p.wsURL, err = parseDevToolsURL(ctx, stderr, p.done); err != nil {
		_ = stderr.Close()
		return nil, err
	}
	p.logger.Debugf("BrowserProcess:start", "pid:%d wsURL:%q", p.Pid(), p.wsURL)

	return p, nil
}

func (p *BrowserProcess) wait(dir *dataDir) {
	defer close(p.done)

	err := p.cmd.Wait()
	select {
	case <-p.killing:
	default:
		if err != nil {
			p.logger.Errorf("BrowserProcess:wait", "process with PID %d unexpectedly ended: %v", p.Pid(), err)
		}
	}
	if err := dir.cleanup(); err != nil {
		p.logger.Errorf("BrowserProcess:wait", "cleaning up the user data directory: %v", err)
	}
}

func (p *BrowserProcess) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.logger.Debugf("BrowserProcess:stderr", "pid:%d %s", p.Pid(), sc.Text())
	}
}

// Pid returns the process id.
func (p *BrowserProcess) Pid() int {
	return p.cmd.Process.Pid
}

// WSURL returns the WebSocket URL the browser listens on. It is empty
// for a process spoken to over pipes.
func (p *BrowserProcess) WSURL() string {
	return p.wsURL
}

// Done is closed once the process exited and its user data directory
// was cleaned up.
func (p *BrowserProcess) Done() <-chan struct{} {
	return p.done
}

// Kill kills the process and waits until it exited.
func (p *BrowserProcess) Kill() {
	p.killOnce.Do(func() {
		p.logger.Debugf("BrowserProcess:Kill", "pid:%d", p.Pid())
		close(p.killing)
		p.cancel()
	})
	<-p.done
}

// Wait waits for the process to exit on its own and kills it when ctx
// is done first.
func (p *BrowserProcess) Wait(ctx context.Context) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Kill()
	}
}
