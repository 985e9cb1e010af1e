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
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/grafana/cdpcore/common"
	"github.com/grafana/cdpcore/env"
	"github.com/grafana/cdpcore/log"
)

// ErrExecutableNotFound is returned by Launch when no browser executable
// was configured and none was found on the system.
var ErrExecutableNotFound = errors.New("browser executable not found")

// LaunchOptions configures a locally launched browser.
type LaunchOptions struct {
	Args              []string
	Env               map[string]string
	ExecutablePath    string
	Headless          bool
	Devtools          bool
	IgnoreDefaultArgs []string
	// Pipe speaks the protocol over --remote-debugging-pipe instead of
	// a WebSocket.
	Pipe bool
	// UserDataDir is used as is and kept. A temporary directory is
	// created and removed when it is empty.
	UserDataDir string
	// Timeout bounds starting the process and attaching to its targets.
	Timeout time.Duration

	Browser *common.BrowserOptions
}

// NewLaunchOptions returns the default launch options.
func NewLaunchOptions() *LaunchOptions {
	return &LaunchOptions{
		Headless: true,
		Pipe:     true,
		Timeout:  common.DefaultTimeout,
		Browser:  common.NewBrowserOptions(),
	}
}

// NewLaunchOptionsFromConfig returns launch options with the launch
// settings of cfg applied. bopts become the options of the browser.
func NewLaunchOptionsFromConfig(cfg env.Config, bopts *common.BrowserOptions) *LaunchOptions {
	o := NewLaunchOptions()
	if bopts != nil {
		o.Browser = bopts
		o.Timeout = bopts.Timeout
	}
	if cfg.ExecutablePath.Valid {
		o.ExecutablePath = cfg.ExecutablePath.String
	}
	if cfg.Headless.Valid {
		o.Headless = cfg.Headless.Bool
	}
	if cfg.Pipe.Valid {
		o.Pipe = cfg.Pipe.Bool
	}
	return o
}

// BrowserType launches a Chromium browser or connects to a running one.
type BrowserType struct {
	execPath string
}

// NewBrowserType returns a new Chromium browser type.
func NewBrowserType() *BrowserType {
	return &BrowserType{}
}

// Name returns the name of this browser type.
func (b *BrowserType) Name() string {
	return "chromium"
}

// Connect attaches to the browser listening at wsURL.
func (b *BrowserType) Connect(ctx context.Context, wsURL string, opts *common.BrowserOptions) (*common.Browser, error) {
	browser, err := common.Connect(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", b.Name(), err)
	}
	return browser, nil
}

// Launch starts a new browser process and connects to it. The process
// is killed when ctx is done.
func (b *BrowserType) Launch(ctx context.Context, opts *LaunchOptions) (_ *Browser, rerr error) {
	if opts == nil {
		opts = NewLaunchOptions()
	}
	bopts := common.NewBrowserOptions()
	if opts.Browser != nil {
		c := *opts.Browser
		bopts = &c
	}
	if bopts.Logger == nil {
		bopts.Logger = log.NewNullLogger()
	}
	logger := bopts.Logger

	path := opts.ExecutablePath
	if path == "" {
		path = b.ExecutablePath()
	}
	if path == "" {
		return nil, ErrExecutableNotFound
	}

	flags, err := prepareFlags(opts)
	if err != nil {
		return nil, err
	}
	dir, err := makeDataDir(opts.UserDataDir)
	if err != nil {
		return nil, err
	}
	flags["user-data-dir"] = dir.path
	args, err := parseArgs(flags)
	if err != nil {
		_ = dir.cleanup()
		return nil, err
	}

	envs := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(envs)

	lctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	logger.Infof("BrowserType:Launch", "path:%q pipe:%t headless:%t", path, opts.Pipe, opts.Headless)
	proc, err := startProcess(lctx, processConfig{
		path:           path,
		args:           args,
		env:            envs,
		pipe:           opts.Pipe,
		maxMessageSize: bopts.MaxMessageSize,
		dataDir:        dir,
		logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", b.Name(), err)
	}
	defer func() {
		if rerr != nil {
			proc.Kill()
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			proc.Kill()
		case <-proc.Done():
		}
	}()

	var conn *common.Connection
	if proc.transport != nil {
		conn = common.NewConnectionWithTransport(ctx, "pipe:"+path, proc.transport, logger, bopts.ConnectionOptions()...)
	} else {
		t, err := common.DialWebSocket(lctx, proc.WSURL(), bopts.MaxMessageSize)
		if err != nil {
			return nil, fmt.Errorf("launching %s: %w", b.Name(), err)
		}
		conn = common.NewConnectionWithTransport(ctx, proc.WSURL(), t, logger, bopts.ConnectionOptions()...)
	}
	browser, err := common.NewBrowser(lctx, conn, bopts)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("launching %s: %w", b.Name(), err)
	}

	return &Browser{Browser: browser, proc: proc}, nil
}

// ExecutablePath returns the path of the first known browser executable
// found on the system, or an empty string.
func (b *BrowserType) ExecutablePath() (execPath string) {
	if b.execPath != "" {
		return b.execPath
	}
	defer func() {
		b.execPath = execPath
	}()

	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}

// parseArgs turns flags into sorted command-line arguments.
func parseArgs(flags map[string]any) ([]string, error) {
	args := make([]string, 0, len(flags)+1)
	for name, value := range flags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf(`invalid browser command line flag: "%s=%v"`, name, value)
		}
	}
	_, pipe := flags["remote-debugging-pipe"]
	if _, ok := flags["remote-debugging-port"]; !ok && !pipe {
		args = append(args, "--remote-debugging-port=0")
	}
	sort.Strings(args)

	return args, nil
}

func prepareFlags(lopts *LaunchOptions) (map[string]any, error) {
	// After Puppeteer's and Playwright's default behavior.
	f := map[string]any{
		"disable-background-networking":                      true,
		"enable-features":                                    "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":                true,
		"disable-backgrounding-occluded-windows":             true,
		"disable-breakpad":                                   true,
		"disable-component-extensions-with-background-pages": true,
		"disable-default-apps":                               true,
		"disable-dev-shm-usage":                              true,
		"disable-extensions":                                 true,
		//nolint:lll
		"disable-features":                "ImprovedCookieControls,LazyFrameLoading,GlobalMediaControls,DestroyProfileOnBrowserClose,MediaRouter,AcceptCHFrame",
		"disable-hang-monitor":            true,
		"disable-ipc-flooding-protection": true,
		"disable-popup-blocking":          true,
		"disable-prompt-on-repost":        true,
		"disable-renderer-backgrounding":  true,
		"force-color-profile":             "srgb",
		"metrics-recording-only":          true,
		"no-first-run":                    true,
		"enable-automation":               true,
		"password-store":                  "basic",
		"use-mock-keychain":               true,
		"no-service-autorun":              true,

		"no-startup-window":           true,
		"no-default-browser-check":    true,
		"headless":                    lopts.Headless,
		"auto-open-devtools-for-tabs": lopts.Devtools,
		"window-size":                 fmt.Sprintf("%d,%d", 800, 600),
	}
	if lopts.Headless {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
		f["blink-settings"] = "primaryHoverType=2,availableHoverTypes=2,primaryPointerType=4,availablePointerTypes=4"
	}
	if lopts.Pipe {
		f["remote-debugging-pipe"] = true
	}
	ignoreDefaultArgsFlags(f, lopts.IgnoreDefaultArgs)
	setFlagsFromArgs(f, lopts.Args)

	if _, ok := f["remote-debugging-port"]; ok && lopts.Pipe {
		return nil, errors.New("remote-debugging-port cannot be combined with the pipe transport")
	}
	if _, ok := f["user-data-dir"]; ok {
		return nil, errors.New("set the user data directory with LaunchOptions.UserDataDir")
	}

	return f, nil
}

// ignoreDefaultArgsFlags ignores any flags in the provided slice.
func ignoreDefaultArgsFlags(flags map[string]any, toIgnore []string) {
	for _, name := range toIgnore {
		delete(flags, strings.TrimPrefix(name, "--"))
	}
}

// setFlagsFromArgs fills flags by parsing the "arg=value" args.
func setFlagsFromArgs(flags map[string]any, args []string) {
	var argname, argval string
	for _, arg := range args {
		pair := strings.SplitN(arg, "=", 2)
		argname, argval = strings.TrimPrefix(strings.TrimSpace(pair[0]), "--"), ""
		if len(pair) > 1 {
			argval = trimQuotes(strings.TrimSpace(pair[1]))
		}
		flags[argname] = argval
	}
}

// trimQuotes removes one pair of matching surrounding quotes.
func trimQuotes(s string) string {
	if len(s) >= 2 {
		if c := s[len(s)-1]; s[0] == c && (c == '"' || c == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
