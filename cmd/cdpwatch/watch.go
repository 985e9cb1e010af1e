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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpcore/chromium"
	"github.com/grafana/cdpcore/common"
	"github.com/grafana/cdpcore/env"
)

func browserFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.Duration("timeout", common.DefaultTimeout, "default timeout of wait operations")
	flags.Duration("call-timeout", 0, "response timeout of protocol commands, 0 for none")
	flags.String("backend", string(common.BackendChromium), "target discovery backend, one of chromium,discovery")
	flags.Bool("auto-attach", true, "attach to new targets as soon as they are created")
	flags.Int64("max-message-size", common.DefaultMaxMessageSize, "maximum size of an inbound protocol message in bytes")
	flags.String("log-category-filter", ".*", "regular expression the log categories must match")
	flags.Bool("debug", false, "log the protocol traffic")
	flags.Bool("frames", true, "print frame events of page targets")

	return flags
}

// configFromFlags returns the config of the flags set on the command line.
func configFromFlags(flags *pflag.FlagSet) (env.Config, error) {
	var (
		c   env.Config
		err error
	)
	str := func(name string) null.String {
		if !flags.Changed(name) || err != nil {
			return null.String{}
		}
		var v string
		v, err = flags.GetString(name)
		return null.StringFrom(v)
	}
	dur := func(name string) null.String {
		if !flags.Changed(name) || err != nil {
			return null.String{}
		}
		var v time.Duration
		v, err = flags.GetDuration(name)
		return null.StringFrom(v.String())
	}
	boolean := func(name string) null.Bool {
		if !flags.Changed(name) || err != nil {
			return null.Bool{}
		}
		var v bool
		v, err = flags.GetBool(name)
		return null.BoolFrom(v)
	}

	c.Timeout = dur("timeout")
	c.CallTimeout = dur("call-timeout")
	c.Backend = str("backend")
	c.AutoAttach = boolean("auto-attach")
	c.LogCategoryFilter = str("log-category-filter")
	c.Debug = boolean("debug")
	if flags.Lookup("ws-url") != nil {
		c.WSURL = str("ws-url")
	}
	if flags.Lookup("executable-path") != nil {
		c.ExecutablePath = str("executable-path")
		c.Headless = boolean("headless")
		c.Pipe = boolean("pipe")
	}
	if flags.Changed("max-message-size") && err == nil {
		var v int64
		v, err = flags.GetInt64("max-message-size")
		c.MaxMessageSize = null.IntFrom(v)
	}

	return c, err
}

// loadConfig merges the defaults, the environment and the flags, in
// this order.
func loadConfig(gs *globalState, flags *pflag.FlagSet) (env.Config, error) {
	envConf, err := env.Load(gs.envLookup)
	if err != nil {
		return env.Config{}, err
	}
	flagConf, err := configFromFlags(flags)
	if err != nil {
		return env.Config{}, err
	}
	return env.NewConfig().Apply(envConf).Apply(flagConf), nil
}

// browserOptions returns the options of cfg with a logger writing to
// the command logger.
func browserOptions(gs *globalState, cfg env.Config) (*common.BrowserOptions, error) {
	logger, err := cfg.Logger(gs.logger)
	if err != nil {
		return nil, err
	}
	return cfg.Options(logger) //nolint:wrapcheck
}

func getCmdConnect(gs *globalState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "connect to a running browser",
		Long: "Connect to the browser listening at --ws-url, or at the first URL of\n" +
			"CDP_WS_URL, and print its events.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(gs, cmd.Flags())
			if err != nil {
				return err
			}
			urls, ok := env.WSURLs(func(string) (string, bool) {
				return cfg.WSURL.String, cfg.WSURL.Valid
			})
			if !ok || len(urls) == 0 || urls[0] == "" {
				return errors.New("no browser to connect to, set --ws-url or CDP_WS_URL")
			}
			opts, err := browserOptions(gs, cfg)
			if err != nil {
				return err
			}

			b, err := chromium.NewBrowserType().Connect(gs.ctx, urls[0], opts)
			if err != nil {
				return err
			}
			defer b.Disconnect()

			frames, _ := cmd.Flags().GetBool("frames")
			return watch(gs, b, frames)
		},
	}
	cmd.Flags().String("ws-url", "", "DevTools WebSocket URL of the browser")
	cmd.Flags().AddFlagSet(browserFlagSet())

	return cmd
}

func getCmdLaunch(gs *globalState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "launch a local browser",
		Long:  "Launch a local Chromium and print its events. The browser is closed on exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(gs, cmd.Flags())
			if err != nil {
				return err
			}
			opts, err := browserOptions(gs, cfg)
			if err != nil {
				return err
			}
			lopts := chromium.NewLaunchOptionsFromConfig(cfg, opts)
			if lopts.Args, err = cmd.Flags().GetStringArray("arg"); err != nil {
				return err
			}

			// the browser outlives the interrupt long enough to be closed
			b, err := chromium.NewBrowserType().Launch(context.WithoutCancel(gs.ctx), lopts)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), lopts.Timeout)
				defer cancel()
				if err := b.Close(ctx); err != nil {
					gs.logger.WithError(err).Warn("closing the browser")
				}
			}()

			frames, _ := cmd.Flags().GetBool("frames")
			return watch(gs, b.Browser, frames)
		},
	}
	flags := cmd.Flags()
	flags.String("executable-path", "", "path of the browser executable")
	flags.Bool("headless", true, "run the browser without a window")
	flags.Bool("pipe", true, "talk to the browser over pipes instead of a WebSocket")
	flags.StringArray("arg", nil, "extra browser command line argument, e.g. --arg=lang=de")
	flags.AddFlagSet(browserFlagSet())

	return cmd
}

// watch prints the events of b until the command is interrupted or the
// browser disconnects.
func watch(gs *globalState, b *common.Browser, frames bool) error {
	p := newEventPrinter(gs, frames)
	defer p.close()

	off := b.On(p.onBrowserEvent)
	defer off()
	for _, t := range b.Targets() {
		p.printTarget("attached", t)
		p.watchFrames(t)
	}
	if !b.IsConnected() {
		return fmt.Errorf("browser disconnected: %w", b.Connection().Err())
	}

	select {
	case <-gs.ctx.Done():
		return nil
	case err := <-p.disconnected:
		if err != nil {
			return fmt.Errorf("browser disconnected: %w", err)
		}
		return nil
	}
}
