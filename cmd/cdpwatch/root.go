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
	"io"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/cdpcore/log"
)

func newRootCommand(gs *globalState) *cobra.Command {
	root := &cobra.Command{
		Use:   "cdpwatch",
		Short: "watch the targets and frames of a Chromium browser",
		Long: "cdpwatch attaches to every target of a Chromium browser and prints\n" +
			"target and frame lifecycle events until it is interrupted.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := gs.loadEnvFile(cmd.Flags().Changed("env-file")); err != nil {
				return err
			}
			return gs.setupLoggers()
		},
	}
	root.PersistentFlags().AddFlagSet(rootFlagSet(&gs.flags))
	root.AddCommand(
		getCmdConnect(gs),
		getCmdLaunch(gs),
		getCmdVersion(gs),
	)
	root.SetOut(gs.stdOut)
	root.SetErr(gs.stdErr)

	return root
}

func rootFlagSet(gf *globalFlags) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&gf.verbose, "verbose", "v", gf.verbose, "enable debug logging")
	flags.BoolVar(&gf.noColor, "no-color", gf.noColor, "disable colored output")
	flags.StringVar(&gf.logOutput, "log-output", gf.logOutput,
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.StringVar(&gf.logFormat, "log-format", gf.logFormat, "log output format, one of text,json,raw")
	flags.StringVar(&gf.envFile, "env-file", gf.envFile, "file with environment variables to read")

	return flags
}

// execute runs the command line args and returns the exit code.
func (gs *globalState) execute(args []string) int {
	ctx, cancel := context.WithCancel(gs.ctx)
	defer cancel()
	gs.ctx = ctx

	root := newRootCommand(gs)
	root.SetArgs(args)

	err := root.Execute()
	if err != nil {
		gs.logger.Error(err)
	}
	cancel()
	if gs.loggerStopped != nil {
		<-gs.loggerStopped
	}
	if err != nil {
		return 1
	}
	return 0
}

// loadEnvFile makes the variables of the env file visible to the
// commands. Variables of the process environment take precedence. A
// missing default file is not an error.
func (gs *globalState) loadEnvFile(explicit bool) error {
	if gs.flags.envFile == "" {
		return nil
	}
	vars, err := godotenv.Read(gs.flags.envFile)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading env file: %w", err)
	}

	lookup := gs.envLookup
	gs.envLookup = func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, ok
		}
		v, ok := vars[key]
		return v, ok
	}
	return nil
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

func (gs *globalState) setupLoggers() error {
	if gs.flags.verbose {
		gs.logger.SetLevel(logrus.DebugLevel)
	}

	switch line := gs.flags.logOutput; {
	case line == "stderr":
		gs.logger.SetOutput(gs.stdErr)
	case line == "stdout":
		gs.logger.SetOutput(gs.stdOut)
	case line == "none":
		gs.logger.SetOutput(io.Discard)
	case strings.HasPrefix(line, "file"):
		hook, err := log.FileHookFromConfigLine(gs.ctx, gs.fallbackLogger, line)
		if err != nil {
			return err
		}
		gs.logger.AddHook(hook)
		gs.logger.SetOutput(io.Discard)
		stopped := make(chan struct{})
		go func() {
			hook.Wait()
			close(stopped)
		}()
		gs.loggerStopped = stopped
	default:
		return fmt.Errorf("unsupported log output '%s'", line)
	}

	switch gs.flags.logFormat {
	case "raw":
		gs.logger.SetFormatter(&RawFormatter{})
		gs.logger.Debug("Logger format: RAW")
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
		gs.logger.Debug("Logger format: JSON")
	default:
		gs.logger.SetFormatter(&logrus.TextFormatter{ForceColors: gs.stdErr.isTTY, DisableColors: gs.flags.noColor})
		gs.logger.Debug("Logger format: TEXT")
	}
	return nil
}

func getCmdVersion(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "show the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			_, _ = fmt.Fprintf(gs.stdOut, "cdpwatch v%s\n", version)
		},
	}
}
