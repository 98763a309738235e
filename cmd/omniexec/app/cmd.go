// Copyright The TrustTunnel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app wires the omniexec command-line tool: a thin cobra
// front-end over pkg/engine for running one command against a
// configured target (local, ssh, docker, containerd or k8s).
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/omniexec/omniexec/internal/logutil"
	"github.com/omniexec/omniexec/pkg/engine"
	"github.com/omniexec/omniexec/pkg/errkit"
)

var (
	// Version is set at build time via -ldflags.
	Version    string
	configPath string
)

// NewCommand creates and returns the omniexec root cobra command.
func NewCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "omniexec",
		Short: "Run a command against a local, SSH, container or pod target",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a target config file (toml)")

	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "Run a single command against the configured target",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(args)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the omniexec version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

func runOnce(args []string) error {
	var opt Option

	if configPath != "" {
		if _, err := toml.DecodeFile(configPath, &opt); err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
	}

	applyLogConfig(opt.Log)

	eng, err := buildEngine(opt.Target)
	if err != nil {
		return err
	}
	defer eng.Dispose()

	if opt.Debug.Addr != "" {
		metrics := engine.NewMetrics()
		metrics.Attach(eng.Bus())
		startDebugServer(opt.Debug.Addr, metrics)
	}

	handle := eng.ExecArgv(args...).Stdout(os.Stdout).Stderr(os.Stderr).NoThrow()

	result, err := handle.Await(context.Background())
	if err != nil {
		var e *errkit.Error
		if asErrkit(err, &e) {
			fmt.Fprintf(os.Stderr, "omniexec: %s\n", e.Error())

			for _, hint := range e.Suggestions {
				fmt.Fprintf(os.Stderr, "  hint: %s\n", hint)
			}
		} else {
			fmt.Fprintf(os.Stderr, "omniexec: %v\n", err)
		}

		os.Exit(1)
	}

	os.Exit(result.ExitCode)

	return nil
}

func asErrkit(err error, target **errkit.Error) bool {
	e, ok := err.(*errkit.Error)
	if ok {
		*target = e
	}

	return ok
}

func applyLogConfig(cfg LogConfig) {
	if cfg.Dir != "" {
		logutil.SetLogDir(cfg.Dir)
	}

	if cfg.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
			logutil.SetLevel(lvl)
		}
	}
}
