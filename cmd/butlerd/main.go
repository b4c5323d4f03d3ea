// Copyright 2026 The Butler Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// butlerd runs one butler daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stafford/butler/internal/daemon"
	"github.com/stafford/butler/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath string
		messenger  bool
	)

	root := &cobra.Command{
		Use:           "butlerd --config butler.toml",
		Short:         "Run one butler daemon",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d := daemon.New(daemon.Options{
				ConfigPath: configPath,
				Version:    version,
				Messenger:  messenger,
				Logger:     logger,
			})
			return d.Run(ctx)
		},
	}

	root.Flags().StringVar(&configPath, "config", "butler.toml", "path to the butler TOML config")
	root.Flags().BoolVar(&messenger, "messenger", false,
		"this butler owns channel egress; required to load modules with send/reply tools")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "butlerd:", err)
		os.Exit(1)
	}
}
