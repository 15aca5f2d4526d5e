// relaybot - relays Telegram chats to OpenAI-compatible LLM platforms.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/relaybot/internal/config"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relaybot",
		Short:         "Telegram relay for OpenAI-compatible chat platforms",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().String("config", "", "Config file path (default: ~/.relaybot/config.{toml,json,yaml}).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPlatformsCmd())
	cmd.AddCommand(newBalanceCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// loadConfig reads the file named by --config, or the default locations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	path = strings.TrimSpace(path)

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if cfg == nil {
		if err == nil {
			err = fmt.Errorf("no configuration loaded")
		}
		return nil, err
	}
	if err != nil {
		// Load falls back to defaults when a file is unreadable.
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	config.SetGlobal(cfg)
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "relaybot %s\n", strings.TrimSpace(Version))
			if c := strings.TrimSpace(GitCommit); c != "" && c != "unknown" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", c)
			}
			if d := strings.TrimSpace(BuildDate); d != "" && d != "unknown" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "date: %s\n", d)
			}
			return nil
		},
	}
}
