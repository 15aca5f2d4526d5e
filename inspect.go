// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/relaybot/internal/config"
)

// =============================================================================
// PLATFORMS
// =============================================================================

func newPlatformsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List configured platforms",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tHISTORY\tMODELS\tCREDENTIAL")
			for _, d := range cfg.Descriptors() {
				cred := fmt.Sprintf("%d keys", len(d.APIKeys))
				if d.CredentialProvider != "" {
					cred = "provider " + d.CredentialProvider
				}
				marker := ""
				if d.Key == cfg.Bot.DefaultPlatform {
					marker = " *"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%d\t%s\t%s\n", d.Key, marker, d.DisplayName(), d.MaxHistoryTurns,
					strings.Join(d.SupportedModels, ","), cred)
			}
			return w.Flush()
		},
	}
}

// =============================================================================
// BALANCE
// =============================================================================

func newBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance [platform...]",
		Short: "Query platform balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			keys := args
			if len(keys) == 0 {
				keys = a.platforms.Keys()
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, key := range keys {
				balance, err := queryBalance(cmd.Context(), a, key, timeout)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: error: %v\n", key, err)
					continue
				}
				fmt.Fprintf(out, "%s: %s\n", key, balance)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d balance queries failed", failed, len(keys))
			}
			return nil
		},
	}
	cmd.Flags().Duration("timeout", 30*time.Second, "Timeout per platform.")
	return cmd
}

func queryBalance(ctx context.Context, a *app, key string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	p, err := a.platforms.Instantiate(ctx, key)
	if err != nil {
		return "", err
	}
	return p.QueryBalance(ctx)
}

// =============================================================================
// CONFIG
// =============================================================================

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print it with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, cfg.String())
			if cfg.Bot.TelegramToken == "" {
				fmt.Fprintf(out, "warning: %v\n", config.ErrNoToken)
			}
			fmt.Fprintln(out, "config OK")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to ~/.relaybot/config.toml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ConfigPathTOML()
			if err != nil {
				return err
			}
			if force, _ := cmd.Flags().GetBool("force"); !force && fileExists(path) {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})
	cmd.PersistentFlags().Bool("force", false, "Overwrite an existing file (init only).")
	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
