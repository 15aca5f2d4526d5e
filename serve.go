// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/relaybot/internal/commands"
	"github.com/jeranaias/relaybot/internal/config"
	"github.com/jeranaias/relaybot/internal/server"
	"github.com/jeranaias/relaybot/internal/telegram"
	"github.com/jeranaias/relaybot/internal/transport"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot (long polling)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if token, _ := cmd.Flags().GetString("telegram-token"); token != "" {
				cfg.Bot.TelegramToken = token
			}
			if cfg.Bot.TelegramToken == "" {
				return config.ErrNoToken
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("telegram-token", "", "Telegram bot token (overrides config).")
	return cmd
}

// serve runs the bot until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("serve: shutdown: %v", err)
		}
	}()

	manager := a.manager()

	// Long polls outlive any upstream header timeout, so Telegram gets its
	// own pooled client.
	tgHTTP := transport.NewPooledClient()
	defer tgHTTP.CloseIdleConnections()
	copts := []telegram.ClientOption{
		telegram.WithTransportOptions(
			transport.WithAttempts(cfg.Transport.Attempts),
			transport.WithInterval(cfg.RetryInterval()),
		),
	}
	if cfg.Bot.APIBase != "" {
		copts = append(copts, telegram.WithAPIBase(cfg.Bot.APIBase))
	}
	client := telegram.NewClient(cfg.Bot.TelegramToken, tgHTTP, copts...)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	me, err := client.GetMe(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("telegram: getMe failed: %w", err)
	}

	registry := commands.NewRegistry(commands.Info{
		Name:      me.FirstName,
		Username:  me.Username,
		Version:   Version,
		ShopURL:   cfg.Bot.ShopURL,
		PasteHost: cfg.Bot.PasteHost,
	})
	bot := telegram.NewBot(client, manager, registry, telegram.BotConfig{
		Members:          cfg.Bot.Members,
		AllowVisitors:    cfg.Bot.AllowVisitors,
		DataDir:          cfg.Storage.DataDir,
		MaxDocumentBytes: cfg.Bot.MaxDocumentBytes,
	})
	if err := bot.RegisterMenu(ctx); err != nil {
		// Non-fatal: commands still work without the menu.
		log.Printf("serve: setMyCommands failed: %v", err)
	}

	poller := telegram.NewPoller(client, bot,
		telegram.WithPollTimeout(time.Duration(cfg.Bot.PollTimeoutSecs)*time.Second),
		telegram.WithConcurrency(cfg.Bot.Concurrency),
	)

	log.Printf("serve: @%s up with %d platforms, default %s/%s, stream=%t",
		me.Username, len(a.platforms.Keys()), cfg.Bot.DefaultPlatform, cfg.Bot.DefaultMask, cfg.Bot.EnableStream)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return a.credentials.Watch(gctx)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	if cfg.Admin.Addr != "" {
		status := server.New(server.Config{
			Addr:          cfg.Admin.Addr,
			Version:       Version,
			AuthToken:     cfg.Admin.AuthToken,
			AllowedIPs:    cfg.Admin.AllowedIPs,
			RatePerMinute: cfg.Admin.RatePerMinute,
		}, manager, a.platforms.Keys())
		g.Go(func() error {
			return status.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Printf("serve: stopped")
	return err
}
