package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/chatrelay/internal/chatrelay"
	"github.com/agentworkforce/chatrelay/internal/config"
	"github.com/agentworkforce/chatrelay/internal/httpapi"
	"github.com/agentworkforce/chatrelay/internal/logging"
	"github.com/agentworkforce/chatrelay/internal/tracing"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and deferred-fetch HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := root.loader()
			cfg, err := loader.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireCompletion(); err != nil {
				return err
			}
			logger, closeLog, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, loader, cfg, logger)
		},
	}
}

// app is the wired relay process minus the listener.
type app struct {
	relay   *chatrelay.Relay
	server  *httpapi.Server
	store   chatrelay.Store
	cache   chatrelay.CompletionCache
	queue   chatrelay.RetryQueue
	tracing *tracing.Provider
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	storeDSN, cacheDSN, queueDSN, err := storageProfileDefaults(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a := &app{tracing: provider}
	fail := func(err error) (*app, error) {
		a.close(context.Background())
		return nil, err
	}

	if a.store, err = chatrelay.BuildStoreFromDSN(storeDSN); err != nil {
		return fail(fmt.Errorf("build store: %w", err))
	}
	if a.cache, err = chatrelay.BuildCompletionCacheFromDSN(cacheDSN, cfg.CacheOptions()); err != nil {
		return fail(fmt.Errorf("build completion cache: %w", err))
	}
	if a.queue, err = chatrelay.BuildRetryQueueFromDSN(queueDSN, cfg.RetryQueue.Capacity); err != nil {
		return fail(fmt.Errorf("build retry queue: %w", err))
	}

	var tokenizer chatrelay.Tokenizer
	if model := strings.TrimSpace(cfg.Chat.TokenizerModel); model != "" {
		tokenizer, err = chatrelay.NewTokenizer(model)
		if err != nil {
			logger.Warn("tokenizer unavailable, counting runes", "model", model, "error", err)
			tokenizer = nil
		}
	}

	a.relay, err = chatrelay.NewRelay(chatrelay.RelayOptions{
		Store:            a.store,
		Cache:            a.cache,
		Completer:        chatrelay.NewHTTPCompletionClient(cfg.CompletionOptions()),
		Tokenizer:        tokenizer,
		RetryQueue:       a.queue,
		Logger:           logger,
		Policy:           cfg.Gate,
		SystemPrompt:     cfg.Chat.SystemPrompt,
		MaxHistoryTokens: cfg.Chat.MaxHistoryTokens,
		ClosureSentinel:  cfg.Chat.ClosureSentinel,
		RetryDelay:       cfg.RetryQueue.Delay,
		MaxRetryAttempts: cfg.RetryQueue.MaxAttempts,
		RetryWorkers:     cfg.RetryQueue.Workers,
	})
	if err != nil {
		return fail(err)
	}
	a.server = httpapi.NewServerWithConfig(a.relay, cfg.HTTPServerConfig(logger))
	return a, nil
}

// apply pushes the hot-reloadable settings into the running relay.
func (a *app) apply(cfg config.Config) {
	a.relay.SetPolicy(cfg.Gate)
	a.relay.SetSystemPrompt(cfg.Chat.SystemPrompt)
	a.server.SetReplies(cfg.Replies)
}

func (a *app) close(ctx context.Context) {
	if a.relay != nil {
		a.relay.Close()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.tracing.Shutdown(ctx)
}

func serve(ctx context.Context, loader *config.Loader, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if loader.Watch(logger, a.apply) {
		logger.Info("watching config for changes", "file", loader.ConfigFileUsed())
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.server,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("chatrelay listening", "addr", cfg.Server.Addr, "profile", cfg.Store.Profile)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("chatrelay stopping", "reason", context.Cause(ctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err = httpServer.Shutdown(shutdownCtx)
		a.close(shutdownCtx)
		return err
	}
	a.close(context.Background())
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("server failed: %w", err)
}

// storageProfileDefaults resolves the store, cache and retry queue DSNs from
// the configured profile.
func storageProfileDefaults(cfg config.Config) (storeDSN, cacheDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(cfg.Store.Profile))
	dataDir := strings.TrimSpace(cfg.Store.DataDir)
	if dataDir == "" {
		dataDir = ".chatrelay"
	}
	switch profile {
	case "", "custom":
		return cfg.Store.DSN, cfg.Cache.DSN, cfg.RetryQueue.DSN, nil
	case "memory", "inmemory":
		return "sqlite://:memory:", "memory://", "memory://", nil
	case "durable-local", "local-durable":
		if dataDir, err = filepath.Abs(dataDir); err != nil {
			return "", "", "", err
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return "", "", "", fmt.Errorf("create data dir: %w", err)
		}
		return "sqlite://" + filepath.Join(dataDir, "chatrelay.db"),
			cfg.Cache.DSN,
			"file://" + filepath.Join(dataDir, "retry-queue.json"),
			nil
	case "production", "prod":
		dsn := strings.TrimSpace(cfg.Store.DSN)
		if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
			return "", "", "", fmt.Errorf("store.dsn must be a postgres DSN when store.profile=%s", profile)
		}
		return dsn, cfg.Cache.DSN, dsn, nil
	default:
		return "", "", "", fmt.Errorf("unsupported store.profile: %s", profile)
	}
}
