package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parley-chat/parley/internal/attachments"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/mcp"
	"github.com/parley-chat/parley/internal/observability"
	"github.com/parley-chat/parley/internal/orchestrator"
	"github.com/parley-chat/parley/internal/provider"
	"github.com/parley-chat/parley/internal/settings"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/web"
	"github.com/parley-chat/parley/pkg/models"
)

const (
	catalogTTL      = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client := provider.NewClient(provider.Options{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Referer: cfg.Provider.Referer,
		Title:   cfg.Provider.Title,
		Logger:  logger,
	})
	catalog := provider.NewCatalog(client, catalogTTL)

	aggregator := mcp.NewAggregator(logger, cfg.Chat.SessionKey)
	defer aggregator.Shutdown()

	settingsStore, err := settings.LoadStore(cfg.State.SettingsPath, models.ModelSettings{
		ModelID:      cfg.Provider.DefaultModel,
		SystemPrompt: cfg.Provider.SystemPrompt,
	}, logger)
	if err != nil {
		return err
	}
	toolServers, err := settings.LoadToolServers(cfg.State.ToolServersPath, logger)
	if err != nil {
		return err
	}
	presets, err := settings.LoadPresets(cfg.State.PresetsPath, logger)
	if err != nil {
		return err
	}
	manager := settings.NewManager(settingsStore, toolServers, presets, aggregator, logger)

	if err := aggregator.Refresh(ctx, toolServers.Get()); err != nil {
		logger.Warn("initial tool pool refresh incomplete", "error", err)
	}
	watcher, err := mcp.NewWatcher(toolServers.Path(), logger, manager.RefreshToolPool)
	if err != nil {
		logger.Warn("tool config watcher unavailable", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Close()
	}

	var attachmentSvc *attachments.Service
	if cfg.AttachmentsEnabled() {
		blobs, err := attachments.NewS3Store(ctx, attachments.S3Config{
			Bucket:          cfg.Attachments.Bucket,
			Region:          cfg.Attachments.Region,
			Endpoint:        cfg.Attachments.Endpoint,
			Prefix:          cfg.Attachments.KeyPrefix,
			AccessKeyID:     cfg.Attachments.AccessKeyID,
			SecretAccessKey: cfg.Attachments.SecretAccessKey,
			UsePathStyle:    cfg.Attachments.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("attachment store: %w", err)
		}
		attachmentSvc = attachments.NewService(st, blobs, attachments.Config{
			MaxSizeBytes: cfg.Attachments.MaxSizeBytes,
			Retention:    cfg.Attachments.Retention,
		}, logger)

		reaper, err := attachments.NewReaper(attachmentSvc, cfg.Attachments.ReapSchedule, logger)
		if err != nil {
			return fmt.Errorf("attachment reaper: %w", err)
		}
		reaper.Start()
		defer reaper.Stop()
	} else {
		logger.Info("attachments disabled: no bucket configured")
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	orch := orchestrator.New(orchestrator.Deps{
		Store:       st,
		Locker:      store.NewSessionLocker(0),
		Client:      orchestrator.NewChatClient(client),
		Tools:       aggregator,
		Settings:    settingsStore,
		Attachments: attachmentSvc,
		Manager:     manager,
		Metrics:     metrics,
		Logger:      logger,
	}, orchestrator.Config{
		MaxToolIterations: cfg.Chat.MaxToolIterations,
		TitleModel:        cfg.Chat.TitleModel,
		PlannerModel:      cfg.Chat.PlannerModel,
	})

	handler := web.NewHandler(&web.Config{
		Orchestrator: orch,
		Store:        st,
		Attachments:  attachmentSvc,
		Manager:      manager,
		Models:       catalog,
		Metrics:      metrics,
		Logger:       logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
