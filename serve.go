package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kanban-api/api"
	"kanban-api/config"
	"kanban-api/domain"
	"kanban-api/events"
	"kanban-api/storage"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the board HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the config")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	backend, err := storage.Open(ctx, storageOptions(cfg))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer backend.Close()

	store := backend
	broker := events.NewBroker()
	publishers := []events.Publisher{broker}
	if cfg.Redis.ConnectionString != "" {
		rc, err := storage.NewRedisClient(cfg.Redis.ConnectionString)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rc.Close()
		store = storage.NewCache(backend, rc, cfg.Redis.CacheTTL, logger)
		// Events go round Redis so every instance's streams see them.
		publishers = []events.Publisher{events.NewRedisPublisher(rc, cfg.Redis.EventsChannel)}
		go events.Subscribe(ctx, logger, rc, cfg.Redis.EventsChannel, broker.Handle)
	}
	if cfg.Events.Queue != "" {
		q, err := storage.NewQueueClient(cfg.Store.ConnectionString, cfg.Events.Queue)
		if err != nil {
			return fmt.Errorf("events queue: %w", err)
		}
		publishers = append(publishers, events.NewQueuePublisher(q))
	}

	dispatcher := events.NewDispatcher(events.Config{
		Workers:        cfg.Events.Workers,
		Buffer:         cfg.Events.Buffer,
		PublishTimeout: cfg.Events.PublishTimeout,
		HandoffTimeout: cfg.Events.HandoffTimeout,
	}, logger, publishers...)
	defer dispatcher.Close()

	svc := domain.NewService(store, domain.Options{
		Stages:          cfg.Board.Stages,
		ConflictRetries: cfg.Board.ConflictRetries,
		LayoutMode:      domain.LayoutMode(cfg.Board.LayoutMode),
		Notifier:        dispatcher,
		Logger:          logger,
	})

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.Serializer{}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Prefer"},
	}))
	e.Use(api.GzipRequestMiddleware())
	api.Register(e, api.FromDomain(svc), store, broker, logger)

	// Requests inherit ctx so open streams end on shutdown.
	e.Server.BaseContext = func(net.Listener) context.Context { return ctx }

	logger.WithFields(log.Fields{
		"addr":   cfg.Server.Addr,
		"store":  cfg.Store.Driver,
		"layout": cfg.Board.LayoutMode,
		"redis":  cfg.Redis.ConnectionString != "",
	}).Info("kanban api starting")

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(cfg.Server.Addr) }()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("kanban api stopped")
	return nil
}
