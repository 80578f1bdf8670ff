package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/blob"
	"roomchat/internal/cleanup"
	"roomchat/internal/config"
	"roomchat/internal/db"
	"roomchat/internal/handlers"
	"roomchat/internal/realtime"
	"roomchat/internal/services"
	"roomchat/internal/store"
	"roomchat/internal/utils"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// Run starts the server and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	log, err := utils.InitLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.DevSecret() {
		log.Warn("jwt_secret_default", zap.String("hint", "set JWT_SECRET"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	durable, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := realtime.NewHub(realtime.WithLogger(log))
	defer hub.Close()
	st := store.Notifying(durable, hub, log)

	blobs, err := blob.NewDisk(cfg.UploadDir, cfg.BaseURL)
	if err != nil {
		return err
	}

	sweeper, err := cleanup.New(durable, blobs,
		cleanup.WithLogger(log),
		cleanup.WithIdle(cfg.RoomTTL),
		cleanup.WithCron(cfg.CleanupCron),
	)
	if err != nil {
		return err
	}
	sweeper.Start(ctx)

	server := NewServer(Deps{
		Store:     st,
		Hub:       hub,
		Tokens:    services.NewTokenService(cfg.JWTSecret, cfg.TokenTTL, services.WithRefreshGrace(cfg.RefreshGrace)),
		Blobs:     blobs,
		Gateway:   handlers.GatewayConfig{Rate: rate.Limit(cfg.WSRate), Burst: cfg.WSBurst},
		Logger:    log,
		AccessLog: true,
	})

	listenErr := make(chan error, 1)
	go func() {
		log.Info("server_listening", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver))
		listenErr <- server.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("server_shutting_down")
	if err := server.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Error("server_shutdown_failed", zap.Error(err))
	}
	log.Info("server_shutdown_complete")
	return nil
}

// openStore connects the configured durable store. The returned func
// releases it.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverBolt:
		b, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store_opened", zap.String("driver", "bolt"), zap.String("path", cfg.BoltPath))
		return b, closer(b, log), nil
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := db.InitDB(connectCtx, cfg.DatabaseURL, db.DefaultPoolConfig()); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return store.NewPostgres(db.Pool), db.CloseDB, nil
	}
	return nil, nil, errors.New("unknown store driver " + cfg.StoreDriver)
}

func closer(c io.Closer, log *zap.Logger) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Warn("store_close_failed", zap.Error(err))
		}
	}
}
