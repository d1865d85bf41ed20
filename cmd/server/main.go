package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenBenchCore/internal/config"
	"github.com/KevinKickass/OpenBenchCore/internal/logging"
	"github.com/KevinKickass/OpenBenchCore/internal/storage"
	"github.com/KevinKickass/OpenBenchCore/internal/system"
	"github.com/KevinKickass/OpenBenchCore/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "openbenchcore",
		Short:         "Lab pump and power-supply orchestration server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", configPath))

	opts := system.Options{}

	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		cancel()
		if err != nil {
			logger.Error("Failed to connect to database", zap.Error(err))
			return err
		}
		defer db.Close()
		opts.Storage = db
		logger.Info("Database connected successfully")
	}

	if cfg.MQTT.Enabled {
		pub, err := telemetry.Connect(cfg.MQTT, logger)
		if err != nil {
			logger.Error("Failed to connect to MQTT broker", zap.Error(err))
			return err
		}
		defer pub.Close()
		opts.Telemetry = pub
		logger.Info("MQTT telemetry enabled", zap.String("broker", cfg.MQTT.Broker))
	}

	lifecycle := system.NewLifecycleManager(cfg, opts, logger)

	shutdown := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return lifecycle.Shutdown(ctx)
	}

	if err := lifecycle.Start(); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		if serr := shutdown(); serr != nil {
			logger.Error("Shutdown failed", zap.Error(serr))
		}
		return err
	}

	logger.Info("OpenBenchCore started successfully")

	// Graceful shutdown on signal or on the REST shutdown endpoint
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		if err := shutdown(); err != nil {
			logger.Error("Shutdown failed", zap.Error(err))
			return err
		}
	case <-lifecycle.Done():
		logger.Info("Shutdown requested via API")
	}

	logger.Info("OpenBenchCore stopped successfully")
	return nil
}
