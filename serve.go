package main

import (
	"context"
	"fmt"
	"time"

	"flux_backend/core"
	"flux_backend/db"
	"flux_backend/httpapi"
	"flux_backend/logging"
	"flux_backend/metrics"
	"flux_backend/predictor"
	"flux_backend/shutdown"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve predictions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTPAddr = addr
			}
			timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

			mgr := shutdown.NewManager(logger, shutdown.WithTimeout(timeout))
			mgr.Start()
			if err := runServer(cfg, logger, mgr); err != nil {
				logger.Error("Server stopped with error", zap.Error(err))
				logger.Sync()
				return err
			}
			if code := mgr.ExitCode(); code != core.ExitCodeSuccess {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Listen address, overrides HTTP_ADDR")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Time allowed for in-flight predictions and cleanup")
	return cmd
}

// runServer sets up every component, serves until mgr's context is
// cancelled and then runs the shutdown sequence.
func runServer(cfg *core.Config, logger *logging.Logger, mgr *shutdown.Manager) (err error) {
	ctx := mgr.Context()
	mgr.Register("log sync", shutdown.PriorityLogSync, shutdown.LogSync(logger))
	defer func() {
		if shutdownErr := mgr.Shutdown(); err == nil {
			err = shutdownErr
		}
	}()

	logger.Info("Starting flux_backend",
		zap.String("version", core.Version),
		zap.String("backend", cfg.Backend),
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	m := metrics.New(metrics.DefaultStoreConfig())

	var history *db.Repository
	if cfg.DatabasePath != "" {
		if history, err = openHistory(ctx, cfg, logger, mgr); err != nil {
			return err
		}
	}

	opts := predictor.SetupOptions{Metrics: m, History: history}
	p, err := predictor.Setup(ctx, cfg, logger, opts)
	if err != nil {
		return setupFailed(err)
	}
	mgr.Register("predictor", shutdown.PriorityPredictor, shutdown.Predictor(p))

	serverConfig := httpapi.DefaultServerConfig()
	serverConfig.Addr = cfg.HTTPAddr
	serverConfig.TokenHash = cfg.APITokenHash
	serverConfig.Debug = cfg.DevMode

	var hist httpapi.History
	if history != nil {
		hist = history
	}
	srv, err := httpapi.NewServer(serverConfig, &trackedPredictor{p: p, mgr: mgr}, hist, m, logger)
	if err != nil {
		return err
	}
	mgr.Register("http server", shutdown.PriorityHTTPServer, shutdown.Server(srv))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	}
}

// openHistory opens the prediction database and registers its cleanup.
func openHistory(ctx context.Context, cfg *core.Config, logger *logging.Logger, mgr *shutdown.Manager) (*db.Repository, error) {
	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	history := db.NewRepository(database)
	history.StartAsync(db.DefaultAsyncWriterConfig(), func(rec db.PredictionRecord, err error) {
		logger.Warn("Failed to record prediction", zap.String("id", rec.ID), zap.Error(err))
	})

	retention := db.DefaultCleanupSchedulerConfig()
	retention.RetentionDays = cfg.HistoryRetentionDays
	retention.OnCleanup = func(result db.CleanupResult, err error) {
		if err != nil {
			logger.Warn("History cleanup failed", zap.Error(err))
			return
		}
		if result.PredictionsDeleted > 0 {
			logger.Info("History cleanup",
				zap.Int64("deleted", result.PredictionsDeleted),
				zap.Bool("vacuumed", result.Vacuumed),
				zap.Duration("took", result.Duration),
			)
		}
	}
	cleanupDone := database.StartCleanupScheduler(ctx, retention)

	mgr.Register("history writer", shutdown.PriorityHistory, shutdown.HistoryWriter(logger, history))
	mgr.Register("database", shutdown.PriorityDatabase, func(ctx context.Context) error {
		select {
		case <-cleanupDone:
		case <-ctx.Done():
		}
		return database.Close()
	})

	logger.Info("Prediction history enabled",
		zap.String("path", cfg.DatabasePath),
		zap.Int("retention_days", cfg.HistoryRetentionDays),
	)
	return history, nil
}

// trackedPredictor refuses new predictions once shutdown has begun and lets
// the manager wait for the ones already running.
type trackedPredictor struct {
	p   httpapi.Predictor
	mgr *shutdown.Manager
}

func (t *trackedPredictor) Predict(ctx context.Context, id string, req predictor.Request) (*predictor.Result, error) {
	var res *predictor.Result
	err := t.mgr.WrapOperation(ctx, "predict", func(ctx context.Context) error {
		var err error
		res, err = t.p.Predict(ctx, id, req)
		return err
	})
	return res, err
}

func (t *trackedPredictor) QueueDepth() int {
	return t.p.QueueDepth()
}

func (t *trackedPredictor) Busy() bool {
	return t.p.Busy()
}
