package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aussrc/possum-coordinator/internal/config"
	"github.com/aussrc/possum-coordinator/internal/messaging"
	"github.com/aussrc/possum-coordinator/internal/reconciler"
	"github.com/aussrc/possum-coordinator/internal/scheduler"
	"github.com/aussrc/possum-coordinator/internal/store"
	"github.com/aussrc/possum-coordinator/pkg/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}
		if dryRun {
			cfg.Service.DryRun = true
		}

		logLvl, err := zap.ParseAtomicLevel(cfg.Service.LogLevel)
		if err != nil {
			logLvl = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
		logger := log.InitLog(logLvl)
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("starting coordinator")
		defer zap.S().Info("coordinator stopped")
		if cfg.Service.DryRun {
			zap.S().Info("executing in dry run mode (no store updates, no publishes)")
		}

		zap.S().Info("initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		zap.S().Info("connecting to broker")
		broker, err := messaging.Connect(cfg)
		if err != nil {
			zap.S().Fatalf("connecting to broker: %v", err)
		}
		defer broker.Close()

		var publisher messaging.Publisher = broker.Publisher()
		if cfg.Service.DryRun {
			publisher = messaging.NewStdoutPublisher()
		}

		sched := scheduler.New(s, publisher, cfg)
		rec := reconciler.New(s, sched, cfg)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		go func() {
			defer cancel()
			sched.Run(ctx)
		}()

		go func() {
			defer cancel()
			if err := broker.Consume(ctx, cfg.Broker.StateQueue, rec.HandleStateMessage, cfg.Service.MessageBackoff); err != nil && ctx.Err() == nil {
				zap.S().Errorf("state consumer stopped: %v", err)
			}
		}()

		go func() {
			defer cancel()
			if err := broker.Consume(ctx, cfg.Broker.ArchiveQueue, rec.HandleArchiveMessage, cfg.Service.MessageBackoff); err != nil && ctx.Err() == nil {
				zap.S().Errorf("archive consumer stopped: %v", err)
			}
		}()

		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Service.MetricsAddress, nil); err != nil {
				zap.S().Errorf("metrics server stopped: %v", err)
			}
		}()

		<-ctx.Done()
		return nil
	},
}
