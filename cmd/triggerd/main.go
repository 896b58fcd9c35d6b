package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/action"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/app"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/config"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/control"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/engine"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		natsURL    string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "triggerd",
		Short:        "Run the trigger rule engine",
		Long:         "triggerd consumes scoring events from JetStream, evaluates the trigger rules and dispatches broadcast actions.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("nats-url") {
				cfg.NATS.URL = natsURL
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "triggerd.yaml", "Config file")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	nc, err := app.Connect(cfg.NATS, "triggerd", logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if err := event.EnsureStream(js, cfg.NATS.Stream, cfg.NATS.Subject); err != nil {
		return err
	}

	store, err := app.OpenStore(cfg.Store, nc, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewPrometheusMetrics(registry)

	targets, release, err := app.OpenTargets(cfg.Actions, cfg.LogLevel, nc, logger)
	if err != nil {
		return err
	}
	defer release()

	dispatcher := action.NewDispatcher(action.DispatcherConfig{
		Targets:           targets,
		DefaultConnection: cfg.Actions.DefaultConnection,
		Timeout:           cfg.Engine.DispatchTimeout,
		Metrics:           metrics,
		Logger:            logger,
	})

	eng := engine.New(engine.Config{
		Store:            store,
		Executor:         dispatcher,
		LogCapacity:      cfg.Engine.LogCapacity,
		RoundStartEvents: cfg.Engine.RoundStartEvents,
		MatchStartEvents: cfg.Engine.MatchStartEvents,
		Metrics:          metrics,
		Logger:           logger,
	})
	defer eng.Stop()

	loadCtx, cancelLoad := context.WithTimeout(ctx, 10*time.Second)
	err = eng.LoadRules(loadCtx)
	cancelLoad()
	if err != nil {
		return err
	}

	svc, err := control.NewService(nc, control.ServiceConfig{
		ServiceName: cfg.Control.ServiceName,
		Controller:  eng,
		RuleCount:   func() int { return len(eng.Rules()) },
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer svc.Stop()

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return eng.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		watcher, err := event.NewWatcher(nc, event.WatcherConfig{
			StreamName:    cfg.NATS.Stream,
			Subject:       cfg.NATS.Subject,
			QueueGroup:    cfg.NATS.QueueGroup,
			DurableName:   cfg.NATS.Durable,
			AckWait:       cfg.NATS.AckWait,
			MaxDeliveries: cfg.NATS.MaxDeliveries,
		}, eng.HandleEvent, logger)
		if err != nil {
			cancel()
			return err
		}
		g.Add(func() error {
			if err := watcher.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
			watcher.Stop()
		})
	}

	if kv, ok := store.(*trigger.NATSStore); ok {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			err := kv.Watch(ctx, func(list []trigger.Trigger) {
				if err := eng.ApplyRules(list); err != nil {
					logger.Error("rejected rule update", zap.Error(err))
					return
				}
				logger.Info("rules updated from store", zap.Int("rules", len(list)))
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Listen))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	logger.Info("trigger daemon started",
		zap.Int("rules", len(eng.Rules())),
		zap.String("store", cfg.Store.Type),
		zap.String("actions", cfg.Actions.Type))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info("shutting down", zap.String("signal", sig.Signal.String()))
		return nil
	}
	return err
}
