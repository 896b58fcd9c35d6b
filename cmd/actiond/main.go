package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/action"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/app"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		natsURL     string
		pluginPath  string
		serviceName string
	)

	cmd := &cobra.Command{
		Use:   "actiond",
		Short: "Answer broadcast action requests sent over NATS",
		Long: `actiond serves the action subjects triggerd publishes to when actions.type
is "nats". Actions are logged, or handed to a target plugin with --plugin.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("nats-url") {
				cfg.NATS.URL = natsURL
			}
			return serve(cmd.Context(), cfg, pluginPath, serviceName)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "triggerd.yaml", "Config file")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (overrides config)")
	cmd.Flags().StringVar(&pluginPath, "plugin", "", "Target plugin binary (default: log actions)")
	cmd.Flags().StringVar(&serviceName, "name", "action-target", "NATS micro service name")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, pluginPath, serviceName string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var target action.Target = action.NewLogTarget(logger)
	if pluginPath != "" {
		p, err := action.LoadPlugin(pluginPath, hclog.New(&hclog.LoggerOptions{
			Name:   "action-plugin",
			Level:  hclog.LevelFromString(cfg.LogLevel),
			Output: os.Stderr,
		}))
		if err != nil {
			return err
		}
		defer p.Close()
		target = p
	}

	nc, err := app.Connect(cfg.NATS, "actiond", logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	svc, err := action.NewService(nc, action.ServiceConfig{
		ServiceName:   serviceName,
		SubjectPrefix: cfg.Actions.SubjectPrefix,
		Timeout:       cfg.Engine.DispatchTimeout,
		Target:        target,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer svc.Stop()

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	logger.Info("action daemon started",
		zap.String("subject_prefix", cfg.Actions.SubjectPrefix),
		zap.Bool("plugin", pluginPath != ""))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info("shutting down", zap.String("signal", sig.Signal.String()))
		return nil
	}
	return err
}
