// Package app builds the runtime collaborators described by a config.Config.
package app

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/action"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/config"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

// Connect dials NATS and logs connection state changes
func Connect(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// OpenStore opens the configured rule store. nc is only used by the nats store.
func OpenStore(cfg config.StoreConfig, nc *nats.Conn, logger *zap.Logger) (trigger.Store, error) {
	var (
		store trigger.Store
		err   error
	)
	switch cfg.Type {
	case config.StoreNATS:
		if nc == nil {
			return nil, fmt.Errorf("nats store requires a NATS connection")
		}
		store, err = asStore(trigger.NewNATSStore(nc, cfg.Bucket, logger))
	case config.StoreFile:
		store, err = asStore(trigger.NewFileStore(cfg.Path))
	case config.StoreSQLite:
		store, err = asStore(trigger.OpenSQLiteStore(cfg.Path))
	case config.StoreMemory:
		store = trigger.NewMemoryStore(nil)
	default:
		err = fmt.Errorf("unknown store type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// asStore keeps a typed nil from becoming a non-nil interface
func asStore[S trigger.Store](s S, err error) (trigger.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenTargets builds the action targets. The returned function releases
// them; it is never nil.
func OpenTargets(cfg config.ActionsConfig, logLevel string, nc *nats.Conn, logger *zap.Logger) (action.Targets, func(), error) {
	noop := func() {}

	switch cfg.Type {
	case config.ActionsNATS:
		if nc == nil {
			return action.Targets{}, noop, fmt.Errorf("nats actions require a NATS connection")
		}
		return action.TargetsFrom(action.NewNATSTarget(nc, cfg.SubjectPrefix)), noop, nil
	case config.ActionsPlugin:
		target, err := action.LoadPlugin(cfg.PluginPath, hclog.New(&hclog.LoggerOptions{
			Name:   "action-plugin",
			Level:  hclog.LevelFromString(logLevel),
			Output: os.Stderr,
		}))
		if err != nil {
			return action.Targets{}, noop, err
		}
		return action.TargetsFrom(target), target.Close, nil
	case config.ActionsNone:
		return action.TargetsFrom(action.NewLogTarget(logger)), noop, nil
	default:
		return action.Targets{}, noop, fmt.Errorf("unknown actions type %q", cfg.Type)
	}
}
