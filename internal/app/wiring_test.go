package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/config"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

func TestOpenStore(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	for _, cfg := range []config.StoreConfig{
		{Type: config.StoreMemory},
		{Type: config.StoreFile, Path: filepath.Join(dir, "rules.yaml")},
		{Type: config.StoreSQLite, Path: filepath.Join(dir, "rules.db")},
	} {
		t.Run(cfg.Type, func(t *testing.T) {
			store, err := OpenStore(cfg, nil, logger)
			require.NoError(t, err)
			defer store.Close()

			list, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Empty(t, list)

			require.NoError(t, store.Save(context.Background(), []trigger.Trigger{{Kind: trigger.KindDelay, DelayMs: 10}}))
		})
	}

	_, err := OpenStore(config.StoreConfig{Type: config.StoreNATS, Bucket: "b"}, nil, logger)
	assert.Error(t, err)
	_, err = OpenStore(config.StoreConfig{Type: "etcd"}, nil, logger)
	assert.Error(t, err)
}

func TestOpenTargets(t *testing.T) {
	logger := zaptest.NewLogger(t)

	targets, release, err := OpenTargets(config.ActionsConfig{Type: config.ActionsNone}, "info", nil, logger)
	require.NoError(t, err)
	defer release()
	assert.NotNil(t, targets.Scenes)
	assert.NotNil(t, targets.Replay)

	_, release, err = OpenTargets(config.ActionsConfig{Type: config.ActionsNATS}, "info", nil, logger)
	assert.Error(t, err)
	assert.NotNil(t, release)

	_, _, err = OpenTargets(config.ActionsConfig{Type: config.ActionsPlugin, PluginPath: "/nonexistent"}, "info", nil, logger)
	assert.Error(t, err)
}
