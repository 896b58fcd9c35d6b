package action

import (
	"context"

	"go.uber.org/zap"
)

// LogTarget is a Target that only logs the actions it receives. It stands in
// for broadcast software during development and rehearsals.
type LogTarget struct {
	logger *zap.Logger
}

// NewLogTarget creates a log-only target
func NewLogTarget(logger *zap.Logger) *LogTarget {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogTarget{logger: logger.Named("log-target")}
}

func (t *LogTarget) SwitchScene(ctx context.Context, connection, scene string) error {
	t.logger.Info("switch scene", zap.String("connection", connection), zap.String("scene", scene))
	return nil
}

func (t *LogTarget) ShowOverlay(ctx context.Context, connection, overlay string) error {
	t.logger.Info("show overlay", zap.String("connection", connection), zap.String("overlay", overlay))
	return nil
}

func (t *LogTarget) SetRecording(ctx context.Context, connection string, recording bool) error {
	t.logger.Info("set recording", zap.String("connection", connection), zap.Bool("recording", recording))
	return nil
}

func (t *LogTarget) SaveReplay(ctx context.Context, connection string) error {
	t.logger.Info("save replay", zap.String("connection", connection))
	return nil
}
