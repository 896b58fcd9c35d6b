package action

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

// DefaultTimeout bounds a dispatch when the dispatcher is built without one
const DefaultTimeout = 5 * time.Second

// Result describes a completed dispatch
type Result struct {
	Connection string        // Connection the action was sent to
	Latency    time.Duration // Time spent in the collaborator call
}

// Dispatcher maps an action kind onto one collaborator call. It holds no
// per-action state and never retries.
type Dispatcher struct {
	targets     Targets
	defaultConn atomic.Pointer[string]
	timeout     time.Duration
	metrics     MetricsCollector
	logger      *zap.Logger
}

// DispatcherConfig holds the configuration for the dispatcher
type DispatcherConfig struct {
	Targets           Targets
	DefaultConnection string
	Timeout           time.Duration
	Metrics           MetricsCollector
	Logger            *zap.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	d := &Dispatcher{
		targets: cfg.Targets,
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.Named("dispatcher"),
	}
	d.SetDefaultConnection(cfg.DefaultConnection)
	return d
}

// SetDefaultConnection changes the connection used by actions without one.
// Actions resolve it when they are dispatched, so rules need no edit.
func (d *Dispatcher) SetDefaultConnection(name string) {
	d.defaultConn.Store(&name)
}

// DefaultConnection returns the current default connection
func (d *Dispatcher) DefaultConnection() string {
	return *d.defaultConn.Load()
}

// Timeout returns the per-dispatch bound
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Execute carries out the action, bounded by the dispatcher timeout and by
// ctx. Collaborator failures and timeouts are returned as *ActionError.
func (d *Dispatcher) Execute(ctx context.Context, a Action) (Result, error) {
	conn := d.DefaultConnection()
	if a.Connection != nil {
		conn = *a.Connection
	}

	call, err := d.route(a, conn)
	if err != nil {
		return Result{Connection: conn}, &ActionError{Kind: a.Kind, Connection: conn, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- call(ctx)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	res := Result{Connection: conn, Latency: time.Since(start)}

	status := "success"
	if err != nil {
		status = "error"
		aerr := &ActionError{Kind: a.Kind, Connection: conn, Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			aerr.Timeout = true
			status = "timeout"
		}
		err = aerr
	}

	if d.metrics != nil {
		d.metrics.RecordDispatch(string(a.Kind), res.Latency.Seconds(), status)
	}
	d.logger.Debug("action dispatched",
		zap.String("kind", string(a.Kind)),
		zap.String("target", a.TargetID),
		zap.String("connection", conn),
		zap.Duration("latency", res.Latency),
		zap.String("status", status))

	return res, err
}

func (d *Dispatcher) route(a Action, conn string) (func(context.Context) error, error) {
	switch a.Kind {
	case trigger.ActionScene:
		if d.targets.Scenes == nil {
			return nil, ErrNoTarget
		}
		if a.TargetID == "" {
			return nil, ErrNoTargetID
		}
		return func(ctx context.Context) error { return d.targets.Scenes.SwitchScene(ctx, conn, a.TargetID) }, nil
	case trigger.ActionOverlay:
		if d.targets.Overlays == nil {
			return nil, ErrNoTarget
		}
		if a.TargetID == "" {
			return nil, ErrNoTargetID
		}
		return func(ctx context.Context) error { return d.targets.Overlays.ShowOverlay(ctx, conn, a.TargetID) }, nil
	case trigger.ActionRecordStart, trigger.ActionRecordStop:
		if d.targets.Recorder == nil {
			return nil, ErrNoTarget
		}
		recording := a.Kind == trigger.ActionRecordStart
		return func(ctx context.Context) error { return d.targets.Recorder.SetRecording(ctx, conn, recording) }, nil
	case trigger.ActionReplaySave:
		if d.targets.Replay == nil {
			return nil, ErrNoTarget
		}
		return func(ctx context.Context) error { return d.targets.Replay.SaveReplay(ctx, conn) }, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, a.Kind)
	}
}
