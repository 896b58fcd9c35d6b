package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

var (
	ErrCancelled   = errors.New(ReasonCancelled)
	ErrRunNotFound = errors.New("delay run not found")
)

// RunInfo describes an in-flight delay run
type RunInfo struct {
	ID        string    `json:"id"`
	TriggerID int64     `json:"trigger_id"` // Event trigger whose firing started the run
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id,omitempty"`
	Started   time.Time `json:"started"`
	Steps     int       `json:"steps"`
	Completed int       `json:"completed"`
}

type delayRun struct {
	info   RunInfo
	cancel context.CancelFunc
}

// scheduler executes delay runs. Each run is a goroutine that waits out its
// delay entries in order and logs one record per step.
type scheduler struct {
	mu    sync.Mutex
	runs  map[string]*delayRun
	wg    sync.WaitGroup
	clock clockwork.Clock
	log   *ExecutionLog

	metrics Metrics
	logger  *zap.Logger
}

func newScheduler(clock clockwork.Clock, log *ExecutionLog, metrics Metrics, logger *zap.Logger) *scheduler {
	return &scheduler{
		runs:    make(map[string]*delayRun),
		clock:   clock,
		log:     log,
		metrics: metrics,
		logger:  logger,
	}
}

// Start launches a run for the delay entries that follow a fired trigger.
// It returns the run id, or "" when there is nothing to run.
func (s *scheduler) Start(parent context.Context, triggerID int64, ev *event.Event, delays []trigger.Trigger) string {
	if len(delays) == 0 {
		return ""
	}

	ctx, cancel := context.WithCancel(parent)
	run := &delayRun{
		info: RunInfo{
			ID:        uuid.New().String(),
			TriggerID: triggerID,
			EventType: ev.EventType,
			EventID:   ev.EventID,
			Started:   s.clock.Now(),
			Steps:     len(delays),
		},
		cancel: cancel,
	}

	s.mu.Lock()
	s.runs[run.info.ID] = run
	active := len(s.runs)
	s.mu.Unlock()
	s.reportActive(active)

	s.logger.Debug("delay run started",
		zap.String("run_id", run.info.ID),
		zap.Int64("trigger_id", triggerID),
		zap.Int("steps", len(delays)))

	s.wg.Add(1)
	go s.execute(ctx, run, delays)
	return run.info.ID
}

func (s *scheduler) execute(ctx context.Context, run *delayRun, delays []trigger.Trigger) {
	defer s.wg.Done()
	defer s.finish(run)

	for i := range delays {
		d := &delays[i]
		record := ExecutionRecord{
			Timestamp: s.clock.Now(),
			TriggerID: d.IDValue(),
			EventType: run.info.EventType,
			EventID:   run.info.EventID,
			RunID:     run.info.ID,
		}
		start := record.Timestamp

		select {
		case <-ctx.Done():
			record.Outcome = OutcomeFailed
			record.Reason = ErrCancelled.Error()
			s.log.Append(record)
			s.logger.Info("delay run cancelled",
				zap.String("run_id", run.info.ID),
				zap.Int64("trigger_id", run.info.TriggerID),
				zap.Int("completed", i))
			return
		case <-s.clock.After(d.Delay()):
		}

		record.Timestamp = s.clock.Now()
		record.Outcome = OutcomeFired
		record.Reason = ReasonDelayElapsed
		record.LatencyMs = record.Timestamp.Sub(start).Milliseconds()
		s.log.Append(record)

		s.mu.Lock()
		run.info.Completed = i + 1
		s.mu.Unlock()
	}
}

func (s *scheduler) finish(run *delayRun) {
	run.cancel()

	s.mu.Lock()
	delete(s.runs, run.info.ID)
	active := len(s.runs)
	s.mu.Unlock()
	s.reportActive(active)
}

func (s *scheduler) reportActive(n int) {
	if s.metrics == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("metrics collector panicked", zap.Any("panic", r))
		}
	}()
	s.metrics.SetActiveRuns(n)
}

// Cancel aborts one run. Other runs are unaffected.
func (s *scheduler) Cancel(id string) error {
	s.mu.Lock()
	run, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run.cancel()
	return nil
}

// CancelAll aborts every in-flight run and returns how many were signalled
func (s *scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.cancel()
	}
	return len(s.runs)
}

// Runs lists the in-flight runs, oldest first
func (s *scheduler) Runs() []RunInfo {
	s.mu.Lock()
	out := make([]RunInfo, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID < out[j].ID
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Wait blocks until every run has finished
func (s *scheduler) Wait() {
	s.wg.Wait()
}
