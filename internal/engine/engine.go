package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/action"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

var (
	ErrStopped  = errors.New("engine stopped")
	ErrNotEvent = errors.New("preview requires an event trigger")
)

// Executor carries out an action. *action.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, a action.Action) (action.Result, error)
}

// Config holds the collaborators and settings of an Engine
type Config struct {
	Store    trigger.Store // Optional; LoadRules and SaveRules need it
	Executor Executor
	Clock    clockwork.Clock

	LogCapacity int
	// Event types that signal a new round or match before they are evaluated
	RoundStartEvents []string
	MatchStartEvents []string

	Metrics Metrics
	Logger  *zap.Logger
}

// Decision is the outcome of one event trigger for one event
type Decision struct {
	TriggerID int64
	trigger.Decision
}

// Preview is the result of a dry-run evaluation
type Preview struct {
	CanFire bool   `json:"can_fire"`
	Reason  string `json:"reason,omitempty"`
}

// Engine owns the rule set, the dedup state and the execution log. Events
// are evaluated one at a time; dispatches and delay runs proceed in the
// background.
type Engine struct {
	rules *trigger.RuleSet
	store trigger.Store
	exec  Executor
	clock clockwork.Clock

	mu           sync.Mutex // serializes evaluation and guards the fields below
	stopped      bool
	dedup        *trigger.DedupState
	currentRound *int
	currentMatch *string

	roundStart map[string]struct{}
	matchStart map[string]struct{}

	log       *ExecutionLog
	scheduler *scheduler
	queue     *eventQueue
	inflight  sync.WaitGroup

	ctx    context.Context // parent of dispatches and delay runs
	cancel context.CancelFunc

	metrics Metrics
	logger  *zap.Logger

	// evaluateRule is trigger.Evaluate; tests replace it
	evaluateRule func(*trigger.Trigger, *vm.Program, *event.Event, trigger.RuleState, time.Time) trigger.Decision
}

// New creates an engine with an empty rule set
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.Named("engine")
	log := NewExecutionLog(cfg.LogCapacity)

	return &Engine{
		rules:      trigger.NewRuleSet(),
		store:      cfg.Store,
		exec:       cfg.Executor,
		clock:      cfg.Clock,
		dedup:      trigger.NewDedupState(),
		roundStart: toSet(cfg.RoundStartEvents),
		matchStart: toSet(cfg.MatchStartEvents),
		log:        log,
		scheduler:  newScheduler(cfg.Clock, log, cfg.Metrics, logger),
		queue:      newEventQueue(),
		ctx:        ctx,
		cancel:     cancel,
		metrics:    cfg.Metrics,
		logger:     logger,

		evaluateRule: trigger.Evaluate,
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// OnEvent queues an event for the Run loop. It returns false once the
// engine is stopped.
func (e *Engine) OnEvent(ev *event.Event) bool {
	if ev == nil {
		return false
	}
	return e.queue.Enqueue(ev)
}

// HandleEvent adapts OnEvent to event.Handler
func (e *Engine) HandleEvent(ev *event.Event) error {
	if !e.OnEvent(ev) {
		return ErrStopped
	}
	return nil
}

// Run consumes queued events until ctx is done or the engine is stopped
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", zap.Int("rules", e.rules.Len()))

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.Process(ev)
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Len() == 0 && e.queue.Closed() {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Process evaluates one event against every event trigger in list order.
// Dedup updates and records are applied before Process returns; dispatches
// and delay runs continue in the background. A stopped engine evaluates
// nothing and returns nil.
func (e *Engine) Process(ev *event.Event) []Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}
	e.observeMetric(func(m Metrics) { m.RecordEvent(ev.EventType) })
	e.observeScope(ev)

	snap := e.rules.Snapshot()
	now := e.clock.Now()

	var decisions []Decision
	for i := 0; i < snap.Len(); i++ {
		t := snap.At(i)
		if !t.IsEvent() {
			continue
		}
		d := e.evaluate(snap, i, ev, now)
		decisions = append(decisions, d)
	}
	return decisions
}

// observeScope tracks the current round and match, and clears once-per keys
// when the event type marks a new round or match.
func (e *Engine) observeScope(ev *event.Event) {
	if _, ok := e.matchStart[ev.EventType]; ok {
		e.dedup.ClearScope(trigger.ScopeMatch)
		e.dedup.ClearScope(trigger.ScopeRound)
		e.logger.Debug("match start", zap.String("event_type", ev.EventType))
	} else if _, ok := e.roundStart[ev.EventType]; ok {
		e.dedup.ClearScope(trigger.ScopeRound)
		e.logger.Debug("round start", zap.String("event_type", ev.EventType))
	}

	if ev.Round != nil {
		round := *ev.Round
		e.currentRound = &round
	}
	if ev.MatchID != nil {
		match := *ev.MatchID
		e.currentMatch = &match
	}
}

// evaluate runs one rule against the event and acts on the decision. A
// panic is confined to the rule that raised it.
func (e *Engine) evaluate(snap *trigger.Snapshot, i int, ev *event.Event, now time.Time) (d Decision) {
	t := snap.At(i)
	id := t.IDValue()
	d.TriggerID = id

	defer func() {
		if r := recover(); r != nil {
			d.Decision = trigger.Decision{Err: fmt.Errorf("%s: %v", ReasonPanic, r)}
			e.record(ExecutionRecord{
				Timestamp: now,
				TriggerID: id,
				EventType: ev.EventType,
				EventID:   ev.EventID,
				Outcome:   OutcomeFailed,
				Reason:    d.Err.Error(),
			}, ReasonPanic)
			e.logger.Error("rule evaluation panicked", zap.Int64("trigger_id", id), zap.Any("panic", r))
		}
	}()

	d.Decision = e.evaluateRule(t, snap.Criteria(i), ev, e.dedup.Get(id), now)

	rec := ExecutionRecord{
		Timestamp: now,
		TriggerID: id,
		EventType: ev.EventType,
		EventID:   ev.EventID,
	}

	switch {
	case d.Fire:
		e.dedup.MarkFired(id, now, d.ScopeKey)
		rec.Outcome = OutcomeFired
		seq := e.log.Append(rec)
		e.dispatch(t.Clone(), snap.DelayRun(i), ev, seq)
	case t.EventType != ev.EventType:
		// Rules listening for other event types leave no record
	case d.Err != nil:
		rec.Outcome = OutcomeFailed
		rec.Reason = d.Err.Error()
		e.record(rec, string(d.Reason))
		e.logger.Warn("criteria evaluation failed", zap.Int64("trigger_id", id), zap.Error(d.Err))
	default:
		rec.Outcome = OutcomeSuppressed
		rec.Reason = string(d.Reason)
		e.record(rec, rec.Reason)
	}
	return d
}

// record appends rec to the log before reporting it to the metrics collector
func (e *Engine) record(rec ExecutionRecord, metricReason string) {
	e.log.Append(rec)
	e.observeMetric(func(m Metrics) { m.RecordEvaluation(rec.Outcome, metricReason) })
}

// observeMetric calls fn with the metrics collector, if any. A panicking
// collector is logged and otherwise ignored.
func (e *Engine) observeMetric(fn func(Metrics)) {
	if e.metrics == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("metrics collector panicked", zap.Any("panic", r))
		}
	}()
	fn(e.metrics)
}

// dispatch performs the action of a fired trigger in the background and
// settles the fired record seq with the result. On success the delay
// entries that follow it start as one run. Callers hold e.mu.
func (e *Engine) dispatch(t trigger.Trigger, delays []trigger.Trigger, ev *event.Event, seq uint64) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		id := t.IDValue()
		settle := func(outcome Outcome, reason string, latency time.Duration, metricReason string) {
			e.log.Update(seq, func(r *ExecutionRecord) {
				r.Outcome = outcome
				r.Reason = reason
				r.LatencyMs = latency.Milliseconds()
			})
			e.observeMetric(func(m Metrics) { m.RecordEvaluation(outcome, metricReason) })
		}

		if e.exec == nil {
			settle(OutcomeFailed, action.ErrNoTarget.Error(), 0, "no-target")
			return
		}

		res, err := e.exec.Execute(e.ctx, action.FromTrigger(&t))
		if err != nil {
			metricReason := "action-error"
			var aerr *action.ActionError
			if errors.As(err, &aerr) && aerr.Timeout {
				metricReason = "timeout"
			}
			settle(OutcomeFailed, err.Error(), res.Latency, metricReason)
			e.logger.Warn("action failed",
				zap.Int64("trigger_id", id),
				zap.String("action", string(t.Action)),
				zap.String("connection", res.Connection),
				zap.Error(err))
			return
		}

		settle(OutcomeFired, "", res.Latency, "")
		e.logger.Info("trigger fired",
			zap.Int64("trigger_id", id),
			zap.String("event_type", ev.EventType),
			zap.String("action", string(t.Action)),
			zap.String("target", t.TargetID),
			zap.String("connection", res.Connection),
			zap.Duration("latency", res.Latency))

		if runID := e.scheduler.Start(e.ctx, id, ev, delays); runID != "" {
			e.logger.Info("delay run scheduled", zap.String("run_id", runID), zap.Int64("trigger_id", id))
		}
	}()
}

// LoadRules replaces the active rule set with the stored list
func (e *Engine) LoadRules(ctx context.Context) error {
	if e.store == nil {
		return fmt.Errorf("failed to load rules: no store configured")
	}
	list, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	return e.ApplyRules(list)
}

// SaveRules validates the list, persists it and makes it active. A list that
// fails validation or persistence leaves the active rule set unchanged.
func (e *Engine) SaveRules(ctx context.Context, list []trigger.Trigger) ([]trigger.Trigger, error) {
	normalized, err := trigger.Normalize(list)
	if err != nil {
		return nil, err
	}
	if e.store != nil {
		if err := e.store.Save(ctx, normalized); err != nil {
			return nil, fmt.Errorf("failed to save rules: %w", err)
		}
	}
	if err := e.ApplyRules(normalized); err != nil {
		return nil, err
	}
	return e.Rules(), nil
}

// ApplyRules makes list the active rule set without persisting it. Dedup
// state of edited or removed rules is cleared.
func (e *Engine) ApplyRules(list []trigger.Trigger) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.rules.Replace(list)
	if err != nil {
		return err
	}

	changed := trigger.Changed(prev, e.rules.Snapshot())
	for _, id := range changed {
		e.dedup.Reset(id)
	}
	e.observeMetric(func(m Metrics) { m.SetActiveRules(e.rules.Len()) })
	e.logger.Info("rules applied", zap.Int("rules", e.rules.Len()), zap.Int("changed", len(changed)))
	return nil
}

// Rules returns a copy of the active rule list
func (e *Engine) Rules() []trigger.Trigger {
	return e.rules.Load()
}

// Preview evaluates a rule without changing any state. With considerLimits
// the rule is checked against the live dedup state of its id; otherwise
// once-per, debounce and cooldown never suppress. A nil event is synthesized
// from the rule and the current round and match.
func (e *Engine) Preview(rule trigger.Trigger, ev *event.Event, considerLimits bool) (Preview, error) {
	if !rule.IsEvent() {
		return Preview{}, ErrNotEvent
	}

	var program *vm.Program
	if rule.Criteria != "" {
		p, err := trigger.CompileCriteria(rule.Criteria)
		if err != nil {
			return Preview{}, err
		}
		program = p
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ev == nil {
		ev = e.syntheticEvent(&rule)
	}

	var state trigger.RuleState
	if considerLimits && rule.ID != nil {
		state = e.dedup.Get(*rule.ID)
	}

	d := trigger.Evaluate(&rule, program, ev, state, e.clock.Now())
	p := Preview{CanFire: d.Fire, Reason: string(d.Reason)}
	if d.Err != nil {
		p.Reason = d.Err.Error()
	}
	return p, nil
}

// PreviewByID previews the active rule with the given id. An event without
// a type is given the rule's event type.
func (e *Engine) PreviewByID(id int64, ev *event.Event, considerLimits bool) (Preview, error) {
	t, ok := e.rules.Snapshot().ByID(id)
	if !ok {
		return Preview{}, fmt.Errorf("trigger %d not found", id)
	}
	if ev != nil && ev.EventType == "" {
		typed := *ev
		typed.EventType = t.EventType
		ev = &typed
	}
	return e.Preview(t.Clone(), ev, considerLimits)
}

func (e *Engine) syntheticEvent(rule *trigger.Trigger) *event.Event {
	ev := &event.Event{
		EventID:   "preview",
		EventType: rule.EventType,
		Timestamp: e.clock.Now().UTC(),
	}
	switch {
	case rule.ConditionRound != nil:
		round := *rule.ConditionRound
		ev.Round = &round
	case e.currentRound != nil:
		round := *e.currentRound
		ev.Round = &round
	}
	if e.currentMatch != nil {
		match := *e.currentMatch
		ev.MatchID = &match
	}
	return ev
}

// RecentLogs returns up to max execution records, newest first
func (e *Engine) RecentLogs(max int) []ExecutionRecord {
	return e.log.Recent(max)
}

// OnRoundStart clears every once-per-round key
func (e *Engine) OnRoundStart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedup.ClearScope(trigger.ScopeRound)
	e.logger.Info("round start")
}

// OnMatchStart clears every once-per-match and once-per-round key
func (e *Engine) OnMatchStart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedup.ClearScope(trigger.ScopeMatch)
	e.dedup.ClearScope(trigger.ScopeRound)
	e.currentRound = nil
	e.logger.Info("match start")
}

// ResetState forgets the dedup state of one trigger
func (e *Engine) ResetState(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedup.Reset(id)
}

// ResetAllState forgets the dedup state of every trigger
func (e *Engine) ResetAllState() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedup.ResetAll()
}

// CancelRun aborts one in-flight delay run
func (e *Engine) CancelRun(runID string) error {
	return e.scheduler.Cancel(runID)
}

// CancelAll aborts every in-flight delay run
func (e *Engine) CancelAll() int {
	return e.scheduler.CancelAll()
}

// Runs lists the in-flight delay runs
func (e *Engine) Runs() []RunInfo {
	return e.scheduler.Runs()
}

// Wait blocks until pending dispatches and the delay runs they started have
// finished. It must not run concurrently with Process; use Stop to drain a
// running engine.
func (e *Engine) Wait() {
	e.inflight.Wait()
	e.scheduler.Wait()
}

// Stop closes the event queue, cancels every delay run and waits for
// background work to drain. An evaluation in progress completes first; no
// dispatch starts afterwards.
func (e *Engine) Stop() {
	e.queue.Close()
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
	e.Wait()
}
