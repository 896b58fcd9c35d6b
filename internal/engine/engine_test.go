package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/action"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

type fakeExecutor struct {
	mu      sync.Mutex
	actions []action.Action
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, a action.Action) (action.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	if f.err != nil {
		return action.Result{Connection: "default"}, &action.ActionError{Kind: a.Kind, Connection: "default", Err: f.err}
	}
	return action.Result{Connection: "default", Latency: 3 * time.Millisecond}, nil
}

func (f *fakeExecutor) Actions() []action.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]action.Action(nil), f.actions...)
}

var epoch = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, cfg Config, rules ...trigger.Trigger) (*Engine, clockwork.FakeClock, *fakeExecutor) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	exec := &fakeExecutor{}
	cfg.Clock = clock
	cfg.Executor = exec
	cfg.Logger = zaptest.NewLogger(t)

	e := New(cfg)
	require.NoError(t, e.ApplyRules(rules))
	t.Cleanup(e.Stop)
	return e, clock, exec
}

func eventRule(id int64, eventType string) trigger.Trigger {
	return trigger.Trigger{
		ID:         trigger.Ptr(id),
		Kind:       trigger.KindEvent,
		EventType:  eventType,
		Action:     trigger.ActionScene,
		TargetType: trigger.TargetScene,
		TargetID:   "Scene",
		Enabled:    true,
	}
}

func delayRule(id int64, ms uint64) trigger.Trigger {
	return trigger.Trigger{ID: trigger.Ptr(id), Kind: trigger.KindDelay, DelayMs: ms}
}

type outcome struct {
	Outcome Outcome
	Reason  string
}

// history returns the records of one trigger, oldest first
func history(e *Engine, id int64) []outcome {
	var out []outcome
	recs := e.RecentLogs(0)
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].TriggerID == id {
			out = append(out, outcome{recs[i].Outcome, recs[i].Reason})
		}
	}
	return out
}

func send(e *Engine, ev *event.Event) []Decision {
	d := e.Process(ev)
	e.Wait()
	return d
}

func TestDebounce(t *testing.T) {
	rule := eventRule(1, "wrd")
	rule.DebounceMs = trigger.Ptr(int64(200))
	e, clock, exec := newTestEngine(t, Config{}, rule)

	send(e, event.NewEvent("wrd"))
	clock.Advance(150 * time.Millisecond)
	send(e, event.NewEvent("wrd"))

	assert.Equal(t, []outcome{
		{OutcomeFired, ""},
		{OutcomeSuppressed, string(trigger.ReasonDebounced)},
	}, history(e, 1))
	assert.Len(t, exec.Actions(), 1)

	clock.Advance(100 * time.Millisecond)
	send(e, event.NewEvent("wrd"))
	assert.Len(t, exec.Actions(), 2)
}

func TestOncePerRoundWithReset(t *testing.T) {
	rule := eventRule(1, "ppt")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeRound)
	e, _, exec := newTestEngine(t, Config{}, rule)

	for i := 0; i < 4; i++ {
		send(e, event.NewEvent("ppt").WithRound(2))
	}
	h := history(e, 1)
	require.Len(t, h, 4)
	assert.Equal(t, outcome{OutcomeFired, ""}, h[0])
	for _, o := range h[1:] {
		assert.Equal(t, outcome{OutcomeSuppressed, string(trigger.ReasonOncePerExhausted)}, o)
	}

	e.OnRoundStart()
	send(e, event.NewEvent("ppt").WithRound(2))
	assert.Equal(t, outcome{OutcomeFired, ""}, history(e, 1)[4])
	assert.Len(t, exec.Actions(), 2)
}

func TestOncePerMatch(t *testing.T) {
	rule := eventRule(1, "win")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeMatch)
	e, _, exec := newTestEngine(t, Config{}, rule)

	send(e, event.NewEvent("win").WithMatch("M1"))
	send(e, event.NewEvent("win").WithMatch("M1"))
	send(e, event.NewEvent("win").WithMatch("M2"))
	assert.Len(t, exec.Actions(), 2)

	e.OnRoundStart()
	send(e, event.NewEvent("win").WithMatch("M2"))
	assert.Len(t, exec.Actions(), 2, "round start keeps match keys")

	e.OnMatchStart()
	send(e, event.NewEvent("win").WithMatch("M2"))
	assert.Len(t, exec.Actions(), 3)
}

func TestCooldown(t *testing.T) {
	rule := eventRule(1, "clk")
	rule.CooldownMs = trigger.Ptr(int64(1000))
	e, clock, _ := newTestEngine(t, Config{}, rule)

	send(e, event.NewEvent("clk"))
	clock.Advance(500 * time.Millisecond)
	send(e, event.NewEvent("clk"))

	assert.Equal(t, []outcome{
		{OutcomeFired, ""},
		{OutcomeSuppressed, string(trigger.ReasonCoolingDown)},
	}, history(e, 1))
}

func TestWrdScenario(t *testing.T) {
	rule := eventRule(1, "wrd")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeRound)
	rule.DebounceMs = trigger.Ptr(int64(200))
	e, clock, _ := newTestEngine(t, Config{}, rule)

	wrd := func() *event.Event { return event.NewEvent("wrd").WithRound(3) }

	send(e, wrd())
	clock.Advance(100 * time.Millisecond)
	send(e, wrd())
	clock.Advance(900 * time.Millisecond)
	send(e, wrd())
	e.OnRoundStart()
	clock.Advance(time.Millisecond)
	send(e, wrd())

	assert.Equal(t, []outcome{
		{OutcomeFired, ""},
		{OutcomeSuppressed, string(trigger.ReasonDebounced)},
		{OutcomeSuppressed, string(trigger.ReasonOncePerExhausted)},
		{OutcomeFired, ""},
	}, history(e, 1))
}

func TestDelayChain(t *testing.T) {
	a := eventRule(1, "wrd")
	d := delayRule(2, 500)
	b := eventRule(3, "wrd")
	b.Action = trigger.ActionOverlay
	b.TargetType = trigger.TargetOverlay
	e, clock, exec := newTestEngine(t, Config{}, a, d, b)

	e.Process(event.NewEvent("wrd"))
	clock.BlockUntil(1)

	runs := e.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1), runs[0].TriggerID)
	assert.Equal(t, 1, runs[0].Steps)

	clock.Advance(500 * time.Millisecond)
	e.Wait()

	kinds := []trigger.ActionKind{}
	for _, act := range exec.Actions() {
		kinds = append(kinds, act.Kind)
	}
	assert.ElementsMatch(t, []trigger.ActionKind{trigger.ActionScene, trigger.ActionOverlay}, kinds)

	assert.Equal(t, []outcome{{OutcomeFired, ReasonDelayElapsed}}, history(e, 2))

	var runRecords []ExecutionRecord
	for _, r := range e.RecentLogs(0) {
		if r.RunID != "" {
			runRecords = append(runRecords, r)
		}
	}
	require.Len(t, runRecords, 1)
	assert.Equal(t, runs[0].ID, runRecords[0].RunID)
	assert.Equal(t, int64(500), runRecords[0].LatencyMs)
	assert.Empty(t, e.Runs())
}

func TestDelayRunSequence(t *testing.T) {
	e, clock, _ := newTestEngine(t, Config{},
		eventRule(1, "rnd"), delayRule(2, 100), delayRule(3, 200), eventRule(4, "x"), delayRule(5, 300))

	e.Process(event.NewEvent("rnd"))
	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(200 * time.Millisecond)
	e.Wait()

	assert.Equal(t, []outcome{{OutcomeFired, ReasonDelayElapsed}}, history(e, 2))
	assert.Equal(t, []outcome{{OutcomeFired, ReasonDelayElapsed}}, history(e, 3))
	assert.Empty(t, history(e, 5), "delay run stops at the next event entry")
}

func TestCancelRun(t *testing.T) {
	e, clock, _ := newTestEngine(t, Config{}, eventRule(1, "wrd"), delayRule(2, 10_000))

	e.Process(event.NewEvent("wrd"))
	clock.BlockUntil(1)
	runs := e.Runs()
	require.Len(t, runs, 1)

	require.NoError(t, e.CancelRun(runs[0].ID))
	e.Wait()

	assert.Equal(t, []outcome{{OutcomeFailed, ReasonCancelled}}, history(e, 2))
	assert.Empty(t, e.Runs())

	err := e.CancelRun(runs[0].ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCancelAll(t *testing.T) {
	e, clock, _ := newTestEngine(t, Config{},
		eventRule(1, "a"), delayRule(2, 1000), eventRule(3, "b"), delayRule(4, 1000))

	e.Process(event.NewEvent("a"))
	e.Process(event.NewEvent("b"))
	clock.BlockUntil(2)

	assert.Equal(t, 2, e.CancelAll())
	e.Wait()
	assert.Equal(t, []outcome{{OutcomeFailed, ReasonCancelled}}, history(e, 2))
	assert.Equal(t, []outcome{{OutcomeFailed, ReasonCancelled}}, history(e, 4))
}

func TestFailedDispatchStartsNoRun(t *testing.T) {
	rule := eventRule(1, "wrd")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeRound)
	e, _, exec := newTestEngine(t, Config{}, rule, delayRule(2, 500))
	exec.err = errors.New("obs unreachable")

	send(e, event.NewEvent("wrd").WithRound(1))
	h := history(e, 1)
	require.Len(t, h, 1)
	assert.Equal(t, OutcomeFailed, h[0].Outcome)
	assert.Contains(t, h[0].Reason, "obs unreachable")
	assert.Empty(t, history(e, 2))
	assert.Empty(t, e.Runs())

	send(e, event.NewEvent("wrd").WithRound(1))
	assert.Equal(t, outcome{OutcomeSuppressed, string(trigger.ReasonOncePerExhausted)}, history(e, 1)[1],
		"a failed attempt still counts as fired")
}

func TestNoRecordForOtherEventTypes(t *testing.T) {
	disabled := eventRule(2, "win")
	disabled.Enabled = false
	e, _, _ := newTestEngine(t, Config{}, eventRule(1, "wrd"), disabled)

	decisions := send(e, event.NewEvent("rnd"))
	require.Len(t, decisions, 2)
	assert.Equal(t, trigger.ReasonEventMismatch, decisions[0].Reason)
	assert.Equal(t, trigger.ReasonDisabled, decisions[1].Reason)
	assert.Zero(t, e.log.Len())

	send(e, event.NewEvent("win"))
	assert.Equal(t, []outcome{{OutcomeSuppressed, string(trigger.ReasonDisabled)}}, history(e, 2))
}

func TestCriteria(t *testing.T) {
	rule := eventRule(1, "pt")
	rule.Criteria = `event.round != nil && event.round >= 2`
	e, _, exec := newTestEngine(t, Config{}, rule)

	send(e, event.NewEvent("pt").WithRound(1))
	send(e, event.NewEvent("pt").WithRound(2))
	send(e, event.NewEvent("pt"))

	assert.Equal(t, []outcome{
		{OutcomeSuppressed, string(trigger.ReasonCriteriaMismatch)},
		{OutcomeFired, ""},
		{OutcomeSuppressed, string(trigger.ReasonCriteriaMismatch)},
	}, history(e, 1))
	assert.Len(t, exec.Actions(), 1)
}

func TestImplicitRoundStart(t *testing.T) {
	rule := eventRule(1, "wrd")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeRound)
	e, _, exec := newTestEngine(t, Config{RoundStartEvents: []string{"rnd"}}, rule)

	send(e, event.NewEvent("wrd").WithRound(1))
	send(e, event.NewEvent("wrd").WithRound(1))
	send(e, event.NewEvent("rnd").WithRound(1))
	send(e, event.NewEvent("wrd").WithRound(1))
	assert.Len(t, exec.Actions(), 2)
}

func TestSaveRules(t *testing.T) {
	store := trigger.NewMemoryStore(nil)
	rule := eventRule(7, "wrd")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeRound)
	unnumbered := eventRule(0, "clk")
	unnumbered.ID = nil
	e, _, exec := newTestEngine(t, Config{Store: store})

	saved, err := e.SaveRules(context.Background(), []trigger.Trigger{rule, unnumbered})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, int64(8), saved[1].IDValue())
	assert.Equal(t, 1, saved[1].Priority)

	t.Run("Idempotent", func(t *testing.T) {
		send(e, event.NewEvent("wrd").WithRound(1))
		again, err := e.SaveRules(context.Background(), e.Rules())
		require.NoError(t, err)
		assert.Equal(t, saved, again)

		send(e, event.NewEvent("wrd").WithRound(1))
		assert.Len(t, exec.Actions(), 1, "saving an unchanged list keeps dedup state")
	})

	t.Run("EditClearsState", func(t *testing.T) {
		list := e.Rules()
		list[0].TargetID = "Other"
		_, err := e.SaveRules(context.Background(), list)
		require.NoError(t, err)

		send(e, event.NewEvent("wrd").WithRound(1))
		assert.Len(t, exec.Actions(), 2)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		fresh := New(Config{Store: store})
		require.NoError(t, fresh.LoadRules(context.Background()))
		assert.Equal(t, e.Rules(), fresh.Rules())
	})

	t.Run("InvalidKeepsPrevious", func(t *testing.T) {
		before := e.Rules()
		bad := append(e.Rules(), eventRule(7, "dup"))
		_, err := e.SaveRules(context.Background(), bad)

		var verr *trigger.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, before, e.Rules())

		stored, err := store.Load(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before, stored)
	})
}

type failingStore struct{ trigger.Store }

func (failingStore) Save(context.Context, []trigger.Trigger) error { return errors.New("disk full") }

func TestSaveRulesPersistFailure(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{Store: failingStore{trigger.NewMemoryStore(nil)}}, eventRule(1, "a"))

	_, err := e.SaveRules(context.Background(), []trigger.Trigger{eventRule(2, "b")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, e.Rules(), 1)
	assert.Equal(t, int64(1), e.Rules()[0].IDValue())
}

func TestPreviewDoesNotMutate(t *testing.T) {
	rule := eventRule(1, "wrd")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeRound)
	rule.CooldownMs = trigger.Ptr(int64(5000))
	e, _, exec := newTestEngine(t, Config{}, rule)
	ev := event.NewEvent("wrd").WithRound(1)

	for i := 0; i < 3; i++ {
		p, err := e.Preview(rule, ev, false)
		require.NoError(t, err)
		assert.True(t, p.CanFire)
	}
	assert.Empty(t, exec.Actions())
	assert.Zero(t, e.log.Len())

	send(e, ev)
	assert.Equal(t, []outcome{{OutcomeFired, ""}}, history(e, 1))

	p, err := e.Preview(rule, ev, true)
	require.NoError(t, err)
	assert.False(t, p.CanFire)
	assert.Equal(t, string(trigger.ReasonOncePerExhausted), p.Reason)

	p, err = e.Preview(rule, ev, false)
	require.NoError(t, err)
	assert.True(t, p.CanFire)

	send(e, ev)
	assert.Equal(t, outcome{OutcomeSuppressed, string(trigger.ReasonOncePerExhausted)}, history(e, 1)[1])
	assert.Len(t, exec.Actions(), 1)
}

func TestPreviewSynthesizesEvent(t *testing.T) {
	rule := eventRule(1, "wrd")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeRound)
	e, _, _ := newTestEngine(t, Config{}, rule)

	send(e, event.NewEvent("wrd").WithRound(2))

	p, err := e.PreviewByID(1, nil, true)
	require.NoError(t, err)
	assert.Equal(t, string(trigger.ReasonOncePerExhausted), p.Reason)

	round := rule
	round.ConditionRound = trigger.Ptr(3)
	p, err = e.Preview(round, nil, false)
	require.NoError(t, err)
	assert.True(t, p.CanFire)

	_, err = e.Preview(delayRule(9, 10), nil, false)
	assert.ErrorIs(t, err, ErrNotEvent)

	p, err = e.PreviewByID(1, &event.Event{Round: trigger.Ptr(5)}, true)
	require.NoError(t, err)
	assert.True(t, p.CanFire, "untyped event takes the rule's type")

	_, err = e.PreviewByID(42, nil, false)
	assert.Error(t, err)
}

func TestResetState(t *testing.T) {
	rule := eventRule(1, "wrd")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeMatch)
	e, _, exec := newTestEngine(t, Config{}, rule)

	send(e, event.NewEvent("wrd"))
	send(e, event.NewEvent("wrd"))
	assert.Len(t, exec.Actions(), 1)

	e.ResetState(1)
	send(e, event.NewEvent("wrd"))
	assert.Len(t, exec.Actions(), 2)

	e.ResetAllState()
	send(e, event.NewEvent("wrd"))
	assert.Len(t, exec.Actions(), 3)
}

func TestRunLoop(t *testing.T) {
	e, _, exec := newTestEngine(t, Config{}, eventRule(1, "wrd"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	assert.True(t, e.OnEvent(event.NewEvent("wrd")))
	require.NoError(t, e.HandleEvent(event.NewEvent("wrd")))

	require.Eventually(t, func() bool {
		return len(exec.Actions()) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, e.OnEvent(event.NewEvent("wrd")))
	assert.ErrorIs(t, e.HandleEvent(event.NewEvent("wrd")), ErrStopped)
}

func TestRunStopsWhenQueueCloses(t *testing.T) {
	e := New(Config{Logger: zaptest.NewLogger(t)})
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestPanicInOneRule(t *testing.T) {
	e, _, exec := newTestEngine(t, Config{}, eventRule(1, "wrd"), eventRule(2, "wrd"))
	e.evaluateRule = func(r *trigger.Trigger, p *vm.Program, ev *event.Event, s trigger.RuleState, now time.Time) trigger.Decision {
		if r.IDValue() == 1 {
			panic("boom")
		}
		return trigger.Evaluate(r, p, ev, s, now)
	}

	decisions := send(e, event.NewEvent("wrd"))
	require.Len(t, decisions, 2)
	assert.Error(t, decisions[0].Err)
	assert.True(t, decisions[1].Fire)

	assert.Equal(t, []outcome{{OutcomeFailed, "panic: boom"}}, history(e, 1))
	assert.Equal(t, []outcome{{OutcomeFired, ""}}, history(e, 2))
	assert.Len(t, exec.Actions(), 1)
}

type panickingMetrics struct{}

func (panickingMetrics) RecordEvent(string) { panic("event") }
func (panickingMetrics) RecordEvaluation(Outcome, string) { panic("evaluation") }
func (panickingMetrics) SetActiveRules(int) { panic("rules") }
func (panickingMetrics) SetActiveRuns(int) { panic("runs") }

func TestPanickingMetricsCollector(t *testing.T) {
	rule := eventRule(1, "wrd")
	rule.ConditionOncePer = trigger.Ptr(trigger.ScopeRound)
	e, _, exec := newTestEngine(t, Config{Metrics: panickingMetrics{}}, rule, eventRule(2, "wrd"))

	send(e, event.NewEvent("wrd").WithRound(1))
	send(e, event.NewEvent("wrd").WithRound(1))

	assert.Equal(t, []outcome{
		{OutcomeFired, ""},
		{OutcomeSuppressed, string(trigger.ReasonOncePerExhausted)},
	}, history(e, 1))
	assert.Equal(t, []outcome{{OutcomeFired, ""}, {OutcomeFired, ""}}, history(e, 2))
	assert.Len(t, exec.Actions(), 3)
}

type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, a action.Action) (action.Result, error) {
	<-b.release
	return action.Result{Connection: "default", Latency: 7 * time.Millisecond}, nil
}

func TestFiredRecordKeepsEvaluationOrder(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	e := New(Config{
		Executor: exec,
		Clock:    clockwork.NewFakeClockAt(epoch),
		Logger:   zaptest.NewLogger(t),
	})
	rule := eventRule(1, "wrd")
	rule.DebounceMs = trigger.Ptr(int64(200))
	require.NoError(t, e.ApplyRules([]trigger.Trigger{rule}))

	e.Process(event.NewEvent("wrd"))
	e.Process(event.NewEvent("wrd"))

	assert.Equal(t, []outcome{
		{OutcomeFired, ""},
		{OutcomeSuppressed, string(trigger.ReasonDebounced)},
	}, history(e, 1), "dispatch still pending")

	close(exec.release)
	e.Wait()

	recs := e.RecentLogs(0)
	require.Len(t, recs, 2)
	assert.Equal(t, OutcomeFired, recs[1].Outcome)
	assert.Equal(t, int64(7), recs[1].LatencyMs)
	assert.Less(t, recs[1].Seq, recs[0].Seq)
	e.Stop()
}

func TestStopRefusesEvaluation(t *testing.T) {
	e, _, exec := newTestEngine(t, Config{}, eventRule(1, "wrd"))
	e.Stop()

	assert.Nil(t, e.Process(event.NewEvent("wrd")))
	e.Wait()
	assert.Empty(t, exec.Actions())
	assert.Zero(t, e.log.Len())
}

func TestStopWhileRunning(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{}, eventRule(1, "wrd"))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	for i := 0; i < 100; i++ {
		e.OnEvent(event.NewEvent("wrd"))
	}

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
