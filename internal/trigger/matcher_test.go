package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func sceneRule(eventType string) *Trigger {
	return &Trigger{
		ID:         Ptr[int64](1),
		Kind:       KindEvent,
		EventType:  eventType,
		Action:     ActionScene,
		TargetType: TargetScene,
		TargetID:   "Scoreboard",
		Enabled:    true,
	}
}

func firedAt(at time.Time, keys ...string) RuleState {
	s := RuleState{LastFiredAt: &at}
	if len(keys) > 0 {
		s.FiredScopeKeys = map[string]struct{}{}
		for _, k := range keys {
			s.FiredScopeKeys[k] = struct{}{}
		}
	}
	return s
}

func TestEvaluateChecks(t *testing.T) {
	tests := []struct {
		name   string
		rule   func() *Trigger
		event  *event.Event
		state  RuleState
		now    time.Time
		fire   bool
		reason Reason
	}{
		{
			name:  "fires on exact match",
			rule:  func() *Trigger { return sceneRule("wrd") },
			event: event.NewEvent("wrd"),
			now:   t0,
			fire:  true,
		},
		{
			name: "disabled rule",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.Enabled = false
				return r
			},
			event:  event.NewEvent("wrd"),
			now:    t0,
			reason: ReasonDisabled,
		},
		{
			name:   "event type is case sensitive",
			rule:   func() *Trigger { return sceneRule("wrd") },
			event:  event.NewEvent("WRD"),
			now:    t0,
			reason: ReasonEventMismatch,
		},
		{
			name: "round condition requires a round",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.ConditionRound = Ptr(2)
				return r
			},
			event:  event.NewEvent("wrd"),
			now:    t0,
			reason: ReasonRoundMismatch,
		},
		{
			name: "round condition mismatch",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.ConditionRound = Ptr(2)
				return r
			},
			event:  event.NewEvent("wrd").WithRound(3),
			now:    t0,
			reason: ReasonRoundMismatch,
		},
		{
			name: "round condition match",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.ConditionRound = Ptr(3)
				return r
			},
			event: event.NewEvent("wrd").WithRound(3),
			now:   t0,
			fire:  true,
		},
		{
			name: "once per round exhausted",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.ConditionOncePer = Ptr(ScopeRound)
				return r
			},
			event:  event.NewEvent("wrd").WithRound(3),
			state:  firedAt(t0.Add(-time.Hour), "round:3"),
			now:    t0,
			reason: ReasonOncePerExhausted,
		},
		{
			name: "once per round in a new round",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.ConditionOncePer = Ptr(ScopeRound)
				return r
			},
			event: event.NewEvent("wrd").WithRound(4),
			state: firedAt(t0.Add(-time.Hour), "round:3"),
			now:   t0,
			fire:  true,
		},
		{
			name: "debounced inside window",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.DebounceMs = Ptr[int64](200)
				return r
			},
			event:  event.NewEvent("wrd"),
			state:  firedAt(t0),
			now:    t0.Add(100 * time.Millisecond),
			reason: ReasonDebounced,
		},
		{
			name: "debounce window elapsed",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.DebounceMs = Ptr[int64](200)
				return r
			},
			event: event.NewEvent("wrd"),
			state: firedAt(t0),
			now:   t0.Add(200 * time.Millisecond),
			fire:  true,
		},
		{
			name: "cooling down",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.CooldownMs = Ptr[int64](5000)
				return r
			},
			event:  event.NewEvent("wrd"),
			state:  firedAt(t0),
			now:    t0.Add(time.Second),
			reason: ReasonCoolingDown,
		},
		{
			name: "debounce passes but cooldown suppresses",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.DebounceMs = Ptr[int64](200)
				r.CooldownMs = Ptr[int64](5000)
				return r
			},
			event:  event.NewEvent("wrd"),
			state:  firedAt(t0),
			now:    t0.Add(time.Second),
			reason: ReasonCoolingDown,
		},
		{
			name: "debounce is checked before once per",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.ConditionOncePer = Ptr(ScopeRound)
				r.DebounceMs = Ptr[int64](200)
				return r
			},
			event:  event.NewEvent("wrd").WithRound(3),
			state:  firedAt(t0, "round:3"),
			now:    t0.Add(10 * time.Millisecond),
			reason: ReasonDebounced,
		},
		{
			name: "once per after the debounce window",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.ConditionOncePer = Ptr(ScopeRound)
				r.DebounceMs = Ptr[int64](200)
				return r
			},
			event:  event.NewEvent("wrd").WithRound(3),
			state:  firedAt(t0, "round:3"),
			now:    t0.Add(time.Second),
			reason: ReasonOncePerExhausted,
		},
		{
			name: "once per is checked before cooldown",
			rule: func() *Trigger {
				r := sceneRule("wrd")
				r.ConditionOncePer = Ptr(ScopeRound)
				r.CooldownMs = Ptr[int64](5000)
				return r
			},
			event:  event.NewEvent("wrd").WithRound(3),
			state:  firedAt(t0, "round:3"),
			now:    t0.Add(time.Second),
			reason: ReasonOncePerExhausted,
		},
		{
			name:   "delay entries never fire",
			rule:   func() *Trigger { return &Trigger{Kind: KindDelay, DelayMs: 500} },
			event:  event.NewEvent("wrd"),
			now:    t0,
			reason: ReasonNotEventTrigger,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.rule(), nil, tt.event, tt.state, tt.now)
			assert.Equal(t, tt.fire, d.Fire)
			assert.Equal(t, tt.reason, d.Reason)
			assert.NoError(t, d.Err)
		})
	}
}

func TestEvaluateScopeKey(t *testing.T) {
	r := sceneRule("win")
	r.ConditionOncePer = Ptr(ScopeMatch)

	d := Evaluate(r, nil, event.NewEvent("win").WithMatch("M123"), RuleState{}, t0)
	require.True(t, d.Fire)
	assert.Equal(t, "match:M123", d.ScopeKey)

	d = Evaluate(r, nil, event.NewEvent("win"), RuleState{}, t0)
	require.True(t, d.Fire)
	assert.Equal(t, "match:", d.ScopeKey)
}

func TestEvaluateCriteria(t *testing.T) {
	r := sceneRule("wrd")
	r.Criteria = `event.round != nil && event.round >= 2`
	program, err := CompileCriteria(r.Criteria)
	require.NoError(t, err)

	d := Evaluate(r, program, event.NewEvent("wrd").WithRound(1), RuleState{}, t0)
	assert.False(t, d.Fire)
	assert.Equal(t, ReasonCriteriaMismatch, d.Reason)
	assert.NoError(t, d.Err)

	d = Evaluate(r, program, event.NewEvent("wrd").WithRound(2), RuleState{}, t0)
	assert.True(t, d.Fire)

	d = Evaluate(r, program, event.NewEvent("wrd"), RuleState{}, t0)
	assert.False(t, d.Fire)
	assert.NoError(t, d.Err)
}

func TestEvaluateCriteriaRuntimeError(t *testing.T) {
	r := sceneRule("wrd")
	r.Criteria = `has(event)`
	program, err := CompileCriteria(r.Criteria)
	require.NoError(t, err)

	d := Evaluate(r, program, event.NewEvent("wrd"), RuleState{}, t0)
	assert.False(t, d.Fire)
	assert.Error(t, d.Err)
}

func TestCompileCriteria(t *testing.T) {
	_, err := CompileCriteria(`has(event, "match_id")`)
	assert.NoError(t, err)

	_, err = CompileCriteria(`event.round +`)
	assert.Error(t, err)

	_, err = CompileCriteria(`1 + 2`)
	assert.Error(t, err, "non-boolean expressions are rejected")
}

func TestHas(t *testing.T) {
	m := map[string]interface{}{
		"a": map[string]interface{}{"b": 1},
		"n": nil,
	}

	ok, err := has(m, "a.b")
	require.NoError(t, err)
	assert.Equal(t, true, ok)

	ok, _ = has(m, "a.c")
	assert.Equal(t, false, ok)

	ok, _ = has(m, "n")
	assert.Equal(t, false, ok)

	_, err = has(m)
	assert.Error(t, err)
}
