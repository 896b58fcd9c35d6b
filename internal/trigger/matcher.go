package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
)

// Reason is the code attached to a suppressed or failed evaluation.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonDisabled         Reason = "disabled"
	ReasonEventMismatch    Reason = "event-mismatch"
	ReasonRoundMismatch    Reason = "round-mismatch"
	ReasonCriteriaMismatch Reason = "criteria-mismatch"
	ReasonOncePerExhausted Reason = "once-per-exhausted"
	ReasonDebounced        Reason = "debounced"
	ReasonCoolingDown      Reason = "cooling-down"
	ReasonNotEventTrigger  Reason = "not-event-trigger"
)

// Decision is the outcome of evaluating one trigger against one event.
type Decision struct {
	Fire     bool
	Reason   Reason
	ScopeKey string // Set when the trigger has a once-per condition
	Err      error  // Criteria evaluation failure; Fire is false
}

// ScopeKey computes the once-per key of an event for the given scope,
// e.g. "round:3" or "match:M123". A missing scope value yields "round:" or "match:".
func ScopeKey(scope Scope, e *event.Event) string {
	switch scope {
	case ScopeRound:
		return "round:" + e.RoundKey()
	case ScopeMatch:
		return "match:" + e.MatchKey()
	default:
		return ""
	}
}

// Evaluate decides whether a trigger fires for an event. It is a pure
// function of its inputs. Checks run in a fixed order and the first failing
// check decides the reason:
//
//	enabled, event type, round, criteria, debounce, once-per, cooldown
//
// criteria may be nil when the trigger has no criteria expression.
func Evaluate(t *Trigger, criteria *vm.Program, e *event.Event, state RuleState, now time.Time) Decision {
	if t == nil || !t.IsEvent() {
		return Decision{Reason: ReasonNotEventTrigger}
	}
	if !t.Enabled {
		return Decision{Reason: ReasonDisabled}
	}
	if t.EventType != e.EventType {
		return Decision{Reason: ReasonEventMismatch}
	}
	if t.ConditionRound != nil && (e.Round == nil || *e.Round != *t.ConditionRound) {
		return Decision{Reason: ReasonRoundMismatch}
	}
	if criteria != nil {
		ok, err := runCriteria(criteria, e)
		if err != nil {
			return Decision{Reason: ReasonCriteriaMismatch, Err: err}
		}
		if !ok {
			return Decision{Reason: ReasonCriteriaMismatch}
		}
	}

	var scopeKey string
	if t.ConditionOncePer != nil {
		scopeKey = ScopeKey(*t.ConditionOncePer, e)
	}

	var since time.Duration
	if state.LastFiredAt != nil {
		since = now.Sub(*state.LastFiredAt)
	}
	// A burst right after a firing reads as debounced even when the scope
	// key is already spent
	if state.LastFiredAt != nil && t.DebounceMs != nil && since < t.Debounce() {
		return Decision{Reason: ReasonDebounced, ScopeKey: scopeKey}
	}
	if scopeKey != "" && state.HasFired(scopeKey) {
		return Decision{Reason: ReasonOncePerExhausted, ScopeKey: scopeKey}
	}
	if state.LastFiredAt != nil && t.CooldownMs != nil && since < t.Cooldown() {
		return Decision{Reason: ReasonCoolingDown, ScopeKey: scopeKey}
	}

	return Decision{Fire: true, ScopeKey: scopeKey}
}

// has(obj, "a.b.c") returns true if all keys exist down the path
func has(args ...any) (any, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("has() expects 2 arguments")
	}
	root, ok := args[0].(map[string]interface{})
	if !ok {
		return false, nil
	}
	path, ok := args[1].(string)
	if !ok {
		return false, nil
	}

	parts := strings.Split(path, ".")
	current := root
	for i, part := range parts {
		val, exists := current[part]
		if !exists || val == nil {
			return false, nil
		}
		if i == len(parts)-1 {
			return true, nil
		}
		next, ok := val.(map[string]interface{})
		if !ok {
			return false, nil
		}
		current = next
	}
	return true, nil
}

// criteriaEnv is the compile-time environment; values are placeholders.
func criteriaEnv() map[string]interface{} {
	return map[string]interface{}{
		"event": (&event.Event{}).Env(),
	}
}

// CompileCriteria compiles a criteria expression. The expression sees the
// event under the name "event" and must evaluate to a boolean.
func CompileCriteria(criteria string) (*vm.Program, error) {
	options := []expr.Option{
		expr.Env(criteriaEnv()),
		expr.Function("has", has),
		expr.AsBool(),
	}

	program, err := expr.Compile(criteria, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile criteria: %w", err)
	}
	return program, nil
}

func runCriteria(program *vm.Program, e *event.Event) (bool, error) {
	env := map[string]interface{}{
		"event": e.Env(),
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate criteria: %w", err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean")
	}
	return result, nil
}
