package trigger

import (
	"strings"
	"time"
)

// RuleState is the runtime memory of one event trigger.
type RuleState struct {
	LastFiredAt    *time.Time
	FiredScopeKeys map[string]struct{}
}

// HasFired reports whether the once-per scope key has already fired
func (s RuleState) HasFired(key string) bool {
	_, ok := s.FiredScopeKeys[key]
	return ok
}

func (s RuleState) clone() RuleState {
	c := RuleState{}
	if s.LastFiredAt != nil {
		at := *s.LastFiredAt
		c.LastFiredAt = &at
	}
	if len(s.FiredScopeKeys) > 0 {
		c.FiredScopeKeys = make(map[string]struct{}, len(s.FiredScopeKeys))
		for k := range s.FiredScopeKeys {
			c.FiredScopeKeys[k] = struct{}{}
		}
	}
	return c
}

// DedupState holds one RuleState per event trigger id. Records are created
// lazily on the first firing. DedupState is not safe for concurrent use; the
// engine serializes access to it.
type DedupState struct {
	rules map[int64]*RuleState
}

// NewDedupState creates an empty dedup state
func NewDedupState() *DedupState {
	return &DedupState{rules: make(map[int64]*RuleState)}
}

// Get returns a copy of the state for a trigger id. Unknown ids yield the zero state.
func (d *DedupState) Get(id int64) RuleState {
	s, ok := d.rules[id]
	if !ok {
		return RuleState{}
	}
	return s.clone()
}

// MarkFired records a firing at the given time, and the scope key if non-empty.
func (d *DedupState) MarkFired(id int64, at time.Time, scopeKey string) {
	s, ok := d.rules[id]
	if !ok {
		s = &RuleState{}
		d.rules[id] = s
	}
	s.LastFiredAt = &at
	if scopeKey != "" {
		if s.FiredScopeKeys == nil {
			s.FiredScopeKeys = make(map[string]struct{})
		}
		s.FiredScopeKeys[scopeKey] = struct{}{}
	}
}

// ClearScope drops every fired key of the given scope from all rules.
// Timing memory (debounce, cooldown) is kept.
func (d *DedupState) ClearScope(scope Scope) {
	prefix := string(scope) + ":"
	for _, s := range d.rules {
		for k := range s.FiredScopeKeys {
			if strings.HasPrefix(k, prefix) {
				delete(s.FiredScopeKeys, k)
			}
		}
	}
}

// Reset forgets everything about one trigger id
func (d *DedupState) Reset(id int64) {
	delete(d.rules, id)
}

// ResetAll forgets everything
func (d *DedupState) ResetAll() {
	d.rules = make(map[int64]*RuleState)
}

// Len returns the number of tracked rules
func (d *DedupState) Len() int {
	return len(d.rules)
}
