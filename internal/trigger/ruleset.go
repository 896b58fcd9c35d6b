package trigger

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/expr-lang/expr/vm"
)

var (
	ErrIndexOutOfRange = errors.New("trigger index out of range")
)

// Snapshot is an immutable view of the rule list. Evaluations hold a
// snapshot for the whole pass so a concurrent Replace is never observed
// half-applied.
type Snapshot struct {
	entries  []Trigger
	criteria []*vm.Program // by index, nil when the entry has no criteria
}

// Len returns the number of entries
func (s *Snapshot) Len() int { return len(s.entries) }

// At returns the entry at index i. The pointer must be treated as read-only.
func (s *Snapshot) At(i int) *Trigger { return &s.entries[i] }

// Criteria returns the compiled criteria of the entry at index i, or nil.
func (s *Snapshot) Criteria(i int) *vm.Program { return s.criteria[i] }

// DelayRun returns the contiguous delay entries that follow index i,
// stopping at the next event entry or the end of the list.
func (s *Snapshot) DelayRun(i int) []Trigger {
	var run []Trigger
	for j := i + 1; j < len(s.entries) && s.entries[j].IsDelay(); j++ {
		run = append(run, s.entries[j].Clone())
	}
	return run
}

// ByID returns the entry with the given id
func (s *Snapshot) ByID(id int64) (*Trigger, bool) {
	for i := range s.entries {
		if s.entries[i].IDValue() == id {
			return &s.entries[i], true
		}
	}
	return nil, false
}

// RuleSet is the ordered, validated rule list. Readers take snapshots;
// Replace swaps the whole list atomically.
type RuleSet struct {
	current atomic.Pointer[Snapshot]
}

// NewRuleSet creates an empty rule set
func NewRuleSet() *RuleSet {
	rs := &RuleSet{}
	rs.current.Store(&Snapshot{})
	return rs
}

// Snapshot returns the rule list in force right now
func (rs *RuleSet) Snapshot() *Snapshot {
	return rs.current.Load()
}

// Load returns a copy of the ordered rule list
func (rs *RuleSet) Load() []Trigger {
	list := CloneList(rs.Snapshot().entries)
	if list == nil {
		list = []Trigger{}
	}
	return list
}

// Get returns a copy of the entry at index
func (rs *RuleSet) Get(index int) (Trigger, error) {
	s := rs.Snapshot()
	if index < 0 || index >= s.Len() {
		return Trigger{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return s.At(index).Clone(), nil
}

// Len returns the number of entries
func (rs *RuleSet) Len() int {
	return rs.Snapshot().Len()
}

// Replace validates the list and makes it the active rule set. On a
// validation error the previous list stays in force. It returns the previous
// snapshot so callers can tell which rules changed.
func (rs *RuleSet) Replace(list []Trigger) (*Snapshot, error) {
	normalized, err := Normalize(list)
	if err != nil {
		return nil, err
	}

	next, err := compile(normalized)
	if err != nil {
		return nil, err
	}
	return rs.current.Swap(next), nil
}

func compile(list []Trigger) (*Snapshot, error) {
	s := &Snapshot{
		entries:  list,
		criteria: make([]*vm.Program, len(list)),
	}
	for i := range list {
		if !list[i].IsEvent() || list[i].Criteria == "" {
			continue
		}
		program, err := CompileCriteria(list[i].Criteria)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		s.criteria[i] = program
	}
	return s, nil
}

// Changed returns the ids present in old whose entry was edited or removed
// in next. Entries that are identical apart from position are unchanged.
func Changed(old, next *Snapshot) []int64 {
	if old == nil {
		return nil
	}
	var ids []int64
	for i := range old.entries {
		prev := &old.entries[i]
		cur, ok := next.ByID(prev.IDValue())
		if !ok || !prev.Equal(cur) {
			ids = append(ids, prev.IDValue())
		}
	}
	return ids
}
