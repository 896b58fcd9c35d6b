package trigger

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrDuplicateID    = errors.New("duplicate trigger id")
	ErrNegativeID     = errors.New("negative trigger id")
	ErrUnknownKind    = errors.New("unknown trigger kind")
	ErrUnknownAction  = errors.New("unknown action kind")
	ErrUnknownScope   = errors.New("unknown once-per scope")
	ErrTargetMismatch = errors.New("target type does not match action")
	ErrNegativeWindow = errors.New("negative timing window")
	ErrInvalidRound   = errors.New("round condition must be positive")
	ErrEmptyEventType = errors.New("event type cannot be empty")
	ErrBadCriteria    = errors.New("criteria does not compile")
)

// ValidationError reports every structural problem found in a rule list.
// A list that fails validation is never applied.
type ValidationError struct {
	err error
}

func (e *ValidationError) Error() string {
	problems := e.Problems()
	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("invalid rule list: %s", strings.Join(msgs, "; "))
}

// Problems returns the individual validation failures in list order
func (e *ValidationError) Problems() []error {
	return multierr.Errors(e.err)
}

// Unwrap exposes the individual problems to errors.Is and errors.As
func (e *ValidationError) Unwrap() []error {
	return e.Problems()
}

// Normalize validates a rule list and returns a deep copy with priorities set
// to list positions and ids assigned to entries that have none. New ids start
// above the highest id in the list.
func Normalize(list []Trigger) ([]Trigger, error) {
	var errs error
	seen := make(map[int64]int, len(list))
	var maxID int64 = -1

	for i := range list {
		t := &list[i]
		if t.ID != nil {
			id := *t.ID
			switch {
			case id < 0:
				errs = multierr.Append(errs, fmt.Errorf("entry %d: %w: %d", i, ErrNegativeID, id))
			default:
				if prev, dup := seen[id]; dup {
					errs = multierr.Append(errs, fmt.Errorf("entry %d: %w %d (also entry %d)", i, ErrDuplicateID, id, prev))
				}
				seen[id] = i
				if id > maxID {
					maxID = id
				}
			}
		}
		errs = multierr.Append(errs, validateEntry(i, t))
	}

	if errs != nil {
		return nil, &ValidationError{err: errs}
	}

	out := CloneList(list)
	if out == nil {
		out = []Trigger{}
	}
	next := maxID + 1
	for i := range out {
		out[i].Priority = i
		if out[i].ID == nil {
			out[i].ID = Ptr(next)
			next++
		}
	}
	return out, nil
}

func validateEntry(i int, t *Trigger) error {
	var errs error
	switch t.Kind {
	case KindDelay:
		return nil
	case KindEvent:
	default:
		return fmt.Errorf("entry %d: %w %q", i, ErrUnknownKind, t.Kind)
	}

	if t.EventType == "" {
		errs = multierr.Append(errs, fmt.Errorf("entry %d: %w", i, ErrEmptyEventType))
	}

	switch t.Action {
	case ActionScene:
		if t.TargetType != "" && t.TargetType != TargetScene {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w: %s targets %s", i, ErrTargetMismatch, t.Action, t.TargetType))
		}
	case ActionOverlay:
		if t.TargetType != "" && t.TargetType != TargetOverlay {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w: %s targets %s", i, ErrTargetMismatch, t.Action, t.TargetType))
		}
	case ActionRecordStart, ActionRecordStop, ActionReplaySave:
		// target fields are ignored
	default:
		errs = multierr.Append(errs, fmt.Errorf("entry %d: %w %q", i, ErrUnknownAction, t.Action))
	}

	if t.ConditionOncePer != nil {
		switch *t.ConditionOncePer {
		case ScopeRound, ScopeMatch:
		default:
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w %q", i, ErrUnknownScope, *t.ConditionOncePer))
		}
	}
	if t.ConditionRound != nil && *t.ConditionRound <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("entry %d: %w, got %d", i, ErrInvalidRound, *t.ConditionRound))
	}
	if t.DebounceMs != nil && *t.DebounceMs < 0 {
		errs = multierr.Append(errs, fmt.Errorf("entry %d: %w: debounce_ms=%d", i, ErrNegativeWindow, *t.DebounceMs))
	}
	if t.CooldownMs != nil && *t.CooldownMs < 0 {
		errs = multierr.Append(errs, fmt.Errorf("entry %d: %w: cooldown_ms=%d", i, ErrNegativeWindow, *t.CooldownMs))
	}
	if t.Criteria != "" {
		if _, err := CompileCriteria(t.Criteria); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("entry %d: %w: %v", i, ErrBadCriteria, err))
		}
	}
	return errs
}
