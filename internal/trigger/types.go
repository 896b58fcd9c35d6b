package trigger

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind tags which variant of the trigger union an entry is.
type Kind string

const (
	KindEvent Kind = "event"
	KindDelay Kind = "delay"
)

// ActionKind is the external action an event trigger performs when it fires.
type ActionKind string

const (
	ActionScene       ActionKind = "scene"
	ActionOverlay     ActionKind = "overlay"
	ActionRecordStart ActionKind = "record_start"
	ActionRecordStop  ActionKind = "record_stop"
	ActionReplaySave  ActionKind = "replay_save"
)

// TargetType names the kind of object an action is aimed at.
type TargetType string

const (
	TargetScene   TargetType = "scene"
	TargetOverlay TargetType = "overlay"
)

// Scope is the reset boundary of a once-per condition.
type Scope string

const (
	ScopeRound Scope = "round"
	ScopeMatch Scope = "match"
)

// Trigger is one entry of the ordered rule list. Kind selects the variant:
// event triggers carry the matching conditions and the action, delay triggers
// only carry DelayMs. Nullable conditions are pointers; nil means unset.
type Trigger struct {
	ID       *int64 `json:"id,omitempty" yaml:"id,omitempty"`
	Priority int    `json:"priority" yaml:"priority"` // Always the list position, recomputed on save
	Kind     Kind   `json:"kind" yaml:"kind"`

	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Event variant
	EventType        string     `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Action           ActionKind `json:"action,omitempty" yaml:"action,omitempty"`
	TargetType       TargetType `json:"target_type,omitempty" yaml:"target_type,omitempty"`
	TargetID         string     `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	ConnectionName   *string    `json:"connection_name,omitempty" yaml:"connection_name,omitempty"` // nil selects the default target
	ConditionRound   *int       `json:"condition_round,omitempty" yaml:"condition_round,omitempty"`
	ConditionOncePer *Scope     `json:"condition_once_per,omitempty" yaml:"condition_once_per,omitempty"`
	DebounceMs       *int64     `json:"debounce_ms,omitempty" yaml:"debounce_ms,omitempty"`
	CooldownMs       *int64     `json:"cooldown_ms,omitempty" yaml:"cooldown_ms,omitempty"`
	// Criteria is an optional expression evaluated against the event.
	// It uses the expr language (https://github.com/expr-lang/expr) and must evaluate to a boolean.
	// Example: event.round != nil && event.round >= 2
	Criteria string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`

	// Delay variant
	DelayMs uint64 `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// IsEvent reports whether the entry is an event trigger
func (t *Trigger) IsEvent() bool { return t.Kind == KindEvent }

// IsDelay reports whether the entry is a delay trigger
func (t *Trigger) IsDelay() bool { return t.Kind == KindDelay }

// IDValue returns the id, or -1 for an entry that has not been assigned one yet.
func (t *Trigger) IDValue() int64 {
	if t.ID == nil {
		return -1
	}
	return *t.ID
}

// Delay returns the delay of a delay trigger as a duration
func (t *Trigger) Delay() time.Duration {
	return time.Duration(t.DelayMs) * time.Millisecond
}

// Debounce returns the debounce window, or zero when unset
func (t *Trigger) Debounce() time.Duration {
	if t.DebounceMs == nil {
		return 0
	}
	return time.Duration(*t.DebounceMs) * time.Millisecond
}

// Cooldown returns the cooldown window, or zero when unset
func (t *Trigger) Cooldown() time.Duration {
	if t.CooldownMs == nil {
		return 0
	}
	return time.Duration(*t.CooldownMs) * time.Millisecond
}

// Clone returns a deep copy so that callers can never alias the active rule set.
func (t Trigger) Clone() Trigger {
	c := t
	if t.ID != nil {
		c.ID = Ptr(*t.ID)
	}
	if t.ConnectionName != nil {
		c.ConnectionName = Ptr(*t.ConnectionName)
	}
	if t.ConditionRound != nil {
		c.ConditionRound = Ptr(*t.ConditionRound)
	}
	if t.ConditionOncePer != nil {
		c.ConditionOncePer = Ptr(*t.ConditionOncePer)
	}
	if t.DebounceMs != nil {
		c.DebounceMs = Ptr(*t.DebounceMs)
	}
	if t.CooldownMs != nil {
		c.CooldownMs = Ptr(*t.CooldownMs)
	}
	return c
}

// Equal reports whether two entries have the same content, ignoring Priority.
func (t *Trigger) Equal(o *Trigger) bool {
	return eqPtr(t.ID, o.ID) &&
		t.Kind == o.Kind &&
		t.Name == o.Name &&
		t.Description == o.Description &&
		t.EventType == o.EventType &&
		t.Action == o.Action &&
		t.TargetType == o.TargetType &&
		t.TargetID == o.TargetID &&
		eqPtr(t.ConnectionName, o.ConnectionName) &&
		eqPtr(t.ConditionRound, o.ConditionRound) &&
		eqPtr(t.ConditionOncePer, o.ConditionOncePer) &&
		eqPtr(t.DebounceMs, o.DebounceMs) &&
		eqPtr(t.CooldownMs, o.CooldownMs) &&
		t.Criteria == o.Criteria &&
		t.Enabled == o.Enabled &&
		t.DelayMs == o.DelayMs
}

// CloneList deep-copies a rule list
func CloneList(list []Trigger) []Trigger {
	if list == nil {
		return nil
	}
	out := make([]Trigger, len(list))
	for i := range list {
		out[i] = list[i].Clone()
	}
	return out
}

// ToYAML marshals the trigger to YAML
func (t *Trigger) ToYAML() ([]byte, error) {
	return yaml.Marshal(t)
}

// FromYAML unmarshals the trigger from YAML
func (t *Trigger) FromYAML(data []byte) error {
	return yaml.Unmarshal(data, t)
}

// ListToYAML marshals a whole rule list to YAML
func ListToYAML(list []Trigger) ([]byte, error) {
	return yaml.Marshal(ruleFile{Triggers: list})
}

// ListFromYAML unmarshals a rule list written by ListToYAML
func ListFromYAML(data []byte) ([]Trigger, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Triggers, nil
}

type ruleFile struct {
	Triggers []Trigger `yaml:"triggers"`
}

// Store persists the full ordered rule list. Implementations must load and
// save the whole list atomically; concurrent saves are last-writer-wins.
type Store interface {
	// Load returns the persisted rule list in order
	Load(ctx context.Context) ([]Trigger, error)

	// Save replaces the persisted rule list
	Save(ctx context.Context, list []Trigger) error

	// Close releases the store's resources
	Close() error
}

// Ptr returns a pointer to v. Handy for filling nullable rule fields.
func Ptr[T any](v T) *T { return &v }

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
