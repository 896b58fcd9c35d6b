package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

var (
	ErrNoTarget      = errors.New("no target configured for action")
	ErrUnknownAction = errors.New("unknown action kind")
	ErrNoTargetID    = errors.New("action has no target id")
)

// Action is a fired trigger reduced to what a target needs to carry it out.
// A nil Connection selects the dispatcher's default connection.
type Action struct {
	Kind       trigger.ActionKind `json:"kind"`
	TargetType trigger.TargetType `json:"target_type,omitempty"`
	TargetID   string             `json:"target_id,omitempty"`
	Connection *string            `json:"connection,omitempty"`
}

// FromTrigger builds the action of an event trigger
func FromTrigger(t *trigger.Trigger) Action {
	a := Action{
		Kind:       t.Action,
		TargetType: t.TargetType,
		TargetID:   t.TargetID,
	}
	if t.ConnectionName != nil {
		c := *t.ConnectionName
		a.Connection = &c
	}
	return a
}

// SceneSwitcher switches the program scene of a broadcast connection
type SceneSwitcher interface {
	SwitchScene(ctx context.Context, connection, scene string) error
}

// OverlayRenderer shows an overlay on a broadcast connection
type OverlayRenderer interface {
	ShowOverlay(ctx context.Context, connection, overlay string) error
}

// Recorder starts or stops recording on a broadcast connection
type Recorder interface {
	SetRecording(ctx context.Context, connection string, recording bool) error
}

// ReplayBuffer saves the replay buffer of a broadcast connection
type ReplayBuffer interface {
	SaveReplay(ctx context.Context, connection string) error
}

// Target is a collaborator able to carry out every action kind. The NATS,
// plugin and log adapters all implement it.
type Target interface {
	SceneSwitcher
	OverlayRenderer
	Recorder
	ReplayBuffer
}

// Targets binds each action family to a collaborator. Nil members make the
// corresponding actions fail with ErrNoTarget.
type Targets struct {
	Scenes   SceneSwitcher
	Overlays OverlayRenderer
	Recorder Recorder
	Replay   ReplayBuffer
}

// TargetsFrom binds every action family to the same collaborator
func TargetsFrom(t Target) Targets {
	return Targets{Scenes: t, Overlays: t, Recorder: t, Replay: t}
}

// ActionError reports a collaborator that rejected or timed out an action
type ActionError struct {
	Kind       trigger.ActionKind
	Connection string
	Timeout    bool
	Err        error
}

func (e *ActionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("action %s on %q timed out: %v", e.Kind, e.Connection, e.Err)
	}
	return fmt.Sprintf("action %s on %q failed: %v", e.Kind, e.Connection, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// MetricsCollector defines the interface for collecting dispatch metrics
type MetricsCollector interface {
	// RecordDispatch records one dispatched action and its outcome
	RecordDispatch(kind string, duration float64, status string)
}
