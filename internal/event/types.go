package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvents extension attribute names carrying the scope metadata.
const (
	ExtensionRound   = "round"
	ExtensionMatchID = "matchid"
)

// DefaultSource is the CloudEvents source used for events built by this module
const DefaultSource = "restrike/scoring"

// Event is a live match-state occurrence delivered by the scoring protocol
// listener. Round and MatchID are nil when the protocol message carries no scope.
type Event struct {
	EventID   string    `json:"event_id"`           // Unique event identifier (UUID v4)
	EventType string    `json:"event_type"`         // Protocol event code (e.g., "wrd", "rnd", "win")
	Round     *int      `json:"round,omitempty"`    // Round number, if known
	MatchID   *string   `json:"match_id,omitempty"` // Match identifier, if known
	Timestamp time.Time `json:"timestamp"`          // UTC time the event was observed
}

// NewEvent creates a new unscoped Event stamped with the current time
func NewEvent(eventType string) *Event {
	return &Event{
		EventID:   generateUUID(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// WithRound sets the round scope and returns the event for chaining
func (e *Event) WithRound(round int) *Event {
	e.Round = &round
	return e
}

// WithMatch sets the match scope and returns the event for chaining
func (e *Event) WithMatch(matchID string) *Event {
	e.MatchID = &matchID
	return e
}

// RoundKey returns the round as a string, or "" when the event has no round.
func (e *Event) RoundKey() string {
	if e.Round == nil {
		return ""
	}
	return strconv.Itoa(*e.Round)
}

// MatchKey returns the match id, or "" when the event has no match.
func (e *Event) MatchKey() string {
	if e.MatchID == nil {
		return ""
	}
	return *e.MatchID
}

// Env returns the map representation used by criteria expressions.
// Field names match the JSON encoding; missing scopes are nil.
func (e *Event) Env() map[string]interface{} {
	m := map[string]interface{}{
		"event_id":   e.EventID,
		"event_type": e.EventType,
		"timestamp":  e.Timestamp,
		"round":      nil,
		"match_id":   nil,
	}
	if e.Round != nil {
		m["round"] = *e.Round
	}
	if e.MatchID != nil {
		m["match_id"] = *e.MatchID
	}
	return m
}

// ToCloudEvent converts the event into its CloudEvents wire form
func (e *Event) ToCloudEvent() cloudevents.Event {
	ce := cloudevents.NewEvent()
	ce.SetID(e.EventID)
	ce.SetSource(DefaultSource)
	ce.SetType(e.EventType)
	ce.SetTime(e.Timestamp)
	if e.Round != nil {
		ce.SetExtension(ExtensionRound, int32(*e.Round))
	}
	if e.MatchID != nil {
		ce.SetExtension(ExtensionMatchID, *e.MatchID)
	}
	return ce
}

// FromCloudEvent builds an Event from a decoded CloudEvent.
// The CloudEvent type becomes the event type; the round and matchid
// extensions become the scope.
func FromCloudEvent(ce *cloudevents.Event) (*Event, error) {
	if ce.Type() == "" {
		return nil, fmt.Errorf("cloudevent %s has no type", ce.ID())
	}

	e := &Event{
		EventID:   ce.ID(),
		EventType: ce.Type(),
		Timestamp: ce.Time().UTC(),
	}
	if e.EventID == "" {
		e.EventID = generateUUID()
	}
	if ce.Time().IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	exts := ce.Extensions()
	if raw, ok := exts[ExtensionRound]; ok {
		round, err := toInt(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse round extension: %w", err)
		}
		e.Round = &round
	}
	if raw, ok := exts[ExtensionMatchID]; ok {
		matchID := fmt.Sprint(raw)
		e.MatchID = &matchID
	}

	return e, nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int32:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// generateUUID generates a new UUID v4
func generateUUID() string {
	return uuid.New().String()
}

// UnmarshalJSON implements custom JSON unmarshaling for Event
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Timestamp string `json:"timestamp"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to parse timestamp: %w", err)
		}
		e.Timestamp = t
	}

	return nil
}
