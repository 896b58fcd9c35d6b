package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root action requests are sent under.
const DefaultSubjectPrefix = "restrike.action"

// Verbs used in action subjects: <prefix>.<connection>.<verb>
const (
	VerbScene   = "scene"
	VerbOverlay = "overlay"
	VerbRecord  = "record"
	VerbReplay  = "replay"
)

// request is the data of the CloudEvent sent to an action target
type request struct {
	Connection string `json:"connection"`
	TargetID   string `json:"target_id,omitempty"`
	Recording  *bool  `json:"recording,omitempty"`
}

// response is the reply of an action target
type response struct {
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

// Subject returns the request subject for a connection and verb.
// Characters that are not valid in a subject token are replaced.
func Subject(prefix, connection, verb string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(connection), verb)
}

func subjectToken(s string) string {
	if s == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// NATSTarget sends actions as CloudEvents over NATS request/reply to
// whichever service answers the connection's subjects.
type NATSTarget struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSTarget creates a new NATS action target on an existing connection
func NewNATSTarget(nc *nats.Conn, prefix string) *NATSTarget {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSTarget{nc: nc, prefix: prefix}
}

func (c *NATSTarget) SwitchScene(ctx context.Context, connection, scene string) error {
	return c.invoke(ctx, connection, VerbScene, request{Connection: connection, TargetID: scene})
}

func (c *NATSTarget) ShowOverlay(ctx context.Context, connection, overlay string) error {
	return c.invoke(ctx, connection, VerbOverlay, request{Connection: connection, TargetID: overlay})
}

func (c *NATSTarget) SetRecording(ctx context.Context, connection string, recording bool) error {
	return c.invoke(ctx, connection, VerbRecord, request{Connection: connection, Recording: &recording})
}

func (c *NATSTarget) SaveReplay(ctx context.Context, connection string) error {
	return c.invoke(ctx, connection, VerbReplay, request{Connection: connection})
}

// invoke sends one action request and waits for the reply
func (c *NATSTarget) invoke(ctx context.Context, connection, verb string, req request) error {
	event := ce.NewEvent()
	event.SetID(uuid.New().String())
	event.SetSource("restrike/triggerd")
	event.SetType("restrike.action." + verb)
	if err := event.SetData(ce.ApplicationJSON, req); err != nil {
		return fmt.Errorf("failed to set request data: %w", err)
	}

	reqData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, Subject(c.prefix, connection, verb), reqData)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var resp response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("target error (%s): %s", resp.ErrorType, resp.Error)
	}
	return nil
}
