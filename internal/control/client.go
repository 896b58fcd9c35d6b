package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/engine"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
)

// RemoteError is an error reported by the control service
type RemoteError struct {
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("control error %s: %s", e.Code, e.Description)
}

// Client calls the control endpoints of a running triggerd
type Client struct {
	nc     *nats.Conn
	prefix string
}

// NewClient creates a control client on an existing connection
func NewClient(nc *nats.Conn, prefix string) *Client {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Client{nc: nc, prefix: prefix}
}

// Preview dry-runs the active rule with the given id
func (c *Client) Preview(ctx context.Context, id int64, ev *event.Event, considerLimits bool) (engine.Preview, error) {
	var p engine.Preview
	err := c.call(ctx, EndpointPreview, PreviewRequest{ID: id, Event: ev, ConsiderLimits: considerLimits}, &p)
	return p, err
}

// Logs returns up to max execution records, newest first
func (c *Client) Logs(ctx context.Context, max int) ([]engine.ExecutionRecord, error) {
	var recs []engine.ExecutionRecord
	err := c.call(ctx, EndpointLogs, LogsRequest{Max: max}, &recs)
	return recs, err
}

// RoundStart signals a new round
func (c *Client) RoundStart(ctx context.Context) error {
	return c.call(ctx, EndpointRoundStart, nil, &ack{})
}

// MatchStart signals a new match
func (c *Client) MatchStart(ctx context.Context) error {
	return c.call(ctx, EndpointMatchStart, nil, &ack{})
}

// Runs lists the in-flight delay runs
func (c *Client) Runs(ctx context.Context) ([]engine.RunInfo, error) {
	var runs []engine.RunInfo
	err := c.call(ctx, EndpointRuns, nil, &runs)
	return runs, err
}

// Cancel aborts one delay run
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.call(ctx, EndpointCancel, CancelRequest{RunID: runID}, &CancelResponse{})
}

// CancelAll aborts every delay run and returns how many were running
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	var resp CancelResponse
	err := c.call(ctx, EndpointCancel, CancelRequest{All: true}, &resp)
	return resp.Cancelled, err
}

// Reload makes triggerd reload its rules from the store
func (c *Client) Reload(ctx context.Context) (int, error) {
	var resp ReloadResponse
	err := c.call(ctx, EndpointReload, nil, &resp)
	return resp.Rules, err
}

// Reset clears the dedup state of one trigger, or of all when id is nil
func (c *Client) Reset(ctx context.Context, id *int64) error {
	return c.call(ctx, EndpointReset, ResetRequest{ID: id}, &ack{})
}

func (c *Client) call(ctx context.Context, endpoint string, req, resp interface{}) error {
	var data []byte
	if req != nil {
		var err error
		data, err = json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	msg, err := c.nc.RequestWithContext(ctx, c.prefix+"."+endpoint, data)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", endpoint, err)
	}

	if code := msg.Header.Get(micro.ErrorCodeHeader); code != "" {
		return &RemoteError{Code: code, Description: msg.Header.Get(micro.ErrorHeader)}
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", endpoint, err)
	}
	return nil
}
