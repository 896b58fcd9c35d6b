package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// rulesKey holds the whole list as one value, so a Put is an atomic save.
const rulesKey = "rules"

// NATSStore keeps the rule list in a JetStream key-value bucket
type NATSStore struct {
	kv     nats.KeyValue
	logger *zap.Logger
}

// NewNATSStore creates a new NATS-based trigger store on an existing connection
func NewNATSStore(nc *nats.Conn, bucketName string, logger *zap.Logger) (*NATSStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Create KV bucket if it doesn't exist
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  bucketName,
		History: 5,
	})
	if err != nil {
		// If bucket exists, get it
		kv, err = js.KeyValue(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to get/create KV bucket: %w", err)
		}
	}

	return &NATSStore{
		kv:     kv,
		logger: logger.Named("nats-store"),
	}, nil
}

// Load returns the stored rule list, or an empty list if nothing was saved yet
func (s *NATSStore) Load(ctx context.Context) ([]Trigger, error) {
	entry, err := s.kv.Get(rulesKey)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return []Trigger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rules: %w", err)
	}
	return decodeList(entry.Value())
}

// Save replaces the stored rule list
func (s *NATSStore) Save(ctx context.Context, list []Trigger) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	if _, err := s.kv.Put(rulesKey, data); err != nil {
		return fmt.Errorf("failed to save rules: %w", err)
	}
	return nil
}

// Watch calls onChange with every list written to the bucket after the call,
// including writes by other processes. It stops when ctx is done.
func (s *NATSStore) Watch(ctx context.Context, onChange func([]Trigger)) error {
	watcher, err := s.kv.Watch(rulesKey, nats.UpdatesOnly(), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to watch rules: %w", err)
	}

	go func() {
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if update == nil || update.Operation() != nats.KeyValuePut {
					continue
				}
				list, err := decodeList(update.Value())
				if err != nil {
					s.logger.Warn("ignoring undecodable rule update",
						zap.Uint64("revision", update.Revision()), zap.Error(err))
					continue
				}
				onChange(list)
			}
		}
	}()
	return nil
}

// Close is a no-op; the connection is owned by the caller
func (s *NATSStore) Close() error {
	return nil
}

func decodeList(data []byte) ([]Trigger, error) {
	var list []Trigger
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}
	if list == nil {
		list = []Trigger{}
	}
	return list, nil
}
