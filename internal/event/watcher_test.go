package event

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewWatcherRequiresHandler(t *testing.T) {
	_, err := NewWatcher(nil, WatcherConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestWatcherDelivers(t *testing.T) {
	// Skip if NATS is not available
	nc, err := nats.Connect("nats://localhost:4222", nats.Timeout(time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping integration test")
		return
	}
	defer nc.Close()

	js, err := nc.JetStream()
	require.NoError(t, err)

	suffix := time.Now().Format("150405")
	stream := "TEST_SCORING_" + suffix
	subject := fmt.Sprintf("test.scoring.%s.>", suffix)
	require.NoError(t, EnsureStream(js, stream, subject))
	require.NoError(t, EnsureStream(js, stream, subject), "existing stream is reused")
	defer js.DeleteStream(stream)

	received := make(chan *Event, 4)
	w, err := NewWatcher(nc, WatcherConfig{
		StreamName:    stream,
		Subject:       subject,
		DurableName:   "test-watcher",
		AckWait:       5 * time.Second,
		MaxDeliveries: 2,
	}, func(e *Event) error {
		received <- e
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	sent := NewEvent("wrd").WithRound(2).WithMatch("M7")
	require.NoError(t, Publish(ctx, js, fmt.Sprintf("test.scoring.%s.wrd", suffix), sent))

	// Malformed payloads are terminated, not delivered
	_, err = js.Publish(fmt.Sprintf("test.scoring.%s.junk", suffix), []byte("not json"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, sent.EventID, got.EventID)
		assert.Equal(t, "wrd", got.EventType)
		require.NotNil(t, got.Round)
		assert.Equal(t, 2, *got.Round)
		assert.Equal(t, "M7", *got.MatchID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected delivery %s", got.EventID)
	case <-time.After(200 * time.Millisecond):
	}
}
