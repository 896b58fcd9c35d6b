package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// WatcherConfig holds the configuration for the NATS event watcher
type WatcherConfig struct {
	StreamName    string        // JetStream stream name
	Subject       string        // Subject to subscribe to
	QueueGroup    string        // Queue group name (optional)
	DurableName   string        // Durable consumer name
	AckWait       time.Duration // How long to wait for ACK
	MaxDeliveries int           // Maximum number of delivery attempts
}

// Handler processes a decoded event. Returning an error NAKs the message.
type Handler func(*Event) error

// Watcher consumes scoring events published as CloudEvents on a JetStream stream
type Watcher struct {
	js      nats.JetStreamContext
	sub     *nats.Subscription
	config  WatcherConfig
	handler Handler
	logger  *zap.Logger
}

// NewWatcher creates a new NATS event watcher on an existing connection
func NewWatcher(nc *nats.Conn, config WatcherConfig, handler Handler, logger *zap.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Watcher{
		js:      js,
		config:  config,
		handler: handler,
		logger:  logger.Named("watcher"),
	}, nil
}

// Start begins watching for events. The subscription is dropped when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	consumerConfig := &nats.ConsumerConfig{
		Durable:        w.config.DurableName,
		AckPolicy:      nats.AckExplicitPolicy,
		DeliverPolicy:  nats.DeliverNewPolicy,
		AckWait:        w.config.AckWait,
		MaxDeliver:     w.config.MaxDeliveries,
		FilterSubject:  w.config.Subject,
		DeliverSubject: nats.NewInbox(),
	}
	if w.config.QueueGroup != "" {
		consumerConfig.DeliverGroup = w.config.QueueGroup
	}

	// An existing durable keeps its delivery subject across restarts
	_, err := w.js.ConsumerInfo(w.config.StreamName, w.config.DurableName)
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		if _, err := w.js.AddConsumer(w.config.StreamName, consumerConfig); err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to look up consumer: %w", err)
	}

	opts := []nats.SubOpt{nats.Bind(w.config.StreamName, w.config.DurableName), nats.ManualAck()}

	var sub *nats.Subscription
	if w.config.QueueGroup != "" {
		sub, err = w.js.QueueSubscribe(w.config.Subject, w.config.QueueGroup, w.handleMessage, opts...)
	} else {
		sub, err = w.js.Subscribe(w.config.Subject, w.handleMessage, opts...)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	w.sub = sub
	w.logger.Info("watching for events",
		zap.String("stream", w.config.StreamName),
		zap.String("subject", w.config.Subject))

	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	return nil
}

// Stop stops watching for events. The connection is owned by the caller.
func (w *Watcher) Stop() {
	if w.sub != nil {
		if err := w.sub.Unsubscribe(); err != nil {
			w.logger.Warn("error unsubscribing", zap.Error(err))
		}
		w.sub = nil
	}
}

// handleMessage processes incoming NATS messages
func (w *Watcher) handleMessage(msg *nats.Msg) {
	ce := cloudevents.NewEvent()
	if err := ce.UnmarshalJSON(msg.Data); err != nil {
		// Malformed payloads never become valid; terminate redelivery.
		w.logger.Warn("error unmarshaling cloudevent", zap.Error(err))
		if err := msg.Term(); err != nil {
			w.logger.Warn("error sending TERM", zap.Error(err))
		}
		return
	}

	evt, err := FromCloudEvent(&ce)
	if err != nil {
		w.logger.Warn("error converting cloudevent", zap.String("id", ce.ID()), zap.Error(err))
		if err := msg.Term(); err != nil {
			w.logger.Warn("error sending TERM", zap.Error(err))
		}
		return
	}

	if err := w.handler(evt); err != nil {
		w.logger.Warn("error processing event",
			zap.String("event_id", evt.EventID),
			zap.String("event_type", evt.EventType),
			zap.Error(err))
		if err := msg.Nak(); err != nil {
			w.logger.Warn("error sending NAK", zap.Error(err))
		}
		return
	}

	if err := msg.Ack(); err != nil {
		w.logger.Warn("error sending ACK", zap.Error(err))
	}
}

// Publish publishes an event as a CloudEvent on the given JetStream subject.
func Publish(ctx context.Context, js nats.JetStreamContext, subject string, e *Event) error {
	ce := e.ToCloudEvent()
	data, err := ce.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal cloudevent: %w", err)
	}
	if _, err := js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// EnsureStream creates the event stream if it does not exist yet
func EnsureStream(js nats.JetStreamContext, name string, subjects ...string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}
	if _, err := js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
	}); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}
