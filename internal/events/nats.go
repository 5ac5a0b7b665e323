package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	streamName    = "FLOWPLANE_EVENTS"
	subjectPrefix = "flowplane."
	streamMaxAge  = 24 * time.Hour
)

// Subject returns the NATS subject an event type is published on
func Subject(t Type) string {
	return subjectPrefix + string(t)
}

// NATSPublisher publishes events to a JetStream stream
type NATSPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher creates the event stream if needed and returns a publisher
func NewNATSPublisher(js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		js:     js,
		logger: logger.Named("event-publisher"),
	}

	if err := p.setupStream(); err != nil {
		return nil, fmt.Errorf("failed to setup event stream: %w", err)
	}

	return p, nil
}

func (p *NATSPublisher) setupStream() error {
	_, err := p.js.StreamInfo(streamName)
	if err == nil {
		p.logger.Info("Using existing event stream", zap.String("stream", streamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("Created event stream", zap.String("stream", streamName))
	return nil
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(Subject(event.Type), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Event published",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))
	return nil
}

// Subscribe delivers events whose subject matches filter (for example
// "task.*" or ">") to handler until ctx is done
func (p *NATSPublisher) Subscribe(ctx context.Context, filter string, handler func(*Event)) error {
	sub, err := p.js.Subscribe(subjectPrefix+filter, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.logger.Error("Failed to unmarshal event", zap.Error(err))
			return
		}

		handler(&event)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
