// Package events publishes pipeline notifications (submission outcomes,
// reconciliation anomalies) for downstream consumers such as the billing
// module or an operator alerting channel.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Event types.
const (
	SubmissionOutcome     = "submission.outcome"
	ReconciliationAnomaly = "reconciliation.anomaly"
	ClaimSettled          = "claim.settled"
)

// Event is the envelope written to the broker.
type Event struct {
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }

// Memory keeps published events in order. Used by tests and the development
// server when no broker is configured.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, eventType string, data interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Type: eventType, OccurredAt: time.Now(), Data: data})
	return nil
}

// Events returns a snapshot of what has been published.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the published events with the given type.
func (m *Memory) OfType(eventType string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// AMQP publishes to a durable topic exchange with publisher confirms. The
// event type is the routing key.
type AMQP struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &AMQP{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

// Publish sends one event and waits for the broker to confirm it.
func (a *AMQP) Publish(ctx context.Context, eventType string, data interface{}) error {
	body, err := json.Marshal(Event{Type: eventType, OccurredAt: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if err := a.ch.PublishWithContext(ctx, a.exchange, eventType, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	select {
	case confirmed := <-a.confirms:
		if !confirmed.Ack {
			return fmt.Errorf("publish %s: message not confirmed", eventType)
		}
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", eventType, ctx.Err())
	}
	return nil
}

// Close shuts down the channel and connection.
func (a *AMQP) Close() error {
	a.ch.Close()
	return a.conn.Close()
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*Memory)(nil)
	_ Publisher = (*AMQP)(nil)
)
