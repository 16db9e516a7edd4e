package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/ride-dispatch/internal/observability"
)

// Bound event types. booking.created is the historical alias for
// ride-requested and kept for wire compatibility.
const (
	TypeRideRequested = "booking.created"
	TypeRideAccepted  = "ride.accepted"
	TypeRideRejected  = "ride.rejected"
	TypeRidePickup    = "ride.pickup"
	TypeRideStarted   = "ride.started"
	TypeRideCompleted = "ride.completed"
	TypeRideCancelled = "ride.cancelled"
)

// Handler processes one event payload. A returned error drops the message
// without requeue; the emitting business process owns retries.
type Handler func(ctx context.Context, payload json.RawMessage) error

// envelope is the broker message body.
type envelope struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// Consumer holds a durable subscription on the topic exchange and routes
// each message to the handler bound to its event type. The binding set is
// fixed at startup.
type Consumer struct {
	URL      string
	Exchange string
	Queue    string
	Retry    time.Duration
	Handlers map[string]Handler
	Logger   *slog.Logger
}

// Run consumes until ctx is cancelled. Broker failures at startup or
// mid-run are retried on a fixed interval indefinitely; they never take
// the process down.
func (c *Consumer) Run(ctx context.Context) {
	retry := c.Retry
	if retry <= 0 {
		retry = 5 * time.Second
	}
	for {
		if err := c.consume(ctx); err != nil {
			c.Logger.Error("broker connection lost", "error", err, "retry_in", retry.String())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for t := range c.Handlers {
		if err := ch.QueueBind(q.Name, t, c.Exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.Logger.Info("consuming domain events", "queue", q.Name, "exchange", c.Exchange)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	eventType, payload := decode(d.RoutingKey, d.Body)

	h, ok := c.Handlers[eventType]
	if !ok {
		c.Logger.Warn("unknown event type, skipping", "type", eventType)
		observability.EventsDropped.WithLabelValues("unknown_type").Inc()
		_ = d.Ack(false)
		return
	}
	observability.EventsConsumed.WithLabelValues(eventType).Inc()

	if err := h(ctx, payload); err != nil {
		// drop, no requeue: availability over redelivery, a poison
		// message must not stall the queue
		c.Logger.Error("event handler failed", "type", eventType, "error", err)
		observability.EventsDropped.WithLabelValues("handler_error").Inc()
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// decode extracts the event type and payload from the message body,
// falling back to the routing key and raw body for producers that publish
// the payload bare.
func decode(routingKey string, body []byte) (string, json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.EventType != "" && len(env.Payload) > 0 {
		return env.EventType, env.Payload
	}
	return routingKey, body
}
