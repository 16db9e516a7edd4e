package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAck struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error { f.acked++; return nil }
func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}
func (f *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

func testConsumer(handlers map[string]Handler) *Consumer {
	return &Consumer{
		Handlers: handlers,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func delivery(ack amqp.Acknowledger, eventType string, payload interface{}) amqp.Delivery {
	p, _ := json.Marshal(payload)
	body, _ := json.Marshal(envelope{EventType: eventType, Payload: p})
	return amqp.Delivery{Acknowledger: ack, RoutingKey: eventType, Body: body}
}

func TestHandleDeliveryAcksOnSuccess(t *testing.T) {
	called := 0
	c := testConsumer(map[string]Handler{
		TypeRideStarted: func(ctx context.Context, payload json.RawMessage) error {
			called++
			return nil
		},
	})
	ack := &fakeAck{}
	c.handleDelivery(context.Background(), delivery(ack, TypeRideStarted, map[string]string{"rideId": "r1"}))
	if called != 1 || ack.acked != 1 || ack.nacked != 0 {
		t.Fatalf("expected one handled+acked message, called=%d acked=%d nacked=%d", called, ack.acked, ack.nacked)
	}
}

func TestHandleDeliveryDropsOnHandlerError(t *testing.T) {
	c := testConsumer(map[string]Handler{
		TypeRideStarted: func(ctx context.Context, payload json.RawMessage) error {
			return errors.New("boom")
		},
	})
	ack := &fakeAck{}
	c.handleDelivery(context.Background(), delivery(ack, TypeRideStarted, map[string]string{}))
	if ack.nacked != 1 {
		t.Fatalf("expected nack, got acked=%d nacked=%d", ack.acked, ack.nacked)
	}
	if ack.requeue {
		t.Fatal("failed message must be dropped, not requeued")
	}
}

func TestHandleDeliverySkipsUnknownType(t *testing.T) {
	called := 0
	c := testConsumer(map[string]Handler{
		TypeRideStarted: func(ctx context.Context, payload json.RawMessage) error {
			called++
			return nil
		},
	})
	ack := &fakeAck{}
	c.handleDelivery(context.Background(), delivery(ack, "payment.settled", map[string]string{}))
	if called != 0 {
		t.Fatal("no handler should run for an unknown type")
	}
	if ack.acked != 1 || ack.nacked != 0 {
		t.Fatalf("unknown type must be acked away, acked=%d nacked=%d", ack.acked, ack.nacked)
	}
}

func TestConsumerSurvivesPoisonMessage(t *testing.T) {
	// one failing message must not stop later ones from being handled
	seen := []string{}
	c := testConsumer(map[string]Handler{
		TypeRideAccepted: func(ctx context.Context, payload json.RawMessage) error {
			seen = append(seen, TypeRideAccepted)
			return errors.New("handler blew up")
		},
		TypeRideStarted: func(ctx context.Context, payload json.RawMessage) error {
			seen = append(seen, TypeRideStarted)
			return nil
		},
	})
	ack := &fakeAck{}
	c.handleDelivery(context.Background(), delivery(ack, TypeRideAccepted, map[string]string{}))
	c.handleDelivery(context.Background(), delivery(ack, TypeRideStarted, map[string]string{}))
	if len(seen) != 2 || seen[1] != TypeRideStarted {
		t.Fatalf("expected processing to continue past the failure, saw %v", seen)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	body, _ := json.Marshal(envelope{EventType: TypeRideCompleted, Payload: json.RawMessage(`{"rideId":"r1"}`)})
	typ, payload := decode("some.routing.key", body)
	if typ != TypeRideCompleted {
		t.Fatalf("expected envelope type, got %s", typ)
	}
	if string(payload) != `{"rideId":"r1"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestDecodeBareBodyFallsBackToRoutingKey(t *testing.T) {
	body := []byte(`{"rideId":"r1","driverId":"d1"}`)
	typ, payload := decode(TypeRideAccepted, body)
	if typ != TypeRideAccepted {
		t.Fatalf("expected routing key fallback, got %s", typ)
	}
	if string(payload) != string(body) {
		t.Fatalf("expected raw body as payload, got %s", payload)
	}
}
