package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// stubVerifier maps token strings straight to identities.
type stubVerifier struct{ idents map[string]auth.Identity }

func (s *stubVerifier) Verify(token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, auth.ErrMissingToken
	}
	ident, ok := s.idents[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return ident, nil
}

type recordPublisher struct {
	mu      sync.Mutex
	drivers []models.Driver
}

func (r *recordPublisher) Publish(ctx context.Context, d models.Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = append(r.drivers, d)
	return nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testGateway() (*Gateway, *presence.Registry) {
	reg := presence.NewRegistry()
	lb := NewLoopbackBackplane()
	gw := New(NewHub(), reg, &stubVerifier{idents: map[string]auth.Identity{
		"driver-token":   {UserID: "d1", Role: models.RoleDriver},
		"customer-token": {UserID: "u1", Role: models.RoleCustomer},
	}}, lb, discardLogger())
	// short-circuit the backplane without running the pump goroutine
	lb.handler = gw.deliverLocal
	return gw, reg
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%+v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func TestChannelKeySeparatesRoles(t *testing.T) {
	if ChannelKey(models.RoleCustomer, "x") == ChannelKey(models.RoleDriver, "x") {
		t.Fatal("customer and driver with the same id must map to distinct channels")
	}
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	gw, _ := testGateway()
	srv := httptest.NewServer(NewServer(gw, nil, discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Authentication token required") {
		t.Fatalf("missing-token reason not surfaced: %q", body)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	gw, _ := testGateway()
	srv := httptest.NewServer(NewServer(gw, nil, discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws?token=garbage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Invalid or expired token") {
		t.Fatalf("invalid-token reason not surfaced: %q", body)
	}
}

func TestConnectDeliverDisconnect(t *testing.T) {
	gw, reg := testGateway()
	srv := httptest.NewServer(NewServer(gw, nil, discardLogger()))
	defer srv.Close()

	conn := dial(t, srv, "driver-token")
	defer conn.Close()

	waitFor(t, func() bool { return reg.IsOnline("d1") }, "driver never came online")

	if err := gw.SendToUser(context.Background(), models.RoleDriver, "d1", EventNewRideAvailable, map[string]string{"rideId": "r1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != EventNewRideAvailable {
		t.Fatalf("expected %s, got %s", EventNewRideAvailable, msg.Event)
	}
	var data map[string]string
	if err := json.Unmarshal(msg.Data, &data); err != nil || data["rideId"] != "r1" {
		t.Fatalf("unexpected data %s (err=%v)", msg.Data, err)
	}

	conn.Close()
	waitFor(t, func() bool { return !reg.IsOnline("d1") }, "driver never went offline")
}

func TestPingPong(t *testing.T) {
	gw, _ := testGateway()
	srv := httptest.NewServer(NewServer(gw, nil, discardLogger()))
	defer srv.Close()

	conn := dial(t, srv, "customer-token")
	defer conn.Close()

	if err := conn.WriteJSON(wsMessage{Event: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != "pong" {
		t.Fatalf("expected pong, got %s", msg.Event)
	}
}

func TestDriverLocationFramesReachPublisher(t *testing.T) {
	gw, _ := testGateway()
	pub := &recordPublisher{}
	gw.Locations = pub
	srv := httptest.NewServer(NewServer(gw, nil, discardLogger()))
	defer srv.Close()

	conn := dial(t, srv, "driver-token")
	defer conn.Close()

	loc, _ := json.Marshal(models.Driver{Loc: models.Coord{Lat: 12.9, Lon: 77.6}, Online: true})
	if err := conn.WriteJSON(wsMessage{Event: "location", Data: loc}); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.drivers) == 1
	}, "location frame never published")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if pub.drivers[0].ID != "d1" {
		t.Fatalf("driver id must come from the verified identity, got %q", pub.drivers[0].ID)
	}
}

func TestCustomerLocationFramesIgnored(t *testing.T) {
	gw, _ := testGateway()
	pub := &recordPublisher{}
	gw.Locations = pub
	srv := httptest.NewServer(NewServer(gw, nil, discardLogger()))
	defer srv.Close()

	conn := dial(t, srv, "customer-token")
	defer conn.Close()

	loc, _ := json.Marshal(models.Driver{Loc: models.Coord{Lat: 1, Lon: 2}})
	if err := conn.WriteJSON(wsMessage{Event: "location", Data: loc}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// a ping round-trip proves the location frame was already read and dropped
	if err := conn.WriteJSON(wsMessage{Event: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.drivers) != 0 {
		t.Fatalf("customer frames must not publish locations, got %v", pub.drivers)
	}
}

func TestSendToPairSkipsEmptyDriver(t *testing.T) {
	gw, _ := testGateway()
	rec := &recordBackplane{}
	gw.Backplane = rec

	if err := gw.SendToPair(context.Background(), "u1", "", EventRideStatusUpdate, map[string]string{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.payloads) != 1 {
		t.Fatalf("expected one envelope, got %d", len(rec.payloads))
	}
	var env envelope
	if err := json.Unmarshal(rec.payloads[0], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Channel != ChannelKey(models.RoleCustomer, "u1") {
		t.Fatalf("expected customer channel, got %s", env.Channel)
	}

	rec.payloads = nil
	if err := gw.SendToPair(context.Background(), "u1", "d1", EventRideStatusUpdate, map[string]string{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(rec.payloads) != 2 {
		t.Fatalf("expected both parties addressed, got %d envelopes", len(rec.payloads))
	}
}

type recordBackplane struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recordBackplane) Publish(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}
func (r *recordBackplane) Run(ctx context.Context, handler func(payload []byte)) { <-ctx.Done() }
func (r *recordBackplane) Close() error                                          { return nil }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
