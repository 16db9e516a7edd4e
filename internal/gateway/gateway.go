package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// Event names delivered to clients.
const (
	EventNewRideAvailable = "NEW_RIDE_AVAILABLE"
	EventRideStatusUpdate = "RIDE_STATUS_UPDATE"
	EventRideCompleted    = "RIDE_COMPLETED"
)

// wsMessage is the frame format in both directions.
type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// envelope is what crosses the backplane.
type envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// LocationPublisher receives driver location frames read off the socket.
type LocationPublisher interface {
	Publish(ctx context.Context, d models.Driver) error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Gateway authenticates inbound connections and fans events out to them,
// across instances via the backplane.
type Gateway struct {
	Hub       *Hub
	Presence  *presence.Registry
	Verifier  auth.Verifier
	Backplane Backplane
	Locations LocationPublisher // optional
	Logger    *slog.Logger
}

func New(hub *Hub, reg *presence.Registry, verifier auth.Verifier, backplane Backplane, logger *slog.Logger) *Gateway {
	return &Gateway{Hub: hub, Presence: reg, Verifier: verifier, Backplane: backplane, Logger: logger}
}

// Run pumps backplane envelopes into local delivery until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	g.Backplane.Run(ctx, g.deliverLocal)
}

// Close tears down every connection and releases the backplane link.
func (g *Gateway) Close() {
	g.Hub.CloseAll()
	_ = g.Backplane.Close()
}

func (g *Gateway) deliverLocal(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		g.Logger.Warn("malformed backplane envelope", "error", err)
		return
	}
	n := g.Hub.Deliver(env.Channel, wsMessage{Event: env.Event, Data: env.Data})
	if n > 0 {
		observability.FanoutDelivered.Add(float64(n))
	}
}

// SendToUser delivers one event to every connection of one user.
func (g *Gateway) SendToUser(ctx context.Context, role models.Role, userID, event string, data interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{Channel: ChannelKey(role, userID), Event: event, Data: b})
	if err != nil {
		return err
	}
	observability.FanoutPublished.WithLabelValues(event).Inc()
	return g.Backplane.Publish(ctx, env)
}

// SendToUsers fans one event out to many users of a role. Each send is
// independent: failure for one id does not roll back the others.
func (g *Gateway) SendToUsers(ctx context.Context, role models.Role, userIDs []string, event string, data interface{}) error {
	var errs []error
	for _, id := range userIDs {
		if err := g.SendToUser(ctx, role, id, event, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendToPair notifies both parties of a ride. An empty driver id sends to
// the customer only.
func (g *Gateway) SendToPair(ctx context.Context, customerID, driverID, event string, data interface{}) error {
	err := g.SendToUser(ctx, models.RoleCustomer, customerID, event, data)
	if driverID != "" {
		if derr := g.SendToUser(ctx, models.RoleDriver, driverID, event, data); derr != nil {
			err = errors.Join(err, derr)
		}
	}
	return err
}

// HandleWS is the connection handshake endpoint. The credential is checked
// before the upgrade so a rejected client gets a plain HTTP error with the
// distinguishing reason.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	ident, err := g.Verifier.Verify(token)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			http.Error(w, "Authentication token required", status)
		default:
			http.Error(w, "Invalid or expired token", status)
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := uuid.NewString()
	channel := ChannelKey(ident.Role, ident.UserID)
	client := g.Hub.Add(channel, connID, conn)
	g.Presence.MarkOnline(ident.UserID, ident.Role, connID)
	observability.ConnectionsOpen.Inc()
	g.Logger.Info("client connected", "channel", channel, "conn_id", connID)

	go g.readLoop(client, conn, ident, channel, connID)
}

func (g *Gateway) readLoop(client *Client, conn *websocket.Conn, ident auth.Identity, channel, connID string) {
	defer func() {
		g.Hub.Remove(channel, connID)
		g.Presence.MarkOffline(connID)
		observability.ConnectionsOpen.Dec()
		_ = conn.Close()
		g.Logger.Info("client disconnected", "channel", channel, "conn_id", connID)
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Event {
		case "ping":
			// liveness only, no application effect
			_ = client.Send(wsMessage{Event: "pong"})
		case "location":
			if ident.Role != models.RoleDriver || g.Locations == nil {
				continue
			}
			var d models.Driver
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				g.Logger.Warn("malformed location frame", "conn_id", connID, "error", err)
				continue
			}
			d.ID = ident.UserID
			d.Online = true
			d.Updated = time.Now()
			pubCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := g.Locations.Publish(pubCtx, d); err != nil {
				g.Logger.Error("location publish failed", "driver_id", d.ID, "error", err)
			}
			cancel()
		default:
			g.Logger.Debug("ignoring client frame", "event", msg.Event, "conn_id", connID)
		}
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.URL.Query().Get("token")
}
