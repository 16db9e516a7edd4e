package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	locationsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "locations_consumed_total",
		Help: "Driver location messages consumed",
	})
	locationsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "locations_invalid_total",
		Help: "Invalid location messages received",
	})
	geoUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "geo_updates_total",
		Help: "Successful geo index updates",
	})
	geoErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ride_dispatch", Name: "geo_errors_total",
		Help: "Geo index update failures after retries",
	})
)

// LocationConsumer drains the driver-locations topic into the geo index.
type LocationConsumer struct {
	Reader *kafka.Reader
	Store  geo.Store
	Logger *slog.Logger

	// retry policy for one geo update
	Attempts int
	Delay    time.Duration
}

func NewLocationConsumer(brokers []string, topic, group string, store geo.Store, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return &LocationConsumer{Reader: r, Store: store, Logger: logger, Attempts: 3, Delay: 200 * time.Millisecond}
}

// Run consumes until the context is cancelled. Read errors back off
// exponentially; a message whose geo update keeps failing is counted and
// skipped rather than stalling the partition.
func (c *LocationConsumer) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := c.Reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.Logger.Info("location consumer shutting down")
				return
			}
			c.Logger.Error("kafka read error", "error", err, "backoff", backoff.String())
			if !waitOrDone(ctx, backoff) {
				c.Logger.Info("location consumer shutting down")
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		locationsConsumed.Inc()

		var d models.Driver
		if err := json.Unmarshal(m.Value, &d); err != nil || d.ID == "" {
			locationsInvalid.Inc()
			c.Logger.Warn("invalid location message", "error", err)
			continue
		}
		if err := updateWithRetry(ctx, c.Store, d, c.Attempts, c.Delay); err != nil {
			geoErrors.Inc()
			c.Logger.Error("geo update failed", "driver_id", d.ID, "error", err)
			continue
		}
		geoUpdates.Inc()
	}
}

func (c *LocationConsumer) Close() error { return c.Reader.Close() }

// waitOrDone sleeps for d, cut short when ctx ends. Reports whether the
// full wait elapsed.
func waitOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// updateWithRetry upserts the driver position with bounded backoff.
func updateWithRetry(ctx context.Context, store geo.Store, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.Upsert(ctx, d); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
