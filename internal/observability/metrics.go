package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_consumed_total", Help: "Domain events consumed, by type"},
		[]string{"type"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_dropped_total", Help: "Domain events dropped (handler error or unknown type)"},
		[]string{"reason"},
	)
	OffersSent = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_sent_total", Help: "Ride offers pushed to drivers"},
	)
	OfferRounds = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offer_rounds_total", Help: "Offer rounds started, including reassignments"},
	)
	AcceptRacesLost = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_races_lost_total", Help: "Driver acceptances that lost the assignment race"},
	)
	RidesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Rides cancelled, by reason"},
		[]string{"reason"},
	)
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_connections_open", Help: "Websocket connections currently open"},
	)
	FanoutPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "fanout_published_total", Help: "Fanout envelopes published to the backplane, by event"},
		[]string{"event"},
	)
	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "fanout_delivered_total", Help: "Fanout messages written to local connections"},
	)
	DispatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "dispatch_round_seconds",
			Help:      "Latency of one offer round, search through fanout",
			Buckets:   prometheus.DefBuckets,
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
