// Package metrics exposes the server's Prometheus collectors.
//
// Collectors are registered on the default registry via promauto so packages
// can record without wiring; the app mounts promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesCreated counts messages accepted by the pipeline, by ingress source.
	MessagesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "chat",
		Name:      "messages_created_total",
		Help:      "Messages persisted by the message pipeline.",
	}, []string{"source", "room_kind"})

	// DuplicateSubmissions counts ingress attempts rejected by the duplicate-attempt detector.
	DuplicateSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "chat",
		Name:      "duplicate_submissions_total",
		Help:      "Message attempts rejected as duplicate submissions.",
	}, []string{"source"})

	// NotificationsDelivered counts notifications dispatched to recipients.
	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "notify",
		Name:      "delivered_total",
		Help:      "Notifications delivered to recipients (one per message per user).",
	})

	// NotificationsSuppressed counts deliveries skipped by the dedup cache.
	NotificationsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "notify",
		Name:      "suppressed_total",
		Help:      "Notification deliveries suppressed by the dedup cache.",
	})

	// HTTPRequests counts served HTTP requests by method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by method and response status.",
	}, []string{"method", "status"})

	// LiveConnections tracks currently registered websocket sessions.
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "neighborly",
		Subsystem: "realtime",
		Name:      "live_connections",
		Help:      "Currently registered realtime connections.",
	})

	// ForcedDisconnects counts server-initiated session terminations by reason.
	ForcedDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "neighborly",
		Subsystem: "realtime",
		Name:      "forced_disconnects_total",
		Help:      "Server-initiated session terminations.",
	}, []string{"reason"})
)
