// Package metrics defines the Prometheus collectors exposed on /metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IdentifyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fern",
		Name:      "identify_requests_total",
		Help:      "Total identify requests by result",
	}, []string{"result"})

	IdentifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fern",
		Name:      "identify_duration_seconds",
		Help:      "Identify request latency",
		Buckets:   prometheus.DefBuckets,
	})

	ContactsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fern",
		Name:      "contacts_created_total",
		Help:      "Contacts created by link precedence",
	}, []string{"link_precedence"})

	IdentityMerges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fern",
		Name:      "identity_merges_total",
		Help:      "Identity groups merged together",
	})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fern",
		Name:      "events_emitted_total",
		Help:      "Identity events emitted to Kafka by type and status",
	}, []string{"type", "status"})

	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fern",
		Name:      "messages_consumed_total",
		Help:      "Identify messages consumed from Kafka by status",
	}, []string{"status"})
)
