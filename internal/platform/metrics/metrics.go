// Package metrics exposes prometheus counters for the subscription engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirsub_events_processed_total",
		Help: "Resource-change events evaluated against the subscription index.",
	})
	MatchesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirsub_matches_emitted_total",
		Help: "Notify messages emitted for matched resource events.",
	})
	LifecycleActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirsub_subscription_activations_total",
		Help: "Subscriptions validated and activated.",
	})
	LifecycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirsub_subscription_errors_total",
		Help: "Subscriptions transitioned to error during validation.",
	})
	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirsub_notifications_delivered_total",
		Help: "Notifications acknowledged as delivered.",
	})
	NotificationsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirsub_notifications_retried_total",
		Help: "Notification deliveries rescheduled after a transient failure.",
	})
	NotificationsDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhirsub_notifications_dead_lettered_total",
		Help: "Notifications quarantined after a permanent failure.",
	})
)
