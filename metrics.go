package convsync

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "events_received_total",
		Help:      "Channel events accepted, by event type.",
	}, []string{"type"})

	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "events_dropped_total",
		Help:      "Channel events dropped because they were malformed or unknown, by known event type, \"unknown\" or \"invalid_frame\".",
	}, []string{"type"})

	sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "sends_total",
		Help:      "Message sends, by outcome (confirmed, failed).",
	}, []string{"outcome"})

	fetchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "fetch_failures_total",
		Help:      "Snapshot fetches that failed, by kind.",
	}, []string{"kind"})

	staleFetches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "stale_fetches_discarded_total",
		Help:      "Message fetches discarded because their conversation was no longer active.",
	})

	reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "channel_reconnects_total",
		Help:      "Successful event channel reconnects.",
	})

	receiptsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convsync",
		Name:      "read_receipts_total",
		Help:      "Read receipts issued, by persistence outcome (persisted, fallback).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(eventsReceived, eventsDropped, sendsTotal, fetchFailures, staleFetches, reconnects, receiptsSent)
}
