package prometheus

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "safelink"

var (
	CacheLookups = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache lookups by result (hit, miss, error).",
	}, []string{"result"})

	CacheNotifications = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "notifications_total",
		Help:      "Change notifications applied by action (refreshed, evicted, skipped).",
	}, []string{"action"})

	CacheReconnects = promauto.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "listener_reconnects_total",
		Help:      "Times the change listener had to reconnect.",
	})

	CacheResyncs = promauto.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "resyncs_total",
		Help:      "Completed full cache resynchronizations.",
	})

	Admissions = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Creation requests by outcome.",
	}, []string{"outcome"})

	Redirects = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "redirect",
		Name:      "requests_total",
		Help:      "Resolution requests by result.",
	}, []string{"result"})

	Probes = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "redirect",
		Name:      "probes_total",
		Help:      "Reachability classification results (internal, reachable, unreachable).",
	}, []string{"result"})

	ClicksRecorded = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "clicks",
		Name:      "recorded_total",
		Help:      "Click increments by result.",
	}, []string{"result"})

	TasksDropped = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "dropped_total",
		Help:      "Deferred tasks dropped because the queue was full.",
	}, []string{"kind"})

	Enrichments = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrichment",
		Name:      "runs_total",
		Help:      "Metadata enrichment attempts by result.",
	}, []string{"result"})

	PhishingFeedSize = promauto.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "phishing",
		Name:      "feed_entries",
		Help:      "Entries in the in-memory phishing set.",
	})

	PhishingRefreshes = promauto.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "phishing",
		Name:      "refreshes_total",
		Help:      "Phishing feed refreshes by result.",
	}, []string{"result"})
)
