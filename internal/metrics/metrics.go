// Package metrics holds the prometheus collectors of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "liqguard"

// MonitoredWallets is the number of wallets with a running monitor.
var MonitoredWallets = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "wallets",
		Help:      "Wallets currently monitored",
	},
)

// DispatchRuns counts pipeline runs by trigger (initial, poll, feed) and outcome.
var DispatchRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "dispatch_runs_total",
		Help:      "Dispatch pipeline runs",
	},
	[]string{"trigger", "outcome"},
)

// DispatchDuration observes one pipeline run.
var DispatchDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of a dispatch pipeline run",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
)

// PayloadsRejected counts updates dropped by normalization, by kind.
var PayloadsRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "payloads_rejected_total",
		Help:      "Market payloads dropped because their shape or fields were invalid",
	},
	[]string{"kind"},
)

// QueueOverflows counts feed updates dropped because a wallet queue was full.
var QueueOverflows = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "queue_overflows_total",
		Help:      "Realtime updates dropped on a full wallet queue",
	},
)

// MarginRatio is the last margin ratio seen per wallet.
var MarginRatio = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "margin_ratio_percent",
		Help:      "Last observed account margin ratio",
	},
	[]string{"wallet"},
)

// AlertsTotal counts alert outcomes by severity: sent, throttled, failed.
var AlertsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "total",
		Help:      "Alert decisions by severity and outcome",
	},
	[]string{"severity", "outcome"},
)

// ThrottleKeys is the number of live throttle entries.
var ThrottleKeys = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "throttle_keys",
		Help:      "Entries in the alert throttle map",
	},
)

// FeedState is 1 for the current feed state label, 0 for the others.
var FeedState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "state",
		Help:      "Realtime feed connection state",
	},
	[]string{"state"},
)

// FeedReconnects counts reconnect attempts.
var FeedReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Realtime feed reconnect attempts",
	},
)

// FeedMessages counts inbound frames by outcome: routed, unroutable, failed.
var FeedMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "messages_total",
		Help:      "Inbound realtime frames",
	},
	[]string{"outcome"},
)

// JobRuns counts cron job runs by job and outcome.
var JobRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "runs_total",
		Help:      "Scheduled job runs",
	},
	[]string{"job", "outcome"},
)

// SetFeedState flips the state gauge to state.
func SetFeedState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		FeedState.WithLabelValues(s).Set(v)
	}
}
