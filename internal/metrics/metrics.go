package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AlertsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "correlation_alerts_received_total",
		Help: "Raw alerts received, by source.",
	}, []string{"source"})

	AlertsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "correlation_alerts_dropped_total",
		Help: "Raw alerts dropped as malformed, by source.",
	}, []string{"source"})

	AlertsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_alerts_duplicate_total",
		Help: "Alerts discarded by case-level deduplication.",
	})

	AlertsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_alerts_merged_total",
		Help: "Alerts appended to a case.",
	})

	CasesEscalated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_cases_escalated_total",
		Help: "Cases that became critical.",
	})

	CasesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "correlation_cases_open",
		Help: "Cases currently held in memory.",
	})

	SnapshotProgress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "correlation_snapshot_progress",
		Help: "Processed and total alerts of the most recent snapshot load.",
	}, []string{"kind"})

	GeofenceFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "correlation_geofence_fetches_total",
		Help: "Geofence source fetches, by source and outcome.",
	}, []string{"source", "outcome"})

	GeofenceMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "correlation_geofence_malformed_total",
		Help: "Geofences dropped at load or skipped while matching.",
	}, []string{"stage"})

	JournalChannelDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_journal_channel_drops_total",
		Help: "Case events dropped because the journal channel was full.",
	})

	StateChannelDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_state_channel_drops_total",
		Help: "Case events dropped because the state channel was full.",
	})

	JournalWriteSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_journal_write_success_total",
		Help: "Escalation rows written to the journal.",
	})

	JournalWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_journal_write_failures_total",
		Help: "Escalation rows lost after a failed retry.",
	})

	StateWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_state_write_failures_total",
		Help: "Case state mirror writes that failed.",
	})

	HubDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "correlation_hub_drops_total",
		Help: "Case events not delivered to a slow stream client.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "correlation_http_requests_total",
		Help: "Operator API requests, by route and status code.",
	}, []string{"route", "code"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
