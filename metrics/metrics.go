// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSyncCycle = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportview_sync_cycles_total",
			Help: "Sync cycles and their results.",
		},
		[]string{
			"result", // ok, partial, error, skipped
		},
	)
	metricSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reportview_sync_cycle_duration_seconds",
			Help:    "Duration of sync cycles.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	metricMailsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reportview_mails_fetched_total",
			Help: "Mails fetched from the mailbox, including oversized mails.",
		},
	)
	metricDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportview_documents_extracted_total",
			Help: "Report documents extracted from mail attachments.",
		},
		[]string{
			"kind", // dmarc, tlsrpt, unknown
		},
	)
	metricParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportview_parse_errors_total",
			Help: "Report documents that failed to decode or parse.",
		},
		[]string{
			"kind", // dmarc, tlsrpt, decode
		},
	)
	metricEnrichLookup = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reportview_enrichment_lookups_total",
			Help: "Enrichment lookups by feature and result.",
		},
		[]string{
			"feature", // dns, geo, whois
			"result",  // found, notfound, unavailable, cached
		},
	)
)

// SyncCycleObserve records the result and duration of one sync cycle.
func SyncCycleObserve(result string, start time.Time) {
	metricSyncCycle.WithLabelValues(result).Inc()
	metricSyncDuration.Observe(time.Since(start).Seconds())
}

// SyncCycleSkipped counts a scheduler trigger dropped because a cycle was
// still running.
func SyncCycleSkipped() {
	metricSyncCycle.WithLabelValues("skipped").Inc()
}

func MailsFetchedAdd(n int) {
	metricMailsFetched.Add(float64(n))
}

func DocumentInc(kind string) {
	metricDocuments.WithLabelValues(kind).Inc()
}

func ParseErrorInc(kind string) {
	metricParseErrors.WithLabelValues(kind).Inc()
}

func EnrichLookupInc(feature, result string) {
	metricEnrichLookup.WithLabelValues(feature, result).Inc()
}
