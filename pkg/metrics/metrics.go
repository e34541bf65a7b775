// Package metrics exports the installer's prometheus gauges/counters:
// pipeline throughput, placeholder lifecycle, ticket imports, and
// skip/downgrade decisions. Grounded on cuemby-warren/pkg/metrics/metrics.go
// (global prometheus.MustRegister vars, a Timer helper for histograms).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BytesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yati_pipeline_bytes_written_total",
			Help: "Total bytes written to placeholders across all pipeline runs.",
		},
	)

	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yati_pipeline_runs_total",
			Help: "Total pipeline runs by outcome (ok, failed, cancelled).",
		},
		[]string{"outcome"},
	)

	PlaceholdersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yati_placeholders_created_total",
			Help: "Total placeholders created.",
		},
	)

	PlaceholdersRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yati_placeholders_registered_total",
			Help: "Total placeholders promoted to registered content.",
		},
	)

	PlaceholdersDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yati_placeholders_deleted_total",
			Help: "Total placeholders discarded without registering.",
		},
	)

	TicketsImportedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yati_tickets_imported_total",
			Help: "Total tickets imported into the ticket store.",
		},
	)

	ContentsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yati_contents_skipped_total",
			Help: "Total CNMTs skipped by reason (already_installed, downgrade, type_disabled, invalid_meta_type).",
		},
		[]string{"reason"},
	)

	ContentMetaTypeCounts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "yati_content_meta_records",
			Help: "Installed content-meta record count by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		BytesWrittenTotal,
		PipelineRunsTotal,
		PlaceholdersCreatedTotal,
		PlaceholdersRegisteredTotal,
		PlaceholdersDeletedTotal,
		TicketsImportedTotal,
		ContentsSkippedTotal,
		ContentMetaTypeCounts,
	)
}

// Handler returns the prometheus scrape handler for wiring into an HTTP
// mux, e.g. for a sidecar metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
