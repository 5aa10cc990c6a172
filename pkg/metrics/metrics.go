package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// File processing metrics
var (
	FilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscan_files_total",
			Help: "Total number of mail files processed, by result",
		},
		[]string{"result"},
	)

	BytesReadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailscan_bytes_read_total",
			Help: "Total number of header bytes read from mail files",
		},
	)

	AddressesMatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailscan_addresses_matched_total",
			Help: "Total number of addresses accepted by the matcher",
		},
	)

	HeaderParseErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailscan_header_parse_errors_total",
			Help: "Total number of address header fields that failed to parse",
		},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailscan_scan_duration_seconds",
			Help:    "Wall clock duration of a complete scan",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)
)

// Executor and ring metrics
var (
	RingSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscan_ring_submissions_total",
			Help: "Total number of requests pushed to a ring, by operation",
		},
		[]string{"op"},
	)

	RingCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailscan_ring_completions_total",
			Help: "Total number of completions consumed from a ring, by result",
		},
		[]string{"result"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailscan_tasks_in_flight",
			Help: "Number of suspended per-file tasks across all executors",
		},
	)

	SpawnExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailscan_spawn_exhausted_total",
			Help: "Number of spawn attempts rejected because the task slab was full",
		},
	)
)

// Result label values for FilesTotal.
const (
	ResultOK        = "ok"
	ResultError     = "error"
	ResultDuplicate = "duplicate"
	ResultTruncated = "truncated"
)

// WriteTextfile writes all registered metrics to path in the text exposition
// format, atomically, for the node_exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
