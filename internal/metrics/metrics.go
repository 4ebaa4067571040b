package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalBlocks atomic.Int64

var (
	AttentionCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paged_attention_calls_total",
		Help: "Total number of paged attention calls",
	}, []string{"megacore"})

	AttentionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paged_attention_duration_seconds",
		Help:    "Histogram of paged attention call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"megacore"})

	BlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paged_attention_blocks_total",
		Help: "Compute blocks merged into an accumulator",
	}, []string{"core"})

	PagesCopied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paged_attention_pages_copied_total",
		Help: "K/V pages transferred into fast-memory slots (K and V counted once each)",
	})

	CellsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paged_attention_cells_skipped_total",
		Help: "Grid coordinates skipped without compute",
	}, []string{"reason"})

	CopyWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paged_attention_copy_wait_seconds",
		Help:    "Time spent blocked waiting for a slot transfer",
		Buckets: []float64{1e-7, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1},
	})

	FullyMaskedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paged_attention_fully_masked_rows_total",
		Help: "Accumulator rows whose normalizer was zero and replaced by one",
	})

	ScratchBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paged_attention_scratch_bytes",
		Help: "Float32 scratch currently checked out of buffer pools",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ConfigErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paged_attention_config_errors_total",
		Help: "Configuration errors rejected before launch",
	}, []string{"field"})

	SequenceLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paged_attention_sequence_length_tokens",
		Help:    "Distribution of sequence lengths processed",
		Buckets: []float64{0, 16, 128, 512, 1024, 2048, 4096, 8192, 32768},
	})

	FlightRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_requests_total",
		Help: "Flight DoExchange requests by outcome",
	}, []string{"status"})

	FlightRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flight_request_duration_seconds",
		Help:    "Flight DoExchange latency",
		Buckets: prometheus.DefBuckets,
	})

	FlightInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flight_requests_in_flight",
		Help: "Flight requests currently executing",
	})
)

func RecordAttention(megacore string, batch int, duration time.Duration) {
	if megacore == "" {
		megacore = "none"
	}
	AttentionCallsTotal.WithLabelValues(megacore).Inc()
	AttentionDuration.WithLabelValues(megacore).Observe(duration.Seconds())
}

func RecordBlock(core int, pages int) {
	totalBlocks.Add(1)
	BlocksProcessed.WithLabelValues(strconv.Itoa(core)).Inc()
	PagesCopied.Add(float64(2 * pages))
}

// TotalBlocks is the process-wide number of merged blocks.
func TotalBlocks() int64 {
	return totalBlocks.Load()
}

func RecordCellSkipped(reason string) {
	CellsSkipped.WithLabelValues(reason).Inc()
}

func RecordCopyWait(duration time.Duration) {
	CopyWaitDuration.Observe(duration.Seconds())
}

func RecordMaskedRows(n int) {
	if n > 0 {
		FullyMaskedRows.Add(float64(n))
	}
}

func RecordScratchBytes(bytes int64) {
	ScratchBytes.Set(float64(bytes))
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordConfigError(field string) {
	ConfigErrors.WithLabelValues(field).Inc()
}

func RecordSequenceLength(tokens int) {
	SequenceLengthHistogram.Observe(float64(tokens))
}

func RecordFlightRequest(status string, duration time.Duration) {
	FlightRequests.WithLabelValues(status).Inc()
	FlightRequestDuration.Observe(duration.Seconds())
}
