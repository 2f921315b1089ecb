// Package metrics holds the Prometheus collectors shared by the capture,
// enrichment, upload and check-in components. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "socialscope"

type Metrics struct {
	eventsIngested   *prometheus.CounterVec
	captureDecisions *prometheus.CounterVec
	ocrProcessed     prometheus.Counter
	ocrFailed        prometheus.Counter
	ocrDuration      prometheus.Histogram
	uploadSynced     *prometheus.CounterVec
	uploadFailed     *prometheus.CounterVec
	pending          *prometheus.GaugeVec
	cycles           *prometheus.CounterVec
	riskRecords      prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Events written to the local store, by event type.",
		}, []string{"type"}),
		captureDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_decisions_total",
			Help:      "Capture attempts by outcome (stored, unchanged, throttled).",
		}, []string{"kind", "outcome"}),
		ocrProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_processed_total",
			Help:      "Screenshots enriched with extracted text.",
		}),
		ocrFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_failed_total",
			Help:      "Screenshots whose text extraction failed.",
		}),
		ocrDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocr_duration_seconds",
			Help:      "Text extraction time per screenshot.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		uploadSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_synced_total",
			Help:      "Records acknowledged by the remote store, by class.",
		}, []string{"class"}),
		uploadFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_failed_total",
			Help:      "Remote writes that failed, by class.",
		}, []string{"class"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Unsynced records per class after the last cycle.",
		}, []string{"class"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by result (ok, error, skipped).",
		}, []string{"result"}),
		riskRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_records_total",
			Help:      "Risk records raised by check-in flows.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.eventsIngested,
			m.captureDecisions,
			m.ocrProcessed,
			m.ocrFailed,
			m.ocrDuration,
			m.uploadSynced,
			m.uploadFailed,
			m.pending,
			m.cycles,
			m.riskRecords,
		)
	}
	return m
}

func (m *Metrics) EventIngested(eventType string) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(eventType).Inc()
}

func (m *Metrics) CaptureDecision(kind, outcome string) {
	if m == nil {
		return
	}
	m.captureDecisions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) OcrProcessed(seconds float64) {
	if m == nil {
		return
	}
	m.ocrProcessed.Inc()
	m.ocrDuration.Observe(seconds)
}

func (m *Metrics) OcrFailed() {
	if m == nil {
		return
	}
	m.ocrFailed.Inc()
}

func (m *Metrics) UploadSynced(class string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.uploadSynced.WithLabelValues(class).Add(float64(n))
}

func (m *Metrics) UploadFailed(class string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.uploadFailed.WithLabelValues(class).Add(float64(n))
}

func (m *Metrics) Pending(class string, n int64) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(class).Set(float64(n))
}

func (m *Metrics) Cycle(result string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) RiskRaised() {
	if m == nil {
		return
	}
	m.riskRecords.Inc()
}
