package expense

import (
	"sync"
	"time"
)

// Metrics counts pipeline outcomes in process. It is safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	processed     int
	failures      map[Stage]int
	ocrCount      int
	ocrSum        float64
	categorized   int
	confidenceSum float64
	elapsed       time.Duration
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	ReceiptsProcessed     int            `json:"receipts_processed"`
	Failures              map[string]int `json:"failures"`
	AverageOCRConfidence  float64        `json:"average_ocr_confidence"`
	AverageConfidence     float64        `json:"average_confidence"`
	AverageProcessingTime float64        `json:"average_processing_ms"`
}

// NewMetrics returns empty metrics
func NewMetrics() *Metrics {
	return &Metrics{failures: make(map[Stage]int)}
}

// record adds one finished run
func (m *Metrics) record(run *Run, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed++
	m.elapsed += elapsed

	if stage := run.FailedStage(); stage != 0 {
		m.failures[stage]++
	}
	if e := run.Expense; e != nil {
		m.categorized++
		m.confidenceSum += e.Confidence
		if e.OCRConfidence > 0 {
			m.ocrCount++
			m.ocrSum += e.OCRConfidence
		}
	}
}

// Snapshot returns the current totals and averages
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		ReceiptsProcessed: m.processed,
		Failures:          make(map[string]int, len(m.failures)),
	}
	for stage, n := range m.failures {
		snap.Failures[stage.String()] = n
	}
	if m.ocrCount > 0 {
		snap.AverageOCRConfidence = m.ocrSum / float64(m.ocrCount)
	}
	if m.categorized > 0 {
		snap.AverageConfidence = m.confidenceSum / float64(m.categorized)
	}
	if m.processed > 0 {
		snap.AverageProcessingTime = float64(m.elapsed) / float64(time.Millisecond) / float64(m.processed)
	}
	return snap
}
