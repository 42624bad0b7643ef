package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks loop and order performance for the status API.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	CycleLatency *LatencyHistogram
	OrderLatency *LatencyHistogram
	DBLatency    *LatencyHistogram
	APILatency   *LatencyHistogram

	// Counters
	quotesProcessed uint64
	pairsOpened     uint64
	pairsClosed     uint64
	legUnwinds      uint64
	errorsCount     uint64
	apiRequests     uint64
	apiErrors       uint64

	// Limiter caps per venue, updated from main on startup.
	limiterCaps map[string]int

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window. Stats
// are recomputed lazily, only when samples changed since the last call.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		CycleLatency: NewLatencyHistogram(1000),
		OrderLatency: NewLatencyHistogram(1000),
		DBLatency:    NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		limiterCaps:  make(map[string]int),
		lastUpdate:   time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts the duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99 over the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementQuotes increments the processed quotes counter.
func (m *SystemMetrics) IncrementQuotes() {
	atomic.AddUint64(&m.quotesProcessed, 1)
}

// IncrementPairsOpened increments the opened pairs counter.
func (m *SystemMetrics) IncrementPairsOpened() {
	atomic.AddUint64(&m.pairsOpened, 1)
}

// IncrementPairsClosed increments the closed pairs counter.
func (m *SystemMetrics) IncrementPairsClosed() {
	atomic.AddUint64(&m.pairsClosed, 1)
}

// IncrementLegUnwinds increments the unwound legs counter.
func (m *SystemMetrics) IncrementLegUnwinds() {
	atomic.AddUint64(&m.legUnwinds, 1)
}

// IncrementErrors increments the error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementAPI increments the served requests counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the failed requests counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time view served by the status API.
type MetricsSnapshot struct {
	CycleLatency    LatencyStats   `json:"cycle_latency"`
	OrderLatency    LatencyStats   `json:"order_latency"`
	DBLatency       LatencyStats   `json:"db_latency"`
	APILatency      LatencyStats   `json:"api_latency"`
	QuotesProcessed uint64         `json:"quotes_processed"`
	PairsOpened     uint64         `json:"pairs_opened"`
	PairsClosed     uint64         `json:"pairs_closed"`
	LegUnwinds      uint64         `json:"leg_unwinds"`
	ErrorsCount     uint64         `json:"errors_count"`
	APIRequests     uint64         `json:"api_requests"`
	APIErrors       uint64         `json:"api_errors"`
	LimiterCaps     map[string]int `json:"limiter_caps"`
	GoroutineCount  int            `json:"goroutine_count"`
	HeapAlloc       uint64         `json:"heap_alloc_bytes"`
	HeapSys         uint64         `json:"heap_sys_bytes"`
	Timestamp       time.Time      `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	caps := make(map[string]int, len(m.limiterCaps))
	for k, v := range m.limiterCaps {
		caps[k] = v
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		CycleLatency:    m.CycleLatency.Stats(),
		OrderLatency:    m.OrderLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		QuotesProcessed: atomic.LoadUint64(&m.quotesProcessed),
		PairsOpened:     atomic.LoadUint64(&m.pairsOpened),
		PairsClosed:     atomic.LoadUint64(&m.pairsClosed),
		LegUnwinds:      atomic.LoadUint64(&m.legUnwinds),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		LimiterCaps:     caps,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
}

// SetLimiterCap records a venue's total concurrency cap.
func (m *SystemMetrics) SetLimiterCap(venue string, cap int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiterCaps[venue] = cap
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
