package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"trade-executor/internal/brokerpool"
	"trade-executor/internal/execution"
)

// SystemMetrics is the in-process view served as JSON; Prometheus gets the
// same events through Recorder.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	OrderLatency    *LatencyHistogram
	AccountLatency  *LatencyHistogram
	DispatchLatency *LatencyHistogram

	// Counters
	requestsProcessed uint64
	ordersExecuted    uint64
	ordersFailed      uint64
	errorsCount       uint64

	// Updated periodically from main.
	poolStats  brokerpool.PoolStats
	queueStats execution.QueueMetrics
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:    NewLatencyHistogram(1000),
		AccountLatency:  NewLatencyHistogram(1000),
		DispatchLatency: NewLatencyHistogram(1000),
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

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
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

func (m *SystemMetrics) IncrementRequests() { atomic.AddUint64(&m.requestsProcessed, 1) }
func (m *SystemMetrics) IncrementExecuted() { atomic.AddUint64(&m.ordersExecuted, 1) }
func (m *SystemMetrics) IncrementFailed()   { atomic.AddUint64(&m.ordersFailed, 1) }
func (m *SystemMetrics) IncrementErrors()   { atomic.AddUint64(&m.errorsCount, 1) }

// MetricsSnapshot is a point-in-time copy of SystemMetrics.
type MetricsSnapshot struct {
	OrderLatency      LatencyStats           `json:"order_latency"`
	AccountLatency    LatencyStats           `json:"account_latency"`
	DispatchLatency   LatencyStats           `json:"dispatch_latency"`
	RequestsProcessed uint64                 `json:"requests_processed"`
	OrdersExecuted    uint64                 `json:"orders_executed"`
	OrdersFailed      uint64                 `json:"orders_failed"`
	ErrorsCount       uint64                 `json:"errors_count"`
	BrokerPool        brokerpool.PoolStats   `json:"broker_pool"`
	Queue             execution.QueueMetrics `json:"queue"`
	GoroutineCount    int                    `json:"goroutine_count"`
	HeapAlloc         uint64                 `json:"heap_alloc_bytes"`
	Timestamp         time.Time              `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	pool := m.poolStats
	queue := m.queueStats
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderLatency:      m.OrderLatency.Stats(),
		AccountLatency:    m.AccountLatency.Stats(),
		DispatchLatency:   m.DispatchLatency.Stats(),
		RequestsProcessed: atomic.LoadUint64(&m.requestsProcessed),
		OrdersExecuted:    atomic.LoadUint64(&m.ordersExecuted),
		OrdersFailed:      atomic.LoadUint64(&m.ordersFailed),
		ErrorsCount:       atomic.LoadUint64(&m.errorsCount),
		BrokerPool:        pool,
		Queue:             queue,
		GoroutineCount:    runtime.NumGoroutine(),
		HeapAlloc:         memStats.HeapAlloc,
		Timestamp:         time.Now(),
	}
}

// SetPoolStats updates broker pool statistics.
func (m *SystemMetrics) SetPoolStats(stats brokerpool.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolStats = stats
}

// SetQueueStats updates queue statistics.
func (m *SystemMetrics) SetQueueStats(stats execution.QueueMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueStats = stats
}
