package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Series names served by TimeSeriesCollector.Points
const (
	SeriesSystem  = "system"  // Go runtime
	SeriesDecoder = "decoder" // Decoder and payload counters with per-second rates
	SeriesAPI     = "api"     // HTTP and MQTT
)

// SeriesNames lists every series in a stable order
var SeriesNames = []string{SeriesSystem, SeriesDecoder, SeriesAPI}

// TimeSeriesPoint represents a single data point in a time series
type TimeSeriesPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Values    map[string]interface{} `json:"values"`
}

// TimeSeriesBuffer keeps the last N points, overwriting the oldest
type TimeSeriesBuffer struct {
	mu     sync.RWMutex
	points []TimeSeriesPoint
	next   int
	count  int
}

// NewTimeSeriesBuffer creates a buffer holding up to size points
func NewTimeSeriesBuffer(size int) *TimeSeriesBuffer {
	if size < 1 {
		size = 1
	}
	return &TimeSeriesBuffer{points: make([]TimeSeriesPoint, size)}
}

// Add stores a point
func (b *TimeSeriesBuffer) Add(point TimeSeriesPoint) {
	b.mu.Lock()
	b.points[b.next] = point
	b.next = (b.next + 1) % len(b.points)
	if b.count < len(b.points) {
		b.count++
	}
	b.mu.Unlock()
}

// Len returns the number of stored points
func (b *TimeSeriesBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// GetRecent returns points from the last N minutes, oldest first
func (b *TimeSeriesBuffer) GetRecent(durationMinutes int) []TimeSeriesPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(durationMinutes) * time.Minute)
	size := len(b.points)
	result := make([]TimeSeriesPoint, 0, b.count)
	for i := 0; i < b.count; i++ {
		p := b.points[(b.next-b.count+i+size)%size]
		if p.Timestamp.After(cutoff) {
			result = append(result, p)
		}
	}
	return result
}

// counterSample is the previous decoder sample, used for rates
type counterSample struct {
	at      time.Time
	lines   int64
	records int64
	invalid int64
	bytes   int64
}

// TimeSeriesCollector samples the shared Metrics at a fixed interval
type TimeSeriesCollector struct {
	series   map[string]*TimeSeriesBuffer
	interval time.Duration
	last     counterSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var (
	tsCollector *TimeSeriesCollector
	tsMu        sync.Mutex
)

// InitTimeSeriesCollector creates and starts the shared collector, replacing
// any previous one. It keeps retentionMinutes of points per series.
func InitTimeSeriesCollector(retentionMinutes, intervalSeconds int) *TimeSeriesCollector {
	if retentionMinutes <= 0 {
		retentionMinutes = 30
	}
	if intervalSeconds <= 0 {
		intervalSeconds = 5
	}

	tsMu.Lock()
	defer tsMu.Unlock()
	if tsCollector != nil {
		tsCollector.Stop()
	}
	tsCollector = NewTimeSeriesCollector(retentionMinutes*60/intervalSeconds, time.Duration(intervalSeconds)*time.Second)
	tsCollector.Start()
	return tsCollector
}

// GetTimeSeriesCollector returns the shared collector, starting one with defaults if needed
func GetTimeSeriesCollector() *TimeSeriesCollector {
	tsMu.Lock()
	c := tsCollector
	tsMu.Unlock()
	if c != nil {
		return c
	}
	return InitTimeSeriesCollector(30, 5)
}

// NewTimeSeriesCollector creates a collector with bufferSize points per series. Call Start to begin sampling.
func NewTimeSeriesCollector(bufferSize int, interval time.Duration) *TimeSeriesCollector {
	c := &TimeSeriesCollector{
		series:   make(map[string]*TimeSeriesBuffer, len(SeriesNames)),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	for _, name := range SeriesNames {
		c.series[name] = NewTimeSeriesBuffer(bufferSize)
	}
	return c
}

// Start samples once immediately, then every interval until Stop
func (c *TimeSeriesCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect(time.Now())
		for {
			select {
			case <-c.stopCh:
				return
			case now := <-ticker.C:
				c.collect(now)
			}
		}
	}()
}

// Stop stops sampling and waits for the sampler to exit. Safe to call more than once.
func (c *TimeSeriesCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Points returns the last durationMinutes of the named series.
// ok is false for an unknown series.
func (c *TimeSeriesCollector) Points(name string, durationMinutes int) (points []TimeSeriesPoint, ok bool) {
	buf, ok := c.series[name]
	if !ok {
		return nil, false
	}
	return buf.GetRecent(durationMinutes), true
}

// collect runs on the sampler goroutine only
func (c *TimeSeriesCollector) collect(now time.Time) {
	m := Get()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.series[SeriesSystem].Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"goroutines":    runtime.NumGoroutine(),
			"heap_alloc_mb": float64(mem.HeapAlloc) / 1024 / 1024,
			"heap_objects":  mem.HeapObjects,
			"sys_mb":        float64(mem.Sys) / 1024 / 1024,
			"gc_cycles":     mem.NumGC,
		},
	})

	cur := counterSample{
		at:      now,
		lines:   m.decodeLinesTotal.Load(),
		records: m.decodeRecordsTotal.Load(),
		invalid: m.decodeInvalidTotal.Load(),
		bytes:   m.payloadBytesTotal.Load(),
	}
	c.series[SeriesDecoder].Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"lines_total":              cur.lines,
			"records_total":            cur.records,
			"invalid_total":            cur.invalid,
			"payload_bytes_total":      cur.bytes,
			"cast_failures_total":      m.castFailuresTotal.Load(),
			"invalid_timestamps_total": m.invalidTimestampsTotal.Load(),
			"lines_per_sec":            rate(c.last.lines, cur.lines, c.last.at, now),
			"records_per_sec":          rate(c.last.records, cur.records, c.last.at, now),
			"bytes_per_sec":            rate(c.last.bytes, cur.bytes, c.last.at, now),
			"invalid_ratio":            ratio(cur.invalid-c.last.invalid, cur.lines-c.last.lines),
		},
	})
	c.last = cur

	c.series[SeriesAPI].Add(TimeSeriesPoint{
		Timestamp: now,
		Values: map[string]interface{}{
			"http_requests_total":          m.httpRequestsTotal.Load(),
			"http_requests_error":          m.httpRequestsError.Load(),
			"http_latency_avg_us":          ratio(m.httpLatencySum.Load(), m.httpLatencyCount.Load()),
			"mqtt_messages_received_total": m.mqttMessagesReceived.Load(),
			"mqtt_messages_failed_total":   m.mqttMessagesFailed.Load(),
			"mqtt_connected":               m.mqttConnected.Load(),
		},
	})
}

// rate is the per-second change between two counter samples. The first sample has no rate.
func rate(prev, cur int64, prevAt, now time.Time) float64 {
	if prevAt.IsZero() {
		return 0
	}
	secs := now.Sub(prevAt).Seconds()
	if secs <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / secs
}

func ratio(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
