package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds all lpdecode metrics for Prometheus export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64

	// HTTP latency histogram buckets (microseconds)
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	httpLatencyBuckets [10]atomic.Int64
	httpLatencySum     atomic.Int64
	httpLatencyCount   atomic.Int64

	// Decoder
	decodeLinesTotal       atomic.Int64
	decodeRecordsTotal     atomic.Int64
	decodeInvalidTotal     atomic.Int64
	decodeUnexpectedTotal  atomic.Int64
	droppedTagsTotal       atomic.Int64
	droppedFieldsTotal     atomic.Int64
	castFailuresTotal      atomic.Int64
	invalidTimestampsTotal atomic.Int64

	// Payloads
	payloadBytesTotal      atomic.Int64
	payloadBatchesTotal    atomic.Int64
	payloadGzipTotal       atomic.Int64
	payloadZstdTotal       atomic.Int64
	payloadSkippedLines    atomic.Int64
	payloadDecompressError atomic.Int64

	// MQTT
	mqttMessagesReceived atomic.Int64
	mqttMessagesFailed   atomic.Int64
	mqttBytesReceived    atomic.Int64
	mqttRecordsDecoded   atomic.Int64
	mqttReconnects       atomic.Int64
	mqttConnected        atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger
	m.logger.Info().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
	m.httpLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

var latencyBounds = [...]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

func latencyBucket(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Decoder metrics
func (m *Metrics) IncDecodeLines()              { m.decodeLinesTotal.Add(1) }
func (m *Metrics) IncDecodeRecords(count int64) { m.decodeRecordsTotal.Add(count) }
func (m *Metrics) IncDecodeInvalid()            { m.decodeInvalidTotal.Add(1) }
func (m *Metrics) IncDecodeUnexpected()         { m.decodeUnexpectedTotal.Add(1) }
func (m *Metrics) IncDroppedTags(count int64)   { m.droppedTagsTotal.Add(count) }
func (m *Metrics) IncDroppedFields(count int64) { m.droppedFieldsTotal.Add(count) }
func (m *Metrics) IncCastFailures(count int64)  { m.castFailuresTotal.Add(count) }
func (m *Metrics) IncInvalidTimestamps()        { m.invalidTimestampsTotal.Add(1) }

// Payload metrics
func (m *Metrics) IncPayloadBytes(bytes int64) { m.payloadBytesTotal.Add(bytes) }
func (m *Metrics) IncPayloadBatches()          { m.payloadBatchesTotal.Add(1) }
func (m *Metrics) IncPayloadGzip()             { m.payloadGzipTotal.Add(1) }
func (m *Metrics) IncPayloadZstd()             { m.payloadZstdTotal.Add(1) }
func (m *Metrics) IncSkippedLines(count int64) { m.payloadSkippedLines.Add(count) }
func (m *Metrics) IncDecompressErrors()        { m.payloadDecompressError.Add(1) }

// MQTT metrics
func (m *Metrics) IncMQTTMessagesReceived()      { m.mqttMessagesReceived.Add(1) }
func (m *Metrics) IncMQTTMessagesFailed()        { m.mqttMessagesFailed.Add(1) }
func (m *Metrics) IncMQTTBytesReceived(n int64)  { m.mqttBytesReceived.Add(n) }
func (m *Metrics) IncMQTTRecordsDecoded(n int64) { m.mqttRecordsDecoded.Add(n) }
func (m *Metrics) IncMQTTReconnects()            { m.mqttReconnects.Add(1) }

// SetMQTTConnected adjusts the number of connected subscriptions
func (m *Metrics) SetMQTTConnected(connected bool) {
	if connected {
		m.mqttConnected.Add(1)
		return
	}
	if m.mqttConnected.Add(-1) < 0 {
		m.mqttConnected.Store(0)
	}
}

// Snapshot returns all metrics as a map
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
		"num_cpu":        runtime.NumCPU(),

		// Memory (Go runtime)
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_sys_bytes":        memStats.Sys,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"gc_cycles":               memStats.NumGC,

		// HTTP
		"http_requests_total":   m.httpRequestsTotal.Load(),
		"http_requests_success": m.httpRequestsSuccess.Load(),
		"http_requests_error":   m.httpRequestsError.Load(),
		"http_latency_sum_us":   m.httpLatencySum.Load(),
		"http_latency_count":    m.httpLatencyCount.Load(),

		// Decoder
		"decode_lines_total":              m.decodeLinesTotal.Load(),
		"decode_records_total":            m.decodeRecordsTotal.Load(),
		"decode_invalid_total":            m.decodeInvalidTotal.Load(),
		"decode_unexpected_total":         m.decodeUnexpectedTotal.Load(),
		"decode_dropped_tags_total":       m.droppedTagsTotal.Load(),
		"decode_dropped_fields_total":     m.droppedFieldsTotal.Load(),
		"decode_cast_failures_total":      m.castFailuresTotal.Load(),
		"decode_invalid_timestamps_total": m.invalidTimestampsTotal.Load(),

		// Payloads
		"payload_bytes_total":             m.payloadBytesTotal.Load(),
		"payload_batches_total":           m.payloadBatchesTotal.Load(),
		"payload_gzip_total":              m.payloadGzipTotal.Load(),
		"payload_zstd_total":              m.payloadZstdTotal.Load(),
		"payload_skipped_lines_total":     m.payloadSkippedLines.Load(),
		"payload_decompress_errors_total": m.payloadDecompressError.Load(),

		// MQTT
		"mqtt_messages_received_total": m.mqttMessagesReceived.Load(),
		"mqtt_messages_failed_total":   m.mqttMessagesFailed.Load(),
		"mqtt_bytes_received_total":    m.mqttBytesReceived.Load(),
		"mqtt_records_decoded_total":   m.mqttRecordsDecoded.Load(),
		"mqtt_reconnects_total":        m.mqttReconnects.Load(),
		"mqtt_connected":               m.mqttConnected.Load(),
	}
}

type promMetric struct {
	name  string
	help  string
	kind  string
	value func(m *Metrics) float64
}

func counter(a *atomic.Int64) func(*Metrics) float64 {
	return func(*Metrics) float64 { return float64(a.Load()) }
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	simple := []promMetric{
		{"lpdecode_uptime_seconds", "Time since lpdecode started", "gauge", func(m *Metrics) float64 { return time.Since(m.startTime).Seconds() }},
		{"lpdecode_goroutines", "Number of goroutines", "gauge", func(*Metrics) float64 { return float64(runtime.NumGoroutine()) }},
		{"lpdecode_memory_alloc_bytes", "Current allocated memory", "gauge", func(*Metrics) float64 { return float64(memStats.Alloc) }},
		{"lpdecode_gc_cycles_total", "Total number of GC cycles", "counter", func(*Metrics) float64 { return float64(memStats.NumGC) }},

		{"lpdecode_http_requests_total", "Total HTTP requests", "counter", counter(&m.httpRequestsTotal)},
		{"lpdecode_http_requests_success_total", "Successful HTTP requests", "counter", counter(&m.httpRequestsSuccess)},
		{"lpdecode_http_requests_error_total", "Failed HTTP requests", "counter", counter(&m.httpRequestsError)},

		{"lpdecode_decode_lines_total", "Lines handed to the decoder", "counter", counter(&m.decodeLinesTotal)},
		{"lpdecode_decode_records_total", "Records produced by the decoder", "counter", counter(&m.decodeRecordsTotal)},
		{"lpdecode_decode_invalid_total", "Inputs rejected as invalid format", "counter", counter(&m.decodeInvalidTotal)},
		{"lpdecode_decode_unexpected_total", "Unexpected parser failures", "counter", counter(&m.decodeUnexpectedTotal)},
		{"lpdecode_decode_dropped_tags_total", "Malformed tag entries dropped", "counter", counter(&m.droppedTagsTotal)},
		{"lpdecode_decode_dropped_fields_total", "Field entries dropped", "counter", counter(&m.droppedFieldsTotal)},
		{"lpdecode_decode_cast_failures_total", "Field values that could not be cast", "counter", counter(&m.castFailuresTotal)},
		{"lpdecode_decode_invalid_timestamps_total", "Timestamps omitted as invalid", "counter", counter(&m.invalidTimestampsTotal)},

		{"lpdecode_payload_bytes_total", "Payload bytes received", "counter", counter(&m.payloadBytesTotal)},
		{"lpdecode_payload_batches_total", "Payloads decoded", "counter", counter(&m.payloadBatchesTotal)},
		{"lpdecode_payload_gzip_total", "Gzip payloads", "counter", counter(&m.payloadGzipTotal)},
		{"lpdecode_payload_zstd_total", "Zstd payloads", "counter", counter(&m.payloadZstdTotal)},
		{"lpdecode_payload_skipped_lines_total", "Blank and comment lines skipped", "counter", counter(&m.payloadSkippedLines)},
		{"lpdecode_payload_decompress_errors_total", "Payloads that failed to decompress", "counter", counter(&m.payloadDecompressError)},

		{"lpdecode_mqtt_messages_received_total", "MQTT messages received", "counter", counter(&m.mqttMessagesReceived)},
		{"lpdecode_mqtt_messages_failed_total", "MQTT messages that failed to decode", "counter", counter(&m.mqttMessagesFailed)},
		{"lpdecode_mqtt_bytes_received_total", "MQTT payload bytes received", "counter", counter(&m.mqttBytesReceived)},
		{"lpdecode_mqtt_records_decoded_total", "Records decoded from MQTT", "counter", counter(&m.mqttRecordsDecoded)},
		{"lpdecode_mqtt_reconnects_total", "MQTT reconnect attempts", "counter", counter(&m.mqttReconnects)},
		{"lpdecode_mqtt_connected", "Connected MQTT subscriptions", "gauge", counter(&m.mqttConnected)},
	}

	var b []byte
	for _, pm := range simple {
		b = appendHeader(b, pm.name, pm.help, pm.kind)
		b = appendMetric(b, pm.name, pm.value(m))
	}

	// HTTP latency histogram
	b = appendHeader(b, "lpdecode_http_latency_seconds", "HTTP request latency", "histogram")
	bucketLabels := []string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "1", "+Inf"}
	var cumulative int64
	for i, label := range bucketLabels {
		cumulative += m.httpLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "lpdecode_http_latency_seconds_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, "lpdecode_http_latency_seconds_sum", float64(m.httpLatencySum.Load())/1000000.0)
	b = appendMetric(b, "lpdecode_http_latency_seconds_count", float64(m.httpLatencyCount.Load()))

	return string(b)
}

// Helper functions for Prometheus format
func appendHeader(b []byte, name, help, kind string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, kind...)
	return append(b, '\n')
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}
