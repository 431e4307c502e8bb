package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBufferSize is the number of entries GetBuffer keeps
const DefaultBufferSize = 10000

// contextKeys are the event fields copied into LogEntry.Context
var contextKeys = []string{"request_id", "subscription", "topic", "input", "file", "format"}

// LogEntry is one captured log event
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Component string            `json:"component,omitempty"`
	Message   string            `json:"message"`
	Error     string            `json:"error,omitempty"`
	Caller    string            `json:"caller,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// LogBuffer is a fixed size ring of the most recent entries
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	count   int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process wide buffer fed by SetupWriter
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(DefaultBufferSize)
	})
	return globalBuffer
}

// NewLogBuffer creates a buffer holding up to size entries
func NewLogBuffer(size int) *LogBuffer {
	if size < 1 {
		size = 1
	}
	return &LogBuffer{entries: make([]LogEntry, size)}
}

// Add stores entry, overwriting the oldest one when full
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
	b.mu.Unlock()
}

// GetRecent returns up to limit entries newer than sinceMinutes, most recent first.
// A non-empty level keeps entries at that level or above.
func (b *LogBuffer) GetRecent(limit int, level string, sinceMinutes int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	cutoff := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)

	floor := zerolog.TraceLevel
	if level != "" {
		floor = ParseLevel(level)
	}

	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		e := b.entries[(b.next-1-i+len(b.entries))%len(b.entries)]
		if e.Timestamp.Before(cutoff) || ParseLevel(e.Level) < floor {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Clear drops every entry
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	b.next, b.count = 0, 0
	b.mu.Unlock()
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter passes events to out and records them in a LogBuffer.
// It is a zerolog.LevelWriter, so the level comes from zerolog rather than the encoded line.
type LogBufferWriter struct {
	buffer *LogBuffer
	out    io.Writer
}

var _ zerolog.LevelWriter = (*LogBufferWriter)(nil)

// NewLogBufferWriter records into the global buffer
func NewLogBufferWriter(out io.Writer) *LogBufferWriter {
	return &LogBufferWriter{buffer: GetBuffer(), out: out}
}

// Write records lines that arrive without a level
func (w *LogBufferWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel writes p to the wrapped writer, then records it
func (w *LogBufferWriter) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	n = len(p)
	if w.out != nil {
		if lw, ok := w.out.(zerolog.LevelWriter); ok {
			n, err = lw.WriteLevel(level, p)
		} else {
			n, err = w.out.Write(p)
		}
	}

	if entry, ok := parseLogLine(p); ok {
		if level != zerolog.NoLevel {
			entry.Level = strings.ToUpper(level.String())
		}
		w.buffer.Add(entry)
	}
	return n, err
}

// parseLogLine reads a zerolog JSON event. ok is false for anything else.
func parseLogLine(line []byte) (LogEntry, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal(line, &fields); err != nil {
		return LogEntry{}, false
	}

	str := func(key string) string {
		switch v := fields[key].(type) {
		case nil:
			return ""
		case string:
			return v
		default:
			return fmt.Sprint(v)
		}
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(str(zerolog.LevelFieldName)),
		Component: str("component"),
		Message:   str(zerolog.MessageFieldName),
		Error:     str(zerolog.ErrorFieldName),
		Caller:    str(zerolog.CallerFieldName),
	}
	if t, err := time.Parse(time.RFC3339, str(zerolog.TimestampFieldName)); err == nil {
		entry.Timestamp = t
	}
	for _, k := range contextKeys {
		if v := str(k); v != "" {
			if entry.Context == nil {
				entry.Context = make(map[string]string)
			}
			entry.Context[k] = v
		}
	}
	return entry, entry.Message != "" || entry.Level != ""
}
