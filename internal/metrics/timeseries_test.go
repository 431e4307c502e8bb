package metrics

import (
	"testing"
	"time"
)

func TestTimeSeriesBuffer_Wraps(t *testing.T) {
	buf := NewTimeSeriesBuffer(3)

	for i := 0; i < 5; i++ {
		buf.Add(TimeSeriesPoint{
			Timestamp: time.Now(),
			Values:    map[string]interface{}{"value": i},
		})
	}

	if buf.Len() != 3 {
		t.Errorf("Len() = %d, want 3", buf.Len())
	}

	recent := buf.GetRecent(1)
	if len(recent) != 3 {
		t.Fatalf("GetRecent returned %d points, want 3", len(recent))
	}
	// Oldest surviving point first
	if recent[0].Values["value"] != 2 || recent[2].Values["value"] != 4 {
		t.Errorf("unexpected order: %v, %v", recent[0].Values, recent[2].Values)
	}
}

func TestTimeSeriesBuffer_GetRecent(t *testing.T) {
	buf := NewTimeSeriesBuffer(10)

	base := time.Now().Add(-5 * time.Minute)
	for i := 0; i < 6; i++ {
		buf.Add(TimeSeriesPoint{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Values:    map[string]interface{}{"minute": i},
		})
	}

	// minutes 3, 4, 5
	if got := len(buf.GetRecent(3)); got != 3 {
		t.Errorf("GetRecent(3) returned %d points, want 3", got)
	}
	if got := len(buf.GetRecent(10)); got != 6 {
		t.Errorf("GetRecent(10) returned %d points, want 6", got)
	}
}

func TestTimeSeriesBuffer_ZeroSize(t *testing.T) {
	buf := NewTimeSeriesBuffer(0)
	buf.Add(TimeSeriesPoint{Timestamp: time.Now()})
	if buf.Len() != 1 {
		t.Errorf("Len() = %d, want 1", buf.Len())
	}
}

func TestTimeSeriesCollector_StartStop(t *testing.T) {
	c := NewTimeSeriesCollector(10, 20*time.Millisecond)
	c.Start()
	time.Sleep(100 * time.Millisecond)
	c.Stop()
	c.Stop()

	for _, name := range SeriesNames {
		points, ok := c.Points(name, 1)
		if !ok || len(points) == 0 {
			t.Errorf("series %s: no points collected", name)
		}
	}

	decoder, _ := c.Points(SeriesDecoder, 1)
	for _, key := range []string{"lines_total", "records_total", "lines_per_sec", "invalid_ratio", "payload_bytes_total"} {
		if _, ok := decoder[0].Values[key]; !ok {
			t.Errorf("decoder series missing key: %s", key)
		}
	}

	if _, ok := c.Points("query", 1); ok {
		t.Error("unknown series should not be found")
	}
}

func TestTimeSeriesCollector_Rates(t *testing.T) {
	m := Get()
	c := NewTimeSeriesCollector(10, time.Hour)
	start := time.Now()

	c.collect(start)
	m.decodeLinesTotal.Add(100)
	m.decodeInvalidTotal.Add(25)
	c.collect(start.Add(2 * time.Second))

	points, _ := c.Points(SeriesDecoder, 1)
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	if v := points[0].Values["lines_per_sec"]; v != float64(0) {
		t.Errorf("first sample lines_per_sec = %v, want 0", v)
	}
	if v := points[1].Values["lines_per_sec"]; v != float64(50) {
		t.Errorf("lines_per_sec = %v, want 50", v)
	}
	if v := points[1].Values["invalid_ratio"]; v != 0.25 {
		t.Errorf("invalid_ratio = %v, want 0.25", v)
	}
}

func TestRate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		prev, cur int64
		prevAt    time.Time
		want      float64
	}{
		{"first sample", 0, 10, time.Time{}, 0},
		{"per second", 10, 30, now.Add(-2 * time.Second), 10},
		{"counter reset", 30, 5, now.Add(-time.Second), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rate(tt.prev, tt.cur, tt.prevAt, now); got != tt.want {
				t.Errorf("rate = %v, want %v", got, tt.want)
			}
		})
	}
}
