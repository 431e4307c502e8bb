// decode_bench drives sustained load at lpdecode, either over HTTP against a
// running `lpdecode serve` or in process against the batch decoder.
//
//	go run ./benchmarks/decode_bench --duration 30s
//	go run ./benchmarks/decode_bench --workers 50 --compress zstd --format msgpack
//	go run ./benchmarks/decode_bench --mode inprocess --invalid 0.05 --strict=false
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/lpdecode/internal/ingest"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type options struct {
	mode      string
	duration  time.Duration
	workers   int
	points    int
	payloads  int
	invalid   float64
	compress  string
	zstdLevel int
	format    string
	strict    bool
	url       string
}

// counters are shared by every worker
type counters struct {
	requests atomic.Int64
	records  atomic.Int64
	invalid  atomic.Int64
	bytes    atomic.Int64
	errors   atomic.Int64
}

// runner sends one payload and reports the records and invalid lines it produced
type runner func(ctx context.Context, payload []byte) (records, invalid int64, err error)

var regions = []string{"us-east", "us-west", "eu-central", "ap-south"}

// buildPayloads returns n payloads of points lines each. A share of lines given by
// invalid are not line protocol.
func buildPayloads(n, points int, invalid float64, compress string, zstdLevel int) ([][]byte, error) {
	var enc *zstd.Encoder
	if compress == "zstd" {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
	}

	r := rand.New(rand.NewSource(1))
	out := make([][]byte, n)
	for i := range out {
		var buf bytes.Buffer
		ts := time.Now().UnixNano()
		for j := 0; j < points; j++ {
			if r.Float64() < invalid {
				buf.WriteString("garbage without fields\n")
				continue
			}
			fmt.Fprintf(&buf, "cpu,host=server%03d,region=%s usage_idle=%.4f,usage_user=%.4f,cores=%di,throttled=%t %d\n",
				r.Intn(1000), regions[r.Intn(len(regions))],
				r.Float64()*100, r.Float64()*100, 1+r.Intn(64), r.Intn(10) == 0, ts+int64(j))
		}

		switch compress {
		case "gzip":
			var gz bytes.Buffer
			w, err := gzip.NewWriterLevel(&gz, gzip.BestSpeed)
			if err != nil {
				return nil, err
			}
			w.Write(buf.Bytes())
			w.Close()
			out[i] = gz.Bytes()
		case "zstd":
			out[i] = enc.EncodeAll(buf.Bytes(), nil)
		default:
			out[i] = buf.Bytes()
		}
	}
	return out, nil
}

func httpRunner(o options) runner {
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        o.workers + 10,
			MaxIdleConnsPerHost: o.workers + 10,
			IdleConnTimeout:     30 * time.Second,
		},
		Timeout: 2 * time.Minute,
	}
	url := fmt.Sprintf("%s/api/v1/decode?format=%s&strict=%t&require_fields=true", o.url, o.format, o.strict)

	return func(ctx context.Context, payload []byte) (int64, int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return 0, 0, err
		}
		req.Header.Set("Content-Type", "text/plain")
		if o.compress != "none" {
			req.Header.Set("Content-Encoding", o.compress)
		}

		resp, err := client.Do(req)
		if err != nil {
			return 0, 0, err
		}
		defer resp.Body.Close()
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return 0, 0, err
		}
		if resp.StatusCode != http.StatusOK {
			return 0, 0, fmt.Errorf("HTTP %d", resp.StatusCode)
		}

		records, _ := strconv.ParseInt(resp.Header.Get("X-Records"), 10, 64)
		invalid, _ := strconv.ParseInt(resp.Header.Get("X-Invalid-Lines"), 10, 64)
		return records, invalid, nil
	}
}

func inprocessRunner(o options) runner {
	batch := ingest.NewBatchDecoder(ingest.BatchOptions{Strict: o.strict, SkipComments: true, RequireFields: true}, zerolog.Nop())
	return func(_ context.Context, payload []byte) (int64, int64, error) {
		data, err := ingest.Decompress(payload, "")
		if err != nil {
			return 0, 0, err
		}
		_, stats, err := batch.DecodeBatch(data)
		return int64(stats.Records), int64(stats.Invalid), err
	}
}

// percentiles sorts all and returns the value at each quantile
func percentiles(all []float64, qs ...float64) []float64 {
	sort.Float64s(all)
	out := make([]float64, len(qs))
	if len(all) == 0 {
		return out
	}
	for i, q := range qs {
		idx := int(float64(len(all)) * q)
		if idx >= len(all) {
			idx = len(all) - 1
		}
		out[i] = all[idx]
	}
	return out
}

func run(o options) error {
	var send runner
	switch o.mode {
	case "http":
		send = httpRunner(o)
	case "inprocess":
		send = inprocessRunner(o)
	default:
		return fmt.Errorf("unknown mode %q", o.mode)
	}

	fmt.Printf("mode=%s workers=%d points/payload=%d compress=%s invalid=%.2f duration=%s\n",
		o.mode, o.workers, o.points, o.compress, o.invalid, o.duration)

	genStart := time.Now()
	payloads, err := buildPayloads(o.payloads, o.points, o.invalid, o.compress, o.zstdLevel)
	if err != nil {
		return fmt.Errorf("build payloads: %w", err)
	}
	var size int
	for _, p := range payloads {
		size += len(p)
	}
	fmt.Printf("built %d payloads in %s, avg %.1f KB\n", len(payloads), time.Since(genStart).Round(time.Millisecond),
		float64(size)/float64(len(payloads))/1024)

	ctx, cancel := context.WithTimeout(context.Background(), o.duration)
	defer cancel()

	var c counters
	latencies := make([][]float64, o.workers)
	start := time.Now()

	go report(ctx, &c, start)

	g := new(errgroup.Group)
	for w := 0; w < o.workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; ctx.Err() == nil; i++ {
				payload := payloads[i%len(payloads)]
				t0 := time.Now()
				records, invalid, err := send(ctx, payload)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					if c.errors.Add(1) <= 3 {
						fmt.Fprintf(os.Stderr, "error: %v\n", err)
					}
					continue
				}
				latencies[w] = append(latencies[w], float64(time.Since(t0).Microseconds())/1000)
				c.requests.Add(1)
				c.records.Add(records)
				c.invalid.Add(invalid)
				c.bytes.Add(int64(len(payload)))
			}
			return nil
		})
	}
	g.Wait()

	elapsed := time.Since(start).Seconds()
	var all []float64
	for _, l := range latencies {
		all = append(all, l...)
	}
	p := percentiles(all, 0.50, 0.95, 0.99, 0.999)

	fmt.Println()
	fmt.Printf("requests:   %d (%d errors)\n", c.requests.Load(), c.errors.Load())
	fmt.Printf("records:    %d (%.0f/s)\n", c.records.Load(), float64(c.records.Load())/elapsed)
	fmt.Printf("invalid:    %d lines\n", c.invalid.Load())
	fmt.Printf("input:      %.1f MB/s\n", float64(c.bytes.Load())/elapsed/1024/1024)
	fmt.Printf("latency ms: p50=%.2f p95=%.2f p99=%.2f p999=%.2f\n", p[0], p[1], p[2], p[3])
	return nil
}

// report prints throughput every five seconds until ctx ends
func report(ctx context.Context, c *counters, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := c.records.Load()
			fmt.Printf("[%6.1fs] %10.0f records/s  total %d  errors %d\n",
				time.Since(start).Seconds(), float64(cur-last)/5, cur, c.errors.Load())
			last = cur
		}
	}
}

func main() {
	var o options
	flag.StringVar(&o.mode, "mode", "http", "http or inprocess")
	flag.DurationVar(&o.duration, "duration", time.Minute, "test duration")
	flag.IntVar(&o.workers, "workers", 20, "concurrent workers")
	flag.IntVar(&o.points, "points", 1000, "points per payload")
	flag.IntVar(&o.payloads, "payloads", 200, "distinct payloads to cycle through")
	flag.Float64Var(&o.invalid, "invalid", 0, "share of lines that are not line protocol (0-1)")
	flag.StringVar(&o.compress, "compress", "none", "none, gzip or zstd")
	flag.IntVar(&o.zstdLevel, "zstd-level", 3, "zstd level (1-22)")
	flag.StringVar(&o.format, "format", "msgpack", "response format requested over HTTP")
	flag.BoolVar(&o.strict, "strict", false, "stop each payload at its first invalid line")
	flag.StringVar(&o.url, "url", "http://localhost:8090", "lpdecode base URL")
	flag.Parse()

	if o.workers < 1 || o.payloads < 1 || o.points < 1 {
		fmt.Fprintln(os.Stderr, "workers, payloads and points must be at least 1")
		os.Exit(2)
	}
	if err := run(o); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
