// MQTT line protocol producer - publishes generated points to a broker so a
// running `lpdecode serve` with MQTT enabled has something to decode.
//
// Usage:
//   go run ./scripts/mqtt/producer [flags]
//
// Examples:
//   go run ./scripts/mqtt/producer -broker tcp://localhost:1883 -topic sensors/temp -count 100
//   go run ./scripts/mqtt/producer -rate 1000 -batch 50 -gzip -duration 60s
//   go run ./scripts/mqtt/producer -invalid 0.1 -verbose

package main

import (
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/klauspost/compress/gzip"
)

var (
	broker   = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	clientID = flag.String("client", "lpdecode-test-producer", "MQTT client ID")
	topic    = flag.String("topic", "sensors/temperature", "Topic to publish to")
	qos      = flag.Int("qos", 1, "QoS level (0, 1, or 2)")
	count    = flag.Int("count", 0, "Number of messages to send (0 = unlimited)")
	rate     = flag.Int("rate", 10, "Messages per second")
	duration = flag.Duration("duration", 0, "Duration to run (0 = until count or Ctrl+C)")
	batch    = flag.Int("batch", 1, "Points per message, newline separated")
	compress = flag.Bool("gzip", false, "Gzip each message")
	invalid  = flag.Float64("invalid", 0, "Fraction of points replaced by unparseable lines (0-1)")
	username = flag.String("username", "", "MQTT username")
	password = flag.String("password", "", "MQTT password")
	verbose  = flag.Bool("verbose", false, "Verbose output")
)

var (
	locations = []string{"warehouse-a", "warehouse-b", "office-1", "office-2", "lab,north", "datacenter"}
	sensorIDs = []string{"temp-001", "temp-002", "temp-003", "hum-001", "hum-002", "combo-001"}
)

// escapeTag escapes commas, the only separator a tag value may contain
var escapeTag = strings.NewReplacer(",", `\,`)

// point renders one sensor reading as a line protocol point
func point(r *rand.Rand, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("sensors,sensor_id=")
	sb.WriteString(sensorIDs[r.Intn(len(sensorIDs))])
	sb.WriteString(",location=")
	sb.WriteString(escapeTag.Replace(locations[r.Intn(len(locations))]))
	sb.WriteString(" temperature=")
	sb.WriteString(strconv.FormatFloat(20.0+r.Float64()*15.0, 'f', 2, 64))
	sb.WriteString(",humidity=")
	sb.WriteString(strconv.FormatFloat(40.0+r.Float64()*40.0, 'f', 2, 64))
	sb.WriteString(",battery=")
	sb.WriteString(strconv.Itoa(r.Intn(101)))
	sb.WriteString("i,online=true,firmware=\"1.4.2\" ")
	sb.WriteString(strconv.FormatInt(now.UnixNano(), 10))
	return sb.String()
}

// buildPayload joins n points, replacing a fraction of them with garbage lines
func buildPayload(r *rand.Rand, n int, invalidRatio float64, gz bool) ([]byte, error) {
	lines := make([]string, n)
	now := time.Now()
	for i := range lines {
		if invalidRatio > 0 && r.Float64() < invalidRatio {
			lines[i] = "this is not line protocol"
			continue
		}
		lines[i] = point(r, now)
	}
	payload := []byte(strings.Join(lines, "\n"))

	if !gz {
		return payload, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func main() {
	flag.Parse()

	if *rate < 1 || *batch < 1 {
		fmt.Fprintf(os.Stderr, "-rate and -batch must be positive\n")
		os.Exit(1)
	}

	fmt.Printf("MQTT Line Protocol Producer\n")
	fmt.Printf("===========================\n")
	fmt.Printf("Broker:   %s\n", *broker)
	fmt.Printf("Topic:    %s\n", *topic)
	fmt.Printf("Rate:     %d msg/s\n", *rate)
	fmt.Printf("Batch:    %d points/msg\n", *batch)
	fmt.Printf("Gzip:     %t\n", *compress)
	if *count > 0 {
		fmt.Printf("Count:    %d messages\n", *count)
	}
	if *duration > 0 {
		fmt.Printf("Duration: %s\n", *duration)
	}
	fmt.Println()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(*clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)

	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}

	opts.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		fmt.Printf("Connection lost: %v\n", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		fmt.Fprintf(os.Stderr, "Connection timeout\n")
		os.Exit(1)
	}
	if err := token.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(1)
	}
	defer client.Disconnect(1000)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second / time.Duration(*rate))
	defer ticker.Stop()

	var durationTimer <-chan time.Time
	if *duration > 0 {
		durationTimer = time.After(*duration)
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var sent, failed, bytesSent int64
	startTime := time.Now()

	fmt.Println("Sending messages... (Ctrl+C to stop)")

	for {
		select {
		case <-sigCh:
			fmt.Println("\nReceived shutdown signal")
		case <-durationTimer:
			fmt.Println("\nDuration reached")
		case <-ticker.C:
			payload, err := buildPayload(r, *batch, *invalid, *compress)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Encode error: %v\n", err)
				failed++
				continue
			}

			token := client.Publish(*topic, byte(*qos), false, payload)
			if token.WaitTimeout(5*time.Second) && token.Error() == nil {
				sent++
				bytesSent += int64(len(payload))
				if *verbose {
					fmt.Printf("Sent message %d (%d bytes)\n", sent, len(payload))
				}
			} else {
				failed++
				if *verbose {
					fmt.Printf("Failed to send message: %v\n", token.Error())
				}
			}

			if *count > 0 && sent+failed >= int64(*count) {
				fmt.Println("\nMessage count reached")
			} else {
				continue
			}
		}
		break
	}

	elapsed := time.Since(startTime)
	points := sent * int64(*batch)

	fmt.Printf("\n")
	fmt.Printf("Summary\n")
	fmt.Printf("=======\n")
	fmt.Printf("Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Messages sent:   %d\n", sent)
	fmt.Printf("Messages failed: %d\n", failed)
	fmt.Printf("Points sent:     %d\n", points)
	fmt.Printf("Bytes sent:      %d\n", bytesSent)
	fmt.Printf("Throughput:      %.1f points/s\n", float64(points)/elapsed.Seconds())
}
