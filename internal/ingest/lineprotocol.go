// Package ingest turns line protocol payloads into records.
// A payload is one or more points separated by newlines, optionally gzip or zstd compressed:
//
//	# comment lines and blank lines are skipped
//	cpu,host=server01,region=us-west usage_idle=90.5,usage_system=2.1 1609459200000000000
//	temperature,sensor=bedroom temp=22.5
//	http_requests,method=GET,status=200 count=1i
package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/basekick-labs/lpdecode/internal/metrics"
	"github.com/basekick-labs/lpdecode/pkg/lineprotocol"
	"github.com/basekick-labs/lpdecode/pkg/models"
	"github.com/rs/zerolog"
)

// Reasons a line fails the RequireFields check
var (
	ErrEmptyLine     = errors.New("line produced no record")
	ErrNoMeasurement = errors.New("missing measurement")
	ErrNoFields      = errors.New("no valid fields")
)

// LineError reports the 1-based line that stopped a strict batch
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// BatchOptions configures a BatchDecoder
type BatchOptions struct {
	Strict       bool
	SkipComments bool
	// RequireFields drops lines whose record has no measurement or no fields.
	// Combined with Strict, the first such line fails the batch.
	RequireFields bool
}

// BatchStats summarizes one DecodeBatch call
type BatchStats struct {
	Lines   int `json:"lines"`   // Lines in the payload, including skipped ones
	Records int `json:"records"` // Records returned
	Skipped int `json:"skipped"` // Blank and comment lines
	Invalid int `json:"invalid"` // Lines rejected by the decoder or by RequireFields
}

// BatchDecoder decodes newline-separated payloads with a lineprotocol.Decoder
type BatchDecoder struct {
	decoder       *lineprotocol.Decoder
	strict        bool
	skipComments  bool
	requireFields bool
	logger        zerolog.Logger
}

// NewBatchDecoder creates a new batch decoder
func NewBatchDecoder(opts BatchOptions, logger zerolog.Logger) *BatchDecoder {
	return &BatchDecoder{
		decoder:       lineprotocol.NewDecoder(lineprotocol.Options{Strict: opts.Strict}, logger),
		strict:        opts.Strict,
		skipComments:  opts.SkipComments,
		requireFields: opts.RequireFields,
		logger:        logger,
	}
}

// Decoder returns the single-line decoder used for each line
func (b *BatchDecoder) Decoder() *lineprotocol.Decoder {
	return b.decoder
}

// DecodeBatch decodes every line of data. Trailing '\r' is stripped, blank lines are
// skipped, and so are lines starting with '#' when comments are skipped.
//
// Every other line yields the decoder's record, even one with no fields, unless
// RequireFields is set: then a record that is empty or lacks a measurement or fields makes
// the line invalid. Invalid lines are counted and left out, or in strict mode the first one
// stops the batch with a *LineError; the records decoded before it are still returned.
func (b *BatchDecoder) DecodeBatch(data []byte) ([]models.Record, BatchStats, error) {
	var stats BatchStats
	m := metrics.Get()
	m.IncPayloadBatches()
	m.IncPayloadBytes(int64(len(data)))

	text, repaired := lineprotocol.SanitizeUTF8(string(data))
	if repaired {
		b.logger.Debug().Msg("Replaced invalid UTF-8 in payload")
	}

	lines := splitLines(text)
	records := make([]models.Record, 0, len(lines))

	for i, line := range lines {
		stats.Lines++

		if isBlank(line) || (b.skipComments && line[0] == '#') {
			stats.Skipped++
			continue
		}

		rec, err := b.decoder.DecodeString(line)
		if err == nil && b.requireFields {
			err = checkRecord(rec)
		}
		if err != nil {
			stats.Invalid++
			if b.strict {
				m.IncSkippedLines(int64(stats.Skipped))
				return records, stats, &LineError{Line: i + 1, Err: err}
			}
			b.logger.Debug().Int("line", i+1).Err(err).Msg("Skipping line")
			continue
		}

		records = append(records, rec)
		stats.Records++
	}

	m.IncSkippedLines(int64(stats.Skipped))
	return records, stats, nil
}

func checkRecord(rec models.Record) error {
	switch {
	case rec.IsEmpty():
		return ErrEmptyLine
	case rec.Measurement == "":
		return ErrNoMeasurement
	case len(rec.Fields) == 0:
		return ErrNoFields
	}
	return nil
}

// splitLines splits on '\n' and strips one trailing '\r' per line.
// A trailing newline does not produce an extra line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func isBlank(line string) bool {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}

// ToFlatRecord flattens a record into one map: measurement, time (only when the record
// has a timestamp), tags, then fields. A field whose name matches a tag gets a "_value"
// suffix. Later duplicates overwrite earlier ones.
func ToFlatRecord(record models.Record) map[string]interface{} {
	if record.IsEmpty() {
		return map[string]interface{}{}
	}

	flat := make(map[string]interface{}, len(record.Tags)+len(record.Fields)+2)
	flat["measurement"] = record.Measurement
	if record.Timestamp != nil {
		flat["time"] = *record.Timestamp
	}

	for _, t := range record.Tags {
		flat[t.Key] = t.Value
	}

	for _, f := range record.Fields {
		flat[flatFieldKey(record, f.Key)] = f.Value.Interface()
	}

	return flat
}

func flatFieldKey(record models.Record, key string) string {
	if _, hasTag := record.Tag(key); hasTag {
		return key + "_value"
	}
	return key
}

// BatchToColumnar converts a batch of records to columnar format.
// Records are grouped by measurement; every column of a group has one slot per record,
// nil where the record lacks that column. The "time" column is always present.
// Empty records are ignored.
func BatchToColumnar(records []models.Record) map[string]map[string][]interface{} {
	byMeasurement := make(map[string][]models.Record)
	for _, record := range records {
		if record.IsEmpty() {
			continue
		}
		byMeasurement[record.Measurement] = append(byMeasurement[record.Measurement], record)
	}

	result := make(map[string]map[string][]interface{}, len(byMeasurement))

	for measurement, group := range byMeasurement {
		columns := map[string][]interface{}{
			"time": make([]interface{}, len(group)),
		}
		column := func(name string) []interface{} {
			col, ok := columns[name]
			if !ok {
				col = make([]interface{}, len(group))
				columns[name] = col
			}
			return col
		}

		for i, record := range group {
			if record.Timestamp != nil {
				columns["time"][i] = *record.Timestamp
			}
			for _, t := range record.Tags {
				column(t.Key)[i] = t.Value
			}
			for _, f := range record.Fields {
				column(flatFieldKey(record, f.Key))[i] = f.Value.Interface()
			}
		}

		result[measurement] = columns
	}

	return result
}
