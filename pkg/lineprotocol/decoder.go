// Package lineprotocol decodes single InfluxDB Line Protocol points into typed records.
//
// Line Protocol Format:
//
//	measurement[,tag_key=tag_value...] field_key=field_value[,field_key=field_value...] [timestamp]
//
// Examples:
//
//	cpu_load_short,direction=in,host=server01,region=us-west value=2.0 1422568543702900257
//	access_granted.ny22_unique.1h members=2i 1470934800000000000
//
// Decoding is best effort: entries that cannot be split or cast are dropped from the record
// instead of failing the whole line. Only empty or non-text input is reported, and only when
// the decoder is strict.
package lineprotocol

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/basekick-labs/lpdecode/internal/logger"
	"github.com/basekick-labs/lpdecode/internal/metrics"
	"github.com/basekick-labs/lpdecode/pkg/models"
	"github.com/rs/zerolog"
)

// Options configures a Decoder
type Options struct {
	// Strict makes Decode return ErrInvalidFormat for empty or non-text input
	// instead of an empty record.
	Strict bool
}

// Decoder decodes line protocol points. It holds no per-call state and is safe for
// concurrent use.
type Decoder struct {
	opts   Options
	logger zerolog.Logger
}

// NewDecoder creates a new decoder
func NewDecoder(opts Options, logger zerolog.Logger) *Decoder {
	return &Decoder{
		opts:   opts,
		logger: logger,
	}
}

// Decode decodes one point using a decoder built from opts
func Decode(input interface{}, opts Options) (models.Record, error) {
	return NewDecoder(opts, logger.Get("lineprotocol")).Decode(input)
}

// Strict reports whether the decoder runs in strict mode
func (d *Decoder) Strict() bool {
	return d.opts.Strict
}

// Decode decodes a string, []byte or fmt.Stringer holding one point.
// Byte input is read as UTF-8 with invalid bytes replaced. One trailing "\n" or "\r\n"
// is ignored.
//
// Empty or unsupported input returns an empty record, or ErrInvalidFormat in strict mode.
// Every other problem degrades the record rather than failing the call.
func (d *Decoder) Decode(input interface{}) (models.Record, error) {
	raw, ok := coerce(input)
	raw = trimLineEnding(raw)
	if !ok || raw == "" {
		metrics.Get().IncDecodeInvalid()
		if d.opts.Strict {
			return models.Record{}, fmt.Errorf("%w: %s", ErrInvalidFormat, describeInput(input, ok))
		}
		return models.Record{}, nil
	}
	return d.decode(raw), nil
}

// DecodeString decodes one point held in a string
func (d *Decoder) DecodeString(raw string) (models.Record, error) {
	return d.Decode(raw)
}

// DecodeBytes decodes one point held in a byte buffer
func (d *Decoder) DecodeBytes(raw []byte) (models.Record, error) {
	return d.Decode(raw)
}

// decode runs Split and applies the suppression policy: dropped entries are counted and
// logged at debug, and a parser panic becomes an empty record.
func (d *Decoder) decode(raw string) (record models.Record) {
	m := metrics.Get()
	m.IncDecodeLines()

	defer func() {
		if r := recover(); r != nil {
			m.IncDecodeUnexpected()
			d.logger.Error().
				Err(ErrUnexpectedParse).
				Str("point", raw).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("Line protocol parser error")
			record = models.Record{}
		}
	}()

	record, dropped := splitFn(raw)
	m.IncDecodeRecords(1)

	for _, err := range dropped {
		var entryErr *EntryError
		if errors.As(err, &entryErr) {
			switch entryErr.Segment {
			case SegmentTag:
				m.IncDroppedTags(1)
			case SegmentField:
				m.IncDroppedFields(1)
				if errors.Is(err, ErrCastFailure) {
					m.IncCastFailures(1)
				}
			case SegmentTimestamp:
				m.IncInvalidTimestamps()
			}
		}
		d.logger.Debug().
			Err(err).
			Str("measurement", record.Measurement).
			Msg("Dropped line protocol entry")
	}

	return record
}

// splitFn is replaced in tests to exercise panic recovery
var splitFn = Split

// Split parses raw without input coercion or panic recovery and returns every dropped
// entry as an *EntryError alongside the record.
//
// The first comma-separated entry of the first segment is the measurement; the rest are
// tags. Field entries are cast with Cast. The timestamp is kept only if it is a valid
// base-10 int64.
func Split(raw string) (models.Record, []error) {
	seg := SplitLine(raw)
	idents := SplitEntries(seg.IdentifierAndTags)
	fieldEntries := SplitEntries(seg.FieldSet)

	record := models.Record{
		Tags:   make([]models.Tag, 0, max(len(idents)-1, 0)),
		Fields: make([]models.Field, 0, len(fieldEntries)),
	}
	var dropped []error

	if len(idents) > 0 {
		record.Measurement = idents[0]
		idents = idents[1:]
	}

	for _, entry := range idents {
		key, value, ok := SplitKV(entry)
		if !ok {
			dropped = append(dropped, &EntryError{Segment: SegmentTag, Entry: entry, Err: ErrMalformedEntry})
			continue
		}
		record.Tags = append(record.Tags, models.Tag{Key: key, Value: value})
	}

	for _, entry := range fieldEntries {
		key, value, ok := SplitKV(entry)
		if !ok {
			dropped = append(dropped, &EntryError{Segment: SegmentField, Entry: entry, Err: ErrMalformedEntry})
			continue
		}
		v, err := Cast(value)
		if err != nil {
			dropped = append(dropped, &EntryError{Segment: SegmentField, Entry: entry, Err: err})
			continue
		}
		record.Fields = append(record.Fields, models.Field{Key: key, Value: v})
	}

	if seg.HasTimestamp && seg.Timestamp != "" {
		ts, err := strconv.ParseInt(seg.Timestamp, 10, 64)
		if err != nil {
			dropped = append(dropped, &EntryError{Segment: SegmentTimestamp, Entry: seg.Timestamp, Err: ErrInvalidTimestamp})
		} else {
			record.Timestamp = &ts
		}
	}

	return record, dropped
}

func trimLineEnding(raw string) string {
	if s, ok := strings.CutSuffix(raw, "\n"); ok {
		return strings.TrimSuffix(s, "\r")
	}
	return raw
}

// coerce turns supported input into text. ok is false for nil and unsupported types.
func coerce(input interface{}) (raw string, ok bool) {
	switch v := input.(type) {
	case string:
		return v, true
	case []byte:
		s, _ := SanitizeUTF8(string(v))
		return s, true
	case fmt.Stringer:
		// A nil pointer behind the interface panics in String()
		defer func() {
			if recover() != nil {
				raw, ok = "", false
			}
		}()
		return v.String(), true
	default:
		return "", false
	}
}

func describeInput(input interface{}, ok bool) string {
	switch {
	case input == nil:
		return "input is nil"
	case !ok:
		return fmt.Sprintf("unsupported input type %T", input)
	default:
		return "input is empty"
	}
}
