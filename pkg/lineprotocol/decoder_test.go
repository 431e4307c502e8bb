package lineprotocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/basekick-labs/lpdecode/internal/metrics"
	"github.com/basekick-labs/lpdecode/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecoder(strict bool) *Decoder {
	return NewDecoder(Options{Strict: strict}, zerolog.Nop())
}

func TestDecode_Examples(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  models.Record
	}{
		{
			name:  "integer field without tags",
			input: "access_granted.ny22_unique.1h members=2i 1470934800000000000",
			want: models.Record{
				Measurement: "access_granted.ny22_unique.1h",
				Tags:        []models.Tag{},
				Fields:      []models.Field{{Key: "members", Value: models.IntegerValue(2)}},
				Timestamp:   models.Int64Ptr(1470934800000000000),
			},
		},
		{
			name:  "tags in order with float field",
			input: "cpu_load_short,direction=in,host=server01,region=us-west value=2.0 1422568543702900257",
			want: models.Record{
				Measurement: "cpu_load_short",
				Tags: []models.Tag{
					{Key: "direction", Value: "in"},
					{Key: "host", Value: "server01"},
					{Key: "region", Value: "us-west"},
				},
				Fields:    []models.Field{{Key: "value", Value: models.FloatValue(2.0)}},
				Timestamp: models.Int64Ptr(1422568543702900257),
			},
		},
		{
			name:  "mixed field types without timestamp",
			input: `status,host=a up=t,count=3i,load=0.5,msg="ok"`,
			want: models.Record{
				Measurement: "status",
				Tags:        []models.Tag{{Key: "host", Value: "a"}},
				Fields: []models.Field{
					{Key: "up", Value: models.BooleanValue(true)},
					{Key: "count", Value: models.IntegerValue(3)},
					{Key: "load", Value: models.FloatValue(0.5)},
					{Key: "msg", Value: models.StringValue("ok")},
				},
			},
		},
		{
			name:  "same key as tag and field",
			input: "cpu,host=a host=1i",
			want: models.Record{
				Measurement: "cpu",
				Tags:        []models.Tag{{Key: "host", Value: "a"}},
				Fields:      []models.Field{{Key: "host", Value: models.IntegerValue(1)}},
			},
		},
		{
			name:  "escaped commas",
			input: `cpu\,01,host=server\,A value=1i`,
			want: models.Record{
				Measurement: "cpu,01",
				Tags:        []models.Tag{{Key: "host", Value: "server,A"}},
				Fields:      []models.Field{{Key: "value", Value: models.IntegerValue(1)}},
			},
		},
		{
			name:  "no field set",
			input: "cpu,host=serverA,region=us-west",
			want: models.Record{
				Measurement: "cpu",
				Tags:        []models.Tag{{Key: "host", Value: "serverA"}, {Key: "region", Value: "us-west"}},
				Fields:      []models.Field{},
			},
		},
	}

	d := newTestDecoder(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.DecodeString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_BufferMatchesString(t *testing.T) {
	d := newTestDecoder(false)
	line := "access_granted.ny22_unique.1h members=2i 1470934800000000000"

	fromString, err := d.DecodeString(line)
	require.NoError(t, err)
	fromBytes, err := d.DecodeBytes([]byte(line))
	require.NoError(t, err)

	assert.Equal(t, fromString, fromBytes)
}

func TestDecode_DroppedEntries(t *testing.T) {
	d := newTestDecoder(false)

	got, err := d.DecodeString(`cpu,host=a,broken,,region=b good=1i,bare=word,noeq,empty=,neg=-5i,s="x" 99`)
	require.NoError(t, err)

	assert.Equal(t, "cpu", got.Measurement)
	assert.Equal(t, []models.Tag{{Key: "host", Value: "a"}, {Key: "region", Value: "b"}}, got.Tags)
	assert.Equal(t, []models.Field{
		{Key: "good", Value: models.IntegerValue(1)},
		{Key: "s", Value: models.StringValue("x")},
	}, got.Fields)
	require.NotNil(t, got.Timestamp)
	assert.Equal(t, int64(99), *got.Timestamp)
}

func TestDecode_Timestamp(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		present bool
	}{
		{"nanoseconds", "m v=1 1609459200000000000", 1609459200000000000, true},
		{"zero is kept", "m v=1 0", 0, true},
		{"negative is kept", "m v=1 -10", -10, true},
		{"missing", "m v=1", 0, false},
		{"empty segment", "m v=1 ", 0, false},
		{"not numeric", "m v=1 yesterday", 0, false},
		{"float", "m v=1 1.5", 0, false},
		{"overflow", "m v=1 99999999999999999999", 0, false},
		{"extra segment", "m v=1 123 456", 0, false},
	}

	d := newTestDecoder(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.DecodeString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.present, got.HasTimestamp())
			if tt.present {
				assert.Equal(t, tt.want, *got.Timestamp)
			}
		})
	}
}

type stringerLine string

func (s stringerLine) String() string { return string(s) }

type nilStringer struct{ s string }

func (n *nilStringer) String() string { return n.s }

func TestDecode_InvalidInput(t *testing.T) {
	var nilPtr *nilStringer
	inputs := []struct {
		name  string
		input interface{}
	}{
		{"nil", nil},
		{"empty string", ""},
		{"empty bytes", []byte{}},
		{"nil bytes", []byte(nil)},
		{"wrong type", 42},
		{"map", map[string]string{"a": "b"}},
		{"nil stringer pointer", nilPtr},
	}

	for _, tt := range inputs {
		t.Run("permissive/"+tt.name, func(t *testing.T) {
			got, err := newTestDecoder(false).Decode(tt.input)
			require.NoError(t, err)
			assert.True(t, got.IsEmpty())
			assert.Nil(t, got.Timestamp)
		})
		t.Run("strict/"+tt.name, func(t *testing.T) {
			got, err := newTestDecoder(true).Decode(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFormat)
			assert.True(t, got.IsEmpty())
		})
	}
}

func TestDecode_Stringer(t *testing.T) {
	got, err := newTestDecoder(true).Decode(stringerLine("cpu value=1i"))
	require.NoError(t, err)
	assert.Equal(t, "cpu", got.Measurement)
}

func TestDecode_InvalidUTF8Bytes(t *testing.T) {
	got, err := newTestDecoder(false).DecodeBytes([]byte("cpu,host=a\xffb v=1i"))
	require.NoError(t, err)
	host, ok := got.Tag("host")
	require.True(t, ok)
	assert.Equal(t, "a�b", host)
}

func TestDecode_StrictOnlyFailsOnInvalidFormat(t *testing.T) {
	// Malformed entries never surface as errors, even in strict mode
	got, err := newTestDecoder(true).DecodeString("cpu,broken v=word nope")
	require.NoError(t, err)
	assert.Equal(t, "cpu", got.Measurement)
	assert.Empty(t, got.Tags)
	assert.Empty(t, got.Fields)
	assert.False(t, got.HasTimestamp())
}

func TestDecode_Idempotent(t *testing.T) {
	d := newTestDecoder(false)
	line := "cpu_load_short,direction=in,host=server01 value=2.0,n=3i 1422568543702900257"

	first, err := d.DecodeString(line)
	require.NoError(t, err)
	second, err := d.DecodeString(line)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDecode_Concurrent(t *testing.T) {
	d := newTestDecoder(false)
	line := "cpu,host=a value=1i 1"
	want, err := d.DecodeString(line)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]models.Record, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = d.DecodeString(line)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

func TestDecode_LogsDroppedEntries(t *testing.T) {
	var buf bytes.Buffer
	d := NewDecoder(Options{}, zerolog.New(&buf).Level(zerolog.DebugLevel))

	_, err := d.DecodeString("cpu v=word")
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "cpu", entry["measurement"])
	assert.Contains(t, entry["error"], "unrecognized field value")
}

func TestDecode_CountsDroppedEntries(t *testing.T) {
	m := metrics.Get()
	before := m.Snapshot()

	_, err := newTestDecoder(false).DecodeString("cpu,bad v=word,w=1i x")
	require.NoError(t, err)

	after := m.Snapshot()
	assert.GreaterOrEqual(t, after["decode_dropped_tags_total"].(int64)-before["decode_dropped_tags_total"].(int64), int64(1))
	assert.GreaterOrEqual(t, after["decode_cast_failures_total"].(int64)-before["decode_cast_failures_total"].(int64), int64(1))
	assert.GreaterOrEqual(t, after["decode_invalid_timestamps_total"].(int64)-before["decode_invalid_timestamps_total"].(int64), int64(1))
}

func TestSplit_ReportsDroppedEntries(t *testing.T) {
	record, dropped := Split("cpu,nokv v=word,ok=1i,x 12ab")

	assert.Equal(t, "cpu", record.Measurement)
	assert.Len(t, record.Fields, 1)
	require.Len(t, dropped, 4)

	var entryErr *EntryError
	require.True(t, errors.As(dropped[0], &entryErr))
	assert.Equal(t, SegmentTag, entryErr.Segment)
	assert.Equal(t, "nokv", entryErr.Entry)
	assert.ErrorIs(t, dropped[0], ErrMalformedEntry)

	assert.ErrorIs(t, dropped[1], ErrCastFailure)
	require.True(t, errors.As(dropped[1], &entryErr))
	assert.Equal(t, "v=word", entryErr.Entry)

	assert.ErrorIs(t, dropped[2], ErrMalformedEntry)
	assert.ErrorIs(t, dropped[3], ErrInvalidTimestamp)
}

func TestSplit_NoFieldsNeverProducesUndefinedKey(t *testing.T) {
	record, dropped := Split("cpu")
	assert.Empty(t, dropped)
	assert.NotNil(t, record.Fields)
	assert.Empty(t, record.Fields)
	assert.NotNil(t, record.Tags)
	assert.Empty(t, record.Tags)
}

func TestPackageDecode(t *testing.T) {
	got, err := Decode([]byte("access_granted.ny22_unique.1h members=2i 1470934800000000000"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "access_granted.ny22_unique.1h", got.Measurement)

	_, err = Decode(nil, Options{Strict: true})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestDecode_TrailingNewline(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  models.Record
	}{
		{"float bytes", []byte("cpu v=2.0\n"), models.Record{
			Measurement: "cpu", Tags: []models.Tag{},
			Fields: []models.Field{{Key: "v", Value: models.FloatValue(2)}},
		}},
		{"integer bytes", []byte("cpu v=1i\n"), models.Record{
			Measurement: "cpu", Tags: []models.Tag{},
			Fields: []models.Field{{Key: "v", Value: models.IntegerValue(1)}},
		}},
		{"timestamp crlf", "cpu v=1i 1422568543702900257\r\n", models.Record{
			Measurement: "cpu", Tags: []models.Tag{},
			Fields:    []models.Field{{Key: "v", Value: models.IntegerValue(1)}},
			Timestamp: models.Int64Ptr(1422568543702900257),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, strict := range []bool{false, true} {
				got, err := newTestDecoder(strict).Decode(tt.input)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDecode_OnlyNewlineIsEmpty(t *testing.T) {
	got, err := newTestDecoder(false).Decode([]byte("\n"))
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())

	_, err = newTestDecoder(true).Decode("\r\n")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestDecode_RecoversFromParserPanic(t *testing.T) {
	orig := splitFn
	splitFn = func(string) (models.Record, []error) { panic("index out of range") }
	t.Cleanup(func() { splitFn = orig })

	for _, strict := range []bool{false, true} {
		var buf bytes.Buffer
		d := NewDecoder(Options{Strict: strict}, zerolog.New(&buf))
		before := metrics.Get().Snapshot()["decode_unexpected_total"].(int64)

		got, err := d.DecodeString("cpu v=1i")
		require.NoError(t, err)
		assert.Equal(t, models.Record{}, got)
		assert.Equal(t, before+1, metrics.Get().Snapshot()["decode_unexpected_total"].(int64))

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
		assert.Equal(t, "error", entry["level"])
		assert.Equal(t, ErrUnexpectedParse.Error(), entry["error"])
		assert.Equal(t, "index out of range", entry["panic"])
	}
}

func TestDecode_LogsComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).Level(zerolog.DebugLevel).With().Str("component", "lineprotocol").Logger()

	_, err := NewDecoder(Options{}, base).DecodeString("cpu v=word")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(buf.String(), `"component"`), buf.String())
}
