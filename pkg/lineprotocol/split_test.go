package lineprotocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitLine(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Segments
	}{
		{
			name: "all three segments",
			raw:  "cpu,host=a value=1 1609459200000000000",
			want: Segments{IdentifierAndTags: "cpu,host=a", FieldSet: "value=1", Timestamp: "1609459200000000000", HasTimestamp: true},
		},
		{
			name: "no timestamp",
			raw:  "cpu value=1",
			want: Segments{IdentifierAndTags: "cpu", FieldSet: "value=1"},
		},
		{
			name: "measurement only",
			raw:  "cpu,host=a",
			want: Segments{IdentifierAndTags: "cpu,host=a"},
		},
		{
			name: "timestamp segment keeps the remainder",
			raw:  "cpu value=1 123 456",
			want: Segments{IdentifierAndTags: "cpu", FieldSet: "value=1", Timestamp: "123 456", HasTimestamp: true},
		},
		{
			name: "trailing space gives empty timestamp",
			raw:  "cpu value=1 ",
			want: Segments{IdentifierAndTags: "cpu", FieldSet: "value=1", Timestamp: "", HasTimestamp: true},
		},
		{
			name: "empty",
			raw:  "",
			want: Segments{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitLine(tt.raw))
		})
	}
}

func TestSplitEntries(t *testing.T) {
	tests := []struct {
		name    string
		segment string
		want    []string
	}{
		{"empty segment has no entries", "", nil},
		{"single entry", "cpu", []string{"cpu"}},
		{"several entries", "cpu,host=a,region=b", []string{"cpu", "host=a", "region=b"}},
		{"escaped comma restored", `cpu\,01,host=a`, []string{"cpu,01", "host=a"}},
		{"escaped comma in value", `host=a\,b,region=c`, []string{"host=a,b", "region=c"}},
		{"other escapes kept", `host=a\ b`, []string{`host=a\ b`}},
		{"empty entries kept", "a,,b", []string{"a", "", "b"}},
		{"trailing comma", "a,", []string{"a", ""}},
		{"escaped comma at end", `a\,`, []string{"a,"}},
		{"backslash before escaped comma", `a\\,b`, []string{`a\,b`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitEntries(tt.segment))
		})
	}
}

func TestSplitKV(t *testing.T) {
	tests := []struct {
		entry     string
		wantKey   string
		wantValue string
		wantOK    bool
	}{
		{"host=server01", "host", "server01", true},
		{"expr=a=b", "expr", "a=b", true},
		{"empty=", "empty", "", true},
		{"=orphan", "", "orphan", true},
		{"novalue", "novalue", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			key, value, ok := SplitKV(tt.entry)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantValue, value)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
