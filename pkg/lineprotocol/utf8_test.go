package lineprotocol

import (
	"testing"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		modified bool
	}{
		{"empty string", "", "", false},
		{"ascii point", "cpu,host=a value=1i", "cpu,host=a value=1i", false},
		{"multibyte tag value", "weather,city=Zürich temp=21.5", "weather,city=Zürich temp=21.5", false},
		{"replacement char already present", "m,k=a�b v=1i", "m,k=a�b v=1i", false},
		{"null byte", "m v=\"a\x00b\"", "m v=\"a\x00b\"", false},
		{"single invalid byte", "cpu,host=a\x80b v=1i", "cpu,host=a�b v=1i", true},
		{"invalid at start", "\xffcpu v=1i", "�cpu v=1i", true},
		{"invalid at end", "cpu v=1i 10\xfe", "cpu v=1i 10�", true},
		{"latin1 high bytes", "caf\xe9 r\xe9sum\xe9", "caf� r�sum�", true},
		{"truncated sequence", "m s=\"\xc3\"", "m s=\"�\"", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, modified := SanitizeUTF8(tt.input)
			if modified != tt.modified {
				t.Errorf("modified = %v, want %v", modified, tt.modified)
			}
			if result != tt.expected {
				t.Errorf("SanitizeUTF8(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func BenchmarkSanitizeUTF8_Valid(b *testing.B) {
	input := "cpu_load_short,direction=in,host=server01,region=us-west value=2.0 1422568543702900257"
	for i := 0; i < b.N; i++ {
		SanitizeUTF8(input)
	}
}

func BenchmarkSanitizeUTF8_Invalid(b *testing.B) {
	input := "cpu,host=\x80server01 value=\x81 1422568543702900257"
	for i := 0; i < b.N; i++ {
		SanitizeUTF8(input)
	}
}
