package output

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/basekick-labs/lpdecode/pkg/models"
)

// Pretty renders a record on one line:
//
//	cpu_load_short [direction=in host=server01] value=2 members=2i ok=true s="x" @1422568543702900257
//
// Integers keep their line protocol "i" suffix so they stay distinguishable from floats.
func Pretty(rec models.Record) string {
	if rec.IsEmpty() {
		return "(empty)"
	}

	var sb strings.Builder
	sb.WriteString(quoteIfNeeded(rec.Measurement))

	if len(rec.Tags) > 0 {
		sb.WriteString(" [")
		for i, t := range rec.Tags {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(quoteIfNeeded(t.Key))
			sb.WriteByte('=')
			sb.WriteString(quoteIfNeeded(t.Value))
		}
		sb.WriteByte(']')
	}

	for _, f := range rec.Fields {
		sb.WriteByte(' ')
		sb.WriteString(quoteIfNeeded(f.Key))
		sb.WriteByte('=')
		sb.WriteString(prettyValue(f.Value))
	}

	if rec.Timestamp != nil {
		sb.WriteString(" @")
		sb.WriteString(strconv.FormatInt(*rec.Timestamp, 10))
	}

	return sb.String()
}

func prettyValue(v models.Value) string {
	if v.Kind() == models.KindInteger {
		return strconv.FormatInt(v.Int64(), 10) + "i"
	}
	return v.String()
}

// quoteIfNeeded quotes a value if it contains spaces, equals signs, quotes, backslashes or
// control characters. Returns the value unchanged if no quoting is needed.
func quoteIfNeeded(v string) string {
	if v == "" {
		return `""`
	}

	needsQuote := false
	for _, c := range v {
		if c == ' ' || c == '=' || c == '"' || c == '\\' || c < 0x20 || c == 0x7F {
			needsQuote = true
			break
		}
	}
	if !needsQuote {
		return v
	}

	var sb strings.Builder
	sb.WriteByte('"')
	for _, c := range v {
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c == '"':
			sb.WriteString(`\"`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c < 0x20 || c == 0x7F:
			sb.WriteString(fmt.Sprintf(`\x%02x`, c))
		default:
			sb.WriteRune(c)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}
