// Package output writes decoded records in the formats offered by the CLI and the HTTP API.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/basekick-labs/lpdecode/internal/ingest"
	"github.com/basekick-labs/lpdecode/pkg/models"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

// Format names an output encoding
type Format string

const (
	FormatJSON     Format = "json"     // Array of records, or one object for a single record
	FormatJSONL    Format = "jsonl"    // One record object per line
	FormatMsgpack  Format = "msgpack"  // Array of record maps
	FormatYAML     Format = "yaml"     // One YAML document
	FormatPretty   Format = "pretty"   // Human readable, one line per record
	FormatFlat     Format = "flat"     // One flattened object per line
	FormatColumnar Format = "columnar" // Column arrays grouped by measurement
)

// ValidFormats lists all valid output formats.
var ValidFormats = map[Format]bool{
	FormatJSON:     true,
	FormatJSONL:    true,
	FormatMsgpack:  true,
	FormatYAML:     true,
	FormatPretty:   true,
	FormatFlat:     true,
	FormatColumnar: true,
}

// FormatNames returns the valid format names sorted, for help text and errors
func FormatNames() []string {
	names := make([]string, 0, len(ValidFormats))
	for f := range ValidFormats {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return names
}

// ParseFormat validates a format name. The empty string means json.
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	if f == "" {
		return FormatJSON, nil
	}
	if !ValidFormats[f] {
		return "", fmt.Errorf("unknown format: %s (valid: %s)", name, strings.Join(FormatNames(), ", "))
	}
	return f, nil
}

// ContentType returns the HTTP Content-Type for a format
func ContentType(f Format) string {
	switch f {
	case FormatMsgpack:
		return "application/msgpack"
	case FormatYAML:
		return "application/yaml"
	case FormatJSONL, FormatFlat:
		return "application/x-ndjson"
	case FormatPretty:
		return "text/plain; charset=utf-8"
	default:
		return "application/json"
	}
}

// Streamable reports whether records can be written one at a time with WriteRecord
// and still form valid output.
func Streamable(f Format) bool {
	switch f {
	case FormatJSONL, FormatPretty, FormatFlat, FormatMsgpack:
		return true
	default:
		return false
	}
}

// WriteRecords writes a whole batch
func WriteRecords(w io.Writer, f Format, records []models.Record) error {
	switch f {
	case FormatJSON:
		return writeJSON(w, recordMaps(records))
	case FormatMsgpack:
		return writeMsgpack(w, recordMaps(records))
	case FormatYAML:
		return writeYAML(w, recordMaps(records))
	case FormatColumnar:
		return writeJSON(w, ingest.BatchToColumnar(records))
	case FormatJSONL, FormatPretty, FormatFlat:
		for _, rec := range records {
			if err := WriteRecord(w, f, rec); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s", f)
	}
}

// WriteRecord writes one record. json and jsonl both write a single object line,
// yaml writes one document and columnar writes a one-record batch.
func WriteRecord(w io.Writer, f Format, rec models.Record) error {
	switch f {
	case FormatJSON, FormatJSONL:
		return writeJSON(w, rec.AsMap())
	case FormatFlat:
		return writeJSON(w, ingest.ToFlatRecord(rec))
	case FormatMsgpack:
		return writeMsgpack(w, rec.AsMap())
	case FormatYAML:
		// Explicit document start so consecutive records form a valid stream
		if _, err := io.WriteString(w, "---\n"); err != nil {
			return err
		}
		return writeYAML(w, rec.AsMap())
	case FormatPretty:
		_, err := fmt.Fprintln(w, Pretty(rec))
		return err
	case FormatColumnar:
		return writeJSON(w, ingest.BatchToColumnar([]models.Record{rec}))
	default:
		return fmt.Errorf("unknown format: %s", f)
	}
}

func recordMaps(records []models.Record) []map[string]interface{} {
	out := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		out[i] = rec.AsMap()
	}
	return out
}

// writeJSON writes v followed by a newline
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func writeMsgpack(w io.Writer, v interface{}) error {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(true)
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
