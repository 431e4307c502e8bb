package lineprotocol

import "strings"

// Segments are the three space-separated regions of a line.
type Segments struct {
	IdentifierAndTags string
	FieldSet          string
	Timestamp         string
	HasTimestamp      bool
}

// SplitLine splits raw on the first two spaces only. Whatever follows the second space is
// the timestamp segment, untouched. Spaces inside tag or field values are not supported.
func SplitLine(raw string) Segments {
	parts := strings.SplitN(raw, " ", 3)

	seg := Segments{IdentifierAndTags: parts[0]}
	if len(parts) > 1 {
		seg.FieldSet = parts[1]
	}
	if len(parts) > 2 {
		seg.Timestamp = parts[2]
		seg.HasTimestamp = true
	}
	return seg
}

// SplitEntries splits a segment on commas, except commas escaped as `\,` which are kept
// in the entry as a literal comma. Other backslashes are left as they are.
// An empty segment has no entries.
func SplitEntries(segment string) []string {
	if segment == "" {
		return nil
	}

	// Fast path: nothing escaped
	if !strings.Contains(segment, `\,`) {
		return strings.Split(segment, ",")
	}

	var entries []string
	var current strings.Builder
	current.Grow(len(segment))

	for i := 0; i < len(segment); i++ {
		c := segment[i]
		switch {
		case c == '\\' && i+1 < len(segment) && segment[i+1] == ',':
			current.WriteByte(',')
			i++
		case c == ',':
			entries = append(entries, current.String())
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}

	return append(entries, current.String())
}

// SplitKV splits an entry on its first '='. ok is false when there is no '='.
func SplitKV(entry string) (key, value string, ok bool) {
	return strings.Cut(entry, "=")
}
