package lineprotocol

import (
	"errors"
	"fmt"
)

// Decoder errors. Only ErrInvalidFormat is ever returned by Decode, and only in strict mode;
// the others describe entries that were dropped from a record.
var (
	// ErrInvalidFormat indicates the input was nil, not text-like, or empty.
	ErrInvalidFormat = errors.New("invalid point format")

	// ErrMalformedEntry indicates a tag or field entry without a key=value separator.
	ErrMalformedEntry = errors.New("malformed entry")

	// ErrCastFailure indicates a field value matching none of the recognized scalar forms.
	ErrCastFailure = errors.New("unrecognized field value")

	// ErrInvalidTimestamp indicates a timestamp segment that is not a base-10 int64.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrUnexpectedParse indicates a failure inside the parser itself.
	ErrUnexpectedParse = errors.New("unexpected parse failure")
)

// Segment names used in EntryError
const (
	SegmentTag       = "tag"
	SegmentField     = "field"
	SegmentTimestamp = "timestamp"
)

// EntryError describes one entry that was dropped while splitting a line
type EntryError struct {
	Segment string
	Entry   string
	Err     error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Segment, e.Entry, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}
