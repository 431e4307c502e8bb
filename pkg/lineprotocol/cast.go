package lineprotocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/basekick-labs/lpdecode/pkg/models"
)

var (
	integerPattern = regexp.MustCompile(`^\d+i$`)
	stringPattern  = regexp.MustCompile(`^"(.*)"$`)
	numberPattern  = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)
)

// caster is one type-inference rule. The first rule whose match accepts the raw text
// decides the outcome, even if its convert then fails.
type caster struct {
	match   func(raw string) bool
	convert func(raw string) (models.Value, error)
}

var casters = []caster{
	{
		match: integerPattern.MatchString,
		convert: func(raw string) (models.Value, error) {
			n, err := strconv.ParseInt(raw[:len(raw)-1], 10, 64)
			if err != nil {
				return models.Value{}, fmt.Errorf("%w: integer %q out of range", ErrCastFailure, raw)
			}
			return models.IntegerValue(n), nil
		},
	},
	{
		match: func(raw string) bool {
			return strings.EqualFold(raw, "t") || strings.EqualFold(raw, "true")
		},
		convert: func(string) (models.Value, error) { return models.BooleanValue(true), nil },
	},
	{
		match: func(raw string) bool {
			return strings.EqualFold(raw, "f") || strings.EqualFold(raw, "false")
		},
		convert: func(string) (models.Value, error) { return models.BooleanValue(false), nil },
	},
	{
		match: stringPattern.MatchString,
		convert: func(raw string) (models.Value, error) {
			// Only the outer quotes are removed; inner escapes stay as written
			return models.StringValue(stringPattern.FindStringSubmatch(raw)[1]), nil
		},
	},
	{
		match: numberPattern.MatchString,
		convert: func(raw string) (models.Value, error) {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return models.Value{}, fmt.Errorf("%w: number %q out of range", ErrCastFailure, raw)
			}
			return models.FloatValue(f), nil
		},
	},
}

// Cast infers the type of a raw field value and converts it.
//
// Rules, in priority order:
//   - Integer: digits followed by 'i' (e.g., 344i). Negative integers are not recognized.
//   - Boolean: t, true, f, false in any case
//   - String: wrapped in double quotes; the inner text is returned verbatim
//   - Float: any decimal number, optionally signed, optionally with an exponent
//
// Anything else, including bare words and the empty string, fails with ErrCastFailure.
func Cast(raw string) (models.Value, error) {
	for _, c := range casters {
		if c.match(raw) {
			return c.convert(raw)
		}
	}
	return models.Value{}, fmt.Errorf("%w: %q", ErrCastFailure, raw)
}
