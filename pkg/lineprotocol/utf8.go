package lineprotocol

import "unicode/utf8"

// SanitizeUTF8 replaces every invalid UTF-8 byte with U+FFFD, the same way a byte buffer is
// turned into text before decoding. The second result reports whether anything changed.
// Valid input is returned as-is without allocating.
func SanitizeUTF8(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, false
	}

	out := make([]byte, 0, len(s)+len(s)/8)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			out = utf8.AppendRune(out, utf8.RuneError)
		} else {
			out = append(out, s[i:i+size]...)
		}
		i += size
	}
	return string(out), true
}
