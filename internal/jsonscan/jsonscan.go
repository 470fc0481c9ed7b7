// Package jsonscan extracts string values from partial JSON documents.
// It exists for one latency-sensitive purpose: pulling a candidate question
// out of a streaming model response before the JSON is complete, so it can
// be handed to text-to-speech early. It is deliberately decoupled from the
// strict parser used at finalize time — a bug here can cost latency, never
// correctness of persisted data.
package jsonscan

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

// StringValue returns the complete decoded string value for key within a
// possibly truncated JSON document. It returns false when the key is absent
// or its value has not fully arrived yet; it never fails on malformed or
// truncated input.
func StringValue(partial, key string) (string, bool) {
	needle := `"` + key + `"`
	from := 0
	for {
		idx := strings.Index(partial[from:], needle)
		if idx < 0 {
			return "", false
		}
		pos := from + idx + len(needle)
		from = pos

		// Expect optional whitespace then a colon; otherwise this was the
		// key text appearing inside some other string.
		pos = skipSpace(partial, pos)
		if pos >= len(partial) || partial[pos] != ':' {
			continue
		}
		pos = skipSpace(partial, pos+1)
		if pos >= len(partial) || partial[pos] != '"' {
			continue
		}
		if v, ok := scanString(partial, pos+1); ok {
			return v, true
		}
		// String value started but has not finished streaming yet.
		return "", false
	}
}

// ExtractObject returns the substring from the first '{' to the last '}',
// stripping markdown fences and surrounding prose from a model response.
// Returns false when no balanced-looking object region exists.
func ExtractObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// scanString decodes a JSON string starting just after the opening quote.
// Returns false when the closing quote has not arrived.
func scanString(s string, i int) (string, bool) {
	var b strings.Builder
	for i < len(s) {
		c := s[i]
		if c == '"' {
			return b.String(), true
		}
		if c != '\\' {
			b.WriteByte(c)
			i++
			continue
		}

		// Escape sequence.
		if i+1 >= len(s) {
			return "", false
		}
		switch s[i+1] {
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		case '/':
			b.WriteByte('/')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'u':
			r, width, ok := scanUnicodeEscape(s, i)
			if !ok {
				return "", false
			}
			b.WriteRune(r)
			i += width
			continue
		default:
			// Unknown escape; keep the literal character rather than
			// failing the fast path.
			b.WriteByte(s[i+1])
		}
		i += 2
	}
	return "", false
}

// scanUnicodeEscape decodes \uXXXX at position i (pointing at the
// backslash), pairing UTF-16 surrogates when both halves are present.
// Returns the rune and the total width consumed.
func scanUnicodeEscape(s string, i int) (rune, int, bool) {
	if i+6 > len(s) {
		return 0, 0, false
	}
	hi, err := strconv.ParseUint(s[i+2:i+6], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	r := rune(hi)
	if !utf16.IsSurrogate(r) {
		return r, 6, true
	}
	// High surrogate: need the low half too.
	if i+12 > len(s) || s[i+6] != '\\' || s[i+7] != 'u' {
		return 0, 0, false
	}
	lo, err := strconv.ParseUint(s[i+8:i+12], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	combined := utf16.DecodeRune(r, rune(lo))
	if combined == 0xFFFD {
		return 0xFFFD, 12, true
	}
	return combined, 12, true
}
