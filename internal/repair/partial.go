package repair

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Complete turns near-JSON that a model cut off or wrote with raw line
// breaks into valid JSON. Control characters inside strings are escaped,
// an unterminated string is closed, and open objects and arrays are closed
// in order. When the closed text is still invalid, trailing characters are
// dropped until it parses. Only a non-empty object is accepted.
func Complete(text string) (string, bool) {
	var (
		b        strings.Builder
		closers  []byte
		inString bool
		escaped  bool
	)
	b.Grow(len(text) + 8)

	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c < 0x20:
				b.WriteString(escapeControl(c))
				continue
			}
			b.WriteByte(c)
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			closers = append(closers, '}')
		case '[':
			closers = append(closers, ']')
		case '}', ']':
			if len(closers) == 0 || closers[len(closers)-1] != c {
				return "", false
			}
			closers = closers[:len(closers)-1]
		}
		b.WriteByte(c)
	}

	body := b.String()
	if inString {
		if escaped {
			body = body[:len(body)-1]
		}
		body += `"`
	}

	tail := make([]byte, len(closers))
	for i, c := range closers {
		tail[len(closers)-1-i] = c
	}

	for candidate := body; candidate != ""; candidate = candidate[:len(candidate)-1] {
		s := candidate + string(tail)
		if !gjson.Valid(s) {
			continue
		}
		res := gjson.Parse(s)
		if !res.IsObject() || len(res.Map()) == 0 {
			return "", false
		}
		return s, true
	}
	return "", false
}

func escapeControl(c byte) string {
	switch c {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	}
	return fmt.Sprintf(`\u%04x`, c)
}

// lenientObject parses text as a JSON object, completing it first when it
// is not valid as written.
func lenientObject(text string) (gjson.Result, bool) {
	if !gjson.Valid(text) {
		fixed, ok := Complete(text)
		if !ok {
			return gjson.Result{}, false
		}
		text = fixed
	}
	res := gjson.Parse(text)
	return res, res.IsObject()
}
