package repair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var (
	ErrNotJSON      = errors.New("response is not valid JSON")
	ErrNotObject    = errors.New("response is not a JSON object")
	ErrMissingField = errors.New("missing field")
	ErrBadValue     = errors.New("field has wrong type")
)

const DefaultEchoLimit = 300

var (
	fenceRE         = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")
	trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRE       = regexp.MustCompile(`([{,])\s*([^"{}\[\]]+?)\s*:`)
	leadingNumberRE = regexp.MustCompile(`^[-+]?\d+(\.\d+)?`)
)

type Stage int

const (
	StageStrict Stage = iota
	StageDirect
	StageSliced
	StageEmpty
	StageFallback
)

func (s Stage) String() string {
	switch s {
	case StageStrict:
		return "strict"
	case StageDirect:
		return "direct"
	case StageSliced:
		return "sliced"
	case StageEmpty:
		return "empty"
	default:
		return "fallback"
	}
}

type Result struct {
	Fields Fields
	Stage  Stage
}

// Repaired reports whether the strict parser rejected the reply.
func (r Result) Repaired() bool {
	return r.Stage != StageStrict
}

// Placeholder reports whether the fields were invented rather than parsed.
func (r Result) Placeholder() bool {
	return r.Stage == StageEmpty || r.Stage == StageFallback
}

// ParseStrict parses a reply that followed FormatInstructions: the body of a
// ```json fence (or the whole text) must be an object holding every field.
// Raw line breaks inside strings and a reply cut off mid-object are
// tolerated, see Complete.
func ParseStrict(text string, s Schema) (Fields, error) {
	body := unfence(text)
	if !gjson.Valid(body) {
		fixed, ok := Complete(body)
		if !ok {
			return nil, ErrNotJSON
		}
		body = fixed
	}
	res := gjson.Parse(body)
	if !res.IsObject() {
		return nil, ErrNotObject
	}
	values := objectValues(res)

	fields := make(Fields, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := values[f.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, f.Name)
		}
		val, err := coerceStrict(v, f.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		fields[f.Name] = val
	}
	return fields, nil
}

// Parse runs ParseStrict and falls back to Repair when it fails. The strict
// error is returned alongside the repaired result for logging.
func Parse(text string, s Schema, fb Fallback) (Result, error) {
	fields, err := ParseStrict(text, s)
	if err == nil {
		return Result{Fields: fields, Stage: StageStrict}, nil
	}
	return Repair(text, s, fb), err
}

// Repair recovers the schema fields from a reply the strict parser
// rejected. It never fails: unrecoverable text yields the fallback values.
func Repair(text string, s Schema, fb Fallback) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Fields: fb.Empty(s), Stage: StageEmpty}
	}

	if values, ok := parseObject(text); ok && hasAll(values, s.required()) {
		return Result{Fields: coerceLoose(values, s), Stage: StageDirect}
	}

	if values, ok := parseSlice(text); ok {
		return Result{Fields: coerceLoose(values, s), Stage: StageSliced}
	}

	return Result{Fields: fb.Unparsable(s, text), Stage: StageFallback}
}

// Slice returns the text between the first '{' and the last '}' inclusive.
func Slice(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// sliceOpen is Slice, or everything from the first '{' when the object was
// never closed.
func sliceOpen(text string) (string, bool) {
	if sliced, ok := Slice(text); ok {
		return sliced, true
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return "", false
	}
	return text[start:], true
}

// Fixup rewrites common near-JSON mistakes: single quotes, trailing commas
// and unquoted keys.
func Fixup(s string) string {
	s = strings.ReplaceAll(s, "'", `"`)
	s = trailingCommaRE.ReplaceAllString(s, "$1")
	s = bareKeyRE.ReplaceAllString(s, `$1"$2":`)
	return s
}

func parseSlice(text string) (map[string]gjson.Result, bool) {
	sliced, ok := sliceOpen(text)
	if !ok {
		return nil, false
	}
	if values, ok := parseObject(sliced); ok {
		return values, true
	}
	return parseObject(Fixup(sliced))
}

func parseObject(text string) (map[string]gjson.Result, bool) {
	res, ok := lenientObject(text)
	if !ok {
		return nil, false
	}
	return objectValues(res), true
}

func objectValues(res gjson.Result) map[string]gjson.Result {
	values := make(map[string]gjson.Result)
	res.ForEach(func(k, v gjson.Result) bool {
		values[k.String()] = v
		return true
	})
	return values
}

func hasAll(values map[string]gjson.Result, names []string) bool {
	for _, n := range names {
		if _, ok := values[n]; !ok {
			return false
		}
	}
	return true
}

func unfence(text string) string {
	text = strings.TrimSpace(text)
	if m := fenceRE.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if strings.HasPrefix(text, "```") {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			return strings.TrimSpace(text[i+1:])
		}
	}
	return text
}

func coerceStrict(v gjson.Result, kind Kind) (any, error) {
	switch kind {
	case KindNumber, KindInteger:
		var f float64
		switch v.Type {
		case gjson.Number:
			f = v.Num
		case gjson.String:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: want %s, got %q", ErrBadValue, kind, v.Str)
			}
			f = parsed
		default:
			return nil, fmt.Errorf("%w: want %s, got %s", ErrBadValue, kind, v.Type)
		}
		if kind == KindInteger {
			return int(math.Trunc(f)), nil
		}
		return f, nil
	default:
		return display(v), nil
	}
}

func coerceLoose(values map[string]gjson.Result, s Schema) Fields {
	fields := make(Fields, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := values[f.Name]
		switch f.Kind {
		case KindNumber:
			fields[f.Name] = looseNumber(v, ok)
		case KindInteger:
			fields[f.Name] = int(math.Trunc(looseNumber(v, ok)))
		default:
			if !ok {
				fields[f.Name] = ""
				continue
			}
			fields[f.Name] = display(v)
		}
	}
	return fields
}

func looseNumber(v gjson.Result, ok bool) float64 {
	if !ok {
		return 0
	}
	switch v.Type {
	case gjson.Number:
		return v.Num
	case gjson.String:
		m := leadingNumberRE.FindString(strings.TrimSpace(v.Str))
		if m == "" {
			return 0
		}
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func display(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Null:
		return ""
	case gjson.JSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(v.Raw)); err == nil {
			return buf.String()
		}
	}
	return v.Raw
}

// Truncate cuts s to n runes and appends "..." when anything was removed.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
