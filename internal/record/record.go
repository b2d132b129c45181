package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrInvalidJSON = errors.New("invalid JSON")
	ErrNotObject   = errors.New("record must be a JSON object")
	ErrNotArray    = errors.New("record set must be a JSON array")
)

// Record is a JSON object that keeps its keys in insertion order, so a
// record read from one stage is written back with its fields where they were.
type Record struct {
	keys   []string
	values map[string]json.RawMessage
}

func New() *Record {
	return &Record{values: make(map[string]json.RawMessage)}
}

func Parse(data []byte) (*Record, error) {
	r := New()
	if err := r.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return ErrInvalidJSON
	}
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return ErrNotObject
	}
	r.fromResult(res)
	return nil
}

func (r *Record) fromResult(res gjson.Result) {
	r.keys = r.keys[:0]
	r.values = make(map[string]json.RawMessage)
	res.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		if _, dup := r.values[key]; !dup {
			r.keys = append(r.keys, key)
		}
		r.values[key] = json.RawMessage(v.Raw)
		return true
	})
}

func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(r.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Record) Len() int {
	return len(r.keys)
}

func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

func (r *Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

func (r *Record) Raw(key string) (json.RawMessage, bool) {
	v, ok := r.values[key]
	return v, ok
}

func (r *Record) Get(key string) gjson.Result {
	v, ok := r.values[key]
	if !ok {
		return gjson.Result{}
	}
	return gjson.ParseBytes(v)
}

// String returns string values unquoted and any other value as compact JSON.
// Missing keys and nulls yield "".
func (r *Record) String(key string) string {
	v := r.Get(key)
	switch v.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return v.Str
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(v.Raw)); err != nil {
		return v.Raw
	}
	return buf.String()
}

func (r *Record) Bool(key string) bool {
	return r.Get(key).Bool()
}

func (r *Record) Float(key string) (float64, bool) {
	v := r.Get(key)
	switch v.Type {
	case gjson.Number:
		return v.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	}
	return 0, false
}

// Set stores value under key. Existing keys keep their position; new keys
// are appended.
func (r *Record) Set(key string, value any) error {
	raw, err := marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = raw
	return nil
}

// InsertAt stores value under key at position pos, moving the key if it
// already exists. Positions past the end append.
func (r *Record) InsertAt(pos int, key string, value any) error {
	raw, err := marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	r.remove(key)
	if pos < 0 {
		pos = 0
	}
	if pos > len(r.keys) {
		pos = len(r.keys)
	}
	r.keys = append(r.keys, "")
	copy(r.keys[pos+1:], r.keys[pos:])
	r.keys[pos] = key
	r.values[key] = raw
	return nil
}

func (r *Record) Delete(key string) {
	r.remove(key)
}

func (r *Record) remove(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

func (r *Record) Clone() *Record {
	c := &Record{
		keys:   append([]string(nil), r.keys...),
		values: make(map[string]json.RawMessage, len(r.values)),
	}
	for k, v := range r.values {
		c.values[k] = append(json.RawMessage(nil), v...)
	}
	return c
}

// marshal encodes v without HTML escaping so that non-ASCII text and
// characters like < and & are written as-is.
func marshal(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, ErrInvalidJSON
		}
		return raw, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
