package repair

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindInteger
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	default:
		return "string"
	}
}

type Field struct {
	Name        string
	Description string
	Kind        Kind
}

// Schema describes the JSON object a prompt asks the model for.
// Required lists the keys whose presence makes a directly parsed reply
// acceptable; when empty every field is required.
type Schema struct {
	Fields   []Field
	Required []string
}

func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

func (s Schema) WithRequired(names ...string) Schema {
	s.Required = names
	return s
}

func (s Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

func (s Schema) required() []string {
	if len(s.Required) > 0 {
		return s.Required
	}
	return s.Names()
}

// FormatInstructions tells the model to answer with a fenced JSON snippet
// holding exactly the schema's fields.
func FormatInstructions(s Schema) string {
	var b strings.Builder
	b.WriteString("The output should be a markdown code snippet formatted in the following schema, ")
	b.WriteString("including the leading and trailing \"```json\" and \"```\":\n\n")
	b.WriteString("```json\n{\n")
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "\t%q: %s  // %s\n", f.Name, f.Kind, f.Description)
	}
	b.WriteString("}\n```")
	return b.String()
}

// Fields holds coerced values: string for KindString, float64 for
// KindNumber and int for KindInteger.
type Fields map[string]any

func (f Fields) String(name string) string {
	switch v := f[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (f Fields) Int(name string) int {
	switch v := f[name].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func (f Fields) Float(name string) float64 {
	switch v := f[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
