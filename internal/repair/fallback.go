package repair

// Fallback supplies placeholder fields when a reply cannot be recovered.
type Fallback interface {
	Empty(s Schema) Fields
	Unparsable(s Schema, text string) Fields
}

type echo struct {
	limit int
	empty string
}

// Echo fills string fields with the reply itself, truncated to limit runes,
// and with empty when the reply was blank. Numeric fields become zero.
func Echo(limit int, empty string) Fallback {
	return echo{limit: limit, empty: empty}
}

func (e echo) Empty(s Schema) Fields {
	return fill(s, e.empty)
}

func (e echo) Unparsable(s Schema, text string) Fields {
	return fill(s, Truncate(text, e.limit))
}

func fill(s Schema, text string) Fields {
	fields := make(Fields, len(s.Fields))
	for _, f := range s.Fields {
		switch f.Kind {
		case KindNumber:
			fields[f.Name] = 0.0
		case KindInteger:
			fields[f.Name] = 0
		default:
			fields[f.Name] = text
		}
	}
	return fields
}

type defaults struct {
	empty      Fields
	unparsable Fields
}

// Defaults returns fixed placeholder values. Fields missing from the maps
// get zero values of their kind.
func Defaults(empty, unparsable Fields) Fallback {
	return defaults{empty: empty, unparsable: unparsable}
}

func (d defaults) Empty(s Schema) Fields {
	return complete(s, d.empty)
}

func (d defaults) Unparsable(s Schema, _ string) Fields {
	return complete(s, d.unparsable)
}

func complete(s Schema, values Fields) Fields {
	fields := fill(s, "")
	for k, v := range values {
		fields[k] = v
	}
	return fields
}
