package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-cpi-pipeline/internal/pipeline"
)

// FieldError describes one field that failed its constraint.
type FieldError struct {
	Field  string
	Reason string
}

// Error lists every field problem in a record.
type Error struct {
	Schema   string
	Problems []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return fmt.Sprintf("schema %s: %s", e.Schema, strings.Join(parts, "; "))
}

// Validator checks raw records against schemas and assigns storage keys.
type Validator struct {
	hasher pipeline.Hasher
}

// New returns a Validator that keys schemas without natural-key fields by hasher.
func New(hasher pipeline.Hasher) *Validator {
	return &Validator{hasher: hasher}
}

// Validate applies defaults and coercions and derives the storage key.
// Fields not declared by the schema pass through unchanged. A nil value
// counts as missing. The returned error carries KindValidation and wraps *Error.
func (v *Validator) Validate(raw pipeline.RawRecord, schema Schema) (pipeline.ValidatedRecord, error) {
	out := make(map[string]any, len(raw.Fields))
	for k, val := range raw.Fields {
		if _, declared := schema.Fields[k]; !declared {
			out[k] = val
		}
	}

	var problems []FieldError
	for _, name := range schema.fieldNames() {
		field := schema.Fields[name]
		val, present := raw.Fields[name]
		if !present || val == nil {
			switch {
			case field.Default != nil:
				val = field.Default
			case field.Required:
				problems = append(problems, FieldError{Field: name, Reason: "required field missing"})
				continue
			default:
				continue
			}
		}
		coerced, ok := coerce(val, field.Type)
		if !ok {
			problems = append(problems, FieldError{
				Field:  name,
				Reason: fmt.Sprintf("expected %s, got %T", field.Type, val),
			})
			continue
		}
		out[name] = coerced
	}
	if len(problems) > 0 {
		return pipeline.ValidatedRecord{}, pipeline.NewError(pipeline.KindValidation, "validate",
			&Error{Schema: schema.Name, Problems: problems})
	}

	key, err := v.key(schema, out)
	if err != nil {
		return pipeline.ValidatedRecord{}, err
	}
	return pipeline.ValidatedRecord{
		SourceJobID: raw.SourceJobID,
		Schema:      schema.Name,
		Key:         key,
		Fields:      out,
		FetchedAt:   raw.FetchedAt,
	}, nil
}

// key derives the storage key from the normalized fields only, so records
// that differ solely in fetch time or source job collapse onto one key.
func (v *Validator) key(schema Schema, fields map[string]any) (pipeline.StorageKey, error) {
	if len(schema.Key) > 0 {
		parts := make([]string, 0, len(schema.Key))
		for _, name := range schema.Key {
			parts = append(parts, keyPart(fields[name]))
		}
		return pipeline.StorageKey(schema.Name + ":" + strings.Join(parts, "|")), nil
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(fields)
	if err != nil {
		return "", pipeline.NewError(pipeline.KindValidation, "derive key", err)
	}
	sum, err := v.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	return pipeline.StorageKey(schema.Name + ":" + sum), nil
}

// keyEscaper escapes the separator inside key parts so distinct part lists
// never join to the same key.
var keyEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

func keyPart(v any) string {
	return keyEscaper.Replace(rawKeyPart(v))
}

func rawKeyPart(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// coerce converts v to the canonical Go representation of t:
// string, int64, float64, bool, time.Time, map[string]any or []any.
func coerce(v any, t Type) (any, bool) {
	switch t {
	case TypeAny:
		return v, true
	case TypeString:
		s, ok := v.(string)
		return s, ok
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, true
		case string:
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "true":
				return true, true
			case "false":
				return false, true
			}
		}
		return nil, false
	case TypeTime:
		switch tv := v.(type) {
		case time.Time:
			return tv, true
		case string:
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(tv))
			if err != nil {
				return nil, false
			}
			return parsed, true
		}
		return nil, false
	case TypeObject:
		m, ok := v.(map[string]any)
		return m, ok
	case TypeArray:
		a, ok := v.([]any)
		return a, ok
	default:
		return nil, false
	}
}

func toInt(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) > math.MaxInt64 {
			return nil, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		return toInt(f)
	default:
		return nil, false
	}
}

func toFloat(v any) (any, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	default:
		return nil, false
	}
}
