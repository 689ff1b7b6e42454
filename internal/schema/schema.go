// Package schema defines the canonical event schema that all mapped upload
// data must conform to.
//
// A Registry is built once at startup from configuration (or from the
// built-in access-event schema) and treated as read-only afterwards. It owns
// the canonical field definitions and the alias table used by the column
// mapper to resolve raw CSV headers.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldType is the expected data type of a canonical field.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInteger
	FieldTimestamp
	FieldEnum
)

// String returns the configuration-file spelling of the type.
func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "string"
	case FieldInteger:
		return "integer"
	case FieldTimestamp:
		return "timestamp"
	case FieldEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// ParseFieldType converts a configuration-file type name to a FieldType.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "text":
		return FieldString, nil
	case "integer", "int":
		return FieldInteger, nil
	case "timestamp":
		return FieldTimestamp, nil
	case "enum":
		return FieldEnum, nil
	default:
		return FieldString, fmt.Errorf("unknown field type %q", s)
	}
}

// MarshalJSON emits the type name rather than its ordinal.
func (t FieldType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts the type names ParseFieldType accepts.
func (t *FieldType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseFieldType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// CanonicalField is a named, typed slot in the event schema.
type CanonicalField struct {
	// Name is the canonical field name, e.g. "timestamp" or "outcome".
	Name string `json:"name"`

	// Type is the value type every mapped cell must coerce to.
	Type FieldType `json:"type"`

	// Required fields must be covered by the column mapping; rows missing a
	// required value are rejected into the batch error list.
	Required bool `json:"required"`

	// Groupable marks the field as an aggregation dimension.
	Groupable bool `json:"groupable"`

	// EnumValues is the declared value set for FieldEnum. Matching is
	// case-insensitive; values are canonicalized to the declared spelling.
	EnumValues []string `json:"enumValues,omitempty"`

	// Aliases are alternative raw header spellings the mapper accepts for
	// this field, compared after normalization.
	Aliases []string `json:"aliases,omitempty"`
}

// Registry holds the canonical field set and the alias lookup table.
// Immutable after construction.
type Registry struct {
	fields  []CanonicalField
	byName  map[string]int    // normalized canonical name -> fields index
	byAlias map[string]string // normalized alias -> canonical name
}

// NewRegistry validates the field definitions and builds the lookup tables.
func NewRegistry(fields []CanonicalField) (*Registry, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema has no fields")
	}

	r := &Registry{
		fields:  make([]CanonicalField, len(fields)),
		byName:  make(map[string]int, len(fields)),
		byAlias: make(map[string]string),
	}
	copy(r.fields, fields)

	for i, f := range r.fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("schema field %d has empty name", i)
		}
		key := Normalize(f.Name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("duplicate schema field %q", f.Name)
		}
		r.byName[key] = i

		if f.Type == FieldEnum && len(f.EnumValues) == 0 {
			return nil, fmt.Errorf("enum field %q declares no values", f.Name)
		}
		if f.Type != FieldEnum && len(f.EnumValues) > 0 {
			return nil, fmt.Errorf("field %q is not an enum but declares values", f.Name)
		}
	}

	// Aliases are registered after all names so a collision with any
	// canonical name is caught regardless of declaration order.
	for _, f := range r.fields {
		for _, alias := range f.Aliases {
			key := Normalize(alias)
			if key == "" {
				return nil, fmt.Errorf("field %q has blank alias", f.Name)
			}
			if _, clash := r.byName[key]; clash {
				return nil, fmt.Errorf("alias %q of field %q collides with a canonical name", alias, f.Name)
			}
			if owner, dup := r.byAlias[key]; dup && owner != f.Name {
				return nil, fmt.Errorf("alias %q claimed by both %q and %q", alias, owner, f.Name)
			}
			r.byAlias[key] = f.Name
		}
	}

	return r, nil
}

// MustNewRegistry builds a registry and panics on invalid definitions.
// Intended for the built-in schema, where a failure is a programming error.
func MustNewRegistry(fields []CanonicalField) *Registry {
	r, err := NewRegistry(fields)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in schema: %v", err))
	}
	return r
}

// Fields returns the canonical fields in declaration order.
func (r *Registry) Fields() []CanonicalField {
	out := make([]CanonicalField, len(r.fields))
	copy(out, r.fields)
	return out
}

// Field returns the definition for a canonical field name.
func (r *Registry) Field(name string) (CanonicalField, bool) {
	i, ok := r.byName[Normalize(name)]
	if !ok {
		return CanonicalField{}, false
	}
	return r.fields[i], true
}

// Required returns the required canonical fields in declaration order.
func (r *Registry) Required() []CanonicalField {
	var out []CanonicalField
	for _, f := range r.fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Dimensions returns the names of groupable fields in declaration order.
func (r *Registry) Dimensions() []string {
	var out []string
	for _, f := range r.fields {
		if f.Groupable {
			out = append(out, f.Name)
		}
	}
	return out
}

// Resolve maps a raw CSV header to a canonical field name.
//
// The matching policy is deliberately exact (no fuzzy scoring): the header is
// normalized, then compared against canonical names, then against the alias
// table. If neither matches and the header carries a trailing parenthetical
// qualifier, e.g. "DoorID (Device Name)", the qualifier is stripped and both
// lookups are retried.
func (r *Registry) Resolve(rawColumn string) (string, bool) {
	for _, candidate := range resolveCandidates(rawColumn) {
		if i, ok := r.byName[candidate]; ok {
			return r.fields[i].Name, true
		}
		if name, ok := r.byAlias[candidate]; ok {
			return name, true
		}
	}
	return "", false
}

// resolveCandidates returns the normalized lookup keys for a raw header, in
// match-priority order.
func resolveCandidates(raw string) []string {
	full := Normalize(raw)
	if full == "" {
		return nil
	}
	candidates := []string{full}

	// "DoorID (Device Name)" -> "DoorID"
	if open := strings.Index(raw, "("); open > 0 && strings.HasSuffix(strings.TrimSpace(raw), ")") {
		if stripped := Normalize(raw[:open]); stripped != "" && stripped != full {
			candidates = append(candidates, stripped)
		}
	}
	return candidates
}

// Normalize lowercases a header, trims it, and collapses every run of
// non-alphanumeric characters to a single space, so "Door_ID" and "door id"
// compare equal.
func Normalize(header string) string {
	var b strings.Builder
	b.Grow(len(header))

	pendingSpace := false
	for _, r := range strings.ToLower(header) {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CanonicalEnumValue returns the declared spelling for a raw enum value,
// matched case-insensitively after trimming.
func (f CanonicalField) CanonicalEnumValue(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	for _, v := range f.EnumValues {
		if strings.EqualFold(v, raw) {
			return v, true
		}
	}
	return "", false
}
