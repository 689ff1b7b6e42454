package pipeline

import (
	"fmt"
	"sort"

	"github.com/sentriq/badgewatch/internal/schema"
)

// Mapper suggests and validates column mappings against the schema registry.
// It is a pure function of its inputs plus the registry's static alias table.
type Mapper struct {
	reg *schema.Registry
}

// NewMapper returns a mapper over the given registry.
func NewMapper(reg *schema.Registry) *Mapper {
	return &Mapper{reg: reg}
}

// Suggest produces a best-effort mapping from raw upload headers to canonical
// field names using the registry's exact name and alias matching. Headers
// with no confident match are left unmapped, and the mapping may omit
// required fields; callers confirm or edit it before ingestion proceeds.
//
// When several headers resolve to the same canonical field, the first one in
// file order wins.
func (m *Mapper) Suggest(rawColumns []string) ColumnMapping {
	mapping := make(ColumnMapping)
	taken := make(map[string]bool, len(rawColumns))

	for _, raw := range rawColumns {
		if raw == "" {
			continue
		}
		if _, dup := mapping[raw]; dup {
			continue
		}
		field, ok := m.reg.Resolve(raw)
		if !ok || taken[field] {
			continue
		}
		mapping[raw] = field
		taken[field] = true
	}

	return mapping
}

// MappingError describes one problem with a column mapping.
type MappingError struct {
	// Field is the canonical field the problem concerns.
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MappingError codes.
const (
	MappingMissingRequired = "missing_required"
	MappingUnknownField    = "unknown_field"
	MappingDuplicateTarget = "duplicate_target"
)

func (e MappingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate reports every unmet requirement of a mapping: required canonical
// fields left uncovered, mapping targets that are not canonical fields, and
// two raw columns mapped onto the same field. It never returns a Go error;
// the caller surfaces the list.
func (m *Mapper) Validate(mapping ColumnMapping) []MappingError {
	var errs []MappingError

	covered := make(map[string][]string, len(mapping)) // field -> raw columns
	for raw, field := range mapping {
		def, ok := m.reg.Field(field)
		if !ok {
			errs = append(errs, MappingError{
				Field:   field,
				Code:    MappingUnknownField,
				Message: fmt.Sprintf("column %q is mapped to unknown field %q", raw, field),
			})
			continue
		}
		covered[def.Name] = append(covered[def.Name], raw)
	}

	for field, raws := range covered {
		if len(raws) > 1 {
			errs = append(errs, MappingError{
				Field:   field,
				Code:    MappingDuplicateTarget,
				Message: fmt.Sprintf("field %q is mapped from %d columns", field, len(raws)),
			})
		}
	}

	for _, f := range m.reg.Required() {
		if len(covered[f.Name]) == 0 {
			errs = append(errs, MappingError{
				Field:   f.Name,
				Code:    MappingMissingRequired,
				Message: fmt.Sprintf("required field %q is not mapped", f.Name),
			})
		}
	}

	return errs
}

// MissingRequired filters a validation result down to the missing required
// fields.
func MissingRequired(errs []MappingError) []string {
	var fields []string
	for _, e := range errs {
		if e.Code == MappingMissingRequired {
			fields = append(fields, e.Field)
		}
	}
	return fields
}

// InvalidFields filters a validation result down to the fields that make a
// mapping unusable as written: targets that are not canonical fields, and
// fields mapped from more than one raw column. The result is sorted and
// deduplicated.
func InvalidFields(errs []MappingError) []string {
	seen := make(map[string]bool, len(errs))
	var fields []string
	for _, e := range errs {
		if e.Code != MappingUnknownField && e.Code != MappingDuplicateTarget {
			continue
		}
		if seen[e.Field] {
			continue
		}
		seen[e.Field] = true
		fields = append(fields, e.Field)
	}
	sort.Strings(fields)
	return fields
}
