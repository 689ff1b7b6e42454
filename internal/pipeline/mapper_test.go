package pipeline

import (
	"reflect"
	"testing"

	"github.com/sentriq/badgewatch/internal/schema"
)

func TestSuggest(t *testing.T) {
	m := NewMapper(schema.Default())

	tests := []struct {
		name    string
		columns []string
		want    ColumnMapping
	}{
		{
			name:    "short export headers",
			columns: []string{"ts", "door", "user", "result"},
			want: ColumnMapping{
				"ts":     "timestamp",
				"door":   "location",
				"user":   "actor",
				"result": "outcome",
			},
		},
		{
			name:    "vendor qualified headers",
			columns: []string{"Timestamp (Event Time)", "UserID (Person Identifier)", "DoorID (Device Name)", "EventType (Access Result)"},
			want: ColumnMapping{
				"Timestamp (Event Time)":     "timestamp",
				"UserID (Person Identifier)": "actor",
				"DoorID (Device Name)":       "location",
				"EventType (Access Result)":  "outcome",
			},
		},
		{
			name:    "unknown columns left unmapped",
			columns: []string{"ts", "shoe size", "favorite color"},
			want:    ColumnMapping{"ts": "timestamp"},
		},
		{
			name:    "first of competing columns wins",
			columns: []string{"user", "userid"},
			want:    ColumnMapping{"user": "actor"},
		},
		{
			name:    "no columns",
			columns: nil,
			want:    ColumnMapping{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Suggest(tt.columns)
			if len(got) != len(tt.want) {
				t.Fatalf("Suggest() = %v, want %v", got, tt.want)
			}
			for raw, field := range tt.want {
				if got[raw] != field {
					t.Errorf("Suggest()[%q] = %q, want %q", raw, got[raw], field)
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	m := NewMapper(schema.Default())

	t.Run("complete mapping has no errors", func(t *testing.T) {
		mapping := ColumnMapping{
			"ts":     "timestamp",
			"door":   "location",
			"user":   "actor",
			"result": "outcome",
		}
		if errs := m.Validate(mapping); len(errs) != 0 {
			t.Errorf("Validate() = %v, want empty", errs)
		}
	})

	t.Run("missing required fields reported", func(t *testing.T) {
		mapping := ColumnMapping{
			"ts":   "timestamp",
			"door": "location",
		}
		errs := m.Validate(mapping)
		missing := MissingRequired(errs)
		if len(missing) != 2 {
			t.Fatalf("missing required = %v, want actor and outcome", missing)
		}
		found := map[string]bool{}
		for _, f := range missing {
			found[f] = true
		}
		if !found["actor"] || !found["outcome"] {
			t.Errorf("missing required = %v, want actor and outcome", missing)
		}
	})

	t.Run("unknown target reported", func(t *testing.T) {
		errs := m.Validate(ColumnMapping{"x": "irrelevance"})
		var sawUnknown bool
		for _, e := range errs {
			if e.Code == MappingUnknownField && e.Field == "irrelevance" {
				sawUnknown = true
			}
		}
		if !sawUnknown {
			t.Errorf("Validate() = %v, want an unknown_field error", errs)
		}
	})

	t.Run("duplicate target reported", func(t *testing.T) {
		mapping := ColumnMapping{
			"ts":     "timestamp",
			"door":   "location",
			"user":   "actor",
			"result": "outcome",
			"status": "outcome",
		}
		errs := m.Validate(mapping)
		var sawDup bool
		for _, e := range errs {
			if e.Code == MappingDuplicateTarget && e.Field == "outcome" {
				sawDup = true
			}
		}
		if !sawDup {
			t.Errorf("Validate() = %v, want a duplicate_target error for outcome", errs)
		}
	})

	t.Run("validate never panics on nil", func(t *testing.T) {
		errs := m.Validate(nil)
		if len(MissingRequired(errs)) != 4 {
			t.Errorf("nil mapping missing = %v, want all four required fields", MissingRequired(errs))
		}
	})
}

func TestInvalidFields(t *testing.T) {
	m := NewMapper(schema.Default())
	mapping := ColumnMapping{
		"ts":     "timestamp",
		"user":   "actor",
		"result": "outcome",
		"status": "outcome",
		"zone":   "sector",
	}

	got := InvalidFields(m.Validate(mapping))
	want := []string{"outcome", "sector"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("InvalidFields() = %v, want %v", got, want)
	}

	// A missing required field is not an invalid one.
	if got := InvalidFields(m.Validate(nil)); len(got) != 0 {
		t.Errorf("InvalidFields(nil mapping) = %v, want empty", got)
	}
}
