// Package pipeline implements the ingestion pipeline for uploaded
// access-control event logs: column mapping, streaming CSV parsing with type
// coercion, ordered rule classification, and one-pass aggregation.
//
// Every stage is a pure transform over its input producing a new immutable
// output, so independent batches can run concurrently over the same shared,
// read-only schema registry and rule set.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sentriq/badgewatch/internal/schema"
)

// LabelUnclassified is the reserved label assigned to rows no rule matches.
// It is a normal label, not an error.
const LabelUnclassified = "unclassified"

// Value is a typed cell value in a canonical row. Exactly one of the value
// fields is meaningful, selected by Kind.
type Value struct {
	Kind schema.FieldType
	Str  string
	Int  int64
	Time time.Time
}

// StringValue wraps a string or canonicalized enum value.
func StringValue(kind schema.FieldType, s string) Value {
	return Value{Kind: kind, Str: s}
}

// IntValue wraps an integer value.
func IntValue(i int64) Value {
	return Value{Kind: schema.FieldInteger, Int: i}
}

// TimeValue wraps a timestamp value.
func TimeValue(t time.Time) Value {
	return Value{Kind: schema.FieldTimestamp, Time: t}
}

// Display renders the value the way the dashboard shows it and the way
// distribution keys are formed.
func (v Value) Display() string {
	switch v.Kind {
	case schema.FieldInteger:
		return strconv.FormatInt(v.Int, 10)
	case schema.FieldTimestamp:
		return v.Time.Format(time.RFC3339)
	default:
		return v.Str
	}
}

// MarshalJSON emits integers as JSON numbers and everything else as the
// display string.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == schema.FieldInteger {
		return json.Marshal(v.Int)
	}
	return json.Marshal(v.Display())
}

// ColumnMapping maps raw upload column headers to canonical field names.
// Keys are unique per upload; insertion order is irrelevant.
type ColumnMapping map[string]string

// CanonicalRow is one successfully mapped and coerced upload row.
type CanonicalRow struct {
	// Index is the zero-based position of the originating data row within
	// the upload, header excluded. Used for error reporting.
	Index int `json:"index"`

	// Values holds the typed value per canonical field name. Optional fields
	// with empty cells are absent.
	Values map[string]Value `json:"values"`
}

// Value returns the typed value for a canonical field.
func (r CanonicalRow) Value(field string) (Value, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// ParseError is a per-row coercion or requirement failure. ParseErrors are
// collected and never halt a batch.
type ParseError struct {
	// Row is the zero-based data row index, same basis as CanonicalRow.Index.
	Row    int    `json:"row"`
	Field  string `json:"field,omitempty"`
	Value  string `json:"value,omitempty"`
	Reason string `json:"reason"`
}

func (e ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d: field %q: %s", e.Row, e.Field, e.Reason)
}

// ConfigError is an unrecoverable configuration problem: a bad rule
// definition or a mapping that leaves required fields uncovered. It fails the
// whole batch before any row is parsed.
type ConfigError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// ConfigError codes.
const (
	CodeMissingRequired  = "missing_required_field"
	CodeInvalidMapping   = "invalid_mapping"
	CodeInvalidRule      = "invalid_rule"
	CodeRowLimitExceeded = "row_limit_exceeded"
	CodeUnreadableUpload = "unreadable_upload"
)

func (e *ConfigError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("%s: %s (fields: %v)", e.Code, e.Message, e.Fields)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ClassifiedRow is a canonical row plus its assigned label and any
// rule-supplied metadata. Immutable once produced.
type ClassifiedRow struct {
	Row      CanonicalRow      `json:"row"`
	Label    string            `json:"label"`
	Rule     string            `json:"rule,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatsSnapshot is the aggregate result for exactly one batch. A new upload
// produces a new snapshot; snapshots are never mutated after creation.
type StatsSnapshot struct {
	TotalRows int `json:"totalRows"`

	// LabelCounts maps each assigned label to its row count. Counts sum to
	// TotalRows.
	LabelCounts map[string]int `json:"labelCounts"`

	// Distributions maps label -> dimension field -> field value -> count.
	// For every dimension the counts across labels and values sum to
	// TotalRows; rows without a value for the dimension are bucketed under
	// MissingDimensionValue.
	Distributions map[string]map[string]map[string]int `json:"distributions,omitempty"`

	// UniqueValues counts distinct values per dimension field.
	UniqueValues map[string]int `json:"uniqueValues,omitempty"`

	// EventsByHour buckets rows by hour-of-day of the configured time field.
	EventsByHour [24]int `json:"eventsByHour"`

	// PeakHour is the busiest hour of day, or -1 when no rows carried a
	// timestamp.
	PeakHour int `json:"peakHour"`

	FirstEvent time.Time `json:"firstEvent,omitzero"`
	LastEvent  time.Time `json:"lastEvent,omitzero"`

	// Flags are anomaly indicators derived from the counters.
	Flags []string `json:"flags,omitempty"`
}

// MissingDimensionValue buckets rows that have no value for a dimension, so
// per-dimension counts still sum to the row count.
const MissingDimensionValue = "(missing)"

// BatchState tracks a batch through the orchestrator's state machine.
type BatchState string

const (
	StateReceived   BatchState = "received"
	StateMapped     BatchState = "mapped"
	StateParsed     BatchState = "parsed"
	StateClassified BatchState = "classified"
	StateAggregated BatchState = "aggregated"
	StateComplete   BatchState = "complete"
	StateFailed     BatchState = "failed"
)

// BatchResult is the orchestrator's single output for one uploaded batch.
// Once returned it is owned exclusively by the caller; the pipeline holds no
// reference to it.
type BatchResult struct {
	BatchID string     `json:"batchId"`
	State   BatchState `json:"state"`

	// Mapping is the column mapping the batch ran with (suggested or
	// caller-supplied).
	Mapping ColumnMapping `json:"mapping,omitempty"`

	Rows       []CanonicalRow  `json:"rows"`
	Classified []ClassifiedRow `json:"classified"`
	Stats      *StatsSnapshot  `json:"stats,omitempty"`

	// RowErrors are the per-row failures collected during parsing. The batch
	// still completes; the presentation layer decides how to surface partial
	// success.
	RowErrors []ParseError `json:"rowErrors,omitempty"`

	// ConfigError is set only in the failed state, before any row was parsed.
	ConfigError *ConfigError `json:"configError,omitempty"`

	Duration time.Duration `json:"durationNs"`
}
