package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sentriq/badgewatch/internal/schema"
)

// Operator is a comparison operator usable in a rule condition.
type Operator string

const (
	OpEquals     Operator = "eq"
	OpNotEquals  Operator = "neq"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts"
	OpEndsWith   Operator = "ends"
	OpIn         Operator = "in"
	OpGreater    Operator = "gt"
	OpGreaterEq  Operator = "gte"
	OpLess       Operator = "lt"
	OpLessEq     Operator = "lte"
)

// Condition is one predicate over a canonical field. All conditions of a rule
// must hold for the rule to match. A row that lacks a value for the condition
// field does not match.
type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Op     Operator `json:"op" yaml:"op"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"` // for OpIn
}

// Rule is an ordered predicate-to-label rule. Rules are evaluated in declared
// order and the first match wins; authors rely on that ordering.
type Rule struct {
	Name       string            `json:"name" yaml:"name"`
	Label      string            `json:"label" yaml:"label"`
	Conditions []Condition       `json:"conditions,omitempty" yaml:"when,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Classifier evaluates canonical rows against a fixed, ordered rule set.
// Rules are validated and compiled once at construction; classification
// itself never fails and never drops a row.
type Classifier struct {
	rules    []Rule
	compiled [][]compiledCondition
}

// compiledCondition carries the condition with its comparison value already
// parsed for the field's type, so authoring errors surface at registration
// time instead of per row.
type compiledCondition struct {
	field schema.CanonicalField
	op    Operator
	strs  []string // eq/contains/starts/ends use strs[0]; in uses all
	ints  []int64
	times []time.Time
}

// NewClassifier validates the rule set against the registry and compiles it.
// A bad rule is a *ConfigError naming the rule, reported here rather than as
// per-row failures.
func NewClassifier(reg *schema.Registry, rules []Rule) (*Classifier, error) {
	c := &Classifier{
		rules:    make([]Rule, len(rules)),
		compiled: make([][]compiledCondition, len(rules)),
	}
	copy(c.rules, rules)

	for i, rule := range c.rules {
		if strings.TrimSpace(rule.Label) == "" {
			return nil, ruleErr(rule, i, "rule has no label")
		}
		if rule.Label == LabelUnclassified {
			return nil, ruleErr(rule, i, fmt.Sprintf("label %q is reserved", LabelUnclassified))
		}

		conds := make([]compiledCondition, 0, len(rule.Conditions))
		for _, cond := range rule.Conditions {
			cc, err := compileCondition(reg, cond)
			if err != nil {
				return nil, ruleErr(rule, i, err.Error())
			}
			conds = append(conds, cc)
		}
		c.compiled[i] = conds
	}

	return c, nil
}

func ruleErr(rule Rule, index int, msg string) *ConfigError {
	name := rule.Name
	if name == "" {
		name = fmt.Sprintf("#%d", index+1)
	}
	return &ConfigError{
		Code:    CodeInvalidRule,
		Message: fmt.Sprintf("rule %s: %s", name, msg),
	}
}

func compileCondition(reg *schema.Registry, cond Condition) (compiledCondition, error) {
	field, ok := reg.Field(cond.Field)
	if !ok {
		return compiledCondition{}, fmt.Errorf("condition references undefined field %q", cond.Field)
	}

	cc := compiledCondition{field: field, op: cond.Op}

	raws := cond.Values
	if cond.Op != OpIn {
		if len(cond.Values) > 0 {
			return compiledCondition{}, fmt.Errorf("operator %q takes a single value", cond.Op)
		}
		raws = []string{cond.Value}
	} else if len(raws) == 0 {
		return compiledCondition{}, fmt.Errorf("operator %q requires at least one value", OpIn)
	}

	if !operatorAllowed(field.Type, cond.Op) {
		return compiledCondition{}, fmt.Errorf("operator %q not valid for %s field %q", cond.Op, field.Type, field.Name)
	}

	for _, raw := range raws {
		switch field.Type {
		case schema.FieldInteger:
			i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				return compiledCondition{}, fmt.Errorf("value %q is not an integer", raw)
			}
			cc.ints = append(cc.ints, i)

		case schema.FieldTimestamp:
			t, err := parseConditionTime(raw)
			if err != nil {
				return compiledCondition{}, err
			}
			cc.times = append(cc.times, t)

		case schema.FieldEnum:
			// Ordering operators never reach enums, so every literal must be
			// a declared value.
			canonical, ok := field.CanonicalEnumValue(raw)
			if !ok {
				return compiledCondition{}, fmt.Errorf("value %q is not a declared value of enum %q", raw, field.Name)
			}
			cc.strs = append(cc.strs, canonical)

		default:
			cc.strs = append(cc.strs, raw)
		}
	}

	return cc, nil
}

func operatorAllowed(t schema.FieldType, op Operator) bool {
	switch t {
	case schema.FieldInteger, schema.FieldTimestamp:
		switch op {
		case OpEquals, OpNotEquals, OpIn, OpGreater, OpGreaterEq, OpLess, OpLessEq:
			return true
		}
		return false
	default: // string, enum
		switch op {
		case OpEquals, OpNotEquals, OpContains, OpStartsWith, OpEndsWith, OpIn:
			return true
		}
		return false
	}
}

func parseConditionTime(raw string) (time.Time, error) {
	for _, layout := range TimestampLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("value %q is not a timestamp (use %s or RFC 3339)", raw, TimestampLayouts[0])
}

// Rules returns the rule set in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify assigns exactly one label to every row. Rules are tried in
// declared order; the first match supplies the label and metadata. Rows no
// rule matches receive LabelUnclassified.
func (c *Classifier) Classify(rows []CanonicalRow) []ClassifiedRow {
	out := make([]ClassifiedRow, 0, len(rows))

	for _, row := range rows {
		classified := ClassifiedRow{Row: row, Label: LabelUnclassified}

		for i, rule := range c.rules {
			if c.matches(c.compiled[i], row) {
				classified.Label = rule.Label
				classified.Rule = rule.Name
				classified.Metadata = rule.Metadata
				break
			}
		}

		out = append(out, classified)
	}

	return out
}

func (c *Classifier) matches(conds []compiledCondition, row CanonicalRow) bool {
	for _, cond := range conds {
		v, ok := row.Value(cond.field.Name)
		if !ok || !cond.eval(v) {
			return false
		}
	}
	return true
}

func (cc compiledCondition) eval(v Value) bool {
	switch cc.field.Type {
	case schema.FieldInteger:
		return evalOrdered(cc.op, v.Int, cc.ints, func(a, b int64) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		})

	case schema.FieldTimestamp:
		return evalOrdered(cc.op, v.Time, cc.times, func(a, b time.Time) int {
			return a.Compare(b)
		})

	default:
		return evalString(cc.op, v.Str, cc.strs)
	}
}

// evalOrdered evaluates comparison operators over any ordered value type.
func evalOrdered[T any](op Operator, got T, want []T, cmp func(a, b T) int) bool {
	switch op {
	case OpIn:
		for _, w := range want {
			if cmp(got, w) == 0 {
				return true
			}
		}
		return false
	case OpNotEquals:
		return cmp(got, want[0]) != 0
	case OpEquals:
		return cmp(got, want[0]) == 0
	case OpGreater:
		return cmp(got, want[0]) > 0
	case OpGreaterEq:
		return cmp(got, want[0]) >= 0
	case OpLess:
		return cmp(got, want[0]) < 0
	case OpLessEq:
		return cmp(got, want[0]) <= 0
	default:
		return false
	}
}

// evalString evaluates text operators case-insensitively, matching how enum
// values and badge exports are compared everywhere else.
func evalString(op Operator, got string, want []string) bool {
	switch op {
	case OpIn:
		for _, w := range want {
			if strings.EqualFold(got, w) {
				return true
			}
		}
		return false
	case OpEquals:
		return strings.EqualFold(got, want[0])
	case OpNotEquals:
		return !strings.EqualFold(got, want[0])
	case OpContains:
		return strings.Contains(strings.ToLower(got), strings.ToLower(want[0]))
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(got), strings.ToLower(want[0]))
	case OpEndsWith:
		return strings.HasSuffix(strings.ToLower(got), strings.ToLower(want[0]))
	default:
		return false
	}
}

// DefaultRules is the built-in classification for the built-in access-event
// schema: invalid access level, denials, grants, in that severity order.
var DefaultRules = []Rule{
	{
		Name:  "invalid-access-level",
		Label: "invalid_access",
		Conditions: []Condition{
			{Field: "outcome", Op: OpEquals, Value: schema.OutcomeInvalidLevel},
		},
		Metadata: map[string]string{"severity": "warning"},
	},
	{
		Name:  "denied",
		Label: "access_denied",
		Conditions: []Condition{
			{Field: "outcome", Op: OpIn, Values: []string{schema.OutcomeDeny, schema.OutcomeDenied}},
		},
		Metadata: map[string]string{"severity": "critical"},
	},
	{
		Name:  "granted",
		Label: "access_granted",
		Conditions: []Condition{
			{Field: "outcome", Op: OpIn, Values: []string{schema.OutcomeGrant, schema.OutcomeGranted}},
		},
		Metadata: map[string]string{"severity": "info"},
	},
}
