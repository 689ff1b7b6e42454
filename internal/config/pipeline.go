package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sentriq/badgewatch/internal/pipeline"
	"github.com/sentriq/badgewatch/internal/schema"
)

// PipelineFile is the YAML definition of a pipeline: the canonical schema,
// the ordered classification rules, and the aggregation tuning. Every section
// is optional; omitted sections fall back to the built-in access-event
// defaults so a file can override just the rules.
type PipelineFile struct {
	Schema      *SchemaSection     `yaml:"schema"`
	Rules       []pipeline.Rule    `yaml:"rules"`
	Aggregation AggregationSection `yaml:"aggregation"`
}

// SchemaSection declares the canonical fields.
type SchemaSection struct {
	Fields []FieldSection `yaml:"fields"`
}

// FieldSection declares one canonical field.
type FieldSection struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Required   bool     `yaml:"required"`
	Groupable  bool     `yaml:"groupable"`
	EnumValues []string `yaml:"enum_values"`
	Aliases    []string `yaml:"aliases"`
}

// AggregationSection tunes the statistics pass.
type AggregationSection struct {
	Dimensions            []string `yaml:"dimensions"`
	TimeField             string   `yaml:"time_field"`
	DenialLabel           string   `yaml:"denial_label"`
	HighDenialRatio       float64  `yaml:"high_denial_ratio"`
	HighUnclassifiedRatio float64  `yaml:"high_unclassified_ratio"`
}

// LoadPipelineFile reads and decodes a YAML pipeline definition.
func LoadPipelineFile(path string) (*PipelineFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return ParsePipelineFile(data)
}

// ParsePipelineFile decodes a YAML pipeline definition. Unknown keys are
// rejected so a typo fails startup instead of silently disabling a rule.
func ParsePipelineFile(data []byte) (*PipelineFile, error) {
	var pf PipelineFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("parse pipeline file: %w", err)
	}
	return &pf, nil
}

// BuildPipeline assembles a pipeline from an optional definition file and the
// application config. A nil file selects the built-in access-event schema and
// rules. Env-level thresholds apply only where the file does not set them.
func BuildPipeline(pf *PipelineFile, cfg PipelineConfig) (*pipeline.Pipeline, error) {
	reg := schema.Default()
	rules := pipeline.DefaultRules
	agg := pipeline.AggregatorOptions{
		HighDenialRatio:       cfg.HighDenialRatio,
		HighUnclassifiedRatio: cfg.HighUnclassifiedRatio,
	}

	if pf != nil {
		if pf.Schema != nil {
			fields := make([]schema.CanonicalField, 0, len(pf.Schema.Fields))
			for _, fs := range pf.Schema.Fields {
				ft, err := schema.ParseFieldType(fs.Type)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", fs.Name, err)
				}
				fields = append(fields, schema.CanonicalField{
					Name:       fs.Name,
					Type:       ft,
					Required:   fs.Required,
					Groupable:  fs.Groupable,
					EnumValues: fs.EnumValues,
					Aliases:    fs.Aliases,
				})
			}
			var err error
			reg, err = schema.NewRegistry(fields)
			if err != nil {
				return nil, err
			}
		}
		if pf.Rules != nil {
			rules = pf.Rules
		}

		a := pf.Aggregation
		if len(a.Dimensions) > 0 {
			agg.Dimensions = a.Dimensions
		}
		if a.TimeField != "" {
			agg.TimeField = a.TimeField
		}
		if a.DenialLabel != "" {
			agg.DenialLabel = a.DenialLabel
		}
		if a.HighDenialRatio > 0 {
			agg.HighDenialRatio = a.HighDenialRatio
		}
		if a.HighUnclassifiedRatio > 0 {
			agg.HighUnclassifiedRatio = a.HighUnclassifiedRatio
		}
	}

	return pipeline.New(reg, rules, pipeline.Options{
		MaxRows:     cfg.MaxRows,
		Aggregation: agg,
	})
}
