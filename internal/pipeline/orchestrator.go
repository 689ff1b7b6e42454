package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sentriq/badgewatch/internal/logging"
	"github.com/sentriq/badgewatch/internal/schema"
)

// Pipeline sequences column mapping, parsing, classification, and aggregation
// for one uploaded batch. It holds only shared read-only configuration; every
// Run is independent and produces a fresh BatchResult, so concurrent uploads
// may run against the same Pipeline.
type Pipeline struct {
	reg        *schema.Registry
	mapper     *Mapper
	parser     *Parser
	classifier *Classifier
	aggregator *Aggregator
}

// Options configures a Pipeline.
type Options struct {
	// MaxRows caps the data rows per upload; 0 means no limit.
	MaxRows int

	// Aggregation tunes the statistics pass.
	Aggregation AggregatorOptions
}

// New builds a pipeline over a registry and an ordered rule set. Rule
// authoring errors surface here, once, as a *ConfigError.
func New(reg *schema.Registry, rules []Rule, opts Options) (*Pipeline, error) {
	classifier, err := NewClassifier(reg, rules)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		reg:        reg,
		mapper:     NewMapper(reg),
		parser:     NewParser(reg, opts.MaxRows),
		classifier: classifier,
		aggregator: NewAggregator(reg, opts.Aggregation),
	}, nil
}

// Registry returns the schema the pipeline runs against.
func (p *Pipeline) Registry() *schema.Registry { return p.reg }

// Mapper returns the pipeline's column mapper, for callers that want to
// suggest or validate a mapping before committing to a run.
func (p *Pipeline) Mapper() *Mapper { return p.mapper }

// Rules returns the classification rules in evaluation order.
func (p *Pipeline) Rules() []Rule { return p.classifier.Rules() }

// Run processes one complete uploaded batch. A nil mapping asks the pipeline
// to suggest one from the upload's header row.
func (p *Pipeline) Run(ctx context.Context, raw []byte, mapping ColumnMapping) *BatchResult {
	return p.RunReader(ctx, bytes.NewReader(raw), int64(len(raw)), mapping)
}

// RunReader is Run over a stream, for callers that already hold the upload as
// an io.Reader. The stream is consumed exactly once.
//
// The batch walks received → mapped → parsed → classified → aggregated →
// complete. The terminal failed state is reached only for unrecoverable
// configuration problems: a mapping that leaves required fields uncovered or
// is itself invalid, an unreadable stream, or the row limit. Per-row
// ParseErrors never fail the batch.
func (p *Pipeline) RunReader(ctx context.Context, r io.Reader, size int64, mapping ColumnMapping) *BatchResult {
	start := time.Now()
	result := &BatchResult{
		BatchID: uuid.NewString(),
		State:   StateReceived,
	}
	log := logging.WithFields(ctx, "batch_id", result.BatchID)

	counting := WrapUpload(r, size)
	cr := NewCSVReader(counting)

	header, err := ReadHeader(cr)
	switch {
	case err == io.EOF:
		header = nil // zero-row upload; still a valid (empty) batch
	case err != nil:
		return p.fail(result, start, &ConfigError{
			Code:    CodeUnreadableUpload,
			Message: fmt.Sprintf("cannot read upload: %v", err),
		})
	}

	supplied := mapping != nil
	if !supplied {
		mapping = p.mapper.Suggest(header)
	}
	result.Mapping = mapping

	problems := p.mapper.Validate(mapping)

	// A suggested mapping cannot target unknown fields or map one field from
	// two columns; a caller-supplied one can, and binding it anyway would make
	// the winning column an accident of map iteration order.
	if supplied {
		if bad := InvalidFields(problems); len(bad) > 0 {
			return p.fail(result, start, &ConfigError{
				Code:    CodeInvalidMapping,
				Message: "mapping is not usable as provided",
				Fields:  bad,
			})
		}
	}

	if missing := MissingRequired(problems); len(missing) > 0 {
		return p.fail(result, start, &ConfigError{
			Code:    CodeMissingRequired,
			Message: "mapping does not cover all required fields",
			Fields:  missing,
		})
	}
	result.State = StateMapped

	var rows []CanonicalRow
	var rowErrs []ParseError
	if header != nil {
		rows, rowErrs, err = p.parser.ParseRecords(ctx, cr, header, mapping)
		if err != nil {
			if cfgErr, ok := err.(*ConfigError); ok {
				return p.fail(result, start, cfgErr)
			}
			return p.fail(result, start, &ConfigError{
				Code:    CodeUnreadableUpload,
				Message: err.Error(),
			})
		}
	}
	result.Rows = rows
	result.RowErrors = rowErrs
	result.State = StateParsed

	result.Classified = p.classifier.Classify(rows)
	result.State = StateClassified

	result.Stats = p.aggregator.Aggregate(result.Classified)
	result.State = StateAggregated

	result.State = StateComplete
	result.Duration = time.Since(start)

	log.Info("batch complete",
		"rows", len(result.Rows),
		"row_errors", len(result.RowErrors),
		"labels", len(result.Stats.LabelCounts),
		"bytes", counting.BytesRead,
		"duration", result.Duration,
	)

	return result
}

// fail finalizes a batch in the terminal failed state with no rows processed.
func (p *Pipeline) fail(result *BatchResult, start time.Time, cfgErr *ConfigError) *BatchResult {
	result.State = StateFailed
	result.ConfigError = cfgErr
	result.Duration = time.Since(start)
	return result
}
