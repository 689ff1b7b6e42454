package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sentriq/badgewatch/internal/schema"
)

// TimestampLayouts are the only timestamp formats the parser accepts, tried
// in order. Anything else is a ParseError; there is no silent fallback to
// "now" or a null value.
var TimestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// contextCheckInterval is how often (in rows) the parser checks for context
// cancellation. Checking every row costs more than it saves.
const contextCheckInterval = 100

// Parser turns raw upload rows into canonical rows, coercing each mapped cell
// to its canonical field type and collecting per-row errors. It streams the
// upload row by row to bound peak memory.
type Parser struct {
	reg     *schema.Registry
	maxRows int
}

// NewParser returns a parser over the given registry. maxRows caps the number
// of data rows per upload; 0 means no limit.
func NewParser(reg *schema.Registry, maxRows int) *Parser {
	return &Parser{reg: reg, maxRows: maxRows}
}

// Parse reads an entire upload: header first, then every data row. Returns
// the rows it could produce plus every row-level error; it never aborts on
// the first bad row. The returned error is terminal only (cancellation, an
// unreadable stream, or the row limit).
func (p *Parser) Parse(ctx context.Context, r io.Reader, mapping ColumnMapping) ([]CanonicalRow, []ParseError, error) {
	cr := NewCSVReader(r)

	header, err := ReadHeader(cr)
	if err == io.EOF {
		return nil, nil, nil // empty upload
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	return p.ParseRecords(ctx, cr, header, mapping)
}

// ParseRecords consumes data rows from cr, whose header row has already been
// read. Exposed separately so the orchestrator can inspect the header for
// mapping suggestion without re-reading the stream.
func (p *Parser) ParseRecords(ctx context.Context, cr *csv.Reader, header []string, mapping ColumnMapping) ([]CanonicalRow, []ParseError, error) {
	cols := p.bindColumns(header, mapping)

	var (
		rows    []CanonicalRow
		rowErrs []ParseError
		index   = -1 // zero-based data row index, empty rows included
	)

	for {
		if (index+1)%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, fmt.Errorf("parse cancelled at row %d: %w", index+1, err)
			}
		}

		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if perr, ok := err.(*csv.ParseError); ok {
			index++
			rowErrs = append(rowErrs, ParseError{
				Row:    index,
				Reason: fmt.Sprintf("malformed CSV row: %v", perr.Err),
			})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read row: %w", err)
		}

		index++
		if p.maxRows > 0 && index >= p.maxRows {
			return nil, nil, &ConfigError{
				Code:    CodeRowLimitExceeded,
				Message: fmt.Sprintf("upload exceeds the %d row limit", p.maxRows),
			}
		}

		if isEmptyRow(record) {
			continue
		}

		row, errs := p.buildRow(index, record, cols)
		if len(errs) > 0 {
			rowErrs = append(rowErrs, errs...)
			continue
		}
		rows = append(rows, row)
	}

	return rows, rowErrs, nil
}

// boundColumn ties one raw column position to its canonical field.
type boundColumn struct {
	pos   int
	field schema.CanonicalField
}

// bindColumns resolves the mapping against the actual header, producing the
// column positions to extract. Unmapped raw columns are ignored. Mapping keys
// are matched against headers case-insensitively after trimming, since both
// come from the same upload.
func (p *Parser) bindColumns(header []string, mapping ColumnMapping) []boundColumn {
	var cols []boundColumn

	for raw, fieldName := range mapping {
		field, ok := p.reg.Field(fieldName)
		if !ok {
			continue // validated upstream; ignore here
		}
		for pos, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(raw)) {
				cols = append(cols, boundColumn{pos: pos, field: field})
				break
			}
		}
	}

	return cols
}

// buildRow coerces one record into a canonical row. Rows are all-or-nothing:
// any failed field rejects the whole row, and every failure is reported, not
// just the first.
func (p *Parser) buildRow(index int, record []string, cols []boundColumn) (CanonicalRow, []ParseError) {
	values := make(map[string]Value, len(cols))
	var errs []ParseError

	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c.field.Name] = true

		raw := ""
		if c.pos < len(record) {
			raw = cleanCell(record[c.pos])
		}

		if raw == "" {
			if c.field.Required {
				errs = append(errs, ParseError{
					Row:    index,
					Field:  c.field.Name,
					Reason: "required field is empty",
				})
			}
			continue
		}

		v, err := coerce(raw, c.field)
		if err != nil {
			errs = append(errs, ParseError{
				Row:    index,
				Field:  c.field.Name,
				Value:  raw,
				Reason: err.Error(),
			})
			continue
		}
		values[c.field.Name] = v
	}

	// A required field whose column never made it into the mapping still
	// fails the row rather than producing a partial one.
	for _, f := range p.reg.Required() {
		if !seen[f.Name] {
			errs = append(errs, ParseError{
				Row:    index,
				Field:  f.Name,
				Reason: "required field is not mapped",
			})
		}
	}

	if len(errs) > 0 {
		return CanonicalRow{}, errs
	}
	return CanonicalRow{Index: index, Values: values}, nil
}

// coerce converts a non-empty cleaned cell to the field's type.
func coerce(raw string, field schema.CanonicalField) (Value, error) {
	switch field.Type {
	case schema.FieldInteger:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("not an integer")
		}
		return IntValue(i), nil

	case schema.FieldTimestamp:
		for _, layout := range TimestampLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return TimeValue(t), nil
			}
		}
		return Value{}, fmt.Errorf("invalid timestamp (use %s or RFC 3339)", TimestampLayouts[0])

	case schema.FieldEnum:
		canonical, ok := field.CanonicalEnumValue(raw)
		if !ok {
			return Value{}, fmt.Errorf("value must be one of: %s", strings.Join(field.EnumValues, ", "))
		}
		return StringValue(schema.FieldEnum, canonical), nil

	default:
		return StringValue(schema.FieldString, raw), nil
	}
}

// NewCSVReader builds a csv.Reader with the lenient settings used for badge
// exports: ragged rows allowed, lazy quotes for sloppy quoting.
func NewCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

// ReadHeader returns the first non-empty record, or io.EOF when the upload
// has no rows at all.
func ReadHeader(cr *csv.Reader) ([]string, error) {
	for {
		record, err := cr.Read()
		if err != nil {
			return nil, err
		}
		if !isEmptyRow(record) {
			return record, nil
		}
	}
}

// cleanCell trims whitespace and the leading apostrophe Excel inserts to
// force text formatting.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "'")
	return strings.TrimSpace(s)
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
