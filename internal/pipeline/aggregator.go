package pipeline

import (
	"sort"

	"github.com/sentriq/badgewatch/internal/schema"
)

// Anomaly flags a snapshot can carry.
const (
	FlagHighDenialRate       = "high_denial_rate"
	FlagHighUnclassifiedRate = "high_unclassified_rate"
)

// AggregatorOptions tunes the aggregation pass. Zero values select the
// defaults below.
type AggregatorOptions struct {
	// Dimensions are the canonical fields to build per-label distributions
	// for. Defaults to the registry's groupable fields.
	Dimensions []string

	// TimeField is the timestamp field backing the hour-of-day histogram.
	// Defaults to the registry's first timestamp field.
	TimeField string

	// DenialLabel is the label whose share is checked for FlagHighDenialRate.
	DenialLabel string

	// HighDenialRatio flags the batch when
	// count(DenialLabel)/total exceeds it. Default 0.25.
	HighDenialRatio float64

	// HighUnclassifiedRatio flags the batch when the unclassified share
	// exceeds it. Default 0.10.
	HighUnclassifiedRatio float64
}

const (
	defaultDenialLabel           = "access_denied"
	defaultHighDenialRatio       = 0.25
	defaultHighUnclassifiedRatio = 0.10
)

// Aggregator computes a StatsSnapshot over classified rows in one linear
// fold. It holds only read-only configuration and is safe to share across
// concurrent batches.
type Aggregator struct {
	opts AggregatorOptions
}

// NewAggregator resolves defaults against the registry.
func NewAggregator(reg *schema.Registry, opts AggregatorOptions) *Aggregator {
	if len(opts.Dimensions) == 0 {
		opts.Dimensions = reg.Dimensions()
	}
	if opts.TimeField == "" {
		for _, f := range reg.Fields() {
			if f.Type == schema.FieldTimestamp {
				opts.TimeField = f.Name
				break
			}
		}
	}
	if opts.DenialLabel == "" {
		opts.DenialLabel = defaultDenialLabel
	}
	if opts.HighDenialRatio == 0 {
		opts.HighDenialRatio = defaultHighDenialRatio
	}
	if opts.HighUnclassifiedRatio == 0 {
		opts.HighUnclassifiedRatio = defaultHighUnclassifiedRatio
	}
	return &Aggregator{opts: opts}
}

// Aggregate folds the classified rows into a fresh snapshot. Each row updates
// every counter exactly once, so the result is independent of row order.
// Re-aggregating the same rows doubles the counts; aggregate a batch exactly
// once. Empty input yields an all-zero snapshot, not an error.
func (a *Aggregator) Aggregate(rows []ClassifiedRow) *StatsSnapshot {
	snap := &StatsSnapshot{
		TotalRows:     len(rows),
		LabelCounts:   make(map[string]int),
		Distributions: make(map[string]map[string]map[string]int),
		UniqueValues:  make(map[string]int),
		PeakHour:      -1,
	}

	distinct := make(map[string]map[string]bool, len(a.opts.Dimensions))
	for _, dim := range a.opts.Dimensions {
		distinct[dim] = make(map[string]bool)
	}

	for _, cr := range rows {
		snap.LabelCounts[cr.Label]++

		for _, dim := range a.opts.Dimensions {
			key := MissingDimensionValue
			if v, ok := cr.Row.Value(dim); ok {
				key = v.Display()
				distinct[dim][key] = true
			}

			byDim := snap.Distributions[cr.Label]
			if byDim == nil {
				byDim = make(map[string]map[string]int)
				snap.Distributions[cr.Label] = byDim
			}
			dist := byDim[dim]
			if dist == nil {
				dist = make(map[string]int)
				byDim[dim] = dist
			}
			dist[key]++
		}

		if a.opts.TimeField != "" {
			if v, ok := cr.Row.Value(a.opts.TimeField); ok && v.Kind == schema.FieldTimestamp {
				snap.EventsByHour[v.Time.Hour()]++
				if snap.FirstEvent.IsZero() || v.Time.Before(snap.FirstEvent) {
					snap.FirstEvent = v.Time
				}
				if v.Time.After(snap.LastEvent) {
					snap.LastEvent = v.Time
				}
			}
		}
	}

	for dim, values := range distinct {
		snap.UniqueValues[dim] = len(values)
	}

	a.finalize(snap)
	return snap
}

// finalize derives peak hour and anomaly flags from the counters. Runs after
// the fold so the flags stay order-independent.
func (a *Aggregator) finalize(snap *StatsSnapshot) {
	peak, peakCount := -1, 0
	for hour, count := range snap.EventsByHour {
		if count > peakCount {
			peak, peakCount = hour, count
		}
	}
	snap.PeakHour = peak

	if snap.TotalRows == 0 {
		return
	}

	total := float64(snap.TotalRows)
	if float64(snap.LabelCounts[a.opts.DenialLabel])/total > a.opts.HighDenialRatio {
		snap.Flags = append(snap.Flags, FlagHighDenialRate)
	}
	if float64(snap.LabelCounts[LabelUnclassified])/total > a.opts.HighUnclassifiedRatio {
		snap.Flags = append(snap.Flags, FlagHighUnclassifiedRate)
	}
	sort.Strings(snap.Flags)
}

// Dimensions returns the dimensions the aggregator folds over.
func (a *Aggregator) Dimensions() []string {
	out := make([]string, len(a.opts.Dimensions))
	copy(out, a.opts.Dimensions)
	return out
}
