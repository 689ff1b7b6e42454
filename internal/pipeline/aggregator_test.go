package pipeline

import (
	"reflect"
	"testing"
	"time"

	"github.com/sentriq/badgewatch/internal/schema"
)

func classifiedRow(index int, label, actor, location, outcome string, hour int) ClassifiedRow {
	return ClassifiedRow{
		Row: CanonicalRow{
			Index: index,
			Values: map[string]Value{
				"timestamp": TimeValue(time.Date(2025, 3, 1, hour, 0, 0, 0, time.UTC)),
				"actor":     StringValue(schema.FieldString, actor),
				"location":  StringValue(schema.FieldString, location),
				"outcome":   StringValue(schema.FieldEnum, outcome),
			},
		},
		Label: label,
	}
}

func sampleBatch() []ClassifiedRow {
	return []ClassifiedRow{
		classifiedRow(0, "access_granted", "u1", "lobby", schema.OutcomeGrant, 8),
		classifiedRow(1, "access_granted", "u2", "lobby", schema.OutcomeGrant, 8),
		classifiedRow(2, "access_granted", "u1", "server-room", schema.OutcomeGrant, 9),
		classifiedRow(3, "access_denied", "u3", "server-room", schema.OutcomeDeny, 9),
		classifiedRow(4, LabelUnclassified, "u2", "cafeteria", schema.OutcomeGrant, 12),
	}
}

func TestAggregateCounts(t *testing.T) {
	agg := NewAggregator(schema.Default(), AggregatorOptions{})
	snap := agg.Aggregate(sampleBatch())

	if snap.TotalRows != 5 {
		t.Errorf("TotalRows = %d, want 5", snap.TotalRows)
	}

	wantLabels := map[string]int{
		"access_granted":  3,
		"access_denied":   1,
		LabelUnclassified: 1,
	}
	if !reflect.DeepEqual(snap.LabelCounts, wantLabels) {
		t.Errorf("LabelCounts = %v, want %v", snap.LabelCounts, wantLabels)
	}

	sum := 0
	for _, n := range snap.LabelCounts {
		sum += n
	}
	if sum != snap.TotalRows {
		t.Errorf("label counts sum to %d, want %d", sum, snap.TotalRows)
	}

	if got := snap.Distributions["access_granted"]["location"]["lobby"]; got != 2 {
		t.Errorf("granted/location/lobby = %d, want 2", got)
	}
	if got := snap.Distributions["access_denied"]["actor"]["u3"]; got != 1 {
		t.Errorf("denied/actor/u3 = %d, want 1", got)
	}

	// Every per-dimension distribution sums back to the batch size.
	for _, dim := range agg.Dimensions() {
		sum := 0
		for _, byDim := range snap.Distributions {
			for value, n := range byDim[dim] {
				if value == "" {
					t.Errorf("dimension %s has an empty value key", dim)
				}
				sum += n
			}
		}
		if sum != snap.TotalRows {
			t.Errorf("dimension %s sums to %d, want %d", dim, sum, snap.TotalRows)
		}
	}

	if snap.UniqueValues["actor"] != 3 {
		t.Errorf("unique actors = %d, want 3", snap.UniqueValues["actor"])
	}
	if snap.UniqueValues["location"] != 3 {
		t.Errorf("unique locations = %d, want 3", snap.UniqueValues["location"])
	}
}

func TestAggregateHoursAndRange(t *testing.T) {
	agg := NewAggregator(schema.Default(), AggregatorOptions{})
	snap := agg.Aggregate(sampleBatch())

	if snap.EventsByHour[8] != 2 || snap.EventsByHour[9] != 2 || snap.EventsByHour[12] != 1 {
		t.Errorf("EventsByHour = %v", snap.EventsByHour)
	}
	// 8 and 9 tie at two events; the earlier hour wins.
	if snap.PeakHour != 8 {
		t.Errorf("PeakHour = %d, want 8", snap.PeakHour)
	}

	wantFirst := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	wantLast := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if !snap.FirstEvent.Equal(wantFirst) || !snap.LastEvent.Equal(wantLast) {
		t.Errorf("event range = [%v, %v], want [%v, %v]",
			snap.FirstEvent, snap.LastEvent, wantFirst, wantLast)
	}
}

func TestAggregateMissingDimensionValue(t *testing.T) {
	row := classifiedRow(0, "access_granted", "u1", "lobby", schema.OutcomeGrant, 8)
	delete(row.Row.Values, "location")

	agg := NewAggregator(schema.Default(), AggregatorOptions{})
	snap := agg.Aggregate([]ClassifiedRow{row})

	if got := snap.Distributions["access_granted"]["location"][MissingDimensionValue]; got != 1 {
		t.Errorf("missing bucket = %d, want 1", got)
	}
	if snap.UniqueValues["location"] != 0 {
		t.Errorf("unique locations = %d, want 0 (missing values are not distinct values)",
			snap.UniqueValues["location"])
	}
}

func TestAggregateOrderIndependent(t *testing.T) {
	batch := sampleBatch()
	reversed := make([]ClassifiedRow, len(batch))
	for i, r := range batch {
		reversed[len(batch)-1-i] = r
	}

	agg := NewAggregator(schema.Default(), AggregatorOptions{})
	a := agg.Aggregate(batch)
	b := agg.Aggregate(reversed)

	if !reflect.DeepEqual(a, b) {
		t.Errorf("snapshots differ by row order:\n%+v\n%+v", a, b)
	}
}

func TestAggregateAdditiveOverSplits(t *testing.T) {
	// Counts over a concatenation equal the sum of the counts over its
	// parts. Derived values (unique counts, peak hour, flags) are not
	// additive and are excluded.
	batch := sampleBatch()
	agg := NewAggregator(schema.Default(), AggregatorOptions{})

	whole := agg.Aggregate(batch)
	first := agg.Aggregate(batch[:2])
	second := agg.Aggregate(batch[2:])

	if first.TotalRows+second.TotalRows != whole.TotalRows {
		t.Errorf("TotalRows: %d + %d != %d", first.TotalRows, second.TotalRows, whole.TotalRows)
	}

	summed := make(map[string]int)
	for label, n := range first.LabelCounts {
		summed[label] += n
	}
	for label, n := range second.LabelCounts {
		summed[label] += n
	}
	if !reflect.DeepEqual(summed, whole.LabelCounts) {
		t.Errorf("summed label counts = %v, want %v", summed, whole.LabelCounts)
	}

	for hour, n := range whole.EventsByHour {
		if got := first.EventsByHour[hour] + second.EventsByHour[hour]; got != n {
			t.Errorf("hour %d: split sum = %d, want %d", hour, got, n)
		}
	}

	for label, byDim := range whole.Distributions {
		for dim, dist := range byDim {
			for value, n := range dist {
				got := first.Distributions[label][dim][value] + second.Distributions[label][dim][value]
				if got != n {
					t.Errorf("%s/%s/%s: split sum = %d, want %d", label, dim, value, got, n)
				}
			}
		}
	}
}

func TestAggregateRepeatable(t *testing.T) {
	batch := sampleBatch()
	agg := NewAggregator(schema.Default(), AggregatorOptions{})

	a := agg.Aggregate(batch)
	b := agg.Aggregate(batch)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("snapshots differ across runs over the same rows:\n%+v\n%+v", a, b)
	}
}

func TestAggregateFlags(t *testing.T) {
	tests := []struct {
		name string
		rows []ClassifiedRow
		want []string
	}{
		{
			name: "no flags",
			rows: []ClassifiedRow{
				classifiedRow(0, "access_granted", "u1", "lobby", schema.OutcomeGrant, 8),
				classifiedRow(1, "access_granted", "u2", "lobby", schema.OutcomeGrant, 8),
				classifiedRow(2, "access_granted", "u3", "lobby", schema.OutcomeGrant, 8),
				classifiedRow(3, "access_denied", "u4", "lobby", schema.OutcomeDeny, 8),
			},
			want: nil, // 25% denials is the boundary, not past it
		},
		{
			name: "high denial rate",
			rows: []ClassifiedRow{
				classifiedRow(0, "access_denied", "u1", "lobby", schema.OutcomeDeny, 8),
				classifiedRow(1, "access_denied", "u2", "lobby", schema.OutcomeDeny, 8),
				classifiedRow(2, "access_granted", "u3", "lobby", schema.OutcomeGrant, 8),
			},
			want: []string{FlagHighDenialRate},
		},
		{
			name: "high unclassified rate",
			rows: []ClassifiedRow{
				classifiedRow(0, LabelUnclassified, "u1", "lobby", schema.OutcomeGrant, 8),
				classifiedRow(1, "access_granted", "u2", "lobby", schema.OutcomeGrant, 8),
			},
			want: []string{FlagHighUnclassifiedRate},
		},
		{
			name: "both flags sorted",
			rows: []ClassifiedRow{
				classifiedRow(0, "access_denied", "u1", "lobby", schema.OutcomeDeny, 8),
				classifiedRow(1, LabelUnclassified, "u2", "lobby", schema.OutcomeGrant, 8),
			},
			want: []string{FlagHighDenialRate, FlagHighUnclassifiedRate},
		},
	}

	agg := NewAggregator(schema.Default(), AggregatorOptions{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := agg.Aggregate(tt.rows)
			if !reflect.DeepEqual(snap.Flags, tt.want) {
				t.Errorf("Flags = %v, want %v", snap.Flags, tt.want)
			}
		})
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := NewAggregator(schema.Default(), AggregatorOptions{})
	snap := agg.Aggregate(nil)

	if snap.TotalRows != 0 {
		t.Errorf("TotalRows = %d, want 0", snap.TotalRows)
	}
	if len(snap.LabelCounts) != 0 || len(snap.Distributions) != 0 {
		t.Errorf("counters not empty: %+v", snap)
	}
	if snap.PeakHour != -1 {
		t.Errorf("PeakHour = %d, want -1", snap.PeakHour)
	}
	if len(snap.Flags) != 0 {
		t.Errorf("Flags = %v, want none", snap.Flags)
	}
	if !snap.FirstEvent.IsZero() || !snap.LastEvent.IsZero() {
		t.Errorf("event range should be zero, got [%v, %v]", snap.FirstEvent, snap.LastEvent)
	}
}

func TestAggregateCustomOptions(t *testing.T) {
	agg := NewAggregator(schema.Default(), AggregatorOptions{
		Dimensions:      []string{"location"},
		DenialLabel:     "badge_rejected",
		HighDenialRatio: 0.5,
	})

	rows := []ClassifiedRow{
		classifiedRow(0, "badge_rejected", "u1", "lobby", schema.OutcomeDeny, 8),
		classifiedRow(1, "badge_rejected", "u2", "lobby", schema.OutcomeDeny, 8),
		classifiedRow(2, "access_granted", "u3", "lobby", schema.OutcomeGrant, 8),
	}
	snap := agg.Aggregate(rows)

	if _, ok := snap.UniqueValues["actor"]; ok {
		t.Error("actor counted despite not being a configured dimension")
	}
	if !reflect.DeepEqual(snap.Flags, []string{FlagHighDenialRate}) {
		t.Errorf("Flags = %v, want [%s]", snap.Flags, FlagHighDenialRate)
	}
}
