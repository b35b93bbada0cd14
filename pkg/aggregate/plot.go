package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
)

// DefaultEnvelopeTarget is the number of buckets Envelope shrinks a series to
// when the caller does not ask for a size.
const DefaultEnvelopeTarget = 20

type Point struct {
	Step    uint64             `json:"step"`
	Ordinal checkpoint.Ordinal `json:"ordinal"`
	Value   float64            `json:"value"`
	Time    time.Time          `json:"time"`
}

// Series is the part of a stat that belongs to one run cycle.
type Series struct {
	Cycle  int     `json:"cycle"`
	Points []Point `json:"points"`
}

// Plot labels every stat of the entity per run cycle, for charting.
func Plot(e *analysis.Entity) map[string][]Series {
	plots := make(map[string][]Series, len(e.SamplesByStatName))

	for stat, samples := range e.SamplesByStatName {
		series := []Series{}
		for cycle, slice := range Slices(samples, e.FinishesOrdinals) {
			points := make([]Point, 0, len(slice))
			for _, s := range slice {
				points = append(points, Point{
					Step:    s.Step,
					Ordinal: s.Ordinal,
					Value:   s.Average(),
					Time:    s.Time,
				})
			}
			series = append(series, Series{Cycle: cycle, Points: points})
		}
		plots[stat] = series
	}

	return plots
}

// Bucket carries min and max envelopes of the samples merged into it.
type Bucket struct {
	MinOrdinal checkpoint.Ordinal `json:"minOrdinal"`
	MaxOrdinal checkpoint.Ordinal `json:"maxOrdinal"`
	MinStep    uint64             `json:"minStep"`
	MaxStep    uint64             `json:"maxStep"`
	MinValue   float64            `json:"minValue"`
	MaxValue   float64            `json:"maxValue"`
	MinTime    time.Time          `json:"minTime"`
	MaxTime    time.Time          `json:"maxTime"`
	SumValue   float64            `json:"sumValue"`
	NumValue   uint64             `json:"numValue"`
}

func newBucket(s analysis.Sample) Bucket {
	v := s.Average()
	return Bucket{
		MinOrdinal: s.Ordinal,
		MaxOrdinal: s.Ordinal,
		MinStep:    s.Step,
		MaxStep:    s.Step,
		MinValue:   v,
		MaxValue:   v,
		MinTime:    s.Time,
		MaxTime:    s.Time,
		SumValue:   s.SumValue,
		NumValue:   s.NumValue,
	}
}

func (b *Bucket) add(s analysis.Sample) {
	v := s.Average()

	b.MinOrdinal = min(b.MinOrdinal, s.Ordinal)
	b.MaxOrdinal = max(b.MaxOrdinal, s.Ordinal)
	b.MinStep = min(b.MinStep, s.Step)
	b.MaxStep = max(b.MaxStep, s.Step)
	b.MinValue = min(b.MinValue, v)
	b.MaxValue = max(b.MaxValue, v)
	if s.Time.Before(b.MinTime) {
		b.MinTime = s.Time
	}
	if s.Time.After(b.MaxTime) {
		b.MaxTime = s.Time
	}
	b.SumValue += s.SumValue
	b.NumValue += s.NumValue
}

func (b Bucket) Average() float64 {
	if b.NumValue == 0 {
		return 0
	}
	return b.SumValue / float64(b.NumValue)
}

// Envelope coalesces the whole series into at most target buckets by
// doubling a step window until the bucket count fits. It works on a copy and
// never changes the stored samples.
func Envelope(samples []analysis.Sample, target int) []Bucket {
	if target < 1 {
		target = DefaultEnvelopeTarget
	}
	if len(samples) == 0 {
		return []Bucket{}
	}

	sorted := make([]analysis.Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Step < sorted[j].Step })

	maxStep := sorted[len(sorted)-1].Step
	for window := uint64(1); ; window *= 2 {
		buckets := bucketize(sorted, window)
		if len(buckets) <= target || window > maxStep {
			return buckets
		}
		// one more doubling would wrap around
		if window > math.MaxUint64/2 {
			whole := newBucket(sorted[0])
			for _, s := range sorted[1:] {
				whole.add(s)
			}
			return []Bucket{whole}
		}
	}
}

func bucketize(sorted []analysis.Sample, window uint64) []Bucket {
	var buckets []Bucket
	current := uint64(0)

	for i, s := range sorted {
		key := s.Step / window
		if i == 0 || key != current {
			buckets = append(buckets, newBucket(s))
			current = key
			continue
		}
		buckets[len(buckets)-1].add(s)
	}

	return buckets
}
