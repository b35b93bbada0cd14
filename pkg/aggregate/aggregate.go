package aggregate

import (
	"sort"

	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/checkpoint"
)

const DefaultTargetBucketCount = 1000

// Compact bounds a stat's sample list. Samples are split into cycles by the
// finish ordinals, samples of the same step are merged, and within each
// cycle only steps on a power-of-two grid are kept, plus the first and last
// sample of the cycle. Running it again on its own output is a no-op.
//
// Compaction is incremental. A finish found later, while rewinding through
// older history, can fall inside a stretch that was already thinned; its
// cycles are then cut at the nearest retained samples and their exact first
// and last samples are gone.
func Compact(samples []analysis.Sample, finishes []checkpoint.Ordinal, targetBucketCount int) []analysis.Sample {
	if targetBucketCount < 1 {
		targetBucketCount = DefaultTargetBucketCount
	}

	var out []analysis.Sample
	for _, slice := range Slices(samples, finishes) {
		// thinning a cycle whose steps went backwards can leave equal steps
		// next to each other, so merge on both sides
		kept := thin(mergeSteps(slice), targetBucketCount)
		out = append(out, mergeSteps(kept)...)
	}

	if out == nil {
		out = []analysis.Sample{}
	}

	return out
}

// Slices sorts samples by ordinal and partitions them into run cycles. Cycle
// i holds the samples with finishes[i-1] < ordinal <= finishes[i]; the last
// cycle is open ended. Empty cycles are omitted.
func Slices(samples []analysis.Sample, finishes []checkpoint.Ordinal) [][]analysis.Sample {
	sorted := make([]analysis.Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Ordinal != sorted[j].Ordinal {
			return sorted[i].Ordinal < sorted[j].Ordinal
		}
		return sorted[i].Step < sorted[j].Step
	})

	cuts := make([]checkpoint.Ordinal, len(finishes))
	copy(cuts, finishes)
	sort.Slice(cuts, func(i, j int) bool { return cuts[i] < cuts[j] })

	var slices [][]analysis.Sample
	start := 0
	for _, cut := range cuts {
		end := start
		for end < len(sorted) && sorted[end].Ordinal <= cut {
			end++
		}
		if end > start {
			slices = append(slices, sorted[start:end])
		}
		start = end
	}
	if start < len(sorted) {
		slices = append(slices, sorted[start:])
	}

	return slices
}

// mergeSteps folds neighbouring samples that share a step into the first.
func mergeSteps(slice []analysis.Sample) []analysis.Sample {
	merged := make([]analysis.Sample, 0, len(slice))
	for _, s := range slice {
		if n := len(merged); n > 0 && merged[n-1].Step == s.Step {
			merged[n-1].SumValue += s.SumValue
			merged[n-1].NumValue += s.NumValue
			continue
		}
		merged = append(merged, s)
	}

	return merged
}

// ChunkSize is the smallest power of two that covers span in at most
// targetBucketCount chunks.
func ChunkSize(span uint64, targetBucketCount int) uint64 {
	chunk := uint64(1)
	for chunk*uint64(targetBucketCount) < span {
		chunk *= 2
	}

	return chunk
}

func thin(slice []analysis.Sample, targetBucketCount int) []analysis.Sample {
	if len(slice) <= 2 {
		return slice
	}

	minStep, maxStep := slice[0].Step, slice[0].Step
	for _, s := range slice[1:] {
		if s.Step < minStep {
			minStep = s.Step
		}
		if s.Step > maxStep {
			maxStep = s.Step
		}
	}

	chunk := int64(ChunkSize(maxStep-minStep, targetBucketCount))
	if chunk == 1 {
		return slice
	}

	kept := make([]analysis.Sample, 0, targetBucketCount+2)
	last := len(slice) - 1
	for i, s := range slice {
		if i == 0 || i == last || ((int64(s.Step)-1)%chunk+chunk)%chunk == 0 {
			kept = append(kept, s)
		}
	}

	return kept
}

// Result summarises one aggregation pass.
type Result struct {
	Stats    int
	Before   int
	After    int
	Entities int
}

// Run compacts every stat of every entity in the store.
func Run(store *analysis.Store, targetBucketCount int) Result {
	var res Result

	_ = store.Update(func(tx analysis.Tx) error {
		for _, e := range tx.Entities() {
			res.Entities++
			for stat, samples := range e.SamplesByStatName {
				compacted := Compact(samples, e.FinishesOrdinals, targetBucketCount)
				res.Stats++
				res.Before += len(samples)
				res.After += len(compacted)
				e.SamplesByStatName[stat] = compacted
			}
		}
		return nil
	})

	return res
}
