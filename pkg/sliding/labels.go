package sliding

import (
	"sort"

	"ecgseq/pkg/schema"
)

// SequenceLabels derives the label of every window the given records will
// produce, in record order, from the metadata index alone.
func (g *Generator) SequenceLabels(index []schema.BeatMeta, records []string) []int32 {
	wanted := make(map[string]struct{}, len(records))
	for _, r := range records {
		wanted[r] = struct{}{}
	}
	var subset []schema.BeatMeta
	for _, e := range index {
		if _, ok := wanted[e.RecordName]; ok {
			subset = append(subset, e)
		}
	}
	groups := schema.GroupByRecord(subset)

	var out []int32
	for _, name := range records {
		for _, w := range g.GenerateWindows(schema.Labels(groups[name])) {
			out = append(out, w.Label)
		}
	}
	return out
}

// Steps is the number of batches needed to cover n examples, at least one.
func Steps(n, batchSize int) int {
	if batchSize <= 0 || n <= 0 {
		return 1
	}
	return (n + batchSize - 1) / batchSize
}

// ClassWeights returns balanced weights n / (k * count_c) for each of the k
// classes present in labels.
func ClassWeights(labels []int32) map[int32]float64 {
	counts := make(map[int32]int)
	for _, l := range labels {
		counts[l]++
	}
	weights := make(map[int32]float64, len(counts))
	if len(counts) == 0 {
		return weights
	}
	denom := float64(len(counts))
	for c, n := range counts {
		weights[c] = float64(len(labels)) / (denom * float64(n))
	}
	return weights
}

// Classes lists the distinct labels in ascending order.
func Classes(labels []int32) []int32 {
	seen := make(map[int32]struct{})
	var out []int32
	for _, l := range labels {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
