package loader

import (
	"fmt"

	"ecgseq/pkg/analyzer"
	"ecgseq/pkg/schema"
)

// Normalizer standardizes values along the innermost feature dimension.
// A nil Normalizer leaves data untouched.
type Normalizer struct {
	Mean  []float32
	Scale []float32
}

// NewNormalizer builds a Normalizer from fitted statistics; nil stats give a
// nil Normalizer.
func NewNormalizer(stats *analyzer.Stats) (*Normalizer, error) {
	if stats == nil {
		return nil, nil
	}
	if len(stats.Mean) == 0 || len(stats.Mean) != len(stats.Scale) {
		return nil, fmt.Errorf("%w: mean %d, scale %d", schema.ErrShape, len(stats.Mean), len(stats.Scale))
	}
	return &Normalizer{Mean: stats.Mean, Scale: stats.Scale}, nil
}

// Width is the length of the innermost dimension the normalizer expects.
func (n *Normalizer) Width() int {
	if n == nil {
		return 0
	}
	return len(n.Mean)
}

func (n *Normalizer) scale(c int) float32 {
	if s := n.Scale[c]; s != 0 {
		return s
	}
	return 1
}

// Apply computes (x - mean) / scale in place.
func (n *Normalizer) Apply(values []float32) {
	if n == nil {
		return
	}
	w := len(n.Mean)
	for i := range values {
		c := i % w
		values[i] = (values[i] - n.Mean[c]) / n.scale(c)
	}
}

// Invert computes y * scale + mean in place.
func (n *Normalizer) Invert(values []float32) {
	if n == nil {
		return
	}
	w := len(n.Mean)
	for i := range values {
		c := i % w
		values[i] = values[i]*n.scale(c) + n.Mean[c]
	}
}
