package analyzer

import (
	"fmt"
	"math"
)

const machineEpsilon = 2.220446049250313e-16

// Moments is a running per-column count, mean and sum of squared deviations.
// Values are immutable from the caller's point of view: Update returns a new
// Moments and never touches the receiver's slices.
type Moments struct {
	Count int64
	Mean  []float64
	M2    []float64
}

// Width is the number of columns tracked, zero before the first update.
func (m Moments) Width() int { return len(m.Mean) }

// Update folds a row-major [rows, width] block into the moments using the
// pairwise combination of Chan et al., so any chunking of the same data
// yields the same result up to rounding.
func (m Moments) Update(block []float32, width int) (Moments, error) {
	if width <= 0 {
		return m, fmt.Errorf("width must be positive, got %d", width)
	}
	if len(block)%width != 0 {
		return m, fmt.Errorf("block of %d values is not a multiple of width %d", len(block), width)
	}
	if m.Width() != 0 && m.Width() != width {
		return m, fmt.Errorf("width changed from %d to %d", m.Width(), width)
	}
	rows := int64(len(block) / width)
	if rows == 0 {
		return m, nil
	}

	// moments of the block alone
	bMean := make([]float64, width)
	for i, v := range block {
		bMean[i%width] += float64(v)
	}
	for j := range bMean {
		bMean[j] /= float64(rows)
	}
	bM2 := make([]float64, width)
	for i, v := range block {
		d := float64(v) - bMean[i%width]
		bM2[i%width] += d * d
	}

	if m.Count == 0 {
		return Moments{Count: rows, Mean: bMean, M2: bM2}, nil
	}

	n := m.Count + rows
	out := Moments{Count: n, Mean: make([]float64, width), M2: make([]float64, width)}
	na, nb, nt := float64(m.Count), float64(rows), float64(n)
	for j := 0; j < width; j++ {
		delta := bMean[j] - m.Mean[j]
		out.Mean[j] = m.Mean[j] + delta*nb/nt
		out.M2[j] = m.M2[j] + bM2[j] + delta*delta*na*nb/nt
	}
	return out, nil
}

// Variance is the population variance per column.
func (m Moments) Variance() []float64 {
	v := make([]float64, m.Width())
	if m.Count == 0 {
		return v
	}
	for j := range v {
		v[j] = m.M2[j] / float64(m.Count)
	}
	return v
}

// Scale is the standard deviation per column. Constant columns get a scale
// of 1 so that standardization leaves them centred instead of dividing by 0.
func (m Moments) Scale() []float64 {
	v := m.Variance()
	for j, x := range v {
		s := math.Sqrt(x)
		if s < 10*machineEpsilon || math.IsNaN(s) {
			s = 1
		}
		v[j] = s
	}
	return v
}
