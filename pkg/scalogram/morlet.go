package scalogram

import "math"

const (
	morletLower     = -8.0
	morletUpper     = 8.0
	morletPrecision = 10
)

// morlet is the real Morlet wavelet exp(-t^2/2) cos(5t).
func morlet(t float64) float64 {
	return math.Exp(-t*t/2) * math.Cos(5*t)
}

// integratedMorlet samples the running integral of the wavelet on
// 2^precision points over its effective support.
func integratedMorlet() (intPsi []float64, step float64) {
	n := 1 << morletPrecision
	step = (morletUpper - morletLower) / float64(n-1)
	intPsi = make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		sum += morlet(morletLower + float64(i)*step)
		intPsi[i] = sum * step
	}
	return intPsi, step
}

// Transform computes continuous wavelet transforms at fixed scales. Kernels
// are built once and reused for every signal.
type Transform struct {
	scales  []float64
	kernels [][]float64
}

// NewTransform prepares kernels for scales 1..n.
func NewTransform(n int) *Transform {
	scales := make([]float64, n)
	for i := range scales {
		scales[i] = float64(i + 1)
	}
	return NewTransformScales(scales)
}

// NewTransformScales prepares kernels for arbitrary positive scales.
func NewTransformScales(scales []float64) *Transform {
	intPsi, step := integratedMorlet()
	width := morletUpper - morletLower

	t := &Transform{scales: append([]float64(nil), scales...)}
	for _, s := range scales {
		count := int(math.Floor(s*width)) + 1
		var kernel []float64
		for k := 0; k < count; k++ {
			j := int(float64(k) / (s * step))
			if j >= len(intPsi) {
				break
			}
			kernel = append(kernel, intPsi[j])
		}
		// convolution uses the kernel reversed
		for i, j := 0, len(kernel)-1; i < j; i, j = i+1, j-1 {
			kernel[i], kernel[j] = kernel[j], kernel[i]
		}
		t.kernels = append(t.kernels, kernel)
	}
	return t
}

// Scales returns the number of scales, the height of every scalogram.
func (t *Transform) Scales() int { return len(t.scales) }

// Magnitude writes |CWT(signal)| as a row-major [scales, len(signal)] array
// into dst, which must have that length.
func (t *Transform) Magnitude(signal []float64, dst []float32) {
	n := len(signal)
	for si, s := range t.scales {
		kernel := t.kernels[si]
		conv := convolve(signal, kernel)
		// -sqrt(s) * diff(conv), centred back onto the signal
		coefLen := len(conv) - 1
		d := float64(coefLen-n) / 2
		lo := int(math.Floor(d))
		norm := -math.Sqrt(s)
		row := dst[si*n : (si+1)*n]
		for i := 0; i < n; i++ {
			k := lo + i
			c := norm * (conv[k+1] - conv[k])
			row[i] = float32(math.Abs(c))
		}
	}
}

// convolve is the full discrete convolution of a and b.
func convolve(a, b []float64) []float64 {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	out := make([]float64, len(a)+len(b)-1)
	for i, av := range a {
		for j, bv := range b {
			out[i+j] += av * bv
		}
	}
	return out
}
