package sliding

import (
	"fmt"

	"ecgseq/pkg/schema"
)

// Window is one run of consecutive beats [Start, Start+len) labelled with
// the label of its last beat.
type Window struct {
	Start int
	Label int32
}

// Sequences holds a record's windows as a dense [Count, SequenceLen, Height, Width] array.
type Sequences struct {
	Count       int
	SequenceLen int
	Height      int
	Width       int
	Values      []float32
	Labels      []int32
}

// WindowSize is the number of float32 values in one window.
func (s Sequences) WindowSize() int { return s.SequenceLen * s.Height * s.Width }

// Window returns the i-th window as a slice into Values.
func (s Sequences) Window(i int) []float32 {
	n := s.WindowSize()
	return s.Values[i*n : (i+1)*n]
}

// Generator handles sliding window generation
type Generator struct {
	windowSize int
	stride     int
}

// NewGenerator creates a new sliding window generator
func NewGenerator(windowSize, stride int) *Generator {
	if stride <= 0 {
		stride = 1
	}
	return &Generator{
		windowSize: windowSize,
		stride:     stride,
	}
}

// GenerateWindows lists every window over a record whose beats carry labels,
// in temporal order. Records shorter than the window size yield nothing.
func (g *Generator) GenerateWindows(labels []int32) []Window {
	var windows []Window
	if g.windowSize <= 0 || len(labels) < g.windowSize {
		return windows
	}

	for start := 0; start+g.windowSize <= len(labels); start += g.stride {
		windows = append(windows, Window{
			Start: start,
			Label: labels[start+g.windowSize-1],
		})
	}
	return windows
}

// Build materializes the windows of arr. labels must be ordered by beat index
// and have one entry per beat.
func (g *Generator) Build(arr schema.FeatureArray, labels []int32) (Sequences, error) {
	if err := arr.Check(); err != nil {
		return Sequences{}, err
	}
	if len(labels) != arr.Beats {
		return Sequences{}, fmt.Errorf("%w: %d labels for %d beats", schema.ErrShape, len(labels), arr.Beats)
	}

	windows := g.GenerateWindows(labels)
	seq := Sequences{
		Count:       len(windows),
		SequenceLen: g.windowSize,
		Height:      arr.Height,
		Width:       arr.Width,
		Labels:      make([]int32, len(windows)),
	}
	seq.Values = make([]float32, 0, len(windows)*seq.WindowSize())

	span := g.windowSize * arr.BeatSize()
	for i, w := range windows {
		off := w.Start * arr.BeatSize()
		seq.Values = append(seq.Values, arr.Values[off:off+span]...)
		seq.Labels[i] = w.Label
	}
	return seq, nil
}

// Chunk splits seq into entries of at most perChunk windows, in order.
func Chunk(seq Sequences, perChunk int) ([]schema.BatchEntry, error) {
	if perChunk <= 0 {
		return nil, fmt.Errorf("batch size per chunk must be positive, got %d", perChunk)
	}
	var entries []schema.BatchEntry
	ws := seq.WindowSize()
	for start := 0; start < seq.Count; start += perChunk {
		end := start + perChunk
		if end > seq.Count {
			end = seq.Count
		}
		entries = append(entries, schema.BatchEntry{
			NumInBatch:   int64(end - start),
			SequenceLen:  int64(seq.SequenceLen),
			Height:       int64(seq.Height),
			Width:        int64(seq.Width),
			SequencesRaw: schema.EncodeFloat32(seq.Values[start*ws : end*ws]),
			LabelsRaw:    schema.EncodeInt32(seq.Labels[start:end]),
		})
	}
	return entries, nil
}

// EstimateWindowCount returns the number of windows for a record of n beats
func (g *Generator) EstimateWindowCount(n int) int {
	if g.windowSize <= 0 || n < g.windowSize {
		return 0
	}
	return (n-g.windowSize)/g.stride + 1
}

// GetWindowSize returns the configured window size
func (g *Generator) GetWindowSize() int {
	return g.windowSize
}

// GetStride returns the configured stride
func (g *Generator) GetStride() int {
	return g.stride
}
