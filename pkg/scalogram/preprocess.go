package scalogram

import (
	"context"
	"fmt"
	"io"
	"os"

	"ecgseq/internal/logging"
	"ecgseq/pkg/schema"
	"ecgseq/pkg/worker"
)

// Options configures preprocessing.
type Options struct {
	RawDir         string
	OutDir         string
	SamplesPerBeat int
	Scales         int
	Workers        int
	Progress       io.Writer
	Logger         *logging.Logger
}

// Preprocessor turns raw records into per-record scalogram containers.
type Preprocessor struct {
	opts      Options
	transform *Transform
	logger    *logging.Logger
}

// New validates opts and builds the wavelet kernels.
func New(opts Options) (*Preprocessor, error) {
	if opts.SamplesPerBeat < 3 {
		return nil, fmt.Errorf("samples per beat must be at least 3, got %d", opts.SamplesPerBeat)
	}
	if opts.Scales <= 0 {
		return nil, fmt.Errorf("wavelet scales must be positive, got %d", opts.Scales)
	}
	return &Preprocessor{
		opts:      opts,
		transform: NewTransform(opts.Scales),
		logger:    opts.Logger,
	}, nil
}

// Width is the number of samples in a beat window, always odd.
func (p *Preprocessor) Width() int {
	return 2*(p.opts.SamplesPerBeat/2) + 1
}

// Beats extracts the annotated beats of a signal whose window fits inside
// it, with their AAMI class. Symbols outside the AAMI map are ignored.
func (p *Preprocessor) Beats(signal []float64, anns []Annotation) (schema.FeatureArray, []int) {
	half := p.opts.SamplesPerBeat / 2
	width := p.Width()

	var peaks, labels []int
	for _, a := range anns {
		class, ok := AAMIClasses[a.Symbol]
		if !ok {
			continue
		}
		if a.Sample <= half || a.Sample >= len(signal)-half {
			continue
		}
		peaks = append(peaks, a.Sample)
		labels = append(labels, class)
	}

	arr := schema.NewFeatureArray(len(peaks), p.transform.Scales(), width)
	for i, peak := range peaks {
		p.transform.Magnitude(signal[peak-half:peak+half+1], arr.Beat(i))
	}
	return arr, labels
}

// PreprocessRecord writes the feature container of one record and returns
// its metadata entries. A record without usable beats writes nothing.
func (p *Preprocessor) PreprocessRecord(record string) ([]schema.BeatMeta, error) {
	signal, err := ReadSignal(SignalPath(p.opts.RawDir, record))
	if err != nil {
		return nil, fmt.Errorf("failed to read signal: %w", err)
	}
	anns, err := ReadAnnotations(AnnotationPath(p.opts.RawDir, record))
	if err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}

	arr, labels := p.Beats(signal, anns)
	if arr.Beats == 0 {
		return nil, nil
	}
	if err := schema.WriteFeatures(schema.FeaturePath(p.opts.OutDir, record), arr); err != nil {
		return nil, err
	}

	meta := make([]schema.BeatMeta, len(labels))
	for i, l := range labels {
		meta[i] = schema.BeatMeta{RecordName: record, BeatIndex: i, Label: l}
	}
	return meta, nil
}

// Run preprocesses records in parallel, then writes the consolidated metadata
// index to OutDir. Records that fail or yield no beats are logged and left
// out of the index.
func (p *Preprocessor) Run(ctx context.Context, records []string) ([]schema.BeatMeta, []worker.Result, error) {
	if err := os.MkdirAll(p.opts.OutDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	type recordMeta struct {
		name string
		meta []schema.BeatMeta
	}
	metas := make(chan recordMeta, len(records))
	pool := &worker.Pool{
		Workers:  p.opts.Workers,
		Label:    "Preprocessing",
		Progress: p.opts.Progress,
		Logger:   p.logger,
	}
	results := pool.Run(ctx, records, func(ctx context.Context, name string) (string, error) {
		meta, err := p.PreprocessRecord(name)
		if err != nil {
			return "", err
		}
		metas <- recordMeta{name: name, meta: meta}
		return fmt.Sprintf("%s: %d beats", name, len(meta)), nil
	})
	close(metas)

	var index []schema.BeatMeta
	for m := range metas {
		if len(m.meta) == 0 {
			p.logger.Warn("Record %s produced no metadata", m.name)
		}
		index = append(index, m.meta...)
	}

	path := schema.IndexPath(p.opts.OutDir)
	if err := schema.SaveIndex(path, index); err != nil {
		return nil, results, err
	}
	p.logger.Info("Saved metadata for %d beats to %s", len(index), path)
	return index, results, nil
}
