package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"ecgseq/internal/logging"
	"ecgseq/pkg/schema"
)

// ErrEmptyStream is returned when no container exists for the requested records.
var ErrEmptyStream = errors.New("no sequence containers for requested records")

const (
	DefaultCycleLength   = 4
	DefaultShuffleBuffer = 8
	DefaultPrefetch      = 2
)

// Options configures a Reader.
type Options struct {
	// Training enables file shuffling, the local shuffle buffer and repetition.
	Training      bool
	BatchSize     int
	CycleLength   int
	ShuffleBuffer int
	Prefetch      int
	Seed          int64
	Normalizer    *Normalizer
	Logger        *logging.Logger
}

// Example is one window and its label.
type Example struct {
	Sequence []float32
	Label    int32
}

// Batch is a group of consecutive examples, Sequences laid out row-major as
// [Size, SequenceLen, Height, Width].
type Batch struct {
	Size        int
	SequenceLen int
	Height      int
	Width       int
	Sequences   []float32
	Labels      []int32
}

// Shape returns the dimensions of Sequences.
func (b Batch) Shape() []int {
	return []int{b.Size, b.SequenceLen, b.Height, b.Width}
}

// Reader streams examples out of per-record sequence containers.
type Reader struct {
	files []string
	opts  Options
}

// NewReader prepares a stream over the containers of records found in dir,
// kept in the order of records.
func NewReader(dir string, records []string, opts Options) (*Reader, error) {
	var files []string
	for _, r := range records {
		if fileExists(schema.ContainerPath(dir, r)) {
			files = append(files, schema.ContainerPath(dir, r))
		}
	}
	return NewFileReader(files, opts)
}

// NewFileReader prepares a stream over explicit container paths.
func NewFileReader(files []string, opts Options) (*Reader, error) {
	if len(files) == 0 {
		return nil, ErrEmptyStream
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.CycleLength <= 0 {
		opts.CycleLength = DefaultCycleLength
	}
	if opts.ShuffleBuffer <= 0 {
		opts.ShuffleBuffer = DefaultShuffleBuffer
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = DefaultPrefetch
	}
	return &Reader{files: append([]string(nil), files...), opts: opts}, nil
}

// Files returns the containers in enumeration order.
func (r *Reader) Files() []string {
	return append([]string(nil), r.files...)
}

// Stream starts the pipeline. The caller must Close the stream.
func (r *Reader) Stream(ctx context.Context) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		batches: make(chan Batch, r.opts.Prefetch),
		cancel:  cancel,
	}
	go func() {
		defer close(s.batches)
		s.err = r.run(ctx, s.batches)
	}()
	return s
}

// run drives file order, interleaving, decoding, normalization, shuffling
// and batching, sending finished batches on out.
func (r *Reader) run(ctx context.Context, out chan<- Batch) error {
	rng := rand.New(rand.NewSource(r.opts.Seed))
	b := &batcher{size: r.opts.BatchSize, out: out}

	var emit func(Example) error
	var shuf *shuffleBuffer
	if r.opts.Training {
		shuf = newShuffleBuffer(r.opts.ShuffleBuffer, rng)
		emit = func(ex Example) error {
			if ex, ok := shuf.Push(ex); ok {
				return b.add(ctx, ex)
			}
			return nil
		}
	} else {
		emit = func(ex Example) error { return b.add(ctx, ex) }
	}

	var shape *schema.BatchEntry
	for epoch := 0; ; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		files := r.Files()
		if r.opts.Training {
			rng.Shuffle(len(files), func(i, j int) { files[i], files[j] = files[j], files[i] })
		}

		produced := 0
		err := interleave(ctx, files, r.opts.CycleLength, func(e schema.BatchEntry) error {
			if shape == nil {
				shape = &schema.BatchEntry{SequenceLen: e.SequenceLen, Height: e.Height, Width: e.Width}
				b.setShape(e)
				if w := r.opts.Normalizer.Width(); w != 0 && int64(w) != e.Width {
					return fmt.Errorf("%w: statistics width %d, containers width %d", schema.ErrShape, w, e.Width)
				}
			} else if e.SequenceLen != shape.SequenceLen || e.Height != shape.Height || e.Width != shape.Width {
				return fmt.Errorf("%w: entry [%d %d %d] in stream of [%d %d %d]", schema.ErrShape,
					e.SequenceLen, e.Height, e.Width, shape.SequenceLen, shape.Height, shape.Width)
			}
			examples, err := decodeEntry(e)
			if err != nil {
				return err
			}
			for _, ex := range examples {
				r.opts.Normalizer.Apply(ex.Sequence)
				if err := emit(ex); err != nil {
					return err
				}
				produced++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if produced == 0 {
			return ErrEmptyStream
		}
		r.opts.Logger.Debug("Stream pass %d complete: %d examples from %d files", epoch, produced, len(files))
		if !r.opts.Training {
			return b.flush(ctx)
		}
		for _, ex := range shuf.Drain() {
			if err := b.add(ctx, ex); err != nil {
				return err
			}
		}
	}
}

// decodeEntry expands one container entry into its windows.
func decodeEntry(e schema.BatchEntry) ([]Example, error) {
	seqs, err := e.Sequences()
	if err != nil {
		return nil, err
	}
	labels, err := e.Labels()
	if err != nil {
		return nil, err
	}
	ws := e.WindowSize()
	out := make([]Example, len(labels))
	for i := range labels {
		out[i] = Example{
			Sequence: seqs[i*ws : (i+1)*ws : (i+1)*ws],
			Label:    labels[i],
		}
	}
	return out, nil
}

type batcher struct {
	size   int
	out    chan<- Batch
	shape  [3]int
	cur    Batch
	hasCur bool
}

func (b *batcher) setShape(e schema.BatchEntry) {
	b.shape = [3]int{int(e.SequenceLen), int(e.Height), int(e.Width)}
}

func (b *batcher) add(ctx context.Context, ex Example) error {
	if !b.hasCur {
		b.cur = Batch{
			SequenceLen: b.shape[0],
			Height:      b.shape[1],
			Width:       b.shape[2],
			Sequences:   make([]float32, 0, b.size*len(ex.Sequence)),
			Labels:      make([]int32, 0, b.size),
		}
		b.hasCur = true
	}
	b.cur.Sequences = append(b.cur.Sequences, ex.Sequence...)
	b.cur.Labels = append(b.cur.Labels, ex.Label)
	b.cur.Size++
	if b.cur.Size == b.size {
		return b.flush(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	if !b.hasCur || b.cur.Size == 0 {
		return nil
	}
	select {
	case b.out <- b.cur:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.hasCur = false
	return nil
}

// Stream is a running reader pipeline.
type Stream struct {
	batches chan Batch
	cancel  context.CancelFunc
	err     error
}

// Next blocks until a batch is ready. It returns io.EOF once an evaluation
// pass is exhausted.
func (s *Stream) Next() (Batch, error) {
	b, ok := <-s.batches
	if ok {
		return b, nil
	}
	if s.err != nil {
		return Batch{}, s.err
	}
	return Batch{}, io.EOF
}

// Close stops the pipeline and releases open files.
func (s *Stream) Close() {
	s.cancel()
	for range s.batches {
	}
}

// Collect reads an evaluation reader to the end.
func Collect(ctx context.Context, r *Reader) ([]Batch, error) {
	s := r.Stream(ctx)
	defer s.Close()
	var out []Batch
	for {
		b, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
}
