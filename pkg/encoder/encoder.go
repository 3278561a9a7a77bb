package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ecgseq/internal/logging"
	"ecgseq/pkg/checkpoint"
	"ecgseq/pkg/schema"
	"ecgseq/pkg/sliding"
	"ecgseq/pkg/worker"
)

// ErrNoBeats marks a record with no metadata entries.
var ErrNoBeats = errors.New("record has no beat metadata")

// Options configures an Encoder.
type Options struct {
	PreprocessedDir   string
	ContainerDir      string
	SequenceLen       int
	BatchSizePerChunk int
	Workers           int
	Progress          io.Writer
	Logger            *logging.Logger
}

// Outcome is the result of encoding one record.
type Outcome struct {
	Record  string
	Status  string
	Windows int
	Entries int
	Path    string
}

func (o Outcome) String() string {
	switch o.Status {
	case checkpoint.StatusSkipped:
		return fmt.Sprintf("Skipped: %s (fewer beats than sequence length)", o.Record)
	default:
		return fmt.Sprintf("Success: %s (%d sequences in %d entries)", o.Record, o.Windows, o.Entries)
	}
}

// Summary aggregates an EncodeAll run.
type Summary struct {
	Results []worker.Result
	Encoded int
	Skipped int
	Failed  int
	Windows int
}

// fileDigest is swapped out in tests.
var fileDigest = checkpoint.FileDigest

// Encoder turns per-record feature containers into sequence-batch containers.
type Encoder struct {
	opts     Options
	groups   map[string][]schema.BeatMeta
	gen      *sliding.Generator
	manifest *checkpoint.Manifest
	logger   *logging.Logger
}

// New prepares an encoder over the given metadata index. manifest may be nil.
func New(opts Options, index []schema.BeatMeta, manifest *checkpoint.Manifest) (*Encoder, error) {
	if opts.SequenceLen <= 0 {
		return nil, fmt.Errorf("sequence length must be positive, got %d", opts.SequenceLen)
	}
	if opts.BatchSizePerChunk <= 0 {
		return nil, fmt.Errorf("batch size per chunk must be positive, got %d", opts.BatchSizePerChunk)
	}
	return &Encoder{
		opts:     opts,
		groups:   schema.GroupByRecord(index),
		gen:      sliding.NewGenerator(opts.SequenceLen, 1),
		manifest: manifest,
		logger:   opts.Logger,
	}, nil
}

// EncodeRecord writes the container of one record, replacing any previous
// one. Records shorter than the sequence length are skipped and leave no
// container behind.
func (e *Encoder) EncodeRecord(ctx context.Context, record string) (Outcome, error) {
	out, err := e.encode(record)
	if e.manifest != nil {
		entry := checkpoint.Entry{Record: record, Status: out.Status, Windows: out.Windows, Entries: out.Entries}
		if err != nil {
			entry.Status = checkpoint.StatusFailed
			entry.Error = err.Error()
		} else if out.Status == checkpoint.StatusEncoded {
			if entry.Digest, err = fileDigest(out.Path); err != nil {
				err = fmt.Errorf("record %s: %w", record, err)
				entry.Status = checkpoint.StatusFailed
				entry.Error = err.Error()
				entry.Digest = ""
			}
		}
		if perr := e.manifest.Put(entry); perr != nil && err == nil {
			err = perr
		}
	}
	return out, err
}

func (e *Encoder) encode(record string) (Outcome, error) {
	out := Outcome{Record: record, Path: schema.ContainerPath(e.opts.ContainerDir, record)}

	beats, ok := e.groups[record]
	if !ok || len(beats) == 0 {
		return out, fmt.Errorf("%w: %s", ErrNoBeats, record)
	}

	arr, err := schema.ReadFeatures(schema.FeaturePath(e.opts.PreprocessedDir, record))
	if err != nil {
		return out, fmt.Errorf("failed to read features of %s: %w", record, err)
	}
	arr, err = selectBeats(arr, beats)
	if err != nil {
		return out, fmt.Errorf("record %s: %w", record, err)
	}

	if e.gen.EstimateWindowCount(arr.Beats) == 0 {
		e.logger.Warn("Record %s has %d beats, fewer than sequence length %d, skipping", record, arr.Beats, e.gen.GetWindowSize())
		if err := os.Remove(out.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return out, fmt.Errorf("failed to remove stale container: %w", err)
		}
		out.Status = checkpoint.StatusSkipped
		return out, nil
	}

	seq, err := e.gen.Build(arr, schema.Labels(beats))
	if err != nil {
		return out, fmt.Errorf("record %s: %w", record, err)
	}
	e.logger.Debug("Record %s: %d windows of %d beats, stride %d", record, seq.Count, e.gen.GetWindowSize(), e.gen.GetStride())
	entries, err := sliding.Chunk(seq, e.opts.BatchSizePerChunk)
	if err != nil {
		return out, err
	}

	if err := writeContainer(out.Path, entries); err != nil {
		return out, fmt.Errorf("record %s: %w", record, err)
	}
	out.Status = checkpoint.StatusEncoded
	out.Windows = seq.Count
	out.Entries = len(entries)
	return out, nil
}

// selectBeats gathers the feature maps named by beats, in beat order.
func selectBeats(arr schema.FeatureArray, beats []schema.BeatMeta) (schema.FeatureArray, error) {
	if err := arr.Check(); err != nil {
		return arr, err
	}
	identity := len(beats) == arr.Beats
	for i, b := range beats {
		if b.BeatIndex < 0 || b.BeatIndex >= arr.Beats {
			return arr, fmt.Errorf("%w: beat index %d outside [0,%d)", schema.ErrShape, b.BeatIndex, arr.Beats)
		}
		if b.BeatIndex != i {
			identity = false
		}
	}
	if identity {
		return arr, nil
	}

	out := schema.NewFeatureArray(len(beats), arr.Height, arr.Width)
	for i, b := range beats {
		copy(out.Beat(i), arr.Beat(b.BeatIndex))
	}
	return out, nil
}

// writeContainer writes to a temporary file and renames it into place so a
// failed run never leaves a truncated container.
func writeContainer(path string, entries []schema.BatchEntry) error {
	tmp := path + ".tmp"
	cw, err := schema.CreateContainer(tmp)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := cw.Write(entry); err != nil {
			cw.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := cw.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// EncodeAll encodes records in parallel. Each worker hides accelerator
// devices before taking work. Per-record failures are reported in the
// summary, never returned as an error.
func (e *Encoder) EncodeAll(ctx context.Context, records []string) (Summary, error) {
	if err := os.MkdirAll(e.opts.ContainerDir, 0755); err != nil {
		return Summary{}, fmt.Errorf("failed to create container directory: %w", err)
	}

	var (
		outcomes = make(map[string]Outcome, len(records))
		pool     = &worker.Pool{
			Workers:  e.opts.Workers,
			Startup:  worker.HideAccelerators,
			Label:    "Encoding",
			Progress: e.opts.Progress,
			Logger:   e.logger,
		}
		results = make(chan Outcome, len(records))
	)

	res := pool.Run(ctx, records, func(ctx context.Context, name string) (string, error) {
		out, err := e.EncodeRecord(ctx, name)
		if err != nil {
			return "", err
		}
		results <- out
		return out.String(), nil
	})
	close(results)
	for out := range results {
		outcomes[out.Record] = out
	}

	sum := Summary{Results: res}
	for _, r := range res {
		if r.Err != nil {
			sum.Failed++
			continue
		}
		out := outcomes[r.Name]
		if out.Status == checkpoint.StatusSkipped {
			sum.Skipped++
			continue
		}
		sum.Encoded++
		sum.Windows += out.Windows
	}
	e.logger.Info("Encoded %d records (%d windows), skipped %d, failed %d", sum.Encoded, sum.Windows, sum.Skipped, sum.Failed)
	return sum, nil
}

// ContainerFiles lists the containers present in dir for records, in the
// order given. Records without a container are left out.
func ContainerFiles(dir string, records []string) []string {
	var files []string
	for _, r := range records {
		path := schema.ContainerPath(dir, r)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files
}

// CleanTemp removes temporary containers left by interrupted runs.
func CleanTemp(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+schema.ContainerExt+".tmp"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			return err
		}
	}
	return nil
}
