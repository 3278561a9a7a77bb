package schema

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// FeatureDataset is the column holding the per-beat scalograms.
const FeatureDataset = "scalogram"

// FeatureExt is the extension of per-record feature containers.
const FeatureExt = ".parquet"

var (
	// ErrNoDataset marks a feature container without the scalogram column.
	ErrNoDataset = errors.New("feature dataset absent")
	// ErrShape marks arrays whose dimensions do not line up.
	ErrShape = errors.New("array shape mismatch")
)

// ScalogramRow is one beat of a feature container.
type ScalogramRow struct {
	BeatIndex int32     `parquet:"name=beat_index, type=INT32"`
	Height    int32     `parquet:"name=height, type=INT32"`
	Width     int32     `parquet:"name=width, type=INT32"`
	Scalogram []float32 `parquet:"name=scalogram, type=LIST, valuetype=FLOAT"`
}

// FeatureArray is a dense row-major [Beats, Height, Width] float32 array.
type FeatureArray struct {
	Beats  int
	Height int
	Width  int
	Values []float32
}

// NewFeatureArray allocates a zeroed array.
func NewFeatureArray(beats, height, width int) FeatureArray {
	return FeatureArray{Beats: beats, Height: height, Width: width, Values: make([]float32, beats*height*width)}
}

// BeatSize is the number of values in one feature map.
func (a FeatureArray) BeatSize() int { return a.Height * a.Width }

// Beat returns the i-th feature map as a slice into Values.
func (a FeatureArray) Beat(i int) []float32 {
	n := a.BeatSize()
	return a.Values[i*n : (i+1)*n]
}

// Check verifies that Values has the advertised length.
func (a FeatureArray) Check() error {
	if a.Beats < 0 || a.Height <= 0 || a.Width <= 0 {
		return fmt.Errorf("%w: [%d %d %d]", ErrShape, a.Beats, a.Height, a.Width)
	}
	if len(a.Values) != a.Beats*a.Height*a.Width {
		return fmt.Errorf("%w: %d values for [%d %d %d]", ErrShape, len(a.Values), a.Beats, a.Height, a.Width)
	}
	return nil
}

// FeaturePath is where a record's feature container lives inside dir.
func FeaturePath(dir, record string) string {
	return filepath.Join(dir, record+FeatureExt)
}

// WriteFeatures stores arr as a feature container, one row per beat.
func WriteFeatures(path string, arr FeatureArray) error {
	if err := arr.Check(); err != nil {
		return err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create feature container: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(ScalogramRow), 2)
	if err != nil {
		fw.Close()
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := 0; i < arr.Beats; i++ {
		row := ScalogramRow{
			BeatIndex: int32(i),
			Height:    int32(arr.Height),
			Width:     int32(arr.Width),
			Scalogram: append([]float32(nil), arr.Beat(i)...),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("failed to write beat %d: %w", i, err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("failed to finalize feature container: %w", err)
	}
	return fw.Close()
}

// FeatureReader streams a feature container in row chunks.
type FeatureReader struct {
	file   source.ParquetFile
	pr     *reader.ParquetReader
	total  int
	read   int
	height int
	width  int
}

// OpenFeatures opens a container for chunked reads. It returns ErrNoDataset
// when the file carries no scalogram column.
func OpenFeatures(path string) (*FeatureReader, error) {
	if err := checkFeatureColumn(path); err != nil {
		return nil, err
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feature container: %w", err)
	}

	pr, err := newTypedReader(fr, path)
	if err != nil {
		fr.Close()
		return nil, err
	}
	return &FeatureReader{file: fr, pr: pr, total: int(pr.GetNumRows())}, nil
}

// checkFeatureColumn reads the footer without binding it to ScalogramRow.
// parquet-go panics when a struct schema names columns the file lacks.
func checkFeatureColumn(path string) error {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return fmt.Errorf("failed to open feature container: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, nil, 1)
	if err != nil {
		return fmt.Errorf("failed to read feature container footer: %w", err)
	}
	defer pr.ReadStop()

	if !hasColumn(pr.Footer, FeatureDataset) {
		return fmt.Errorf("%w in %s", ErrNoDataset, path)
	}
	return nil
}

func newTypedReader(fr source.ParquetFile, path string) (pr *reader.ParquetReader, err error) {
	defer func() {
		if r := recover(); r != nil {
			pr, err = nil, fmt.Errorf("%w in %s: unexpected layout: %v", ErrNoDataset, path, r)
		}
	}()

	pr, err = reader.NewParquetReader(fr, new(ScalogramRow), 2)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}
	return pr, nil
}

func hasColumn(footer *parquet.FileMetaData, name string) bool {
	if footer == nil {
		return false
	}
	for _, el := range footer.Schema {
		if el != nil && strings.EqualFold(el.Name, name) {
			return true
		}
	}
	return false
}

// NumBeats is the length of the leading axis.
func (r *FeatureReader) NumBeats() int { return r.total }

// ReadChunk returns at most n beats. It returns io.EOF once every row is read.
func (r *FeatureReader) ReadChunk(n int) (FeatureArray, error) {
	if r.read >= r.total {
		return FeatureArray{}, io.EOF
	}
	if n <= 0 {
		return FeatureArray{}, fmt.Errorf("chunk size must be positive, got %d", n)
	}
	if remaining := r.total - r.read; remaining < n {
		n = remaining
	}

	rows := make([]ScalogramRow, n)
	if err := r.pr.Read(&rows); err != nil {
		return FeatureArray{}, fmt.Errorf("failed to read rows %d..%d: %w", r.read, r.read+n, err)
	}
	r.read += n

	if r.height == 0 {
		r.height, r.width = int(rows[0].Height), int(rows[0].Width)
	}
	out := FeatureArray{Beats: n, Height: r.height, Width: r.width}
	out.Values = make([]float32, 0, n*r.height*r.width)
	for _, row := range rows {
		if int(row.Height) != r.height || int(row.Width) != r.width || len(row.Scalogram) != r.height*r.width {
			return FeatureArray{}, fmt.Errorf("%w: beat %d has [%d %d] with %d values, want [%d %d]",
				ErrShape, row.BeatIndex, row.Height, row.Width, len(row.Scalogram), r.height, r.width)
		}
		out.Values = append(out.Values, row.Scalogram...)
	}
	return out, nil
}

// Close releases the reader and the underlying file.
func (r *FeatureReader) Close() error {
	r.pr.ReadStop()
	return r.file.Close()
}

// ReadFeatures loads a whole feature container into memory.
func ReadFeatures(path string) (FeatureArray, error) {
	fr, err := OpenFeatures(path)
	if err != nil {
		return FeatureArray{}, err
	}
	defer fr.Close()

	var all FeatureArray
	for {
		chunk, err := fr.ReadChunk(512)
		if err == io.EOF {
			break
		}
		if err != nil {
			return FeatureArray{}, err
		}
		all.Height, all.Width = chunk.Height, chunk.Width
		all.Beats += chunk.Beats
		all.Values = append(all.Values, chunk.Values...)
	}
	return all, nil
}
