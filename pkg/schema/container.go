package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/apache/arrow/go/arrow"
	"github.com/apache/arrow/go/arrow/array"
	"github.com/apache/arrow/go/arrow/ipc"
	"github.com/apache/arrow/go/arrow/memory"
)

// ContainerExt is the extension of per-record sequence-batch containers.
const ContainerExt = ".arrow"

// ErrCorruptEntry marks an entry whose payload does not match its shape fields.
var ErrCorruptEntry = errors.New("corrupt sequence-batch entry")

// BatchEntry is one chunk of up to BATCH_SIZE_PER_CHUNK windows from a single
// record. SequencesRaw holds little-endian float32 values laid out as
// [NumInBatch, SequenceLen, Height, Width]; LabelsRaw holds little-endian int32.
type BatchEntry struct {
	NumInBatch   int64
	SequenceLen  int64
	Height       int64
	Width        int64
	SequencesRaw []byte
	LabelsRaw    []byte
}

// GetBatchEntryArrowSchema returns the Arrow schema of a sequence-batch entry
func GetBatchEntryArrowSchema() *arrow.Schema {
	md := arrow.NewMetadata([]string{"format", "version"}, []string{"ecgseq.sequence-batch", "1"})
	return arrow.NewSchema([]arrow.Field{
		{Name: "num_in_batch", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "sequence_len", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "height", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "width", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "sequences_raw", Type: arrow.BinaryTypes.Binary, Nullable: false},
		{Name: "labels_raw", Type: arrow.BinaryTypes.Binary, Nullable: false},
	}, &md)
}

// ContainerPath is where a record's sequence-batch container lives inside dir.
func ContainerPath(dir, record string) string {
	return filepath.Join(dir, record+ContainerExt)
}

// Validate checks the payload sizes against the shape fields.
func (e BatchEntry) Validate() error {
	if e.NumInBatch <= 0 || e.SequenceLen <= 0 || e.Height <= 0 || e.Width <= 0 {
		return fmt.Errorf("%w: shape [%d %d %d %d]", ErrCorruptEntry, e.NumInBatch, e.SequenceLen, e.Height, e.Width)
	}
	want := e.NumInBatch * e.SequenceLen * e.Height * e.Width * 4
	if int64(len(e.SequencesRaw)) != want {
		return fmt.Errorf("%w: sequences_raw has %d bytes, shape needs %d", ErrCorruptEntry, len(e.SequencesRaw), want)
	}
	if int64(len(e.LabelsRaw)) != e.NumInBatch*4 {
		return fmt.Errorf("%w: labels_raw has %d bytes, shape needs %d", ErrCorruptEntry, len(e.LabelsRaw), e.NumInBatch*4)
	}
	return nil
}

// WindowSize is the number of float32 values in one window.
func (e BatchEntry) WindowSize() int {
	return int(e.SequenceLen * e.Height * e.Width)
}

// Sequences decodes SequencesRaw.
func (e BatchEntry) Sequences() ([]float32, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return DecodeFloat32(e.SequencesRaw), nil
}

// Labels decodes LabelsRaw.
func (e BatchEntry) Labels() ([]int32, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return DecodeInt32(e.LabelsRaw), nil
}

// EncodeFloat32 serializes values as little-endian IEEE 754.
func EncodeFloat32(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeFloat32 is the inverse of EncodeFloat32.
func DecodeFloat32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// EncodeInt32 serializes values as little-endian int32.
func EncodeInt32(values []int32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return buf
}

// DecodeInt32 is the inverse of EncodeInt32.
func DecodeInt32(raw []byte) []int32 {
	out := make([]int32, len(raw)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// ContainerWriter appends entries to an Arrow IPC stream, one record batch
// per entry.
type ContainerWriter struct {
	file *os.File
	w    *ipc.Writer
	mem  memory.Allocator
	n    int
}

// CreateContainer truncates path and prepares it for entries.
func CreateContainer(path string) (*ContainerWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	mem := memory.NewGoAllocator()
	w := ipc.NewWriter(file, ipc.WithSchema(GetBatchEntryArrowSchema()), ipc.WithAllocator(mem))
	return &ContainerWriter{file: file, w: w, mem: mem}, nil
}

// Write appends one entry.
func (cw *ContainerWriter) Write(e BatchEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	rec := batchEntryToArrowRecord(e, cw.mem)
	defer rec.Release()

	if err := cw.w.Write(rec); err != nil {
		return fmt.Errorf("failed to write entry %d: %w", cw.n, err)
	}
	cw.n++
	return nil
}

// Entries is the number of entries written so far.
func (cw *ContainerWriter) Entries() int { return cw.n }

// Close flushes the stream footer and closes the file.
func (cw *ContainerWriter) Close() error {
	werr := cw.w.Close()
	ferr := cw.file.Close()
	if werr != nil {
		return fmt.Errorf("failed to close container stream: %w", werr)
	}
	return ferr
}

func batchEntryToArrowRecord(e BatchEntry, mem memory.Allocator) array.Record {
	schema := GetBatchEntryArrowSchema()

	ints := make([]*array.Int64Builder, 4)
	for i := range ints {
		ints[i] = array.NewInt64Builder(mem)
		defer ints[i].Release()
	}
	ints[0].Append(e.NumInBatch)
	ints[1].Append(e.SequenceLen)
	ints[2].Append(e.Height)
	ints[3].Append(e.Width)

	seqBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer seqBuilder.Release()
	seqBuilder.Append(e.SequencesRaw)

	labelBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer labelBuilder.Release()
	labelBuilder.Append(e.LabelsRaw)

	var cols []array.Interface
	for _, b := range ints {
		cols = append(cols, b.NewArray())
	}
	cols = append(cols, seqBuilder.NewArray(), labelBuilder.NewArray())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(schema, cols, 1)
}

// ContainerReader yields entries from a container one at a time.
type ContainerReader struct {
	file *os.File
	r    *ipc.Reader
	row  int
	cur  array.Record
}

// OpenContainer opens path for sequential entry reads.
func OpenContainer(path string) (*ContainerReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	r, err := ipc.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read container header %s: %w", path, err)
	}
	return &ContainerReader{file: file, r: r}, nil
}

// Next returns the next entry, or io.EOF after the last one.
func (cr *ContainerReader) Next() (BatchEntry, error) {
	for cr.cur == nil || cr.row >= int(cr.cur.NumRows()) {
		if !cr.r.Next() {
			if err := cr.r.Err(); err != nil {
				return BatchEntry{}, fmt.Errorf("failed to read container: %w", err)
			}
			return BatchEntry{}, io.EOF
		}
		cr.cur = cr.r.Record()
		cr.row = 0
	}

	e, err := arrowRowToBatchEntry(cr.cur, cr.row)
	cr.row++
	if err != nil {
		return BatchEntry{}, err
	}
	return e, e.Validate()
}

func arrowRowToBatchEntry(rec array.Record, row int) (BatchEntry, error) {
	if rec.NumCols() != 6 {
		return BatchEntry{}, fmt.Errorf("%w: %d columns", ErrCorruptEntry, rec.NumCols())
	}
	num, ok0 := rec.Column(0).(*array.Int64)
	seqLen, ok1 := rec.Column(1).(*array.Int64)
	height, ok2 := rec.Column(2).(*array.Int64)
	width, ok3 := rec.Column(3).(*array.Int64)
	seqs, ok4 := rec.Column(4).(*array.Binary)
	labels, ok5 := rec.Column(5).(*array.Binary)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5) {
		return BatchEntry{}, fmt.Errorf("%w: unexpected column types", ErrCorruptEntry)
	}

	// The reader reuses buffers between batches, so payloads are copied.
	return BatchEntry{
		NumInBatch:   num.Value(row),
		SequenceLen:  seqLen.Value(row),
		Height:       height.Value(row),
		Width:        width.Value(row),
		SequencesRaw: append([]byte(nil), seqs.Value(row)...),
		LabelsRaw:    append([]byte(nil), labels.Value(row)...),
	}, nil
}

// Close releases the reader and the file.
func (cr *ContainerReader) Close() error {
	cr.r.Release()
	return cr.file.Close()
}

// ReadContainer loads every entry of a container.
func ReadContainer(path string) ([]BatchEntry, error) {
	cr, err := OpenContainer(path)
	if err != nil {
		return nil, err
	}
	defer cr.Close()

	var entries []BatchEntry
	for {
		e, err := cr.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}
