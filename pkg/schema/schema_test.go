package schema

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

func sampleArray(beats, height, width int) FeatureArray {
	arr := NewFeatureArray(beats, height, width)
	for i := range arr.Values {
		arr.Values[i] = float32(i) * 0.25
	}
	return arr
}

func TestIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	entries := []BeatMeta{
		{RecordName: "B", BeatIndex: 1, Label: 2},
		{RecordName: "A", BeatIndex: 1, Label: 1},
		{RecordName: "A", BeatIndex: 0, Label: 0},
	}
	require.NoError(t, SaveIndex(path, entries))

	loaded, err := LoadIndex(path)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, BeatMeta{RecordName: "A", BeatIndex: 0, Label: 0}, loaded[0])
	assert.Equal(t, "B", loaded[2].RecordName)
}

func TestLoadIndexMissing(t *testing.T) {
	_, err := LoadIndex(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, ErrMissingMetadata)
}

func TestGroupByRecordSortsBeats(t *testing.T) {
	groups := GroupByRecord([]BeatMeta{
		{RecordName: "A", BeatIndex: 2, Label: 7},
		{RecordName: "A", BeatIndex: 0, Label: 5},
		{RecordName: "A", BeatIndex: 1, Label: 6},
		{RecordName: "C", BeatIndex: 0, Label: 1},
	})
	assert.Equal(t, []int32{5, 6, 7}, Labels(groups["A"]))
	assert.Equal(t, []string{"A", "C"}, RecordNames([]BeatMeta{{RecordName: "C"}, {RecordName: "A"}, {RecordName: "C"}}))
}

func TestFeatureContainerChunkedReads(t *testing.T) {
	path := FeaturePath(t.TempDir(), "100")
	arr := sampleArray(5, 2, 3)
	require.NoError(t, WriteFeatures(path, arr))

	fr, err := OpenFeatures(path)
	require.NoError(t, err)
	defer fr.Close()
	assert.Equal(t, 5, fr.NumBeats())

	var sizes []int
	var values []float32
	for {
		chunk, err := fr.ReadChunk(2)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, chunk.Beats)
		assert.Equal(t, 2, chunk.Height)
		assert.Equal(t, 3, chunk.Width)
		values = append(values, chunk.Values...)
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, arr.Values, values)
}

func TestReadFeaturesWhole(t *testing.T) {
	path := FeaturePath(t.TempDir(), "101")
	arr := sampleArray(3, 4, 2)
	require.NoError(t, WriteFeatures(path, arr))

	got, err := ReadFeatures(path)
	require.NoError(t, err)
	assert.Equal(t, arr, got)
}

type sampleRow struct {
	Sample int32 `parquet:"name=sample, type=INT32"`
}

func TestOpenFeaturesWithoutScalogramColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.parquet")
	fw, err := local.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := writer.NewParquetWriter(fw, new(sampleRow), 1)
	require.NoError(t, err)
	require.NoError(t, pw.Write(sampleRow{Sample: 7}))
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())

	_, err = OpenFeatures(path)
	assert.ErrorIs(t, err, ErrNoDataset)

	_, err = ReadFeatures(path)
	assert.ErrorIs(t, err, ErrNoDataset)
}

func TestWriteFeaturesRejectsBadShape(t *testing.T) {
	arr := FeatureArray{Beats: 2, Height: 2, Width: 2, Values: make([]float32, 7)}
	err := WriteFeatures(filepath.Join(t.TempDir(), "x.parquet"), arr)
	assert.ErrorIs(t, err, ErrShape)
}

func TestRawCodecs(t *testing.T) {
	f := []float32{0, -1.5, 3.25, 1e-7}
	assert.Equal(t, f, DecodeFloat32(EncodeFloat32(f)))
	i := []int32{0, 4, -3, 2147483647}
	assert.Equal(t, i, DecodeInt32(EncodeInt32(i)))
	// little-endian layout
	assert.Equal(t, []byte{4, 0, 0, 0}, EncodeInt32([]int32{4}))
}

func entry(n, seqLen, h, w int, base float32, firstLabel int32) BatchEntry {
	vals := make([]float32, n*seqLen*h*w)
	for i := range vals {
		vals[i] = base + float32(i)
	}
	labels := make([]int32, n)
	for i := range labels {
		labels[i] = firstLabel + int32(i)
	}
	return BatchEntry{
		NumInBatch:   int64(n),
		SequenceLen:  int64(seqLen),
		Height:       int64(h),
		Width:        int64(w),
		SequencesRaw: EncodeFloat32(vals),
		LabelsRaw:    EncodeInt32(labels),
	}
}

func TestContainerRoundTrip(t *testing.T) {
	path := ContainerPath(t.TempDir(), "200")
	written := []BatchEntry{entry(2, 3, 2, 2, 0, 0), entry(1, 3, 2, 2, 100, 9)}

	cw, err := CreateContainer(path)
	require.NoError(t, err)
	for _, e := range written {
		require.NoError(t, cw.Write(e))
	}
	assert.Equal(t, 2, cw.Entries())
	require.NoError(t, cw.Close())

	got, err := ReadContainer(path)
	require.NoError(t, err)
	require.Equal(t, written, got)

	labels, err := got[1].Labels()
	require.NoError(t, err)
	assert.Equal(t, []int32{9}, labels)
	seqs, err := got[1].Sequences()
	require.NoError(t, err)
	assert.Len(t, seqs, got[1].WindowSize())
	assert.Equal(t, float32(100), seqs[0])
}

func TestContainerWriteRejectsCorruptEntry(t *testing.T) {
	cw, err := CreateContainer(filepath.Join(t.TempDir(), "bad.arrow"))
	require.NoError(t, err)
	defer cw.Close()

	bad := entry(2, 3, 2, 2, 0, 0)
	bad.LabelsRaw = bad.LabelsRaw[:4]
	assert.ErrorIs(t, cw.Write(bad), ErrCorruptEntry)
}

func TestOpenContainerGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.arrow")
	require.NoError(t, os.WriteFile(path, []byte("not arrow"), 0644))
	_, err := OpenContainer(path)
	assert.Error(t, err)
}
