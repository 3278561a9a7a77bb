package analyzer

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"

	"ecgseq/pkg/schema"
)

func randomArray(rng *rand.Rand, beats, height, width int) schema.FeatureArray {
	arr := schema.NewFeatureArray(beats, height, width)
	for i := range arr.Values {
		col := i % width
		arr.Values[i] = float32(rng.NormFloat64()*float64(col+1) + float64(col)*10)
	}
	return arr
}

// naiveStats is a two-pass reference over the flattened values.
func naiveStats(values []float32, width int) (mean, scale []float64) {
	rows := len(values) / width
	mean = make([]float64, width)
	for i, v := range values {
		mean[i%width] += float64(v)
	}
	for j := range mean {
		mean[j] /= float64(rows)
	}
	scale = make([]float64, width)
	for i, v := range values {
		d := float64(v) - mean[i%width]
		scale[i%width] += d * d
	}
	for j := range scale {
		scale[j] = math.Sqrt(scale[j] / float64(rows))
	}
	return mean, scale
}

func assertClose(t *testing.T, want []float64, got []float32, rel float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		tol := rel * math.Max(1, math.Abs(want[i]))
		assert.InDelta(t, want[i], float64(got[i]), tol, "column %d", i)
	}
}

func TestMomentsUpdateIsChunkInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	arr := randomArray(rng, 40, 3, 5)
	whole, err := Moments{}.Update(arr.Values, 5)
	require.NoError(t, err)

	var pieces Moments
	for start := 0; start < len(arr.Values); start += 5 * 7 {
		end := start + 5*7
		if end > len(arr.Values) {
			end = len(arr.Values)
		}
		pieces, err = pieces.Update(arr.Values[start:end], 5)
		require.NoError(t, err)
	}

	assert.Equal(t, whole.Count, pieces.Count)
	for j := 0; j < 5; j++ {
		assert.InDelta(t, whole.Mean[j], pieces.Mean[j], 1e-9)
		assert.InDelta(t, whole.M2[j], pieces.M2[j], 1e-6*math.Max(1, whole.M2[j]))
	}
}

func TestMomentsUpdateDoesNotMutateReceiver(t *testing.T) {
	first, err := Moments{}.Update([]float32{1, 2, 3, 4}, 2)
	require.NoError(t, err)
	meanBefore := append([]float64(nil), first.Mean...)

	_, err = first.Update([]float32{100, 200}, 2)
	require.NoError(t, err)
	assert.Equal(t, meanBefore, first.Mean)
	assert.Equal(t, int64(2), first.Count)
}

func TestMomentsUpdateErrors(t *testing.T) {
	_, err := Moments{}.Update([]float32{1, 2, 3}, 2)
	assert.Error(t, err)

	m, err := Moments{}.Update([]float32{1, 2}, 2)
	require.NoError(t, err)
	_, err = m.Update([]float32{1, 2, 3}, 3)
	assert.Error(t, err)

	_, err = m.Update(nil, 0)
	assert.Error(t, err)
}

func TestScaleOfConstantColumnIsOne(t *testing.T) {
	m, err := Moments{}.Update([]float32{5, 1, 5, 3}, 2)
	require.NoError(t, err)
	scale := m.Scale()
	assert.Equal(t, 1.0, scale[0])
	assert.InDelta(t, 1.0, scale[1], 1e-12)
}

func writeRecords(t *testing.T, dir string, arrays map[string]schema.FeatureArray) {
	t.Helper()
	for name, arr := range arrays {
		require.NoError(t, schema.WriteFeatures(schema.FeaturePath(dir, name), arr))
	}
}

func TestFitScalerChunkSizesAgree(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(11))
	a := randomArray(rng, 30, 4, 6)
	b := randomArray(rng, 13, 4, 6)
	writeRecords(t, dir, map[string]schema.FeatureArray{"A": a, "B": b})

	all := append(append([]float32(nil), a.Values...), b.Values...)
	wantMean, wantScale := naiveStats(all, 6)

	for _, chunk := range []int{1, 17, 43} {
		stats, err := FitScaler([]string{"A", "B"}, dir, chunk, nil)
		require.NoError(t, err, "chunk %d", chunk)
		assert.Equal(t, int64(43*4), stats.Count)
		assertClose(t, wantMean, stats.Mean, 1e-5)
		assertClose(t, wantScale, stats.Scale, 1e-5)
		assert.Equal(t, []string{"A", "B"}, stats.Records)
	}
}

type foreignRow struct {
	Sample int32 `parquet:"name=sample, type=INT32"`
}

// writeForeignParquet writes a valid parquet file that lacks the scalogram column.
func writeForeignParquet(t *testing.T, path string) {
	t.Helper()
	fw, err := local.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := writer.NewParquetWriter(fw, new(foreignRow), 1)
	require.NoError(t, err)
	require.NoError(t, pw.Write(foreignRow{Sample: 1}))
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())
}

func TestFitScalerSkipsMissingRecords(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(5))
	a := randomArray(rng, 8, 2, 3)
	writeRecords(t, dir, map[string]schema.FeatureArray{"A": a})
	writeForeignParquet(t, filepath.Join(dir, "broken.parquet"))

	stats, err := FitScaler([]string{"missing", "A", "broken"}, dir, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, stats.Records)
	assert.ElementsMatch(t, []string{"missing", "broken"}, stats.Skipped)

	wantMean, _ := naiveStats(a.Values, 3)
	assertClose(t, wantMean, stats.Mean, 1e-5)
}

func TestFitScalerNoDataIsFatal(t *testing.T) {
	_, err := FitScaler([]string{"x", "y"}, t.TempDir(), 8, nil)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = FitScaler(nil, t.TempDir(), 8, nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestStatsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	s := &Stats{Mean: []float32{1, 2}, Scale: []float32{0.5, 3}, Count: 10, Records: []string{"A"}}
	require.NoError(t, s.SaveToFile(path))

	loaded, err := LoadStats(path)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)

	require.NoError(t, os.WriteFile(path, []byte(`{"mean":[1],"scale":[]}`), 0644))
	_, err = LoadStats(path)
	assert.ErrorIs(t, err, ErrNoData)
}
