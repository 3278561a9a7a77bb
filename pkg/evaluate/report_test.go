package evaluate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	truth := []int32{0, 0, 0, 1, 1, 2}
	pred := []int32{0, 0, 1, 1, 0, 2}

	r, err := Evaluate(truth, pred, []string{"N", "S", "V"})
	require.NoError(t, err)

	assert.Equal(t, []int32{0, 1, 2}, r.Classes)
	assert.Equal(t, [][]int{{2, 1, 0}, {1, 1, 0}, {0, 0, 1}}, r.Confusion)
	assert.InDelta(t, 4.0/6, r.Accuracy, 1e-12)

	n := r.PerClass[0]
	assert.Equal(t, "N", n.Name)
	assert.InDelta(t, 2.0/3, n.Precision, 1e-12)
	assert.InDelta(t, 2.0/3, n.Recall, 1e-12)
	assert.InDelta(t, 2.0/3, n.F1, 1e-12)
	assert.Equal(t, 3, n.Support)

	s := r.PerClass[1]
	assert.InDelta(t, 0.5, s.Precision, 1e-12)
	assert.InDelta(t, 0.5, s.Recall, 1e-12)

	v := r.PerClass[2]
	assert.InDelta(t, 1.0, v.F1, 1e-12)

	assert.InDelta(t, (2.0/3+0.5+1)/3, r.Macro.Precision, 1e-12)
	assert.InDelta(t, (2.0/3*3+0.5*2+1)/6, r.Weighted.Recall, 1e-12)
}

func TestEvaluatePredictedOnlyClass(t *testing.T) {
	r, err := Evaluate([]int32{0, 0}, []int32{0, 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 4}, r.Classes)
	assert.Equal(t, "4", r.PerClass[1].Name)
	assert.Zero(t, r.PerClass[1].Support)
	assert.Zero(t, r.PerClass[1].Precision)
	assert.Zero(t, r.PerClass[1].F1)
}

func TestEvaluateLengthMismatch(t *testing.T) {
	_, err := Evaluate([]int32{0}, nil, nil)
	assert.ErrorIs(t, err, ErrLength)
}

func TestReportFiles(t *testing.T) {
	r, err := Evaluate([]int32{0, 1}, []int32{0, 1}, []string{"N", "S"})
	require.NoError(t, err)
	text := r.String()
	assert.Contains(t, text, "precision")
	assert.Contains(t, text, "weighted avg")
	assert.Contains(t, text, "confusion matrix")

	dir := t.TempDir()
	require.NoError(t, r.SaveText(filepath.Join(dir, "classification_report.txt")))
	require.NoError(t, r.SaveJSON(filepath.Join(dir, "report.json")))

	pp := filepath.Join(dir, "pred.json")
	require.NoError(t, os.WriteFile(pp, []byte("[0, 1, 4]"), 0644))
	pred, err := LoadPredictions(pp)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 4}, pred)
}
