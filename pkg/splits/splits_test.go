package splits

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a'+i/26)) + string(rune('a'+i%26))
	}
	return out
}

func sorted(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func TestTrainTestSplit(t *testing.T) {
	records := names(45)
	train, test, err := TrainTestSplit(records, 0.15, 42)
	require.NoError(t, err)

	assert.Len(t, test, 7)
	assert.Len(t, train, 38)
	assert.Equal(t, records, sorted(append(append([]string(nil), train...), test...)))

	train2, test2, err := TrainTestSplit(records, 0.15, 42)
	require.NoError(t, err)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)
}

func TestTrainTestSplitErrors(t *testing.T) {
	_, _, err := TrainTestSplit(names(10), 0, 1)
	assert.Error(t, err)
	_, _, err = TrainTestSplit(names(10), 1, 1)
	assert.Error(t, err)
	_, _, err = TrainTestSplit(names(1), 0.5, 1)
	assert.ErrorIs(t, err, ErrTooFewRecords)
}

func TestKFold(t *testing.T) {
	records := names(38)
	folds, err := KFold(records, 5, 42)
	require.NoError(t, err)
	require.Len(t, folds, 5)

	sizes := []int{8, 8, 8, 7, 7}
	var allVal []string
	for i, f := range folds {
		assert.Equal(t, i, f.Index)
		assert.Len(t, f.Validation, sizes[i])
		assert.Len(t, f.Train, len(records)-sizes[i])
		assert.Equal(t, records, sorted(append(append([]string(nil), f.Train...), f.Validation...)))
		assert.True(t, sort.StringsAreSorted(f.Validation), "validation keeps input order")
		allVal = append(allVal, f.Validation...)
	}
	// every record is validated exactly once
	assert.Equal(t, records, sorted(allVal))
}

func TestKFoldErrors(t *testing.T) {
	_, err := KFold(names(10), 1, 0)
	assert.Error(t, err)
	_, err = KFold(names(3), 5, 0)
	assert.ErrorIs(t, err, ErrTooFewRecords)
}

func TestPlanSaveLoad(t *testing.T) {
	plan, err := NewPlan(names(45), 0.15, 5, 42)
	require.NoError(t, err)
	_, err = uuid.Parse(plan.RunID)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "run")
	path, err := plan.Save(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, plan.RunID, loaded.RunID)
	assert.Equal(t, plan.KFoldRecords, loaded.KFoldRecords)
	assert.Equal(t, plan.FinalTestRecords, loaded.FinalTestRecords)
	assert.Equal(t, plan.Folds, loaded.Folds)

	f, err := loaded.Fold(2, 5)
	require.NoError(t, err)
	assert.Equal(t, plan.Folds[2], f)
	_, err = loaded.Fold(5, 5)
	assert.Error(t, err)
}

func TestLoadLegacyPlan(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"kfold_records": ["100","101","102","103","104"], "final_test_records": ["105"]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(legacy), 0644))

	plan, err := Load(filepath.Join(dir, FileName))
	require.NoError(t, err)
	fold, err := plan.Fold(0, 5)
	require.NoError(t, err)
	assert.Len(t, fold.Validation, 1)
	assert.Len(t, fold.Train, 4)
}

func TestLoadRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`{}`), 0644))
	_, err := Load(dir)
	assert.ErrorIs(t, err, ErrTooFewRecords)
}
