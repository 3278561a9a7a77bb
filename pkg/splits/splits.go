package splits

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileName is the plan's name inside a run directory.
const FileName = "data_splits.json"

// ErrTooFewRecords is returned when a split cannot leave every side non-empty.
var ErrTooFewRecords = errors.New("too few records to split")

// Fold is one train/validation partition of the k-fold records.
type Fold struct {
	Index      int      `json:"index"`
	Train      []string `json:"train_records"`
	Validation []string `json:"validation_records"`
}

// Plan is the record-level split of one experiment run.
type Plan struct {
	RunID            string    `json:"run_id"`
	CreatedAt        time.Time `json:"created_at"`
	Seed             int64     `json:"seed"`
	TestFraction     float64   `json:"test_fraction"`
	KFoldRecords     []string  `json:"kfold_records"`
	FinalTestRecords []string  `json:"final_test_records"`
	Folds            []Fold    `json:"folds"`
}

// TrainTestSplit holds out ceil(n*testFraction) shuffled records for testing.
// Both sides come back in shuffled order.
func TrainTestSplit(records []string, testFraction float64, seed int64) (train, test []string, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction must be in (0,1), got %v", testFraction)
	}
	n := len(records)
	nTest := int(math.Ceil(float64(n) * testFraction))
	if nTest < 1 || nTest >= n {
		return nil, nil, fmt.Errorf("%w: %d records with test fraction %v", ErrTooFewRecords, n, testFraction)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	test = make([]string, 0, nTest)
	train = make([]string, 0, n-nTest)
	for i, p := range perm {
		if i < nTest {
			test = append(test, records[p])
		} else {
			train = append(train, records[p])
		}
	}
	return train, test, nil
}

// KFold partitions records into k shuffled folds. The first n%k folds hold
// one extra record. Train and validation lists keep the input order.
func KFold(records []string, k int, seed int64) ([]Fold, error) {
	n := len(records)
	if k < 2 {
		return nil, fmt.Errorf("k must be at least 2, got %d", k)
	}
	if n < k {
		return nil, fmt.Errorf("%w: %d records for %d folds", ErrTooFewRecords, n, k)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })

	folds := make([]Fold, 0, k)
	start := 0
	for f := 0; f < k; f++ {
		size := n / k
		if f < n%k {
			size++
		}
		inVal := make([]bool, n)
		for _, idx := range indices[start : start+size] {
			inVal[idx] = true
		}
		start += size

		fold := Fold{Index: f}
		for i, r := range records {
			if inVal[i] {
				fold.Validation = append(fold.Validation, r)
			} else {
				fold.Train = append(fold.Train, r)
			}
		}
		folds = append(folds, fold)
	}
	return folds, nil
}

// NewPlan holds out the final test records and folds the rest.
func NewPlan(records []string, testFraction float64, k int, seed int64) (*Plan, error) {
	kfoldRecords, testRecords, err := TrainTestSplit(records, testFraction, seed)
	if err != nil {
		return nil, err
	}
	folds, err := KFold(kfoldRecords, k, seed)
	if err != nil {
		return nil, err
	}
	return &Plan{
		RunID:            uuid.New().String(),
		CreatedAt:        time.Now().UTC(),
		Seed:             seed,
		TestFraction:     testFraction,
		KFoldRecords:     kfoldRecords,
		FinalTestRecords: testRecords,
		Folds:            folds,
	}, nil
}

// Save writes the plan as indented JSON to dir/data_splits.json.
func (p *Plan) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}
	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal splits: %w", err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write splits: %w", err)
	}
	return path, nil
}

// Load reads a plan from a file or from a directory holding data_splits.json.
func Load(path string) (*Plan, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read splits: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse splits: %w", err)
	}
	if len(p.KFoldRecords) == 0 || len(p.FinalTestRecords) == 0 {
		return nil, fmt.Errorf("%w: %s has an empty side", ErrTooFewRecords, path)
	}
	return &p, nil
}

// Fold returns fold i, recomputing the folds from the k-fold records when the
// plan was written without them.
func (p *Plan) Fold(i, k int) (Fold, error) {
	folds := p.Folds
	if len(folds) == 0 {
		var err error
		if folds, err = KFold(p.KFoldRecords, k, p.Seed); err != nil {
			return Fold{}, err
		}
	}
	if i < 0 || i >= len(folds) {
		return Fold{}, fmt.Errorf("fold %d out of range [0,%d)", i, len(folds))
	}
	return folds[i], nil
}
