package analyzer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"ecgseq/internal/logging"
	"ecgseq/pkg/schema"
)

// DefaultChunkSize is the number of beats read per slice.
const DefaultChunkSize = 128

// ErrNoData means no record contributed any value to the fit.
var ErrNoData = errors.New("scaler could not be fitted: no valid training data")

// Stats are the standardization parameters for the innermost feature axis.
type Stats struct {
	Mean    []float32 `json:"mean"`
	Scale   []float32 `json:"scale"`
	Count   int64     `json:"count"`
	Records []string  `json:"records"`
	Skipped []string  `json:"skipped,omitempty"`
}

// FitScaler streams every feature container of records found in dir and
// returns per-column mean and scale. Records whose container is missing,
// unreadable or has no scalogram column are logged and skipped; if none
// contributes data the fit fails with ErrNoData.
func FitScaler(records []string, dir string, chunkSize int, logger *logging.Logger) (*Stats, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = logging.Nop()
	}

	var (
		acc     Moments
		used    []string
		skipped []string
	)
	for _, name := range records {
		next, err := accumulateRecord(acc, schema.FeaturePath(dir, name), chunkSize)
		if err != nil {
			logger.Warn("Could not read %s for scaler stats: %v", name, err)
			skipped = append(skipped, name)
			continue
		}
		if next.Count == acc.Count {
			logger.Debug("Record %s has no beats, skipped", name)
			skipped = append(skipped, name)
			continue
		}
		acc = next
		used = append(used, name)
	}

	if acc.Count == 0 {
		return nil, fmt.Errorf("%w (%d records requested, %d skipped)", ErrNoData, len(records), len(skipped))
	}

	logger.Info("Normalization stats fitted on %d rows from %d records (width=%d)", acc.Count, len(used), acc.Width())
	return &Stats{
		Mean:    toFloat32(acc.Mean),
		Scale:   toFloat32(acc.Scale()),
		Count:   acc.Count,
		Records: used,
		Skipped: skipped,
	}, nil
}

// accumulateRecord folds one record into acc. On any error the caller keeps
// its previous accumulator, so a half-read record never leaks into the fit.
func accumulateRecord(acc Moments, path string, chunkSize int) (Moments, error) {
	fr, err := schema.OpenFeatures(path)
	if err != nil {
		return acc, err
	}
	defer fr.Close()

	for {
		chunk, err := fr.ReadChunk(chunkSize)
		if err == io.EOF {
			return acc, nil
		}
		if err != nil {
			return acc, err
		}
		// [beats, height, width] collapses to [beats*height, width]
		acc, err = acc.Update(chunk.Values, chunk.Width)
		if err != nil {
			return acc, err
		}
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// SaveToFile writes the stats as JSON.
func (s *Stats) SaveToFile(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadStats reads stats written by SaveToFile.
func LoadStats(path string) (*Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats file: %w", err)
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}
	if len(s.Mean) == 0 || len(s.Mean) != len(s.Scale) {
		return nil, fmt.Errorf("%w: stats file %s has mean/scale of length %d/%d", ErrNoData, path, len(s.Mean), len(s.Scale))
	}
	return &s, nil
}
