package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// IndexFile is the metadata index name inside the preprocessed directory.
const IndexFile = "metadata.json"

// ErrMissingMetadata is returned when the beat metadata index cannot be found.
var ErrMissingMetadata = errors.New("metadata index not found")

// BeatMeta is one entry of the beat metadata index.
// BeatIndex is the row of the beat inside its record's feature container.
type BeatMeta struct {
	RecordName string `json:"record_name"`
	BeatIndex  int    `json:"beat_index"`
	Label      int    `json:"label"`
}

// IndexPath is where the metadata index of a preprocessed directory lives.
func IndexPath(dir string) string {
	return filepath.Join(dir, IndexFile)
}

// LoadIndex reads the JSON metadata index written by preprocessing.
func LoadIndex(path string) ([]BeatMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s: run preprocess first", ErrMissingMetadata, path)
		}
		return nil, fmt.Errorf("failed to read metadata index: %w", err)
	}

	var entries []BeatMeta
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse metadata index %s: %w", path, err)
	}
	return entries, nil
}

// SaveIndex writes the index sorted by (record_name, beat_index).
func SaveIndex(path string, entries []BeatMeta) error {
	sorted := append([]BeatMeta(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RecordName != sorted[j].RecordName {
			return sorted[i].RecordName < sorted[j].RecordName
		}
		return sorted[i].BeatIndex < sorted[j].BeatIndex
	})

	data, err := json.MarshalIndent(sorted, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata index: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename metadata index: %w", err)
	}
	return nil
}

// GroupByRecord buckets entries by record, each bucket sorted by beat index.
// Label sequencing depends on that order.
func GroupByRecord(entries []BeatMeta) map[string][]BeatMeta {
	groups := make(map[string][]BeatMeta)
	for _, e := range entries {
		groups[e.RecordName] = append(groups[e.RecordName], e)
	}
	for name := range groups {
		SortBeats(groups[name])
	}
	return groups
}

// SortBeats orders a record's entries by beat index in place.
func SortBeats(beats []BeatMeta) {
	sort.SliceStable(beats, func(i, j int) bool { return beats[i].BeatIndex < beats[j].BeatIndex })
}

// RecordNames returns the sorted set of record names present in entries.
func RecordNames(entries []BeatMeta) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, e := range entries {
		if _, ok := seen[e.RecordName]; ok {
			continue
		}
		seen[e.RecordName] = struct{}{}
		names = append(names, e.RecordName)
	}
	sort.Strings(names)
	return names
}

// Labels extracts the label column of already sorted beats.
func Labels(beats []BeatMeta) []int32 {
	labels := make([]int32, len(beats))
	for i, b := range beats {
		labels[i] = int32(b.Label)
	}
	return labels
}
