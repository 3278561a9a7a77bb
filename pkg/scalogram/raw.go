package scalogram

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// SignalExt is the suffix of a record's sample file.
	SignalExt = ".csv"
	// AnnotationExt is the suffix of a record's beat annotation file.
	AnnotationExt = ".ann.csv"
)

// AAMIClasses maps beat annotation symbols onto the five AAMI classes
// N=0, S=1, V=2, F=3, Q=4. Symbols not listed are not beats.
var AAMIClasses = map[string]int{
	"N": 0, "L": 0, "R": 0, "e": 0, "j": 0, "n": 0, "B": 0,
	"A": 1, "a": 1, "J": 1, "S": 1,
	"V": 2, "E": 2,
	"F": 3,
	"/": 4, "f": 4, "Q": 4, "?": 4,
}

// ClassNames are the AAMI class labels indexed by class code.
var ClassNames = []string{"N", "S", "V", "F", "Q"}

// Annotation is one annotated sample position.
type Annotation struct {
	Sample int
	Symbol string
}

// SignalPath is the sample file of record in dir.
func SignalPath(dir, record string) string {
	return filepath.Join(dir, record+SignalExt)
}

// AnnotationPath is the annotation file of record in dir.
func AnnotationPath(dir, record string) string {
	return filepath.Join(dir, record+AnnotationExt)
}

// ReadSignal loads the first column of a sample CSV. A non-numeric first
// row is treated as a header.
func ReadSignal(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	var signal []float64
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(row) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		signal = append(signal, v)
	}
	return signal, nil
}

// ReadAnnotations loads a sample,symbol CSV. A non-numeric first row is
// treated as a header.
func ReadAnnotations(path string) ([]Annotation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var anns []Annotation
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("%s line %d: want sample,symbol", path, line)
		}
		sample, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		anns = append(anns, Annotation{Sample: sample, Symbol: strings.TrimSpace(row[1])})
	}
	return anns, nil
}
