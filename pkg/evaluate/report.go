package evaluate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

// ErrLength is returned when predictions do not line up with the truth.
var ErrLength = errors.New("label and prediction counts differ")

// ClassMetrics are the scores of one class.
type ClassMetrics struct {
	Class     int32   `json:"class"`
	Name      string  `json:"name"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Average is a precision/recall/F1 triple.
type Average struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Report summarizes predictions aligned index-for-index with true labels.
type Report struct {
	Classes   []int32        `json:"classes"`
	Confusion [][]int        `json:"confusion_matrix"`
	PerClass  []ClassMetrics `json:"per_class"`
	Accuracy  float64        `json:"accuracy"`
	Macro     Average        `json:"macro_avg"`
	Weighted  Average        `json:"weighted_avg"`
	Total     int            `json:"total"`
}

// Evaluate builds a report. Classes are the union of codes seen in either
// slice; names label them where a name exists for the code.
func Evaluate(truth, pred []int32, names []string) (*Report, error) {
	if len(truth) != len(pred) {
		return nil, fmt.Errorf("%w: %d labels, %d predictions", ErrLength, len(truth), len(pred))
	}

	seen := make(map[int32]struct{})
	for _, l := range truth {
		seen[l] = struct{}{}
	}
	for _, l := range pred {
		seen[l] = struct{}{}
	}
	classes := make([]int32, 0, len(seen))
	for c := range seen {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	pos := make(map[int32]int, len(classes))
	for i, c := range classes {
		pos[c] = i
	}

	r := &Report{Classes: classes, Total: len(truth), Confusion: make([][]int, len(classes))}
	for i := range r.Confusion {
		r.Confusion[i] = make([]int, len(classes))
	}
	correct := 0
	for i := range truth {
		r.Confusion[pos[truth[i]]][pos[pred[i]]]++
		if truth[i] == pred[i] {
			correct++
		}
	}
	if r.Total > 0 {
		r.Accuracy = float64(correct) / float64(r.Total)
	}

	for i, c := range classes {
		tp := r.Confusion[i][i]
		var predicted, support int
		for j := range classes {
			predicted += r.Confusion[j][i]
			support += r.Confusion[i][j]
		}
		m := ClassMetrics{
			Class:     c,
			Name:      className(c, names),
			Precision: ratio(tp, predicted),
			Recall:    ratio(tp, support),
			Support:   support,
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		r.PerClass = append(r.PerClass, m)

		n := float64(len(classes))
		r.Macro.Precision += m.Precision / n
		r.Macro.Recall += m.Recall / n
		r.Macro.F1 += m.F1 / n
		if r.Total > 0 {
			w := float64(support) / float64(r.Total)
			r.Weighted.Precision += m.Precision * w
			r.Weighted.Recall += m.Recall * w
			r.Weighted.F1 += m.F1 * w
		}
	}
	return r, nil
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func className(c int32, names []string) string {
	if c >= 0 && int(c) < len(names) {
		return names[c]
	}
	return fmt.Sprint(c)
}

// String renders the report as a classification table followed by the
// confusion matrix.
func (r *Report) String() string {
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tprecision\trecall\tf1-score\tsupport\t")
	for _, m := range r.PerClass {
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%d\t\n", m.Name, m.Precision, m.Recall, m.F1, m.Support)
	}
	fmt.Fprintln(tw, "\t\t\t\t\t")
	fmt.Fprintf(tw, "accuracy\t\t\t%.4f\t%d\t\n", r.Accuracy, r.Total)
	fmt.Fprintf(tw, "macro avg\t%.4f\t%.4f\t%.4f\t%d\t\n", r.Macro.Precision, r.Macro.Recall, r.Macro.F1, r.Total)
	fmt.Fprintf(tw, "weighted avg\t%.4f\t%.4f\t%.4f\t%d\t\n", r.Weighted.Precision, r.Weighted.Recall, r.Weighted.F1, r.Total)
	tw.Flush()

	b.WriteString("\nconfusion matrix (rows: true, columns: predicted)\n")
	tw = tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(tw, "\t")
	for _, m := range r.PerClass {
		fmt.Fprintf(tw, "%s\t", m.Name)
	}
	fmt.Fprintln(tw)
	for i, row := range r.Confusion {
		fmt.Fprintf(tw, "%s\t", r.PerClass[i].Name)
		for _, v := range row {
			fmt.Fprintf(tw, "%d\t", v)
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	return b.String()
}

// SaveText writes the text rendering to path.
func (r *Report) SaveText(path string) error {
	return os.WriteFile(path, []byte(r.String()), 0644)
}

// SaveJSON writes the report as indented JSON to path.
func (r *Report) SaveJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadPredictions reads a JSON array of predicted class codes.
func LoadPredictions(path string) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read predictions: %w", err)
	}
	var pred []int32
	if err := json.Unmarshal(data, &pred); err != nil {
		return nil, fmt.Errorf("failed to parse predictions: %w", err)
	}
	return pred, nil
}
