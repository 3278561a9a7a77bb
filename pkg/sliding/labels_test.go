package sliding

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ecgseq/pkg/schema"
)

func TestSequenceLabelsFromIndex(t *testing.T) {
	index := []schema.BeatMeta{
		// unsorted on purpose
		{RecordName: "A", BeatIndex: 4, Label: 0},
		{RecordName: "B", BeatIndex: 0, Label: 2},
		{RecordName: "A", BeatIndex: 0, Label: 0},
		{RecordName: "A", BeatIndex: 2, Label: 0},
		{RecordName: "B", BeatIndex: 1, Label: 2},
		{RecordName: "A", BeatIndex: 1, Label: 1},
		{RecordName: "B", BeatIndex: 3, Label: 3},
		{RecordName: "A", BeatIndex: 3, Label: 1},
		{RecordName: "B", BeatIndex: 2, Label: 3},
		{RecordName: "C", BeatIndex: 0, Label: 4},
	}
	gen := NewGenerator(3, 1)

	assert.Equal(t, []int32{0, 1, 0, 3, 3}, gen.SequenceLabels(index, []string{"A", "B"}))
	assert.Equal(t, []int32{3, 3, 0, 1, 0}, gen.SequenceLabels(index, []string{"B", "A"}))
	assert.Empty(t, gen.SequenceLabels(index, []string{"C", "missing"}))
}

func TestSteps(t *testing.T) {
	assert.Equal(t, 1, Steps(0, 128))
	assert.Equal(t, 1, Steps(128, 128))
	assert.Equal(t, 2, Steps(129, 128))
	assert.Equal(t, 3, Steps(5, 2))
}

func TestClassWeights(t *testing.T) {
	w := ClassWeights([]int32{0, 0, 0, 1})
	assert.InDelta(t, 4.0/(2*3), w[0], 1e-12)
	assert.InDelta(t, 4.0/(2*1), w[1], 1e-12)
	assert.Empty(t, ClassWeights(nil))
	assert.Equal(t, []int32{0, 2, 5}, Classes([]int32{5, 0, 2, 0}))
}
