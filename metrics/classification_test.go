package metrics

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellOf(t *testing.T) {
	tests := []struct {
		indication, resolution bool
		want                   Cell
	}{
		{false, false, TrueNegative},
		{true, false, FalsePositive},
		{false, true, FalseNegative},
		{true, true, TruePositive},
	}
	for _, tt := range tests {
		got := CellOf(tt.indication, tt.resolution)
		assert.Equal(t, tt.want, got, "indication=%v resolution=%v", tt.indication, tt.resolution)
		assert.Equal(t, []string{"TN", "FP", "FN", "TP"}[tt.want], got.String())
	}
}

func TestScoreOf(t *testing.T) {
	s := ScoreOf("cache1", Counts{TN: 5, FP: 1, FN: 2, TP: 2})
	assert.Equal(t, 0.7, s.Accuracy)
	assert.Equal(t, 0.5, s.Recall)
	assert.Equal(t, 0.667, s.Precision)
	assert.Equal(t, 0.571, s.F1)
	assert.Equal(t, "cache1", s.Name)
}

func TestScoreOfZeroDenominators(t *testing.T) {
	tests := []struct {
		name   string
		counts Counts
		want   Score
	}{
		{"empty", Counts{}, Score{}},
		{"only negatives", Counts{TN: 4}, Score{Accuracy: 1}},
		{"only false positives", Counts{FP: 3}, Score{}},
		{"only false negatives", Counts{FN: 3}, Score{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ScoreOf(tt.name, tt.counts)
			assert.Equal(t, tt.want.Accuracy, s.Accuracy)
			assert.Equal(t, tt.want.Recall, s.Recall)
			assert.Equal(t, tt.want.Precision, s.Precision)
			assert.Equal(t, tt.want.F1, s.F1)
		})
	}
}

func TestScoreOfRangeAndRounding(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		c := Counts{TN: rng.Intn(20), FP: rng.Intn(20), FN: rng.Intn(20), TP: rng.Intn(20)}
		s := ScoreOf("c", c)
		for _, v := range []float64{s.Accuracy, s.Recall, s.Precision, s.F1} {
			require.False(t, math.IsNaN(v), "counts %+v", c)
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
			require.InDelta(t, v, math.Round(v*1000)/1000, 1e-12, "counts %+v", c)
		}
	}
}

func TestConfusion(t *testing.T) {
	c := NewConfusion([]string{"cache1", MissCache, "cache2", "cache1"})
	assert.Equal(t, []string{"cache1", "cache2", Sum}, c.Names())

	require.NoError(t, c.Record("cache1", TruePositive))
	require.NoError(t, c.Record("cache2", FalsePositive))
	require.NoError(t, c.Record("cache2", TrueNegative))
	assert.ErrorIs(t, c.Record("cache3", TruePositive), ErrUnknownCache)
	assert.ErrorIs(t, c.Record(Sum, TruePositive), ErrUnknownCache)
	assert.ErrorIs(t, c.Record(MissCache, TruePositive), ErrUnknownCache)

	assert.Equal(t, Counts{TP: 1}, c.Counts("cache1"))
	assert.Equal(t, Counts{TN: 1, FP: 1}, c.Counts("cache2"))
	assert.Equal(t, Counts{TN: 1, FP: 1, TP: 1}, c.Counts(Sum))

	other := NewConfusion([]string{"cache1"})
	require.NoError(t, other.Record("cache1", FalseNegative))
	require.NoError(t, c.Merge(other))
	assert.Equal(t, Counts{FN: 1, TP: 1}, c.Counts("cache1"))
	assert.Equal(t, Counts{TN: 1, FP: 1, FN: 1, TP: 1}, c.Counts(Sum))

	assert.ErrorIs(t, other.Merge(c), ErrUnknownCache)

	scores := ClassificationMetrics(c)
	require.Len(t, scores, 3)
	assert.Equal(t, Sum, scores[2].Name)
	assert.Equal(t, 0.5, scores[2].Accuracy)
}
