// Package metrics turns reconciled per-cache outcomes into classification
// scores and monetary cost.
package metrics

import "math"

// Score holds the classification quality of one cache (or the Sum row).
// All values are in [0, 1] and rounded to three decimals.
type Score struct {
	Name      string
	Counts    Counts
	Accuracy  float64
	Recall    float64
	Precision float64
	F1        float64
}

// ScoreOf computes the scores of a single confusion-matrix row.
// Every ratio with a zero denominator is 0.
func ScoreOf(name string, c Counts) Score {
	s := Score{Name: name, Counts: c}
	var precision, recall float64
	if total := c.Total(); total > 0 {
		s.Accuracy = float64(c.TP+c.TN) / float64(total)
	}
	if d := c.TP + c.FN; d > 0 {
		recall = float64(c.TP) / float64(d)
	}
	if d := c.TP + c.FP; d > 0 {
		precision = float64(c.TP) / float64(d)
	}
	if precision+recall > 0 {
		s.F1 = 2 * precision * recall / (precision + recall)
	}
	s.Accuracy = round3(s.Accuracy)
	s.Recall = round3(recall)
	s.Precision = round3(precision)
	s.F1 = round3(s.F1)
	return s
}

// ClassificationMetrics scores every row of the confusion matrix, in row order.
func ClassificationMetrics(c *Confusion) []Score {
	scores := make([]Score, 0, len(c.order))
	for _, name := range c.order {
		scores = append(scores, ScoreOf(name, *c.counts[name]))
	}
	return scores
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
