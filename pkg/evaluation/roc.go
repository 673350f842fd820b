// Package evaluation computes threshold-free ranking metrics for anomaly scores.
package evaluation

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrSingleClass is returned when labels contain only one class.
	ErrSingleClass = errors.New("only one class present in labels")
	// ErrLengthMismatch is returned when labels and scores differ in length.
	ErrLengthMismatch = errors.New("labels and scores differ in length")
)

// Curve is a receiver operating characteristic curve, ordered by increasing
// false positive rate.
type Curve struct {
	TPR       []float64
	FPR       []float64
	Threshold []float64
}

// ROC builds the curve for binary labels (1 = positive) and scores where
// higher means "more likely positive". Tied scores form a single point.
func ROC(labels, scores []float64) (*Curve, error) {
	if len(labels) != len(scores) {
		return nil, fmt.Errorf("%d labels, %d scores: %w", len(labels), len(scores), ErrLengthMismatch)
	}

	var pos, neg int
	for i, y := range labels {
		switch y {
		case 1:
			pos++
		case 0:
			neg++
		default:
			return nil, fmt.Errorf("label %d is %v, want 0 or 1", i, y)
		}
	}
	if pos == 0 || neg == 0 {
		return nil, ErrSingleClass
	}

	// stat.ROC needs scores in increasing order.
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	y := make([]float64, len(scores))
	classes := make([]bool, len(scores))
	for i, idx := range order {
		y[i] = scores[idx]
		classes[i] = labels[idx] == 1
	}

	tpr, fpr, thresh := stat.ROC(nil, y, classes, nil)
	return &Curve{TPR: tpr, FPR: fpr, Threshold: thresh}, nil
}

// AUC returns the area under the curve by the trapezoidal rule.
func (c *Curve) AUC() float64 {
	return integrate.Trapezoidal(c.FPR, c.TPR)
}

// AUCROC is the probability that a random positive scores above a random
// negative, counting ties as one half. The result lies in [0, 1].
func AUCROC(labels, scores []float64) (float64, error) {
	curve, err := ROC(labels, scores)
	if err != nil {
		return 0, err
	}
	return curve.AUC(), nil
}
