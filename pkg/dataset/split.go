package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

var (
	// ErrTooFewRows is returned when a split would leave train or test empty.
	ErrTooFewRows = errors.New("too few rows to split")
	// ErrTooFewPerClass is returned when a class has fewer than two rows.
	ErrTooFewPerClass = errors.New("least populated class has fewer than 2 rows")
	// ErrNoNormalRows is returned when filtering leaves no label-0 rows.
	ErrNoNormalRows = errors.New("no normal-class rows")
)

// Split is a train/test partition of a labeled frame.
type Split struct {
	TrainX *Frame
	TrainY []float64
	TestX  *Frame
	TestY  []float64
}

// StratifiedSplit holds out ceil(testSize*n) rows for testing while keeping
// each class's share equal in both partitions. The same seed always yields the
// same partition.
func StratifiedSplit(x *Frame, y []float64, testSize float64, seed int64) (*Split, error) {
	n := len(y)
	if x.Len() != n {
		return nil, fmt.Errorf("%d feature rows but %d labels", x.Len(), n)
	}
	if testSize <= 0 || testSize >= 1 {
		return nil, fmt.Errorf("test size %v outside (0, 1)", testSize)
	}

	nTest := int(math.Ceil(testSize * float64(n)))
	if nTest < 1 || n-nTest < 1 {
		return nil, fmt.Errorf("%d rows at test size %v: %w", n, testSize, ErrTooFewRows)
	}

	classes := groupByLabel(y)
	for _, c := range classes {
		if len(c.indices) < 2 {
			return nil, fmt.Errorf("class %v has %d rows: %w", c.label, len(c.indices), ErrTooFewPerClass)
		}
	}

	alloc := allocate(classes, nTest, n)
	rng := rand.New(rand.NewSource(seed))

	var trainIdx, testIdx []int
	for i, c := range classes {
		idx := append([]int(nil), c.indices...)
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		testIdx = append(testIdx, idx[:alloc[i]]...)
		trainIdx = append(trainIdx, idx[alloc[i]:]...)
	}
	rng.Shuffle(len(trainIdx), func(a, b int) { trainIdx[a], trainIdx[b] = trainIdx[b], trainIdx[a] })
	rng.Shuffle(len(testIdx), func(a, b int) { testIdx[a], testIdx[b] = testIdx[b], testIdx[a] })

	return &Split{
		TrainX: x.Take(trainIdx),
		TrainY: takeLabels(y, trainIdx),
		TestX:  x.Take(testIdx),
		TestY:  takeLabels(y, testIdx),
	}, nil
}

// NormalOnly keeps the rows whose label is 0.
func NormalOnly(x *Frame, y []float64) (*Frame, error) {
	var idx []int
	for i, label := range y {
		if label == 0 {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return nil, ErrNoNormalRows
	}
	return x.Take(idx), nil
}

type class struct {
	label   float64
	indices []int
}

func groupByLabel(y []float64) []class {
	byLabel := make(map[float64][]int)
	for i, label := range y {
		byLabel[label] = append(byLabel[label], i)
	}

	classes := make([]class, 0, len(byLabel))
	for label, idx := range byLabel {
		classes = append(classes, class{label: label, indices: idx})
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].label < classes[j].label })
	return classes
}

// allocate distributes nTest rows over classes by largest remainder.
func allocate(classes []class, nTest, n int) []int {
	alloc := make([]int, len(classes))
	frac := make([]float64, len(classes))
	assigned := 0
	for i, c := range classes {
		exact := float64(nTest) * float64(len(c.indices)) / float64(n)
		alloc[i] = int(math.Floor(exact))
		frac[i] = exact - float64(alloc[i])
		assigned += alloc[i]
	}

	order := make([]int, len(classes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if frac[order[a]] != frac[order[b]] {
			return frac[order[a]] > frac[order[b]]
		}
		return len(classes[order[a]].indices) > len(classes[order[b]].indices)
	})

	for _, i := range order {
		if assigned == nTest {
			break
		}
		if alloc[i] < len(classes[i].indices) {
			alloc[i]++
			assigned++
		}
	}
	return alloc
}

func takeLabels(y []float64, indices []int) []float64 {
	out := make([]float64, len(indices))
	for i, idx := range indices {
		out[i] = y[idx]
	}
	return out
}
