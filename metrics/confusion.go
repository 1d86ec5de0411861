package metrics

import (
	"errors"
	"fmt"
)

// Sum is the name of the row aggregating all real caches.
const Sum = "Sum"

// MissCache is the sentinel cache name for a request no cache resolved.
// It marks a penalty event and is never counted as a predicting cache.
const MissCache = "miss"

// ErrUnknownCache means an outcome names a cache absent from the run's snapshot.
var ErrUnknownCache = errors.New("cache not in run snapshot")

// Cell is the confusion-matrix cell of one cache's prediction for one request.
type Cell int

const (
	// TrueNegative: the cache predicted absence and did not hold the object.
	TrueNegative Cell = iota
	// FalsePositive: the cache predicted presence but did not hold the object.
	FalsePositive
	// FalseNegative: the cache predicted absence but held the object.
	FalseNegative
	// TruePositive: the cache predicted presence and held the object.
	TruePositive
)

// CellOf maps an (indication, resolution) pair to its cell: indication + 2*resolution.
func CellOf(indication, resolution bool) Cell {
	c := TrueNegative
	if indication {
		c += 1
	}
	if resolution {
		c += 2
	}
	return c
}

func (c Cell) String() string {
	switch c {
	case TrueNegative:
		return "TN"
	case FalsePositive:
		return "FP"
	case FalseNegative:
		return "FN"
	case TruePositive:
		return "TP"
	}
	return fmt.Sprintf("Cell(%d)", int(c))
}

// Counts is one row of the confusion matrix.
type Counts struct {
	TN, FP, FN, TP int
}

// Add increments the given cell.
func (c *Counts) Add(cell Cell) {
	switch cell {
	case TrueNegative:
		c.TN++
	case FalsePositive:
		c.FP++
	case FalseNegative:
		c.FN++
	case TruePositive:
		c.TP++
	}
}

func (c Counts) Total() int {
	return c.TN + c.FP + c.FN + c.TP
}

func (c Counts) plus(o Counts) Counts {
	return Counts{TN: c.TN + o.TN, FP: c.FP + o.FP, FN: c.FN + o.FN, TP: c.TP + o.TP}
}

// Confusion holds a confusion-matrix row per cache plus the Sum row.
type Confusion struct {
	order  []string
	counts map[string]*Counts
}

// NewConfusion creates zeroed rows for the given caches, followed by Sum.
// The miss sentinel is never given a row.
func NewConfusion(caches []string) *Confusion {
	c := &Confusion{counts: make(map[string]*Counts, len(caches)+1)}
	for _, name := range caches {
		if name == MissCache || name == Sum {
			continue
		}
		if _, ok := c.counts[name]; ok {
			continue
		}
		c.order = append(c.order, name)
		c.counts[name] = &Counts{}
	}
	c.order = append(c.order, Sum)
	c.counts[Sum] = &Counts{}
	return c
}

// Record counts a cell for the cache and for Sum.
func (c *Confusion) Record(cache string, cell Cell) error {
	counts, ok := c.counts[cache]
	if !ok || cache == Sum {
		return fmt.Errorf("%w: %q", ErrUnknownCache, cache)
	}
	counts.Add(cell)
	c.counts[Sum].Add(cell)
	return nil
}

// Merge adds all per-cache rows of other into c. Sum is recomputed from the merged rows.
func (c *Confusion) Merge(other *Confusion) error {
	for _, name := range other.order {
		if name == Sum {
			continue
		}
		counts, ok := c.counts[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCache, name)
		}
		*counts = counts.plus(*other.counts[name])
	}
	sum := Counts{}
	for _, name := range c.order {
		if name != Sum {
			sum = sum.plus(*c.counts[name])
		}
	}
	*c.counts[Sum] = sum
	return nil
}

// Names returns the row names, Sum last.
func (c *Confusion) Names() []string {
	return append([]string(nil), c.order...)
}

// Counts returns the row for name.
func (c *Confusion) Counts(name string) Counts {
	if counts, ok := c.counts[name]; ok {
		return *counts
	}
	return Counts{}
}
