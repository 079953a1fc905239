// Package timeline answers "what was the line level at time t" for a burst of
// run-length entries.
package timeline

import (
	"sort"

	"github.com/banshee-data/uartsniff/internal/edge"
)

// Timeline is a read-only view over a burst. Time zero is the start of the
// first run. Lookups keep a cursor that only moves forward while queries are
// non-decreasing, so a full decode pass costs amortised O(1) per query; a
// query that moves backwards falls back to a binary search.
//
// A Timeline is not safe for concurrent use because of the cursor.
type Timeline struct {
	starts []float64
	levels []edge.Level
	total  float64
	cursor int
}

// New builds a timeline from run-length entries.
func New(runs []edge.Run) *Timeline {
	tl := &Timeline{
		starts: make([]float64, 0, len(runs)),
		levels: make([]edge.Level, 0, len(runs)),
	}
	var t uint64
	for _, r := range runs {
		tl.starts = append(tl.starts, float64(t))
		tl.levels = append(tl.levels, r.Level)
		t += r.DurationUS
	}
	tl.total = float64(t)
	return tl
}

// Duration returns the total time covered, in microseconds.
func (tl *Timeline) Duration() float64 {
	return tl.total
}

// Len returns the number of runs.
func (tl *Timeline) Len() int {
	return len(tl.levels)
}

// First returns the level of the first run, or High for an empty timeline.
func (tl *Timeline) First() edge.Level {
	if len(tl.levels) == 0 {
		return edge.High
	}
	return tl.levels[0]
}

// LevelAt returns the line level at t microseconds. Queries before zero
// report the first level and queries at or past the end report the last one;
// light overrun at the fringes is expected during sampling.
func (tl *Timeline) LevelAt(t float64) edge.Level {
	n := len(tl.levels)
	if n == 0 {
		return edge.High
	}
	if t < 0 {
		return tl.levels[0]
	}
	if t >= tl.total {
		return tl.levels[n-1]
	}

	if t < tl.starts[tl.cursor] {
		// index of the last run starting at or before t
		tl.cursor = sort.Search(n, func(i int) bool { return tl.starts[i] > t }) - 1
		return tl.levels[tl.cursor]
	}
	for tl.cursor+1 < n && tl.starts[tl.cursor+1] <= t {
		tl.cursor++
	}
	return tl.levels[tl.cursor]
}
