package timeline

import (
	"testing"

	"github.com/banshee-data/uartsniff/internal/edge"
)

func testRuns() []edge.Run {
	return []edge.Run{
		{Level: edge.Low, DurationUS: 26},
		{Level: edge.High, DurationUS: 52},
		{Level: edge.Low, DurationUS: 0},
		{Level: edge.High, DurationUS: 10},
		{Level: edge.Low, DurationUS: 100},
	}
}

func TestLevelAt(t *testing.T) {
	tl := New(testRuns())
	tests := []struct {
		at   float64
		want edge.Level
	}{
		{-5, edge.Low},
		{0, edge.Low},
		{25.9, edge.Low},
		{26, edge.High},
		{77.99, edge.High},
		{78, edge.High}, // zero-length low run is never observable
		{87.5, edge.High},
		{88, edge.Low},
		{187.9, edge.Low},
		{188, edge.Low},
		{1e9, edge.Low},
	}
	for _, tt := range tests {
		if got := tl.LevelAt(tt.at); got != tt.want {
			t.Errorf("LevelAt(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestLevelAt_BackwardsQuery(t *testing.T) {
	tl := New(testRuns())
	if got := tl.LevelAt(150); got != edge.Low {
		t.Fatalf("LevelAt(150) = %v, want 0", got)
	}
	if got := tl.LevelAt(30); got != edge.High {
		t.Errorf("LevelAt(30) after seeking forward = %v, want 1", got)
	}
	if got := tl.LevelAt(5); got != edge.Low {
		t.Errorf("LevelAt(5) = %v, want 0", got)
	}
	if got := tl.LevelAt(80); got != edge.High {
		t.Errorf("LevelAt(80) = %v, want 1", got)
	}
}

func TestLevelAt_MonotonicPassMatchesScan(t *testing.T) {
	runs := make([]edge.Run, 0, 500)
	for i := 0; i < 500; i++ {
		level := edge.Low
		if i%2 == 1 {
			level = edge.High
		}
		runs = append(runs, edge.Run{Level: level, DurationUS: uint64(i%7 + 1)})
	}
	tl := New(runs)
	ref := New(runs)
	for ts := 0.0; ts < tl.Duration(); ts += 0.37 {
		got := tl.LevelAt(ts)
		want := scan(ref, ts)
		if got != want {
			t.Fatalf("LevelAt(%v) = %v, scan = %v", ts, got, want)
		}
	}
}

func scan(tl *Timeline, at float64) edge.Level {
	level := tl.levels[0]
	for i, s := range tl.starts {
		if s <= at {
			level = tl.levels[i]
		}
	}
	return level
}

func TestEmptyTimeline(t *testing.T) {
	tl := New(nil)
	if tl.Duration() != 0 || tl.Len() != 0 {
		t.Errorf("empty timeline Duration=%v Len=%d", tl.Duration(), tl.Len())
	}
	if tl.LevelAt(10) != edge.High || tl.First() != edge.High {
		t.Error("empty timeline should report the idle level")
	}
}

func TestDurationAndFirst(t *testing.T) {
	tl := New(testRuns())
	if tl.Duration() != 188 {
		t.Errorf("Duration() = %v, want 188", tl.Duration())
	}
	if tl.First() != edge.Low {
		t.Errorf("First() = %v, want 0", tl.First())
	}
	if tl.Len() != 5 {
		t.Errorf("Len() = %d, want 5", tl.Len())
	}
}
