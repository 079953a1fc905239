package edge

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRunLengths(t *testing.T) {
	events := []Event{
		{Level: Low, TimestampUS: 100},
		{Level: High, TimestampUS: 126},
		{Level: Low, TimestampUS: 178},
	}
	got := RunLengths(events, 500)
	want := []Run{
		{Level: Low, DurationUS: 26},
		{Level: High, DurationUS: 52},
		{Level: Low, DurationUS: 322},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RunLengths mismatch (-want +got):\n%s", diff)
	}
}

func TestRunLengths_Empty(t *testing.T) {
	if got := RunLengths(nil, 10); got != nil {
		t.Errorf("RunLengths(nil) = %v, want nil", got)
	}
}

func TestRunLengths_BackwardsTimestampClamped(t *testing.T) {
	events := []Event{
		{Level: Low, TimestampUS: 200},
		{Level: High, TimestampUS: 150},
	}
	got := RunLengths(events, 100)
	if got[0].DurationUS != 0 || got[1].DurationUS != 0 {
		t.Errorf("durations = %d, %d, want 0, 0", got[0].DurationUS, got[1].DurationUS)
	}
}

func TestBurst_DurationUS(t *testing.T) {
	b := Burst{Runs: []Run{{Low, 10}, {High, 20}, {Low, 5}}}
	if got := b.DurationUS(); got != 35 {
		t.Errorf("DurationUS() = %d, want 35", got)
	}
}

func TestLevel_String(t *testing.T) {
	if Low.String() != "0" || High.String() != "1" {
		t.Errorf("String() = %q/%q", Low.String(), High.String())
	}
}
