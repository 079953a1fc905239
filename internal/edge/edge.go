// Package edge turns a live stream of line transitions into bounded bursts of
// run-length entries. A burst closes once the line has been quiet for longer
// than the configured idle gap.
package edge

// Level is the logic level of the observed line.
type Level uint8

const (
	Low  Level = 0
	High Level = 1
)

func (l Level) String() string {
	if l == Low {
		return "0"
	}
	return "1"
}

// Event is a single transition reported by a Source. TimestampUS is the
// instant the line changed to Level.
type Event struct {
	Level       Level  `json:"level"`
	TimestampUS uint64 `json:"timestamp_us"`
}

// Run is one run-length entry: the line held Level for DurationUS.
type Run struct {
	Level      Level  `json:"level"`
	DurationUS uint64 `json:"duration_us"`
}

// Burst is the run-length form of one capture, bounded by idle gaps. It is
// immutable once returned by Segmenter.Poll.
type Burst struct {
	ID         string `json:"id"`
	ClosedAtUS uint64 `json:"closed_at_us"`
	Runs       []Run  `json:"runs"`
}

// DurationUS returns the total time covered by the burst.
func (b Burst) DurationUS() uint64 {
	var total uint64
	for _, r := range b.Runs {
		total += r.DurationUS
	}
	return total
}

// Source is the boundary to the edge-detection hardware. Attach registers the
// callback that receives every transition; the callback may be invoked from
// any goroutine. Ticks reports the current time in the same microsecond base
// as Event.TimestampUS. The core assumes no edges are missed beyond what an
// upstream glitch filter removes.
type Source interface {
	Attach(push func(Event)) error
	Ticks() uint64
	Close() error
}

// RunLengths converts an ordered event list into run-length entries. The last
// event's level is extended to closeUS. Timestamps that go backwards yield a
// zero duration rather than wrapping.
func RunLengths(events []Event, closeUS uint64) []Run {
	if len(events) == 0 {
		return nil
	}
	runs := make([]Run, 0, len(events))
	for i := 0; i < len(events)-1; i++ {
		runs = append(runs, Run{
			Level:      events[i].Level,
			DurationUS: elapsed(events[i].TimestampUS, events[i+1].TimestampUS),
		})
	}
	last := events[len(events)-1]
	runs = append(runs, Run{Level: last.Level, DurationUS: elapsed(last.TimestampUS, closeUS)})
	return runs
}

func elapsed(from, to uint64) uint64 {
	if to < from {
		return 0
	}
	return to - from
}
