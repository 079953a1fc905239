package edge

import (
	"sync"

	"github.com/google/uuid"
)

// Stats counts what the segmenter has seen since construction.
type Stats struct {
	Events     uint64 `json:"events"`
	Ignored    uint64 `json:"ignored"`
	Duplicates uint64 `json:"duplicates"`
	Bursts     uint64 `json:"bursts"`
}

// Segmenter buffers edge events pushed by a Source and cuts them into bursts
// at idle gaps. Push is called from the capture callback; Poll from the
// decode loop.
//
// While no burst is open the segmenter is disarmed: rising edges only record
// when the line went high, and a burst opens on the first falling edge that
// follows at least one idle gap of high line. The opening edge is therefore
// always a start bit, so every burst begins with a low run.
type Segmenter struct {
	mu         sync.Mutex
	buf        *GapBuffer[Event]
	gapUS      uint64
	capturing  bool
	lastLevel  Level
	lastHighUS uint64
	seenHigh   bool
	stats      Stats
}

// NewSegmenter returns a segmenter closing bursts after idleGapUS of quiet.
func NewSegmenter(idleGapUS uint64) *Segmenter {
	return &Segmenter{
		buf:   NewGapBuffer[Event](idleGapUS),
		gapUS: idleGapUS,
	}
}

// Push records one transition.
func (s *Segmenter) Push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Events++

	if !s.capturing {
		if ev.Level == High {
			s.lastHighUS = ev.TimestampUS
			s.seenHigh = true
			s.stats.Ignored++
			return
		}
		if s.seenHigh && elapsed(s.lastHighUS, ev.TimestampUS) < s.gapUS {
			// low pulse without a preceding idle line: we joined mid-frame
			s.stats.Ignored++
			return
		}
		s.capturing = true
		s.lastLevel = ev.Level
		s.buf.Append(ev.TimestampUS, ev)
		return
	}

	if ev.Level == s.lastLevel {
		s.stats.Duplicates++
		return
	}
	s.lastLevel = ev.Level
	s.buf.Append(ev.TimestampUS, ev)
}

// Poll closes the open burst when more than the idle gap has passed since the
// last event. The final run is extended to nowUS. Decoding the returned burst
// never races with Push: the event slice is swapped out under the lock.
func (s *Segmenter) Poll(nowUS uint64) (Burst, bool) {
	s.mu.Lock()
	events, lastUS, ok := s.buf.Take(nowUS)
	if ok {
		s.capturing = false
		if s.lastLevel == High {
			s.lastHighUS = lastUS
			s.seenHigh = true
		}
		s.stats.Bursts++
	}
	s.mu.Unlock()

	if !ok {
		return Burst{}, false
	}
	return Burst{
		ID:         uuid.NewString(),
		ClosedAtUS: nowUS,
		Runs:       RunLengths(events, nowUS),
	}, true
}

// Pending reports how many events the open burst holds.
func (s *Segmenter) Pending() int {
	return s.buf.Len()
}

// Stats returns a snapshot of the counters.
func (s *Segmenter) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
