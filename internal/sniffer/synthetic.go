package sniffer

import (
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/uartsniff/internal/edge"
	"github.com/banshee-data/uartsniff/internal/timeutil"
	"github.com/banshee-data/uartsniff/internal/uart"
)

// SyntheticSource replays an encoded waveform as edge events on a fixed
// interval. It stands in for edge-capture hardware in dev mode and tests.
type SyntheticSource struct {
	clock    timeutil.Clock
	watch    *timeutil.Stopwatch
	runs     []edge.Run
	interval time.Duration

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	replay int
}

// NewSyntheticSource replays runs every interval. The interval should exceed
// the waveform length plus the segmenter's idle gap, or replays merge into
// one burst.
func NewSyntheticSource(clock timeutil.Clock, runs []edge.Run, interval time.Duration) *SyntheticSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyntheticSource{
		clock:    clock,
		watch:    timeutil.NewStopwatch(clock),
		runs:     runs,
		interval: interval,
	}
}

// NewEncodedSource encodes values with the given frame shape and replays
// them. The waveform starts inside the first start bit, like a capture that
// triggered on activity.
func NewEncodedSource(clock timeutil.Clock, values []byte, tmpl uart.Template, opts uart.EncodeOptions, interval time.Duration) *SyntheticSource {
	return NewSyntheticSource(clock, uart.Encode(values, tmpl, opts), interval)
}

// Attach starts the replay loop.
func (s *SyntheticSource) Attach(push func(edge.Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("synthetic source already attached")
	}
	if s.interval <= 0 {
		return errors.New("synthetic source interval must be positive")
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	ticker := s.clock.NewTicker(s.interval)

	go func(stop, done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				s.Emit(push)
			}
		}
	}(s.stop, s.done)
	return nil
}

// Emit pushes one copy of the waveform starting now.
func (s *SyntheticSource) Emit(push func(edge.Event)) {
	for _, ev := range uart.Events(s.runs, s.watch.Micros()) {
		push(ev)
	}
	s.mu.Lock()
	s.replay++
	s.mu.Unlock()
}

// Replays returns how many times the waveform has been emitted.
func (s *SyntheticSource) Replays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay
}

// Ticks returns microseconds on the source's stopwatch.
func (s *SyntheticSource) Ticks() uint64 {
	return s.watch.Micros()
}

// Close stops the replay loop and waits for it to exit.
func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
