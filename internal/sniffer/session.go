package sniffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/uartsniff/internal/config"
	"github.com/banshee-data/uartsniff/internal/edge"
	"github.com/banshee-data/uartsniff/internal/monitoring"
	"github.com/banshee-data/uartsniff/internal/serialmux"
	"github.com/banshee-data/uartsniff/internal/timeutil"
)

// Handler receives each decoded burst. It runs on the session goroutine, so
// slow handlers delay the next poll but never lose edges.
type Handler func(Result)

// Session owns one capture: the edge source, the burst segmenter and the
// polling loop. Construct it, Run it, and it releases the source on return.
type Session struct {
	src      edge.Source
	seg      *edge.Segmenter
	pipe     *Pipeline
	clock    timeutil.Clock
	interval time.Duration
	handler  Handler
}

// NewSession builds a capture session from a validated decoder config.
func NewSession(src edge.Source, cfg *config.DecoderConfig, clock timeutil.Clock, handler Handler) (*Session, error) {
	if src == nil {
		return nil, errors.New("edge source is required")
	}
	pipe, err := NewPipeline(OptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if handler == nil {
		handler = func(Result) {}
	}
	return &Session{
		src:      src,
		seg:      edge.NewSegmenter(cfg.GetIdleGapUS()),
		pipe:     pipe,
		clock:    clock,
		interval: cfg.GetPollInterval(),
		handler:  handler,
	}, nil
}

// Pipeline returns the session's decoder.
func (s *Session) Pipeline() *Pipeline {
	return s.pipe
}

// Stats returns the segmenter counters.
func (s *Session) Stats() edge.Stats {
	return s.seg.Stats()
}

// Run attaches the source and polls for closed bursts until ctx is
// cancelled. A closed burst is always decoded to completion before the next
// poll, so cancellation only takes effect between bursts.
func (s *Session) Run(ctx context.Context) error {
	if err := s.src.Attach(s.seg.Push); err != nil {
		return fmt.Errorf("attach edge source: %w", err)
	}
	defer func() {
		if err := s.src.Close(); err != nil {
			monitoring.Logf("edge source close error: %v", err)
		}
	}()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			st := s.seg.Stats()
			monitoring.Logf("capture stopped: %d events, %d bursts, %d ignored, %d duplicate levels",
				st.Events, st.Bursts, st.Ignored, st.Duplicates)
			return ctx.Err()
		case <-ticker.C():
			s.poll()
		}
	}
}

func (s *Session) poll() {
	burst, ok := s.seg.Poll(s.src.Ticks())
	if !ok {
		return
	}
	res := s.pipe.DecodeBurst(burst)
	monitoring.Logf("burst %s: %d runs, %d streams, %d bytes, %d framing errors, %d parity errors",
		res.BurstID, res.RunCount, len(res.Streams), res.ByteCount(), res.FramingErrors, res.ParityErrors)
	s.handler(res)
}

// Consume decodes byte bursts from a hardware UART until in is closed or ctx
// is cancelled.
func (p *Pipeline) Consume(ctx context.Context, in <-chan serialmux.ByteBurst, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-in:
			if !ok {
				return nil
			}
			res := p.DecodeBytes(b)
			monitoring.Logf("burst %s from %s: %d bytes", res.BurstID, res.Source, res.ByteCount())
			if handler != nil {
				handler(res)
			}
		}
	}
}
