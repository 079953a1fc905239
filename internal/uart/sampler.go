package uart

import (
	"github.com/banshee-data/uartsniff/internal/edge"
	"github.com/banshee-data/uartsniff/internal/timeline"
)

// SampleOptions tunes where inside a bit period the sampler looks. The
// defaults were tuned on captures rather than derived, so they are
// configurable. Zero fields take the defaults.
type SampleOptions struct {
	// SampleOffset is the centre vote position as a fraction of a bit
	// period. Sampling slightly after the midpoint compensates for edge
	// jitter and for the hunt step, which can only find an edge late.
	SampleOffset float64 `json:"sample_offset"`
	// VoteSpacing separates the three votes, as a fraction of a bit period.
	VoteSpacing float64 `json:"vote_spacing"`
	// HuntStepUS is the stride used while hunting for a falling edge.
	HuntStepUS float64 `json:"hunt_step_us"`
	// ResyncMarginBits is added to frame_length-1 bit periods to place the
	// next hunt inside the last stop bit.
	ResyncMarginBits float64 `json:"resync_margin_bits"`
}

const (
	DefaultSampleOffset     = 0.65
	DefaultVoteSpacing      = 0.05
	DefaultHuntStepUS       = 1.0
	DefaultResyncMarginBits = 0.2
)

// DefaultSampleOptions returns the tuned defaults.
func DefaultSampleOptions() SampleOptions {
	return SampleOptions{
		SampleOffset:     DefaultSampleOffset,
		VoteSpacing:      DefaultVoteSpacing,
		HuntStepUS:       DefaultHuntStepUS,
		ResyncMarginBits: DefaultResyncMarginBits,
	}
}

func (o SampleOptions) withDefaults() SampleOptions {
	if o.SampleOffset <= 0 || o.SampleOffset >= 1 {
		o.SampleOffset = DefaultSampleOffset
	}
	if o.VoteSpacing <= 0 || o.VoteSpacing >= o.SampleOffset {
		o.VoteSpacing = DefaultVoteSpacing
	}
	if o.HuntStepUS <= 0 {
		o.HuntStepUS = DefaultHuntStepUS
	}
	if o.ResyncMarginBits <= 0 {
		o.ResyncMarginBits = DefaultResyncMarginBits
	}
	return o
}

// BitPeriodUS returns the nominal bit period for a baud rate.
func BitPeriodUS(baud uint32) float64 {
	if baud == 0 {
		return 0
	}
	return 1e6 / float64(baud)
}

// SampledFrame holds the frame_length bits sampled after one start edge.
type SampledFrame struct {
	StartUS float64      `json:"start_us"`
	Bits    []edge.Level `json:"bits"`
}

// Sampler hunts for start edges and samples whole frames. It resynchronises
// on every frame: only the start edge is trusted as a phase reference, and no
// sampling grid is carried from one frame to the next.
type Sampler struct {
	tmpl  Template
	bitUS float64
	opts  SampleOptions
}

// NewSampler returns a sampler for the nominal bit period of baud.
func NewSampler(tmpl Template, baud uint32, opts SampleOptions) *Sampler {
	return &Sampler{tmpl: tmpl, bitUS: BitPeriodUS(baud), opts: opts.withDefaults()}
}

// WithBitPeriod returns a copy of the sampler using bitUS instead of the
// nominal period.
func (s *Sampler) WithBitPeriod(bitUS float64) *Sampler {
	c := *s
	c.bitUS = bitUS
	return &c
}

// BitPeriodUS returns the bit period the sampler is using.
func (s *Sampler) BitPeriodUS() float64 {
	return s.bitUS
}

// Frames walks the timeline once and returns every sampled frame in order.
//
// The walk alternates between hunting and sampling. Hunting steps forward
// looking for level 1 followed by level 0 one step later. Sampling reads
// frame_length bits from that edge, then the hunt resumes just inside the
// frame's last stop bit. Hunting stops once fewer than frame_length bit
// periods remain; partial trailing frames are dropped.
func (s *Sampler) Frames(tl *timeline.Timeline) []SampledFrame {
	n := s.tmpl.FrameLength()
	T := s.bitUS
	if T <= 0 || tl.Len() == 0 {
		return nil
	}
	limit := tl.Duration() - float64(n)*T
	step := s.opts.HuntStepUS
	resync := (float64(n-1) + s.opts.ResyncMarginBits) * T

	var frames []SampledFrame
	t := 0.0

	// A capture that triggered on activity starts inside the first start
	// bit; there is no high level before it to find.
	if tl.First() == edge.Low && limit >= 0 {
		frames = append(frames, s.sample(tl, 0))
		t = resync
	}

	for t <= limit {
		if tl.LevelAt(t) == edge.High && tl.LevelAt(t+step) == edge.Low {
			start := t + step
			frames = append(frames, s.sample(tl, start))
			t = start + resync
			continue
		}
		t += step
	}
	return frames
}

func (s *Sampler) sample(tl *timeline.Timeline, start float64) SampledFrame {
	n := s.tmpl.FrameLength()
	T := s.bitUS
	early := (s.opts.SampleOffset - s.opts.VoteSpacing) * T
	mid := s.opts.SampleOffset * T
	late := (s.opts.SampleOffset + s.opts.VoteSpacing) * T

	bits := make([]edge.Level, n)
	for i := 0; i < n; i++ {
		base := start + float64(i)*T
		bits[i] = majority(tl.LevelAt(base+early), tl.LevelAt(base+mid), tl.LevelAt(base+late))
	}
	return SampledFrame{StartUS: start, Bits: bits}
}

func majority(a, b, c edge.Level) edge.Level {
	if int(a)+int(b)+int(c) >= 2 {
		return edge.High
	}
	return edge.Low
}

// SampleInstants returns the middle vote instant of every bit in f, for
// plotting where the sampler looked.
func (s *Sampler) SampleInstants(f SampledFrame) []float64 {
	out := make([]float64, len(f.Bits))
	for i := range f.Bits {
		out[i] = f.StartUS + (float64(i)+s.opts.SampleOffset)*s.bitUS
	}
	return out
}
