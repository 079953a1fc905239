package uart

import (
	"math"

	"github.com/banshee-data/uartsniff/internal/edge"
)

// EncodeOptions shapes the synthetic waveform produced by Encode.
type EncodeOptions struct {
	Baud uint32
	// ClockScale multiplies every bit period; 1/1.1 models a transmitter
	// running 10% fast. Zero means 1.
	ClockScale float64
	// GapBits is the idle time between frames in bit periods. Gaps, when
	// set, overrides it per frame (cycled).
	GapBits float64
	Gaps    []float64
	// LeadIdleBits is idle line before the first start bit. Zero starts the
	// waveform inside the first start bit, as a triggered capture does.
	LeadIdleBits  float64
	TrailIdleBits float64
}

// FrameBits returns the line levels of one frame carrying value.
func FrameBits(value uint8, tmpl Template) []edge.Level {
	bits := make([]edge.Level, 0, tmpl.FrameLength())
	bits = append(bits, edge.Low)
	ones := 0
	for i := 0; i < int(tmpl.DataBits); i++ {
		if value&(1<<i) != 0 {
			bits = append(bits, edge.High)
			ones++
		} else {
			bits = append(bits, edge.Low)
		}
	}
	switch tmpl.Parity {
	case ParityEven:
		bits = append(bits, edge.Level(ones%2))
	case ParityOdd:
		bits = append(bits, edge.Level(1-ones%2))
	case ParityMark:
		bits = append(bits, edge.High)
	case ParitySpace:
		bits = append(bits, edge.Low)
	}
	for i := 0; i < int(tmpl.StopBits); i++ {
		bits = append(bits, edge.High)
	}
	return bits
}

// Encode renders values as run-length entries, one frame per value.
func Encode(values []byte, tmpl Template, opts EncodeOptions) []edge.Run {
	frames := make([][]edge.Level, len(values))
	for i, v := range values {
		frames[i] = FrameBits(v, tmpl)
	}
	return EncodeBits(frames, opts)
}

// EncodeBits renders pre-built frames. Edge positions are rounded from the
// exact cumulative time, so rounding never accumulates into drift.
func EncodeBits(frames [][]edge.Level, opts EncodeOptions) []edge.Run {
	scale := opts.ClockScale
	if scale == 0 {
		scale = 1
	}
	bit := BitPeriodUS(opts.Baud) * scale

	var runs []edge.Run
	var exact float64
	var emitted uint64
	push := func(level edge.Level, bits float64) {
		if bits <= 0 {
			return
		}
		exact += bits * bit
		end := uint64(math.Round(exact))
		d := end - emitted
		emitted = end
		if n := len(runs); n > 0 && runs[n-1].Level == level {
			runs[n-1].DurationUS += d
			return
		}
		runs = append(runs, edge.Run{Level: level, DurationUS: d})
	}

	push(edge.High, opts.LeadIdleBits)
	for i, f := range frames {
		for _, b := range f {
			push(b, 1)
		}
		if i == len(frames)-1 {
			break
		}
		gap := opts.GapBits
		if len(opts.Gaps) > 0 {
			gap = opts.Gaps[i%len(opts.Gaps)]
		}
		push(edge.High, gap)
	}
	push(edge.High, opts.TrailIdleBits)
	return runs
}

// Events converts run-length entries back into transitions starting at
// startUS, the form a Source delivers.
func Events(runs []edge.Run, startUS uint64) []edge.Event {
	events := make([]edge.Event, 0, len(runs))
	t := startUS
	for _, r := range runs {
		events = append(events, edge.Event{Level: r.Level, TimestampUS: t})
		t += r.DurationUS
	}
	return events
}
