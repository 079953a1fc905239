// Package sniffer turns closed bursts into decoded, segmented and checked
// packets, and runs the capture session that feeds it.
package sniffer

import (
	"fmt"
	"math"

	"github.com/banshee-data/uartsniff/internal/config"
	"github.com/banshee-data/uartsniff/internal/edge"
	"github.com/banshee-data/uartsniff/internal/packet"
	"github.com/banshee-data/uartsniff/internal/serialmux"
	"github.com/banshee-data/uartsniff/internal/timeline"
	"github.com/banshee-data/uartsniff/internal/uart"
	"gonum.org/v1/gonum/stat"
)

// Options configures a Pipeline.
type Options struct {
	Baud     uint32
	Template uart.Template
	// SubBurstIdleThresholdBits splits a burst wherever the line idles for
	// this many bit periods. Zero decodes the burst as one stream.
	SubBurstIdleThresholdBits uint32
	Headers                   [][]byte
	Checksum                  packet.ChecksumKind
	Sample                    uart.SampleOptions
	CalibrateBitPeriod        bool
}

// OptionsFromConfig maps a validated decoder config onto pipeline options.
func OptionsFromConfig(cfg *config.DecoderConfig) Options {
	return Options{
		Baud:                      cfg.GetBaudRate(),
		Template:                  cfg.GetTemplate(),
		SubBurstIdleThresholdBits: cfg.GetSubBurstIdleThresholdBits(),
		Headers:                   cfg.GetHeaders(),
		Checksum:                  cfg.GetChecksum(),
		Sample:                    cfg.GetSampleOptions(),
		CalibrateBitPeriod:        cfg.GetCalibrateBitPeriod(),
	}
}

// PacketResult pairs a packet with its checksum verdict, nil when no
// checksum applies.
type PacketResult struct {
	Packet  packet.Packet   `json:"packet"`
	Verdict *packet.Verdict `json:"verdict,omitempty"`
}

// Stream is one idle-delimited part of a burst. EdgeJitterUS is the spread
// of in-frame run lengths around whole bit periods.
type Stream struct {
	Index        int                 `json:"index"`
	BitPeriodUS  float64             `json:"bit_period_us"`
	Calibrated   bool                `json:"calibrated"`
	EdgeJitterUS float64             `json:"edge_jitter_us"`
	Runs         []edge.Run          `json:"runs,omitempty"`
	Frames       []uart.SampledFrame `json:"frames,omitempty"`
	Bytes        []uart.DecodedByte  `json:"bytes"`
	Packets      []PacketResult      `json:"packets"`
}

// Result is everything decoded from one burst.
type Result struct {
	BurstID       string   `json:"burst_id"`
	Source        string   `json:"source"`
	ClosedAtUS    uint64   `json:"closed_at_us"`
	DurationUS    uint64   `json:"duration_us"`
	RunCount      int      `json:"run_count"`
	Streams       []Stream `json:"streams"`
	FramingErrors int      `json:"framing_errors"`
	ParityErrors  int      `json:"parity_errors"`
}

// ByteCount returns the number of decoded bytes across streams.
func (r Result) ByteCount() int {
	n := 0
	for _, s := range r.Streams {
		n += len(s.Bytes)
	}
	return n
}

// Packets flattens the packets of every stream, in order.
func (r Result) Packets() []PacketResult {
	var out []PacketResult
	for _, s := range r.Streams {
		out = append(out, s.Packets...)
	}
	return out
}

// Pipeline decodes bursts. It holds no per-burst state and is safe for
// concurrent use.
type Pipeline struct {
	opts        Options
	sampler     *uart.Sampler
	segmenter   *packet.Segmenter
	thresholdUS uint64
}

// NewPipeline validates opts and builds a pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Baud == 0 {
		return nil, fmt.Errorf("baud rate must be positive")
	}
	if err := opts.Template.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame template: %w", err)
	}
	p := &Pipeline{
		opts:      opts,
		sampler:   uart.NewSampler(opts.Template, opts.Baud, opts.Sample),
		segmenter: packet.NewSegmenter(opts.Headers),
	}
	if opts.SubBurstIdleThresholdBits > 0 {
		p.thresholdUS = edge.IdleThresholdUS(opts.Baud, opts.SubBurstIdleThresholdBits)
	}
	return p, nil
}

// Options returns the options the pipeline was built with.
func (p *Pipeline) Options() Options {
	return p.opts
}

// DecodeBurst splits a burst on long idle periods and decodes each stream to
// completion. Framing, parity and checksum failures are reported in the
// result; nothing here fails.
func (p *Pipeline) DecodeBurst(b edge.Burst) Result {
	res := Result{
		BurstID:    b.ID,
		Source:     "edge",
		ClosedAtUS: b.ClosedAtUS,
		DurationUS: b.DurationUS(),
		RunCount:   len(b.Runs),
	}
	for i, runs := range edge.SplitByIdle(b.Runs, p.thresholdUS) {
		st := p.decodeStream(i, runs)
		for _, db := range st.Bytes {
			if !db.FramingOK {
				res.FramingErrors++
			}
			if !db.ParityOK {
				res.ParityErrors++
			}
		}
		res.Streams = append(res.Streams, st)
	}
	return res
}

func (p *Pipeline) decodeStream(index int, runs []edge.Run) Stream {
	n := p.opts.Template.FrameLength()
	sampler := p.sampler
	st := Stream{Index: index, Runs: runs, BitPeriodUS: sampler.BitPeriodUS()}

	if p.opts.CalibrateBitPeriod {
		if est, ok := uart.EstimateBitPeriod(runs, st.BitPeriodUS, n); ok {
			sampler = sampler.WithBitPeriod(est)
			st.BitPeriodUS = est
			st.Calibrated = true
		}
	}

	st.Frames = sampler.Frames(timeline.New(runs))
	st.Bytes = uart.DecodeAll(st.Frames, p.opts.Template)
	st.EdgeJitterUS = edgeJitter(runs, st.BitPeriodUS, n)
	st.Packets = p.segment(st.Bytes)
	return st
}

// DecodeBytes handles bytes already framed by a hardware UART: only packet
// segmentation and checksums apply.
func (p *Pipeline) DecodeBytes(b serialmux.ByteBurst) Result {
	bs := make([]uart.DecodedByte, len(b.Data))
	for i, v := range b.Data {
		bs[i] = uart.DecodedByte{Value: v, FramingOK: true, ParityOK: true}
	}
	return Result{
		BurstID:    b.ID,
		Source:     b.Port,
		ClosedAtUS: uint64(b.ReceivedAt.UnixMicro()),
		Streams: []Stream{{
			Index:       0,
			BitPeriodUS: uart.BitPeriodUS(p.opts.Baud),
			Bytes:       bs,
			Packets:     p.segment(bs),
		}},
	}
}

func (p *Pipeline) segment(bs []uart.DecodedByte) []PacketResult {
	var out []PacketResult
	for _, pk := range p.segmenter.Split(bs) {
		out = append(out, PacketResult{Packet: pk, Verdict: packet.ValidatePacket(pk, p.opts.Checksum)})
	}
	return out
}

// edgeJitter is the standard deviation of each in-frame run's distance from
// a whole number of bit periods. Idle runs a frame or longer are skipped.
func edgeJitter(runs []edge.Run, bitUS float64, frameLength int) float64 {
	if bitUS <= 0 {
		return 0
	}
	var residuals []float64
	for _, r := range runs {
		d := float64(r.DurationUS)
		if d == 0 || d >= float64(frameLength)*bitUS {
			continue
		}
		k := math.Max(1, math.Round(d/bitUS))
		residuals = append(residuals, d-k*bitUS)
	}
	if len(residuals) < 2 {
		return 0
	}
	return stat.StdDev(residuals, nil)
}
