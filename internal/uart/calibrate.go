package uart

import (
	"math"

	"github.com/banshee-data/uartsniff/internal/edge"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	minCalibrationRuns = 8
	maxCalibrationSkew = 0.25
	maxRefinePasses    = 8
	refineToleranceUS  = 1e-3
)

// EstimateBitPeriod measures the real bit period of a burst from its run
// lengths. Only low runs are used: they sit inside a frame (start bit, zero
// data bits, a low parity bit) and last a whole number of bit periods, while
// high runs may absorb idle time between frames.
//
// The shortest low run is k bit periods for some unknown k. Each k that puts
// the period within 25% of nominal seeds a refinement that repeats the
// weighted duration/bits mean until it settles, and the candidate leaving the
// smallest rounding residual wins. When every low run has the same length
// only k = 1 is tried, since any other period fits such a burst equally well.
// ok is false when fewer than 8 runs qualify or no candidate stays within 25%
// of nominal.
func EstimateBitPeriod(runs []edge.Run, nominalUS float64, frameLength int) (bitUS float64, ok bool) {
	if nominalUS <= 0 || frameLength < 2 {
		return nominalUS, false
	}
	durations := lowRunDurations(runs, 0.5*nominalUS, float64(frameLength)*nominalUS*(1+maxCalibrationSkew))
	if len(durations) < minCalibrationRuns {
		return nominalUS, false
	}

	shortest := floats.Min(durations)
	maxK := frameLength
	if floats.Max(durations) < 1.5*shortest {
		maxK = 1
	}

	bestResidual := math.Inf(1)
	for k := 1; k <= maxK; k++ {
		seed := shortest / float64(k)
		if !withinSkew(seed, nominalUS) {
			continue
		}
		est := refinePeriod(durations, seed)
		if !withinSkew(est, nominalUS) {
			continue
		}
		if r := roundingResidual(durations, est); r < bestResidual-1e-9 {
			bestResidual = r
			bitUS = est
			ok = true
		}
	}
	if !ok {
		return nominalUS, false
	}
	return bitUS, true
}

func lowRunDurations(runs []edge.Run, minUS, maxUS float64) []float64 {
	var out []float64
	for _, r := range runs {
		d := float64(r.DurationUS)
		if r.Level != edge.Low || d < minUS || d > maxUS {
			continue
		}
		out = append(out, d)
	}
	return out
}

func withinSkew(bitUS, nominalUS float64) bool {
	return math.Abs(bitUS-nominalUS)/nominalUS <= maxCalibrationSkew
}

// bitsIn is the whole number of bit periods a run of d microseconds spans.
func bitsIn(d, bitUS float64) float64 {
	return math.Max(1, math.Round(d/bitUS))
}

func refinePeriod(durations []float64, bitUS float64) float64 {
	ratios := make([]float64, len(durations))
	weights := make([]float64, len(durations))
	for pass := 0; pass < maxRefinePasses; pass++ {
		for i, d := range durations {
			weights[i] = bitsIn(d, bitUS)
			ratios[i] = d / weights[i]
		}
		next := stat.Mean(ratios, weights)
		settled := math.Abs(next-bitUS) < refineToleranceUS
		bitUS = next
		if settled {
			break
		}
	}
	return bitUS
}

// roundingResidual is the mean squared distance, in bits, of each run from
// a whole number of bit periods.
func roundingResidual(durations []float64, bitUS float64) float64 {
	sq := make([]float64, len(durations))
	for i, d := range durations {
		x := d/bitUS - bitsIn(d, bitUS)
		sq[i] = x * x
	}
	return stat.Mean(sq, nil)
}
