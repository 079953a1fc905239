package edge

// IdleThresholdUS converts a sub-burst threshold expressed in bit times into
// microseconds, truncating so that a gap of exactly bits*period always
// qualifies.
func IdleThresholdUS(baud uint32, bits uint32) uint64 {
	if baud == 0 {
		return 0
	}
	return uint64(float64(bits) * 1e6 / float64(baud))
}

// SplitByIdle cuts a burst's runs into independent streams wherever a single
// run lasts at least thresholdUS. The separating run is clipped to thresholdUS
// and kept at the end of the stream it closes, so the trailing stop bits of
// that stream's last frame survive; it does not open the next stream.
func SplitByIdle(runs []Run, thresholdUS uint64) [][]Run {
	if thresholdUS == 0 {
		if len(runs) == 0 {
			return nil
		}
		return [][]Run{runs}
	}

	var streams [][]Run
	var current []Run
	for _, r := range runs {
		if r.DurationUS < thresholdUS {
			current = append(current, r)
			continue
		}
		if len(current) > 0 {
			current = append(current, Run{Level: r.Level, DurationUS: thresholdUS})
			streams = append(streams, current)
			current = nil
		}
	}
	if len(current) > 0 {
		streams = append(streams, current)
	}
	return streams
}
