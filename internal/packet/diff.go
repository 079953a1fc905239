package packet

// ChangedOffsets lists the offsets at which two bursts differ, comparing up
// to the shorter length. Replaying a device through the same operation twice
// and diffing the bursts is the quickest way to find which byte carries a
// setting.
func ChangedOffsets(prev, cur []byte) []int {
	n := min(len(prev), len(cur))
	var out []int
	for i := 0; i < n; i++ {
		if prev[i]^cur[i] != 0 {
			out = append(out, i)
		}
	}
	return out
}

// XOR returns prev^cur byte by byte. Bursts of different lengths do not line
// up, so XOR returns nil for them and for empty input.
func XOR(prev, cur []byte) []byte {
	if len(prev) == 0 || len(prev) != len(cur) {
		return nil
	}
	out := make([]byte, len(cur))
	for i := range cur {
		out[i] = prev[i] ^ cur[i]
	}
	return out
}
