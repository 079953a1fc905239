package uart

import "github.com/banshee-data/uartsniff/internal/edge"

// DecodedByte is one frame's data plus its validation flags. A byte is
// always produced, even when framing or parity fails, so downstream analysis
// can see where synchronisation was lost.
type DecodedByte struct {
	Value uint8 `json:"value"`
	// Control is the raw parity bit, 0 when the template has none.
	Control   uint8   `json:"control"`
	ParityOK  bool    `json:"parity_ok"`
	FramingOK bool    `json:"framing_ok"`
	StartUS   float64 `json:"start_us"`
}

// OK reports whether both framing and parity checks passed.
func (d DecodedByte) OK() bool {
	return d.FramingOK && d.ParityOK
}

// Decode validates a sampled frame against the template and extracts the
// data byte, least significant bit first. Frames shorter than the template
// are reported as framing errors with the bits that are present.
func Decode(f SampledFrame, tmpl Template) DecodedByte {
	n := tmpl.FrameLength()
	bit := func(i int) edge.Level {
		if i < len(f.Bits) {
			return f.Bits[i]
		}
		return edge.Low
	}

	out := DecodedByte{StartUS: f.StartUS, ParityOK: true}

	ones := 0
	for i := 0; i < int(tmpl.DataBits); i++ {
		if bit(1+i) == edge.High {
			out.Value |= 1 << i
			ones++
		}
	}

	framing := len(f.Bits) >= n && bit(0) == edge.Low
	for i := n - int(tmpl.StopBits); i < n; i++ {
		if bit(i) != edge.High {
			framing = false
		}
	}
	out.FramingOK = framing

	if tmpl.Parity != ParityNone {
		p := bit(1 + int(tmpl.DataBits))
		out.Control = uint8(p)
		switch tmpl.Parity {
		case ParityEven:
			out.ParityOK = (ones+int(p))%2 == 0
		case ParityOdd:
			out.ParityOK = (ones+int(p))%2 == 1
		case ParityMark:
			out.ParityOK = p == edge.High
		case ParitySpace:
			out.ParityOK = p == edge.Low
		}
	}
	return out
}

// DecodeAll decodes every frame in order.
func DecodeAll(frames []SampledFrame, tmpl Template) []DecodedByte {
	out := make([]DecodedByte, 0, len(frames))
	for _, f := range frames {
		out = append(out, Decode(f, tmpl))
	}
	return out
}

// Values extracts the raw byte values.
func Values(bs []DecodedByte) []byte {
	out := make([]byte, len(bs))
	for i, b := range bs {
		out[i] = b.Value
	}
	return out
}
