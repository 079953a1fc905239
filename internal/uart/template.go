// Package uart recovers asynchronous serial frames from a line timeline:
// start-edge synchronisation, majority-vote bit sampling and frame
// validation.
package uart

import (
	"fmt"
	"strings"
)

// Parity selects how the optional bit after the data bits is checked.
type Parity uint8

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
	// ParityMark and ParitySpace carry a fixed 1 or 0. Some devices abuse
	// the bit as a 9th control bit, which is why DecodedByte keeps it.
	ParityMark
	ParitySpace
)

func (p Parity) String() string {
	switch p {
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return "none"
	}
}

// ParseParity accepts the long names and the single-letter forms used by
// serial tooling (N, E, O, M, S).
func ParseParity(s string) (Parity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "N", "NONE":
		return ParityNone, nil
	case "E", "EVEN":
		return ParityEven, nil
	case "O", "ODD":
		return ParityOdd, nil
	case "M", "MARK":
		return ParityMark, nil
	case "S", "SPACE":
		return ParitySpace, nil
	}
	return ParityNone, fmt.Errorf("unsupported parity %q: expected none, even, odd, mark or space", s)
}

// Template is the fixed shape of one frame: a start bit, DataBits data bits
// sent least significant first, an optional parity bit and StopBits stop
// bits.
type Template struct {
	DataBits uint8  `json:"data_bits"`
	Parity   Parity `json:"parity"`
	StopBits uint8  `json:"stop_bits"`
}

// DefaultTemplate is 8E2, the shape of the bus this tool was first pointed at.
func DefaultTemplate() Template {
	return Template{DataBits: 8, Parity: ParityEven, StopBits: 2}
}

// ParityBits returns 1 when the template carries a parity bit.
func (t Template) ParityBits() int {
	if t.Parity == ParityNone {
		return 0
	}
	return 1
}

// FrameLength is the number of bit periods in one frame.
func (t Template) FrameLength() int {
	return 1 + int(t.DataBits) + t.ParityBits() + int(t.StopBits)
}

// Validate checks the template against what a DecodedByte can carry.
func (t Template) Validate() error {
	if t.DataBits < 5 || t.DataBits > 8 {
		return fmt.Errorf("invalid data bits %d: must be between 5 and 8", t.DataBits)
	}
	if t.StopBits < 1 || t.StopBits > 2 {
		return fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", t.StopBits)
	}
	if t.Parity > ParitySpace {
		return fmt.Errorf("invalid parity %d", t.Parity)
	}
	return nil
}

func (t Template) String() string {
	p := "N"
	switch t.Parity {
	case ParityEven:
		p = "E"
	case ParityOdd:
		p = "O"
	case ParityMark:
		p = "M"
	case ParitySpace:
		p = "S"
	}
	return fmt.Sprintf("%d%s%d", t.DataBits, p, t.StopBits)
}
