// Package packet cuts decoded byte streams into header-delimited packets and
// checks their trailing checksums.
package packet

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/banshee-data/uartsniff/internal/uart"
)

// Packet is a run of decoded bytes opened by a header match. Header is nil
// for bytes that precede every header match, or for a whole stream in which
// no header matched.
type Packet struct {
	Header []byte             `json:"header,omitempty"`
	Bytes  []uart.DecodedByte `json:"bytes"`
}

// Values returns the packet's raw byte values.
func (p Packet) Values() []byte {
	return uart.Values(p.Bytes)
}

// Classified reports whether a header opened the packet.
func (p Packet) Classified() bool {
	return p.Header != nil
}

// HeaderHex renders the opening header, or "" when unclassified.
func (p Packet) HeaderHex() string {
	return hex.EncodeToString(p.Header)
}

// Segmenter scans decoded bytes for literal header patterns.
type Segmenter struct {
	headers [][]byte
}

// NewSegmenter copies headers; empty patterns are skipped.
func NewSegmenter(headers [][]byte) *Segmenter {
	s := &Segmenter{}
	for _, h := range headers {
		if len(h) == 0 {
			continue
		}
		s.headers = append(s.headers, bytes.Clone(h))
	}
	return s
}

// Headers returns the configured patterns.
func (s *Segmenter) Headers() [][]byte {
	return s.headers
}

// Split cuts bs into packets. Each header match opens a packet that runs up
// to the next match, searched from the end of the current header, or to the
// end of the stream. Bytes before the first match form an unclassified
// packet; nothing is ever dropped.
func (s *Segmenter) Split(bs []uart.DecodedByte) []Packet {
	if len(bs) == 0 {
		return nil
	}
	values := uart.Values(bs)

	var packets []Packet
	start := 0
	var open []byte

	pos := 0
	for pos < len(values) {
		h := s.match(values, pos)
		if h == nil {
			pos++
			continue
		}
		if pos > start {
			packets = append(packets, Packet{Header: open, Bytes: bs[start:pos]})
		}
		start, open = pos, h
		pos += len(h)
	}
	return append(packets, Packet{Header: open, Bytes: bs[start:]})
}

// match returns the longest header found at pos.
func (s *Segmenter) match(values []byte, pos int) []byte {
	var best []byte
	for _, h := range s.headers {
		if len(h) > len(best) && bytes.HasPrefix(values[pos:], h) {
			best = h
		}
	}
	return best
}

// ParseHeader parses a hex byte pattern such as "4dc0", "4d c0", "4D:C0" or
// "0x4d,0xc0".
func ParseHeader(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", ",", "", "0x", "", "0X", "").Replace(strings.TrimSpace(s))
	if clean == "" {
		return nil, fmt.Errorf("empty header pattern")
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid header pattern %q: %w", s, err)
	}
	return b, nil
}

// ParseHeaders parses a list of patterns, failing on the first bad entry.
func ParseHeaders(patterns []string) ([][]byte, error) {
	out := make([][]byte, 0, len(patterns))
	for _, p := range patterns {
		h, err := ParseHeader(p)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
