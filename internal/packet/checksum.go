package packet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
)

// ChecksumKind names the trailing check a protocol appends to its packets.
type ChecksumKind string

const (
	ChecksumNone ChecksumKind = "none"
	// ChecksumSum8 is the 8-bit truncated sum of every preceding byte.
	ChecksumSum8 ChecksumKind = "sum8"
	// ChecksumCRC16Modbus is CRC-16/MODBUS over every preceding byte, sent
	// low byte first.
	ChecksumCRC16Modbus ChecksumKind = "crc16-modbus"
)

// ErrUnknownChecksum is returned by ParseChecksumKind.
var ErrUnknownChecksum = errors.New("unknown checksum kind")

var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// ParseChecksumKind accepts the kind names; "" means none.
func ParseChecksumKind(s string) (ChecksumKind, error) {
	switch k := ChecksumKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", ChecksumNone:
		return ChecksumNone, nil
	case ChecksumSum8, ChecksumCRC16Modbus:
		return k, nil
	}
	return ChecksumNone, fmt.Errorf("%w: %q", ErrUnknownChecksum, s)
}

// Width is the number of trailing bytes the checksum occupies.
func (k ChecksumKind) Width() int {
	switch k {
	case ChecksumSum8:
		return 1
	case ChecksumCRC16Modbus:
		return 2
	}
	return 0
}

// Verdict reports a checksum comparison. A mismatch is data, not an error.
type Verdict struct {
	Kind     ChecksumKind `json:"kind"`
	Computed uint16       `json:"computed"`
	Received uint16       `json:"received"`
	// Diff is received minus computed. For sum8 it is the signed 8-bit
	// difference, so an off-by-one byte reads as 1 or -1.
	Diff int  `json:"diff"`
	OK   bool `json:"ok"`
}

// Validate checks the trailing checksum of values. It returns nil when kind
// is none or values is too short to carry both a body and a checksum.
func Validate(values []byte, kind ChecksumKind) *Verdict {
	w := kind.Width()
	if w == 0 || len(values) <= w {
		return nil
	}
	body, tail := values[:len(values)-w], values[len(values)-w:]

	v := &Verdict{Kind: kind, Computed: Checksum(body, kind)}
	switch kind {
	case ChecksumSum8:
		v.Received = uint16(tail[0])
		v.Diff = int(int8(tail[0] - uint8(v.Computed)))
	case ChecksumCRC16Modbus:
		v.Received = uint16(tail[0]) | uint16(tail[1])<<8
		v.Diff = int(int16(v.Received - v.Computed))
	}
	v.OK = v.Diff == 0
	return v
}

// Checksum computes kind over body. It is 0 for ChecksumNone.
func Checksum(body []byte, kind ChecksumKind) uint16 {
	switch kind {
	case ChecksumSum8:
		var sum uint8
		for _, b := range body {
			sum += b
		}
		return uint16(sum)
	case ChecksumCRC16Modbus:
		return crc16.Checksum(body, modbusTable)
	}
	return 0
}

// AppendChecksum returns body followed by its checksum in wire order.
func AppendChecksum(body []byte, kind ChecksumKind) []byte {
	out := append([]byte(nil), body...)
	c := Checksum(body, kind)
	switch kind {
	case ChecksumSum8:
		out = append(out, uint8(c))
	case ChecksumCRC16Modbus:
		out = append(out, uint8(c), uint8(c>>8))
	}
	return out
}

// ValidatePacket validates the packet's byte values.
func ValidatePacket(p Packet, kind ChecksumKind) *Verdict {
	return Validate(p.Values(), kind)
}
