package sniffer

import (
	"fmt"
	"strings"
)

// Dump formats values as offset, hex, ASCII, top-bit and 7-bit-masked ASCII
// columns. The masked column exposes text on links that set the top bit as a
// flag. When xor has the same length as values a fifth column shows it:
// '-' for an unchanged byte and 'X' for a byte that only flipped its top bit.
func Dump(values, xor []byte, width int) string {
	if width <= 0 {
		width = 16
	}
	if len(xor) != len(values) {
		xor = nil
	}
	var b strings.Builder
	for off := 0; off < len(values); off += width {
		end := min(off+width, len(values))
		chunk := values[off:end]
		fmt.Fprintf(&b, "%08x ", off)
		for i := 0; i < width; i++ {
			if i < len(chunk) {
				fmt.Fprintf(&b, " %02x", chunk[i])
			} else {
				b.WriteString("   ")
			}
		}

		cols := []string{
			column(chunk, printable),
			column(chunk, topBit),
			column(chunk, func(c byte) byte { return printable(c & 0x7F) }),
		}
		if xor != nil {
			cols = append(cols, column(xor[off:end], xorMark))
		}
		for i, c := range cols {
			b.WriteString(" | ")
			b.WriteString(c)
			if i < len(cols)-1 {
				b.WriteString(strings.Repeat(" ", width-len(chunk)))
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func column(chunk []byte, mark func(byte) byte) string {
	out := make([]byte, len(chunk))
	for i, c := range chunk {
		out[i] = mark(c)
	}
	return string(out)
}

func printable(c byte) byte {
	if c >= 32 && c <= 126 {
		return c
	}
	return '.'
}

func topBit(c byte) byte {
	if c&0x80 != 0 {
		return '1'
	}
	return '.'
}

func xorMark(c byte) byte {
	switch c {
	case 0x00:
		return '-'
	case 0x80:
		return 'X'
	}
	return printable(c)
}
