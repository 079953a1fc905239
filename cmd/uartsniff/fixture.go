package main

import "github.com/banshee-data/uartsniff/internal/packet"

// devPayload builds count packets for dev-mode replay. Each packet is one of
// the configured headers (round robin, 0x55 when none are set), a sequence
// byte, two body bytes and the configured checksum.
func devPayload(headers [][]byte, kind packet.ChecksumKind, count int) []byte {
	if len(headers) == 0 {
		headers = [][]byte{{0x55}}
	}
	var out []byte
	for i := 0; i < count; i++ {
		body := append([]byte(nil), headers[i%len(headers)]...)
		body = append(body, byte(i), byte(0x20+i), byte(0xA0^i))
		out = append(out, packet.AppendChecksum(body, kind)...)
	}
	return out
}
