// Package nalu provides Annex-B H.264 bitstream helpers used by the peer
// RTP packetizers.
package nalu

import "bytes"

// Unit types relevant to the gateway; the full H.264 table has more, but
// these are the only ones the pipeline or the SDP layer inspect.
const (
	TypeNonIDR uint8 = 1
	TypeIDR    uint8 = 5
	TypeSEI    uint8 = 6
	TypeSPS    uint8 = 7
	TypePPS    uint8 = 8
	TypeAUD    uint8 = 9
)

var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// Type returns the NAL unit type (low 5 bits of the header byte). It
// returns 0 for an empty slice, which is not a valid NAL unit type.
func Type(n []byte) uint8 {
	if len(n) == 0 {
		return 0
	}
	return n[0] & 0x1F
}

// Split walks an Annex-B byte-stream buffer and returns the individual
// NAL units it contains, stripped of their start codes. The input may use
// either the 3-byte or 4-byte start code; output order is preserved.
func Split(b []byte) [][]byte {
	var units [][]byte
	start := -1

	i := 0
	for i+2 < len(b) {
		if b[i] != 0 || b[i+1] != 0 {
			i++
			continue
		}
		var scLen int
		switch {
		case b[i+2] == 1:
			scLen = 3
		case i+3 < len(b) && b[i+2] == 0 && b[i+3] == 1:
			scLen = 4
		default:
			i++
			continue
		}
		if start >= 0 {
			units = append(units, b[start:i])
		}
		start = i + scLen
		i = start
	}
	if start >= 0 && start < len(b) {
		units = append(units, b[start:])
	}
	return units
}

// HasKeyframe reports whether any unit in units is an IDR slice.
func HasKeyframe(units [][]byte) bool {
	for _, u := range units {
		if Type(u) == TypeIDR {
			return true
		}
	}
	return false
}

// WithLongStartCode prepends a 4-byte 00 00 00 01 start code to a raw
// NAL unit body, matching the framing spec.md requires for MediaPipeline
// output.
func WithLongStartCode(body []byte) []byte {
	out := make([]byte, 0, len(startCode4)+len(body))
	out = append(out, startCode4...)
	out = append(out, body...)
	return out
}

// HasLongStartCode reports whether b begins with the 4-byte start code.
func HasLongStartCode(b []byte) bool {
	return bytes.HasPrefix(b, startCode4)
}
