// Package h264util scans Annex-B H.264 byte streams for NAL unit
// boundaries. It is shared by the pipeline (IDR detection on the encoder
// output) and the flv package (SPS/PPS capture, per-access-unit tagging).
package h264util

// NAL unit type constants relevant to this module (ITU-T H.264 §7.4.1).
const (
	TypeNonIDRSlice = 1
	TypeIDRSlice    = 5
	TypeSEI         = 6
	TypeSPS         = 7
	TypePPS         = 8
)

// Unit is one NAL unit found inside an Annex-B byte stream: Payload
// includes the NAL header byte but excludes the start code.
type Unit struct {
	Type    int
	Payload []byte
}

// IsIDR reports whether t is the slice type used for instantaneous
// decoder refresh (keyframe) access units.
func IsIDR(t int) bool {
	return t == TypeIDRSlice
}

// Split scans data for 3-byte (00 00 01) and 4-byte (00 00 00 01) start
// codes and returns the NAL units found between them, in order. A
// trailing unit with no following start code runs to the end of data.
// Zero-length units (two adjacent start codes) are skipped. An empty or
// start-code-free input yields a nil slice, not an error.
func Split(data []byte) []Unit {
	starts := findStartCodes(data)
	if len(starts) == 0 {
		return nil
	}

	var units []Unit
	for i, s := range starts {
		begin := s.end
		var end int
		if i+1 < len(starts) {
			end = starts[i+1].start
		} else {
			end = len(data)
		}
		if begin >= end {
			continue
		}
		payload := data[begin:end]
		units = append(units, Unit{
			Type:    int(payload[0] & 0x1f),
			Payload: payload,
		})
	}
	return units
}

// ContainsIDR reports whether data (an Annex-B byte stream, typically one
// encoder output buffer) contains a NAL unit of type IDR slice.
func ContainsIDR(data []byte) bool {
	for _, u := range Split(data) {
		if IsIDR(u.Type) {
			return true
		}
	}
	return false
}

type startCode struct {
	start int
	end   int
}

// findStartCodes locates every 00 00 01 / 00 00 00 01 marker in data,
// preferring the longer 4-byte match when both align on the same 00 00 01
// suffix.
func findStartCodes(data []byte) []startCode {
	var out []startCode
	i := 0
	for i+2 < len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			start := i
			end := i + 3
			if i > 0 && data[i-1] == 0 {
				start = i - 1
			}
			out = append(out, startCode{start: start, end: end})
			i = end
			continue
		}
		i++
	}
	return out
}
