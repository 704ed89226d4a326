package flv

import (
	"encoding/binary"
	"math"
)

// AMF0 marker bytes used by the onMetaData script-data tag (spec.md §4.3).
const (
	amf0Number    = 0x00
	amf0Boolean   = 0x01
	amf0String    = 0x02
	amf0ECMAArray = 0x08
	amf0ObjectEnd = 0x09
)

// amf0Writer appends AMF0-encoded values to an in-memory buffer. It only
// implements the subset onMetaData needs: strings, numbers, and a
// top-level ECMA array of key/value pairs.
type amf0Writer struct {
	buf []byte
}

func (w *amf0Writer) string(s string) {
	w.buf = append(w.buf, amf0String)
	w.buf = appendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *amf0Writer) number(v float64) {
	w.buf = append(w.buf, amf0Number)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf = append(w.buf, b[:]...)
}

// ecmaArrayStart writes the ECMA array marker and its declared element
// count. Callers then write count key/value pairs (key as a raw
// length-prefixed string with no leading AMF0 string marker, per the AMF0
// object-property encoding) followed by ecmaArrayEnd.
func (w *amf0Writer) ecmaArrayStart(count uint32) {
	w.buf = append(w.buf, amf0ECMAArray)
	w.buf = appendUint32(w.buf, count)
}

func (w *amf0Writer) propertyName(name string) {
	w.buf = appendUint16(w.buf, uint16(len(name)))
	w.buf = append(w.buf, name...)
}

func (w *amf0Writer) ecmaArrayEnd() {
	w.buf = appendUint16(w.buf, 0)
	w.buf = append(w.buf, amf0ObjectEnd)
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// onMetaDataPayload builds the AMF0 body of the onMetaData script-data tag:
// the string "onMetaData" followed by an ECMA array of the properties
// spec.md §4.3 lists.
func onMetaDataPayload(width, height int, videoDataRateKbps, frameRate float64) []byte {
	w := &amf0Writer{}
	w.string("onMetaData")
	w.ecmaArrayStart(6)

	w.propertyName("duration")
	w.number(0)

	w.propertyName("width")
	w.number(float64(width))

	w.propertyName("height")
	w.number(float64(height))

	w.propertyName("videodatarate")
	w.number(videoDataRateKbps)

	w.propertyName("framerate")
	w.number(frameRate)

	w.propertyName("videocodecid")
	w.number(7)

	w.ecmaArrayEnd()
	return w.buf
}
