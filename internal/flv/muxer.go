// Package flv converts a raw H.264 Annex-B byte stream into a valid FLV
// container, one client at a time, per spec.md §4.3. Each FlvHttpServer
// client owns its own Muxer instance so SPS/PPS capture and keyframe
// gating never cross client boundaries.
package flv

import (
	"bytes"
	"encoding/binary"

	"github.com/streamdaemon/mediastreamd/internal/h264util"
)

const (
	tagTypeScript = 0x12
	tagTypeVideo  = 0x09

	codecIDAVC = 7

	avcPacketTypeSeqHeader = 0
	avcPacketTypeNALU      = 1

	frameTypeKey   = 1
	frameTypeInter = 2
)

// Header writes the fixed 13-byte FLV file header: "FLV" magic, version 1,
// a flags byte declaring video-only, a 9-byte data offset, and the
// mandatory PreviousTagSize0 = 0 that precedes the first tag.
func Header() []byte {
	return []byte{
		'F', 'L', 'V',
		0x01,       // version
		0x01,       // flags: video present, audio absent
		0, 0, 0, 9, // data offset
		0, 0, 0, 0, // PreviousTagSize0
	}
}

// Metadata builds the onMetaData script-data tag (header + AMF0 payload)
// followed by its PreviousTagSize, ready to append directly after Header.
func Metadata(width, height int, videoDataRateKbps, frameRate float64) []byte {
	payload := onMetaDataPayload(width, height, videoDataRateKbps, frameRate)
	return appendTag(nil, tagTypeScript, 0, payload)
}

// Muxer holds the per-client state FlvMuxer needs across calls to Mux:
// the most recently seen SPS/PPS (for the sequence header) and whether a
// keyframe has been observed yet (access units are dropped until then).
type Muxer struct {
	sps        []byte
	pps        []byte
	haveSeqHdr bool
	sawKeyframe bool
	startTimeUs int64
	haveStart   bool
}

// NewMuxer constructs an empty Muxer. Every new FLV client gets its own,
// so a reconnecting client always resynchronises on the next IDR rather
// than inheriting another client's SPS/PPS or keyframe state.
func NewMuxer() *Muxer {
	return &Muxer{}
}

// Reset clears all per-client muxer state, used when a client's stream
// needs to resynchronise (e.g. after a gap the caller considers fatal).
func (m *Muxer) Reset() {
	*m = Muxer{}
}

// Mux consumes one Annex-B access unit (the bytes published to
// camera_h264 for a single frame) and appends zero or more FLV tags to
// dst, returning the extended slice. nowUs is the capture timestamp in
// microseconds on the same monotonic clock used throughout the pipeline.
//
// If nalUnits is empty, Mux appends nothing and returns dst unchanged (no
// error, per spec.md §4.3 edge cases). If no keyframe has been seen yet,
// non-IDR access units are dropped entirely; the first IDR triggers the
// sequence header (once SPS and PPS are both known) followed by the NALU
// tag for that same access unit.
func (m *Muxer) Mux(dst []byte, nalUnits []byte, nowUs int64) []byte {
	units := h264util.Split(nalUnits)
	if len(units) == 0 {
		return dst
	}

	isIDR := false
	var payloadUnits [][]byte
	for _, u := range units {
		switch u.Type {
		case h264util.TypeSPS:
			if !bytes.Equal(m.sps, u.Payload) {
				m.sps = append([]byte(nil), u.Payload...)
				m.haveSeqHdr = false
			}
			continue
		case h264util.TypePPS:
			if !bytes.Equal(m.pps, u.Payload) {
				m.pps = append([]byte(nil), u.Payload...)
				m.haveSeqHdr = false
			}
			continue
		case h264util.TypeIDRSlice:
			isIDR = true
		}
		payloadUnits = append(payloadUnits, u.Payload)
	}

	if isIDR {
		m.sawKeyframe = true
	}
	if !m.sawKeyframe {
		return dst
	}
	if len(payloadUnits) == 0 {
		// Parameter-set-only access unit (e.g. a repeated SPS/PPS pair
		// sent ahead of the next IDR): nothing to tag yet.
		return dst
	}

	if !m.haveStart {
		m.startTimeUs = nowUs
		m.haveStart = true
	}
	tsMs := uint32((nowUs - m.startTimeUs) / 1000)

	if !m.haveSeqHdr && m.sps != nil && m.pps != nil {
		dst = appendTag(dst, tagTypeVideo, 0, seqHeaderPayload(m.sps, m.pps))
		m.haveSeqHdr = true
	}

	frameType := byte(frameTypeInter)
	if isIDR {
		frameType = frameTypeKey
	}
	dst = appendTag(dst, tagTypeVideo, tsMs, nalUnitPayload(frameType, payloadUnits))
	return dst
}

// seqHeaderPayload builds a video tag body carrying an
// AVCDecoderConfigurationRecord for a single SPS/PPS pair, per spec.md
// §4.3: FrameType=1, CodecID=7, AVCPacketType=0, CompositionTime=0.
func seqHeaderPayload(sps, pps []byte) []byte {
	body := []byte{
		(frameTypeKey << 4) | codecIDAVC,
		avcPacketTypeSeqHeader,
		0, 0, 0, // CompositionTime
	}

	// AVCDecoderConfigurationRecord (ISO 14496-15 §5.2.4.1).
	profile, compat, level := byte(0x42), byte(0x00), byte(0x1f)
	if len(sps) >= 3 {
		profile, compat, level = sps[0], sps[1], sps[2]
	}
	body = append(body,
		0x01,    // configurationVersion
		profile, // AVCProfileIndication
		compat,  // profile_compatibility
		level,   // AVCLevelIndication
		0xff,    // reserved(6) + lengthSizeMinusOne=3 (4-byte lengths)
		0xe1,    // reserved(3) + numOfSequenceParameterSets=1
	)
	body = append(body, byte(len(sps)>>8), byte(len(sps)))
	body = append(body, sps...)
	body = append(body, 0x01) // numOfPictureParameterSets
	body = append(body, byte(len(pps)>>8), byte(len(pps)))
	body = append(body, pps...)
	return body
}

// nalUnitPayload builds a video tag body carrying one or more NALUs, each
// prefixed by its big-endian 4-byte length, per spec.md §4.3.
func nalUnitPayload(frameType byte, units [][]byte) []byte {
	body := []byte{
		(frameType << 4) | codecIDAVC,
		avcPacketTypeNALU,
		0, 0, 0, // CompositionTime
	}
	for _, u := range units {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u)))
		body = append(body, lenBuf[:]...)
		body = append(body, u...)
	}
	return body
}

// appendTag appends one FLV tag (11-byte header + payload) and its
// trailing 4-byte PreviousTagSize to dst. tsMs is truncated to 24 bits
// with the extended-timestamp high byte carrying bits 24-31, matching
// the FLV spec's handling of timestamps beyond ~4.66 hours.
func appendTag(dst []byte, tagType byte, tsMs uint32, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, tagType)
	dst = append(dst, byte(len(payload)>>16), byte(len(payload)>>8), byte(len(payload)))
	dst = append(dst, byte(tsMs>>16), byte(tsMs>>8), byte(tsMs))
	dst = append(dst, byte(tsMs>>24)) // TimestampExtended
	dst = append(dst, 0, 0, 0)        // StreamID, always 0
	dst = append(dst, payload...)

	tagSize := uint32(len(dst) - start)
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], tagSize)
	dst = append(dst, sizeBuf[:]...)
	return dst
}
