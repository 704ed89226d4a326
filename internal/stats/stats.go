// Package stats defines the telemetry shape shared by the pipeline's
// control-file write-back (spec.md §6) and the /ws/stats dashboard feed
// (SPEC_FULL.md §3/§4), so both consumers of a pipeline snapshot agree on
// one set of field names instead of maintaining parallel structs.
package stats

// Snapshot is a point-in-time view of the pipeline's observable state.
// JSON tags matter here: this struct is marshalled directly onto the
// /ws/stats websocket.
type Snapshot struct {
	MJPEGFps        float64 `json:"mjpeg_fps"`
	H264Fps         float64 `json:"h264_fps"`
	JPEGClients     int     `json:"jpeg_clients"`
	FLVClients      int     `json:"flv_clients"`
	DroppedJPEG     uint64  `json:"dropped_jpeg"`
	DroppedH264     uint64  `json:"dropped_h264"`
	EncoderTimeouts uint64  `json:"enc_timeouts"`
	SkipRatio       int     `json:"skip_ratio"`
}
