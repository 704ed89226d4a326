// Package hwcodec defines the small capability interfaces the pipeline and
// display-capture subsystems consume, keeping the hardware video/JPEG
// encoder SDK, the V4L2 ioctl layer and the RGA rotation accelerator out of
// the core's dependency surface. Every interface has a test fake
// (fakes.go) used throughout the rest of the module's tests. Only
// CameraSource has a production implementation (v4l2camera.go); the other
// interfaces are implemented by the fakes alone.
package hwcodec

import "context"

// RawFrame is a single dequeued buffer from a CameraSource or
// FramebufferSource: either a compressed JPEG payload (MJPEG cameras) or a
// packed/planar pixel buffer, depending on Format.
type RawFrame struct {
	Data      []byte
	Format    PixelFormat
	Width     int
	Height    int
	CapturedAtUs int64
}

// PixelFormat enumerates the buffer layouts this package moves around.
type PixelFormat int

const (
	FormatJPEG PixelFormat = iota
	FormatYUYV             // packed YUV 4:2:2, as negotiated straight off some USB cameras
	FormatNV12             // planar luma + interleaved chroma, the hardware codecs' native input
)

// CameraSource abstracts a V4L2 (or equivalent) capture device. The
// production implementation is internal/hwcodec/v4l2camera.go, wrapping
// go4vl; ioctl and buffer-negotiation detail never leaks past this
// interface.
type CameraSource interface {
	// Dequeue blocks for at most one frame interval and returns the next
	// captured buffer.
	Dequeue(ctx context.Context) (RawFrame, error)
	// Requeue returns a previously dequeued buffer's backing memory to the
	// driver's queue.
	Requeue(RawFrame) error
	// NativeFormat reports whether the device emits compressed JPEG
	// (JPEG-in mode) or packed YUV (raw-in mode); see spec.md §4.2.
	NativeFormat() PixelFormat
	Close() error
}

// FramebufferSource abstracts a raw /dev/fb-style framebuffer device.
type FramebufferSource interface {
	// Grab reads the current framebuffer contents into a BGRX buffer.
	Grab(ctx context.Context) (RawFrame, error)
	Dimensions() (width, height int)
	Close() error
}

// JpegEncoder abstracts the hardware JPEG encoder (or its CPU fallback).
type JpegEncoder interface {
	Encode(ctx context.Context, in RawFrame, quality int) ([]byte, error)
}

// JpegDecoder abstracts JPEG-to-planar-YUV decode, used in JPEG-in mode to
// feed the H.264 encoder.
type JpegDecoder interface {
	Decode(ctx context.Context, jpegBytes []byte) (RawFrame, error)
}

// H264Encoder abstracts the hardware H.264 encoder. Submit hands a planar
// YUV surface to the encoder channel; Receive blocks for the corresponding
// compressed Annex-B output. Implementations MAY coalesce Submit+Receive
// into a single call internally; the two-phase shape here mirrors the
// borrow-a-DMA-buffer lifecycle spec.md §9 describes.
type H264Encoder interface {
	Submit(ctx context.Context, in RawFrame) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Rotator abstracts 0/90/180/270-degree rotation of a pixel buffer, used by
// DisplayCapture per the model-dependent policy in spec.md §4.6.
type Rotator interface {
	Rotate(ctx context.Context, in RawFrame, degrees int) (RawFrame, error)
}
