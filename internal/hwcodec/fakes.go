package hwcodec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// FakeCamera is a CameraSource test double that replays a fixed sequence
// of frames (looping) at no particular pace; callers that need pacing
// drive Dequeue from a ticker themselves, matching how the real V4L2
// adapter is driven by the pipeline's own pacing loop rather than pacing
// internally.
type FakeCamera struct {
	Frames []RawFrame
	Format PixelFormat

	mu     sync.Mutex
	cursor int
	closed bool
}

func NewFakeCamera(format PixelFormat, frames ...RawFrame) *FakeCamera {
	return &FakeCamera{Frames: frames, Format: format}
}

func (c *FakeCamera) Dequeue(ctx context.Context) (RawFrame, error) {
	select {
	case <-ctx.Done():
		return RawFrame{}, ctx.Err()
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return RawFrame{}, fmt.Errorf("hwcodec: fake camera closed")
	}
	if len(c.Frames) == 0 {
		return RawFrame{}, fmt.Errorf("hwcodec: fake camera has no frames loaded")
	}
	f := c.Frames[c.cursor%len(c.Frames)]
	c.cursor++
	return f, nil
}

func (c *FakeCamera) Requeue(RawFrame) error { return nil }
func (c *FakeCamera) NativeFormat() PixelFormat { return c.Format }
func (c *FakeCamera) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// FakeFramebuffer is a FramebufferSource test double returning a fixed
// buffer on every Grab.
type FakeFramebuffer struct {
	Buf           []byte
	Width, Height int
	// DevicePath records the configured framebuffer device for logging
	// and diagnostics; this fake never opens it, since framebuffer
	// ioctl support is explicitly out of scope.
	DevicePath string
}

func (f *FakeFramebuffer) Grab(ctx context.Context) (RawFrame, error) {
	select {
	case <-ctx.Done():
		return RawFrame{}, ctx.Err()
	default:
	}
	return RawFrame{Data: f.Buf, Format: FormatYUYV, Width: f.Width, Height: f.Height}, nil
}

func (f *FakeFramebuffer) Dimensions() (int, int) { return f.Width, f.Height }
func (f *FakeFramebuffer) Close() error           { return nil }

// FakeJpegEncoder returns a deterministic, recognizably-tagged payload
// rather than a real JPEG, which is sufficient for pipeline-wiring tests
// that never decode the bytes.
type FakeJpegEncoder struct {
	Calls atomic.Int64
	Err   error
}

func (e *FakeJpegEncoder) Encode(ctx context.Context, in RawFrame, quality int) ([]byte, error) {
	e.Calls.Add(1)
	if e.Err != nil {
		return nil, e.Err
	}
	out := []byte{0xFF, 0xD8}
	out = append(out, in.Data...)
	out = append(out, 0xFF, 0xD9)
	return out, nil
}

// FakeJpegDecoder returns a fixed-size NV12 surface regardless of input,
// tracking call count for assertions.
type FakeJpegDecoder struct {
	Calls  atomic.Int64
	Err    error
	Output RawFrame
}

func (d *FakeJpegDecoder) Decode(ctx context.Context, jpegBytes []byte) (RawFrame, error) {
	d.Calls.Add(1)
	if d.Err != nil {
		return RawFrame{}, d.Err
	}
	return d.Output, nil
}

// FakeH264Encoder is a single-channel fake: Submit stores the input,
// Receive consumes it and returns a fixed synthetic Annex-B unit whose
// bytes do not depend on the input. IDR injection
// is controlled by NextIsIDR so tests can script GOP structure.
type FakeH264Encoder struct {
	mu        sync.Mutex
	pending   []RawFrame
	NextIsIDR func(frameIndex int) bool
	frameIdx  int
	Err       error
	closed    bool
}

func NewFakeH264Encoder() *FakeH264Encoder {
	return &FakeH264Encoder{NextIsIDR: func(i int) bool { return i%10 == 0 }}
}

func (e *FakeH264Encoder) Submit(ctx context.Context, in RawFrame) error {
	if e.Err != nil {
		return e.Err
	}
	e.mu.Lock()
	e.pending = append(e.pending, in)
	e.mu.Unlock()
	return nil
}

func (e *FakeH264Encoder) Receive(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("hwcodec: fake h264 encoder closed")
	}
	if len(e.pending) == 0 {
		return nil, fmt.Errorf("hwcodec: nothing submitted")
	}
	e.pending = e.pending[1:]
	isIDR := e.NextIsIDR(e.frameIdx)
	e.frameIdx++

	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	var nalType byte = 1
	if isIDR {
		nalType = 5
	}
	out := append([]byte{}, startCode...)
	out = append(out, nalType)
	out = append(out, 0xAA, 0xBB, 0xCC) // synthetic payload
	return out, nil
}

func (e *FakeH264Encoder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// FakeRotator performs no actual rotation; it just reports swapped
// dimensions for 90/270 so callers can assert on shape without needing a
// real RGA-equivalent accelerator in unit tests.
type FakeRotator struct{}

func (FakeRotator) Rotate(ctx context.Context, in RawFrame, degrees int) (RawFrame, error) {
	out := in
	if degrees == 90 || degrees == 270 {
		out.Width, out.Height = in.Height, in.Width
	}
	return out, nil
}
