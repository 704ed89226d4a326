package hwcodec

import (
	"context"
	"fmt"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// V4L2Camera is the production CameraSource, negotiating buffers and
// streaming from a real V4L2 device via go4vl. It is the one file in this
// module that imports v4l2 ioctl detail; everything else in the core only
// ever sees the CameraSource interface.
type V4L2Camera struct {
	dev    *device.Device
	format PixelFormat
	frames <-chan *device.Frame
}

// V4L2Config is the subset of V4L2 negotiation spec.md §6 calls out:
// requested resolution/fps and pixel format, plus the buffer count the
// device memory-maps.
type V4L2Config struct {
	Path       string
	Width      int
	Height     int
	FPS        int
	MJPEG      bool // true: request MJPEG (JPEG-in mode); false: YUYV (raw-in mode)
	NumBuffers int
}

// OpenV4L2Camera opens path, negotiates (w,h,fps) in the requested pixel
// format, memory-maps NumBuffers capture buffers and starts streaming.
func OpenV4L2Camera(cfg V4L2Config) (*V4L2Camera, error) {
	pixFormat := v4l2.PixelFmtYUYV
	format := FormatYUYV
	if cfg.MJPEG {
		pixFormat = v4l2.PixelFmtMJPEG
		format = FormatJPEG
	}

	numBuffers := cfg.NumBuffers
	if numBuffers <= 0 {
		numBuffers = 5
	}

	dev, err := device.Open(
		cfg.Path,
		device.WithPixFormat(v4l2.PixFormat{
			Width:       uint32(cfg.Width),
			Height:      uint32(cfg.Height),
			PixelFormat: pixFormat,
			Field:       v4l2.FieldNone,
		}),
		device.WithFPS(uint32(cfg.FPS)),
		device.WithBufferSize(uint32(numBuffers)),
	)
	if err != nil {
		return nil, fmt.Errorf("hwcodec: open v4l2 device %s: %w", cfg.Path, err)
	}

	ctx := context.Background()
	if err := dev.Start(ctx); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("hwcodec: start v4l2 stream on %s: %w", cfg.Path, err)
	}

	return &V4L2Camera{dev: dev, format: format, frames: dev.GetOutput()}, nil
}

func (c *V4L2Camera) Dequeue(ctx context.Context) (RawFrame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return RawFrame{}, fmt.Errorf("hwcodec: v4l2 frame channel closed")
		}
		pf := c.dev.GetPixFormat()
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		return RawFrame{Data: data, Format: c.format, Width: int(pf.Width), Height: int(pf.Height), CapturedAtUs: NowMicros()}, nil
	case <-ctx.Done():
		return RawFrame{}, ctx.Err()
	}
}

// Requeue is a no-op: go4vl's device.Device recycles its own buffer pool
// internally once a *device.Frame's bytes have been copied out above, so
// there is nothing for the core to hand back explicitly.
func (c *V4L2Camera) Requeue(RawFrame) error { return nil }

func (c *V4L2Camera) NativeFormat() PixelFormat { return c.format }

// Close stops streaming and unmaps buffers, in that order, per spec.md §6.
func (c *V4L2Camera) Close() error {
	if err := c.dev.Stop(); err != nil {
		return fmt.Errorf("hwcodec: stop v4l2 stream: %w", err)
	}
	return c.dev.Close()
}
