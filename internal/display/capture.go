// Package display implements the framebuffer capture subsystem spec.md
// §4.6 describes: grab the raw framebuffer, apply a model-dependent
// rotation, JPEG-encode, and publish on the display_jpeg topic, running
// only while the feature is enabled and at least one client has an open
// /display or /display/snapshot request.
package display

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/dials"
	"github.com/streamdaemon/mediastreamd/internal/frame"
	"github.com/streamdaemon/mediastreamd/internal/hwcodec"
	"github.com/streamdaemon/mediastreamd/internal/topics"
)

// Capture owns the on-demand framebuffer capture loop. It implements the
// jpegserver.DisplayActivation interface (Acquire/Release) without either
// package importing the other, resolving the back-reference spec.md §9
// calls out between the JPEG server's display subscriptions and this
// component's refcount.
type Capture struct {
	fb       hwcodec.FramebufferSource
	rotator  hwcodec.Rotator
	jpegEnc  hwcodec.JpegEncoder
	topics   topics.Topics
	dials    *dials.Dials
	rotation Rotation
	quality  int
	log      zerolog.Logger

	refcount atomic.Int64
	running  atomic.Bool
}

// New constructs a Capture. rotation is normally derived once at startup
// via RotationForModel(LoadModelID(path)).
func New(fb hwcodec.FramebufferSource, rotator hwcodec.Rotator, jpegEnc hwcodec.JpegEncoder, t topics.Topics, d *dials.Dials, rotation Rotation, quality int, log zerolog.Logger) *Capture {
	c := &Capture{fb: fb, rotator: rotator, jpegEnc: jpegEnc, topics: t, dials: d, rotation: rotation, quality: quality, log: log}
	c.running.Store(true)
	return c
}

// Acquire increments the active-subscriber refcount, starting capture if
// it was previously idle and the feature is enabled.
func (c *Capture) Acquire() {
	c.refcount.Add(1)
}

// Release decrements the refcount; capture idles again once it reaches 0.
func (c *Capture) Release() {
	if c.refcount.Add(-1) < 0 {
		c.refcount.Store(0)
	}
}

// Stop ends the Run loop after its current iteration.
func (c *Capture) Stop() {
	c.running.Store(false)
}

// Run drives the capture loop until ctx is cancelled or Stop is called.
func (c *Capture) Run(ctx context.Context) error {
	for c.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !c.dials.DisplayEnabled.Load() || c.refcount.Load() <= 0 {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		start := time.Now()
		if err := c.captureOnce(ctx); err != nil {
			c.log.Info().Err(err).Msg("display capture failed")
		}

		fps := int(c.dials.DisplayFPS.Load())
		if fps <= 0 {
			fps = 1
		}
		interval := time.Second / time.Duration(fps)
		if elapsed := time.Since(start); elapsed < interval {
			time.Sleep(interval - elapsed)
		}
	}
	return nil
}

func (c *Capture) captureOnce(ctx context.Context) error {
	raw, err := c.fb.Grab(ctx)
	if err != nil {
		return err
	}

	if c.rotation != RotateNone && c.rotator != nil {
		raw, err = c.rotator.Rotate(ctx, raw, int(c.rotation))
		if err != nil {
			return err
		}
	}

	jpegBytes, err := c.jpegEnc.Encode(ctx, raw, c.quality)
	if err != nil {
		return err
	}

	c.topics.DisplayJPEG.Publish(jpegBytes, frame.NowMicros(), false)
	return nil
}
