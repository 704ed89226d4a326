// Package pipeline implements the capture/transcode/publish loop spec.md
// §4.2 describes: one OS thread that pulls raw frames from a CameraSource,
// produces JPEG and (subject to gating) H.264 output, and publishes both
// onto the shared topics the two HTTP servers fan out from.
package pipeline

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/autoskip"
	"github.com/streamdaemon/mediastreamd/internal/dials"
	"github.com/streamdaemon/mediastreamd/internal/h264util"
	"github.com/streamdaemon/mediastreamd/internal/hwcodec"
	"github.com/streamdaemon/mediastreamd/internal/stats"
	"github.com/streamdaemon/mediastreamd/internal/sysload"
	"github.com/streamdaemon/mediastreamd/internal/topics"
)

// Mode selects which of the two capture shapes spec.md §4.2 defines the
// camera uses.
type Mode int

const (
	// ModeJPEGIn: the camera emits compressed JPEG directly.
	ModeJPEGIn Mode = iota
	// ModeRawIn: the camera emits packed YUV that must be JPEG-encoded in
	// software/hardware before publish.
	ModeRawIn
)

// ConsumerCounts lets the pipeline ask the two HTTP servers, without
// depending on their packages, how many streaming clients are currently
// attached to each topic. A nil func is treated as always returning 0.
type ConsumerCounts struct {
	JPEGStreaming func() int
	H264Streaming func() int
}

func (c ConsumerCounts) jpeg() int {
	if c.JPEGStreaming == nil {
		return 0
	}
	return c.JPEGStreaming()
}

func (c ConsumerCounts) h264() int {
	if c.H264Streaming == nil {
		return 0
	}
	return c.H264Streaming()
}

// Config holds the pipeline's fixed startup parameters.
type Config struct {
	Mode            Mode
	TargetFPS       int
	JpegQuality     int
	ControlFile     string
	ControlEveryN   int // re-read control file every N iterations (spec.md §6: ~30)
	ServerMode      bool
	StdoutJPEG      bool // publish camera_jpeg even with zero consumers (e.g. piping to stdout)
}

// Pipeline owns the single capture/transcode/publish loop. It is driven by
// Run on its own goroutine and exposes RequestSnapshot for the JPEG
// server's snapshot handler.
type Pipeline struct {
	cfg    Config
	topics topics.Topics
	dials  *dials.Dials

	camera  hwcodec.CameraSource
	jpegEnc hwcodec.JpegEncoder
	jpegDec hwcodec.JpegDecoder
	h264Enc hwcodec.H264Encoder

	consumers ConsumerCounts
	cpu       *sysload.Reader
	skipCtrl  *autoskip.Controller
	log       zerolog.Logger

	running           atomic.Bool
	snapshotRequested atomic.Bool

	detector rateDetector
	ramp     activityRamp

	iteration        uint64
	processedCount   uint64
	lastPublishedUs  int64
	missedIntervals  int
	wasIdle          bool

	lastStatsAt    time.Time
	lastAutoSkipAt time.Time
	mjpegSinceStat int
	h264SinceStat  int
	mjpegFps       float64
	h264Fps        float64
	droppedJPEG    uint64
	droppedH264    uint64
	encTimeouts    uint64
}

// New constructs a Pipeline. camera, jpegEnc, jpegDec, and h264Enc may be
// nil when the mode or feature set doesn't need them (e.g. jpegDec is
// unused in ModeRawIn).
func New(cfg Config, t topics.Topics, d *dials.Dials, camera hwcodec.CameraSource, jpegEnc hwcodec.JpegEncoder, jpegDec hwcodec.JpegDecoder, h264Enc hwcodec.H264Encoder, consumers ConsumerCounts, log zerolog.Logger) *Pipeline {
	if cfg.ControlEveryN <= 0 {
		cfg.ControlEveryN = 30
	}
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 15
	}
	p := &Pipeline{
		cfg:       cfg,
		topics:    t,
		dials:     d,
		camera:    camera,
		jpegEnc:   jpegEnc,
		jpegDec:   jpegDec,
		h264Enc:   h264Enc,
		consumers: consumers,
		cpu:       sysload.NewReader(""),
		skipCtrl:  autoskip.New(),
		log:       log,
	}
	p.running.Store(true)
	return p
}

// Stop flips the running flag; Run exits after finishing its current
// iteration, per spec.md §5 cancellation policy.
func (p *Pipeline) Stop() {
	p.running.Store(false)
}

// SetConsumerCounts wires the HTTP servers' client-count callbacks in
// after construction, since cmd/streamd/main.go must build the pipeline
// before it can hand the JPEG server a SnapshotRequester reference back
// to it. Must be called before Run starts.
func (p *Pipeline) SetConsumerCounts(consumers ConsumerCounts) {
	p.consumers = consumers
}

// RequestSnapshot arms the one-shot snapshot flag spec.md §4.2.2
// describes. The idle loop's next successful capture fulfils it even if
// the pipeline is otherwise gated off by client-activity.
func (p *Pipeline) RequestSnapshot() {
	p.snapshotRequested.Store(true)
}

// Run drives the capture/transcode/publish loop until ctx is cancelled or
// Stop is called. It returns nil on a clean exit.
func (p *Pipeline) Run(ctx context.Context) error {
	p.lastStatsAt = time.Now()
	p.lastPublishedUs = frameNow()

	for p.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		p.iterate(ctx)
	}
	return nil
}

func (p *Pipeline) iterate(ctx context.Context) {
	p.iteration++
	now := time.Now()

	// Step 1: runtime-config refresh.
	if p.cfg.ControlFile != "" && p.iteration%uint64(p.cfg.ControlEveryN) == 0 {
		if err := dials.ParseFile(p.cfg.ControlFile, p.dials); err != nil && !os.IsNotExist(err) {
			p.log.Info().Err(err).Msg("control file read failed")
		}
	}

	jpegConsumers := p.consumers.jpeg()
	h264Consumers := p.consumers.h264()
	activeConsumers := jpegConsumers + h264Consumers

	// Step 5 (partial): client-activity gating, idle branch.
	if p.cfg.ServerMode && activeConsumers == 0 {
		if !p.wasIdle {
			p.wasIdle = true
		}
		if p.snapshotRequested.Load() {
			// Fall through to capture exactly one frame to fulfil the
			// pending snapshot request even while otherwise idle.
		} else {
			time.Sleep(500 * time.Millisecond)
			p.runPeriodicTasks(now)
			return
		}
	} else if p.wasIdle {
		p.wasIdle = false
		p.ramp.Begin(now)
	}

	// Step 2: adaptive FPS detection happens as captures arrive, below.

	// Step 3: pre-capture pacing.
	if p.detector.RateLimitRequired(float64(p.cfg.TargetFPS)) {
		p.pace()
	}

	// Step 4: capture.
	raw, err := p.camera.Dequeue(ctx)
	if err != nil {
		p.log.Info().Err(err).Msg("capture dequeue failed")
		return
	}
	p.detector.Observe(raw.CapturedAtUs)

	phase := p.ramp.Phase(now)
	included := rampIncludes(phase, p.processedCount)
	if !included {
		if err := p.camera.Requeue(raw); err != nil {
			p.log.Info().Err(err).Msg("requeue failed")
		}
		p.processedCount++
		return
	}

	// Step 6: produce JPEG.
	var jpegBytes []byte
	switch p.cfg.Mode {
	case ModeJPEGIn:
		jpegBytes = raw.Data
	case ModeRawIn:
		if p.jpegEnc != nil {
			jpegBytes, err = p.jpegEnc.Encode(ctx, raw, p.cfg.JpegQuality)
			if err != nil {
				p.log.Info().Err(err).Msg("jpeg encode failed")
				p.encTimeouts++
			}
		}
	}
	publishJPEG := !p.cfg.ServerMode || jpegConsumers > 0 || p.cfg.StdoutJPEG || p.snapshotRequested.Load()
	if jpegBytes != nil && publishJPEG {
		before := p.topics.CameraJPEG.DroppedCount()
		p.topics.CameraJPEG.Publish(jpegBytes, raw.CapturedAtUs, false)
		p.droppedJPEG += p.topics.CameraJPEG.DroppedCount() - before
		p.mjpegSinceStat++
		p.snapshotRequested.Store(false)
	}

	// Step 7: decide H.264.
	skipRatio := int(p.dials.SkipRatio.Load())
	h264Allowed := p.dials.H264Enabled.Load() &&
		(h264Consumers > 0 || !p.cfg.ServerMode) &&
		(skipRatio == 1 || p.processedCount%uint64(skipRatio) == 1)

	if h264Allowed && p.h264Enc != nil {
		var yuv hwcodec.RawFrame
		var decodeErr error
		switch p.cfg.Mode {
		case ModeJPEGIn:
			if p.jpegDec != nil && jpegBytes != nil {
				yuv, decodeErr = p.jpegDec.Decode(ctx, jpegBytes)
			}
		case ModeRawIn:
			yuv = raw
		}
		if decodeErr != nil {
			p.log.Info().Err(decodeErr).Msg("jpeg decode for h264 failed")
		} else {
			if err := p.h264Enc.Submit(ctx, yuv); err != nil {
				p.log.Info().Err(err).Msg("h264 submit failed")
				p.encTimeouts++
			} else if out, err := p.h264Enc.Receive(ctx); err != nil {
				p.log.Info().Err(err).Msg("h264 receive failed")
				p.encTimeouts++
			} else if len(out) > 0 {
				isKeyframe := h264util.ContainsIDR(out)
				before := p.topics.CameraH264.DroppedCount()
				p.topics.CameraH264.Publish(out, frameNow(), isKeyframe)
				p.droppedH264 += p.topics.CameraH264.DroppedCount() - before
				p.h264SinceStat++
			}
		}
	}

	// Step 8: requeue.
	if err := p.camera.Requeue(raw); err != nil {
		p.log.Info().Err(err).Msg("requeue failed")
	}
	p.processedCount++

	p.runPeriodicTasks(now)
}

// pace implements spec.md §4.2 step 3: sleep until the next target
// interval, advancing last_published by the interval (not to "now") so
// brief overshoots let the loop catch up, but resetting to now after more
// than two consecutive missed intervals.
func (p *Pipeline) pace() {
	targetIntervalUs := int64(1_000_000 / p.cfg.TargetFPS)
	nowUs := frameNow()
	nextUs := p.lastPublishedUs + targetIntervalUs
	if nextUs > nowUs {
		time.Sleep(time.Duration(nextUs-nowUs) * time.Microsecond)
		p.lastPublishedUs = nextUs
		p.missedIntervals = 0
		return
	}
	p.missedIntervals++
	if p.missedIntervals > 2 {
		p.lastPublishedUs = frameNow()
		p.missedIntervals = 0
	} else {
		p.lastPublishedUs = nextUs
	}
}

// runPeriodicTasks implements spec.md §4.2 step 9: auto-skip every 500ms,
// fps recompute and control-surface write-back every 1s.
func (p *Pipeline) runPeriodicTasks(now time.Time) {
	if now.Sub(p.lastAutoSkipAt) >= 500*time.Millisecond {
		p.lastAutoSkipAt = now
		if p.dials.AutoSkip.Load() {
			if cpuPct, err := p.cpu.SamplePercent(); err == nil {
				p.skipCtrl.Tick(cpuPct, now, p.dials)
			}
		}
	}
	if now.Sub(p.lastStatsAt) < time.Second {
		return
	}

	elapsed := now.Sub(p.lastStatsAt).Seconds()
	if elapsed > 0 {
		p.mjpegFps = float64(p.mjpegSinceStat) / elapsed
		p.h264Fps = float64(p.h264SinceStat) / elapsed
	}
	p.mjpegSinceStat = 0
	p.h264SinceStat = 0
	p.lastStatsAt = now

	snap := p.Snapshot()
	if p.cfg.ControlFile != "" {
		if err := dials.WriteFile(p.cfg.ControlFile, p.dials, snap); err != nil {
			p.log.Info().Err(err).Msg("control file write-back failed")
		}
	}
}

// Snapshot returns the pipeline's current observable stats, shared by the
// control-file write-back above and the /ws/stats websocket
// (internal/statusws).
func (p *Pipeline) Snapshot() stats.Snapshot {
	return stats.Snapshot{
		MJPEGFps:        p.mjpegFps,
		H264Fps:         p.h264Fps,
		JPEGClients:     p.consumers.jpeg(),
		FLVClients:      p.consumers.h264(),
		DroppedJPEG:     p.droppedJPEG,
		DroppedH264:     p.droppedH264,
		EncoderTimeouts: p.encTimeouts,
		SkipRatio:       int(p.dials.SkipRatio.Load()),
	}
}

var processStartedAt = time.Now()

// frameNow returns the current monotonic microsecond timestamp, matching
// the convention internal/frame uses for published frame timestamps.
func frameNow() int64 {
	return time.Since(processStartedAt).Microseconds()
}
