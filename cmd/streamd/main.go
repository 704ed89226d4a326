// Command streamd is the embedded multimedia streaming daemon spec.md
// describes: it captures from a camera (and optionally a framebuffer),
// transcodes to JPEG/H.264, and fans both out over HTTP to up to 24
// clients per stream, plus a /ws/stats telemetry feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdaemon/mediastreamd/internal/applog"
	"github.com/streamdaemon/mediastreamd/internal/config"
	"github.com/streamdaemon/mediastreamd/internal/dials"
	"github.com/streamdaemon/mediastreamd/internal/display"
	"github.com/streamdaemon/mediastreamd/internal/flvserver"
	"github.com/streamdaemon/mediastreamd/internal/hwcodec"
	"github.com/streamdaemon/mediastreamd/internal/jpegserver"
	"github.com/streamdaemon/mediastreamd/internal/pipeline"
	"github.com/streamdaemon/mediastreamd/internal/statusws"
	"github.com/streamdaemon/mediastreamd/internal/topics"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "streamd: %v\n", err)
		os.Exit(1)
	}

	// Flags override env defaults for the settings most often tweaked at
	// the command line, matching the teacher's cmd/kindavmd/main.go
	// flag-over-env-default convention.
	cameraDevice := flag.String("camera-device", cfg.CameraDevice, "V4L2 camera device path")
	jpegPort := flag.Int("jpeg-port", cfg.JpegPort, "multipart-JPEG HTTP server port")
	flvPort := flag.Int("flv-port", cfg.FlvPort, "FLV-over-HTTP server port")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("streamd version %s\n", Version)
		os.Exit(0)
	}
	cfg.CameraDevice = *cameraDevice
	cfg.JpegPort = *jpegPort
	cfg.FlvPort = *flvPort

	log := applog.Init(cfg.LogLevel)
	log.Info().Str("version", Version).Msg("streamd starting")

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("streamd exiting with error")
		os.Exit(1)
	}
	log.Info().Msg("streamd stopped")
}

// run wires every long-lived component together and blocks until a
// shutdown signal arrives or one of them fails, following the teacher's
// cmd/kindavmd/main.go signal-handling shape (context.WithCancel +
// signal.Notify) extended to this daemon's additional goroutines.
func run(cfg config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t := topics.New()
	d := dials.Defaults()

	camera, jpegEnc, jpegDec, h264Enc, fb, rotator, mode, err := buildHardware(cfg, log)
	if err != nil {
		return fmt.Errorf("init hardware: %w", err)
	}

	modelID, err := display.LoadModelID(cfg.DisplayConfigPath)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load display model config, defaulting to no rotation")
	}
	rotation := display.RotationForModel(modelID)

	displayCap := display.New(fb, rotator, jpegEnc, t, d, rotation, cfg.JpegQuality, applog.Component(log, "display"))

	pipelineCfg := pipeline.Config{
		Mode:          mode,
		TargetFPS:     cfg.TargetFPS,
		JpegQuality:   cfg.JpegQuality,
		ControlFile:   cfg.ControlFilePath,
		ControlEveryN: cfg.ControlEveryIters,
		ServerMode:    true,
	}
	pl := pipeline.New(pipelineCfg, t, d, camera, jpegEnc, jpegDec, h264Enc, pipeline.ConsumerCounts{}, applog.Component(log, "pipeline"))

	jpegAddr := net.JoinHostPort("0.0.0.0", fmt.Sprintf("%d", cfg.JpegPort))
	idleTimeout := time.Duration(cfg.HTTPIdleTimeout) * time.Second
	jsrv, err := jpegserver.New(jpegAddr, t, pl, displayCap, cfg.MaxClients, idleTimeout, applog.Component(log, "jpegserver"))
	if err != nil {
		return fmt.Errorf("start jpeg server: %w", err)
	}

	flvAddr := net.JoinHostPort("0.0.0.0", fmt.Sprintf("%d", cfg.FlvPort))
	info := flvserver.StreamInfo{
		Width:             cfg.CameraWidth,
		Height:            cfg.CameraHeight,
		FrameRate:         cfg.CameraFPS,
		VideoDataRateKbps: 1024,
	}
	fsrv, err := flvserver.New(flvAddr, t, info, cfg.MaxClients, idleTimeout, applog.Component(log, "flvserver"))
	if err != nil {
		return fmt.Errorf("start flv server: %w", err)
	}

	// The servers need a constructed Pipeline (SnapshotRequester) and vice
	// versa (client-count gating), so the cycle is broken by wiring the
	// counts in after both sides exist, before Run starts.
	pl.SetConsumerCounts(pipeline.ConsumerCounts{
		JPEGStreaming: jsrv.JPEGStreamingClients,
		H264Streaming: fsrv.FLVStreamingClients,
	})

	statusAddr := net.JoinHostPort("0.0.0.0", fmt.Sprintf("%d", cfg.StatusPort))
	ssrv := statusws.New(statusAddr, pl, applog.Component(log, "statusws"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 4)
	go func() {
		if err := pl.Run(ctx); err != nil {
			errChan <- fmt.Errorf("pipeline: %w", err)
		}
	}()
	go func() {
		if err := displayCap.Run(ctx); err != nil {
			errChan <- fmt.Errorf("display capture: %w", err)
		}
	}()
	go func() {
		if err := jsrv.Run(); err != nil {
			errChan <- fmt.Errorf("jpeg server: %w", err)
		}
	}()
	go func() {
		if err := fsrv.Run(); err != nil {
			errChan <- fmt.Errorf("flv server: %w", err)
		}
	}()
	go func() {
		if err := ssrv.Run(ctx); err != nil {
			errChan <- fmt.Errorf("status server: %w", err)
		}
	}()

	log.Info().
		Str("jpeg_addr", jpegAddr).
		Str("flv_addr", flvAddr).
		Str("status_addr", statusAddr).
		Msg("streamd ready")

	var runErr error
	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed")
		runErr = err
	}

	cancel()
	pl.Stop()
	displayCap.Stop()
	_ = jsrv.Close()
	_ = fsrv.Close()
	t.BroadcastShutdown()

	return runErr
}

// buildHardware constructs the hardware capability set. When
// cfg.UseFakeHardware is set, every capability is a hand-written fake
// (internal/hwcodec/fakes.go), letting the whole daemon run on a
// developer machine without a camera or framebuffer. Otherwise the camera
// uses the real go4vl-backed V4L2Camera; the JPEG/H.264 codec and
// framebuffer/rotation capabilities stay on fakes regardless, since the
// underlying hardware SDK/ioctl detail for those is explicitly out of
// scope (spec.md Non-goals, SPEC_FULL.md §4).
func buildHardware(cfg config.Config, log zerolog.Logger) (camera hwcodec.CameraSource, jpegEnc hwcodec.JpegEncoder, jpegDec hwcodec.JpegDecoder, h264Enc hwcodec.H264Encoder, fb hwcodec.FramebufferSource, rotator hwcodec.Rotator, mode pipeline.Mode, err error) {
	mode = pipeline.ModeJPEGIn
	if !cfg.CameraMJPEG {
		mode = pipeline.ModeRawIn
	}

	jpegEnc = &hwcodec.FakeJpegEncoder{}
	jpegDec = &hwcodec.FakeJpegDecoder{}
	h264Enc = hwcodec.NewFakeH264Encoder()
	fb = &hwcodec.FakeFramebuffer{
		Width:      cfg.CameraWidth,
		Height:     cfg.CameraHeight,
		Buf:        make([]byte, cfg.CameraWidth*cfg.CameraHeight*4),
		DevicePath: cfg.FramebufferDevice,
	}
	rotator = hwcodec.FakeRotator{}
	log.Info().Str("device", cfg.FramebufferDevice).Msg("framebuffer capability backed by fake (no real ioctl path implemented)")

	if cfg.UseFakeHardware {
		placeholder := hwcodec.RawFrame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Format: hwcodec.FormatJPEG, Width: cfg.CameraWidth, Height: cfg.CameraHeight}
		camera = hwcodec.NewFakeCamera(hwcodec.FormatJPEG, placeholder)
		log.Info().Msg("using fake hardware capabilities (USE_FAKE_HARDWARE=true)")
		return camera, jpegEnc, jpegDec, h264Enc, fb, rotator, mode, nil
	}

	v4l2cam, err := hwcodec.OpenV4L2Camera(hwcodec.V4L2Config{
		Path:       cfg.CameraDevice,
		Width:      cfg.CameraWidth,
		Height:     cfg.CameraHeight,
		FPS:        cfg.CameraFPS,
		MJPEG:      cfg.CameraMJPEG,
		NumBuffers: 4,
	})
	if err != nil {
		return nil, nil, nil, nil, nil, nil, mode, fmt.Errorf("open camera %s: %w", cfg.CameraDevice, err)
	}
	camera = v4l2cam
	log.Info().Str("device", cfg.CameraDevice).Msg("camera opened")
	return camera, jpegEnc, jpegDec, h264Enc, fb, rotator, mode, nil
}
