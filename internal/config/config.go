// Package config loads the process's startup parameters from the
// environment (with a .env file auto-loaded for local development),
// matching the teacher pack's caarlos0/env + joho/godotenv convention.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v9"
	_ "github.com/joho/godotenv/autoload"
)

// Config holds every environment-driven setting the binary needs at
// startup. Values not covered by an env var keep caarlos0/env's declared
// default.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	JpegPort   int `env:"JPEG_PORT" envDefault:"8080"`
	FlvPort    int `env:"FLV_PORT" envDefault:"18088"`
	StatusPort int `env:"STATUS_PORT" envDefault:"8081"`

	CameraDevice string `env:"CAMERA_DEVICE" envDefault:"/dev/video0"`
	CameraWidth  int    `env:"CAMERA_WIDTH" envDefault:"1280"`
	CameraHeight int    `env:"CAMERA_HEIGHT" envDefault:"720"`
	CameraFPS    int    `env:"CAMERA_FPS" envDefault:"15"`
	CameraMJPEG  bool   `env:"CAMERA_MJPEG" envDefault:"true"`

	FramebufferDevice string `env:"FRAMEBUFFER_DEVICE" envDefault:"/dev/fb0"`
	DisplayConfigPath string `env:"DISPLAY_CONFIG_PATH" envDefault:"/etc/mediastreamd/display.json"`

	ControlFilePath   string `env:"CONTROL_FILE_PATH" envDefault:"/tmp/h264_ctrl"`
	ControlEveryIters int    `env:"CONTROL_EVERY_ITERS" envDefault:"30"`

	JpegQuality int `env:"JPEG_QUALITY" envDefault:"80"`
	TargetFPS   int `env:"TARGET_FPS" envDefault:"15"`

	MaxClients      int `env:"MAX_CLIENTS" envDefault:"24"`
	HTTPIdleTimeout int `env:"HTTP_IDLE_TIMEOUT_SEC" envDefault:"10"`

	UseFakeHardware bool `env:"USE_FAKE_HARDWARE" envDefault:"false"`
}

// Load parses environment variables into a Config, applying
// envDefault-declared defaults for anything unset.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}
