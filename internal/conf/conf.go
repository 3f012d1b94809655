// Package conf loads engine runtime settings from flags, environment and
// an optional config file, in that order of precedence, via viper. Only
// engine startup configuration lives here; per-app EQ and volume presets
// are the UI layer's to persist and re-apply through the command set.
package conf

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Settings holds the engine's startup configuration.
type Settings struct {
	SampleRate      float64 `mapstructure:"samplerate"`
	FramesPerBuffer int     `mapstructure:"framesperbuffer"`
	OutputDevice    string  `mapstructure:"outputdevice"`
	Backend         string  `mapstructure:"backend"`
	AutoCapture     bool    `mapstructure:"autocapture"`
	LogLevel        string  `mapstructure:"loglevel"`
	MetricsAddr     string  `mapstructure:"metricsaddr"`
	ListenAddr      string  `mapstructure:"listenaddr"`
}

// Default returns the canonical settings: 48 kHz, 10 ms blocks, native
// backend, auto-capture on, websocket control on localhost.
func Default() Settings {
	return Settings{
		SampleRate:      48000,
		FramesPerBuffer: 480,
		Backend:         "auto",
		AutoCapture:     true,
		LogLevel:        "info",
		MetricsAddr:     "",
		ListenAddr:      "127.0.0.1:8573",
	}
}

// Load builds Settings from viper's merged sources: defaults, an optional
// gecko.yaml in the working directory or in $HOME/.config/gecko, and GECKO_*
// environment variables.
func Load() (Settings, error) {
	v := viper.GetViper()
	setDefaults(v)

	v.SetConfigName("gecko")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/gecko")
	v.SetEnvPrefix("gecko")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return s, s.Validate()
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("samplerate", d.SampleRate)
	v.SetDefault("framesperbuffer", d.FramesPerBuffer)
	v.SetDefault("outputdevice", d.OutputDevice)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("autocapture", d.AutoCapture)
	v.SetDefault("loglevel", d.LogLevel)
	v.SetDefault("metricsaddr", d.MetricsAddr)
	v.SetDefault("listenaddr", d.ListenAddr)
}

// Validate rejects settings the engine cannot start with.
func (s Settings) Validate() error {
	if s.SampleRate != 48000 && s.SampleRate != 44100 {
		return fmt.Errorf("sample rate must be 48000 or 44100, got %v", s.SampleRate)
	}
	if s.FramesPerBuffer < 64 || s.FramesPerBuffer > 8192 {
		return fmt.Errorf("frames per buffer must be in [64, 8192], got %d", s.FramesPerBuffer)
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", s.LogLevel)
	}
	return nil
}
