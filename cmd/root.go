// Package cmd wires the gecko CLI: flag parsing via cobra, configuration
// via viper, and the run loop that hosts the audio engine.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/enscrypted/gecko/internal/conf"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gecko",
		Short: "Per-application audio equalizer engine",
		Long:  "Gecko captures each application's audio, applies an independent 10-band EQ per app, mixes the processed streams, and renders them to an output device.",
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
	}

	rootCmd.AddCommand(runCommand(settings), versionCommand())
	return rootCmd
}

// setupFlags binds the engine's startup settings as persistent flags,
// defaulted from viper so config-file and environment values show up in
// --help.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.PersistentFlags().Float64Var(&settings.SampleRate, "samplerate", viper.GetFloat64("samplerate"), "Engine sample rate in Hz (48000 or 44100)")
	cmd.PersistentFlags().IntVar(&settings.FramesPerBuffer, "blocksize", viper.GetInt("framesperbuffer"), "Output block size in frames")
	cmd.PersistentFlags().StringVar(&settings.OutputDevice, "output", viper.GetString("outputdevice"), "Output device name (empty for the platform default)")
	cmd.PersistentFlags().StringVar(&settings.Backend, "backend", viper.GetString("backend"), "Capture backend: auto, wasapi or portaudio")
	cmd.PersistentFlags().BoolVar(&settings.AutoCapture, "autocapture", viper.GetBool("autocapture"), "Automatically capture every capturable app")
	cmd.PersistentFlags().StringVar(&settings.LogLevel, "loglevel", viper.GetString("loglevel"), "Log level: debug, info, warn or error")
	cmd.PersistentFlags().StringVar(&settings.MetricsAddr, "metrics-addr", viper.GetString("metricsaddr"), "Prometheus listen address (empty to disable)")
	cmd.PersistentFlags().StringVar(&settings.ListenAddr, "listen-addr", viper.GetString("listenaddr"), "Websocket control listen address")

	return viper.BindPFlags(cmd.PersistentFlags())
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gecko version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gecko %s\n", Version)
		},
	}
}
