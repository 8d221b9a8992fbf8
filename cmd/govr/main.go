package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var debug bool

	rootCmd := &cobra.Command{
		Use:   "govr",
		Short: "Low-latency VR streaming between a host and a headset",
		Long: `govr streams rendered frames from a host to a headset over QUIC
datagrams (or TCP), adapting bitrate and frame pacing to the latency the
headset reports back.

Run "govr client" on the headset; it announces itself on the local
network. Run "govr host" on the rendering machine; it connects to every
trusted headset that announces a compatible protocol version.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(debug || os.Getenv("DEBUG") != "")
		},
	}
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (also DEBUG=1)")

	rootCmd.AddCommand(
		hostCmd(),
		clientCmd(),
		keygenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "govr: %s\n", err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
