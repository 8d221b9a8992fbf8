package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/chronologos/govr/internal/auth"
	"github.com/chronologos/govr/internal/version"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version.VERSION)
				return
			}
			fmt.Printf("govr %s (%s)\n", version.VERSION, version.Commit)
			fmt.Printf("  Protocol:   %s (%016x)\n", version.Local().String(), version.Local().Uint64())
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version number")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a pairing key for GOVR_PAIRING_KEY or --pairing-key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.GeneratePairingKey()
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", key)
			return nil
		},
	}
}
