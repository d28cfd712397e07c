package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stemfm",
	Short: "stemfm is a stem-splitting music player engine.",
	Long: `stemfm plays a track catalog through a software audio graph that splits
every track into DRUMS, BASS, SYNTH and FX stems, recovers from interruptions
and mirrors transport state to media session remotes.`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
