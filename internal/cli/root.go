// Package cli provides the Cobra-based command-line interface for codex-mux.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nghyane/codex-mux/internal/buildinfo"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "codex-mux",
	Short: "Multi-account gateway for the responses API",
	Long: `codex-mux fronts a pool of upstream accounts behind one endpoint,
routing each request to an available account, holding rate-limited
accounts out of rotation until their window resets, and keeping
sessions pinned to the account that served them.`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(c *cobra.Command, args []string) {
		fmt.Printf("codex-mux %s (commit %s, built %s)\n",
			buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
