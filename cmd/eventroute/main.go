// Command eventroute runs the event router and its maintenance tools.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventroute/pkg/eventroute/config"
	"github.com/randalmurphal/eventroute/pkg/eventroute/observability"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "eventroute",
	Short: "Type-based event router",
	Long: `eventroute accepts business events, archives each one durably and
fans it out to every channel whose routing rule matches its type.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"eventroute version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "eventroute.yaml", "topology file (yaml or json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "eventroute %s (%s, built %s)\n", Version, Commit, BuildTime)
	},
}

// loadTopology reads and validates the topology at configPath and returns
// a logger configured from its logging section.
func loadTopology() (config.Topology, *slog.Logger, error) {
	cfg, err := config.FromFile(configPath)
	if err != nil {
		return config.Topology{}, nil, err
	}
	t, err := config.Decode(cfg)
	if err != nil {
		return config.Topology{}, nil, err
	}
	logger := observability.NewLogger(os.Stderr, t.Logging.Level, t.Logging.Format)
	return t, logger, nil
}
