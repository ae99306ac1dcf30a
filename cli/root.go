// Package cli implements virtstorctl, the operator tool over the
// coordination library. Every invocation runs one synchronous operation
// against a storage domain; job scheduling lives with the embedding agent,
// not here.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/virtstor/virtstor"
)

var rootCmd = &cobra.Command{
	Use:   "virtstorctl",
	Short: "Inspect and coordinate shared virtualization storage",
	Long: `virtstorctl operates on the volume metadata of one storage domain:
inspect volumes and COW chains, run subchain merges, and watch the
in-process lock broker.

Domain selection is shared by all commands: --domain names the domain,
and --block-area switches from the file layout under the repo root to a
block domain's metadata area device.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		virtstor.ConfigureLogging()
		return loadConfig()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default virtstorctl.yaml in . or /etc/virtstor)")
	rootCmd.PersistentFlags().StringVar(&flagDomain, "domain", "", "storage domain UUID")
	rootCmd.PersistentFlags().StringVar(&flagBlockArea, "block-area", "", "metadata area device of a block domain (file domain when empty)")
	rootCmd.PersistentFlags().StringVar(&flagDevRoot, "dev-root", "", "directory the block domain's volume devices live under")
	rootCmd.PersistentFlags().BoolVar(&flagLeases, "leases", false, "domain supports cross-host volume leases")
	rootCmd.PersistentFlags().BoolVar(&flagPoolManager, "pool-manager", false, "this host is the pool manager")

	rootCmd.AddCommand(volumeCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(topCmd)
}
