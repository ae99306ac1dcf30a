package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Lock broker inspection",
}

var locksStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a snapshot of the process lock broker",
	RunE:  runLocksStatus,
}

func init() {
	locksCmd.AddCommand(locksStatusCmd)
}

func runLocksStatus(cmd *cobra.Command, args []string) error {
	resources := broker.Snapshot()
	if len(resources) == 0 {
		fmt.Println("no live resources")
		return nil
	}
	fmt.Printf("%-12s  %-36s  %-9s  %-7s  %s\n", "NAMESPACE", "NAME", "MODE", "HOLDERS", "QUEUED")
	for _, r := range resources {
		fmt.Printf("%-12s  %-36s  %-9s  %-7d  %d\n", r.Namespace, r.Name, r.Mode, r.Holders, r.QueueLen)
	}
	return nil
}
