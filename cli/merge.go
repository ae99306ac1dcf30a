package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/virtstor/virtstor/blockdev"
	"github.com/virtstor/virtstor/merge"
	"github.com/virtstor/virtstor/qemuimg"
	"github.com/virtstor/virtstor/rm"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Subchain merge operations",
}

var mergeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one merge job: validate, prepare, finalize",
	Long: `Collapses the top volume into its parent base within the image's
chain. The base generation must match what the scheduler observed when the
data move was committed; a mismatch means someone else touched the base and
the job fails before mutating anything.`,
	RunE: runMerge,
}

var (
	mergeImage   string
	mergeBase    string
	mergeTop     string
	mergeBaseGen int
)

func init() {
	mergeRunCmd.Flags().StringVar(&mergeImage, "image", "", "image UUID")
	mergeRunCmd.Flags().StringVar(&mergeBase, "base", "", "base volume UUID (merge destination)")
	mergeRunCmd.Flags().StringVar(&mergeTop, "top", "", "top volume UUID (collapsed away)")
	mergeRunCmd.Flags().IntVar(&mergeBaseGen, "base-generation", 0, "expected generation of the base volume")
	mergeCmd.AddCommand(mergeRunCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	img, err := parseUUIDFlag("image", mergeImage)
	if err != nil {
		return err
	}
	base, err := parseUUIDFlag("base", mergeBase)
	if err != nil {
		return err
	}
	top, err := parseUUIDFlag("top", mergeTop)
	if err != nil {
		return err
	}
	info, err := domainInfo()
	if err != nil {
		return err
	}
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()
	leases, closeLeases := openLeases()
	defer closeLeases()

	merger := merge.NewMerger(broker, leases, store, qemuimg.NewExec(cfg.QemuImgPath), blockdev.NewLVM(), cfg)
	sub := merge.NewSubchain(store, info.ID, img, base, top, mergeBaseGen)
	if err := merger.Run(cmd.Context(), sub); err != nil {
		return err
	}
	fmt.Printf("merged %s into %s (image %s)\n", top, base, img)
	return nil
}

// broker is the process-wide lock broker. One CLI invocation is one job, so
// its locks only guard against concurrent library use inside this process;
// cross-host safety comes from generations and leases.
var broker = rm.New()
