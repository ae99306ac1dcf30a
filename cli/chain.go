package cli

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/virtstor/virtstor/storage"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "COW chain inspection",
}

var chainShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Resolve and print an image's chain, base first",
	RunE:  runChainShow,
}

var chainImage string

func init() {
	chainShowCmd.Flags().StringVar(&chainImage, "image", "", "image UUID")
	chainCmd.AddCommand(chainShowCmd)
}

func runChainShow(cmd *cobra.Command, args []string) error {
	img, err := parseUUIDFlag("image", chainImage)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	chain, err := storage.ResolveChain(cmd.Context(), store, img)
	if err != nil {
		return err
	}
	fmt.Printf("Image %s, %d volumes\n\n", img, chain.Len())
	fmt.Printf("%-3s  %-36s  %-8s  %-6s  %-9s  %-8s  %s\n",
		"#", "VOLUME", "TYPE", "FORMAT", "CAPACITY", "LEGALITY", "GEN")
	for i, m := range chain.Members() {
		fmt.Printf("%-3d  %-36s  %-8s  %-6s  %-9s  %-8s  %d\n",
			i, m.Volume, m.VolType, m.Format, units.BytesSize(float64(m.Capacity)), m.Legality, m.Generation)
	}
	return nil
}
