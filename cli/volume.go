package cli

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/virtstor/virtstor/storage"
)

var volumeCmd = &cobra.Command{
	Use:   "volume",
	Short: "Volume inspection",
}

var volumeShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show one volume's metadata record",
	RunE:  runVolumeShow,
}

var (
	volumeImage string
	volumeID    string
)

func init() {
	volumeShowCmd.Flags().StringVar(&volumeImage, "image", "", "image UUID")
	volumeShowCmd.Flags().StringVar(&volumeID, "volume", "", "volume UUID")
	volumeCmd.AddCommand(volumeShowCmd)
}

func runVolumeShow(cmd *cobra.Command, args []string) error {
	img, err := parseUUIDFlag("image", volumeImage)
	if err != nil {
		return err
	}
	vol, err := parseUUIDFlag("volume", volumeID)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	m, err := store.Load(cmd.Context(), img, vol)
	if err != nil {
		return err
	}
	printMeta(m, store.Path(img, vol))
	return nil
}

func printMeta(m storage.Meta, path string) {
	fmt.Printf("Domain:      %s\n", m.Domain)
	fmt.Printf("Image:       %s\n", m.Image)
	fmt.Printf("Volume:      %s\n", m.Volume)
	if m.HasParent() {
		fmt.Printf("Parent:      %s\n", m.Parent)
	} else {
		fmt.Printf("Parent:      - (chain base)\n")
	}
	fmt.Printf("Capacity:    %s (%d bytes)\n", units.BytesSize(float64(m.Capacity)), m.Capacity)
	fmt.Printf("Format:      %s\n", m.Format)
	fmt.Printf("Allocation:  %s\n", m.Allocation)
	fmt.Printf("Type:        %s\n", m.VolType)
	fmt.Printf("Legality:    %s\n", m.Legality)
	fmt.Printf("Generation:  %d\n", m.Generation)
	if m.Ctime > 0 {
		fmt.Printf("Created:     %s\n", time.Unix(m.Ctime, 0).UTC().Format(time.RFC3339))
	}
	if m.Description != "" {
		fmt.Printf("Description: %s\n", m.Description)
	}
	fmt.Printf("Path:        %s\n", path)
}
