package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/smazurov/v4l2pool/internal/api"
	"github.com/smazurov/v4l2pool/internal/api/models"
	"github.com/spf13/cobra"
)

// CreateDevicesCmd creates the devices command.
func CreateDevicesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List V4L2 streaming devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := api.V4L2Devices()
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}
			return printDevices(cmd.OutOrStdout(), devices)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}

func printDevices(w io.Writer, devices []models.DeviceInfo) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No streaming devices found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tNAME\tDRIVER\tQUEUES\tFORMATS")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.DevicePath, d.DeviceName, d.Driver, queues(d), formats(d))
	}
	return tw.Flush()
}

func queues(d models.DeviceInfo) string {
	switch {
	case d.M2M:
		return "m2m"
	case d.Capture && d.Output:
		return "capture,output"
	case d.Output:
		return "output"
	}
	return "capture"
}

func formats(d models.DeviceInfo) string {
	names := make([]string, 0, len(d.Formats))
	for _, f := range d.Formats {
		name := f.FourCC
		if f.Emulated {
			name += "*"
		}
		names = append(names, name)
	}
	return strings.Join(names, ",")
}
