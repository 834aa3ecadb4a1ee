package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
	"github.com/andresmejia3/bodytrack/internal/device"
)

var inspectCmd = &cobra.Command{
	Use:         "inspect <recording>",
	Short:       "Print the calibration and capture count of a recording",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{annotationNoDB: ""},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		rec, err := device.Open(args[0])
		if err != nil {
			return err
		}
		defer rec.Close()
		return inspectRecording(cmd.Context(), rec, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func inspectRecording(ctx context.Context, rec *device.Recording, out io.Writer) error {
	cal := rec.Calibration()
	fmt.Fprintf(out, "Depth mode:        %s (%dx%d)\n", cal.DepthMode, cal.DepthWidth, cal.DepthHeight)
	fmt.Fprintf(out, "Color resolution:  %s\n", cal.ColorResolution)

	var first, last bodytrack.Sample
	color := 0
	for {
		c, err := rec.GetCapture(ctx, bodytrack.Infinite)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		s, err := c.Sample()
		c.Release()
		if err != nil {
			return err
		}
		if rec.Count() == 1 {
			first = *s
		}
		last = *s
		if s.Color != nil {
			color++
		}
	}

	fmt.Fprintf(out, "Captures:          %d (%d with color)\n", rec.Count(), color)
	if rec.Count() > 0 {
		fmt.Fprintf(out, "Span:              %s -> %s\n", fmtDeviceTime(first.DeviceTimestamp), fmtDeviceTime(last.DeviceTimestamp))
	}
	return nil
}
