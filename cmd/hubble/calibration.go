package main

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cbs-imaging/hubble/pkg/position"
	"github.com/cbs-imaging/hubble/pkg/tilt"
)

func NewCalibrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Aliases: []string{"calibrate", "cali", "tilt"},
		Short:   "Inspect and select the tilt calibration",
		Long: `Inspect and select the tilt calibration.

Every run measures the sample tilt by running the autofocus at a subset of
the positions and fitting a surface through the results. The fitted record is
saved as ` + tilt.RecordFileName + ` in the run directory. A saved record can
be reused by later runs to skip the measurement.`,
		GroupID: gAdvanced,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the calibration of the current or last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := apiClient.GetCalibration()
			if err != nil {
				return err
			}
			printRecord(cmd, rec, rec.Positions, rec.DZ)
			return nil
		},
	}

	useCmd := &cobra.Command{
		Use:   "use <record>",
		Short: "Reuse a saved calibration record for later runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			ret, err := apiClient.SetCalibrationPath(path)
			if err != nil {
				return fmt.Errorf("failed to set calibration record: %w", err)
			}
			logrus.Infof("daemon responded: %s", ret)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Measure the tilt at every run again",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.SetCalibrationPath("")
			if err != nil {
				return fmt.Errorf("failed to clear calibration record: %w", err)
			}
			logrus.Infof("daemon responded: %s", ret)
			return nil
		},
	}

	var roiList string
	inspectCmd := &cobra.Command{
		Use:   "inspect <record>",
		Short: "Print a saved calibration record",
		Long: `Print a saved calibration record.

With --rois the axial offsets are recomputed from the fitted surface for the
positions of that ROI list, which shows what a run with that list would use.`,
		Args:        cobra.ExactArgs(1),
		Annotations: offline,
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := afero.NewOsFs()
			rec, err := tilt.LoadRecord(fs, args[0])
			if err != nil {
				return err
			}
			if roiList == "" {
				printRecord(cmd, rec, rec.Positions, rec.DZ)
				return nil
			}

			l, err := position.LoadList(fs, roiList)
			if err != nil {
				return err
			}
			dz, err := rec.DeltaZ(l)
			if err != nil {
				return err
			}
			printRecord(cmd, rec, l.Names(), dz)
			return nil
		},
	}
	inspectCmd.Flags().StringVar(&roiList, "rois", "", "ROI list to recompute the offsets for")

	cmd.AddCommand(showCmd, useCmd, clearCmd, inspectCmd)
	return cmd
}

func printRecord(cmd *cobra.Command, rec *tilt.Record, names []string, dz []float64) {
	model := rec.Model
	if model == "" {
		model = tilt.ModelQuadratic
	}
	cmd.Printf("Model: %s\n", bold("%s", model))
	if len(rec.Coefficients) == 6 {
		c := rec.Coefficients
		cmd.Printf("Surface: z = %.4g %+.4g·x %+.4g·y %+.4g·xy %+.4g·x² %+.4g·y²\n", c[0], c[1], c[2], c[3], c[4], c[5])
	}

	cmd.Println()
	cmd.Printf("Measured at %d position(s):\n", len(rec.Z))
	for i := range rec.Z {
		line := fmt.Sprintf("  (%9.1f, %9.1f)  z=%9.3f", at(rec.X, i), at(rec.Y, i), rec.Z[i])
		if i < len(rec.ResidualStd) {
			line += fmt.Sprintf("  std=%.3f", rec.ResidualStd[i])
		}
		if i < len(rec.ZFitResidual) {
			line += fmt.Sprintf("  fit residual=%+.3f", rec.ZFitResidual[i])
		}
		cmd.Println(line)
	}

	cmd.Println()
	cmd.Printf("Axial offsets from the first position (%d):\n", len(dz))
	for i, d := range dz {
		name := fmt.Sprintf("#%d", i)
		if i < len(names) {
			name = names[i]
		}
		cmd.Printf("  %-12s %+8.3f\n", name, d)
	}
}

func at(v []float64, i int) float64 {
	if i < len(v) {
		return v[i]
	}
	return 0
}
