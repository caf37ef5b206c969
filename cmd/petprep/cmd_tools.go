package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"petprep/internal/models"
	"petprep/pkg/bids"
	"petprep/pkg/config"
	"petprep/pkg/frames"
	"petprep/pkg/motion"
	"petprep/pkg/nifti"
	"petprep/pkg/registration"
	"petprep/pkg/tacs"
	"petprep/pkg/visualization"
	"petprep/pkg/xfmio"
)

// compareCmd runs the registration fallback test on two transform files
var compareCmd = &cobra.Command{
	Use:   "compare-xfms [bbr-xfm] [coarse-xfm]",
	Short: "Decide whether a boundary-based registration should be rejected",
	Long: `Maps probe points through both transforms and reports whether their largest
displacement exceeds the threshold, in which case the coarse registration is
kept. LTA, ITK and FLIRT (.mat, needs --src and --ref) files are accepted.`,
	Args: cobra.ExactArgs(2),
	RunE: compareXfms,
}

// referenceCmd writes a time-averaged reference image
var referenceCmd = &cobra.Command{
	Use:   "reference [pet-file]",
	Short: "Average a PET series over time into a reference image",
	Args:  cobra.ExactArgs(1),
	RunE:  reference,
}

// confoundsCmd derives motion confounds from per-frame transforms
var confoundsCmd = &cobra.Command{
	Use:   "hmc-confounds",
	Short: "Compute head-motion confounds from per-frame transforms",
	Long: `Reads one transform and one mask image per frame and writes the rigid
motion parameters and voxel displacement statistics as a TSV table.`,
	Args: cobra.NoArgs,
	RunE: hmcConfounds,
}

// tacsCmd converts segstats outputs into a TAC table
var tacsCmd = &cobra.Command{
	Use:   "tacs [summary-file] [avgwf-file]",
	Short: "Build a time-activity curve table from mri_segstats outputs",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := tacs.Convert(args[0], args[1], tacsDir)
		if err != nil {
			return err
		}
		logger.Info("Wrote time-activity curves", zap.String("file", out))
		return nil
	},
}

// snapshotCmd renders slices of an image for visual QC
var snapshotCmd = &cobra.Command{
	Use:   "snapshot [image]",
	Short: "Render orthogonal mid-slices of an image as PNG",
	Args:  cobra.ExactArgs(1),
	RunE:  snapshot,
}

// initConfigCmd writes the default configuration
var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !overwrite {
			return fmt.Errorf("%s already exists, use --force to overwrite", path)
		}
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}
		logger.Info("Wrote default configuration", zap.String("file", path))
		return nil
	},
}

// derivativesCmd prepares a derivatives directory for a dataset
var derivativesCmd = &cobra.Command{
	Use:   "derivatives [bids-dir]",
	Short: "Check participants and write the derivatives dataset description",
	Args:  cobra.ExactArgs(1),
	RunE:  derivatives,
}

var (
	thresholdMM  float64
	cubeHalfSide float64
	srcImage     string
	refImage     string

	refOut    string
	refStart  float64
	refEnd    float64
	ltaFiles  []string
	maskFiles []string
	confOut   string
	plotDir   string
	tacsDir   string

	snapDir    string
	snapPrefix string
	snapFrame  int
	snapAxis   string

	overwrite    bool
	participants []string
)

func init() {
	compareCmd.Flags().Float64Var(&thresholdMM, "threshold", registration.DefaultThresholdMM, "Displacement threshold in mm (default: configuration value)")
	compareCmd.Flags().Float64Var(&cubeHalfSide, "cube", 0, "Probe a cube of this half side in mm instead of the head box")
	compareCmd.Flags().StringVar(&srcImage, "src", "", "Moving image of FLIRT matrices")
	compareCmd.Flags().StringVar(&refImage, "ref", "", "Reference image of FLIRT matrices")

	referenceCmd.Flags().StringVar(&refOut, "out", "", "Output image (default: <stem>_twa.nii.gz)")
	referenceCmd.Flags().Float64Var(&refStart, "start", 0, "Average only frames whose mid-time is at or after this time in s")
	referenceCmd.Flags().Float64Var(&refEnd, "end", 0, "Average only frames whose mid-time is at or before this time in s (default: end of the scan)")

	confoundsCmd.Flags().StringSliceVar(&ltaFiles, "xfm", nil, "Per-frame transform files, in frame order")
	confoundsCmd.Flags().StringSliceVar(&maskFiles, "mask", nil, "Per-frame mask images, in frame order")
	confoundsCmd.Flags().StringVar(&confOut, "out", "hmc_confounds.tsv", "Output TSV file")
	confoundsCmd.Flags().StringVar(&plotDir, "plots", "", "Directory for motion plots (none when empty)")
	confoundsCmd.MarkFlagRequired("xfm")
	confoundsCmd.MarkFlagRequired("mask")

	tacsCmd.Flags().StringVar(&tacsDir, "out-dir", ".", "Output directory")

	snapshotCmd.Flags().StringVar(&snapDir, "out-dir", ".", "Output directory")
	snapshotCmd.Flags().StringVar(&snapPrefix, "prefix", "snapshot", "Filename prefix")
	snapshotCmd.Flags().IntVar(&snapFrame, "frame", 0, "Frame of a 4D image to render")
	snapshotCmd.Flags().StringVar(&snapAxis, "axis", "", "Render every slice along x, y or z instead of mid-slices")

	initConfigCmd.Flags().BoolVar(&overwrite, "force", false, "Overwrite an existing file")

	derivativesCmd.Flags().StringSliceVar(&participants, "participant-label", nil, "Participants to process (default: all)")
}

func compareXfms(cmd *cobra.Command, args []string) error {
	if !cmd.Flags().Changed("threshold") {
		thresholdMM = cfg.Registration.FallbackThresholdMM
	}
	var src, ref *xfmio.Grid
	if srcImage != "" && refImage != "" {
		s, err := xfmio.ReadGrid(srcImage)
		if err != nil {
			return err
		}
		r, err := xfmio.ReadGrid(refImage)
		if err != nil {
			return err
		}
		src, ref = &s, &r
	}
	bbr, err := xfmio.Load(args[0], src, ref)
	if err != nil {
		return err
	}
	coarse, err := xfmio.Load(args[1], src, ref)
	if err != nil {
		return err
	}

	eval := registration.NewEvaluator(thresholdMM)
	if cubeHalfSide > 0 {
		eval.Probes = registration.CubeProbes(cubeHalfSide)
	}
	d, err := eval.Evaluate(bbr, coarse)
	if err != nil {
		return err
	}
	logger.Debug("Compared transforms",
		zap.String("bbr", args[0]),
		zap.String("coarse", args[1]),
		zap.Int("probes", len(eval.Probes)))
	fmt.Fprintf(cmd.OutOrStdout(), "fallback=%t displacement_mm=%.4f threshold_mm=%g index=%d\n",
		d.UseFallback, d.MaxDisplacementMM, d.ThresholdMM, d.Index())
	return nil
}

func reference(cmd *cobra.Command, args []string) error {
	petFile := args[0]
	meta, err := bids.LoadMetadata(petFile)
	if err != nil {
		return err
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	vol, err := nifti.Read(petFile)
	if err != nil {
		return err
	}

	var avg *models.Volume
	if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
		timing := meta.Timing()
		end := refEnd
		if !cmd.Flags().Changed("end") {
			last := timing.Len() - 1
			end = timing.Start[last] + timing.Duration[last]
		}
		avg, err = frames.WindowAverage(vol, timing, refStart, end)
	} else {
		avg, err = frames.WeightedAverage(vol, meta.FrameDuration)
	}
	if err != nil {
		return err
	}

	out := refOut
	if out == "" {
		out = stem(petFile) + "_twa.nii.gz"
	}
	if err := nifti.Write(out, avg); err != nil {
		return err
	}
	logger.Info("Wrote reference image", zap.String("file", out))
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func hmcConfounds(cmd *cobra.Command, args []string) error {
	if len(ltaFiles) != len(maskFiles) {
		return fmt.Errorf("%d transforms but %d masks", len(ltaFiles), len(maskFiles))
	}
	xfms := make([]registration.Affine, len(ltaFiles))
	points := make([][]r3.Vec, len(ltaFiles))
	for i := range ltaFiles {
		var err error
		if xfms[i], err = xfmio.Load(ltaFiles[i], nil, nil); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		mask, err := nifti.Read(maskFiles[i])
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if points[i], err = motion.NonzeroPoints(mask, 0); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}

	table, err := motion.Confounds(xfms, points)
	if err != nil {
		return err
	}
	if err := table.WriteTSVFile(confOut); err != nil {
		return err
	}
	logger.Info("Wrote motion confounds", zap.String("file", confOut), zap.Int("frames", len(table)))

	if plotDir != "" {
		plots, err := motion.PlotAll(table, plotDir)
		if err != nil {
			return err
		}
		logger.Info("Wrote motion plots", zap.String("movement", plots.Movement))
	}
	return nil
}

func snapshot(cmd *cobra.Command, args []string) error {
	vol, err := nifti.Read(args[0])
	if err != nil {
		return err
	}
	viewer, err := visualization.NewViewer(vol, snapFrame, visualization.DefaultLowPercentile, visualization.DefaultHighPercentile)
	if err != nil {
		return err
	}
	if snapAxis != "" {
		dir := filepath.Join(snapDir, snapAxis)
		if err := viewer.SaveSliceSequence(snapAxis, dir); err != nil {
			return err
		}
		logger.Info("Wrote slice sequence", zap.String("dir", dir))
		return nil
	}
	paths, err := viewer.SaveOrthogonal(snapDir, snapPrefix)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

func derivatives(cmd *cobra.Command, args []string) error {
	sel, err := bids.CheckParticipants(args[0], participants)
	if err != nil {
		return err
	}
	if len(sel.Selected) == 0 {
		return fmt.Errorf("no participants found in %s", args[0])
	}
	if len(sel.Ignored) > 0 {
		logger.Warn("Some participants are not selected", zap.Strings("ignored", sel.Ignored))
	}

	outDir := cfg.Output.OutputDir
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := bids.WriteDerivativeDescription(args[0], outDir, version); err != nil {
		return err
	}
	if err := bids.WriteBIDSIgnore(outDir); err != nil {
		return err
	}
	for _, s := range sel.Selected {
		fmt.Fprintln(cmd.OutOrStdout(), "sub-"+s)
	}
	return nil
}
