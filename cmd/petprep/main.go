package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"petprep/internal/logging"
	"petprep/pkg/config"
)

// version is stamped into derivative descriptions
var version = "0.1.0"

var (
	// Global flags
	configPath string
	verbose    bool
	numCores   int
	workDir    string
	outputDir  string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "petprep",
	Short: "PET preprocessing: head-motion correction, registration and TACs",
	Long: `petprep preprocesses dynamic PET series organized as BIDS.

Each series is corrected for head motion, averaged into a reference image,
registered to the subject's T1w image with boundary-based refinement and an
automatic fallback to the coarse registration, resampled into T1w space and
summarized into regional time-activity curves.

External tools (FreeSurfer, FSL, ANTs) are run as subprocesses.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("verbose") {
			cfg.Output.Verbose = verbose
		}
		if cmd.Flags().Changed("cores") {
			cfg.Processing.NumCores = numCores
		}
		if cmd.Flags().Changed("work-dir") {
			cfg.Output.WorkDir = workDir
		}
		if cmd.Flags().Changed("output-dir") {
			cfg.Output.OutputDir = outputDir
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger, err = logging.New(cfg.Output.Verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "petprep.yaml", "Configuration file (defaults are used when missing)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().IntVar(&numCores, "cores", 0, "Maximum number of stages running at once")
	rootCmd.PersistentFlags().StringVarP(&workDir, "work-dir", "w", "", "Directory for intermediate results")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output-dir", "o", "", "Derivatives directory")

	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(referenceCmd)
	rootCmd.AddCommand(confoundsCmd)
	rootCmd.AddCommand(tacsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(derivativesCmd)
	rootCmd.AddCommand(segmentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
