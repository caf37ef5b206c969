package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"petprep/pkg/bids"
	"petprep/pkg/workflow"
)

var (
	anatT1wBrain string
	anatDseg     string
	subjectsDir  string
	subjectID    string
	fsnative2t1w string
	dryRun       bool
	bidsDir      string
)

// planCmd prints the preprocessing plan of a PET series
var planCmd = &cobra.Command{
	Use:   "plan [pet-file]",
	Short: "Print the preprocessing plan of a PET series as YAML",
	Long: `Builds the per-series plan from the PET file, its JSON sidecar and the
configuration, and prints stages in execution order without running them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := subjectPlan(args[0])
		if err != nil {
			return err
		}
		data, err := workflow.ToYAML(p)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

// runCmd preprocesses one PET series
var runCmd = &cobra.Command{
	Use:   "run [pet-file]",
	Short: "Preprocess a PET series",
	Long: `Runs head-motion correction, reference estimation, PET-T1w registration,
resampling and TAC extraction for one PET series, writing BIDS derivatives.

Example:
  petprep run sub-01/pet/sub-01_trc-FDG_pet.nii.gz \
    --t1w-brain sub-01_desc-brain_T1w.nii.gz --t1w-dseg sub-01_dseg.nii.gz \
    --subjects-dir derivatives/freesurfer --subject-id sub-01 \
    --fsnative2t1w sub-01_from-fsnative_to-T1w_mode-image_xfm.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runSeries,
}

func init() {
	runCmd.Flags().StringVar(&anatT1wBrain, "t1w-brain", "", "Skull-stripped T1w image")
	runCmd.Flags().StringVar(&anatDseg, "t1w-dseg", "", "T1w tissue segmentation")
	runCmd.Flags().StringVar(&subjectsDir, "subjects-dir", "", "FreeSurfer SUBJECTS_DIR")
	runCmd.Flags().StringVar(&subjectID, "subject-id", "", "FreeSurfer subject (default: sub-<label> of the PET file)")
	runCmd.Flags().StringVar(&fsnative2t1w, "fsnative2t1w", "", "ITK transform from FreeSurfer native space to T1w")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the commands without running them")
	runCmd.Flags().StringVar(&bidsDir, "bids-dir", "", "Source BIDS dataset, recorded in the derivatives description")
	for _, f := range []string{"t1w-brain", "t1w-dseg"} {
		runCmd.MarkFlagRequired(f)
	}
}

func subjectPlan(petFile string) (*workflow.Plan, error) {
	meta, err := bids.LoadMetadata(petFile)
	if err != nil {
		return nil, err
	}
	return workflow.SubjectPlan(workflow.SubjectOptions{
		PetFile:  petFile,
		Metadata: meta,
		Config:   cfg,
		Logger:   logger,
	})
}

func runSeries(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	petFile := args[0]
	p, err := subjectPlan(petFile)
	if err != nil {
		return err
	}
	if subjectID == "" {
		subjectID = "sub-" + bids.ParseEntities(petFile)["subject"]
	}

	outDir, err := filepath.Abs(cfg.Output.OutputDir)
	if err != nil {
		return err
	}
	if !dryRun {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := bids.WriteDerivativeDescription(bidsDir, outDir, version); err != nil {
			return err
		}
		if err := bids.WriteBIDSIgnore(outDir); err != nil {
			return err
		}
	}

	exec := &workflow.Executor{
		Runner:   &workflow.ExecRunner{Tools: cfg.Tools, Logger: logger},
		Logger:   logger,
		MaxProcs: cfg.Processing.NumCores,
		WorkDir:  cfg.Output.WorkDir,
		DryRun:   dryRun,
	}
	res, err := exec.Run(ctx, p, workflow.Values{
		"pet_file":         petFile,
		"t1w_brain":        anatT1wBrain,
		"t1w_dseg":         anatDseg,
		"subjects_dir":     subjectsDir,
		"subject_id":       subjectID,
		"fsnative2t1w_xfm": fsnative2t1w,
		"output_dir":       outDir,
	})
	if err != nil {
		return err
	}

	ports := make([]string, 0, len(res.Outputs))
	for port := range res.Outputs {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	for _, port := range ports {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", port, res.Outputs[port])
	}
	logger.Info("Finished preprocessing",
		zap.String("run_id", res.RunID),
		zap.Duration("elapsed", res.Elapsed))
	return nil
}
