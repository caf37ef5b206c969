package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"petprep/pkg/workflow"
)

var (
	segGTM        bool
	segSubsegment bool
)

// segmentCmd runs the FreeSurfer segmentations of a subject
var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Run GTM and sub-structure segmentations of a FreeSurfer subject",
	Long: `Runs gtmseg for geometric transfer matrix partial volume correction and,
when requested, the hippocampus/amygdala, thalamic nuclei and brainstem
sub-segmentations. Results are written into the FreeSurfer subject.`,
	Args: cobra.NoArgs,
	RunE: segment,
}

func init() {
	segmentCmd.Flags().StringVar(&subjectsDir, "subjects-dir", "", "FreeSurfer SUBJECTS_DIR")
	segmentCmd.Flags().StringVar(&subjectID, "subject-id", "", "FreeSurfer subject")
	segmentCmd.Flags().BoolVar(&segGTM, "gtmseg", true, "Run gtmseg")
	segmentCmd.Flags().BoolVar(&segSubsegment, "subsegment", false, "Run the hippocampus, thalamus and brainstem segmentations")
	segmentCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log the commands without running them")
	segmentCmd.MarkFlagRequired("subjects-dir")
	segmentCmd.MarkFlagRequired("subject-id")
}

func segment(cmd *cobra.Command, args []string) error {
	p, err := workflow.AnatSegmentationPlan(segGTM, segSubsegment, cfg.Processing.OMPThreads)
	if err != nil {
		return err
	}
	fs, err := filepath.Abs(subjectsDir)
	if err != nil {
		return err
	}
	exec := &workflow.Executor{
		Runner:   &workflow.ExecRunner{Tools: cfg.Tools, Logger: logger},
		Logger:   logger,
		MaxProcs: cfg.Processing.NumCores,
		WorkDir:  cfg.Output.WorkDir,
		DryRun:   dryRun,
	}
	res, err := exec.Run(cmd.Context(), p, workflow.Values{"subjects_dir": fs, "subject_id": subjectID})
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
	logger.Info("Finished segmentation", zap.String("subject", subjectID), zap.String("run_id", res.RunID))
	return nil
}
