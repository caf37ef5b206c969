package workflow

import (
	"fmt"
	"strconv"
)

// subjectMRI is the mri/ directory of the FreeSurfer subject
const subjectMRI = "{{.In.subjects_dir}}/{{.In.subject_id}}/mri/"

// GTMSegPlan builds the anatomical segmentation used by geometric transfer
// matrix partial volume correction. gtmseg writes into the FreeSurfer
// subject, so the output lives under subjects_dir.
//
// Inputs: subjects_dir, subject_id. Outputs: gtmseg.
func GTMSegPlan(threads int) *Plan {
	if threads < 1 {
		threads = 1
	}
	p := NewPlan("gtmseg_wf", "subjects_dir", "subject_id")
	p.Add(Stage{
		Name: "gtmseg",
		Tool: "gtmseg",
		Args: []string{"--s", "{{.In.subject_id}}", "--o", "gtmseg.mgz"},
		Inputs: map[string]Source{
			"subjects_dir": Input("subjects_dir"),
			"subject_id":   Input("subject_id"),
		},
		Env: map[string]string{
			"SUBJECTS_DIR":    "{{.In.subjects_dir}}",
			"OMP_NUM_THREADS": strconv.Itoa(threads),
		},
		Outputs: map[string]string{"out_file": subjectMRI + "gtmseg.mgz"},
		MemGB:   4,
		Threads: threads,
	})
	p.Outputs["gtmseg"] = From("gtmseg", "out_file")
	return p
}

// subsegmentation describes one FreeSurfer sub-segmentation script
type subsegmentation struct {
	stage   string
	tool    string
	outputs map[string]string
}

var subsegmentations = []subsegmentation{
	{
		stage: "segment_hippocampus",
		tool:  "segmentHA_T1.sh",
		outputs: map[string]string{
			"hippoamyg_seg_lh":   "lh.hippoAmygLabels-T1.v21.FSvoxelSpace.mgz",
			"hippoamyg_seg_rh":   "rh.hippoAmygLabels-T1.v21.FSvoxelSpace.mgz",
			"hippocampus_vol_lh": "lh.hippoSfVolumes-T1.v21.txt",
			"hippocampus_vol_rh": "rh.hippoSfVolumes-T1.v21.txt",
			"amygdala_vol_lh":    "lh.amygNucVolumes-T1.v21.txt",
			"amygdala_vol_rh":    "rh.amygNucVolumes-T1.v21.txt",
		},
	},
	{
		stage: "segment_thalamus",
		tool:  "segmentThalamicNuclei.sh",
		outputs: map[string]string{
			"thalamus_seg": "ThalamicNuclei.v12.T1.FSvoxelSpace.mgz",
			"thalamus_vol": "ThalamicNuclei.v12.T1.volumes.txt",
		},
	},
	{
		stage: "segment_brainstem",
		tool:  "segmentBS.sh",
		outputs: map[string]string{
			"brainstem_seg": "brainstemSsLabels.v12.FSvoxelSpace.mgz",
			"brainstem_vol": "brainstemSsVolumes.v12.txt",
		},
	},
}

// SubsegmentPlan runs the FreeSurfer hippocampus/amygdala, thalamic nuclei
// and brainstem segmentations of a subject. The scripts share the subject's
// MATLAB runtime cache and run one after another.
//
// Inputs: subjects_dir, subject_id. Outputs: one port per label volume and
// volume table, named after the structure and hemisphere.
func SubsegmentPlan() *Plan {
	p := NewPlan("subsegment_wf", "subjects_dir", "subject_id")
	prev := ""
	for _, sub := range subsegmentations {
		s := Stage{
			Name: sub.stage,
			Tool: sub.tool,
			Args: []string{"{{.In.subject_id}}", "{{.In.subjects_dir}}"},
			Inputs: map[string]Source{
				"subjects_dir": Input("subjects_dir"),
				"subject_id":   Input("subject_id"),
			},
			Outputs: map[string]string{},
			MemGB:   8,
		}
		for port, file := range sub.outputs {
			s.Outputs[port] = subjectMRI + file
			p.Outputs[port] = From(sub.stage, port)
		}
		if prev != "" {
			s.After = []string{prev}
		}
		p.Add(s)
		prev = sub.stage
	}
	return p
}

// AnatSegmentationPlan combines the requested FreeSurfer segmentations of a
// subject into one plan with the outputs of both.
func AnatSegmentationPlan(gtmseg, subsegment bool, threads int) (*Plan, error) {
	if !gtmseg && !subsegment {
		return nil, fmt.Errorf("%w: no segmentation requested", ErrInvalidPlan)
	}
	p := NewPlan("anat_seg_wf", "subjects_dir", "subject_id")
	bindings := map[string]Source{
		"subjects_dir": Input("subjects_dir"),
		"subject_id":   Input("subject_id"),
	}
	var subs []*Plan
	if gtmseg {
		subs = append(subs, GTMSegPlan(threads))
	}
	if subsegment {
		subs = append(subs, SubsegmentPlan())
	}
	for _, sub := range subs {
		out, err := p.Include(sub.Name, sub, bindings)
		if err != nil {
			return nil, err
		}
		for port, src := range out {
			p.Outputs[port] = src
		}
	}
	return p, nil
}
