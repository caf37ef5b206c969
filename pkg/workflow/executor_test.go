package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// argAfter returns the argument following flag
func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestExecutorRunsDiamond(t *testing.T) {
	p := diamond()
	for i := range p.Stages {
		p.Stages[i].Args = []string{"--out", "{{.Out.out}}"}
	}
	runner := &RecordingRunner{}
	exec := &Executor{Runner: runner, Logger: zaptest.NewLogger(t), MaxProcs: 4, WorkDir: t.TempDir()}

	res, err := exec.Run(context.Background(), p, Values{"src": "input.nii"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, res.Stages, 4)
	assert.Equal(t, filepath.Join(exec.WorkDir, "diamond", "d", "d"), res.Outputs["result"])

	cmds := runner.Commands()
	require.Len(t, cmds, 4)
	pos := map[string]int{}
	for i, c := range cmds {
		pos[c.Stage] = i
		assert.Equal(t, filepath.Join(exec.WorkDir, "diamond", c.Stage), c.Dir)
		assert.DirExists(t, c.Dir)
	}
	assert.Equal(t, 0, pos["a"])
	assert.Equal(t, 3, pos["d"])
}

func TestExecutorRespectsMaxProcs(t *testing.T) {
	p := NewPlan("wide")
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		p.Add(Stage{Name: name, Tool: "sleep"})
	}
	var running, peak int32
	runner := &RecordingRunner{Hook: func(Command) error {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}}
	exec := &Executor{Runner: runner, MaxProcs: 2, WorkDir: t.TempDir()}

	_, err := exec.Run(context.Background(), p, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Len(t, runner.Commands(), 6)
}

func TestExecutorStopsOnFailure(t *testing.T) {
	p := diamond()
	boom := errors.New("boom")
	runner := &RecordingRunner{Hook: func(c Command) error {
		if c.Stage == "b" {
			return boom
		}
		return nil
	}}
	exec := &Executor{Runner: runner, MaxProcs: 1, WorkDir: t.TempDir()}

	_, err := exec.Run(context.Background(), p, Values{"src": "input.nii"})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stage b")
	for _, c := range runner.Commands() {
		assert.NotEqual(t, "d", c.Stage)
	}
}

func TestExecutorCancellation(t *testing.T) {
	p := NewPlan("chain")
	p.Add(
		Stage{Name: "a", Tool: "wait", Outputs: map[string]string{"out": "a"}},
		Stage{Name: "b", Tool: "wait", Inputs: map[string]Source{"in": From("a", "out")}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	runner := &RecordingRunner{Hook: func(Command) error {
		cancel()
		return nil
	}}
	exec := &Executor{Runner: runner, WorkDir: t.TempDir()}

	_, err := exec.Run(ctx, p, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, runner.Commands(), 1)
}

func TestExecutorMissingInput(t *testing.T) {
	exec := &Executor{Runner: &RecordingRunner{}, WorkDir: t.TempDir()}
	_, err := exec.Run(context.Background(), diamond(), Values{})
	assert.ErrorContains(t, err, `missing input "src"`)
}

func TestExecutorForEachAndListArgs(t *testing.T) {
	p := NewPlan("frames", "files")
	p.Add(
		Stage{
			Name:    "smooth",
			Tool:    "fslmaths",
			Args:    []string{"{{.In.in_file}}", "-s", "{{.In.sigma}}", "{{.Out.out_file}}"},
			Inputs:  map[string]Source{"in_file": Input("files"), "sigma": Literal("2")},
			Outputs: map[string]string{"out_file": `s{{printf "%02d" .Index}}_{{base .In.in_file}}`},
			ForEach: []string{"in_file"},
		},
		Stage{
			Name:    "merge",
			Tool:    "mri_concat",
			Args:    []string{"--o", "{{.Out.out_file}}", "@in_files", "--n={{len .In.in_files}}"},
			Inputs:  map[string]Source{"in_files": From("smooth", "out_file")},
			Outputs: map[string]string{"out_file": "merged.nii.gz"},
		},
	)
	runner := &RecordingRunner{}
	dir := t.TempDir()
	exec := &Executor{Runner: runner, WorkDir: dir}

	res, err := exec.Run(context.Background(), p, Values{"files": []string{"/data/f0.nii", "/data/f1.nii"}})
	require.NoError(t, err)

	stageDir := filepath.Join(dir, "frames", "smooth")
	smoothed := []string{filepath.Join(stageDir, "s00_f0.nii"), filepath.Join(stageDir, "s01_f1.nii")}
	assert.Equal(t, smoothed, res.Stages["smooth"]["out_file"])

	cmds := runner.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, []string{"/data/f0.nii", "-s", "2", smoothed[0]}, cmds[0].Args)
	assert.Equal(t, []string{"/data/f1.nii", "-s", "2", smoothed[1]}, cmds[1].Args)
	merged := filepath.Join(dir, "frames", "merge", "merged.nii.gz")
	assert.Equal(t, append(append([]string{"--o", merged}, smoothed...), "--n=2"), cmds[2].Args)
}

func TestExecutorFuncStagesAndEnv(t *testing.T) {
	p := NewPlan("mixed", "subject")
	p.Add(
		Stage{
			Name:   "write",
			Inputs: map[string]Source{"subject": Input("subject")},
			Func: func(_ context.Context, in Values, dir string) (Values, error) {
				path := filepath.Join(dir, "note.txt")
				s, err := in.String("subject")
				if err != nil {
					return nil, err
				}
				return Values{"note": path}, os.WriteFile(path, []byte(s), 0644)
			},
		},
		Stage{
			Name:   "read",
			Tool:   "cat",
			Args:   []string{"{{.In.note}}"},
			Inputs: map[string]Source{"note": From("write", "note"), "subject": Input("subject")},
			Env:    map[string]string{"SUBJECTS_DIR": "/fs/{{.In.subject}}"},
		},
	)
	runner := &RecordingRunner{}
	exec := &Executor{Runner: runner, WorkDir: t.TempDir()}

	res, err := exec.Run(context.Background(), p, Values{"subject": "sub-01"})
	require.NoError(t, err)
	note := res.Stages["write"]["note"].(string)
	data, err := os.ReadFile(note)
	require.NoError(t, err)
	assert.Equal(t, "sub-01", string(data))

	cmds := runner.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{note}, cmds[0].Args)
	assert.Equal(t, []string{"SUBJECTS_DIR=/fs/sub-01"}, cmds[0].Env)
}

func TestExecutorDryRun(t *testing.T) {
	var called bool
	p := NewPlan("dry", "in")
	p.Add(
		Stage{
			Name:    "prep",
			Inputs:  map[string]Source{"in": Input("in")},
			Outputs: map[string]string{"out": "prep.nii.gz"},
			Func: func(context.Context, Values, string) (Values, error) {
				called = true
				return nil, nil
			},
		},
		Stage{
			Name:    "tool",
			Tool:    "fslmaths",
			Args:    []string{"{{.In.a}}", "{{.In.b}}", "{{.Out.out}}"},
			Inputs:  map[string]Source{"a": From("prep", "out"), "b": From("prep", "flag")},
			Outputs: map[string]string{"out": "out.nii.gz"},
		},
	)
	dir := filepath.Join(t.TempDir(), "work")
	exec := &Executor{DryRun: true, WorkDir: dir}

	res, err := exec.Run(context.Background(), p, Values{"in": "x.nii"})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, filepath.Join(dir, "dry", "prep", "prep.nii.gz"), res.Stages["prep"]["out"])
	assert.Equal(t, filepath.Join(dir, "dry", "tool", "out.nii.gz"), res.Stages["tool"]["out"])
	assert.NoDirExists(t, dir)
}

func TestExecutorTemplateErrors(t *testing.T) {
	p := NewPlan("bad")
	p.Add(Stage{Name: "a", Tool: "x", Args: []string{"{{.In.missing}}"}})
	exec := &Executor{Runner: &RecordingRunner{}, WorkDir: t.TempDir()}
	_, err := exec.Run(context.Background(), p, nil)
	assert.ErrorContains(t, err, "stage a")

	p = NewPlan("uneven", "l1", "l2")
	p.Add(Stage{
		Name:    "zip",
		Tool:    "x",
		Inputs:  map[string]Source{"a": Input("l1"), "b": Input("l2")},
		ForEach: []string{"a", "b"},
	})
	_, err = exec.Run(context.Background(), p, Values{"l1": []string{"1", "2"}, "l2": []string{"1"}})
	assert.ErrorContains(t, err, "elements")
}

func TestExecRunnerWritesLog(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no shell available")
	}
	dir := t.TempDir()
	r := &ExecRunner{Tools: map[string]string{"shell": "/bin/sh"}}

	err := r.Run(context.Background(), Command{Stage: "s", Tool: "shell", Args: []string{"-c", "echo hello $GREETING", "x"}, Dir: dir, Env: []string{"GREETING=world"}})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "shell.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(data))

	err = r.Run(context.Background(), Command{Stage: "s", Tool: "shell", Args: []string{"-c", "echo failing; exit 3"}, Dir: dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")

	err = r.Run(context.Background(), Command{Tool: "definitely-not-a-tool-petprep"})
	assert.ErrorContains(t, err, "not found")
}

func TestExecRunnerKeepsLogPerElement(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no shell available")
	}
	dir := t.TempDir()
	p := NewPlan("each", "frames")
	p.Add(Stage{
		Name:    "echo_frame",
		Tool:    "shell",
		Args:    []string{"-c", "echo {{.In.frames}}"},
		Inputs:  map[string]Source{"frames": Input("frames")},
		ForEach: []string{"frames"},
	})
	exec := &Executor{Runner: &ExecRunner{Tools: map[string]string{"shell": "/bin/sh"}}, WorkDir: dir}
	_, err := exec.Run(context.Background(), p, Values{"frames": []string{"f0", "f1", "f2"}})
	require.NoError(t, err)

	logs, err := filepath.Glob(filepath.Join(dir, "*", "echo_frame", "shell_*.log"))
	require.NoError(t, err)
	require.Len(t, logs, 3)
	data, err := os.ReadFile(logs[1])
	require.NoError(t, err)
	assert.Equal(t, "f1\n", string(data))
	assert.Equal(t, "shell_0001.log", filepath.Base(logs[1]))

	assert.Equal(t, "flirt.log", Command{Tool: "flirt"}.LogName())
}

func TestTail(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("line\n")
	}
	assert.Equal(t, 20, len(strings.Split(tail(b.String(), 20), "\n")))
	assert.Equal(t, "a\nb", tail("a\nb\n", 5))
}

func TestRecordingRunnerIsConcurrencySafe(t *testing.T) {
	r := &RecordingRunner{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Run(context.Background(), Command{Tool: "x"})
		}()
	}
	wg.Wait()
	assert.Len(t, r.Commands(), 20)
}
