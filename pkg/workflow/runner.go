package workflow

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"petprep/internal/logging"
)

// Command is one tool invocation
type Command struct {
	Stage string
	Tool  string
	Args  []string
	Dir   string
	Env   []string
	// Element is the 1-based position within a ForEach stage, 0 otherwise
	Element int
}

// LogName is the file name the command's output is kept under
func (c Command) LogName() string {
	if c.Element > 0 {
		return fmt.Sprintf("%s_%04d.log", c.Tool, c.Element-1)
	}
	return c.Tool + ".log"
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Tool}, c.Args...), " ")
}

// Runner executes tool invocations
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner runs tools as subprocesses. Tools maps logical tool names to
// executables; unmapped tools are looked up on PATH.
type ExecRunner struct {
	Tools  map[string]string
	Env    []string
	Logger *zap.Logger
}

// Run executes cmd in its stage directory and keeps its combined output in
// a log file next to the stage outputs.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) error {
	exe := cmd.Tool
	if override, ok := r.Tools[cmd.Tool]; ok && override != "" {
		exe = override
	}
	path, err := exec.LookPath(exe)
	if err != nil {
		return fmt.Errorf("tool %s not found: %w", cmd.Tool, err)
	}

	c := exec.CommandContext(ctx, path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(append(os.Environ(), r.Env...), cmd.Env...)
	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	logger := r.logger().With(zap.String("stage", cmd.Stage), zap.String("tool", cmd.Tool))
	logger.Debug("Running command", zap.String("cmdline", cmd.String()))
	runErr := c.Run()

	if cmd.Dir != "" {
		logFile := filepath.Join(cmd.Dir, cmd.LogName())
		if err := os.WriteFile(logFile, out.Bytes(), 0644); err != nil {
			logger.Warn("Failed to write command log", zap.Error(err))
		}
	}
	if runErr != nil {
		return fmt.Errorf("%s failed: %w\n%s", cmd.Tool, runErr, tail(out.String(), 20))
	}
	return nil
}

func (r *ExecRunner) logger() *zap.Logger {
	return logging.OrNop(r.Logger)
}

// tail returns the last n lines of s
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// RecordingRunner records invocations instead of running them. Hook, when
// set, is called for every command and may create outputs or fail.
type RecordingRunner struct {
	Hook func(cmd Command) error

	mu       sync.Mutex
	commands []Command
}

// Run records cmd
func (r *RecordingRunner) Run(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	if r.Hook != nil {
		return r.Hook(cmd)
	}
	return nil
}

// Commands returns the recorded invocations in call order
func (r *RecordingRunner) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}
