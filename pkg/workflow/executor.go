package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"petprep/internal/logging"
)

// Executor runs plans. Stages start as soon as everything they depend on
// has finished, with at most MaxProcs running at once. The first failure
// cancels the stages still running and nothing new is started.
type Executor struct {
	// Runner executes tool stages
	Runner Runner

	// Logger receives stage progress; nil disables logging
	Logger *zap.Logger

	// MaxProcs bounds concurrently running stages; values below 1 mean 1
	MaxProcs int

	// WorkDir is the root of the per-stage working directories
	WorkDir string

	// DryRun resolves and logs every stage without running anything
	DryRun bool
}

// Result is what a plan run produced
type Result struct {
	RunID   string
	Plan    string
	Stages  map[string]Values
	Outputs Values
	Elapsed time.Duration
}

// Run executes p with the given plan inputs
func (e *Executor) Run(ctx context.Context, p *Plan, inputs Values) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for _, in := range p.Inputs {
		if _, ok := inputs[in]; !ok {
			return nil, fmt.Errorf("plan %s: missing input %q", p.Name, in)
		}
	}

	res := &Result{
		RunID:  uuid.NewString(),
		Plan:   p.Name,
		Stages: make(map[string]Values, len(p.Stages)),
	}
	logger := e.logger().With(zap.String("run_id", res.RunID), zap.String("plan", p.Name))
	logger.Info("Starting plan", zap.Int("stages", len(p.Stages)), zap.Bool("dry_run", e.DryRun))
	start := time.Now()

	var mu sync.Mutex
	lookup := func(src Source) (any, error) {
		switch {
		case src.IsLiteral():
			return src.Value, nil
		case src.Stage == InputStage:
			return inputs[src.Port], nil
		}
		mu.Lock()
		defer mu.Unlock()
		vals, ok := res.Stages[src.Stage]
		if !ok {
			return nil, fmt.Errorf("stage %s has not run", src.Stage)
		}
		v, ok := vals[src.Port]
		if !ok {
			return nil, fmt.Errorf("stage %s produced no %q output", src.Stage, src.Port)
		}
		return v, nil
	}

	pending := map[string]int{}
	dependents := map[string][]string{}
	byName := map[string]Stage{}
	for _, s := range p.Stages {
		byName[s.Name] = s
		deps := s.Deps()
		pending[s.Name] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], s.Name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	procs := e.MaxProcs
	if procs < 1 {
		procs = 1
	}
	g.SetLimit(procs)
	done := make(chan string, len(p.Stages))

	launch := func(s Stage) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			in := make(Values, len(s.Inputs))
			for port, src := range s.Inputs {
				v, err := lookup(src)
				switch {
				case err != nil && e.DryRun:
					v = placeholder(src)
				case err != nil:
					return fmt.Errorf("stage %s: input %s: %w", s.Name, port, err)
				}
				in[port] = v
			}
			dir := filepath.Join(e.workDir(), p.Name, s.Name)
			out, err := e.runStage(gctx, logger, s, in, dir)
			if err != nil {
				return fmt.Errorf("stage %s: %w", s.Name, err)
			}
			mu.Lock()
			res.Stages[s.Name] = out
			mu.Unlock()
			done <- s.Name
			return nil
		})
	}

	for _, s := range p.Stages {
		if pending[s.Name] == 0 {
			launch(s)
		}
	}
	completed := 0
wait:
	for completed < len(p.Stages) {
		select {
		case name := <-done:
			completed++
			for _, d := range dependents[name] {
				pending[d]--
				if pending[d] == 0 {
					launch(byName[d])
				}
			}
		case <-gctx.Done():
			break wait
		}
	}
	if err := g.Wait(); err != nil {
		logger.Error("Plan failed", zap.Error(err))
		return res, err
	}
	if completed < len(p.Stages) {
		return res, ctx.Err()
	}

	res.Outputs = make(Values, len(p.Outputs))
	for name, src := range p.Outputs {
		v, err := lookup(src)
		switch {
		case err != nil && e.DryRun:
			v = placeholder(src)
		case err != nil:
			return res, fmt.Errorf("plan output %s: %w", name, err)
		}
		res.Outputs[name] = v
	}
	res.Elapsed = time.Since(start)
	logger.Info("Plan finished", zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// placeholder stands in for values that only exist after a real run
func placeholder(src Source) string {
	return "<" + src.String() + ">"
}

func (e *Executor) logger() *zap.Logger {
	return logging.OrNop(e.Logger)
}

func (e *Executor) workDir() string {
	if e.WorkDir == "" {
		return "work"
	}
	return e.WorkDir
}

func (e *Executor) runStage(ctx context.Context, logger *zap.Logger, s Stage, in Values, dir string) (Values, error) {
	logger = logger.With(zap.String("stage", s.Name))
	start := time.Now()
	if !e.DryRun {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create stage directory: %w", err)
		}
	}
	logger.Debug("Stage started", zap.String("dir", dir))

	var out Values
	var err error
	switch {
	case s.Func != nil && e.DryRun:
		out, err = renderOutputs(s, in, dir, 0)
	case s.Func != nil:
		out, err = s.Func(ctx, in, dir)
	case len(s.ForEach) == 0:
		out, err = e.runTool(ctx, logger, s, in, dir, 0)
	default:
		out, err = e.runEach(ctx, logger, s, in, dir)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = Values{}
	}
	logger.Info("Stage finished", zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func (e *Executor) runTool(ctx context.Context, logger *zap.Logger, s Stage, in Values, dir string, index int) (Values, error) {
	out, err := renderOutputs(s, in, dir, index)
	if err != nil {
		return nil, err
	}
	args, err := renderArgs(s, in, out, dir, index)
	if err != nil {
		return nil, err
	}
	env, err := renderEnv(s, in, out, dir, index)
	if err != nil {
		return nil, err
	}
	cmd := Command{Stage: s.Name, Tool: s.Tool, Args: args, Dir: dir, Env: env}
	if len(s.ForEach) > 0 {
		cmd.Element = index + 1
	}
	if e.DryRun {
		logger.Info("Would run", zap.String("cmdline", cmd.String()))
		return out, nil
	}
	if e.Runner == nil {
		return nil, fmt.Errorf("no runner configured for tool %s", s.Tool)
	}
	if err := e.Runner.Run(ctx, cmd); err != nil {
		return nil, err
	}
	return out, nil
}

// runEach runs the tool once per element of the ForEach inputs
func (e *Executor) runEach(ctx context.Context, logger *zap.Logger, s Stage, in Values, dir string) (Values, error) {
	lists := make(map[string][]string, len(s.ForEach))
	n := -1
	for _, port := range s.ForEach {
		l, err := toStrings(in[port])
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", port, err)
		}
		if n >= 0 && len(l) != n {
			return nil, fmt.Errorf("input %s has %d elements, want %d", port, len(l), n)
		}
		n = len(l)
		lists[port] = l
	}

	collected := map[string][]string{}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := make(Values, len(in))
		for k, v := range in {
			item[k] = v
		}
		for port, l := range lists {
			item[port] = l[i]
		}
		out, err := e.runTool(ctx, logger, s, item, dir, i)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		for k, v := range out {
			collected[k] = append(collected[k], v.(string))
		}
	}
	out := make(Values, len(s.Outputs))
	for k := range s.Outputs {
		out[k] = collected[k]
	}
	return out, nil
}

type templateData struct {
	In    Values
	Out   Values
	Dir   string
	Index int
}

var templateFuncs = template.FuncMap{
	"join": func(v any, sep string) (string, error) {
		l, err := toStrings(v)
		if err != nil {
			return "", err
		}
		return strings.Join(l, sep), nil
	},
	"base": filepath.Base,
}

func render(text string, data templateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New("arg").Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("bad template %q: %w", text, err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render %q: %w", text, err)
	}
	return b.String(), nil
}

func renderOutputs(s Stage, in Values, dir string, index int) (Values, error) {
	out := make(Values, len(s.Outputs))
	data := templateData{In: in, Dir: dir, Index: index}
	for port, name := range s.Outputs {
		v, err := render(name, data)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", port, err)
		}
		if !filepath.IsAbs(v) {
			v = filepath.Join(dir, v)
		}
		out[port] = v
	}
	return out, nil
}

func renderArgs(s Stage, in, out Values, dir string, index int) ([]string, error) {
	data := templateData{In: in, Out: out, Dir: dir, Index: index}
	args := make([]string, 0, len(s.Args))
	for _, a := range s.Args {
		if port, ok := strings.CutPrefix(a, "@"); ok {
			l, err := toStrings(in[port])
			if err != nil {
				return nil, fmt.Errorf("argument %s: %w", a, err)
			}
			args = append(args, l...)
			continue
		}
		v, err := render(a, data)
		if err != nil {
			return nil, err
		}
		if v != "" {
			args = append(args, v)
		}
	}
	return args, nil
}

func renderEnv(s Stage, in, out Values, dir string, index int) ([]string, error) {
	if len(s.Env) == 0 {
		return nil, nil
	}
	data := templateData{In: in, Out: out, Dir: dir, Index: index}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := render(s.Env[k], data)
		if err != nil {
			return nil, fmt.Errorf("environment %s: %w", k, err)
		}
		env = append(env, k+"="+v)
	}
	return env, nil
}

// toStrings accepts a string, a []string or a []any of strings
func toStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want string", i, e)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("value of type %T is not a list of paths", v)
}
