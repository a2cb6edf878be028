package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"content-pipeline/internal/config"
	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/infra/artifacts"
)

var _ adapter.StageAdapter = (*CommandStage)(nil)

// SnapshotWriter materialises the job's config snapshot for external tools.
type SnapshotWriter interface {
	SnapshotPath(job *model.Job) (string, error)
}

// CommandStage runs an external program and collects the files it leaves
// in the stage directory.
type CommandStage struct {
	name      string
	command   string
	args      []string
	env       map[string]string
	inputs    []string
	outputs   []config.OutputConfig
	timeout   time.Duration
	snapshots SnapshotWriter
}

func NewCommandStage(cfg config.StageConfig, snapshots SnapshotWriter) *CommandStage {
	return &CommandStage{
		name:      cfg.Name,
		command:   cfg.Command,
		args:      cfg.Args,
		env:       cfg.Env,
		inputs:    cfg.Inputs,
		outputs:   cfg.Outputs,
		timeout:   cfg.Timeout,
		snapshots: snapshots,
	}
}

func (s *CommandStage) Name() string           { return s.name }
func (s *CommandStage) Timeout() time.Duration { return s.timeout }

func (s *CommandStage) Run(ctx context.Context, in adapter.StageInput) (model.StageResult, error) {
	if specs, ok, err := s.collect(in); err != nil {
		return model.StageResult{}, err
	} else if ok {
		in.Log.Info().Int("artifacts", len(specs)).Msg("declared outputs already present, skipping command")
		res := model.Succeeded(specs)
		res.Skipped = true
		return res, nil
	}

	vars := map[string]string{
		"JOB_ID":    in.Job.ID,
		"JOB_SLUG":  in.Job.Slug,
		"STAGE":     s.name,
		"STAGE_DIR": in.Dir,
		"JOB_DIR":   in.JobDir,
		"LOG_DIR":   in.LogDir,
	}
	if in.Job.Config.Testing {
		vars["PIPELINE_TESTING"] = "1"
	}
	if s.snapshots != nil {
		p, err := s.snapshots.SnapshotPath(in.Job)
		if err != nil {
			return model.StageResult{}, fmt.Errorf("write config snapshot: %w", err)
		}
		vars["JOB_CONFIG"] = p
	}
	for _, kind := range s.inputs {
		arts := model.ArtifactsOfKind(in.Artifacts, model.ArtifactKind(kind))
		if len(arts) == 0 {
			return model.Failed(domain.KindStageFailure, fmt.Sprintf("no %s artifact from an earlier stage", kind)), nil
		}
		paths := make([]string, len(arts))
		for i, a := range arts {
			paths[i] = filepath.Join(in.JobDir, filepath.FromSlash(a.Path))
		}
		vars["INPUT_"+strings.ToUpper(kind)] = strings.Join(paths, string(os.PathListSeparator))
	}
	for k, v := range s.env {
		vars[k] = os.Expand(v, func(name string) string { return lookup(vars, name) })
	}

	command := s.command
	if strings.ContainsRune(command, filepath.Separator) && !filepath.IsAbs(command) {
		if abs, err := filepath.Abs(command); err == nil {
			command = abs
		}
	}
	args := make([]string, len(s.args))
	for i, a := range s.args {
		args[i] = os.Expand(a, func(name string) string { return lookup(vars, name) })
	}

	logPath := filepath.Join(in.LogDir, s.name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return model.StageResult{}, fmt.Errorf("open stage log: %w", err)
	}
	defer logFile.Close()
	fmt.Fprintf(logFile, "--- %s %s %s\n", time.Now().UTC().Format(time.RFC3339), command, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = in.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	for k, v := range vars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.WaitDelay = 5 * time.Second

	in.Log.Debug().Str("command", command).Strs("args", args).Msg("running stage command")
	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.Failed(domain.KindStageTimeout, "stage exceeded its maximum duration"), nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return model.Failed(domain.KindStageFailure,
				fmt.Sprintf("%s exited with code %d, see logs/%s.log", filepath.Base(command), exitErr.ExitCode(), s.name)), nil
		}
		return model.Failed(domain.KindStageFailure, fmt.Sprintf("run %s: %v", filepath.Base(command), runErr)), nil
	}

	specs, ok, err := s.collect(in)
	if err != nil {
		return model.StageResult{}, err
	}
	if !ok {
		return model.Failed(domain.KindStageFailure, s.missingOutputs(in.Dir)), nil
	}
	return model.Succeeded(specs), nil
}

// collect fingerprints every declared output; ok is false unless each
// declared output matched at least one file.
func (s *CommandStage) collect(in adapter.StageInput) ([]model.ArtifactSpec, bool, error) {
	var specs []model.ArtifactSpec
	for _, o := range s.outputs {
		files, err := artifacts.Glob(in.Dir, o.Glob)
		if err != nil {
			return nil, false, fmt.Errorf("match outputs %q: %w", o.Glob, err)
		}
		if len(files) == 0 {
			return nil, false, nil
		}
		for _, f := range files {
			spec, err := artifacts.Describe(in.JobDir, f, model.ArtifactKind(o.Kind))
			if err != nil {
				return nil, false, err
			}
			specs = append(specs, spec)
		}
	}
	return specs, len(s.outputs) > 0, nil
}

func (s *CommandStage) missingOutputs(dir string) string {
	var missing []string
	for _, o := range s.outputs {
		if files, _ := artifacts.Glob(dir, o.Glob); len(files) == 0 {
			missing = append(missing, fmt.Sprintf("%s (%s)", o.Kind, o.Glob))
		}
	}
	return "command produced no output for " + strings.Join(missing, ", ")
}

func lookup(vars map[string]string, name string) string {
	if v, ok := vars[name]; ok {
		return v
	}
	return os.Getenv(name)
}
