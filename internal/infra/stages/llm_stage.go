package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"content-pipeline/internal/config"
	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/adapter"
	"content-pipeline/internal/infra/artifacts"
	"content-pipeline/internal/infra/metrics"
)

var _ adapter.StageAdapter = (*LLMStage)(nil)

// LLMStage renders a prompt from the job snapshot and earlier artifacts,
// asks a text generator, and stores the reply as one artifact.
type LLMStage struct {
	name    string
	cfg     config.LLMStageConfig
	inputs  []string
	model   string
	timeout time.Duration
	tmpl    *template.Template
	gen     adapter.TextGenerator
	// testGen serves jobs submitted with testing mode on.
	testGen adapter.TextGenerator
	counter adapter.TokenCounter
}

// PromptData is what stage prompt templates can reference.
type PromptData struct {
	Job    *model.Job
	Config model.JobConfig
	Inputs map[string]string
}

func NewLLMStage(cfg config.StageConfig, defaultModel string, gen, testGen adapter.TextGenerator, counter adapter.TokenCounter) (*LLMStage, error) {
	if gen == nil {
		return nil, fmt.Errorf("stage %s: no text generator", cfg.Name)
	}
	tmpl, err := template.New(cfg.Name).Option("missingkey=zero").Parse(cfg.LLM.Prompt)
	if err != nil {
		return nil, fmt.Errorf("stage %s: parse prompt: %w", cfg.Name, err)
	}
	name := defaultModel
	if cfg.LLM.Model != "" {
		name = cfg.LLM.Model
	}
	return &LLMStage{
		name:    cfg.Name,
		cfg:     cfg.LLM,
		inputs:  cfg.Inputs,
		model:   name,
		timeout: cfg.Timeout,
		tmpl:    tmpl,
		gen:     gen,
		testGen: testGen,
		counter: counter,
	}, nil
}

func (s *LLMStage) Name() string           { return s.name }
func (s *LLMStage) Timeout() time.Duration { return s.timeout }

func (s *LLMStage) Run(ctx context.Context, in adapter.StageInput) (model.StageResult, error) {
	out := filepath.Join(in.Dir, s.cfg.Output)
	kind := model.ArtifactKind(s.cfg.Kind)
	if st, err := os.Stat(out); err == nil && st.Size() > 0 {
		spec, err := artifacts.Describe(in.JobDir, out, kind)
		if err != nil {
			return model.StageResult{}, err
		}
		in.Log.Info().Str("output", s.cfg.Output).Msg("output already present, skipping generation")
		res := model.Succeeded([]model.ArtifactSpec{spec})
		res.Skipped = true
		return res, nil
	}

	data := PromptData{Job: in.Job, Config: in.Job.Config, Inputs: map[string]string{}}
	for _, k := range s.inputs {
		arts := model.ArtifactsOfKind(in.Artifacts, model.ArtifactKind(k))
		if len(arts) == 0 {
			return model.Failed(domain.KindStageFailure, fmt.Sprintf("no %s artifact from an earlier stage", k)), nil
		}
		var parts []string
		for _, a := range arts {
			b, err := os.ReadFile(filepath.Join(in.JobDir, filepath.FromSlash(a.Path)))
			if err != nil {
				return model.Failed(domain.KindStageFailure, fmt.Sprintf("read %s input: %v", k, err)), nil
			}
			parts = append(parts, string(b))
		}
		data.Inputs[k] = strings.Join(parts, "\n\n")
	}

	var prompt bytes.Buffer
	if err := s.tmpl.Execute(&prompt, data); err != nil {
		return model.Failed(domain.KindStageFailure, fmt.Sprintf("render prompt: %v", err)), nil
	}
	msgs := []adapter.Message{}
	if s.cfg.System != "" {
		msgs = append(msgs, adapter.Message{Role: "system", Content: s.cfg.System})
	}
	msgs = append(msgs, adapter.Message{Role: "user", Content: prompt.String()})

	if s.cfg.MaxPromptTokens > 0 && s.counter != nil {
		n, err := s.counter.CountTokens(s.model, msgs)
		if err != nil {
			in.Log.Warn().Err(err).Msg("token count failed, sending unchecked")
		} else if n > s.cfg.MaxPromptTokens {
			metrics.PrecheckBlocked(s.name)
			return model.Failed(domain.KindStageFailure,
				fmt.Sprintf("prompt is %d tokens, budget is %d", n, s.cfg.MaxPromptTokens)), nil
		}
	}

	gen := s.gen
	if in.Job.Config.Testing && s.testGen != nil {
		gen = s.testGen
	}
	text, usage, err := gen.Generate(ctx, s.model, msgs, adapter.GenerateOptions{
		Seed:      in.Job.Config.Seed,
		MaxTokens: s.cfg.MaxTokens,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.Failed(domain.KindStageTimeout, "stage exceeded its maximum duration"), nil
		}
		return model.Failed(domain.KindStageFailure, fmt.Sprintf("generate: %v", err)), nil
	}
	if strings.TrimSpace(text) == "" {
		return model.Failed(domain.KindStageFailure, "generator returned an empty reply"), nil
	}

	tmp := out + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return model.StageResult{}, err
	}
	if err := os.Rename(tmp, out); err != nil {
		return model.StageResult{}, err
	}
	spec, err := artifacts.Describe(in.JobDir, out, kind)
	if err != nil {
		return model.StageResult{}, err
	}
	spec.Meta["model"] = s.model
	spec.Meta["prompt_tokens"] = fmt.Sprint(usage.PromptTokens)
	spec.Meta["completion_tokens"] = fmt.Sprint(usage.CompletionTokens)
	in.Log.Info().Int("prompt_tokens", usage.PromptTokens).Int("completion_tokens", usage.CompletionTokens).Msg("generated")
	return model.Succeeded([]model.ArtifactSpec{spec}), nil
}
