package adapter

import (
	"context"

	"content-pipeline/internal/domain/model"

	"github.com/rs/zerolog"
)

// StageInput is everything a stage may read.
type StageInput struct {
	Job *model.Job
	// Artifacts registered by earlier stages of this job.
	Artifacts []model.Artifact
	// JobDir is the job's root in the artifact store; artifact paths are relative to it.
	JobDir string
	// Dir is where this stage writes its outputs.
	Dir    string
	LogDir string
	Log    *zerolog.Logger
}

// StageAdapter wraps one external collaborator behind a uniform contract.
// A returned error is an unexpected failure; expected failures are reported
// through StageResult.
type StageAdapter interface {
	Name() string
	Run(ctx context.Context, in StageInput) (model.StageResult, error)
}
