package repository

import (
	"context"

	"content-pipeline/internal/domain/model"
)

type ArtifactRepository interface {
	// Register is idempotent for an identical digest and otherwise records a
	// new version. Existing registrations are never modified.
	Register(ctx context.Context, tx Tx, jobID, stage string, spec model.ArtifactSpec) (*model.Artifact, error)
	ListByJob(ctx context.Context, tx Tx, jobID string) ([]model.Artifact, error)
}
