package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.ArtifactRepository = (*artifactRepo)(nil)

type artifactRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
	now  func() time.Time
}

func NewArtifactRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *artifactRepo {
	return &artifactRepo{pool: pool, tm: tm, now: time.Now}
}

const artifactColumns = `id, job_id, stage, kind, path, version, digest, size, meta, created_at`

func (r *artifactRepo) Register(ctx context.Context, tx repository.Tx, jobID, stage string, spec model.ArtifactSpec) (*model.Artifact, error) {
	var out *model.Artifact
	run := func(ctx context.Context, tx repository.Tx) error {
		// the job row lock orders concurrent registrations for one job
		row, err := pickRow(ctx, r.pool, tx, `SELECT id FROM jobs WHERE id = $1 FOR UPDATE;`, jobID)
		if err != nil {
			return err
		}
		var id string
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return err
		}

		row, err = pickRow(ctx, r.pool, tx, `SELECT `+artifactColumns+` FROM job_artifacts
WHERE job_id = $1 AND stage = $2 AND kind = $3 AND path = $4
ORDER BY version DESC LIMIT 1;`, jobID, stage, string(spec.Kind), spec.Path)
		if err != nil {
			return err
		}
		latest, err := scanArtifact(row)
		switch {
		case err == nil && latest.Digest == spec.Digest:
			out = latest
			return nil
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		version := 1
		if latest != nil {
			version = latest.Version + 1
		}

		var meta *string
		if len(spec.Meta) > 0 {
			b, err := json.Marshal(spec.Meta)
			if err != nil {
				return err
			}
			s := string(b)
			meta = &s
		}
		a := model.Artifact{
			JobID:     jobID,
			Stage:     stage,
			Kind:      spec.Kind,
			Path:      spec.Path,
			Version:   version,
			Digest:    spec.Digest,
			Size:      spec.Size,
			Meta:      spec.Meta,
			CreatedAt: r.now().UTC(),
		}
		row, err = pickRow(ctx, r.pool, tx, `
INSERT INTO job_artifacts (job_id, stage, kind, path, version, digest, size, meta, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id;`, a.JobID, a.Stage, string(a.Kind), a.Path, a.Version, a.Digest, a.Size, meta, a.CreatedAt)
		if err != nil {
			return err
		}
		if err := row.Scan(&a.ID); err != nil {
			return err
		}
		out = &a
		return nil
	}

	var err error
	if tx != nil {
		err = run(ctx, tx)
	} else {
		err = r.tm.WithTx(ctx, pgx.TxOptions{}, run)
	}
	if err != nil {
		return nil, domain.Storage("register artifact", err)
	}
	return out, nil
}

func (r *artifactRepo) ListByJob(ctx context.Context, tx repository.Tx, jobID string) ([]model.Artifact, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1);`, jobID)
	if err != nil {
		return nil, domain.Storage("list artifacts", err)
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return nil, domain.Storage("list artifacts", err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	arts, err := listArtifacts(ctx, r.pool, tx, jobID)
	if err != nil {
		return nil, domain.Storage("list artifacts", err)
	}
	return arts, nil
}

func listArtifacts(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, jobID string) ([]model.Artifact, error) {
	rows, err := queryRows(ctx, pool, tx, `SELECT `+artifactColumns+` FROM job_artifacts WHERE job_id = $1 ORDER BY id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// scanArtifact keeps pgx.ErrNoRows so callers can tell "no version yet".
func scanArtifact(row pgx.Row) (*model.Artifact, error) {
	var (
		a    model.Artifact
		kind string
		meta []byte
	)
	if err := row.Scan(&a.ID, &a.JobID, &a.Stage, &kind, &a.Path, &a.Version, &a.Digest, &a.Size, &meta, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Kind = model.ArtifactKind(kind)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Meta); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
