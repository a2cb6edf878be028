package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.JobRepository = (*jobRepo)(nil)

const jobColumns = `id, slug, config, status, current_stage, gates, error, ready,
       cancel_requested, pause_requested, last_seq, created_at, updated_at`

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
	now  func() time.Time
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{pool: pool, tm: tm, now: time.Now}
}

func (r *jobRepo) Create(ctx context.Context, tx repository.Tx, job *model.Job, drafts ...model.EventDraft) (*model.Job, []model.Event, error) {
	j := job.Clone()
	var evs []model.Event
	run := func(ctx context.Context, tx repository.Tx) error {
		evs = model.Seal(j, 0, r.now().UTC(), drafts)
		if len(evs) > 0 {
			j.LastSeq = evs[len(evs)-1].Seq
		}
		cfg, err := json.Marshal(j.Config)
		if err != nil {
			return err
		}
		gates, errInfo, err := encodeState(j)
		if err != nil {
			return err
		}
		const q = `
INSERT INTO jobs (id, slug, config, status, current_stage, gates, error, ready,
                  cancel_requested, pause_requested, last_seq, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`
		if _, err := execSQL(ctx, r.pool, tx, q,
			j.ID, j.Slug, string(cfg), string(j.Status), j.CurrentStage, gates, errInfo, j.Ready,
			j.CancelRequested, j.PauseRequested, j.LastSeq, j.CreatedAt, j.UpdatedAt); err != nil {
			return err
		}
		return insertEvents(ctx, r.pool, tx, evs)
	}
	var err error
	if tx != nil {
		err = run(ctx, tx)
	} else {
		err = r.tm.WithTx(ctx, pgx.TxOptions{}, run)
	}
	if err != nil {
		return nil, nil, domain.Storage("create job", err)
	}
	j.Artifacts = []model.Artifact{}
	return j, evs, nil
}

func (r *jobRepo) Get(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	if err != nil {
		return nil, domain.Storage("get job", err)
	}
	j, err := scanJob(row)
	if err != nil {
		return nil, domain.Storage("get job", err)
	}
	if err := r.hydrate(ctx, tx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *jobRepo) List(ctx context.Context, tx repository.Tx, f model.JobFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Slug != "" {
		args = append(args, f.Slug)
		where = append(where, fmt.Sprintf("slug = $%d", len(args)))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, domain.Storage("list jobs", err)
	}
	defer rows.Close()
	out := []*model.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.Storage("list jobs", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("list jobs", err)
	}
	for _, j := range out {
		if err := r.hydrate(ctx, tx, j); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *jobRepo) Transition(ctx context.Context, id string, t model.Transition) (*model.Job, []model.Event, error) {
	var (
		out *model.Job
		evs []model.Event
	)
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE;`, id)
		if err != nil {
			return err
		}
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		if out, evs, err = r.apply(ctx, tx, j, t); err != nil {
			return err
		}
		// Artifacts are read in the same transaction so a committed write
		// is never reported as failed.
		return r.hydrate(ctx, tx, out)
	})
	if err != nil {
		return nil, nil, domain.Storage("transition job", err)
	}
	return out, evs, nil
}

func (r *jobRepo) ClaimNext(ctx context.Context) (*model.Job, []model.Event, error) {
	var (
		out *model.Job
		evs []model.Event
	)
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const fetchQuery = `SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'queued' OR (status = 'running' AND ready)
ORDER BY created_at, id
LIMIT 1
FOR UPDATE SKIP LOCKED;`
		row, err := pickRow(ctx, r.pool, tx, fetchQuery)
		if err != nil {
			return err
		}
		j, err := scanJob(row)
		if err != nil {
			return err // ErrNotFound stops the transaction wrapper
		}
		if out, evs, err = r.apply(ctx, tx, j, model.Claim()); err != nil {
			return err
		}
		return r.hydrate(ctx, tx, out)
	})
	if err != nil {
		return nil, nil, domain.Storage("claim job", err)
	}
	return out, evs, nil
}

// apply runs t against a row already locked by tx and persists the result.
func (r *jobRepo) apply(ctx context.Context, tx repository.Tx, j *model.Job, t model.Transition) (*model.Job, []model.Event, error) {
	now := r.now().UTC()
	drafts, err := t.Apply(j, now)
	if err != nil {
		return nil, nil, err
	}
	evs := model.Seal(j, j.LastSeq, now, drafts)
	if len(evs) > 0 {
		j.LastSeq = evs[len(evs)-1].Seq
	}
	gates, errInfo, err := encodeState(j)
	if err != nil {
		return nil, nil, err
	}
	// config is the snapshot and is never rewritten
	const q = `
UPDATE jobs SET
  status = $2, current_stage = $3, gates = $4, error = $5, ready = $6,
  cancel_requested = $7, pause_requested = $8, last_seq = $9, updated_at = $10
WHERE id = $1;`
	if _, err := execSQL(ctx, r.pool, tx, q,
		j.ID, string(j.Status), j.CurrentStage, gates, errInfo, j.Ready,
		j.CancelRequested, j.PauseRequested, j.LastSeq, j.UpdatedAt); err != nil {
		return nil, nil, err
	}
	if err := insertEvents(ctx, r.pool, tx, evs); err != nil {
		return nil, nil, err
	}
	return j, evs, nil
}

func (r *jobRepo) hydrate(ctx context.Context, tx repository.Tx, j *model.Job) error {
	arts, err := listArtifacts(ctx, r.pool, tx, j.ID)
	if err != nil {
		return domain.Storage("list artifacts", err)
	}
	j.Artifacts = arts
	return nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j                  model.Job
		status             string
		cfg, gates, errRaw []byte
	)
	err := row.Scan(&j.ID, &j.Slug, &cfg, &status, &j.CurrentStage, &gates, &errRaw, &j.Ready,
		&j.CancelRequested, &j.PauseRequested, &j.LastSeq, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal(cfg, &j.Config); err != nil {
		return nil, fmt.Errorf("decode config of job %s: %w", j.ID, err)
	}
	j.Gates = []model.GateRecord{}
	if len(gates) > 0 {
		if err := json.Unmarshal(gates, &j.Gates); err != nil {
			return nil, fmt.Errorf("decode gates of job %s: %w", j.ID, err)
		}
	}
	if len(errRaw) > 0 {
		j.Error = &model.ErrorInfo{}
		if err := json.Unmarshal(errRaw, j.Error); err != nil {
			return nil, fmt.Errorf("decode error of job %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

// encodeState renders the mutable jsonb columns; errInfo is nil for SQL NULL.
func encodeState(j *model.Job) (gates string, errInfo *string, err error) {
	gates = "[]"
	if j.Gates != nil {
		b, err := json.Marshal(j.Gates)
		if err != nil {
			return "", nil, err
		}
		gates = string(b)
	}
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return "", nil, err
		}
		s := string(b)
		errInfo = &s
	}
	return gates, errInfo, nil
}
