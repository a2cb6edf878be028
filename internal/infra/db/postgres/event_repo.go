package postgres

import (
	"context"
	"encoding/json"
	"time"

	"content-pipeline/internal/domain"
	"content-pipeline/internal/domain/model"
	"content-pipeline/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

var _ repository.EventRepository = (*eventRepo)(nil)

type eventRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
	now  func() time.Time
}

func NewEventRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *eventRepo {
	return &eventRepo{pool: pool, tm: tm, now: time.Now}
}

// Append serializes on the job row lock, the same lock ledger transitions take.
func (r *eventRepo) Append(ctx context.Context, jobID string, drafts ...model.EventDraft) ([]model.Event, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	var evs []model.Event
	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE;`, jobID)
		if err != nil {
			return err
		}
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		evs = model.Seal(j, j.LastSeq, r.now().UTC(), drafts)
		if err := insertEvents(ctx, r.pool, tx, evs); err != nil {
			return err
		}
		_, err = execSQL(ctx, r.pool, tx, `UPDATE jobs SET last_seq = $2 WHERE id = $1;`, jobID, evs[len(evs)-1].Seq)
		return err
	})
	if err != nil {
		return nil, domain.Storage("append events", err)
	}
	return evs, nil
}

func (r *eventRepo) ListSince(ctx context.Context, tx repository.Tx, jobID string, afterSeq int64, limit int) ([]model.Event, error) {
	var exists bool
	row, err := pickRow(ctx, r.pool, tx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1);`, jobID)
	if err != nil {
		return nil, domain.Storage("list events", err)
	}
	if err := row.Scan(&exists); err != nil {
		return nil, domain.Storage("list events", err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	q := `
SELECT job_id, seq, type, stage, status, current_stage, payload, created_at
FROM job_events
WHERE job_id = $1 AND seq > $2
ORDER BY seq`
	args := []interface{}{jobID, afterSeq}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, domain.Storage("list events", err)
	}
	defer rows.Close()

	out := []model.Event{}
	for rows.Next() {
		var (
			ev          model.Event
			typ, status string
			payload     []byte
		)
		if err := rows.Scan(&ev.JobID, &ev.Seq, &typ, &ev.Stage, &status, &ev.CurrentStage, &payload, &ev.Timestamp); err != nil {
			return nil, domain.Storage("list events", err)
		}
		ev.Type = model.EventType(typ)
		ev.Status = model.JobStatus(status)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, domain.Storage("decode event payload", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Storage("list events", err)
	}
	return out, nil
}

func insertEvents(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, evs []model.Event) error {
	const q = `
INSERT INTO job_events (job_id, seq, type, stage, status, current_stage, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
	for _, ev := range evs {
		var payload *string
		if len(ev.Payload) > 0 {
			b, err := json.Marshal(ev.Payload)
			if err != nil {
				return err
			}
			s := string(b)
			payload = &s
		}
		if _, err := execSQL(ctx, pool, tx, q,
			ev.JobID, ev.Seq, string(ev.Type), ev.Stage, string(ev.Status), ev.CurrentStage, payload, ev.Timestamp); err != nil {
			return err
		}
	}
	return nil
}
