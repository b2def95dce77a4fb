package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-orchestrator/internal/models"
)

// Postgres wraps pgxpool for job record persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, user_id, status, request_id, payload, progress, result, error,
	idempotency_key, retry_of, created_at, started_at, completed_at, updated_at`

// CreateJob inserts a pending job row, honoring idempotency if a key is given.
// The boolean result reports whether an existing job was returned instead.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	id := uuid.NewString()
	requestID := p.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, user_id, status, request_id, payload, idempotency_key, retry_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.UserID, models.StatusPending, requestID, payloadJSON, emptyToNil(p.IdempotencyKey), emptyToNil(p.RetryOf), now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, id, now.Add(p.IdempotencyTTL))
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Lost the race for the key; hand back the winner.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		UserID:         p.UserID,
		Status:         models.StatusPending,
		RequestID:      requestID,
		Payload:        p.Payload,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		RetryOf:        emptyToNil(p.RetryOf),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

func (s *Postgres) findByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND expires_at > NOW()
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ReleaseIdempotencyKey deletes the key row when it is bound to jobID.
func (s *Postgres) ReleaseIdempotencyKey(ctx context.Context, key, jobID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND job_id = $2`, key, jobID); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns a user's jobs, newest first.
func (s *Postgres) ListJobs(ctx context.Context, userID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Transition applies t in a single transaction. The report ledger insert and
// the status-guarded update either both land or neither does.
func (s *Postgres) Transition(ctx context.Context, t Transition) (models.Job, TransitionResult, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}
	var progressJSON, errorJSON []byte
	var err error
	if t.Progress != nil {
		if progressJSON, err = json.Marshal(t.Progress); err != nil {
			return models.Job{}, Rejected, fmt.Errorf("marshal progress: %w", err)
		}
	}
	if t.Error != nil {
		if errorJSON, err = json.Marshal(t.Error); err != nil {
			return models.Job{}, Rejected, fmt.Errorf("marshal error: %w", err)
		}
	}
	var resultJSON []byte
	if t.Result != nil {
		resultJSON = []byte(t.Result)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, Rejected, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if t.RequestID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO job_reports (job_id, request_id, event, status, recorded_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id, request_id, event) DO NOTHING
		`, t.JobID, t.RequestID, t.Event, emptyToNil(string(t.To)), at)
		if err != nil {
			return models.Job{}, Rejected, fmt.Errorf("record report: %w", err)
		}
		if tag.RowsAffected() == 0 {
			_ = tx.Rollback(ctx)
			job, err := s.GetJob(ctx, t.JobID)
			if err != nil {
				return models.Job{}, Duplicate, err
			}
			return job, Duplicate, nil
		}
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET
			status = COALESCE(NULLIF($3::text, ''), status),
			progress = COALESCE($4::jsonb, progress),
			result = COALESCE($5::jsonb, result),
			error = COALESCE($6::jsonb, error),
			started_at = CASE WHEN $3::text = 'processing'
				THEN COALESCE(started_at, GREATEST($7::timestamptz, created_at))
				ELSE started_at END,
			completed_at = CASE WHEN $3::text IN ('completed', 'failed', 'cancelled')
				THEN COALESCE(completed_at, GREATEST($7::timestamptz, COALESCE(started_at, created_at)))
				ELSE completed_at END,
			updated_at = $7::timestamptz
		WHERE id = $1 AND status = ANY($2::text[])
		RETURNING `+jobColumns,
		t.JobID, from, string(t.To), progressJSON, resultJSON, errorJSON, at))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		current, err := s.GetJob(ctx, t.JobID)
		if err != nil {
			return models.Job{}, Rejected, err
		}
		return current, Rejected, nil
	}
	if err != nil {
		return models.Job{}, Rejected, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, Rejected, fmt.Errorf("commit: %w", err)
	}
	return job, Applied, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status string
	var payloadJSON, progressJSON, resultJSON, errorJSON []byte
	var idem, retryOf pgtype.Text

	if err := row.Scan(&job.ID, &job.UserID, &status, &job.RequestID, &payloadJSON, &progressJSON, &resultJSON, &errorJSON,
		&idem, &retryOf, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(progressJSON) > 0 {
		job.Progress = &models.Progress{}
		if err := json.Unmarshal(progressJSON, job.Progress); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		job.Error = &models.JobError{}
		if err := json.Unmarshal(errorJSON, job.Error); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		job.Result = json.RawMessage(resultJSON)
	}
	job.IdempotencyKey = textPtr(idem)
	job.RetryOf = textPtr(retryOf)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
