package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/aliskhannn/photo-pipeline/internal/model"
)

var ErrJobNotFound = errors.New("job not found")

// Repository stores async pipeline jobs in PostgreSQL.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// CreateJob inserts a new job record and fills in its ID and timestamps.
func (r *Repository) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (kind, batch_id, params, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`

	params := job.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	err := r.db.QueryRowContext(
		ctx, query, job.Kind, job.BatchID, []byte(params), job.Status,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create: failed to save job: %w", err)
	}

	return nil
}

// GetJob retrieves a job record by ID.
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	query := `
		SELECT kind, batch_id, params, status, COALESCE(error, ''), result, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	var (
		job    model.Job
		params []byte
		result []byte
	)

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.Kind, &job.BatchID, &params, &job.Status, &job.Error, &result, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, ErrJobNotFound
		}

		return model.Job{}, fmt.Errorf("get: failed to get job: %w", err)
	}

	job.ID = id
	job.Params = params
	if len(result) > 0 {
		job.Result = result
	}

	return job, nil
}

// UpdateStatus sets the status of a job together with its result or error.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.JobStatus, result json.RawMessage, errMsg string) error {
	query := `
		UPDATE jobs
		SET status = $1, result = $2, error = NULLIF($3, ''), updated_at = now()
		WHERE id = $4
	`

	var resultArg any
	if len(result) > 0 {
		resultArg = []byte(result)
	}

	res, err := r.db.ExecContext(ctx, query, status, resultArg, errMsg, id)
	if err != nil {
		return fmt.Errorf("update: failed to update job: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update: failed to get number of rows affected: %w", err)
	}

	if rows == 0 {
		return ErrJobNotFound
	}

	return nil
}
