package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photo-pipeline/internal/api/respond"
	"github.com/aliskhannn/photo-pipeline/internal/model"
	jobrepo "github.com/aliskhannn/photo-pipeline/internal/repository/job"
	jobsvc "github.com/aliskhannn/photo-pipeline/internal/service/job"
)

// service defines the async job operations.
type service interface {
	Submit(ctx context.Context, kind model.JobKind, batchID string, params json.RawMessage) (model.Job, error)
	Get(ctx context.Context, id uuid.UUID) (model.Job, error)
}

// Handler provides HTTP handlers for async pipeline jobs.
type Handler struct {
	service service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// SubmitRequest is the body of a job submission.
type SubmitRequest struct {
	Kind    model.JobKind   `json:"kind"`
	BatchID string          `json:"batch_id"`
	Params  json.RawMessage `json:"params"`
}

// Submit records and enqueues a job.
func (h *Handler) Submit(c *ginext.Context) {
	var req SubmitRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	job, err := h.service.Submit(c.Request.Context(), req.Kind, req.BatchID, req.Params)
	if err != nil {
		if errors.Is(err, jobsvc.ErrInvalidJob) {
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}

		zlog.Logger.Err(err).Msg("failed to submit job")
		respond.Fail(c, http.StatusInternalServerError, errors.New("failed to submit job"))
		return
	}

	respond.Accepted(c, job)
}

// Get returns a job by id.
func (h *Handler) Get(c *ginext.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid job id"))
		return
	}

	job, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, jobrepo.ErrJobNotFound) {
			respond.Fail(c, http.StatusNotFound, err)
			return
		}

		zlog.Logger.Err(err).Str("job", id.String()).Msg("failed to get job")
		respond.Fail(c, http.StatusInternalServerError, errors.New("failed to get job"))
		return
	}

	respond.OK(c, job)
}
