package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photo-pipeline/internal/crop"
	"github.com/aliskhannn/photo-pipeline/internal/model"
	"github.com/aliskhannn/photo-pipeline/internal/processor"
	"github.com/aliskhannn/photo-pipeline/internal/service/pipeline"
)

// ErrInvalidJob is returned by Submit for unknown kinds and malformed params.
var ErrInvalidJob = errors.New("invalid job")

// repository persists job records.
type repository interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.JobStatus, result json.RawMessage, errMsg string) error
}

// producer publishes jobs to the message broker.
type producer interface {
	Produce(ctx context.Context, job model.Job) error
}

// coordinator runs the pipeline stages.
type coordinator interface {
	RemoveBackground(ctx context.Context, req pipeline.RemoveBackgroundRequest) (pipeline.Summary, error)
	Composite(ctx context.Context, req pipeline.CompositeRequest) (pipeline.Summary, error)
	Crop(ctx context.Context, req pipeline.CropRequest) (pipeline.Summary, error)
}

// RemoveBackgroundParams are the params of a remove_bg job. The source stage
// defaults to input.
type RemoveBackgroundParams struct {
	SourceStage        *model.Stage `json:"source_stage,omitempty"`
	Filenames          []string     `json:"filenames,omitempty"`
	Size               string       `json:"size,omitempty"`
	Concurrency        int          `json:"concurrency,omitempty"`
	BackgroundColor    string       `json:"bg_color,omitempty"`
	BackgroundImageURL string       `json:"bg_image_url,omitempty"`
}

// CompositeParams are the params of a composite job. The source stage
// defaults to remove_bg.
type CompositeParams struct {
	SourceStage     *model.Stage `json:"source_stage,omitempty"`
	Filenames       []string     `json:"filenames,omitempty"`
	BackgroundColor string       `json:"bg_color"`
}

// CropParams are the params of a crop job. The source stage defaults to
// composite.
type CropParams struct {
	SourceStage *model.Stage        `json:"source_stage,omitempty"`
	Filenames   []string            `json:"filenames,omitempty"`
	Preset      string              `json:"preset"`
	Boxes       map[string]crop.Box `json:"boxes,omitempty"`
	Box         *crop.Box           `json:"box,omitempty"`
}

// Service runs pipeline stages asynchronously. Submitted jobs are recorded
// and published; Process executes them on the consumer side.
type Service struct {
	repo        repository
	producer    producer
	coordinator coordinator
}

// NewService creates a new Service.
func NewService(r repository, p producer, c coordinator) *Service {
	return &Service{repo: r, producer: p, coordinator: c}
}

// Submit validates and records a job for an existing batch and publishes it.
func (s *Service) Submit(ctx context.Context, kind model.JobKind, batchID string, params json.RawMessage) (model.Job, error) {
	if !model.ValidBatchID(batchID) {
		return model.Job{}, fmt.Errorf("%w: invalid batch id %q", ErrInvalidJob, batchID)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := validateParams(kind, params); err != nil {
		return model.Job{}, err
	}

	job := model.Job{
		Kind:    kind,
		BatchID: batchID,
		Params:  params,
		Status:  model.JobPending,
	}

	if err := s.repo.CreateJob(ctx, &job); err != nil {
		return model.Job{}, fmt.Errorf("submit: %w", err)
	}

	if err := s.producer.Produce(ctx, job); err != nil {
		if uerr := s.repo.UpdateStatus(ctx, job.ID, model.JobFailed, nil, "failed to enqueue job"); uerr != nil {
			zlog.Logger.Err(uerr).Str("job", job.ID.String()).Msg("failed to mark job as failed")
		}
		return model.Job{}, fmt.Errorf("submit: failed to enqueue job: %w", err)
	}

	return job, nil
}

// Get returns the job record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	return s.repo.GetJob(ctx, id)
}

// Process runs a job received from the queue and records its outcome. A
// failed stage run is stored on the job and is not an error of Process.
func (s *Service) Process(ctx context.Context, job model.Job) error {
	if err := s.repo.UpdateStatus(ctx, job.ID, model.JobRunning, nil, ""); err != nil {
		return fmt.Errorf("process: %w", err)
	}

	summary, runErr := s.run(ctx, job)
	if runErr != nil {
		zlog.Logger.Warn().
			Err(runErr).
			Str("job", job.ID.String()).
			Str("batch", job.BatchID).
			Msg("job failed")

		if err := s.repo.UpdateStatus(ctx, job.ID, model.JobFailed, nil, runErr.Error()); err != nil {
			return fmt.Errorf("process: %w", err)
		}
		return nil
	}

	result, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("process: failed to marshal summary: %w", err)
	}

	if err := s.repo.UpdateStatus(ctx, job.ID, model.JobDone, result, ""); err != nil {
		return fmt.Errorf("process: %w", err)
	}

	return nil
}

func (s *Service) run(ctx context.Context, job model.Job) (pipeline.Summary, error) {
	switch job.Kind {
	case model.JobRemoveBackground:
		var p RemoveBackgroundParams
		if err := json.Unmarshal(job.Params, &p); err != nil {
			return pipeline.Summary{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}
		return s.coordinator.RemoveBackground(ctx, pipeline.RemoveBackgroundRequest{
			Source:             source(job.BatchID, p.SourceStage, model.StageInput, p.Filenames),
			Size:               p.Size,
			Concurrency:        p.Concurrency,
			BackgroundColor:    p.BackgroundColor,
			BackgroundImageURL: p.BackgroundImageURL,
		})

	case model.JobComposite:
		var p CompositeParams
		if err := json.Unmarshal(job.Params, &p); err != nil {
			return pipeline.Summary{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}
		return s.coordinator.Composite(ctx, pipeline.CompositeRequest{
			Source:     source(job.BatchID, p.SourceStage, model.StageRemoveBG, p.Filenames),
			Background: processor.Background{Color: p.BackgroundColor},
		})

	case model.JobCrop:
		var p CropParams
		if err := json.Unmarshal(job.Params, &p); err != nil {
			return pipeline.Summary{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}
		return s.coordinator.Crop(ctx, pipeline.CropRequest{
			Source: source(job.BatchID, p.SourceStage, model.StageComposite, p.Filenames),
			Preset: p.Preset,
			Boxes:  p.Boxes,
			Box:    p.Box,
		})
	}

	return pipeline.Summary{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, job.Kind)
}

func validateParams(kind model.JobKind, params json.RawMessage) error {
	var target any
	switch kind {
	case model.JobRemoveBackground:
		target = &RemoveBackgroundParams{}
	case model.JobComposite:
		target = &CompositeParams{}
	case model.JobCrop:
		target = &CropParams{}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, kind)
	}

	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	switch p := target.(type) {
	case *CompositeParams:
		if p.BackgroundColor == "" {
			return fmt.Errorf("%w: bg_color is required", ErrInvalidJob)
		}
	case *CropParams:
		if p.Preset == "" {
			return fmt.Errorf("%w: preset is required", ErrInvalidJob)
		}
	}

	return nil
}

func source(batchID string, stage *model.Stage, fallback model.Stage, filenames []string) pipeline.Source {
	src := pipeline.Source{BatchID: batchID, Stage: fallback, Filenames: filenames}
	if stage != nil {
		src.Stage = *stage
	}
	return src
}
