package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photo-pipeline/internal/model"
)

// service runs a queued job.
type service interface {
	Process(ctx context.Context, job model.Job) error
}

// Handler handles Kafka messages carrying pipeline jobs.
type Handler struct {
	service service
}

// NewHandler creates a new handler with the given service.
func NewHandler(s service) *Handler {
	return &Handler{service: s}
}

// Handle decodes the job from the message and runs it.
func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	var job model.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}

	if err := h.service.Process(ctx, job); err != nil {
		return fmt.Errorf("process job %s: %w", job.ID, err)
	}

	zlog.Logger.Info().
		Str("job", job.ID.String()).
		Str("kind", string(job.Kind)).
		Msg("job processed")

	return nil
}
