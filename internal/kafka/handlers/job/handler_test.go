package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliskhannn/photo-pipeline/internal/model"
)

type fakeService struct {
	got model.Job
	err error
}

func (s *fakeService) Process(_ context.Context, job model.Job) error {
	s.got = job
	return s.err
}

func TestHandleDecodesJob(t *testing.T) {
	svc := &fakeService{}
	h := NewHandler(svc)

	job := model.Job{ID: uuid.New(), Kind: model.JobCrop, BatchID: "abc", Params: json.RawMessage(`{"preset":"amazon"}`)}
	value, err := json.Marshal(job)
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), kafka.Message{Key: []byte(job.ID.String()), Value: value}))
	assert.Equal(t, job.ID, svc.got.ID)
	assert.Equal(t, model.JobCrop, svc.got.Kind)
	assert.JSONEq(t, `{"preset":"amazon"}`, string(svc.got.Params))
}

func TestHandleErrors(t *testing.T) {
	h := NewHandler(&fakeService{})
	assert.Error(t, h.Handle(context.Background(), kafka.Message{Value: []byte("{")}))

	h = NewHandler(&fakeService{err: errors.New("db down")})
	err := h.Handle(context.Background(), kafka.Message{Value: []byte(`{"kind":"crop"}`)})
	assert.ErrorContains(t, err, "db down")
}
