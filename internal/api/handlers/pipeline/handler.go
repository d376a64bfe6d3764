package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photo-pipeline/internal/api/respond"
	"github.com/aliskhannn/photo-pipeline/internal/artifact"
	"github.com/aliskhannn/photo-pipeline/internal/crop"
	"github.com/aliskhannn/photo-pipeline/internal/model"
	"github.com/aliskhannn/photo-pipeline/internal/processor"
	"github.com/aliskhannn/photo-pipeline/internal/service/pipeline"
	"github.com/aliskhannn/photo-pipeline/internal/session"
)

// service defines the pipeline operations exposed over HTTP.
type service interface {
	Presets() crop.Presets
	NewBatch() string
	Ingest(ctx context.Context, batchID string, uploads []pipeline.Upload) (pipeline.Summary, error)
	RemoveBackground(ctx context.Context, req pipeline.RemoveBackgroundRequest) (pipeline.Summary, error)
	Composite(ctx context.Context, req pipeline.CompositeRequest) (pipeline.Summary, error)
	Crop(ctx context.Context, req pipeline.CropRequest) (pipeline.Summary, error)
	List(ctx context.Context, batchID string, stage model.Stage) ([]string, error)
	LatestStage(ctx context.Context, batchID string) (model.Stage, bool, error)
	Fetch(ctx context.Context, batchID string, stage model.Stage, filename string) (model.Artifact, error)
	Export(ctx context.Context, batchID string, stage model.Stage, filenames []string, w io.Writer) error
	ExportLatest(ctx context.Context, batchID string, w io.Writer) (model.Stage, error)
	StartSession(ctx context.Context) (string, error)
	SessionCrop(ctx context.Context, sessionID string, u pipeline.Upload, preset string, box *crop.Box) (string, error)
	FinalizeSession(ctx context.Context, sessionID string, w io.Writer) (int, error)
	AbandonSession(sessionID string) error
}

// Handler provides HTTP handlers for the pipeline endpoints.
type Handler struct {
	service   service
	maxMemory int64
}

// NewHandler creates a new Handler. maxMemory bounds the part of a multipart
// form kept in memory.
func NewHandler(s service, maxMemory int64) *Handler {
	if maxMemory <= 0 {
		maxMemory = 32 << 20
	}
	return &Handler{service: s, maxMemory: maxMemory}
}

// NewBatch starts an empty batch.
func (h *Handler) NewBatch(c *ginext.Context) {
	respond.Created(c, map[string]string{"batch_id": h.service.NewBatch()})
}

// Presets lists the crop presets.
func (h *Handler) Presets(c *ginext.Context) {
	presets := h.service.Presets()
	out := make([]crop.Preset, 0, len(presets))
	for _, name := range presets.Names() {
		out = append(out, presets[name])
	}
	respond.OK(c, out)
}

// Upload stores the uploaded files in the input stage. Without a batch in
// the path a new batch is started.
func (h *Handler) Upload(c *ginext.Context) {
	uploads, err := h.uploads(c, "file", "files")
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	summary, err := h.service.Ingest(c.Request.Context(), c.Param("batch"), uploads)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.Created(c, summary)
}

// RemoveBackground runs the remove_bg stage.
func (h *Handler) RemoveBackground(c *ginext.Context) {
	src, err := h.source(c, model.StageInput)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	concurrency, err := intQuery(c, "concurrent")
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}
	if concurrency < 0 || concurrency > 16 {
		respond.Fail(c, http.StatusBadRequest, errors.New("concurrent must be within 1..16"))
		return
	}

	summary, err := h.service.RemoveBackground(c.Request.Context(), pipeline.RemoveBackgroundRequest{
		Source:             src,
		Size:               c.Query("size"),
		Concurrency:        concurrency,
		BackgroundColor:    c.Query("bg_color"),
		BackgroundImageURL: c.Query("bg_image_url"),
	})
	h.finish(c, summary, err)
}

// Composite runs the composite stage.
func (h *Handler) Composite(c *ginext.Context) {
	src, err := h.source(c, model.StageRemoveBG)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	bg, err := h.optionalFile(c, "background")
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}
	mask, err := h.optionalFile(c, "mask")
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	summary, err := h.service.Composite(c.Request.Context(), pipeline.CompositeRequest{
		Source:     src,
		Background: processor.Background{Data: bg, Color: c.PostForm("bg_color")},
		Mask:       mask,
	})
	h.finish(c, summary, err)
}

// Crop runs the crop stage.
func (h *Handler) Crop(c *ginext.Context) {
	src, err := h.source(c, model.StageComposite)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	box, err := formBox(c)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}
	boxes, err := parseBoxes(c.PostForm("boxes"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	summary, err := h.service.Crop(c.Request.Context(), pipeline.CropRequest{
		Source: src,
		Preset: c.Query("preset"),
		Boxes:  boxes,
		Box:    box,
	})
	h.finish(c, summary, err)
}

// ListStage lists the stored names of a stage.
func (h *Handler) ListStage(c *ginext.Context) {
	stage, err := model.ParseStage(c.Param("stage"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	names, err := h.service.List(c.Request.Context(), c.Param("batch"), stage)
	if err != nil {
		h.fail(c, err)
		return
	}
	if names == nil {
		names = []string{}
	}

	respond.OK(c, map[string]any{"batch_id": c.Param("batch"), "stage": stage, "files": names})
}

// LatestStage reports the most advanced populated stage of a batch.
func (h *Handler) LatestStage(c *ginext.Context) {
	stage, ok, err := h.service.LatestStage(c.Request.Context(), c.Param("batch"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("batch %s has no artifacts", c.Param("batch")))
		return
	}

	respond.OK(c, map[string]any{"batch_id": c.Param("batch"), "stage": stage})
}

// File sends a single stored artifact.
func (h *Handler) File(c *ginext.Context) {
	stage, err := model.ParseStage(c.Param("stage"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	a, err := h.service.Fetch(c.Request.Context(), c.Param("batch"), stage, c.Param("file"))
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.PNG(c, a.Filename, a.Data)
}

// Export sends a stage of a batch as a zip archive. Without a stage the
// latest populated stage is exported.
func (h *Handler) Export(c *ginext.Context) {
	batchID := c.Param("batch")
	filenames, err := parseFilenames(c.Query("filenames"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	buf := new(bytes.Buffer)
	var stage model.Stage

	if raw := c.Query("stage"); raw != "" {
		stage, err = model.ParseStage(raw)
		if err != nil {
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}
		err = h.service.Export(c.Request.Context(), batchID, stage, filenames, buf)
	} else {
		stage, err = h.service.ExportLatest(c.Request.Context(), batchID, buf)
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.ZIP(c, fmt.Sprintf("%s_%s.zip", batchID, stage), buf.Bytes())
}

// StartSession opens a crop session.
func (h *Handler) StartSession(c *ginext.Context) {
	id, err := h.service.StartSession(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.Created(c, map[string]string{"session_id": id})
}

// SessionCrop crops one upload into the session.
func (h *Handler) SessionCrop(c *ginext.Context) {
	uploads, err := h.uploads(c, "file")
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}
	if len(uploads) != 1 {
		respond.Fail(c, http.StatusBadRequest, errors.New("exactly one file is required"))
		return
	}

	box, err := formBox(c)
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	id := c.Param("id")
	saved, err := h.service.SessionCrop(c.Request.Context(), id, uploads[0], c.Query("preset"), box)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond.OK(c, map[string]string{"session_id": id, "saved": saved})
}

// FinalizeSession sends the session's crops as a zip archive and closes it.
func (h *Handler) FinalizeSession(c *ginext.Context) {
	id := c.Param("id")

	buf := new(bytes.Buffer)
	if _, err := h.service.FinalizeSession(c.Request.Context(), id, buf); err != nil {
		h.fail(c, err)
		return
	}

	respond.ZIP(c, fmt.Sprintf("session_%s.zip", id), buf.Bytes())
}

// AbandonSession closes a session and discards its crops.
func (h *Handler) AbandonSession(c *ginext.Context) {
	if err := h.service.AbandonSession(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// finish answers a stage run: the summary as JSON, or the zip of the run's
// outputs when as_zip is set.
func (h *Handler) finish(c *ginext.Context, summary pipeline.Summary, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}

	if !truthy(c.Query("as_zip")) {
		respond.OK(c, summary)
		return
	}

	buf := new(bytes.Buffer)
	if err := h.service.Export(c.Request.Context(), summary.BatchID, summary.Stage, summary.StoredFilenames(), buf); err != nil {
		h.fail(c, err)
		return
	}

	respond.ZIP(c, fmt.Sprintf("%s_%s.zip", summary.BatchID, summary.Stage), buf.Bytes())
}

// fail maps service errors to HTTP responses.
func (h *Handler) fail(c *ginext.Context, err error) {
	var allFailed *pipeline.AllFailedError

	switch {
	case errors.As(err, &allFailed):
		reasons := make([]string, 0, len(allFailed.Items))
		for _, it := range allFailed.Items {
			reasons = append(reasons, fmt.Sprintf("%s: %s", it.Filename, it.Error))
		}

		// Provider failures are upstream failures; local stages fail on input.
		status := http.StatusBadRequest
		message := fmt.Sprintf("%s failed for all images", allFailed.Stage)
		if allFailed.Stage == model.StageRemoveBG {
			status = http.StatusBadGateway
			message = "Background removal failed. Please upload a clearer photo and try again."
		}

		zlog.Logger.Warn().
			Str("batch", allFailed.BatchID).
			Str("stage", allFailed.Stage.String()).
			Int("items", len(allFailed.Items)).
			Msg("all items failed")
		respond.FailItems(c, status, message, reasons)

	case errors.Is(err, pipeline.ErrInvalidInput),
		errors.Is(err, pipeline.ErrNoSources),
		errors.Is(err, artifact.ErrMissingFiles),
		errors.Is(err, artifact.ErrInvalidKey),
		errors.Is(err, session.ErrInvalidName):
		respond.Fail(c, http.StatusBadRequest, err)

	case errors.Is(err, artifact.ErrNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		respond.Fail(c, http.StatusNotFound, err)

	case errors.Is(err, context.Canceled):
		zlog.Logger.Warn().Err(err).Msg("request canceled")
		respond.Fail(c, http.StatusRequestTimeout, err)

	default:
		zlog.Logger.Err(err).Str("path", c.FullPath()).Msg("request failed")
		respond.Fail(c, http.StatusInternalServerError, errors.New("internal server error"))
	}
}
