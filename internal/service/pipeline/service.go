package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photo-pipeline/internal/artifact"
	"github.com/aliskhannn/photo-pipeline/internal/crop"
	"github.com/aliskhannn/photo-pipeline/internal/model"
	"github.com/aliskhannn/photo-pipeline/internal/processor"
	"github.com/aliskhannn/photo-pipeline/internal/removebg"
)

// allowedExt lists the upload extensions accepted by the pipeline.
var allowedExt = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
}

// artifactStore persists stage outputs.
type artifactStore interface {
	Put(ctx context.Context, batch string, stage model.Stage, filename string, data []byte) (string, error)
	List(ctx context.Context, batch string, stage model.Stage) ([]string, error)
	LatestStage(ctx context.Context, batch string) (model.Stage, bool, error)
	Load(ctx context.Context, batch string, stage model.Stage, filenames []string) ([]model.Artifact, error)
	Get(ctx context.Context, batch string, stage model.Stage, filename string) (model.Artifact, error)
	ExportFilesZip(ctx context.Context, batch string, stage model.Stage, filenames []string, w io.Writer) error
}

// remover removes backgrounds through the external provider.
type remover interface {
	RemoveMany(ctx context.Context, items []removebg.Item, opts removebg.Options) []removebg.Result
}

// imageProcessor runs the local image operations.
type imageProcessor interface {
	Ingest(data []byte) ([]byte, error)
	CropToPreset(data []byte, preset crop.Preset, box *crop.Box) ([]byte, error)
	Composite(foreground, mask []byte, bg processor.Background) ([]byte, error)
}

// sessionManager owns crop session directories.
type sessionManager interface {
	Start(ctx context.Context) (string, error)
	Add(ctx context.Context, id, name string, data []byte) error
	Finalize(ctx context.Context, id string, w io.Writer) (int, error)
	Abandon(id string) error
}

// Options holds the coordinator defaults.
type Options struct {
	Presets     crop.Presets
	Size        string // provider size class used when a request sets none
	Concurrency int    // provider calls in flight used when a request sets none
}

// Upload is a file received from the caller.
type Upload struct {
	Filename string
	Data     []byte
}

// Source selects the inputs of a run: uploads when present, otherwise the
// named (or all) artifacts of a stage of an existing batch.
type Source struct {
	Uploads   []Upload
	BatchID   string
	Stage     model.Stage
	Filenames []string
}

// RemoveBackgroundRequest describes a background removal run.
type RemoveBackgroundRequest struct {
	Source
	Size               string
	Concurrency        int
	BackgroundColor    string
	BackgroundImageURL string
}

// CompositeRequest describes a compositing run. The mask, when set, applies
// to every foreground.
type CompositeRequest struct {
	Source
	Background processor.Background
	Mask       []byte
}

// CropRequest describes a preset crop run. Boxes are keyed by source
// filename and fall back to Box.
type CropRequest struct {
	Source
	Preset string
	Boxes  map[string]crop.Box
	Box    *crop.Box
}

// ItemResult reports the outcome of one input.
type ItemResult struct {
	OK             bool   `json:"ok"`
	Filename       string `json:"filename"`
	StoredFilename string `json:"stored_filename,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Summary is the report of a run. Items has one entry per input, in input
// order; Failed repeats the failed ones.
type Summary struct {
	BatchID string       `json:"batch_id"`
	Stage   model.Stage  `json:"stage"`
	Items   []ItemResult `json:"items"`
	Failed  []ItemResult `json:"failed"`
}

// StoredFilenames returns the stored names of the successful items.
func (s Summary) StoredFilenames() []string {
	var names []string
	for _, it := range s.Items {
		if it.OK {
			names = append(names, it.StoredFilename)
		}
	}
	return names
}

// Coordinator resolves inputs, runs them through a stage and persists the
// outputs. It holds no per-run state and is safe for concurrent use.
type Coordinator struct {
	store     artifactStore
	remover   remover
	processor imageProcessor
	sessions  sessionManager
	opts      Options
}

// NewCoordinator creates a new Coordinator.
func NewCoordinator(store artifactStore, r remover, p imageProcessor, sm sessionManager, opts Options) *Coordinator {
	if opts.Presets == nil {
		opts.Presets = crop.DefaultPresets()
	}
	if opts.Size == "" {
		opts.Size = "auto"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}

	return &Coordinator{
		store:     store,
		remover:   r,
		processor: p,
		sessions:  sm,
		opts:      opts,
	}
}

// Presets returns the registered crop presets.
func (c *Coordinator) Presets() crop.Presets {
	return c.opts.Presets
}

// NewBatch returns a fresh batch id.
func (c *Coordinator) NewBatch() string {
	return model.NewBatchID()
}

// Ingest validates the uploads, re-encodes them as PNG and stores them in the
// input stage of the batch. An empty batch id starts a new batch.
func (c *Coordinator) Ingest(ctx context.Context, batchID string, uploads []Upload) (Summary, error) {
	batchID, err := c.resolveBatch(batchID)
	if err != nil {
		return Summary{}, err
	}
	if len(uploads) == 0 {
		return Summary{}, invalidInput("no files uploaded")
	}
	if err := validateUploads(uploads); err != nil {
		return Summary{}, err
	}

	results := make([]ItemResult, len(uploads))
	for i, u := range uploads {
		results[i] = c.runItem(ctx, batchID, model.StageInput, u.Filename, func() ([]byte, error) {
			return c.processor.Ingest(u.Data)
		})
	}

	return c.summarize(batchID, model.StageInput, results)
}

// RemoveBackground removes the background of every source image through the
// provider and stores the results in the remove_bg stage.
func (c *Coordinator) RemoveBackground(ctx context.Context, req RemoveBackgroundRequest) (Summary, error) {
	batchID, inputs, err := c.resolveSources(ctx, req.Source)
	if err != nil {
		return Summary{}, err
	}

	items := make([]removebg.Item, len(inputs))
	for i, in := range inputs {
		items[i] = removebg.Item{Name: in.Filename, Data: in.Data}
	}

	size := req.Size
	if size == "" {
		size = c.opts.Size
	}
	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = c.opts.Concurrency
	}

	removed := c.remover.RemoveMany(ctx, items, removebg.Options{
		Size:               size,
		Concurrency:        concurrency,
		BackgroundColor:    req.BackgroundColor,
		BackgroundImageURL: req.BackgroundImageURL,
	})

	results := make([]ItemResult, len(removed))
	for i, r := range removed {
		if !r.OK {
			results[i] = ItemResult{Filename: r.Name, Error: r.Err.Error()}
			continue
		}
		results[i] = c.runItem(ctx, batchID, model.StageRemoveBG, r.Name, func() ([]byte, error) {
			return r.Data, nil
		})
	}

	return c.summarize(batchID, model.StageRemoveBG, results)
}

// Composite blends every source image over the requested background and
// stores the results in the composite stage.
func (c *Coordinator) Composite(ctx context.Context, req CompositeRequest) (Summary, error) {
	if len(req.Background.Data) == 0 && req.Background.Color == "" {
		return Summary{}, fmt.Errorf("%w: %w", ErrInvalidInput, processor.ErrNoBackground)
	}

	batchID, inputs, err := c.resolveSources(ctx, req.Source)
	if err != nil {
		return Summary{}, err
	}

	results := make([]ItemResult, len(inputs))
	for i, in := range inputs {
		results[i] = c.runItem(ctx, batchID, model.StageComposite, in.Filename, func() ([]byte, error) {
			return c.processor.Composite(in.Data, req.Mask, req.Background)
		})
	}

	return c.summarize(batchID, model.StageComposite, results)
}

// Crop crops every source image to the preset and stores the results in the
// crop stage.
func (c *Coordinator) Crop(ctx context.Context, req CropRequest) (Summary, error) {
	preset, err := c.opts.Presets.Lookup(req.Preset)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	batchID, inputs, err := c.resolveSources(ctx, req.Source)
	if err != nil {
		return Summary{}, err
	}

	results := make([]ItemResult, len(inputs))
	for i, in := range inputs {
		box := req.Box
		if b, ok := req.Boxes[in.Filename]; ok {
			box = &b
		}
		results[i] = c.runItem(ctx, batchID, model.StageCrop, in.Filename, func() ([]byte, error) {
			return c.processor.CropToPreset(in.Data, preset, box)
		})
	}

	return c.summarize(batchID, model.StageCrop, results)
}

// List returns the stored names of a stage.
func (c *Coordinator) List(ctx context.Context, batchID string, stage model.Stage) ([]string, error) {
	if !model.ValidBatchID(batchID) {
		return nil, invalidInput("invalid batch id %q", batchID)
	}
	return c.store.List(ctx, batchID, stage)
}

// LatestStage returns the most advanced stage of the batch holding artifacts.
func (c *Coordinator) LatestStage(ctx context.Context, batchID string) (model.Stage, bool, error) {
	if !model.ValidBatchID(batchID) {
		return 0, false, invalidInput("invalid batch id %q", batchID)
	}
	return c.store.LatestStage(ctx, batchID)
}

// Fetch returns a single stored artifact.
func (c *Coordinator) Fetch(ctx context.Context, batchID string, stage model.Stage, filename string) (model.Artifact, error) {
	if !model.ValidBatchID(batchID) {
		return model.Artifact{}, invalidInput("invalid batch id %q", batchID)
	}
	return c.store.Get(ctx, batchID, stage, filename)
}

// Export writes the named artifacts of a stage, or all of them when
// filenames is empty, to w as a zip archive.
func (c *Coordinator) Export(ctx context.Context, batchID string, stage model.Stage, filenames []string, w io.Writer) error {
	if !model.ValidBatchID(batchID) {
		return invalidInput("invalid batch id %q", batchID)
	}
	return c.store.ExportFilesZip(ctx, batchID, stage, filenames, w)
}

// ExportLatest exports the most advanced populated stage of the batch and
// reports which stage it was.
func (c *Coordinator) ExportLatest(ctx context.Context, batchID string, w io.Writer) (model.Stage, error) {
	stage, ok, err := c.LatestStage(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("batch %s has no artifacts: %w", batchID, artifact.ErrNotFound)
	}
	return stage, c.store.ExportFilesZip(ctx, batchID, stage, nil, w)
}

// StartSession opens a crop session.
func (c *Coordinator) StartSession(ctx context.Context) (string, error) {
	return c.sessions.Start(ctx)
}

// SessionCrop crops a single upload to the preset and adds the result to the
// session. It returns the name the crop was stored under.
func (c *Coordinator) SessionCrop(ctx context.Context, sessionID string, u Upload, presetName string, box *crop.Box) (string, error) {
	preset, err := c.opts.Presets.Lookup(presetName)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if err := validateUploads([]Upload{u}); err != nil {
		return "", err
	}

	out, err := c.processor.CropToPreset(u.Data, preset, box)
	if err != nil {
		return "", fmt.Errorf("%w: cropping failed: %w", ErrInvalidInput, err)
	}

	name := model.StoredName(u.Filename)
	if err := c.sessions.Add(ctx, sessionID, name, out); err != nil {
		return "", err
	}

	return name, nil
}

// FinalizeSession writes the session's crops to w as a zip archive and
// closes the session.
func (c *Coordinator) FinalizeSession(ctx context.Context, sessionID string, w io.Writer) (int, error) {
	return c.sessions.Finalize(ctx, sessionID, w)
}

// AbandonSession closes the session and discards its crops.
func (c *Coordinator) AbandonSession(sessionID string) error {
	return c.sessions.Abandon(sessionID)
}

func (c *Coordinator) resolveBatch(batchID string) (string, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return model.NewBatchID(), nil
	}
	if !model.ValidBatchID(batchID) {
		return "", invalidInput("invalid batch id %q", batchID)
	}
	return batchID, nil
}

func (c *Coordinator) resolveSources(ctx context.Context, src Source) (string, []Upload, error) {
	if len(src.Uploads) > 0 {
		batchID, err := c.resolveBatch(src.BatchID)
		if err != nil {
			return "", nil, err
		}
		if err := validateUploads(src.Uploads); err != nil {
			return "", nil, err
		}
		return batchID, src.Uploads, nil
	}

	if strings.TrimSpace(src.BatchID) == "" {
		return "", nil, ErrNoSources
	}
	batchID, err := c.resolveBatch(src.BatchID)
	if err != nil {
		return "", nil, err
	}
	if !src.Stage.Valid() {
		return "", nil, invalidInput("invalid source stage %d", src.Stage)
	}

	stored, err := c.store.Load(ctx, batchID, src.Stage, src.Filenames)
	if err != nil {
		return "", nil, err
	}

	inputs := make([]Upload, len(stored))
	for i, a := range stored {
		inputs[i] = Upload{Filename: a.Filename, Data: a.Data}
	}

	return batchID, inputs, nil
}

// runItem produces the output of one item and persists it under a fresh
// stored name. Failures are reported in the result, never returned.
func (c *Coordinator) runItem(ctx context.Context, batchID string, stage model.Stage, filename string, produce func() ([]byte, error)) ItemResult {
	data, err := produce()
	if err != nil {
		return ItemResult{Filename: filename, Error: err.Error()}
	}

	stored := model.StoredName(filename)
	if _, err := c.store.Put(ctx, batchID, stage, stored, data); err != nil {
		zlog.Logger.Err(err).
			Str("batch", batchID).
			Str("stage", stage.String()).
			Str("file", filename).
			Msg("failed to store artifact")
		return ItemResult{Filename: filename, Error: err.Error()}
	}

	return ItemResult{OK: true, Filename: filename, StoredFilename: stored}
}

func (c *Coordinator) summarize(batchID string, stage model.Stage, results []ItemResult) (Summary, error) {
	failed := make([]ItemResult, 0)
	for _, r := range results {
		if !r.OK {
			failed = append(failed, r)
		}
	}

	zlog.Logger.Info().
		Str("batch", batchID).
		Str("stage", stage.String()).
		Int("items", len(results)).
		Int("failed", len(failed)).
		Msg("stage run finished")

	if len(results) > 0 && len(failed) == len(results) {
		return Summary{}, &AllFailedError{BatchID: batchID, Stage: stage, Items: results}
	}

	return Summary{
		BatchID: batchID,
		Stage:   stage,
		Items:   results,
		Failed:  failed,
	}, nil
}

func validateUploads(uploads []Upload) error {
	for i, u := range uploads {
		name := u.Filename
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
		}
		ext := strings.ToLower(filepath.Ext(u.Filename))
		if _, ok := allowedExt[ext]; !ok {
			return invalidInput("unsupported file type for %s, allowed: .jpg, .jpeg, .png, .webp", name)
		}
		if len(u.Data) == 0 {
			return invalidInput("uploaded file %s is empty", name)
		}
	}
	return nil
}
