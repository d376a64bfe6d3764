package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/photo-pipeline/internal/crop"
	"github.com/aliskhannn/photo-pipeline/internal/model"
	"github.com/aliskhannn/photo-pipeline/internal/service/pipeline"
)

// source reads the run inputs from the multipart form: uploaded files, or a
// batch reference with an optional source_step and filenames list.
func (h *Handler) source(c *ginext.Context, defaultStage model.Stage) (pipeline.Source, error) {
	uploads, err := h.uploads(c, "file", "files")
	if err != nil {
		return pipeline.Source{}, err
	}

	src := pipeline.Source{
		Uploads: uploads,
		BatchID: c.PostForm("batch_id"),
		Stage:   defaultStage,
	}

	if raw := c.PostForm("source_step"); raw != "" {
		if src.Stage, err = model.ParseStage(raw); err != nil {
			return pipeline.Source{}, err
		}
	}

	if src.Filenames, err = parseFilenames(c.PostForm("filenames")); err != nil {
		return pipeline.Source{}, err
	}

	return src, nil
}

// uploads reads every file posted under the given form fields. A request
// without a multipart body has no uploads.
func (h *Handler) uploads(c *ginext.Context, fields ...string) ([]pipeline.Upload, error) {
	form, err := h.multipart(c)
	if err != nil || form == nil {
		return nil, err
	}

	var uploads []pipeline.Upload
	for _, field := range fields {
		for _, fh := range form.File[field] {
			data, err := readPart(fh)
			if err != nil {
				return nil, err
			}
			name := fh.Filename
			if name == "" {
				name = fmt.Sprintf("image_%d.png", len(uploads)+1)
			}
			uploads = append(uploads, pipeline.Upload{Filename: name, Data: data})
		}
	}

	return uploads, nil
}

func (h *Handler) optionalFile(c *ginext.Context, field string) ([]byte, error) {
	form, err := h.multipart(c)
	if err != nil || form == nil {
		return nil, err
	}

	files := form.File[field]
	if len(files) == 0 {
		return nil, nil
	}
	return readPart(files[0])
}

func (h *Handler) multipart(c *ginext.Context) (*multipart.Form, error) {
	if c.Request.MultipartForm != nil {
		return c.Request.MultipartForm, nil
	}
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return nil, nil
	}

	if err := c.Request.ParseMultipartForm(h.maxMemory); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse multipart form failed: %w", err)
	}

	return c.Request.MultipartForm, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
	}
	return data, nil
}

// formBox reads a crop box from the x, y, width and height form fields. The
// box is only used when all four are present.
func formBox(c *ginext.Context) (*crop.Box, error) {
	fields := [4]string{"x", "y", "width", "height"}
	var vals [4]int

	for i, f := range fields {
		raw := strings.TrimSpace(c.PostForm(f))
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", f, raw)
		}
		vals[i] = v
	}

	return &crop.Box{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, nil
}

func parseBoxes(raw string) (map[string]crop.Box, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var boxes map[string]crop.Box
	if err := json.Unmarshal([]byte(raw), &boxes); err != nil {
		return nil, errors.New("'boxes' must be a JSON object keyed by filename")
	}
	return boxes, nil
}

func parseFilenames(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, errors.New("'filenames' must be a JSON list of strings")
	}
	return names, nil
}

func intQuery(c *ginext.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
