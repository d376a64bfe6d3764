package removebg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const defaultURL = "https://api.remove.bg/v1.0/removebg"

// ClientOptions configures the provider client.
type ClientOptions struct {
	URL    string
	APIKey string
	Format string // output format requested from the provider, "png" by default

	// HTTPClient is shared by every request; it owns the connection pool
	// and timeouts.
	HTTPClient *http.Client
}

// Client calls a remove.bg compatible segmentation API.
type Client struct {
	url        string
	apiKey     string
	format     string
	httpClient *http.Client
}

// Request is a single background removal request.
type Request struct {
	Data               []byte
	Filename           string
	Size               string // provider size class, e.g. "auto", "preview", "full"
	BackgroundColor    string
	BackgroundImageURL string
}

type errorResponse struct {
	Errors []struct {
		Title    string `json:"title"`
		Code     string `json:"code"`
		Detailed string `json:"detailed"`
	} `json:"errors"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts ClientOptions) (*Client, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = defaultURL
	}
	format := strings.TrimSpace(opts.Format)
	if format == "" {
		format = "png"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		url:        url,
		apiKey:     apiKey,
		format:     format,
		httpClient: httpClient,
	}, nil
}

// Remove submits one image and returns the provider's output bytes
// unmodified. Failures are *TransportError or *ProviderError, or the context
// error when ctx ended first.
func (c *Client) Remove(ctx context.Context, req Request) ([]byte, error) {
	body, contentType, err := c.encode(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return payload, nil
	}

	return nil, parseError(resp.StatusCode, payload)
}

func (c *Client) encode(req Request) (io.Reader, string, error) {
	buf := new(bytes.Buffer)
	mw := multipart.NewWriter(buf)

	filename := req.Filename
	if filename == "" {
		filename = "image.png"
	}
	fw, err := mw.CreateFormFile("image_file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	if _, err := fw.Write(req.Data); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}

	size := req.Size
	if size == "" {
		size = "auto"
	}
	fields := map[string]string{
		"size":         size,
		"format":       c.format,
		"bg_color":     strings.TrimPrefix(strings.TrimSpace(req.BackgroundColor), "#"),
		"bg_image_url": strings.TrimSpace(req.BackgroundImageURL),
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("encode field %s: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}
	return buf, mw.FormDataContentType(), nil
}

func parseError(status int, payload []byte) *ProviderError {
	pe := &ProviderError{Status: status, Body: payload}

	var er errorResponse
	if err := json.Unmarshal(payload, &er); err == nil && len(er.Errors) > 0 {
		pe.Code = er.Errors[0].Code
		pe.Title = er.Errors[0].Title
	}

	return pe
}
