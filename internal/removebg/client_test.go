package removebg

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(ClientOptions{URL: srv.URL, APIKey: "secret", HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(ClientOptions{APIKey: "  "})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestClientSendsMultipartRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "full", r.FormValue("size"))
		assert.Equal(t, "png", r.FormValue("format"))
		assert.Equal(t, "ffffff", r.FormValue("bg_color"))
		assert.Empty(t, r.FormValue("bg_image_url"))

		f, hdr, err := r.FormFile("image_file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "shoe.png", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte("pixels"), data)

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("cutout"))
	})

	out, err := c.Remove(context.Background(), Request{
		Data:            []byte("pixels"),
		Filename:        "shoe.png",
		Size:            "full",
		BackgroundColor: "#ffffff",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("cutout"), out)
}

func TestClientDefaultsSizeToAuto(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "auto", r.FormValue("size"))
		_, _ = w.Write([]byte("ok"))
	})

	_, err := c.Remove(context.Background(), Request{Data: []byte("x")})
	require.NoError(t, err)
}

func TestClientParsesProviderErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"title":"Could not identify foreground in image.","code":"unknown_foreground"}]}`))
	})

	_, err := c.Remove(context.Background(), Request{Data: []byte("x")})
	require.Error(t, err)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
	assert.Equal(t, CodeUnknownForeground, pe.Code)
	assert.Contains(t, string(pe.Body), "unknown_foreground")
	assert.True(t, Undetectable(err))
	assert.False(t, Retryable(err))
}

func TestClientKeepsUnstructuredErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})

	_, err := c.Remove(context.Background(), Request{Data: []byte("x")})

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadGateway, pe.Status)
	assert.Empty(t, pe.Code)
	assert.Contains(t, err.Error(), "upstream down")
	assert.True(t, Retryable(err))
}

func TestClientTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(ClientOptions{URL: url, APIKey: "k"})
	require.NoError(t, err)

	_, err = c.Remove(context.Background(), Request{Data: []byte("x")})

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, Retryable(err))
}

func TestClientCanceledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Remove(ctx, Request{Data: []byte("x")})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, Retryable(err))
}

func TestTransientStatuses(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusRequestTimeout, true},
		{http.StatusConflict, true},
		{http.StatusTooEarly, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusPaymentRequired, false},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		pe := &ProviderError{Status: tt.status}
		assert.Equal(t, tt.want, pe.Transient(), "status %d", tt.status)
	}
}
