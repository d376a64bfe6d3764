package file

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	s := &Storage{bucketName: "artifacts"}

	err := s.mapError("b1/input/a.png", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	err = s.mapError("b1/input/a.png", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403})
	assert.False(t, errors.Is(err, fs.ErrNotExist))
	assert.Contains(t, err.Error(), "b1/input/a.png")
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", contentType("b1/crop/x.PNG"))
	assert.Equal(t, "application/zip", contentType("exports/b1.zip"))
	assert.Equal(t, "application/octet-stream", contentType("b1/input/raw"))
}

func TestListErrorReleasesLister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
			`<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4("access", "secret", ""),
		Region: "us-east-1",
	})
	require.NoError(t, err)
	s := &Storage{client: client, bucketName: "artifacts"}

	baseline := runtime.NumGoroutine()

	_, err = s.List(context.Background(), "b1/input")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b1/input/")

	srv.CloseClientConnections()
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 10*time.Millisecond)
}
