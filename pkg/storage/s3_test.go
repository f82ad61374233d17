package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "sessions/alpha/123/video.mp4", SessionKey("", "alpha", "123", "video.mp4"))
	assert.Equal(t, "archive/alpha/123", SessionKey("archive", "alpha", "123", ""))
	assert.Equal(t, "audio/wav", ContentTypeForFilename("system_audio.WAV"))
	assert.Equal(t, "application/octet-stream", ContentTypeForFilename("notes"))
}

func newTestS3(t *testing.T, endpoint string) *S3 {
	t.Helper()
	s, err := NewS3(context.Background(), S3Config{
		Region:               "us-east-1",
		AccessKeyID:          "AKIDEXAMPLE",
		SecretAccessKey:      "secret",
		Bucket:               "archive",
		Endpoint:             endpoint,
		PresignExpireMinutes: 5,
	}, nil)
	require.NoError(t, err)
	return s
}

func TestPresignDownload(t *testing.T) {
	s := newTestS3(t, "http://127.0.0.1:9000")
	assert.Equal(t, "sessions/alpha/42", s.SessionPrefix("alpha", "42"))

	raw, expires, err := s.PresignDownload(context.Background(), "sessions/alpha/42/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, 5*60, int(expires.Seconds()))
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/archive/sessions/alpha/42/video.mp4", u.Path)
	assert.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestUpload(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newTestS3(t, srv.URL)
	body := "frame\nframe\n"
	require.NoError(t, s.Upload(context.Background(), "sessions/alpha/42/video.mp4", "video/mp4", strings.NewReader(body), int64(len(body))))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"PUT /archive/sessions/alpha/42/video.mp4"}, paths)
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Region: "us-east-1"}, nil)
	assert.Error(t, err)
}
