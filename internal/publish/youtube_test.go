package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYouTubeClient_ResumableUpload(t *testing.T) {
	var (
		gotResource videoResource
		gotRanges   []string
		received    []byte
	)

	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "resumable", r.URL.Query().Get("uploadType"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "6", r.Header.Get("X-Upload-Content-Length"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotResource))

		w.Header().Set("Location", server.URL+"/session/abc")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/session/abc", func(w http.ResponseWriter, r *http.Request) {
		gotRanges = append(gotRanges, r.Header.Get("Content-Range"))
		body, _ := io.ReadAll(r.Body)
		received = append(received, body...)

		if len(received) < 6 {
			w.Header().Set("Range", "bytes=0-3")
			w.WriteHeader(statusResumeIncomplete)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"yt-42"}`))
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	client := NewYouTubeClient(server.URL+"/upload", server.Client())
	ctx := context.Background()
	publishAt := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	session, err := client.StartUpload(ctx, "tok", UploadMetadata{
		Title:     "Title",
		Tags:      []string{"a"},
		Privacy:   domain.PrivacyPrivate,
		PublishAt: &publishAt,
	}, 6)
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/session/abc", session)
	assert.Equal(t, "private", gotResource.Status.PrivacyStatus)
	assert.Equal(t, "2026-05-01T09:00:00Z", gotResource.Status.PublishAt)
	assert.Equal(t, "22", gotResource.Snippet.CategoryID)

	first, err := client.UploadChunk(ctx, "tok", session, []byte("abcd"), 0, 6)
	require.NoError(t, err)
	assert.Equal(t, ChunkResult{Committed: 4}, first)

	last, err := client.UploadChunk(ctx, "tok", session, []byte("ef"), 4, 6)
	require.NoError(t, err)
	assert.Equal(t, ChunkResult{Done: true, VideoID: "yt-42"}, last)

	assert.Equal(t, []string{"bytes 0-3/6", "bytes 4-5/6"}, gotRanges)
	assert.Equal(t, "abcdef", string(received))
}

func TestYouTubeClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		retryable bool
	}{
		{
			name:    "quota exceeded",
			status:  http.StatusForbidden,
			body:    `{"error":{"message":"The request cannot be completed","errors":[{"reason":"quotaExceeded"}]}}`,
			wantErr: domain.ErrProviderQuotaExceeded,
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{"error":{"message":"Invalid Credentials"}}`,
			wantErr: domain.ErrAuthExpired,
		},
		{
			name:      "backend error",
			status:    http.StatusBadGateway,
			body:      `oops`,
			wantErr:   domain.ErrProvider,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewYouTubeClient(server.URL, server.Client()).QueryOffset(context.Background(), "tok", server.URL, 10)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var perr *PlatformError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.retryable, perr.Retryable())
		})
	}
}

func TestParseRangeHeader(t *testing.T) {
	assert.Equal(t, int64(1048576), parseRangeHeader("bytes=0-1048575"))
	assert.Equal(t, int64(0), parseRangeHeader(""))
	assert.Equal(t, int64(0), parseRangeHeader("bytes=garbage"))
}

func TestFetcher_Open(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	local := filepath.Join(dir, "local.mp4")
	require.NoError(t, os.WriteFile(local, []byte("local-bytes"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp4" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote-bytes!"))
	}))
	defer server.Close()

	fetcher := NewFetcher(server.Client(), dir)

	t.Run("local path", func(t *testing.T) {
		media, err := fetcher.Open(ctx, local)
		require.NoError(t, err)
		defer media.Close()
		assert.Equal(t, int64(11), media.Size())
	})

	t.Run("file url", func(t *testing.T) {
		media, err := fetcher.Open(ctx, "file://"+local)
		require.NoError(t, err)
		defer media.Close()
		assert.Equal(t, int64(11), media.Size())
	})

	t.Run("remote download is removed on close", func(t *testing.T) {
		media, err := fetcher.Open(ctx, server.URL+"/render.mp4")
		require.NoError(t, err)
		assert.Equal(t, int64(13), media.Size())

		buf := make([]byte, 6)
		_, err = media.ReadAt(buf, 7)
		require.NoError(t, err)
		assert.Equal(t, "bytes!", string(buf))

		name := media.(*fileMedia).Name()
		require.NoError(t, media.Close())
		_, err = os.Stat(name)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("remote missing", func(t *testing.T) {
		_, err := fetcher.Open(ctx, server.URL+"/missing.mp4")
		assert.ErrorIs(t, err, domain.ErrProvider)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := fetcher.Open(ctx, "s3://bucket/key")
		assert.Error(t, err)
	})
}
