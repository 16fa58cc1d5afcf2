package publish

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
)

// Media is random-access rendered video
type Media interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// MediaSource opens a rendered media reference
type MediaSource interface {
	Open(ctx context.Context, ref string) (Media, error)
}

// Fetcher opens local paths directly and downloads http(s) references to a
// temporary file that is removed on Close.
type Fetcher struct {
	httpClient *http.Client
	tempDir    string
}

// NewFetcher creates a fetcher; an empty tempDir uses the system default
func NewFetcher(httpClient *http.Client, tempDir string) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Fetcher{httpClient: httpClient, tempDir: tempDir}
}

type fileMedia struct {
	*os.File
	size   int64
	remove bool
}

func (m *fileMedia) Size() int64 { return m.size }

func (m *fileMedia) Close() error {
	err := m.File.Close()
	if m.remove {
		_ = os.Remove(m.File.Name())
	}
	return err
}

// Open resolves ref to readable media
func (f *Fetcher) Open(ctx context.Context, ref string) (Media, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid media reference %q: %w", ref, err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.download(ctx, ref)
	case "file":
		return openLocal(u.Path)
	case "":
		return openLocal(ref)
	default:
		return nil, fmt.Errorf("unsupported media reference scheme %q", u.Scheme)
	}
}

func openLocal(path string) (Media, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open media: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat media: %w", err)
	}
	return &fileMedia{File: file, size: info.Size()}, nil
}

func (f *Fetcher) download(ctx context.Context, ref string) (Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build media request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: media download: %w", domain.ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: media download: http %d", domain.ErrProvider, resp.StatusCode)
	}

	file, err := os.CreateTemp(f.tempDir, "clipforge-media-*.mp4")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp media file: %w", err)
	}

	size, err := io.Copy(file, resp.Body)
	if err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("%w: media download: %w", domain.ErrProvider, err)
	}

	return &fileMedia{File: file, size: size, remove: true}, nil
}
