package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUploadURL       = "https://www.googleapis.com/upload/youtube/v3/videos"
	peopleAndBlogs         = "22"
	statusResumeIncomplete = 308
)

// YouTubeClient implements Platform over the resumable upload protocol
type YouTubeClient struct {
	uploadURL  string
	httpClient *http.Client
}

// NewYouTubeClient creates a client; an empty uploadURL selects the public endpoint
func NewYouTubeClient(uploadURL string, httpClient *http.Client) *YouTubeClient {
	if uploadURL == "" {
		uploadURL = defaultUploadURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &YouTubeClient{uploadURL: uploadURL, httpClient: httpClient}
}

type videoResource struct {
	Snippet struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Tags        []string `json:"tags,omitempty"`
		CategoryID  string   `json:"categoryId"`
	} `json:"snippet"`
	Status struct {
		PrivacyStatus string `json:"privacyStatus"`
		PublishAt     string `json:"publishAt,omitempty"`
	} `json:"status"`
}

// StartUpload opens a resumable session and returns its URL
func (y *YouTubeClient) StartUpload(ctx context.Context, token string, meta UploadMetadata, size int64) (string, error) {
	var resource videoResource
	resource.Snippet.Title = meta.Title
	resource.Snippet.Description = meta.Description
	resource.Snippet.Tags = meta.Tags
	resource.Snippet.CategoryID = peopleAndBlogs
	resource.Status.PrivacyStatus = string(meta.Privacy)
	if meta.PublishAt != nil {
		resource.Status.PublishAt = meta.PublishAt.UTC().Format(time.RFC3339)
	}

	body, err := json.Marshal(resource)
	if err != nil {
		return "", fmt.Errorf("failed to encode video resource: %w", err)
	}

	endpoint := y.uploadURL + "?uploadType=resumable&part=snippet,status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", "video/mp4")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(size, 10))

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return "", &PlatformError{StatusCode: http.StatusServiceUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodePlatformError(resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", &PlatformError{StatusCode: resp.StatusCode, Message: "upload session has no location"}
	}
	return location, nil
}

// UploadChunk sends bytes [offset, offset+len(chunk)) of total
func (y *YouTubeClient) UploadChunk(ctx context.Context, token, sessionURL string, chunk []byte, offset, total int64) (ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, bytes.NewReader(chunk))
	if err != nil {
		return ChunkResult{}, fmt.Errorf("failed to build chunk request: %w", err)
	}
	req.ContentLength = int64(len(chunk))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "video/mp4")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, total))

	return y.do(req)
}

// QueryOffset asks the platform how many bytes of the session it holds
func (y *YouTubeClient) QueryOffset(ctx context.Context, token, sessionURL string, total int64) (ChunkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, nil)
	if err != nil {
		return ChunkResult{}, fmt.Errorf("failed to build status request: %w", err)
	}
	req.ContentLength = 0
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))

	return y.do(req)
}

func (y *YouTubeClient) do(req *http.Request) (ChunkResult, error) {
	resp, err := y.httpClient.Do(req)
	if err != nil {
		// Transport failures are treated like a gateway error so the
		// caller re-syncs the offset and retries.
		return ChunkResult{}, &PlatformError{StatusCode: http.StatusServiceUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var video struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&video); err != nil {
			return ChunkResult{}, fmt.Errorf("failed to decode uploaded video: %w", err)
		}
		return ChunkResult{Done: true, VideoID: video.ID}, nil
	case statusResumeIncomplete:
		return ChunkResult{Committed: parseRangeHeader(resp.Header.Get("Range"))}, nil
	default:
		return ChunkResult{}, decodePlatformError(resp)
	}
}

// parseRangeHeader reads "bytes=0-N" into N+1 committed bytes
func parseRangeHeader(header string) int64 {
	_, last, ok := strings.Cut(strings.TrimPrefix(header, "bytes="), "-")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0
	}
	return n + 1
}

func decodePlatformError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload struct {
		Error struct {
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	perr := &PlatformError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Error.Message != "" {
			perr.Message = payload.Error.Message
		}
		if len(payload.Error.Errors) > 0 {
			perr.Reason = payload.Error.Errors[0].Reason
		}
	}
	return perr
}
