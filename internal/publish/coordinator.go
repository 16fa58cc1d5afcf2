// Package publish uploads rendered videos to a channel on a video platform.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/clipforge/internal/domain"
)

const (
	DefaultChunkSize      = 1 << 20
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second

	maxTitleRunes       = 100
	maxDescriptionRunes = 5000
	maxTagsLength       = 500
)

// Credentials resolves a usable access token for a channel. Channels that
// need their owner to reconnect return an error wrapping domain.ErrAuthExpired.
type Credentials interface {
	AccessToken(ctx context.Context, channelID string) (string, error)
}

// ProgressSink records observational upload progress
type ProgressSink interface {
	UpdateProgress(ctx context.Context, jobID string, status domain.Status, progress domain.Progress) error
}

// Config holds upload settings
type Config struct {
	ChunkSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Coordinator runs the publishing stage
type Coordinator struct {
	creds    Credentials
	platform Platform
	media    MediaSource
	progress ProgressSink
	logger   *slog.Logger

	chunkSize  int
	maxRetries int
	baseDelay  time.Duration
	sleep      func(context.Context, time.Duration) error
}

// Option customizes the coordinator
type Option func(*Coordinator)

// WithSleeper overrides how retry backoff waits
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) {
		c.sleep = sleep
	}
}

// NewCoordinator creates a publish coordinator
func NewCoordinator(cfg Config, creds Credentials, platform Platform, media MediaSource, progress ProgressSink, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		creds:      creds,
		platform:   platform,
		media:      media,
		progress:   progress,
		logger:     logger,
		chunkSize:  DefaultChunkSize,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultRetryBaseDelay,
		sleep:      sleepContext,
	}
	if cfg.ChunkSize > 0 {
		c.chunkSize = cfg.ChunkSize
	}
	if cfg.MaxRetries > 0 {
		c.maxRetries = cfg.MaxRetries
	}
	if cfg.RetryBaseDelay > 0 {
		c.baseDelay = cfg.RetryBaseDelay
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish uploads the job's rendered media and returns the platform video id
func (c *Coordinator) Publish(ctx context.Context, job *domain.Job, req domain.PublishRequest) domain.Outcome[string] {
	fail := func(err error) domain.Outcome[string] {
		failure := domain.ClassifyStageError(domain.StageUploading, err)
		c.logger.Error("Publish failed",
			slog.String("job_id", job.ID),
			slog.String("channel_id", req.ChannelID),
			slog.String("kind", string(failure.Kind)),
			slog.Any("error", err),
		)
		return domain.Failed[string](failure)
	}

	if job.MediaRef == "" {
		return fail(domain.NewStageError(domain.StageUploading, domain.KindValidation, "job has no rendered media", domain.ErrNoMedia))
	}

	token, err := c.creds.AccessToken(ctx, req.ChannelID)
	if err != nil {
		return fail(err)
	}

	media, err := c.media.Open(ctx, job.MediaRef)
	if err != nil {
		return fail(err)
	}
	defer media.Close()

	if media.Size() <= 0 {
		return fail(fmt.Errorf("%w: rendered media is empty", domain.ErrProvider))
	}

	meta := BoundUploadMetadata(job.Metadata, req)
	session, err := c.platform.StartUpload(ctx, token, meta, media.Size())
	if err != nil {
		return fail(fmt.Errorf("start upload: %w", err))
	}

	c.logger.Info("Upload session opened",
		slog.String("job_id", job.ID),
		slog.String("channel_id", req.ChannelID),
		slog.Int64("bytes", media.Size()),
		slog.String("privacy", string(meta.Privacy)),
	)

	videoID, err := c.stream(ctx, job.ID, token, session, media)
	if err != nil {
		return fail(err)
	}

	c.logger.Info("Upload completed",
		slog.String("job_id", job.ID),
		slog.String("video_id", videoID),
	)
	return domain.Succeeded(videoID)
}

// stream sends media in fixed chunks. Retryable platform errors re-sync the
// committed offset before resending, and a chunk the platform accepts without
// advancing the committed offset counts as a stall. Retries and stalls share
// one budget of maxRetries.
func (c *Coordinator) stream(ctx context.Context, jobID, token, session string, media Media) (string, error) {
	total := media.Size()
	buf := make([]byte, c.chunkSize)
	var offset int64
	retries := 0

	for {
		if offset >= total {
			return "", fmt.Errorf("%w: platform committed every byte without finishing the upload", domain.ErrProvider)
		}

		n := int(min(int64(c.chunkSize), total-offset))
		read, err := media.ReadAt(buf[:n], offset)
		if err != nil && !(errors.Is(err, io.EOF) && read == n) {
			return "", fmt.Errorf("failed to read media at %d: %w", offset, err)
		}

		result, err := c.platform.UploadChunk(ctx, token, session, buf[:n], offset, total)
		switch {
		case err != nil:
			if !c.retryable(err) || retries >= c.maxRetries {
				return "", fmt.Errorf("upload chunk at %d: %w", offset, err)
			}
			retries++
			if err := c.backoff(ctx, jobID, offset, retries, err); err != nil {
				return "", err
			}

			result, err = c.platform.QueryOffset(ctx, token, session, total)
			if err != nil {
				if c.retryable(err) {
					continue
				}
				return "", fmt.Errorf("query upload offset: %w", err)
			}

		case !result.Done && result.Committed <= offset:
			stall := fmt.Errorf("%w: committed offset stuck at %d", domain.ErrProvider, result.Committed)
			if retries >= c.maxRetries {
				return "", fmt.Errorf("upload chunk at %d: %w", offset, stall)
			}
			retries++
			if err := c.backoff(ctx, jobID, offset, retries, stall); err != nil {
				return "", err
			}
		}

		if result.Done {
			return result.VideoID, nil
		}
		offset = max(result.Committed, 0)

		c.reportProgress(ctx, jobID, offset, total)
	}
}

// backoff waits baseDelay doubled for every retry already taken
func (c *Coordinator) backoff(ctx context.Context, jobID string, offset int64, retry int, cause error) error {
	delay := c.baseDelay << (retry - 1)
	c.logger.Warn("Upload chunk failed, retrying",
		slog.String("job_id", jobID),
		slog.Int64("offset", offset),
		slog.Int("retry", retry),
		slog.Duration("delay", delay),
		slog.Any("error", cause),
	)
	return c.sleep(ctx, delay)
}

func (c *Coordinator) retryable(err error) bool {
	var perr *PlatformError
	return errors.As(err, &perr) && perr.Retryable()
}

func (c *Coordinator) reportProgress(ctx context.Context, jobID string, offset, total int64) {
	if c.progress == nil {
		return
	}
	progress := domain.Progress{
		Fraction: float64(offset) / float64(total),
		Message:  fmt.Sprintf("uploaded %d of %d bytes", offset, total),
	}
	if err := c.progress.UpdateProgress(ctx, jobID, domain.StatusUploading, progress); err != nil {
		c.logger.Debug("Upload progress not recorded",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// BoundUploadMetadata applies the platform's snippet limits. A publish time
// is only sent for private videos.
func BoundUploadMetadata(md *domain.Metadata, req domain.PublishRequest) UploadMetadata {
	var meta UploadMetadata
	if md != nil {
		meta.Title = cutRunes(md.Title, maxTitleRunes)
		meta.Description = cutRunes(md.Description, maxDescriptionRunes)

		length := 0
		for _, tag := range md.Tags {
			n := utf8.RuneCountInString(tag)
			if length+n > maxTagsLength {
				break
			}
			length += n
			meta.Tags = append(meta.Tags, tag)
		}
	}

	meta.Privacy = req.Privacy
	if meta.Privacy == "" {
		meta.Privacy = domain.PrivacyPrivate
	}
	if meta.Privacy == domain.PrivacyPrivate && req.PublishAt != nil {
		at := req.PublishAt.UTC()
		meta.PublishAt = &at
	}
	return meta
}

func cutRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
