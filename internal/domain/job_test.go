package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func generatedJob(status Status) *Job {
	return &Job{
		ID:       "job-1",
		Status:   status,
		Script:   "Hello world.",
		Captions: []Caption{{Text: "Hello world.", StartMs: 0, EndMs: 15000}},
		Metadata: &Metadata{Title: "t", Description: "d", Tags: []string{"a", "b", "c"}},
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	edges := map[Status][]Status{
		StatusQueued:     {StatusGenerating},
		StatusGenerating: {StatusRendering, StatusFailed},
		StatusRendering:  {StatusUploading, StatusDone, StatusFailed},
		StatusUploading:  {StatusDone, StatusFailed},
		StatusFailed:     {StatusQueued, StatusRendering, StatusUploading},
		StatusDone:       {},
	}

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			want := false
			for _, allowed := range edges[from] {
				if allowed == to {
					want = true
				}
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, want, from.CanTransitionTo(to))
			})
		}
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses() {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseStatus("RUNNING")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStage_EntryStatus(t *testing.T) {
	assert.Equal(t, StatusQueued, StageGenerating.EntryStatus())
	assert.Equal(t, StatusRendering, StageRendering.EntryStatus())
	assert.Equal(t, StatusUploading, StageUploading.EntryStatus())
}

func TestJob_Advance(t *testing.T) {
	t.Run("stamps stage times", func(t *testing.T) {
		job := &Job{Status: StatusQueued}
		require.NoError(t, job.Advance(StatusGenerating, testNow))
		require.NotNil(t, job.GenerationStartedAt)

		later := testNow.Add(time.Minute)
		job.Script, job.Captions, job.Metadata = "s", []Caption{{Text: "s", EndMs: 1000}}, &Metadata{}
		require.NoError(t, job.Advance(StatusRendering, later))
		assert.Equal(t, later, *job.GenerationEndedAt)
		assert.Equal(t, later, *job.RenderStartedAt)
		assert.Equal(t, later, job.UpdatedAt)
	})

	t.Run("rejects edges outside the graph", func(t *testing.T) {
		job := &Job{Status: StatusQueued}
		err := job.Advance(StatusDone, testNow)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StatusQueued, job.Status)
	})

	t.Run("done requires generation artifacts", func(t *testing.T) {
		job := &Job{Status: StatusRendering, Script: "only a script"}
		assert.ErrorIs(t, job.Advance(StatusDone, testNow), ErrInvalidTransition)
	})

	t.Run("done requires video id when publishing", func(t *testing.T) {
		job := generatedJob(StatusUploading)
		job.Publish = &PublishRequest{ChannelID: "ch-1", Privacy: PrivacyPrivate}
		assert.ErrorIs(t, job.Advance(StatusDone, testNow), ErrInvalidTransition)

		job.PlatformVideoID = "yt-123"
		require.NoError(t, job.Advance(StatusDone, testNow))
		assert.Equal(t, StatusDone, job.Status)
	})

	t.Run("render only job finishes from rendering", func(t *testing.T) {
		job := generatedJob(StatusRendering)
		job.MediaRef = "s3://bucket/video.mp4"
		require.NoError(t, job.Advance(StatusDone, testNow))
	})
}

func TestJob_Fail(t *testing.T) {
	job := generatedJob(StatusRendering)

	failure := NewStageError(StageRendering, KindProvider, "render engine crashed", errors.New("exit 1"))
	require.NoError(t, job.Fail(failure, testNow))

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "rendering: render engine crashed: exit 1", job.ErrorMessage)
	assert.Equal(t, StageRendering, job.FailedStage)
	assert.Equal(t, KindProvider, job.ErrorKind)
	assert.Equal(t, "Hello world.", job.Script, "artifacts survive failure")

	assert.ErrorIs(t, (&Job{Status: StatusQueued}).Fail(failure, testNow), ErrInvalidTransition)
}

func TestJob_ClaimUpload(t *testing.T) {
	job := generatedJob(StatusUploading)
	require.NoError(t, job.ClaimUpload(testNow))
	assert.ErrorIs(t, job.ClaimUpload(testNow), ErrTransitionConflict)

	assert.ErrorIs(t, generatedJob(StatusRendering).ClaimUpload(testNow), ErrTransitionConflict)
}

func TestJob_ResetForRetry(t *testing.T) {
	ts := testNow
	job := generatedJob(StatusFailed)
	job.ErrorMessage, job.FailedStage, job.ErrorKind = "uploading: boom", StageUploading, KindProvider
	job.StageTimes = StageTimes{
		GenerationStartedAt: &ts, GenerationEndedAt: &ts,
		RenderStartedAt: &ts, RenderEndedAt: &ts,
		UploadStartedAt: &ts, UploadEndedAt: &ts,
	}

	job.ResetForRetry(StageUploading)

	assert.Empty(t, job.ErrorMessage)
	assert.Empty(t, job.FailedStage)
	assert.Nil(t, job.UploadStartedAt)
	assert.Nil(t, job.UploadEndedAt)
	assert.NotNil(t, job.RenderStartedAt, "earlier stages keep their times")

	job.ResetForRetry(StageGenerating)
	assert.Nil(t, job.GenerationStartedAt)
	assert.Nil(t, job.RenderEndedAt)
}

func TestParseTone(t *testing.T) {
	tests := []struct {
		raw     string
		want    Tone
		wantErr bool
	}{
		{raw: "", want: ToneInformative},
		{raw: "Fun", want: ToneFun},
		{raw: " emotional ", want: ToneEmotional},
		{raw: "sarcastic", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTone(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePrivacy(t *testing.T) {
	got, err := ParsePrivacy("draft")
	require.NoError(t, err)
	assert.Equal(t, PrivacyPrivate, got)

	got, err = ParsePrivacy("PUBLIC")
	require.NoError(t, err)
	assert.Equal(t, PrivacyPublic, got)

	_, err = ParsePrivacy("friends")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestClassifyStageError(t *testing.T) {
	existing := NewStageError(StageUploading, KindAuthExpired, "reconnect", nil)

	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
	}{
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), wantKind: KindTimeout},
		{name: "validation", err: NewValidationError("prompt", "blocked"), wantKind: KindValidation},
		{name: "provider quota", err: fmt.Errorf("upload: %w", ErrProviderQuotaExceeded), wantKind: KindProviderQuota},
		{name: "auth", err: ErrAuthExpired, wantKind: KindAuthExpired},
		{name: "dispatch", err: fmt.Errorf("%w: broker down", ErrDispatch), wantKind: KindDispatch},
		{name: "provider", err: fmt.Errorf("%w: 500", ErrProvider), wantKind: KindProvider},
		{name: "unknown", err: errors.New("nil pointer"), wantKind: KindInternal},
		{name: "already classified", err: fmt.Errorf("wrapped: %w", existing), wantKind: KindAuthExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := ClassifyStageError(StageGenerating, tt.err)
			require.NotNil(t, se)
			assert.Equal(t, tt.wantKind, se.Kind)
			assert.NotEmpty(t, se.Error())
		})
	}

	assert.Nil(t, ClassifyStageError(StageGenerating, nil))
}

func TestCaptionFormatting(t *testing.T) {
	assert.Equal(t, "00:00:00,000", FormatTimestamp(0))
	assert.Equal(t, "00:00:03,333", FormatTimestamp(3333))
	assert.Equal(t, "01:02:03,004", FormatTimestamp(3_723_004))

	srt := RenderSRT([]Caption{
		{Text: "Hello world.", StartMs: 0, EndMs: 3333},
		{Text: "This is a test.", StartMs: 3333, EndMs: 10000},
	})
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:03,333\nHello world.\n\n2\n00:00:03,333 --> 00:00:10,000\nThis is a test.\n", srt)
}

func TestOutcome(t *testing.T) {
	ok := Succeeded("yt-1")
	assert.True(t, ok.OK())
	assert.Equal(t, "yt-1", ok.Value)

	failed := Failed[string](NewStageError(StageUploading, KindProvider, "boom", nil))
	assert.False(t, failed.OK())
	assert.Empty(t, failed.Value)
}
