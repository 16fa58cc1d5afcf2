package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/clipforge/internal/api/dto"
	"github.com/cuongbtq/clipforge/internal/api/handler"
	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/orchestrator"
	"github.com/cuongbtq/clipforge/internal/quota"
	"github.com/cuongbtq/clipforge/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner  = "owner-1"
	testID = "0b8f3c6e-4a1d-4e7b-9a52-3c1f6e2d9a10"
)

var created = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeJobs struct {
	createReq orchestrator.CreateRequest
	filter    storage.JobFilter
	listOwner string
	jobs      []domain.Job
	job       *domain.Job
	adm       quota.Admission
	ref       string
	usage     orchestrator.UsageReport
	err       error
}

func (f *fakeJobs) Create(_ context.Context, req orchestrator.CreateRequest) (*domain.Job, quota.Admission, error) {
	f.createReq = req
	if f.err != nil {
		return nil, quota.Admission{}, f.err
	}
	return f.job, f.adm, nil
}

func (f *fakeJobs) Get(_ context.Context, jobID, ownerID string) (*domain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.job, nil
}

func (f *fakeJobs) List(_ context.Context, ownerID string, filter storage.JobFilter) ([]domain.Job, error) {
	f.listOwner = ownerID
	f.filter = filter
	return f.jobs, f.err
}

func (f *fakeJobs) Retry(_ context.Context, jobID, ownerID string) (*domain.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.job, nil
}

func (f *fakeJobs) DownloadRef(_ context.Context, jobID, ownerID string) (string, error) {
	return f.ref, f.err
}

func (f *fakeJobs) Usage(_ context.Context, ownerID string) (orchestrator.UsageReport, error) {
	return f.usage, f.err
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(jobs *fakeJobs, health func(context.Context) error) *gin.Engine {
	return SetupRouter(&handler.Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Jobs:        jobs,
		HealthCheck: health,
	})
}

func do(t *testing.T, r http.Handler, method, path string, body any, withOwner bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if withOwner {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorBody {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func sampleJob(id string, status domain.Status) domain.Job {
	return domain.Job{
		ID:                    id,
		OwnerID:               owner,
		Prompt:                "octopus facts",
		Tone:                  domain.Tone("informative"),
		TargetDurationSeconds: 30,
		Status:                status,
		CreatedAt:             created,
		UpdatedAt:             created,
	}
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(&fakeJobs{}, nil), http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, newTestRouter(&fakeJobs{}, func(context.Context) error { return errors.New("db down") }),
		http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestOwnerRequired(t *testing.T) {
	rec := do(t, newTestRouter(&fakeJobs{}, nil), http.MethodGet, "/api/v1/jobs", nil, false)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, handler.CodeUnauthorized, decodeError(t, rec).Code)
}

func TestCreateJob(t *testing.T) {
	job := sampleJob(testID, domain.StatusQueued)
	jobs := &fakeJobs{
		job: &job,
		adm: quota.Admission{Plan: domain.Plan("free"), Limit: 10, Used: 1, Remaining: 9, ResetAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	publishAt := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	rec := do(t, newTestRouter(jobs, nil), http.MethodPost, "/api/v1/jobs", map[string]any{
		"prompt":                  "octopus facts",
		"target_duration_seconds": 30,
		"tone":                    "informative",
		"publish_channel_id":      "chan-1",
		"publish_privacy":         "private",
		"publish_at":              publishAt.Format(time.RFC3339),
	}, true)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp dto.CreateJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testID, resp.Job.JobID)
	assert.Equal(t, "queued", resp.Job.Status)
	assert.Equal(t, 9, resp.Quota.Remaining)
	assert.Equal(t, "2026-04-01T00:00:00Z", resp.Quota.ResetAt)

	assert.Equal(t, owner, jobs.createReq.OwnerID)
	require.NotNil(t, jobs.createReq.Publish)
	assert.Equal(t, "chan-1", jobs.createReq.Publish.ChannelID)
	assert.Equal(t, "private", jobs.createReq.Publish.Privacy)
	require.NotNil(t, jobs.createReq.Publish.PublishAt)
	assert.True(t, publishAt.Equal(*jobs.createReq.Publish.PublishAt))
}

func TestCreateJob_Errors(t *testing.T) {
	body := map[string]any{"prompt": "octopus facts", "target_duration_seconds": 30}

	tests := []struct {
		name       string
		body       any
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing prompt",
			body:       map[string]any{"target_duration_seconds": 30},
			wantStatus: http.StatusBadRequest,
			wantCode:   handler.CodeValidation,
		},
		{
			name:       "rejected by validation",
			body:       body,
			err:        domain.NewValidationError("tone", "unknown tone"),
			wantStatus: http.StatusBadRequest,
			wantCode:   handler.CodeValidation,
		},
		{
			name: "quota exceeded",
			body: body,
			err: &domain.QuotaExceededError{
				Plan: domain.Plan("free"), Limit: 2, Used: 2,
				ResetAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
			},
			wantStatus: http.StatusTooManyRequests,
			wantCode:   handler.CodeQuotaExceeded,
		},
		{
			name:       "storage failure",
			body:       body,
			err:        errors.New("disk full"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   handler.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestRouter(&fakeJobs{err: tt.err}, nil), http.MethodPost, "/api/v1/jobs", tt.body, true)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestCreateJob_QuotaDetails(t *testing.T) {
	jobs := &fakeJobs{err: &domain.QuotaExceededError{
		Plan: domain.Plan("free"), Limit: 2, Used: 2, Remaining: 0,
		ResetAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}}

	rec := do(t, newTestRouter(jobs, nil), http.MethodPost, "/api/v1/jobs",
		map[string]any{"prompt": "octopus facts", "target_duration_seconds": 30}, true)

	body := decodeError(t, rec)
	assert.Equal(t, "free", body.Details["plan"])
	assert.EqualValues(t, 2, body.Details["limit"])
	assert.EqualValues(t, 0, body.Details["remaining"])
	assert.Equal(t, "2026-04-01T00:00:00Z", body.Details["reset_at"])
}

func TestGetJob(t *testing.T) {
	job := sampleJob(testID, domain.StatusFailed)
	job.ErrorMessage = "external service failed"
	job.FailedStage = domain.StageRendering
	job.ErrorKind = domain.KindProvider
	job.Captions = []domain.Caption{{Text: "Octopuses have three hearts.", StartMs: 0, EndMs: 2500}}

	rec := do(t, newTestRouter(&fakeJobs{job: &job}, nil), http.MethodGet, "/api/v1/jobs/"+testID, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "rendering", resp.Error.Stage)
	assert.Equal(t, "provider", resp.Error.Kind)
	assert.Equal(t, handler.CodeProvider, resp.Error.Code)
	require.Len(t, resp.Captions, 1)
	assert.EqualValues(t, 2500, resp.Captions[0].EndMs)
}

func TestGetJob_FailureCodes(t *testing.T) {
	tests := []struct {
		kind domain.ErrorKind
		want string
	}{
		{domain.KindAuthExpired, handler.CodeAuthExpired},
		{domain.KindProviderQuota, handler.CodeProviderQuota},
		{domain.KindTimeout, handler.CodeStageTimeout},
		{domain.KindDispatch, handler.CodeDispatch},
		{domain.KindValidation, handler.CodeValidation},
		{domain.KindInternal, handler.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			job := sampleJob(testID, domain.StatusFailed)
			job.FailedStage = domain.StageUploading
			job.ErrorKind = tt.kind
			job.ErrorMessage = "stage failed"

			rec := do(t, newTestRouter(&fakeJobs{job: &job}, nil), http.MethodGet, "/api/v1/jobs/"+testID, nil, true)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp dto.JobDTO
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.want, resp.Error.Code)
			assert.Equal(t, string(tt.kind), resp.Error.Kind)
		})
	}
}

func TestJobRoutes_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid job id", http.MethodGet, "/api/v1/jobs/not-a-uuid", nil, http.StatusBadRequest, handler.CodeValidation},
		{"not found", http.MethodGet, "/api/v1/jobs/" + testID, domain.ErrNotFound, http.StatusNotFound, handler.CodeNotFound},
		{"retry wrong state", http.MethodPost, "/api/v1/jobs/" + testID + "/retry", domain.ErrWrongState, http.StatusBadRequest, handler.CodeInvalidState},
		{"retry limit", http.MethodPost, "/api/v1/jobs/" + testID + "/retry", &domain.RetryLimitError{RetryCount: 3, MaxRetries: 3}, http.StatusBadRequest, handler.CodeRetryLimit},
		{"download without media", http.MethodGet, "/api/v1/jobs/" + testID + "/download", domain.ErrNoMedia, http.StatusBadRequest, handler.CodeNoMedia},
		{"unknown status filter", http.MethodGet, "/api/v1/jobs?status=paused", nil, http.StatusBadRequest, handler.CodeValidation},
		{"bad cursor", http.MethodGet, "/api/v1/jobs?cursor=bm9wZQ", nil, http.StatusBadRequest, handler.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestRouter(&fakeJobs{err: tt.err}, nil), tt.method, tt.path, nil, true)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestRetryJob(t *testing.T) {
	job := sampleJob(testID, domain.StatusRendering)
	job.RetryCount = 1

	rec := do(t, newTestRouter(&fakeJobs{job: &job}, nil), http.MethodPost, "/api/v1/jobs/"+testID+"/retry", nil, true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rendering", resp.Status)
	assert.Equal(t, 1, resp.RetryCount)
	assert.Nil(t, resp.Error)
}

func TestDownloadJob(t *testing.T) {
	rec := do(t, newTestRouter(&fakeJobs{ref: "https://cdn.example.com/v/1.mp4"}, nil),
		http.MethodGet, "/api/v1/jobs/"+testID+"/download", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.DownloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, testID, resp.JobID)
	assert.Equal(t, "https://cdn.example.com/v/1.mp4", resp.DownloadURL)
}

func TestListJobs_Paginates(t *testing.T) {
	page := []domain.Job{
		sampleJob("7d9b3a10-1c2e-4f5a-8b6c-0d1e2f3a4b5c", domain.StatusDone),
		sampleJob("6c8a2f09-0b1d-4e4f-9a5b-fc0d1e2f3a4b", domain.StatusRendering),
		sampleJob("5b79f1e8-fa0c-4d3e-8f4a-eb9c0d1e2f3a", domain.StatusQueued),
	}
	page[1].CreatedAt = created.Add(-time.Minute)
	page[2].CreatedAt = created.Add(-2 * time.Minute)
	jobs := &fakeJobs{jobs: page}
	r := newTestRouter(jobs, nil)

	rec := do(t, r, http.MethodGet, "/api/v1/jobs?page_size=2&status=rendering", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	require.NotEmpty(t, resp.NextCursor)

	assert.Equal(t, owner, jobs.listOwner)
	assert.Equal(t, 2, jobs.filter.PageSize)
	assert.Equal(t, domain.StatusRendering, jobs.filter.Status)
	assert.Nil(t, jobs.filter.Cursor)

	cursor, err := handler.DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, page[1].ID, cursor.JobID)
	assert.True(t, page[1].CreatedAt.Equal(cursor.CreatedAt))

	rec = do(t, r, http.MethodGet, "/api/v1/jobs?cursor="+resp.NextCursor, nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, jobs.filter.Cursor)
	assert.Equal(t, page[1].ID, jobs.filter.Cursor.JobID)
	assert.Equal(t, 20, jobs.filter.PageSize)
}

func TestGetQuota(t *testing.T) {
	jobs := &fakeJobs{usage: orchestrator.UsageReport{
		Admission: quota.Admission{Plan: domain.Plan("pro"), Limit: 100, Used: 80, Remaining: 20, UsagePercent: 80, Approaching: true},
		Usage:     storage.UsageSummary{Records: 5, Tokens: 4200, Cost: 0.42},
	}}

	rec := do(t, newTestRouter(jobs, nil), http.MethodGet, "/api/v1/quota", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.QuotaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pro", resp.Quota.Plan)
	assert.True(t, resp.Quota.Approaching)
	assert.Equal(t, 5, resp.Usage.Generations)
	assert.EqualValues(t, 4200, resp.Usage.Tokens)
	assert.InDelta(t, 0.42, resp.Usage.Cost, 1e-9)
}
