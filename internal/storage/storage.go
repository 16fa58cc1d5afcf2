// Package storage persists jobs, usage records and owner plans.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/shared/postgresql"
	"github.com/cuongbtq/clipforge/shared/sqlite"
	"github.com/jmoiron/sqlx"
)

var (
	//go:embed schema_postgres.sql
	postgresSchema string

	//go:embed schema_sqlite.sql
	sqliteSchema string
)

// Storage handles all job database operations
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates a Storage over a postgres or sqlite handle
func New(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// DB exposes the handle for packages that own additional tables
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// Migrate creates every table this service owns
func (s *Storage) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.db.DriverName() == sqlite.DriverName {
		schema = sqliteSchema
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	s.logger.Info("Database schema applied", slog.String("driver", s.db.DriverName()))
	return nil
}

const jobColumns = `
	id, owner_id, prompt, tone, template_id, target_duration_seconds, status,
	script, captions, captions_dropped, metadata,
	media_ref, observed_duration_seconds, platform_video_id,
	publish_channel_id, publish_privacy, publish_at,
	error_message, failed_stage, error_kind, retry_count,
	progress_fraction, progress_message, version, created_at, updated_at,
	generation_started_at, generation_ended_at,
	render_started_at, render_ended_at,
	upload_started_at, upload_ended_at`

type jobRow struct {
	ID                      string          `db:"id"`
	OwnerID                 string          `db:"owner_id"`
	Prompt                  string          `db:"prompt"`
	Tone                    string          `db:"tone"`
	TemplateID              string          `db:"template_id"`
	TargetDurationSeconds   int             `db:"target_duration_seconds"`
	Status                  string          `db:"status"`
	Script                  string          `db:"script"`
	Captions                sql.NullString  `db:"captions"`
	CaptionsDropped         int             `db:"captions_dropped"`
	Metadata                sql.NullString  `db:"metadata"`
	MediaRef                string          `db:"media_ref"`
	ObservedDurationSeconds sql.NullFloat64 `db:"observed_duration_seconds"`
	PlatformVideoID         string          `db:"platform_video_id"`
	PublishChannelID        string          `db:"publish_channel_id"`
	PublishPrivacy          string          `db:"publish_privacy"`
	PublishAt               sql.NullTime    `db:"publish_at"`
	ErrorMessage            string          `db:"error_message"`
	FailedStage             string          `db:"failed_stage"`
	ErrorKind               string          `db:"error_kind"`
	RetryCount              int             `db:"retry_count"`
	ProgressFraction        float64         `db:"progress_fraction"`
	ProgressMessage         string          `db:"progress_message"`
	Version                 int64           `db:"version"`
	CreatedAt               time.Time       `db:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at"`
	GenerationStartedAt     sql.NullTime    `db:"generation_started_at"`
	GenerationEndedAt       sql.NullTime    `db:"generation_ended_at"`
	RenderStartedAt         sql.NullTime    `db:"render_started_at"`
	RenderEndedAt           sql.NullTime    `db:"render_ended_at"`
	UploadStartedAt         sql.NullTime    `db:"upload_started_at"`
	UploadEndedAt           sql.NullTime    `db:"upload_ended_at"`
}

func newJobRow(job *domain.Job) (*jobRow, error) {
	row := &jobRow{
		ID:                    job.ID,
		OwnerID:               job.OwnerID,
		Prompt:                job.Prompt,
		Tone:                  string(job.Tone),
		TemplateID:            job.TemplateID,
		TargetDurationSeconds: job.TargetDurationSeconds,
		Status:                string(job.Status),
		Script:                job.Script,
		CaptionsDropped:       job.CaptionsDropped,
		MediaRef:              job.MediaRef,
		PlatformVideoID:       job.PlatformVideoID,
		ErrorMessage:          job.ErrorMessage,
		FailedStage:           string(job.FailedStage),
		ErrorKind:             string(job.ErrorKind),
		RetryCount:            job.RetryCount,
		ProgressFraction:      job.Progress.Fraction,
		ProgressMessage:       job.Progress.Message,
		Version:               job.Version,
		CreatedAt:             job.CreatedAt.UTC(),
		UpdatedAt:             job.UpdatedAt.UTC(),
		GenerationStartedAt:   nullTime(job.GenerationStartedAt),
		GenerationEndedAt:     nullTime(job.GenerationEndedAt),
		RenderStartedAt:       nullTime(job.RenderStartedAt),
		RenderEndedAt:         nullTime(job.RenderEndedAt),
		UploadStartedAt:       nullTime(job.UploadStartedAt),
		UploadEndedAt:         nullTime(job.UploadEndedAt),
	}

	if len(job.Captions) > 0 {
		encoded, err := json.Marshal(job.Captions)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal captions: %w", err)
		}
		row.Captions = sql.NullString{String: string(encoded), Valid: true}
	}
	if job.Metadata != nil {
		encoded, err := json.Marshal(job.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		row.Metadata = sql.NullString{String: string(encoded), Valid: true}
	}
	if job.ObservedDurationSeconds != nil {
		row.ObservedDurationSeconds = sql.NullFloat64{Float64: *job.ObservedDurationSeconds, Valid: true}
	}
	if job.Publish != nil {
		row.PublishChannelID = job.Publish.ChannelID
		row.PublishPrivacy = string(job.Publish.Privacy)
		row.PublishAt = nullTime(job.Publish.PublishAt)
	}

	return row, nil
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:                    r.ID,
		OwnerID:               r.OwnerID,
		Prompt:                r.Prompt,
		Tone:                  domain.Tone(r.Tone),
		TemplateID:            r.TemplateID,
		TargetDurationSeconds: r.TargetDurationSeconds,
		Status:                domain.Status(r.Status),
		Script:                r.Script,
		CaptionsDropped:       r.CaptionsDropped,
		MediaRef:              r.MediaRef,
		PlatformVideoID:       r.PlatformVideoID,
		ErrorMessage:          r.ErrorMessage,
		FailedStage:           domain.Stage(r.FailedStage),
		ErrorKind:             domain.ErrorKind(r.ErrorKind),
		RetryCount:            r.RetryCount,
		Progress:              domain.Progress{Fraction: r.ProgressFraction, Message: r.ProgressMessage},
		Version:               r.Version,
		CreatedAt:             r.CreatedAt.UTC(),
		UpdatedAt:             r.UpdatedAt.UTC(),
		StageTimes: domain.StageTimes{
			GenerationStartedAt: timePtr(r.GenerationStartedAt),
			GenerationEndedAt:   timePtr(r.GenerationEndedAt),
			RenderStartedAt:     timePtr(r.RenderStartedAt),
			RenderEndedAt:       timePtr(r.RenderEndedAt),
			UploadStartedAt:     timePtr(r.UploadStartedAt),
			UploadEndedAt:       timePtr(r.UploadEndedAt),
		},
	}

	if r.Captions.Valid && r.Captions.String != "" {
		if err := json.Unmarshal([]byte(r.Captions.String), &job.Captions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal captions: %w", err)
		}
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		var md domain.Metadata
		if err := json.Unmarshal([]byte(r.Metadata.String), &md); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		job.Metadata = &md
	}
	if r.ObservedDurationSeconds.Valid {
		d := r.ObservedDurationSeconds.Float64
		job.ObservedDurationSeconds = &d
	}
	if r.PublishChannelID != "" {
		job.Publish = &domain.PublishRequest{
			ChannelID: r.PublishChannelID,
			Privacy:   domain.Privacy(r.PublishPrivacy),
			PublishAt: timePtr(r.PublishAt),
		}
	}

	return job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

// InsertJob persists a new job
func (s *Storage) InsertJob(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, s.db, job)
}

func insertJob(ctx context.Context, ext sqlx.ExtContext, job *domain.Job) error {
	row, err := newJobRow(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `
		) VALUES (
			:id, :owner_id, :prompt, :tone, :template_id, :target_duration_seconds, :status,
			:script, :captions, :captions_dropped, :metadata,
			:media_ref, :observed_duration_seconds, :platform_video_id,
			:publish_channel_id, :publish_privacy, :publish_at,
			:error_message, :failed_stage, :error_kind, :retry_count,
			:progress_fraction, :progress_message, :version, :created_at, :updated_at,
			:generation_started_at, :generation_ended_at,
			:render_started_at, :render_ended_at,
			:upload_started_at, :upload_ended_at
		)
	`

	if _, err := sqlx.NamedExecContext(ctx, ext, query, row); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain()
}

// JobFilter narrows a job listing
type JobFilter struct {
	OwnerID  string
	Status   domain.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position after the last listed job
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs, newest first. The extra row tells
// the caller whether another page exists.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		createdAt := filter.Cursor.CreatedAt.UTC()
		args = append(args, createdAt, createdAt, filter.Cursor.JobID)
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// CompareAndSwap writes the job only if the stored row still has the
// expected status and the version the job was read at. On success the
// in-memory version is advanced. A lost race returns ErrTransitionConflict.
func (s *Storage) CompareAndSwap(ctx context.Context, job *domain.Job, expected domain.Status) error {
	row, err := newJobRow(job)
	if err != nil {
		return err
	}

	query := s.db.Rebind(`
		UPDATE jobs
		SET status = ?,
			script = ?,
			captions = ?,
			captions_dropped = ?,
			metadata = ?,
			media_ref = ?,
			observed_duration_seconds = ?,
			platform_video_id = ?,
			error_message = ?,
			failed_stage = ?,
			error_kind = ?,
			retry_count = ?,
			progress_fraction = ?,
			progress_message = ?,
			updated_at = ?,
			generation_started_at = ?,
			generation_ended_at = ?,
			render_started_at = ?,
			render_ended_at = ?,
			upload_started_at = ?,
			upload_ended_at = ?,
			version = version + 1
		WHERE id = ?
		  AND status = ?
		  AND version = ?
	`)

	result, err := s.db.ExecContext(ctx, query,
		row.Status,
		row.Script,
		row.Captions,
		row.CaptionsDropped,
		row.Metadata,
		row.MediaRef,
		row.ObservedDurationSeconds,
		row.PlatformVideoID,
		row.ErrorMessage,
		row.FailedStage,
		row.ErrorKind,
		row.RetryCount,
		row.ProgressFraction,
		row.ProgressMessage,
		row.UpdatedAt,
		row.GenerationStartedAt,
		row.GenerationEndedAt,
		row.RenderStartedAt,
		row.RenderEndedAt,
		row.UploadStartedAt,
		row.UploadEndedAt,
		row.ID,
		string(expected),
		row.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		s.logger.Warn("Job transition lost to a concurrent writer",
			slog.String("job_id", job.ID),
			slog.String("expected_status", string(expected)),
			slog.String("target_status", string(job.Status)),
			slog.Int64("version", job.Version),
		)
		return domain.ErrTransitionConflict
	}

	job.Version++

	s.logger.Info("Job status updated",
		slog.String("job_id", job.ID),
		slog.String("from", string(expected)),
		slog.String("to", string(job.Status)),
	)
	return nil
}

// UpdateProgress records observational progress while the job is in status.
// Progress never bumps the version so it cannot fail a concurrent transition.
func (s *Storage) UpdateProgress(ctx context.Context, jobID string, status domain.Status, progress domain.Progress) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET progress_fraction = ?,
			progress_message = ?
		WHERE id = ?
		  AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query, progress.Fraction, progress.Message, jobID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrTransitionConflict
	}
	return nil
}

// CountJobsCreatedBetween counts an owner's jobs created in [from, to)
func (s *Storage) CountJobsCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error) {
	return countJobsCreatedBetween(ctx, s.db, ownerID, from, to)
}

func countJobsCreatedBetween(ctx context.Context, ext sqlx.ExtContext, ownerID string, from, to time.Time) (int, error) {
	query := ext.Rebind(`
		SELECT COUNT(*)
		FROM jobs
		WHERE owner_id = ?
		  AND created_at >= ?
		  AND created_at < ?
	`)

	var count int
	if err := sqlx.GetContext(ctx, ext, &count, query, ownerID, from.UTC(), to.UTC()); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// OwnerScope is the set of job operations available while an owner is locked
type OwnerScope interface {
	CountJobsCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error)
	InsertJob(ctx context.Context, job *domain.Job) error
}

type txScope struct {
	tx *sqlx.Tx
}

func (t *txScope) CountJobsCreatedBetween(ctx context.Context, ownerID string, from, to time.Time) (int, error) {
	return countJobsCreatedBetween(ctx, t.tx, ownerID, from, to)
}

func (t *txScope) InsertJob(ctx context.Context, job *domain.Job) error {
	return insertJob(ctx, t.tx, job)
}

// WithOwnerLock runs fn in a transaction that excludes every other
// WithOwnerLock call for the same owner. fn's error rolls the transaction
// back and is returned unchanged.
func (s *Storage) WithOwnerLock(ctx context.Context, ownerID string, fn func(ctx context.Context, scope OwnerScope) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// SQLite transactions begin IMMEDIATE and already hold the write lock.
	if s.db.DriverName() == postgresql.DriverName {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
			return fmt.Errorf("failed to lock owner: %w", err)
		}
	}

	if err := fn(ctx, &txScope{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PlanForOwner returns the owner's plan; owners without a row are on free
func (s *Storage) PlanForOwner(ctx context.Context, ownerID string) (domain.Plan, error) {
	query := s.db.Rebind(`SELECT plan FROM owner_plans WHERE owner_id = ?`)

	var plan string
	if err := s.db.GetContext(ctx, &plan, query, ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PlanFree, nil
		}
		return "", fmt.Errorf("failed to get owner plan: %w", err)
	}
	return domain.Plan(plan), nil
}

// SetPlan assigns a plan to an owner
func (s *Storage) SetPlan(ctx context.Context, ownerID string, plan domain.Plan) error {
	query := s.db.Rebind(`
		INSERT INTO owner_plans (owner_id, plan, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE
		SET plan = excluded.plan,
			updated_at = excluded.updated_at
	`)

	if _, err := s.db.ExecContext(ctx, query, ownerID, string(plan), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set owner plan: %w", err)
	}

	s.logger.Info("Owner plan updated",
		slog.String("owner_id", ownerID),
		slog.String("plan", string(plan)),
	)
	return nil
}

// RecordUsage appends one usage record
func (s *Storage) RecordUsage(ctx context.Context, record domain.UsageRecord) error {
	query := s.db.Rebind(`
		INSERT INTO usage_records (id, owner_id, job_id, tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.OwnerID,
		record.JobID,
		record.Tokens,
		record.Cost,
		record.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UsageSummary aggregates usage records over a window
type UsageSummary struct {
	Records int     `db:"records"`
	Tokens  int64   `db:"tokens"`
	Cost    float64 `db:"cost"`
}

// SummarizeUsage totals an owner's usage records created in [from, to)
func (s *Storage) SummarizeUsage(ctx context.Context, ownerID string, from, to time.Time) (UsageSummary, error) {
	query := s.db.Rebind(`
		SELECT COUNT(*) AS records,
			COALESCE(SUM(tokens), 0) AS tokens,
			COALESCE(SUM(cost), 0.0) AS cost
		FROM usage_records
		WHERE owner_id = ?
		  AND created_at >= ?
		  AND created_at < ?
	`)

	var summary UsageSummary
	if err := s.db.GetContext(ctx, &summary, query, ownerID, from.UTC(), to.UTC()); err != nil {
		return UsageSummary{}, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return summary, nil
}
