// Package generation turns a prompt into a script, timed captions and
// platform metadata.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/llm"
	"github.com/cuongbtq/clipforge/internal/subtitle"
	"github.com/google/uuid"
)

const (
	MinPromptRunes = 10
	MaxPromptRunes = 2000
)

// DefaultAllowedDurations are the supported target lengths in seconds
var DefaultAllowedDurations = []int{15, 30, 60}

// TextProvider completes a chat prompt
type TextProvider interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// UsageRecorder persists the cost of one generation attempt
type UsageRecorder interface {
	RecordUsage(ctx context.Context, record domain.UsageRecord) error
}

// Config holds generation settings
type Config struct {
	AllowedDurations []int
	BlockedTerms     []string
	WordsPerMinute   int
}

// Request is the input of one generation attempt
type Request struct {
	JobID                 string
	OwnerID               string
	Prompt                string
	TargetDurationSeconds int
	Tone                  domain.Tone
}

// Result is everything the generation stage produces
type Result struct {
	Script     string
	Track      subtitle.Track
	Metadata   domain.Metadata
	TokensUsed int
	Cost       float64
}

// Generator runs the generation stage
type Generator struct {
	provider     TextProvider
	usage        UsageRecorder
	timer        *subtitle.Timer
	durations    []int
	blockedTerms []string
	logger       *slog.Logger
	now          func() time.Time
}

// Option customizes the generator
type Option func(*Generator)

// WithClock overrides the time stamped on usage records
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// NewGenerator creates a generator
func NewGenerator(cfg Config, provider TextProvider, usage UsageRecorder, logger *slog.Logger, opts ...Option) *Generator {
	durations := cfg.AllowedDurations
	if len(durations) == 0 {
		durations = DefaultAllowedDurations
	}

	blocked := make([]string, 0, len(cfg.BlockedTerms))
	for _, term := range cfg.BlockedTerms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			blocked = append(blocked, term)
		}
	}

	g := &Generator{
		provider:     provider,
		usage:        usage,
		timer:        subtitle.NewTimer(cfg.WordsPerMinute),
		durations:    durations,
		blockedTerms: blocked,
		logger:       logger,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate checks a request without calling any provider
func (g *Generator) Validate(req Request) error {
	prompt := strings.TrimSpace(req.Prompt)
	switch n := utf8.RuneCountInString(prompt); {
	case n < MinPromptRunes:
		return domain.NewValidationError("prompt", fmt.Sprintf("must be at least %d characters", MinPromptRunes))
	case n > MaxPromptRunes:
		return domain.NewValidationError("prompt", fmt.Sprintf("must be at most %d characters", MaxPromptRunes))
	}

	if !slices.Contains(g.durations, req.TargetDurationSeconds) {
		return domain.NewValidationError("target_duration_seconds",
			fmt.Sprintf("must be one of %v", g.durations))
	}

	if _, err := domain.ParseTone(string(req.Tone)); err != nil {
		return err
	}

	lower := strings.ToLower(prompt)
	for _, term := range g.blockedTerms {
		if strings.Contains(lower, term) {
			g.logger.Warn("Prompt rejected by content filter",
				slog.String("job_id", req.JobID),
				slog.String("term", term),
			)
			return domain.NewValidationError("prompt", "contains content that cannot be generated")
		}
	}

	return nil
}

// Generate runs one attempt. Exactly one usage record is written per call
// with whatever tokens were consumed, including on failure.
func (g *Generator) Generate(ctx context.Context, req Request) domain.Outcome[Result] {
	var tokens int
	var cost float64
	defer func() {
		g.recordUsage(ctx, req, tokens, cost)
	}()

	fail := func(err error) domain.Outcome[Result] {
		failure := domain.ClassifyStageError(domain.StageGenerating, err)
		g.logger.Error("Generation failed",
			slog.String("job_id", req.JobID),
			slog.String("kind", string(failure.Kind)),
			slog.Any("error", err),
		)
		return domain.Failed[Result](failure)
	}

	if err := g.Validate(req); err != nil {
		return fail(err)
	}
	tone, _ := domain.ParseTone(string(req.Tone))

	scriptResp, err := g.provider.Complete(ctx, llm.Request{
		System:      scriptSystemPrompt(tone, g.timer.TargetWords(req.TargetDurationSeconds)),
		User:        strings.TrimSpace(req.Prompt),
		Temperature: 0.8,
	})
	tokens += scriptResp.TotalTokens()
	cost += scriptResp.Cost
	if err != nil {
		return fail(fmt.Errorf("script generation: %w", err))
	}

	script := cleanScript(scriptResp.Content)
	track, err := g.timer.Time(script, req.TargetDurationSeconds)
	if err != nil {
		return fail(err)
	}
	if track.Dropped > 0 {
		g.logger.Warn("Script overran target duration, trailing captions dropped",
			slog.String("job_id", req.JobID),
			slog.Int("dropped", track.Dropped),
			slog.Int("kept", len(track.Captions)),
		)
	}

	metaResp, err := g.provider.Complete(ctx, llm.Request{
		System:      metadataSystemPrompt,
		User:        metadataUserPrompt(req.Prompt, script),
		JSON:        true,
		Temperature: 0.7,
	})
	tokens += metaResp.TotalTokens()
	cost += metaResp.Cost
	if err != nil {
		return fail(fmt.Errorf("metadata generation: %w", err))
	}

	var raw domain.Metadata
	if err := llm.DecodeJSON(metaResp.Content, &raw); err != nil {
		return fail(fmt.Errorf("metadata generation: %w", err))
	}

	result := Result{
		Script:     script,
		Track:      track,
		Metadata:   BoundMetadata(raw),
		TokensUsed: tokens,
		Cost:       cost,
	}

	g.logger.Info("Generation completed",
		slog.String("job_id", req.JobID),
		slog.Int("captions", len(track.Captions)),
		slog.Int("tokens", tokens),
		slog.Float64("cost", cost),
	)

	return domain.Succeeded(result)
}

func (g *Generator) recordUsage(ctx context.Context, req Request, tokens int, cost float64) {
	if g.usage == nil {
		return
	}

	record := domain.UsageRecord{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		JobID:     req.JobID,
		Tokens:    tokens,
		Cost:      cost,
		CreatedAt: g.now().UTC(),
	}
	if err := g.usage.RecordUsage(context.WithoutCancel(ctx), record); err != nil {
		g.logger.Error("Failed to record generation usage",
			slog.String("job_id", req.JobID),
			slog.Int("tokens", tokens),
			slog.Any("error", err),
		)
	}
}

// cleanScript drops markdown fences and surrounding quotes models sometimes add
func cleanScript(content string) string {
	script := strings.TrimSpace(content)
	script = strings.TrimPrefix(script, "```")
	script = strings.TrimSuffix(script, "```")
	script = strings.Trim(strings.TrimSpace(script), `"`)
	return strings.TrimSpace(script)
}
