package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	resp llm.Response
	err  error
}

type scriptedProvider struct {
	replies  []reply
	requests []llm.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return llm.Response{}, errors.New("unexpected call")
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	return next.resp, next.err
}

type usageSink struct {
	records []domain.UsageRecord
	err     error
}

func (u *usageSink) RecordUsage(_ context.Context, record domain.UsageRecord) error {
	u.records = append(u.records, record)
	return u.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validRequest() Request {
	return Request{
		JobID:                 "job-1",
		OwnerID:               "owner-1",
		Prompt:                "Three surprising facts about octopuses",
		TargetDurationSeconds: 15,
		Tone:                  domain.ToneFun,
	}
}

func TestGenerator_Generate_Success(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{
		{resp: llm.Response{Content: "Octopuses have three hearts.\nTheir blood is blue.", PromptTokens: 100, CompletionTokens: 50, Cost: 0.01}},
		{resp: llm.Response{Content: "```json\n{\"title\":\"Octopus | facts\",\"description\":\"Wow\",\"tags\":[\"ocean\",\"Ocean\"]}\n```", PromptTokens: 80, CompletionTokens: 20, Cost: 0.005}},
	}}
	usage := &usageSink{}
	gen := NewGenerator(Config{}, provider, usage, discardLogger())

	out := gen.Generate(context.Background(), validRequest())
	require.True(t, out.OK(), "failure: %v", out.Failure)

	result := out.Value
	assert.Equal(t, "Octopuses have three hearts.\nTheir blood is blue.", result.Script)
	require.Len(t, result.Track.Captions, 2)
	assert.Equal(t, int64(15000), result.Track.Captions[1].EndMs)
	assert.Equal(t, "Octopus - facts", result.Metadata.Title)
	assert.Equal(t, []string{"ocean", "shorts", "AI"}, result.Metadata.Tags)
	assert.Equal(t, 250, result.TokensUsed)
	assert.InDelta(t, 0.015, result.Cost, 1e-9)

	require.Len(t, provider.requests, 2)
	assert.Contains(t, provider.requests[0].System, "About 37 words")
	assert.True(t, provider.requests[1].JSON)

	require.Len(t, usage.records, 1)
	assert.Equal(t, 250, usage.records[0].Tokens)
	assert.Equal(t, "job-1", usage.records[0].JobID)
	assert.Equal(t, "owner-1", usage.records[0].OwnerID)
}

func TestGenerator_Generate_Failures(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Request)
		replies    []reply
		wantKind   domain.ErrorKind
		wantTokens int
	}{
		{
			name:     "unsupported duration",
			mutate:   func(r *Request) { r.TargetDurationSeconds = 45 },
			wantKind: domain.KindValidation,
		},
		{
			name:     "blocked prompt",
			mutate:   func(r *Request) { r.Prompt = "A tutorial about Gambling tricks" },
			wantKind: domain.KindValidation,
		},
		{
			name: "script provider quota",
			replies: []reply{
				{resp: llm.Response{PromptTokens: 12}, err: domain.ErrProviderQuotaExceeded},
			},
			wantKind:   domain.KindProviderQuota,
			wantTokens: 12,
		},
		{
			name: "script too dense for target",
			replies: []reply{
				{resp: llm.Response{Content: strings.Repeat("Line.\n", 16), PromptTokens: 30, CompletionTokens: 10}},
			},
			wantKind:   domain.KindValidation,
			wantTokens: 40,
		},
		{
			name: "metadata is not json",
			replies: []reply{
				{resp: llm.Response{Content: "Hello there.", PromptTokens: 10, CompletionTokens: 5}},
				{resp: llm.Response{Content: "no json here", PromptTokens: 7, CompletionTokens: 3}},
			},
			wantKind:   domain.KindProvider,
			wantTokens: 25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			usage := &usageSink{}
			gen := NewGenerator(Config{BlockedTerms: []string{" gambling "}}, &scriptedProvider{replies: tt.replies}, usage, discardLogger())

			out := gen.Generate(context.Background(), req)
			require.False(t, out.OK())
			assert.Equal(t, domain.StageGenerating, out.Failure.Stage)
			assert.Equal(t, tt.wantKind, out.Failure.Kind)

			require.Len(t, usage.records, 1, "exactly one usage record per attempt")
			assert.Equal(t, tt.wantTokens, usage.records[0].Tokens)
		})
	}
}

func TestGenerator_UsageFailureDoesNotFailStage(t *testing.T) {
	provider := &scriptedProvider{replies: []reply{
		{resp: llm.Response{Content: "Short and sweet."}},
		{resp: llm.Response{Content: `{"title":"t","description":"d","tags":["a","b","c"]}`}},
	}}
	gen := NewGenerator(Config{}, provider, &usageSink{err: errors.New("db down")}, discardLogger())

	out := gen.Generate(context.Background(), validRequest())
	assert.True(t, out.OK())
}

func TestGenerator_Validate(t *testing.T) {
	gen := NewGenerator(Config{}, nil, nil, discardLogger())

	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr string
	}{
		{name: "valid"},
		{name: "empty tone defaults", mutate: func(r *Request) { r.Tone = "" }},
		{name: "short prompt", mutate: func(r *Request) { r.Prompt = "cats" }, wantErr: "prompt"},
		{name: "long prompt", mutate: func(r *Request) { r.Prompt = strings.Repeat("a", MaxPromptRunes+1) }, wantErr: "prompt"},
		{name: "bad tone", mutate: func(r *Request) { r.Tone = "angry" }, wantErr: "tone"},
		{name: "bad duration", mutate: func(r *Request) { r.TargetDurationSeconds = 0 }, wantErr: "target_duration_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			err := gen.Validate(req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantErr, ve.Field)
		})
	}
}

func TestBoundMetadata(t *testing.T) {
	longTitle := strings.Repeat("가", 60)
	longDescription := strings.Repeat("d", 250)

	tests := []struct {
		name string
		raw  domain.Metadata
		want domain.Metadata
	}{
		{
			name: "fallbacks and default tags",
			raw:  domain.Metadata{Title: "   ", Description: ""},
			want: domain.Metadata{
				Title:       fallbackTitle,
				Description: fallbackDescription,
				Tags:        []string{"shorts", "AI", "autogenerated"},
			},
		},
		{
			name: "truncation",
			raw:  domain.Metadata{Title: longTitle, Description: longDescription, Tags: []string{"x", "y", "z"}},
			want: domain.Metadata{
				Title:       strings.Repeat("가", 47) + "...",
				Description: strings.Repeat("d", 197) + "...",
				Tags:        []string{"x", "y", "z"},
			},
		},
		{
			name: "sanitised title",
			raw:  domain.Metadata{Title: "<b>Cats | Dogs</b>", Description: "ok", Tags: []string{"a", "b", "c"}},
			want: domain.Metadata{Title: "bCats - Dogs/b", Description: "ok", Tags: []string{"a", "b", "c"}},
		},
		{
			name: "title empty after sanitising",
			raw:  domain.Metadata{Title: " <<>> ", Description: "ok", Tags: []string{"a", "b", "c"}},
			want: domain.Metadata{Title: fallbackTitle, Description: "ok", Tags: []string{"a", "b", "c"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BoundMetadata(tt.raw))
		})
	}
}

func TestBoundTags(t *testing.T) {
	many := make([]string, 0, 15)
	for _, r := range "abcdefghijklmno" {
		many = append(many, string(r))
	}

	tests := []struct {
		name string
		raw  []string
		want []string
	}{
		{name: "dedupe keeps first casing", raw: []string{"Go", "go", " GO ", "", "rust", "zig"}, want: []string{"Go", "rust", "zig"}},
		{name: "cap at ten", raw: many, want: many[:10]},
		{name: "long tag cut", raw: []string{strings.Repeat("t", 40), "b", "c"}, want: []string{strings.Repeat("t", 30), "b", "c"}},
		{
			name: "dedupe after cut",
			raw:  []string{strings.Repeat("x", 30) + "AAAAA", strings.Repeat("X", 30) + "BBBBB", "c"},
			want: []string{strings.Repeat("x", 30), "c", "shorts"},
		},
		{name: "defaults skip present", raw: []string{"shorts"}, want: []string{"shorts", "AI", "autogenerated"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, boundTags(tt.raw))
		})
	}
}

func TestBoundTitle_NFC(t *testing.T) {
	assert.Equal(t, "Caf\u00e9", boundTitle("Cafe\u0301"))
}
