package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(url string) *Client {
	return NewClient(Config{
		APIKey:               "sk-test",
		BaseURL:              url,
		Model:                "gpt-test",
		PromptPricePer1K:     0.5,
		CompletionPricePer1K: 1.5,
	}, WithSleeper(noSleep))
}

func TestClient_Complete(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  {\"ok\":true}  "}}],"usage":{"prompt_tokens":1000,"completion_tokens":2000}}`))
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Complete(context.Background(), Request{
		System: "be brief",
		User:   "hello",
		JSON:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 3000, resp.TotalTokens())
	assert.InDelta(t, 3.5, resp.Cost, 1e-9)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"done"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCalls int32
		wantErr   error
	}{
		{
			name:      "rate limit exhausts retries",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"message":"slow down","code":"rate_limit_exceeded"}}`,
			wantCalls: 3,
			wantErr:   domain.ErrProviderQuotaExceeded,
		},
		{
			name:      "insufficient quota is not retried",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"message":"no credit","code":"insufficient_quota"}}`,
			wantCalls: 1,
			wantErr:   domain.ErrProviderQuotaExceeded,
		},
		{
			name:      "bad request is not retried",
			status:    http.StatusBadRequest,
			body:      `{"error":{"message":"bad"}}`,
			wantCalls: 1,
			wantErr:   domain.ErrProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).Complete(context.Background(), Request{User: "hi"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClient_EmptyContentKeepsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":""}}],"usage":{"prompt_tokens":10,"completion_tokens":0}}`))
	}))
	defer server.Close()

	resp, err := newTestClient(server.URL).Complete(context.Background(), Request{User: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProvider)
	assert.Equal(t, 10, resp.PromptTokens)
}

func TestClient_MissingAPIKey(t *testing.T) {
	_, err := NewClient(Config{}).Complete(context.Background(), Request{User: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Title string `json:"title"`
	}

	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{name: "plain", content: `{"title":"a"}`, want: "a"},
		{name: "fenced", content: "```json\n{\"title\":\"b\"}\n```", want: "b"},
		{name: "prose around", content: "Sure! {\"title\":\"c\"} Enjoy.", want: "c"},
		{name: "no object", content: "nothing here", wantErr: true},
		{name: "broken", content: `{"title":}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p payload
			err := DecodeJSON(tt.content, &p)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrProvider)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Title)
		})
	}
}
