package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/understudy/pkg/decision"
)

type stubProvider struct {
	name string
	resp *CompletionResponse
	err  error
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return s.resp, s.err
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrTimeout},
		{"gateway timeout", &ProviderError{StatusCode: http.StatusGatewayTimeout}, ErrTimeout},
		{"bad request", &ProviderError{StatusCode: http.StatusBadRequest}, ErrContentRejected},
		{"server error", &ProviderError{StatusCode: http.StatusInternalServerError}, ErrBackend},
		{"plain", errors.New("connection reset"), ErrBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("stub", tt.err)
			require.Error(t, got)
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassifyKeepsCancellation(t *testing.T) {
	t.Parallel()

	err := Classify("stub", fmt.Errorf("stream: %w", context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrBackend)
	assert.NoError(t, Classify("stub", nil))
}

func TestTierForMode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TierDeep, TierFor(decision.ModeDirectAnswer))
	assert.Equal(t, TierFast, TierFor(decision.ModeStyleMimic))
}

func TestRouterFallsBackAndClassifies(t *testing.T) {
	t.Parallel()

	deep := &stubProvider{name: "deep", resp: &CompletionResponse{Content: "hi"}}
	r := NewRouter(map[Tier]Provider{TierDeep: deep})

	resp, err := r.Complete(context.Background(), TierFast, CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.True(t, r.Has(TierFast))

	deep.resp, deep.err = nil, errors.New("boom")
	_, err = r.Complete(context.Background(), TierDeep, CompletionRequest{})
	assert.ErrorIs(t, err, ErrBackend)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "deep", pe.Provider)
}

func TestRouterWithoutProviders(t *testing.T) {
	t.Parallel()

	r := NewRouter(nil)
	_, err := r.Complete(context.Background(), TierFast, CompletionRequest{})
	assert.ErrorIs(t, err, ErrNoProvider)
	assert.False(t, r.Has(TierDeep))
}

func TestOpenAICompatComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		var body struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "small", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0]["role"])

		_, _ = w.Write([]byte(`{"model":"small","choices":[{"message":{"content":"sure"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompat("compat", srv.URL, "key", "small")
	resp, err := p.Complete(context.Background(), CompletionRequest{
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "ok?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "sure", resp.Content)
	assert.Equal(t, 7, resp.InputTokens)
}

func TestOpenAICompatErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		payload string
		want    error
	}{
		{"server error", http.StatusBadGateway, `{"error":"down"}`, ErrBackend},
		{"rejected", http.StatusBadRequest, `{"error":"policy"}`, ErrContentRejected},
		{"filtered", http.StatusOK, `{"choices":[{"message":{"content":""},"finish_reason":"content_filter"}]}`, ErrContentRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			_, err := NewOpenAICompat("compat", srv.URL, "", "m").Complete(context.Background(), CompletionRequest{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAICompatTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewOpenAICompat("compat", srv.URL, "", "m").Complete(ctx, CompletionRequest{})
	assert.ErrorIs(t, err, ErrTimeout)
}
