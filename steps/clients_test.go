package steps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deepnoodle-ai/crew/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface checks.
var (
	_ Searcher               = (*TavilySearcher)(nil)
	_ Generator              = (*ChatGenerator)(nil)
	_ retry.RecoverableError = (*APIError)(nil)
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestTavilySearcher(t *testing.T) {
	t.Run("successful search", func(t *testing.T) {
		var received tavilyRequest
		var auth string
		server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/search", r.URL.Path)
			auth = r.Header.Get("Authorization")
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &received))

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"query": received.Query,
				"results": []map[string]any{
					{"title": "a", "url": "https://a", "content": "alpha", "score": 0.9},
					{"title": "b", "url": "https://b", "content": "beta", "score": 0.8},
					{"title": "c", "url": "https://c", "content": "gamma", "score": 0.7},
					{"title": "d", "url": "https://d", "content": "delta", "score": 0.6},
				},
			})
		})

		searcher := NewTavilySearcher(TavilyConfig{APIKey: "tvly-test", BaseURL: server.URL})
		results, err := searcher.Search(context.Background(), "quantum computing")
		require.NoError(t, err)
		assert.Equal(t, "Bearer tvly-test", auth)
		assert.Equal(t, "quantum computing", received.Query)
		assert.Equal(t, 3, received.MaxResults)
		require.Len(t, results, 3)
		assert.Equal(t, "alpha", results[0].Content)
	})

	t.Run("server error is recoverable", func(t *testing.T) {
		server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"detail": {"error": "upstream down"}}`))
		})
		searcher := NewTavilySearcher(TavilyConfig{BaseURL: server.URL})
		_, err := searcher.Search(context.Background(), "q")
		require.Error(t, err)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		assert.Equal(t, "upstream down", apiErr.Message)
		assert.True(t, retry.IsRecoverable(err))
	})

	t.Run("unauthorized is not recoverable", func(t *testing.T) {
		server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail": {"error": "invalid api key"}}`))
		})
		searcher := NewTavilySearcher(TavilyConfig{BaseURL: server.URL})
		_, err := searcher.Search(context.Background(), "q")
		require.Error(t, err)
		assert.False(t, retry.IsRecoverable(err))
	})
}

func TestChatGenerator(t *testing.T) {
	t.Run("successful generation", func(t *testing.T) {
		var received chatRequest
		server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/chat/completions", r.URL.Path)
			require.Equal(t, "Bearer gsk-test", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(chatResponse{
				ID: "chatcmpl-1",
				Choices: []chatChoice{
					{Message: chatMessage{Role: "assistant", Content: "key trends"}, FinishReason: "stop"},
				},
			})
		})

		generator := NewChatGenerator(ChatConfig{APIKey: "gsk-test", BaseURL: server.URL + "/"})
		text, err := generator.Generate(context.Background(), "analyze this")
		require.NoError(t, err)
		assert.Equal(t, "key trends", text)
		assert.Equal(t, DefaultChatModel, received.Model)
		assert.Equal(t, 0.0, received.Temperature)
		require.Len(t, received.Messages, 1)
		assert.Equal(t, "user", received.Messages[0].Role)
		assert.Equal(t, "analyze this", received.Messages[0].Content)
	})

	t.Run("rate limited", func(t *testing.T) {
		server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
		})
		generator := NewChatGenerator(ChatConfig{BaseURL: server.URL})
		_, err := generator.Generate(context.Background(), "p")
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "slow down", apiErr.Message)
		assert.True(t, apiErr.IsRecoverable())
	})

	t.Run("no choices", func(t *testing.T) {
		server := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id": "x", "choices": []}`))
		})
		generator := NewChatGenerator(ChatConfig{BaseURL: server.URL})
		_, err := generator.Generate(context.Background(), "p")
		require.ErrorContains(t, err, "no choices")
	})
}
