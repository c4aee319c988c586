package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultTavilyBaseURL    = "https://api.tavily.com"
	defaultTavilyMaxResults = 3
)

// TavilyConfig configures a TavilySearcher.
type TavilyConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	// RateLimit is the sustained requests per second. Zero means unlimited.
	RateLimit float64
	Timeout   time.Duration
}

type tavilyRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

type tavilyErrorResponse struct {
	Detail struct {
		Error string `json:"error"`
	} `json:"detail"`
}

// TavilySearcher implements Searcher against the Tavily search API.
type TavilySearcher struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	baseURL    string
	maxResults int
}

// NewTavilySearcher creates a new Tavily search client
func NewTavilySearcher(cfg TavilyConfig) *TavilySearcher {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTavilyBaseURL
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultTavilyMaxResults
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TavilySearcher{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newLimiter(cfg.RateLimit),
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		maxResults: maxResults,
	}
}

// Search runs one query. Failures are returned as is and never retried.
func (s *TavilySearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tavily: rate limiter: %w", err)
	}

	body, err := json.Marshal(tavilyRequest{Query: query, MaxResults: s.maxResults})
	if err != nil {
		return nil, fmt.Errorf("tavily: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Provider: "tavily", Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tavily: failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(respBody))
		var errResp tavilyErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Detail.Error != "" {
			message = errResp.Detail.Error
		}
		return nil, &APIError{Provider: "tavily", StatusCode: resp.StatusCode, Message: message}
	}

	var result tavilyResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("tavily: failed to parse response: %w", err)
	}
	if len(result.Results) > s.maxResults {
		result.Results = result.Results[:s.maxResults]
	}
	return result.Results, nil
}
