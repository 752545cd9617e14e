package jina

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/decidekit/internal/resilience"
)

func TestRead_Success(t *testing.T) {
	t.Parallel()

	want := ReadResponse{
		Code: 200,
		Data: ReadData{
			Title:   "Chaser",
			URL:     "https://chaser.example",
			Content: "# Chaser\n\nAutomated invoice reminders.",
			Usage:   ReadUsage{Tokens: 2150},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "markdown", r.Header.Get("X-Return-Format"))
		assert.Equal(t, "/https://chaser.example", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	got, err := client.Read(context.Background(), "https://chaser.example")
	require.NoError(t, err)
	assert.Equal(t, want.Data, got.Data)
}

func TestRead_MalformedJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL)).Read(context.Background(), "https://x.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestSearch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoice+reminders", r.URL.EscapedPath())
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		json.NewEncoder(w).Encode(SearchResponse{ //nolint:errcheck
			Code: 200,
			Data: []SearchResult{
				{Title: "Chaser", URL: "https://chaser.example", Description: "invoice reminders"},
				{Title: "Upflow", URL: "https://upflow.example", Description: "collections"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient("k", WithSearchBaseURL(srv.URL))
	got, err := client.Search(context.Background(), "invoice reminders", WithCount(5))
	require.NoError(t, err)
	require.Len(t, got.Data, 2)
	assert.Equal(t, "Chaser", got.Data[0].Title)
}

func TestSearch_CountTruncates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(SearchResponse{Data: []SearchResult{{Title: "a"}, {Title: "b"}, {Title: "c"}}}) //nolint:errcheck
	}))
	defer srv.Close()

	got, err := NewClient("k", WithSearchBaseURL(srv.URL)).Search(context.Background(), "q", WithCount(2))
	require.NoError(t, err)
	assert.Len(t, got.Data, 2)
}

func TestSearch_WithSiteFilter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "reddit.com", r.URL.Query().Get("site"))
		json.NewEncoder(w).Encode(SearchResponse{Code: 200}) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient("k", WithSearchBaseURL(srv.URL)).
		Search(context.Background(), "chaser complaints", WithSiteFilter("reddit.com"))
	require.NoError(t, err)
}

func TestSearch_NoResults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	got, err := NewClient("k", WithSearchBaseURL(srv.URL)).Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, got.Data)
}

func TestSearch_RetriesRateLimitOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(SearchResponse{Data: []SearchResult{{Title: "ok"}}}) //nolint:errcheck
	}))
	defer srv.Close()

	client := NewClient("k", WithSearchBaseURL(srv.URL), WithRetryDelay(time.Millisecond))
	got, err := client.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Len(t, got.Data, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearch_RateLimitExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient("k", WithSearchBaseURL(srv.URL), WithRetryDelay(time.Millisecond))
	_, err := client.Search(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearch_ServerErrorNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithSearchBaseURL(srv.URL), WithRetryDelay(time.Millisecond)).
		Search(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWithHTTPClient(t *testing.T) {
	t.Parallel()

	hc := &http.Client{Timeout: time.Second}
	c := NewClient("k", WithHTTPClient(hc)).(*httpClient)
	assert.Same(t, hc, c.http)
}

func TestNewClient_Defaults(t *testing.T) {
	t.Parallel()

	c := NewClient("k").(*httpClient)
	assert.Equal(t, "https://r.jina.ai", c.baseURL)
	assert.Equal(t, "https://s.jina.ai", c.searchBaseURL)
	assert.Equal(t, 2, c.retry.MaxAttempts)
}
