// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/fetcharr/internal/domain"
)

func TestSearchIMDbBuildsRequest(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"action":   q.Get("action"),
			"type":     q.Get("type"),
			"query":    q.Get("query"),
			"category": q.Get("category"),
		}
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]Result{{ID: 1, Name: "The.Matrix.1999.1080p.BluRay.x264", Seeders: 12, DownloadURL: "/download/1"}})
	}))
	defer srv.Close()

	client := NewClient(domain.IndexerConfig{URL: srv.URL, APIKey: "secret", Categories: []int{4, 19}})

	results, err := client.SearchIMDb(context.Background(), "tt0133093")
	require.NoError(t, err, "search should succeed against healthy server")
	require.Len(t, results, 1)
	require.Equal(t, "The.Matrix.1999.1080p.BluRay.x264", results[0].Name)

	require.Equal(t, "search-torrents", gotQuery["action"])
	require.Equal(t, "imdb", gotQuery["type"])
	require.Equal(t, "tt0133093", gotQuery["query"])
	require.Equal(t, "4,19", gotQuery["category"])
}

func TestSearchRetriesTransientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]Result{})
	}))
	defer srv.Close()

	client := NewClient(domain.IndexerConfig{URL: srv.URL})

	_, err := client.SearchName(context.Background(), "heat")
	require.NoError(t, err, "transient 502s should be retried")
	require.Equal(t, 3, attempts)
}

func TestSearchDoesNotRetryAuthFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(domain.IndexerConfig{URL: srv.URL})

	_, err := client.SearchName(context.Background(), "heat")
	require.Error(t, err)
	require.Equal(t, 1, attempts, "auth failures must not be retried")
}

func TestDownloadReturnsTypedErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(domain.IndexerConfig{URL: srv.URL})

	_, err := client.Download(context.Background(), srv.URL+"/download/1")
	require.Error(t, err)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.True(t, dlErr.IsRateLimited())
}

func TestDownloadResolvesRelativeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/download/42", r.URL.Path)
		w.Write([]byte("d8:announce0:e"))
	}))
	defer srv.Close()

	client := NewClient(domain.IndexerConfig{URL: srv.URL})

	data, err := client.Download(context.Background(), "/download/42")
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestSelectBest(t *testing.T) {
	client := NewClient(domain.IndexerConfig{
		URL:             "http://example.invalid",
		Categories:      []int{4, 19},
		MinSeeders:      2,
		PreferFreeleech: true,
	})

	results := []Result{
		{ID: 1, Category: 19, Seeders: 50, DownloadURL: "/1"},                // lower tier despite seeders
		{ID: 2, Category: 4, Seeders: 5, DownloadURL: "/2"},                  // best tier
		{ID: 3, Category: 4, Seeders: 3, Freeleech: true, DownloadURL: "/3"}, // best tier, freeleech wins
		{ID: 4, Category: 4, Seeders: 100, DownloadURL: ""},                  // no download link
		{ID: 5, Category: 4, Seeders: 1, Freeleech: true, DownloadURL: "/5"}, // under min seeders
	}

	best, ok := client.SelectBest(results)
	require.True(t, ok)
	require.Equal(t, 3, best.ID, "freeleech in the best category tier should win")

	_, ok = client.SelectBest([]Result{{ID: 9, Seeders: 0, DownloadURL: "/9"}})
	require.False(t, ok, "no eligible result should report not found")
}

func TestSelectBestPrefersSeedersWithinTier(t *testing.T) {
	client := NewClient(domain.IndexerConfig{URL: "http://example.invalid", Categories: []int{4}})

	best, ok := client.SelectBest([]Result{
		{ID: 1, Category: 4, Seeders: 3, DownloadURL: "/1"},
		{ID: 2, Category: 4, Seeders: 30, DownloadURL: "/2"},
	})
	require.True(t, ok)
	require.Equal(t, 2, best.ID)
}
