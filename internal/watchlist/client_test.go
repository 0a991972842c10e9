// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package watchlist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autobrr/fetcharr/internal/domain"
)

func TestFetchCurrentPaginates(t *testing.T) {
	entries := []Entry{
		{ID: "1", Title: "Heat", Year: 1995, IMDbID: "tt0113277"},
		{ID: "2", Title: "Ronin", Year: 1998},
		{ID: "3", Title: "The Matrix", Year: 1999},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token123", r.Header.Get("X-Api-Token"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		require.Equal(t, 2, limit)

		end := offset + limit
		if end > len(entries) {
			end = len(entries)
		}
		var items []Entry
		if offset < len(entries) {
			items = entries[offset:end]
		}
		json.NewEncoder(w).Encode(page{Items: items, Total: len(entries)})
	}))
	defer srv.Close()

	client := NewClient(domain.WatchlistConfig{URL: srv.URL, Token: "token123", PageSize: 2})

	got, err := client.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3, "all pages should be fetched")
	require.Equal(t, "tt0113277", got[0].ExternalRef)
	require.Equal(t, "The Matrix", got[2].Title)
}

func TestFetchCurrentFailsOnPageError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("offset") == "0" {
			json.NewEncoder(w).Encode(page{Items: []Entry{{ID: "1", Title: "Heat"}}, Total: 2})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(domain.WatchlistConfig{URL: srv.URL, PageSize: 1})

	_, err := client.FetchCurrent(context.Background())
	require.Error(t, err, "a failing page must fail the whole fetch, never a partial list")
}

func TestFetchCurrentSkipsEntriesWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(page{Items: []Entry{{ID: "", Title: "Ghost"}, {ID: "1", Title: "Heat"}}, Total: 2})
	}))
	defer srv.Close()

	client := NewClient(domain.WatchlistConfig{URL: srv.URL})

	got, err := client.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "1", got[0].ID)
}
