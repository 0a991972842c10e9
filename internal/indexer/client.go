// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package indexer talks to the torrent index's JSON API: searching by
// IMDb id or name, picking the best candidate, and fetching .torrent
// blobs.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/buildinfo"
	"github.com/autobrr/fetcharr/internal/domain"
)

const maxTorrentDownloadBytes int64 = 16 << 20 // 16 MiB safety limit for torrent blobs

// DownloadError represents an HTTP error during torrent download.
// It preserves the status code for rate-limit detection.
type DownloadError struct {
	StatusCode int
	URL        string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("torrent download from %s returned status %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Is(target error) bool {
	_, ok := target.(*DownloadError)
	return ok
}

// IsRateLimited returns true if this error indicates rate limiting (HTTP 429).
func (e *DownloadError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Result is a single search hit from the index.
type Result struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Category    int    `json:"category"`
	Seeders     int    `json:"seeders"`
	Leechers    int    `json:"leechers"`
	Size        int64  `json:"size"`
	Freeleech   bool   `json:"freeleech"`
	DoubleUp    bool   `json:"doubleup"`
	DownloadURL string `json:"download_link"`
	IMDb        string `json:"imdb"`
}

// Client queries the torrent index API.
type Client struct {
	cfg        domain.IndexerConfig
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg domain.IndexerConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SearchIMDb searches the index by IMDb identifier.
func (c *Client) SearchIMDb(ctx context.Context, imdbID string) ([]Result, error) {
	if strings.TrimSpace(imdbID) == "" {
		return nil, errors.New("imdb id is required")
	}
	return c.search(ctx, "imdb", imdbID)
}

// SearchName searches the index by title.
func (c *Client) SearchName(ctx context.Context, name string) ([]Result, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("name is required")
	}
	return c.search(ctx, "name", name)
}

func (c *Client) search(ctx context.Context, searchType, query string) ([]Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := url.JoinPath(c.baseURL, "api", "torrents")
	if err != nil {
		return nil, errors.Wrap(err, "build search url")
	}

	params := url.Values{}
	params.Set("action", "search-torrents")
	params.Set("type", searchType)
	params.Set("query", query)
	if len(c.cfg.Categories) > 0 {
		cats := make([]string, len(c.cfg.Categories))
		for i, cat := range c.cfg.Categories {
			cats[i] = strconv.Itoa(cat)
		}
		params.Set("category", strings.Join(cats, ","))
	}

	var results []Result
	err = retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "build search request"))
			}
			req.URL.RawQuery = params.Encode()
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", buildinfo.UserAgent)
			if c.cfg.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return errors.Wrap(err, "search request failed")
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(errors.Errorf("search rejected with status %d, check api key", resp.StatusCode))
			case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
				return errors.Errorf("search returned status %d", resp.StatusCode)
			}

			results = results[:0]
			if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
				return errors.Wrap(err, "decode search response")
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("type", searchType).Str("query", query).Int("results", len(results)).Msg("Index search finished")
	return results, nil
}

// Download retrieves the raw torrent bytes for the provided download URL.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	if strings.TrimSpace(downloadURL) == "" {
		return nil, errors.New("download URL is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Normalise relative URLs
	if !strings.HasPrefix(downloadURL, "http://") && !strings.HasPrefix(downloadURL, "https://") {
		downloadURL = c.baseURL + "/" + strings.TrimLeft(downloadURL, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	req.Header.Set("Accept", "application/x-bittorrent, application/octet-stream")
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "torrent download failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &DownloadError{StatusCode: resp.StatusCode, URL: downloadURL}
	}

	limitedReader := io.LimitReader(resp.Body, maxTorrentDownloadBytes+1)
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, errors.Wrap(err, "read torrent body")
	}
	if int64(len(data)) > maxTorrentDownloadBytes {
		return nil, errors.Errorf("torrent download exceeded %d bytes limit", maxTorrentDownloadBytes)
	}

	return data, nil
}

// SelectBest picks the preferred result: candidates are filtered by
// minimum seeders, grouped by the configured category priority, and the
// best tier is sorted by freeleech/double-up preference then seeders.
func (c *Client) SelectBest(results []Result) (Result, bool) {
	eligible := results[:0:0]
	for _, r := range results {
		if r.Seeders < c.cfg.MinSeeders {
			continue
		}
		if r.DownloadURL == "" {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return Result{}, false
	}

	tier := func(category int) int {
		for i, cat := range c.cfg.Categories {
			if cat == category {
				return i
			}
		}
		return len(c.cfg.Categories)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if ta, tb := tier(a.Category), tier(b.Category); ta != tb {
			return ta < tb
		}
		if c.cfg.PreferFreeleech && a.Freeleech != b.Freeleech {
			return a.Freeleech
		}
		if c.cfg.PreferDoubleUp && a.DoubleUp != b.DoubleUp {
			return a.DoubleUp
		}
		return a.Seeders > b.Seeders
	})

	return eligible[0], true
}
