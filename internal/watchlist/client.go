// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package watchlist fetches the remote watchlist the daemon mirrors.
package watchlist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/buildinfo"
	"github.com/autobrr/fetcharr/internal/domain"
	"github.com/autobrr/fetcharr/internal/models"
)

// Entry is one watchlist item as returned by the source API.
type Entry struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Year     int    `json:"year,omitempty"`
	Director string `json:"director,omitempty"`
	IMDbID   string `json:"imdb_id,omitempty"`
}

type page struct {
	Items []Entry `json:"items"`
	Total int     `json:"total"`
}

// Client pulls the full watchlist from the source API, page by page.
type Client struct {
	cfg        domain.WatchlistConfig
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg domain.WatchlistConfig) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchCurrent returns the complete current watchlist. Any page failure
// fails the whole fetch; callers must keep their previous snapshot in
// that case rather than treating the partial result as a mass removal.
func (c *Client) FetchCurrent(ctx context.Context) ([]models.SnapshotEntry, error) {
	if c.baseURL == "" {
		return nil, errors.New("watchlist url is not configured")
	}

	var all []models.SnapshotEntry
	offset := 0
	for {
		p, err := c.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}

		for _, e := range p.Items {
			if e.ID == "" {
				log.Warn().Str("title", e.Title).Msg("Watchlist entry without id, skipping")
				continue
			}
			all = append(all, models.SnapshotEntry{
				ID:          e.ID,
				Title:       e.Title,
				Year:        e.Year,
				Director:    e.Director,
				ExternalRef: e.IMDbID,
			})
		}

		offset += len(p.Items)
		if len(p.Items) == 0 || offset >= p.Total {
			break
		}
	}

	log.Debug().Int("items", len(all)).Msg("Fetched watchlist")
	return all, nil
}

func (c *Client) fetchPage(ctx context.Context, offset int) (*page, error) {
	params := url.Values{}
	params.Set("offset", strconv.Itoa(offset))
	params.Set("limit", strconv.Itoa(c.cfg.PageSize))

	var result page
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
			if err != nil {
				return retry.Unrecoverable(errors.Wrap(err, "build watchlist request"))
			}
			req.URL.RawQuery = params.Encode()
			req.Header.Set("Accept", "application/json")
			req.Header.Set("User-Agent", buildinfo.UserAgent)
			if c.cfg.Token != "" {
				req.Header.Set("X-Api-Token", c.cfg.Token)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return errors.Wrap(err, "watchlist request failed")
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(errors.Errorf("watchlist rejected with status %d, check token", resp.StatusCode))
			case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
				return errors.Errorf("watchlist returned status %d", resp.StatusCode)
			}

			result = page{}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return errors.Wrap(err, "decode watchlist response")
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return &result, nil
}
