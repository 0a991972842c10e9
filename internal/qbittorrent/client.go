// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/domain"
)

const minHealthCheckInterval = 30 * time.Second

// Client wraps the qBittorrent Web API client with health tracking and
// the handful of typed operations the daemon needs.
type Client struct {
	*qbt.Client

	category string

	healthMu        sync.RWMutex
	isHealthy       bool
	lastHealthCheck time.Time
}

func NewClientWithTimeout(cfg domain.QBittorrentConfig, timeout time.Duration) (*Client, error) {
	qbtClient := qbt.NewClient(qbt.Config{
		Host:          cfg.Host,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := qbtClient.LoginCtx(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to connect to qBittorrent instance")
	}

	client := &Client{
		Client:          qbtClient,
		category:        cfg.Category,
		isHealthy:       true,
		lastHealthCheck: time.Now(),
	}

	log.Debug().
		Str("host", cfg.Host).
		Str("category", cfg.Category).
		Bool("tlsSkipVerify", cfg.TLSSkipVerify).
		Msg("qBittorrent client created successfully")

	return client, nil
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

// HealthCheck verifies the Web API still answers, throttled to
// minHealthCheckInterval while healthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.IsHealthy() && time.Now().Add(-minHealthCheckInterval).Before(c.GetLastHealthCheck()) {
		return nil
	}

	if _, err := c.Client.GetWebAPIVersionCtx(ctx); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "health check failed")
	}

	c.updateHealthStatus(true)
	return nil
}

// ListTorrents returns every torrent in the configured category, or all
// torrents when no category is configured.
func (c *Client) ListTorrents(ctx context.Context) ([]qbt.Torrent, error) {
	opts := qbt.TorrentFilterOptions{}
	if c.category != "" {
		opts.Category = c.category
	}

	torrents, err := c.Client.GetTorrentsCtx(ctx, opts)
	if err != nil {
		c.updateHealthStatus(false)
		return nil, errors.Wrap(err, "list torrents")
	}

	c.updateHealthStatus(true)
	return torrents, nil
}

// AddTorrentFromBytes adds a torrent blob with the configured category
// and an optional save path.
func (c *Client) AddTorrentFromBytes(ctx context.Context, name string, data []byte, savePath string) error {
	opts := map[string]string{}
	if c.category != "" {
		opts["category"] = c.category
	}
	if savePath != "" {
		opts["savepath"] = savePath
	}

	if err := c.Client.AddTorrentFromMemoryCtx(ctx, data, opts); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrapf(err, "add torrent %s", name)
	}

	c.updateHealthStatus(true)
	return nil
}

// DeleteTorrents removes torrents and optionally their content.
func (c *Client) DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error {
	if len(hashes) == 0 {
		return nil
	}

	if err := c.Client.DeleteTorrentsCtx(ctx, hashes, deleteFiles); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "delete torrents")
	}

	c.updateHealthStatus(true)
	return nil
}

// FreeSpace reports the free bytes on the default save path's disk as
// seen by qBittorrent, -1 when unknown.
func (c *Client) FreeSpace(ctx context.Context) (int64, error) {
	data, err := c.Client.SyncMainDataCtx(ctx, 0)
	if err != nil {
		c.updateHealthStatus(false)
		return -1, errors.Wrap(err, "fetch main data")
	}

	c.updateHealthStatus(true)
	if data == nil {
		return -1, nil
	}
	return data.ServerState.FreeSpaceOnDisk, nil
}
