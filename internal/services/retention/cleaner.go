// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/matching"
	"github.com/autobrr/fetcharr/internal/models"
)

// TorrentClient is the slice of the qBittorrent wrapper the cleaner
// needs.
type TorrentClient interface {
	ListTorrents(ctx context.Context) ([]qbt.Torrent, error)
	DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error
}

// ContentCleaner deletes an item's download directory entries and
// torrents. Matching is strict: deleting the wrong content is worse
// than leaving a stray directory behind.
type ContentCleaner struct {
	downloadDir string
	torrents    TorrentClient
}

func NewContentCleaner(downloadDir string, torrents TorrentClient) *ContentCleaner {
	return &ContentCleaner{downloadDir: downloadDir, torrents: torrents}
}

// Clean removes matching directories and torrents. It never returns an
// error; every failure is collected so the caller can evict the item
// regardless.
func (c *ContentCleaner) Clean(ctx context.Context, item models.Item) CleanupResult {
	var result CleanupResult

	for _, path := range c.matchingPaths(item) {
		if err := os.RemoveAll(path); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", path, err))
			continue
		}
		result.FilesDeleted++
		log.Debug().Str("path", path).Str("id", item.ID).Msg("Deleted content")
	}

	hashes, names, err := c.matchingTorrents(ctx, item)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list torrents: %v", err))
		return result
	}
	if len(hashes) > 0 {
		if err := c.torrents.DeleteTorrents(ctx, hashes, true); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete torrents: %v", err))
		} else {
			result.TorrentsDeleted = len(hashes)
			log.Debug().Strs("torrents", names).Str("id", item.ID).Msg("Deleted torrents")
		}
	}

	return result
}

// Preview lists what Clean would delete without touching anything.
func (c *ContentCleaner) Preview(ctx context.Context, item models.Item) (CleanupPreview, error) {
	preview := CleanupPreview{
		Directories: []string{},
		Torrents:    []string{},
	}
	preview.Directories = append(preview.Directories, c.matchingPaths(item)...)

	_, names, err := c.matchingTorrents(ctx, item)
	if err != nil {
		return preview, err
	}
	preview.Torrents = append(preview.Torrents, names...)
	return preview, nil
}

func (c *ContentCleaner) matchingPaths(item models.Item) []string {
	if c.downloadDir == "" {
		return nil
	}

	entries, err := os.ReadDir(c.downloadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", c.downloadDir).Msg("Failed to read download directory")
		}
		return nil
	}

	var paths []string
	for _, entry := range entries {
		if matching.Match(item.Title, item.Year, entry.Name(), matching.ThresholdStrict) {
			paths = append(paths, filepath.Join(c.downloadDir, entry.Name()))
		}
	}
	return paths
}

func (c *ContentCleaner) matchingTorrents(ctx context.Context, item models.Item) ([]string, []string, error) {
	if c.torrents == nil {
		return nil, nil, nil
	}

	torrents, err := c.torrents.ListTorrents(ctx)
	if err != nil {
		return nil, nil, err
	}

	var hashes, names []string
	for _, t := range torrents {
		if matching.Match(item.Title, item.Year, t.Name, matching.ThresholdStrict) {
			hashes = append(hashes, t.Hash)
			names = append(names, t.Name)
		}
	}
	return hashes, names, nil
}
