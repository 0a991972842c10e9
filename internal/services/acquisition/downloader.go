// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package acquisition

import (
	"bytes"
	"context"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/indexer"
	"github.com/autobrr/fetcharr/internal/matching"
	"github.com/autobrr/fetcharr/internal/models"
)

// IndexClient searches the torrent index and fetches torrent blobs.
type IndexClient interface {
	SearchIMDb(ctx context.Context, imdbID string) ([]indexer.Result, error)
	SearchName(ctx context.Context, name string) ([]indexer.Result, error)
	SelectBest(results []indexer.Result) (indexer.Result, bool)
	Download(ctx context.Context, downloadURL string) ([]byte, error)
}

// TorrentClient is the slice of the qBittorrent wrapper the downloader
// needs.
type TorrentClient interface {
	ListTorrents(ctx context.Context) ([]qbt.Torrent, error)
	AddTorrentFromBytes(ctx context.Context, name string, data []byte, savePath string) error
}

// Downloader implements Provider: it finds the best release on the
// index, skips items whose torrent is already present, and hands the
// blob to qBittorrent.
type Downloader struct {
	index       IndexClient
	torrents    TorrentClient
	downloadDir string
}

func NewDownloader(index IndexClient, torrents TorrentClient, downloadDir string) *Downloader {
	return &Downloader{
		index:       index,
		torrents:    torrents,
		downloadDir: downloadDir,
	}
}

// Acquire fetches the item's release and adds it to qBittorrent. An
// already-present torrent counts as success.
func (d *Downloader) Acquire(ctx context.Context, item models.Item) error {
	existing, err := d.torrents.ListTorrents(ctx)
	if err != nil {
		return errors.Wrap(err, "list existing torrents")
	}
	if name, ok := d.findExisting(existing, item, ""); ok {
		log.Info().Str("id", item.ID).Str("title", item.Title).Str("torrent", name).Msg("Torrent already present, skipping download")
		return nil
	}

	results, err := d.searchRelease(ctx, item)
	if err != nil {
		return err
	}

	best, ok := d.index.SelectBest(results)
	if !ok {
		return errors.Errorf("no suitable release found for %q (%d)", item.Title, item.Year)
	}

	data, err := d.index.Download(ctx, best.DownloadURL)
	if err != nil {
		return errors.Wrapf(err, "download release %q", best.Name)
	}

	name, hash, err := parseTorrent(data)
	if err != nil {
		return errors.Wrapf(err, "parse torrent for release %q", best.Name)
	}

	if existingName, ok := d.findExisting(existing, item, hash); ok {
		log.Info().Str("id", item.ID).Str("hash", hash).Str("torrent", existingName).Msg("Torrent already present by hash, skipping add")
		return nil
	}

	if err := d.torrents.AddTorrentFromBytes(ctx, name, data, d.downloadDir); err != nil {
		return errors.Wrapf(err, "add torrent %q", name)
	}

	log.Info().
		Str("id", item.ID).
		Str("title", item.Title).
		Str("release", best.Name).
		Str("hash", hash).
		Int("seeders", best.Seeders).
		Msg("Torrent added")
	return nil
}

func (d *Downloader) searchRelease(ctx context.Context, item models.Item) ([]indexer.Result, error) {
	if item.ExternalRef != "" {
		results, err := d.index.SearchIMDb(ctx, item.ExternalRef)
		if err != nil {
			log.Warn().Err(err).Str("id", item.ID).Str("imdb", item.ExternalRef).Msg("IMDb search failed, falling back to name search")
		} else if len(results) > 0 {
			return results, nil
		}
	}

	results, err := d.index.SearchName(ctx, item.Title)
	if err != nil {
		return nil, errors.Wrapf(err, "search release for %q", item.Title)
	}
	return results, nil
}

// findExisting looks for a torrent that already covers the item, by
// info-hash when known and by lenient title match otherwise.
func (d *Downloader) findExisting(torrents []qbt.Torrent, item models.Item, hash string) (string, bool) {
	for _, t := range torrents {
		if hash != "" && strings.EqualFold(t.Hash, hash) {
			return t.Name, true
		}
		if matching.Match(item.Title, item.Year, t.Name, matching.ThresholdLenient) {
			return t.Name, true
		}
	}
	return "", false
}

func parseTorrent(data []byte) (name, hash string, err error) {
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return "", "", errors.Wrap(err, "load metainfo")
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return "", "", errors.Wrap(err, "unmarshal info dict")
	}
	return info.Name, mi.HashInfoBytes().HexString(), nil
}
