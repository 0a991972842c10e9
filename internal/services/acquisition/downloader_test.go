// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package acquisition

import (
	"bytes"
	"context"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/fetcharr/internal/indexer"
	"github.com/autobrr/fetcharr/internal/models"
)

type fakeIndex struct {
	imdbResults []indexer.Result
	nameResults []indexer.Result
	blob        []byte
	searchCalls []string
	downloaded  []string
}

func (f *fakeIndex) SearchIMDb(_ context.Context, imdbID string) ([]indexer.Result, error) {
	f.searchCalls = append(f.searchCalls, "imdb:"+imdbID)
	return f.imdbResults, nil
}

func (f *fakeIndex) SearchName(_ context.Context, name string) ([]indexer.Result, error) {
	f.searchCalls = append(f.searchCalls, "name:"+name)
	return f.nameResults, nil
}

func (f *fakeIndex) SelectBest(results []indexer.Result) (indexer.Result, bool) {
	if len(results) == 0 {
		return indexer.Result{}, false
	}
	return results[0], true
}

func (f *fakeIndex) Download(_ context.Context, downloadURL string) ([]byte, error) {
	f.downloaded = append(f.downloaded, downloadURL)
	return f.blob, nil
}

type fakeTorrents struct {
	existing []qbt.Torrent
	listErr  error
	added    []string
	paths    []string
}

func (f *fakeTorrents) ListTorrents(_ context.Context) ([]qbt.Torrent, error) {
	return f.existing, f.listErr
}

func (f *fakeTorrents) AddTorrentFromBytes(_ context.Context, name string, _ []byte, savePath string) error {
	f.added = append(f.added, name)
	f.paths = append(f.paths, savePath)
	return nil
}

func buildTorrent(t *testing.T, name string) []byte {
	t.Helper()
	info := metainfo.Info{
		Name:        name,
		PieceLength: 16384,
		Pieces:      make([]byte, 20),
		Length:      1024,
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := metainfo.MetaInfo{InfoBytes: infoBytes, Announce: "http://tracker.invalid/announce"}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes()
}

func TestAcquireDownloadsAndAdds(t *testing.T) {
	blob := buildTorrent(t, "The.Matrix.1999.1080p.BluRay.x264-GROUP")
	index := &fakeIndex{
		imdbResults: []indexer.Result{{ID: 1, Name: "The.Matrix.1999.1080p.BluRay.x264-GROUP", Seeders: 10, DownloadURL: "/dl/1"}},
		blob:        blob,
	}
	torrents := &fakeTorrents{}
	d := NewDownloader(index, torrents, "/downloads/movies")

	item := models.Item{ID: "1", Title: "The Matrix", Year: 1999, ExternalRef: "tt0133093"}
	require.NoError(t, d.Acquire(context.Background(), item))

	require.Equal(t, []string{"imdb:tt0133093"}, index.searchCalls)
	require.Equal(t, []string{"/dl/1"}, index.downloaded)
	require.Equal(t, []string{"The.Matrix.1999.1080p.BluRay.x264-GROUP"}, torrents.added)
	require.Equal(t, []string{"/downloads/movies"}, torrents.paths)
}

func TestAcquireFallsBackToNameSearch(t *testing.T) {
	blob := buildTorrent(t, "Heat.1995.1080p.BluRay.x264")
	index := &fakeIndex{
		nameResults: []indexer.Result{{ID: 2, Name: "Heat.1995.1080p.BluRay.x264", Seeders: 4, DownloadURL: "/dl/2"}},
		blob:        blob,
	}
	torrents := &fakeTorrents{}
	d := NewDownloader(index, torrents, "")

	item := models.Item{ID: "2", Title: "Heat", Year: 1995, ExternalRef: "tt0113277"}
	require.NoError(t, d.Acquire(context.Background(), item))

	require.Equal(t, []string{"imdb:tt0113277", "name:Heat"}, index.searchCalls, "empty imdb results should fall back to name search")
	require.Len(t, torrents.added, 1)
}

func TestAcquireSkipsWhenTorrentAlreadyPresent(t *testing.T) {
	index := &fakeIndex{}
	torrents := &fakeTorrents{existing: []qbt.Torrent{
		{Name: "The.Matrix.1999.2160p.WEBRip.x265", Hash: "abc"},
	}}
	d := NewDownloader(index, torrents, "")

	item := models.Item{ID: "1", Title: "The Matrix", Year: 1999}
	require.NoError(t, d.Acquire(context.Background(), item), "present torrent counts as success")

	require.Empty(t, index.searchCalls, "no search when the torrent already exists")
	require.Empty(t, torrents.added)
}

func TestAcquireFailsWithoutResults(t *testing.T) {
	index := &fakeIndex{}
	d := NewDownloader(index, &fakeTorrents{}, "")

	item := models.Item{ID: "1", Title: "Obscure Film", Year: 1931}
	err := d.Acquire(context.Background(), item)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no suitable release found")
}

func TestAcquireFailsWhenListingUnavailable(t *testing.T) {
	d := NewDownloader(&fakeIndex{}, &fakeTorrents{listErr: errors.New("qbittorrent down")}, "")

	err := d.Acquire(context.Background(), models.Item{ID: "1", Title: "Heat"})
	require.Error(t, err, "an unreachable client must fail the attempt, not skip the dedup check")
}
