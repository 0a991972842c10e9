// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/fetcharr/internal/models"
)

type fakeCleaner struct {
	result CleanupResult
	calls  []string
}

func (f *fakeCleaner) Clean(_ context.Context, item models.Item) CleanupResult {
	f.calls = append(f.calls, item.ID)
	return f.result
}

func (f *fakeCleaner) Preview(_ context.Context, _ models.Item) (CleanupPreview, error) {
	return CleanupPreview{}, nil
}

type fakeTorrents struct {
	torrents []qbt.Torrent
	listErr  error
	deleted  [][]string
}

func (f *fakeTorrents) ListTorrents(_ context.Context) ([]qbt.Torrent, error) {
	return f.torrents, f.listErr
}

func (f *fakeTorrents) DeleteTorrents(_ context.Context, hashes []string, _ bool) error {
	f.deleted = append(f.deleted, hashes)
	return nil
}

func newQueue(t *testing.T) *models.QueueStore {
	t.Helper()
	store, err := models.NewQueueStore(t.TempDir(), models.DefaultRetryPolicy())
	require.NoError(t, err)
	return store
}

func TestRunCycleCleansItemsPastGracePeriod(t *testing.T) {
	queue := newQueue(t)
	cleaner := &fakeCleaner{}
	svc := NewService(Config{CheckInterval: time.Hour, DeleteAfter: time.Hour}, queue, cleaner, nil)

	require.NoError(t, queue.AddRemoved(models.Item{ID: "1", Title: "Heat"}))
	svc.runCycle(context.Background())
	require.Empty(t, cleaner.calls, "grace period has not elapsed")

	time.Sleep(10 * time.Millisecond)
	svc.cfg.DeleteAfter = time.Millisecond
	svc.runCycle(context.Background())

	require.Equal(t, []string{"1"}, cleaner.calls)

	removed, err := queue.Items(models.QueueRemoved)
	require.NoError(t, err)
	require.Empty(t, removed, "cleaned item must be evicted")
}

func TestRunCycleLeavesSkippedItemsAlone(t *testing.T) {
	queue := newQueue(t)
	cleaner := &fakeCleaner{}
	svc := NewService(Config{CheckInterval: time.Hour, DeleteAfter: time.Millisecond}, queue, cleaner, nil)

	require.NoError(t, queue.AddRemoved(models.Item{ID: "1", Title: "Heat", Skipped: true}))
	time.Sleep(10 * time.Millisecond)
	svc.runCycle(context.Background())

	require.Empty(t, cleaner.calls, "skipped items are pinned and never cleaned")

	removed, err := queue.Items(models.QueueRemoved)
	require.NoError(t, err)
	require.Len(t, removed, 1)
}

func TestCleanupItemEvictsEvenOnPartialFailure(t *testing.T) {
	queue := newQueue(t)
	cleaner := &fakeCleaner{result: CleanupResult{Errors: []string{"delete /x: permission denied"}}}
	svc := NewService(DefaultConfig(), queue, cleaner, nil)

	require.NoError(t, queue.AddRemoved(models.Item{ID: "1", Title: "Heat"}))
	items, err := queue.Items(models.QueueRemoved)
	require.NoError(t, err)

	result := svc.CleanupItem(context.Background(), items[0])
	require.Len(t, result.Errors, 1)

	removed, err := queue.Items(models.QueueRemoved)
	require.NoError(t, err)
	require.Empty(t, removed, "partial cleanup failure still evicts")
}

func TestRunCyclePrunesOldCompleted(t *testing.T) {
	queue := newQueue(t)
	svc := NewService(Config{CheckInterval: time.Hour, DeleteAfter: time.Hour, CompletedMaxAge: time.Millisecond}, queue, &fakeCleaner{}, nil)

	require.NoError(t, queue.AddCompleted(models.Item{ID: "1", Title: "Heat"}))
	time.Sleep(10 * time.Millisecond)
	svc.runCycle(context.Background())

	completed, err := queue.Items(models.QueueCompleted)
	require.NoError(t, err)
	require.Empty(t, completed)
}

func TestContentCleanerDeletesMatchingContent(t *testing.T) {
	dir := t.TempDir()
	matchDir := filepath.Join(dir, "The.Matrix.1999.1080p.BluRay.x264")
	otherDir := filepath.Join(dir, "Heat.1995.2160p.WEBRip")
	require.NoError(t, os.MkdirAll(matchDir, 0o755))
	require.NoError(t, os.MkdirAll(otherDir, 0o755))

	torrents := &fakeTorrents{torrents: []qbt.Torrent{
		{Name: "The.Matrix.1999.1080p.BluRay.x264", Hash: "aaa"},
		{Name: "Heat.1995.2160p.WEBRip", Hash: "bbb"},
	}}

	cleaner := NewContentCleaner(dir, torrents)
	result := cleaner.Clean(context.Background(), models.Item{ID: "1", Title: "The Matrix", Year: 1999})

	require.Equal(t, 1, result.FilesDeleted)
	require.Equal(t, 1, result.TorrentsDeleted)
	require.Empty(t, result.Errors)

	_, err := os.Stat(matchDir)
	require.True(t, os.IsNotExist(err), "matching directory must be deleted")
	_, err = os.Stat(otherDir)
	require.NoError(t, err, "non-matching directory must survive")

	require.Equal(t, [][]string{{"aaa"}}, torrents.deleted)
}

func TestContentCleanerCollectsErrors(t *testing.T) {
	cleaner := NewContentCleaner(t.TempDir(), &fakeTorrents{listErr: errors.New("qbittorrent down")})

	result := cleaner.Clean(context.Background(), models.Item{ID: "1", Title: "Heat", Year: 1995})
	require.Len(t, result.Errors, 1)
	require.Contains(t, result.Errors[0], "list torrents")
}

func TestContentCleanerPreviewDoesNotDelete(t *testing.T) {
	dir := t.TempDir()
	matchDir := filepath.Join(dir, "Heat (1995)")
	require.NoError(t, os.MkdirAll(matchDir, 0o755))

	torrents := &fakeTorrents{torrents: []qbt.Torrent{{Name: "Heat.1995.1080p.BluRay", Hash: "ccc"}}}
	cleaner := NewContentCleaner(dir, torrents)

	preview, err := cleaner.Preview(context.Background(), models.Item{ID: "1", Title: "Heat", Year: 1995})
	require.NoError(t, err)
	require.Equal(t, []string{matchDir}, preview.Directories)
	require.Equal(t, []string{"Heat.1995.1080p.BluRay"}, preview.Torrents)

	_, statErr := os.Stat(matchDir)
	require.NoError(t, statErr, "preview must not delete anything")
	require.Empty(t, torrents.deleted)
}
