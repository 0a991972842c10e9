// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUsedBytesSumsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Movie (1999)"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Movie (1999)", "movie.mkv"), make([]byte, 1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.nfo"), make([]byte, 512), 0o644))

	used, err := NewInspector(dir).UsedBytes()
	require.NoError(t, err)
	require.Equal(t, int64(1536), used)
}

func TestUsedBytesMissingRootIsZero(t *testing.T) {
	used, err := NewInspector(filepath.Join(t.TempDir(), "missing")).UsedBytes()
	require.NoError(t, err, "missing download dir should not be an error")
	require.Zero(t, used)
}

func TestEntriesListsTopLevelNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Movie (1999)"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Movie (1999)", "movie.mkv"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sample.nfo"), nil, 0o644))

	entries, err := NewInspector(dir).Entries()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"Movie (1999)", "sample.nfo"}, entries, "only top-level names are listed")
}

func TestEntriesMissingRootIsEmpty(t *testing.T) {
	entries, err := NewInspector(filepath.Join(t.TempDir(), "missing")).Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}
