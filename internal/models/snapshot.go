// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const snapshotFile = "watchlist_snapshot.json"

// SnapshotEntry is one watchlist item as last seen at the source.
type SnapshotEntry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Year        int    `json:"year,omitempty"`
	Director    string `json:"director,omitempty"`
	ExternalRef string `json:"external_ref,omitempty"`
}

type snapshotPayload struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Entries   []SnapshotEntry `json:"entries"`
}

// SnapshotStore persists the last successfully fetched watchlist so
// new and vanished items can be diffed across restarts.
type SnapshotStore struct {
	mu      sync.Mutex
	path    string
	payload snapshotPayload
	loaded  bool
}

func NewSnapshotStore(dataDir string) *SnapshotStore {
	return &SnapshotStore{path: filepath.Join(dataDir, snapshotFile)}
}

// Entries returns the snapshot contents, loading from disk on first
// use. A missing or corrupt file yields an empty snapshot.
func (s *SnapshotStore) Entries() []SnapshotEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadLocked()
	out := make([]SnapshotEntry, len(s.payload.Entries))
	copy(out, s.payload.Entries)
	return out
}

// FetchedAt returns when the snapshot was last written, zero if never.
func (s *SnapshotStore) FetchedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadLocked()
	return s.payload.FetchedAt
}

// Replace persists a freshly fetched watchlist atomically.
func (s *SnapshotStore) Replace(entries []SnapshotEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.payload = snapshotPayload{FetchedAt: time.Now(), Entries: entries}
	s.loaded = true

	data, err := json.MarshalIndent(s.payload, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal watchlist snapshot")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write watchlist snapshot")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "replace watchlist snapshot")
	}
	return nil
}

func (s *SnapshotStore) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", s.path).Msg("Failed to read watchlist snapshot")
		}
		return
	}
	if err := json.Unmarshal(data, &s.payload); err != nil {
		log.Error().Err(err).Str("file", s.path).Msg("Watchlist snapshot is corrupt, starting empty")
		s.payload = snapshotPayload{}
	}
}
