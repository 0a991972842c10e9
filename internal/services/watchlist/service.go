// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package watchlist mirrors the remote watchlist into the pending
// queue and flags vanished items for retention cleanup.
package watchlist

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/metrics"
	"github.com/autobrr/fetcharr/internal/models"
)

// Source provides the current remote watchlist.
type Source interface {
	FetchCurrent(ctx context.Context) ([]models.SnapshotEntry, error)
}

// Config controls the poll cadence.
type Config struct {
	PollInterval time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 10 * time.Minute}
}

// Service polls the watchlist source and reconciles the queues against
// it.
type Service struct {
	cfg      Config
	source   Source
	queue    *models.QueueStore
	snapshot *models.SnapshotStore
	metrics  *metrics.Metrics
	trigger  chan struct{}
}

// NewService constructs a Service.
func NewService(cfg Config, source Source, queue *models.QueueStore, snapshot *models.SnapshotStore, m *metrics.Metrics) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Service{
		cfg:      cfg,
		source:   source,
		queue:    queue,
		snapshot: snapshot,
		metrics:  m,
		trigger:  make(chan struct{}, 1),
	}
}

// Run executes the polling loop until ctx is cancelled. The first pass
// runs immediately.
func (s *Service) Run(ctx context.Context) {
	s.runCycle(ctx)
	s.loop(ctx)
}

// Refresh requests an out-of-band poll, used by the dashboard. The
// request coalesces with any already queued trigger.
func (s *Service) Refresh() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		case <-s.trigger:
			s.runCycle(ctx)
		}
	}
}

// runCycle fetches the watchlist, enqueues new items and flags vanished
// ones. A fetch error keeps the previous snapshot untouched so an
// outage never looks like a mass removal.
func (s *Service) runCycle(ctx context.Context) {
	entries, err := s.source.FetchCurrent(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.WatchlistFetchesTotal.WithLabelValues("error").Inc()
		}
		log.Error().Err(err).Msg("Watchlist fetch failed, keeping previous snapshot")
		return
	}
	if s.metrics != nil {
		s.metrics.WatchlistFetchesTotal.WithLabelValues("success").Inc()
	}

	previous := s.snapshot.Entries()

	currentKeys := make(map[string]struct{}, len(entries))
	added := 0
	for _, e := range entries {
		id := entryKey(e)
		currentKeys[id] = struct{}{}

		item := models.Item{
			ID:          id,
			Title:       e.Title,
			Year:        e.Year,
			Director:    e.Director,
			ExternalRef: e.ExternalRef,
		}
		switch err := s.queue.AddPending(item); {
		case err == nil:
			added++
			log.Info().Str("id", id).Str("title", e.Title).Int("year", e.Year).Msg("New watchlist item queued")
		case errors.Is(err, models.ErrDuplicateItem):
			if s.restoreIfRemoved(id, e.Title) {
				added++
			}
		default:
			log.Error().Err(err).Str("id", id).Msg("Failed to queue watchlist item")
		}
	}

	var vanishedIDs, vanishedTitles []string
	for _, e := range previous {
		if _, ok := currentKeys[entryKey(e)]; ok {
			continue
		}
		if e.ID != "" {
			vanishedIDs = append(vanishedIDs, e.ID)
		} else {
			vanishedTitles = append(vanishedTitles, e.Title)
		}
	}
	vanished := len(vanishedIDs) + len(vanishedTitles)
	if len(vanishedIDs) > 0 {
		moved, err := s.queue.MarkRemovedByIDs(vanishedIDs)
		if err != nil {
			log.Error().Err(err).Int("count", len(vanishedIDs)).Msg("Failed to flag removed watchlist items")
		}
		logRemoved(moved)
	}
	for _, title := range vanishedTitles {
		moved, err := s.queue.MarkRemovedByTitle(title)
		if err != nil {
			log.Error().Err(err).Str("title", title).Msg("Failed to flag removed watchlist item")
		}
		logRemoved(moved)
	}

	if err := s.snapshot.Replace(entries); err != nil {
		log.Error().Err(err).Msg("Failed to persist watchlist snapshot")
	}

	if s.metrics != nil {
		stats := s.queue.Statistics()
		s.metrics.ObserveQueues(stats.Pending, stats.Failed, stats.Completed, stats.Removed)
	}

	log.Debug().
		Int("watchlist", len(entries)).
		Int("added", added).
		Int("vanished", vanished).
		Msg("Watchlist cycle finished")
}

// entryKey is the dedup key for a watchlist entry. Sources without
// stable ids are keyed by title.
func entryKey(e models.SnapshotEntry) string {
	if e.ID != "" {
		return e.ID
	}
	return e.Title
}

// restoreIfRemoved sends a re-added item that still sits in the
// removed queue back to pending before retention can delete its
// content.
func (s *Service) restoreIfRemoved(id, title string) bool {
	_, queueName, ok := s.queue.Get(id)
	if !ok || queueName != models.QueueRemoved {
		return false
	}
	if err := s.queue.Restore(id); err != nil {
		log.Error().Err(err).Str("id", id).Msg("Failed to restore re-added watchlist item")
		return false
	}
	log.Info().Str("id", id).Str("title", title).Msg("Watchlist item re-added, restored to pending")
	return true
}

func logRemoved(moved []models.Item) {
	for _, it := range moved {
		log.Info().Str("id", it.ID).Str("title", it.Title).Msg("Watchlist item removed, scheduled for cleanup")
	}
}
