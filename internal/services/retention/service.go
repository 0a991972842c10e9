// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package retention cleans up after items that left the watchlist:
// after a grace period their files and torrents are deleted and the
// item is evicted from the removed queue.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/metrics"
	"github.com/autobrr/fetcharr/internal/models"
)

// CleanupResult reports what a cleanup pass actually did.
type CleanupResult struct {
	FilesDeleted    int      `json:"files_deleted"`
	TorrentsDeleted int      `json:"torrents_deleted"`
	Errors          []string `json:"errors,omitempty"`
}

// CleanupPreview lists what a cleanup would delete, for dry runs.
type CleanupPreview struct {
	Directories []string `json:"directories"`
	Torrents    []string `json:"torrents"`
}

// Cleaner removes an item's files and torrents.
type Cleaner interface {
	Clean(ctx context.Context, item models.Item) CleanupResult
	Preview(ctx context.Context, item models.Item) (CleanupPreview, error)
}

// Config controls the retention cadence and grace periods.
type Config struct {
	CheckInterval   time.Duration
	DeleteAfter     time.Duration
	CompletedMaxAge time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   time.Hour,
		DeleteAfter:     7 * 24 * time.Hour,
		CompletedMaxAge: 30 * 24 * time.Hour,
	}
}

// Service is the retention worker.
type Service struct {
	cfg     Config
	queue   *models.QueueStore
	cleaner Cleaner
	metrics *metrics.Metrics
}

// NewService constructs a Service.
func NewService(cfg Config, queue *models.QueueStore, cleaner Cleaner, m *metrics.Metrics) *Service {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.DeleteAfter <= 0 {
		cfg.DeleteAfter = DefaultConfig().DeleteAfter
	}
	return &Service{cfg: cfg, queue: queue, cleaner: cleaner, metrics: m}
}

// Run executes the worker loop until ctx is cancelled. The first pass
// runs immediately.
func (s *Service) Run(ctx context.Context) {
	s.runCycle(ctx)
	s.loop(ctx)
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Service) runCycle(ctx context.Context) {
	due := s.queue.ReadyForDeletion(s.cfg.DeleteAfter)
	for _, item := range due {
		if ctx.Err() != nil {
			return
		}
		// a skipped item is pinned: it stays in removed untouched
		if item.Skipped {
			continue
		}
		s.CleanupItem(ctx, item)
	}

	if s.cfg.CompletedMaxAge > 0 {
		dropped, err := s.queue.CleanupOldCompleted(s.cfg.CompletedMaxAge)
		if err != nil {
			log.Error().Err(err).Msg("Failed to prune old completed items")
		} else if dropped > 0 {
			log.Info().Int("count", dropped).Msg("Pruned old completed items")
		}
	}
}

// CleanupItem deletes the item's content and evicts it from the
// removed queue. Cleanup is best effort: partial failures are logged
// but the item is evicted anyway so it never wedges the queue.
func (s *Service) CleanupItem(ctx context.Context, item models.Item) CleanupResult {
	result := s.cleaner.Clean(ctx, item)
	for _, msg := range result.Errors {
		log.Warn().Str("id", item.ID).Str("title", item.Title).Str("error", msg).Msg("Cleanup step failed")
	}

	if err := s.queue.MarkRemoved(item.ID); err != nil {
		log.Error().Err(err).Str("id", item.ID).Msg("Failed to evict cleaned item")
	} else if s.metrics != nil {
		s.metrics.RetentionDeletions.Inc()
	}

	log.Info().
		Str("id", item.ID).
		Str("title", item.Title).
		Int("filesDeleted", result.FilesDeleted).
		Int("torrentsDeleted", result.TorrentsDeleted).
		Int("errors", len(result.Errors)).
		Msg("Removed item cleaned up")
	return result
}

// Preview reports what cleaning the item would delete.
func (s *Service) Preview(ctx context.Context, item models.Item) (CleanupPreview, error) {
	return s.cleaner.Preview(ctx, item)
}
