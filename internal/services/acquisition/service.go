// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package acquisition drains the pending queue: quota admission,
// acquiring releases through the configured provider, and settling each
// item as completed or failed with exponential backoff.
package acquisition

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/matching"
	"github.com/autobrr/fetcharr/internal/metrics"
	"github.com/autobrr/fetcharr/internal/models"
)

// Provider acquires the content for one item.
type Provider interface {
	Acquire(ctx context.Context, item models.Item) error
}

// StorageInspector reports how much disk the download area uses and
// what already landed in it.
type StorageInspector interface {
	UsedBytes() (int64, error)
	Entries() ([]string, error)
}

// Config controls the worker cadence and quota admission.
type Config struct {
	CheckInterval     time.Duration
	DelayBetweenItems time.Duration
	QuotaBytes        int64
	MaxRetries        int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     time.Minute,
		DelayBetweenItems: 2 * time.Second,
		MaxRetries:        5,
	}
}

// Service is the acquisition worker.
type Service struct {
	cfg       Config
	queue     *models.QueueStore
	provider  Provider
	inspector StorageInspector
	metrics   *metrics.Metrics
}

// NewService constructs a Service.
func NewService(cfg Config, queue *models.QueueStore, provider Provider, inspector StorageInspector, m *metrics.Metrics) *Service {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	if cfg.DelayBetweenItems < 0 {
		cfg.DelayBetweenItems = 0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	return &Service{
		cfg:       cfg,
		queue:     queue,
		provider:  provider,
		inspector: inspector,
		metrics:   m,
	}
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

// runCycle drains the pending queue, promotes due retries and
// re-admits quota refusals when space opened up, then drains again.
func (s *Service) runCycle(ctx context.Context) {
	s.processPending(ctx)
	if ctx.Err() != nil {
		return
	}

	promoted := s.promoteRetries()
	promoted += s.readmitQuotaRefusals()
	if promoted > 0 {
		s.processPending(ctx)
	}

	if s.metrics != nil {
		stats := s.queue.Statistics()
		s.metrics.ObserveQueues(stats.Pending, stats.Failed, stats.Completed, stats.Removed)
	}
}

// processPending pops items until the queue is empty. Skipped items are
// held aside and requeued at the tail so they keep their place without
// ever being attempted.
func (s *Service) processPending(ctx context.Context) {
	var skipped []models.Item

	for {
		if ctx.Err() != nil {
			break
		}

		item, ok, err := s.queue.NextPending()
		if err != nil {
			log.Error().Err(err).Msg("Failed to pop pending item")
			break
		}
		if !ok {
			break
		}

		if item.Skipped {
			skipped = append(skipped, item)
			continue
		}

		s.processItem(ctx, item)

		if s.cfg.DelayBetweenItems > 0 && !sleepCtx(ctx, s.cfg.DelayBetweenItems) {
			break
		}
	}

	for _, item := range skipped {
		if err := s.queue.AddPending(item); err != nil {
			log.Error().Err(err).Str("id", item.ID).Msg("Failed to requeue skipped item")
		}
	}
}

func (s *Service) processItem(ctx context.Context, item models.Item) {
	// the popped item is settled even when shutdown cancels the loop;
	// the loop checks ctx between items
	ctx = context.WithoutCancel(ctx)

	forced := item.ForceDownload
	// the force flag is one-shot: consumed by this attempt no matter
	// how it ends
	item.ForceDownload = false

	if name, ok := s.alreadyDownloaded(item); ok {
		if err := s.queue.AddCompleted(item); err != nil {
			log.Error().Err(err).Str("id", item.ID).Msg("Failed to record completed item")
		}
		if s.metrics != nil {
			s.metrics.AcquisitionsTotal.WithLabelValues("already_present").Inc()
		}
		log.Info().Str("id", item.ID).Str("title", item.Title).Str("entry", name).Msg("Content already on disk, marking completed")
		return
	}

	if !forced && !s.admit(item) {
		if err := s.queue.AddFailed(item, "storage quota exceeded", models.FailedReasonQuota); err != nil {
			log.Error().Err(err).Str("id", item.ID).Msg("Failed to record quota refusal")
		}
		if s.metrics != nil {
			s.metrics.QuotaRefusalsTotal.Inc()
			s.metrics.AcquisitionsTotal.WithLabelValues("quota_refused").Inc()
		}
		log.Warn().Str("id", item.ID).Str("title", item.Title).Msg("Download refused, storage quota exceeded")
		return
	}

	err := s.provider.Acquire(ctx, item)
	if err == nil {
		if err := s.queue.AddCompleted(item); err != nil {
			log.Error().Err(err).Str("id", item.ID).Msg("Failed to record completed item")
		}
		if s.metrics != nil {
			s.metrics.AcquisitionsTotal.WithLabelValues("success").Inc()
		}
		log.Info().Str("id", item.ID).Str("title", item.Title).Msg("Download completed")
		return
	}

	if addErr := s.queue.AddFailed(item, err.Error(), models.FailedReasonGeneric); addErr != nil {
		log.Error().Err(addErr).Str("id", item.ID).Msg("Failed to record failed item")
	}
	if s.metrics != nil {
		s.metrics.AcquisitionsTotal.WithLabelValues("failure").Inc()
	}

	if failed, _, ok := s.queue.Get(item.ID); ok && failed.RetryCount >= s.cfg.MaxRetries {
		log.Error().Err(err).Str("id", item.ID).Str("title", item.Title).Int("retries", failed.RetryCount).Msg("Download failed, max retries reached")
	} else {
		log.Warn().Err(err).Str("id", item.ID).Str("title", item.Title).Msg("Download failed, will retry")
	}
}

// alreadyDownloaded reports whether the download directory already
// holds an entry matching the item. The check runs before quota
// admission: content on disk needs no space and no remote call.
func (s *Service) alreadyDownloaded(item models.Item) (string, bool) {
	if s.inspector == nil {
		return "", false
	}

	entries, err := s.inspector.Entries()
	if err != nil {
		log.Warn().Err(err).Msg("Download directory scan failed")
		return "", false
	}
	for _, name := range entries {
		if matching.Match(item.Title, item.Year, name, matching.ThresholdLenient) {
			return name, true
		}
	}
	return "", false
}

// admit applies the storage quota. An unreadable inspector admits the
// item; wedging every download on a measurement error is worse than
// briefly overshooting the quota.
func (s *Service) admit(item models.Item) bool {
	if s.cfg.QuotaBytes <= 0 || s.inspector == nil {
		return true
	}

	used, err := s.inspector.UsedBytes()
	if err != nil {
		log.Warn().Err(err).Msg("Disk usage check failed, admitting download")
		return true
	}
	if used >= s.cfg.QuotaBytes {
		log.Debug().Int64("used", used).Int64("quota", s.cfg.QuotaBytes).Str("id", item.ID).Msg("Quota reached")
		return false
	}
	return true
}

func (s *Service) promoteRetries() int {
	ready := s.queue.ReadyForRetry()
	promoted := 0
	for _, item := range ready {
		if err := s.queue.MoveFailedToPending(item.ID); err != nil {
			log.Error().Err(err).Str("id", item.ID).Msg("Failed to promote retry")
			continue
		}
		promoted++
		log.Info().Str("id", item.ID).Str("title", item.Title).Int("attempt", item.RetryCount+1).Msg("Retrying failed download")
	}
	return promoted
}

// readmitQuotaRefusals promotes quota-refused items once the quota
// admits again, e.g. after a cleanup or a raised limit.
func (s *Service) readmitQuotaRefusals() int {
	failed, err := s.queue.Items(models.QueueFailed)
	if err != nil {
		return 0
	}

	promoted := 0
	for _, item := range failed {
		if item.FailedReason != models.FailedReasonQuota || item.Skipped || item.ForceDownload {
			continue
		}
		if !s.admit(item) {
			continue
		}
		if err := s.queue.MoveFailedToPending(item.ID); err != nil {
			log.Error().Err(err).Str("id", item.ID).Msg("Failed to re-admit quota refusal")
			continue
		}
		promoted++
		log.Info().Str("id", item.ID).Str("title", item.Title).Msg("Storage quota admits again, download requeued")
	}
	return promoted
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
