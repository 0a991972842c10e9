// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package update checks GitHub for newer releases and can replace the
// running binary in place.
package update

import (
	"context"
	"sync"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/rs/zerolog"
)

const repository = "autobrr/fetcharr"

// Service periodically checks for a newer release. The dashboard reads
// the cached result; no download happens here.
type Service struct {
	logger  zerolog.Logger
	version string

	mu            sync.RWMutex
	enabled       bool
	latestRelease *selfupdate.Release
}

func NewService(logger zerolog.Logger, enabled bool, version string) *Service {
	return &Service{
		logger:  logger.With().Str("module", "update").Logger(),
		enabled: enabled,
		version: version,
	}
}

// SetEnabled toggles the periodic check, used on config reload.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

func (s *Service) isEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Start launches the periodic release check.
func (s *Service) Start(ctx context.Context) {
	go func() {
		s.checkUpdates(ctx)

		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.checkUpdates(ctx)
			}
		}
	}()
}

// GetLatestRelease returns the most recent release seen by the
// background check, or nil when up to date or the check is disabled.
func (s *Service) GetLatestRelease() *selfupdate.Release {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestRelease
}

func (s *Service) checkUpdates(ctx context.Context) {
	if !s.isEnabled() {
		return
	}

	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(repository))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to check for updates")
		return
	}
	if !found || latest.LessOrEqual(s.version) {
		s.mu.Lock()
		s.latestRelease = nil
		s.mu.Unlock()
		return
	}

	s.logger.Info().
		Str("current", s.version).
		Str("latest", latest.Version()).
		Msg("New release available")

	s.mu.Lock()
	s.latestRelease = latest
	s.mu.Unlock()
}
