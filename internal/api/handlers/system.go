// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/config"
	"github.com/autobrr/fetcharr/internal/domain"
	"github.com/autobrr/fetcharr/internal/models"
)

// Refresher triggers an immediate watchlist poll.
type Refresher interface {
	Refresh()
}

// TorrentHealth is the health surface of the qBittorrent client.
type TorrentHealth interface {
	HealthCheck(ctx context.Context) error
	IsHealthy() bool
	GetLastHealthCheck() time.Time
	FreeSpace(ctx context.Context) (int64, error)
}

// UpdateChecker reports the newest release seen by the background
// update check.
type UpdateChecker interface {
	GetLatestRelease() *selfupdate.Release
}

type SystemHandler struct {
	cfg       *config.AppConfig
	snapshot  *models.SnapshotStore
	watchlist Refresher
	torrents  TorrentHealth
	updates   UpdateChecker
}

func NewSystemHandler(cfg *config.AppConfig, snapshot *models.SnapshotStore, watchlist Refresher, torrents TorrentHealth, updates UpdateChecker) *SystemHandler {
	return &SystemHandler{
		cfg:       cfg,
		snapshot:  snapshot,
		watchlist: watchlist,
		torrents:  torrents,
		updates:   updates,
	}
}

func (h *SystemHandler) Routes(r chi.Router) {
	r.Route("/watchlist", func(r chi.Router) {
		r.Get("/", h.GetWatchlist)
		r.Post("/refresh", h.RefreshWatchlist)
	})

	r.Route("/config", func(r chi.Router) {
		r.Get("/", h.GetConfig)
		r.Put("/", h.UpdateConfig)
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/status", h.GetSystemStatus)
		r.Get("/updates/latest", h.GetLatestUpdate)
	})
}

type watchlistResponse struct {
	FetchedAt time.Time              `json:"fetched_at"`
	Entries   []models.SnapshotEntry `json:"entries"`
}

func (h *SystemHandler) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	entries := h.snapshot.Entries()
	if entries == nil {
		entries = []models.SnapshotEntry{}
	}

	RespondJSON(w, http.StatusOK, watchlistResponse{
		FetchedAt: h.snapshot.FetchedAt(),
		Entries:   entries,
	})
}

func (h *SystemHandler) RefreshWatchlist(w http.ResponseWriter, r *http.Request) {
	h.watchlist.Refresh()
	RespondJSON(w, http.StatusAccepted, map[string]string{"message": "Watchlist refresh queued"})
}

// runtimeSettings is the dashboard-visible subset of the configuration.
// Connection settings and secrets are deliberately left out.
type runtimeSettings struct {
	LogLevel            string `json:"logLevel"`
	PollIntervalSeconds int    `json:"pollInterval"`
	MaxRetries          int    `json:"maxRetries"`
	QuotaBytes          int64  `json:"quotaBytes"`
	DeleteAfterDays     int    `json:"deleteAfterDays"`
	CompletedMaxAgeDays int    `json:"completedMaxAgeDays"`
}

func (h *SystemHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Config

	RespondJSON(w, http.StatusOK, runtimeSettings{
		LogLevel:            cfg.LogLevel,
		PollIntervalSeconds: cfg.Watchlist.PollIntervalSeconds,
		MaxRetries:          cfg.Download.MaxRetries,
		QuotaBytes:          cfg.Download.QuotaBytes,
		DeleteAfterDays:     cfg.Retention.DeleteAfterDays,
		CompletedMaxAgeDays: cfg.Retention.CompletedMaxAgeDays,
	})
}

func (h *SystemHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch domain.RuntimeSettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if patch.PollIntervalSeconds != nil && *patch.PollIntervalSeconds <= 0 {
		RespondError(w, http.StatusBadRequest, "pollInterval must be positive")
		return
	}
	if patch.MaxRetries != nil && *patch.MaxRetries < 0 {
		RespondError(w, http.StatusBadRequest, "maxRetries must not be negative")
		return
	}
	if patch.QuotaBytes != nil && *patch.QuotaBytes < 0 {
		RespondError(w, http.StatusBadRequest, "quotaBytes must not be negative")
		return
	}

	if err := h.cfg.UpdateRuntimeSettings(patch); err != nil {
		log.Error().Err(err).Msg("failed to update settings")
		RespondError(w, http.StatusInternalServerError, "Failed to update settings")
		return
	}

	h.GetConfig(w, r)
}

type qbittorrentStatus struct {
	Healthy        bool      `json:"healthy"`
	LastCheck      time.Time `json:"lastCheck"`
	FreeSpaceBytes int64     `json:"freeSpaceBytes"`
}

type systemStatus struct {
	Version         string             `json:"version"`
	UpdateAvailable bool               `json:"updateAvailable"`
	QBittorrent     *qbittorrentStatus `json:"qbittorrent,omitempty"`
}

func (h *SystemHandler) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := systemStatus{Version: h.cfg.Config.Version}

	if h.updates != nil {
		status.UpdateAvailable = h.updates.GetLatestRelease() != nil
	}

	if h.torrents != nil {
		if err := h.torrents.HealthCheck(r.Context()); err != nil {
			log.Debug().Err(err).Msg("qBittorrent health check failed")
		}
		qbt := &qbittorrentStatus{
			Healthy:        h.torrents.IsHealthy(),
			LastCheck:      h.torrents.GetLastHealthCheck(),
			FreeSpaceBytes: -1,
		}
		if free, err := h.torrents.FreeSpace(r.Context()); err == nil {
			qbt.FreeSpaceBytes = free
		}
		status.QBittorrent = qbt
	}

	RespondJSON(w, http.StatusOK, status)
}

type latestUpdate struct {
	Version   string `json:"version"`
	AssetName string `json:"assetName"`
	AssetURL  string `json:"assetUrl"`
}

func (h *SystemHandler) GetLatestUpdate(w http.ResponseWriter, r *http.Request) {
	var release *selfupdate.Release
	if h.updates != nil {
		release = h.updates.GetLatestRelease()
	}
	if release == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	RespondJSON(w, http.StatusOK, latestUpdate{
		Version:   release.Name,
		AssetName: release.AssetName,
		AssetURL:  release.AssetURL,
	})
}
