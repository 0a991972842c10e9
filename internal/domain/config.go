// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the root application configuration, bound from TOML and
// FETCHARR__ environment variables.
type Config struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	BaseURL         string `mapstructure:"baseUrl"`
	LogLevel        string `mapstructure:"logLevel"`
	LogPath         string `mapstructure:"logPath"`
	LogMaxSize      int    `mapstructure:"logMaxSize"`
	LogMaxBackups   int    `mapstructure:"logMaxBackups"`
	CheckForUpdates bool   `mapstructure:"checkForUpdates"`
	DataDir         string `mapstructure:"dataDir"`
	Version         string `mapstructure:"-"`

	Watchlist   WatchlistConfig   `mapstructure:"watchlist"`
	Download    DownloadConfig    `mapstructure:"download"`
	Indexer     IndexerConfig     `mapstructure:"indexer"`
	QBittorrent QBittorrentConfig `mapstructure:"qbittorrent"`
	Retention   RetentionConfig   `mapstructure:"retention"`
}

// WatchlistConfig controls the watchlist polling worker.
type WatchlistConfig struct {
	URL                 string `mapstructure:"url"`
	Token               string `mapstructure:"token"`
	PollIntervalSeconds int    `mapstructure:"pollInterval"`
	PageSize            int    `mapstructure:"pageSize"`
}

// DownloadConfig controls the acquisition worker and its retry policy.
type DownloadConfig struct {
	MaxRetries               int     `mapstructure:"maxRetries"`
	RetryBaseIntervalSeconds int     `mapstructure:"retryBaseInterval"`
	RetryMultiplier          float64 `mapstructure:"retryMultiplier"`
	QuotaBytes               int64   `mapstructure:"quotaBytes"`
	DownloadDir              string  `mapstructure:"downloadDir"`
	DelayBetweenItemsSeconds int     `mapstructure:"delayBetweenItems"`
	CheckIntervalSeconds     int     `mapstructure:"checkInterval"`
}

// IndexerConfig configures the torrent index client.
type IndexerConfig struct {
	URL             string `mapstructure:"url"`
	APIKey          string `mapstructure:"apiKey"`
	Categories      []int  `mapstructure:"categories"`
	MinSeeders      int    `mapstructure:"minSeeders"`
	PreferFreeleech bool   `mapstructure:"preferFreeleech"`
	PreferDoubleUp  bool   `mapstructure:"preferDoubleUp"`
	TimeoutSeconds  int    `mapstructure:"timeout"`
}

// QBittorrentConfig configures the qBittorrent connection.
type QBittorrentConfig struct {
	Host          string `mapstructure:"host"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	Category      string `mapstructure:"category"`
	TLSSkipVerify bool   `mapstructure:"tlsSkipVerify"`
}

// RuntimeSettingsPatch carries the settings that can be changed through the
// dashboard while the daemon is running. Nil fields are left untouched.
type RuntimeSettingsPatch struct {
	LogLevel            *string `json:"logLevel,omitempty"`
	PollIntervalSeconds *int    `json:"pollInterval,omitempty"`
	MaxRetries          *int    `json:"maxRetries,omitempty"`
	QuotaBytes          *int64  `json:"quotaBytes,omitempty"`
	DeleteAfterDays     *int    `json:"deleteAfterDays,omitempty"`
	CompletedMaxAgeDays *int    `json:"completedMaxAgeDays,omitempty"`
}

// RetentionConfig controls the retention worker. Cleanup deletes user
// content, so it stays off until the operator opts in.
type RetentionConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	DeleteAfterDays      int  `mapstructure:"deleteAfterDays"`
	CompletedMaxAgeDays  int  `mapstructure:"completedMaxAgeDays"`
	CheckIntervalSeconds int  `mapstructure:"checkInterval"`
}
