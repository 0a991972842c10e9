// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/fetcharr/internal/domain"
)

var envPrefix = "FETCHARR__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 7575)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)
	c.viper.SetDefault("checkForUpdates", true)

	c.viper.SetDefault("watchlist.url", "")
	c.viper.SetDefault("watchlist.token", "")
	c.viper.SetDefault("watchlist.pollInterval", 600)
	c.viper.SetDefault("watchlist.pageSize", 100)

	c.viper.SetDefault("download.maxRetries", 5)
	c.viper.SetDefault("download.retryBaseInterval", 3600)
	c.viper.SetDefault("download.retryMultiplier", 2.0)
	c.viper.SetDefault("download.quotaBytes", 0)
	c.viper.SetDefault("download.downloadDir", "")
	c.viper.SetDefault("download.delayBetweenItems", 5)
	c.viper.SetDefault("download.checkInterval", 60)

	c.viper.SetDefault("indexer.url", "")
	c.viper.SetDefault("indexer.apiKey", "")
	c.viper.SetDefault("indexer.categories", []int{})
	c.viper.SetDefault("indexer.minSeeders", 0)
	c.viper.SetDefault("indexer.preferFreeleech", true)
	c.viper.SetDefault("indexer.preferDoubleUp", false)
	c.viper.SetDefault("indexer.timeout", 30)

	c.viper.SetDefault("qbittorrent.host", "http://localhost:8080")
	c.viper.SetDefault("qbittorrent.username", "")
	c.viper.SetDefault("qbittorrent.password", "")
	c.viper.SetDefault("qbittorrent.category", "fetcharr")
	c.viper.SetDefault("qbittorrent.tlsSkipVerify", false)

	// Cleanup removes content from disk, so it is strictly opt-in.
	c.viper.SetDefault("retention.enabled", false)
	c.viper.SetDefault("retention.deleteAfterDays", 7)
	c.viper.SetDefault("retention.completedMaxAgeDays", 30)
	c.viper.SetDefault("retention.checkInterval", 3600)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// SetConfigFile bypasses the search path, so a missing file can
			// surface as a plain *PathError rather than ConfigFileNotFoundError.
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				c.dataDir = filepath.Dir(defaultConfigPath)
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts with K8s
	// Instead, explicitly bind only the environment variables we want

	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("checkForUpdates", envPrefix+"CHECK_FOR_UPDATES")

	c.viper.BindEnv("watchlist.url", envPrefix+"WATCHLIST_URL")
	c.bindOrReadFromFile("watchlist.token", envPrefix+"WATCHLIST_TOKEN")
	c.viper.BindEnv("watchlist.pollInterval", envPrefix+"WATCHLIST_POLL_INTERVAL")
	c.viper.BindEnv("watchlist.pageSize", envPrefix+"WATCHLIST_PAGE_SIZE")

	c.viper.BindEnv("download.maxRetries", envPrefix+"DOWNLOAD_MAX_RETRIES")
	c.viper.BindEnv("download.retryBaseInterval", envPrefix+"DOWNLOAD_RETRY_BASE_INTERVAL")
	c.viper.BindEnv("download.retryMultiplier", envPrefix+"DOWNLOAD_RETRY_MULTIPLIER")
	c.viper.BindEnv("download.quotaBytes", envPrefix+"DOWNLOAD_QUOTA_BYTES")
	c.viper.BindEnv("download.downloadDir", envPrefix+"DOWNLOAD_DIR")
	c.viper.BindEnv("download.delayBetweenItems", envPrefix+"DOWNLOAD_DELAY_BETWEEN_ITEMS")
	c.viper.BindEnv("download.checkInterval", envPrefix+"DOWNLOAD_CHECK_INTERVAL")

	c.viper.BindEnv("indexer.url", envPrefix+"INDEXER_URL")
	c.bindOrReadFromFile("indexer.apiKey", envPrefix+"INDEXER_API_KEY")
	c.viper.BindEnv("indexer.minSeeders", envPrefix+"INDEXER_MIN_SEEDERS")
	c.viper.BindEnv("indexer.timeout", envPrefix+"INDEXER_TIMEOUT")

	c.viper.BindEnv("qbittorrent.host", envPrefix+"QBITTORRENT_HOST")
	c.viper.BindEnv("qbittorrent.username", envPrefix+"QBITTORRENT_USERNAME")
	c.bindOrReadFromFile("qbittorrent.password", envPrefix+"QBITTORRENT_PASSWORD")
	c.viper.BindEnv("qbittorrent.category", envPrefix+"QBITTORRENT_CATEGORY")
	c.viper.BindEnv("qbittorrent.tlsSkipVerify", envPrefix+"QBITTORRENT_TLS_SKIP_VERIFY")

	c.viper.BindEnv("retention.enabled", envPrefix+"RETENTION_ENABLED")
	c.viper.BindEnv("retention.deleteAfterDays", envPrefix+"RETENTION_DELETE_AFTER_DAYS")
	c.viper.BindEnv("retention.completedMaxAgeDays", envPrefix+"RETENTION_COMPLETED_MAX_AGE_DAYS")
	c.viper.BindEnv("retention.checkInterval", envPrefix+"RETENTION_CHECK_INTERVAL")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()

	c.Config.CheckForUpdates = c.viper.GetBool("checkForUpdates")

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

// UpdateRuntimeSettings persists the mutable runtime settings and reloads the
// in-memory config. Only keys a running daemon can safely change are written;
// connection settings require a restart and a manual edit.
func (c *AppConfig) UpdateRuntimeSettings(patch domain.RuntimeSettingsPatch) error {
	if patch.LogLevel != nil {
		c.viper.Set("logLevel", *patch.LogLevel)
	}
	if patch.PollIntervalSeconds != nil {
		c.viper.Set("watchlist.pollInterval", *patch.PollIntervalSeconds)
	}
	if patch.MaxRetries != nil {
		c.viper.Set("download.maxRetries", *patch.MaxRetries)
	}
	if patch.QuotaBytes != nil {
		c.viper.Set("download.quotaBytes", *patch.QuotaBytes)
	}
	if patch.DeleteAfterDays != nil {
		c.viper.Set("retention.deleteAfterDays", *patch.DeleteAfterDays)
	}
	if patch.CompletedMaxAgeDays != nil {
		c.viper.Set("retention.completedMaxAgeDays", *patch.CompletedMaxAgeDays)
	}

	if c.viper.ConfigFileUsed() != "" {
		if err := c.viper.WriteConfig(); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
	}

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	c.applyDynamicChanges()
	return nil
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 7575
port = {{ .port }}

# Base URL
# Set custom baseUrl eg /fetcharr/ to serve in subdirectory.
# Not needed for subdomain, or by accessing with :port directly.
# Optional
#baseUrl = "/fetcharr/"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/fetcharr.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Queue state files (queue_*.json) will be created inside this directory
#dataDir = "/var/db/fetcharr"

# Check for new releases on GitHub
# Default: true
#checkForUpdates = true

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

[watchlist]
# Watchlist source base URL
url = ""

# API token for the watchlist source
token = ""

# Poll interval in seconds
# Default: 600
#pollInterval = 600

# Page size for watchlist pagination
# Default: 100
#pageSize = 100

[download]
# Maximum retry attempts before an item is parked as a permanent failure
# Default: 5
#maxRetries = 5

# Base retry interval in seconds; grows by retryMultiplier per attempt, capped at 24h
# Default: 3600
#retryBaseInterval = 3600

# Retry backoff multiplier
# Default: 2.0
#retryMultiplier = 2.0

# Storage quota in bytes. 0 disables quota admission.
# Default: 0
#quotaBytes = 0

# Directory downloads are saved to (and measured against the quota)
downloadDir = ""

# Seconds to wait between queue items
# Default: 5
#delayBetweenItems = 5

# Seconds between acquisition passes
# Default: 60
#checkInterval = 60

[indexer]
# Torrent index base URL
url = ""

# Index API key
apiKey = ""

# Category IDs to search, in priority order
#categories = []

# Minimum seeders for a release to be considered
# Default: 0
#minSeeders = 0

# Prefer freeleech releases when ranking
# Default: true
#preferFreeleech = true

# Request timeout in seconds
# Default: 30
#timeout = 30

[qbittorrent]
# qBittorrent WebUI URL
host = "http://localhost:8080"

username = ""
password = ""

# Category assigned to added torrents
# Default: "fetcharr"
#category = "fetcharr"

# Skip TLS certificate verification
# Default: false
#tlsSkipVerify = false

[retention]
# Delete downloaded content after an item leaves the watchlist.
# Content deletion is irreversible, so this is off until you opt in.
# Default: false
#enabled = false

# Days an item stays in the removed queue before its content is deleted
# Default: 7
#deleteAfterDays = 7

# Days a completed item is kept in history
# Default: 30
#completedMaxAgeDays = 30

# Seconds between retention passes
# Default: 3600
#checkInterval = 3600
`

	data := map[string]any{
		"host":          c.viper.GetString("host"),
		"port":          c.viper.GetInt("port"),
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// Helper functions

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// First check if XDG_CONFIG_HOME is set (Docker containers set this to /config)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "fetcharr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "fetcharr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "fetcharr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "fetcharr")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	if os.Getpid() == 1 {
		return true
	}
	return false
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		writer.FormatTimestamp = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprint(i)
		}
		writer.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			msg := strings.TrimSpace(fmt.Sprint(i))
			if msg == "" {
				return ""
			}
			return msg
		}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// resolveDataDir sets the data directory based on configuration
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// Sets viper variable if environment variable with _FILE suffix is present
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
	} else {
		c.viper.BindEnv(viperVar, envVar)
	}
}
