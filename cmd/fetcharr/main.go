// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/fetcharr/internal/api"
	"github.com/autobrr/fetcharr/internal/buildinfo"
	"github.com/autobrr/fetcharr/internal/config"
	"github.com/autobrr/fetcharr/internal/domain"
	"github.com/autobrr/fetcharr/internal/indexer"
	"github.com/autobrr/fetcharr/internal/metrics"
	"github.com/autobrr/fetcharr/internal/models"
	"github.com/autobrr/fetcharr/internal/qbittorrent"
	"github.com/autobrr/fetcharr/internal/services/acquisition"
	"github.com/autobrr/fetcharr/internal/services/retention"
	watchlistsvc "github.com/autobrr/fetcharr/internal/services/watchlist"
	"github.com/autobrr/fetcharr/internal/storage"
	"github.com/autobrr/fetcharr/internal/update"
	"github.com/autobrr/fetcharr/internal/watchlist"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "fetcharr",
		Short: "Watchlist-driven media acquisition daemon",
		Long: `fetcharr - watches a remote watchlist and drives qBittorrent to
acquire, track and clean up releases for every entry on it.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunStatsCommand())
	rootCmd.AddCommand(RunUpdateCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/fetcharr/ or %APPDATA%\\fetcharr\\). For backward compatibility, can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for queue state files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fetcharr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the daemon.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/fetcharr/config.toml
- Windows: %APPDATA%\fetcharr\config.toml

You can specify either a directory path or a direct file path:
- Directory: fetcharr generate-config --config-dir /path/to/config/
- File: fetcharr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				defaultDir := config.GetDefaultConfigDir()
				configPath = filepath.Join(defaultDir, "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func RunStatsCommand() *cobra.Command {
	var configDir, dataDir string

	command := &cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics",
		Long:  `Print a summary of the persisted queues without starting the daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			if dataDir != "" {
				cfg.SetDataDir(dataDir)
			}

			queue, err := models.NewQueueStore(cfg.GetDataDir(), retryPolicyFromConfig(cfg.Config))
			if err != nil {
				return fmt.Errorf("failed to open queue store: %w", err)
			}

			out, err := json.MarshalIndent(queue.Statistics(), "", "  ")
			if err != nil {
				return err
			}

			cmd.Println(string(out))
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().StringVar(&dataDir, "data-dir", "",
		"data directory path (defaults to next to config file)")

	return command
}

func RunUpdateCommand() *cobra.Command {
	var command = &cobra.Command{
		Use:                   "update",
		Short:                 "Update fetcharr",
		Long:                  `Update fetcharr to the latest version.`,
		DisableFlagsInUseLine: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			updater := update.NewUpdater(update.Config{
				Repository: "autobrr/fetcharr",
				Version:    buildinfo.Version,
			})
			return updater.Run(cmd.Context())
		},
	}

	command.SetUsageTemplate(`Usage:
  {{.CommandPath}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}
`)

	return command
}

func retryPolicyFromConfig(cfg *domain.Config) models.RetryPolicy {
	return models.RetryPolicy{
		MaxRetries:   cfg.Download.MaxRetries,
		BaseInterval: time.Duration(cfg.Download.RetryBaseIntervalSeconds) * time.Second,
		Multiplier:   cfg.Download.RetryMultiplier,
	}
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) runServer() {
	// Initialize configuration
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("FETCHARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("FETCHARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting fetcharr")

	// Initialize stores
	queue, err := models.NewQueueStore(cfg.GetDataDir(), retryPolicyFromConfig(cfg.Config))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize queue store")
	}
	snapshot := models.NewSnapshotStore(cfg.GetDataDir())

	m := metrics.New()

	// Initialize clients
	if cfg.Config.Watchlist.URL == "" {
		log.Warn().Msg("No watchlist URL configured - nothing will be queued until one is set")
	}
	watchlistClient := watchlist.NewClient(cfg.Config.Watchlist)

	if cfg.Config.Indexer.URL == "" {
		log.Warn().Msg("No indexer URL configured - acquisitions will fail until one is set")
	}
	indexClient := indexer.NewClient(cfg.Config.Indexer)

	qbtClient, err := qbittorrent.NewClientWithTimeout(cfg.Config.QBittorrent, 30*time.Second)
	if err != nil {
		log.Fatal().Err(err).Str("host", cfg.Config.QBittorrent.Host).Msg("Failed to connect to qBittorrent")
	}

	downloadDir := cfg.Config.Download.DownloadDir
	inspector := storage.NewInspector(downloadDir)
	downloader := acquisition.NewDownloader(indexClient, qbtClient, downloadDir)

	// Initialize services
	watchlistService := watchlistsvc.NewService(watchlistsvc.Config{
		PollInterval: time.Duration(cfg.Config.Watchlist.PollIntervalSeconds) * time.Second,
	}, watchlistClient, queue, snapshot, m)

	acquisitionService := acquisition.NewService(acquisition.Config{
		CheckInterval:     time.Duration(cfg.Config.Download.CheckIntervalSeconds) * time.Second,
		DelayBetweenItems: time.Duration(cfg.Config.Download.DelayBetweenItemsSeconds) * time.Second,
		QuotaBytes:        cfg.Config.Download.QuotaBytes,
		MaxRetries:        cfg.Config.Download.MaxRetries,
	}, queue, downloader, inspector, m)

	cleaner := retention.NewContentCleaner(downloadDir, qbtClient)
	retentionService := retention.NewService(retention.Config{
		CheckInterval:   time.Duration(cfg.Config.Retention.CheckIntervalSeconds) * time.Second,
		DeleteAfter:     time.Duration(cfg.Config.Retention.DeleteAfterDays) * 24 * time.Hour,
		CompletedMaxAge: time.Duration(cfg.Config.Retention.CompletedMaxAgeDays) * 24 * time.Hour,
	}, queue, cleaner, m)

	updateService := update.NewService(log.Logger, cfg.Config.CheckForUpdates, buildinfo.Version)
	cfg.RegisterReloadListener(func(conf *domain.Config) {
		updateService.SetEnabled(conf.CheckForUpdates)
	})
	updateCtx, cancelUpdate := context.WithCancel(context.Background())
	defer cancelUpdate()
	updateService.Start(updateCtx)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// Start server in goroutine
	httpServer := api.NewServer(&api.Dependencies{
		Config:           cfg,
		Version:          buildinfo.Version,
		Queue:            queue,
		Snapshot:         snapshot,
		WatchlistService: watchlistService,
		Retainer:         retentionService,
		Torrents:         qbtClient,
		Updates:          updateService,
		Metrics:          m,
	})

	errorChannel := make(chan error)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	var workers errgroup.Group

	select {
	case <-serverReady:
		workers.Go(func() error {
			watchlistService.Run(workerCtx)
			return nil
		})
		workers.Go(func() error {
			acquisitionService.Run(workerCtx)
			return nil
		})
		if cfg.Config.Retention.Enabled {
			workers.Go(func() error {
				retentionService.Run(workerCtx)
				return nil
			})
		} else {
			log.Info().Msg("Retention cleanup is disabled, set retention.enabled to opt in")
		}
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	// Wait for interrupt signal to gracefully shutdown the daemon
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	cancelWorkers()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")

		os.Exit(1)
	}

	// let the workers settle any in-flight item within the same window
	workersDone := make(chan struct{})
	go func() {
		workers.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		log.Warn().Msg("workers did not stop within the shutdown window")
	}

	stats := queue.Statistics()
	log.Info().
		Int("pending", stats.Pending).
		Int("failed", stats.Failed).
		Int("completed", stats.Completed).
		Int("removed", stats.Removed).
		Msg("Shutdown complete")

	os.Exit(0)
}
