// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package update

import (
	"context"
	"fmt"
	"os"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/pkg/errors"
)

// Config configures a one-shot self-update.
type Config struct {
	Repository string
	Version    string
}

// Updater replaces the running binary with the latest release asset.
type Updater struct {
	cfg Config
}

func NewUpdater(cfg Config) *Updater {
	if cfg.Repository == "" {
		cfg.Repository = repository
	}
	return &Updater{cfg: cfg}
}

// Run downloads and installs the latest release if it is newer than the
// running version.
func (u *Updater) Run(ctx context.Context) error {
	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(u.cfg.Repository))
	if err != nil {
		return errors.Wrapf(err, "error occurred while detecting version")
	}
	if !found {
		return errors.Errorf("latest version for %s could not be found from github repository", u.cfg.Repository)
	}

	if latest.LessOrEqual(u.cfg.Version) {
		fmt.Printf("Current binary is the latest version: %s\n", u.cfg.Version)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return errors.New("could not locate executable path")
	}

	if err := selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe); err != nil {
		return errors.Wrapf(err, "error occurred while updating binary")
	}

	fmt.Printf("Successfully updated to version: %s\n", latest.Version())
	return nil
}
