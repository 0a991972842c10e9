// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package storage measures how much disk the download directory
// occupies, for quota admission.
package storage

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Inspector sums file sizes under a root directory.
type Inspector struct {
	root string
}

func NewInspector(root string) *Inspector {
	return &Inspector{root: root}
}

// Entries lists the top-level directory and file names under the
// root, the names releases land as. A missing root yields no entries.
func (i *Inspector) Entries() ([]string, error) {
	dirents, err := os.ReadDir(i.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", i.root)
	}

	names := make([]string, 0, len(dirents))
	for _, d := range dirents {
		names = append(names, d.Name())
	}
	return names, nil
}

// UsedBytes walks the root and returns the total size of regular
// files. A missing root counts as zero usage. Entries that vanish
// mid-walk are skipped.
func (i *Inspector) UsedBytes() (int64, error) {
	var total int64

	err := filepath.WalkDir(i.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				if path == i.root {
					return filepath.SkipAll
				}
				return nil
			}
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable entry during disk usage scan")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "walk %s", i.root)
	}

	return total, nil
}
