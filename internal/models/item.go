// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"errors"
	"time"
)

var (
	ErrItemNotFound  = errors.New("item not found")
	ErrDuplicateItem = errors.New("item already tracked")
	ErrUnknownQueue  = errors.New("unknown queue")
)

// ItemStatus is the lifecycle state of a tracked item.
type ItemStatus string

const (
	StatusPending     ItemStatus = "pending"
	StatusDownloading ItemStatus = "downloading"
	StatusCompleted   ItemStatus = "completed"
	StatusFailed      ItemStatus = "failed"
	StatusRemoved     ItemStatus = "removed"
)

// FailedReason classifies why an item sits in the failed queue.
// Quota refusals are not retried on a timer; they wait for a forced
// download or a quota change.
type FailedReason string

const (
	FailedReasonGeneric FailedReason = "generic"
	FailedReasonQuota   FailedReason = "quota_exceeded"
)

// Item is a single watchlist entry tracked through the acquisition
// pipeline. The ID is the watchlist's identifier and is the dedup key
// across every queue.
type Item struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Year          int          `json:"year,omitempty"`
	Director      string       `json:"director,omitempty"`
	ExternalRef   string       `json:"external_ref,omitempty"`
	Status        ItemStatus   `json:"status"`
	RetryCount    int          `json:"retry_count"`
	LastError     string       `json:"last_error,omitempty"`
	RetryAfter    *time.Time   `json:"retry_after,omitempty"`
	FailedReason  FailedReason `json:"failed_reason,omitempty"`
	Skipped       bool         `json:"skipped,omitempty"`
	ForceDownload bool         `json:"force_download,omitempty"`

	AddedAt      *time.Time `json:"added_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RemovedAt    *time.Time `json:"removed_at,omitempty"`
}

// QueueStats is a point-in-time summary of all queues.
type QueueStats struct {
	Pending           int `json:"pending"`
	Failed            int `json:"failed"`
	Completed         int `json:"completed"`
	Removed           int `json:"removed"`
	PermanentFailures int `json:"permanent_failures"`
	ReadyForRetry     int `json:"ready_for_retry"`
}
