// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// QueueName identifies one of the four persisted collections.
type QueueName string

const (
	QueuePending   QueueName = "pending"
	QueueFailed    QueueName = "failed"
	QueueCompleted QueueName = "completed"
	QueueRemoved   QueueName = "removed"
)

var queueFiles = map[QueueName]string{
	QueuePending:   "queue_pending.json",
	QueueFailed:    "queue_failed.json",
	QueueCompleted: "queue_completed.json",
	QueueRemoved:   "queue_removed.json",
}

// queueOrder is the fixed lock/scan order for operations that touch
// more than one collection.
var queueOrder = []QueueName{QueuePending, QueueFailed, QueueCompleted, QueueRemoved}

// RetryPolicy controls the exponential backoff applied to failed items.
type RetryPolicy struct {
	MaxRetries   int
	BaseInterval time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		BaseInterval: time.Hour,
		Multiplier:   2.0,
	}
}

// maxRetryDelay caps the backoff so an item is never parked for more
// than a day between attempts.
const maxRetryDelay = 24 * time.Hour

type collection struct {
	mu    sync.Mutex
	name  QueueName
	path  string
	items []*Item
}

// QueueStore persists the four acquisition queues as JSON files under
// dataDir, one file per queue. Each collection has its own lock;
// cross-queue moves remove from the source before inserting into the
// destination so an item is never visible in two queues at once.
type QueueStore struct {
	policy RetryPolicy
	queues map[QueueName]*collection

	// now is swappable in tests
	now func() time.Time
}

// NewQueueStore loads all queues from dataDir. Missing files start
// empty; a corrupt file is preserved with a .corrupt suffix and the
// queue starts empty.
func NewQueueStore(dataDir string, policy RetryPolicy) (*QueueStore, error) {
	if policy.MaxRetries <= 0 {
		policy = DefaultRetryPolicy()
	}
	if policy.BaseInterval <= 0 {
		policy.BaseInterval = time.Hour
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2.0
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	s := &QueueStore{
		policy: policy,
		queues: make(map[QueueName]*collection, len(queueFiles)),
		now:    time.Now,
	}

	for name, file := range queueFiles {
		c := &collection{name: name, path: filepath.Join(dataDir, file)}
		if err := c.load(); err != nil {
			return nil, err
		}
		s.queues[name] = c
	}

	return s, nil
}

func (c *collection) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.items = []*Item{}
			return nil
		}
		return errors.Wrapf(err, "read queue file %s", c.path)
	}

	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		log.Error().Err(err).Str("file", c.path).Msg("Queue file is corrupt, starting empty")
		if renameErr := os.Rename(c.path, c.path+".corrupt"); renameErr != nil {
			log.Warn().Err(renameErr).Str("file", c.path).Msg("Failed to preserve corrupt queue file")
		}
		c.items = []*Item{}
		return nil
	}

	c.items = items
	if c.items == nil {
		c.items = []*Item{}
	}
	return nil
}

// saveLocked writes the collection atomically. Caller holds c.mu.
func (c *collection) saveLocked() error {
	data, err := json.MarshalIndent(c.items, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal queue %s", c.name)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write queue file %s", tmp)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return errors.Wrapf(err, "replace queue file %s", c.path)
	}
	return nil
}

func (c *collection) indexOfLocked(id string) int {
	return slices.IndexFunc(c.items, func(it *Item) bool { return it.ID == id })
}

// contains reports whether the collection currently tracks id.
func (c *collection) contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexOfLocked(id) != -1
}

// AddPending appends item to the pending queue unless its ID is already
// tracked in any queue.
func (s *QueueStore) AddPending(item Item) error {
	for _, name := range queueOrder {
		if s.queues[name].contains(item.ID) {
			return errors.Wrapf(ErrDuplicateItem, "id %s in %s queue", item.ID, name)
		}
	}

	c := s.queues[QueuePending]
	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the pending lock: a concurrent AddPending may have
	// won the race between the scan above and here.
	if c.indexOfLocked(item.ID) != -1 {
		return errors.Wrapf(ErrDuplicateItem, "id %s in pending queue", item.ID)
	}

	item.Status = StatusPending
	if item.AddedAt == nil {
		now := s.now()
		item.AddedAt = &now
	}
	c.items = append(c.items, &item)
	return c.saveLocked()
}

// NextPending pops the oldest pending item. Returns false when the
// queue is empty. The popped item is no longer persisted anywhere until
// the caller settles it via AddCompleted or AddFailed; a crash in that
// window is recovered by the watchlist diff re-adding the item.
func (s *QueueStore) NextPending() (Item, bool, error) {
	c := s.queues[QueuePending]
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.items) == 0 {
		return Item{}, false, nil
	}

	item := *c.items[0]
	c.items = c.items[1:]
	if err := c.saveLocked(); err != nil {
		return Item{}, false, err
	}
	item.Status = StatusDownloading
	return item, true, nil
}

// AddFailed records a failed attempt for item. If the item already sits
// in the failed queue its retry count is incremented in place, so the
// count survives failed -> pending -> failed cycles. Otherwise the item
// is inserted with the incoming count plus one.
//
// Generic failures get an exponential backoff timestamp; quota refusals
// get none and wait for a forced download or a quota change.
func (s *QueueStore) AddFailed(item Item, lastError string, reason FailedReason) error {
	if reason == "" {
		reason = FailedReasonGeneric
	}

	c := s.queues[QueueFailed]
	c.mu.Lock()
	defer c.mu.Unlock()

	now := s.now()
	target := &item
	if idx := c.indexOfLocked(item.ID); idx != -1 {
		target = c.items[idx]
		target.RetryCount++
	} else {
		item.RetryCount++
		c.items = append(c.items, &item)
	}

	target.Status = StatusFailed
	target.LastError = lastError
	target.FailedReason = reason
	target.FailedAt = &now

	if reason == FailedReasonQuota {
		target.RetryAfter = nil
	} else {
		retryAt := now.Add(s.retryDelay(target.RetryCount))
		target.RetryAfter = &retryAt
	}

	return c.saveLocked()
}

// retryDelay computes the backoff for the given attempt count, capped
// at maxRetryDelay.
func (s *QueueStore) retryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := time.Duration(float64(s.policy.BaseInterval) * math.Pow(s.policy.Multiplier, float64(retryCount-1)))
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

// ReadyForRetry returns failed items eligible for another attempt:
// generic failures whose backoff has elapsed and which are under the
// retry limit, plus quota refusals that were force-flagged.
func (s *QueueStore) ReadyForRetry() []Item {
	c := s.queues[QueueFailed]
	c.mu.Lock()
	defer c.mu.Unlock()

	now := s.now()
	var ready []Item
	for _, it := range c.items {
		if it.Skipped {
			continue
		}
		switch it.FailedReason {
		case FailedReasonQuota:
			if it.ForceDownload {
				ready = append(ready, *it)
			}
		default:
			if it.RetryCount >= s.policy.MaxRetries {
				continue
			}
			if it.RetryAfter != nil && it.RetryAfter.After(now) {
				continue
			}
			ready = append(ready, *it)
		}
	}
	return ready
}

// PermanentFailures returns generic failures that exhausted their
// retries.
func (s *QueueStore) PermanentFailures() []Item {
	c := s.queues[QueueFailed]
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Item
	for _, it := range c.items {
		if it.FailedReason != FailedReasonQuota && it.RetryCount >= s.policy.MaxRetries {
			out = append(out, *it)
		}
	}
	return out
}

// MoveFailedToPending moves a failed item back onto the pending queue.
// Retry metadata is kept so the next failure escalates the backoff.
func (s *QueueStore) MoveFailedToPending(id string) error {
	item, err := s.removeFrom(QueueFailed, id)
	if err != nil {
		return err
	}
	item.Status = StatusPending
	return s.insertInto(QueuePending, item)
}

// AddCompleted records a successful acquisition, clearing failure
// metadata but keeping the retry count for inspection. Failure history
// is discarded on success: a same-id entry in the failed queue is
// dropped first so the item never sits in two collections.
func (s *QueueStore) AddCompleted(item Item) error {
	if _, err := s.removeFrom(QueueFailed, item.ID); err != nil && !errors.Is(err, ErrItemNotFound) {
		return err
	}

	c := s.queues[QueueCompleted]
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexOfLocked(item.ID) != -1 {
		return nil
	}

	now := s.now()
	item.Status = StatusCompleted
	item.CompletedAt = &now
	item.DownloadedAt = &now
	item.LastError = ""
	item.RetryAfter = nil
	item.FailedReason = ""
	item.FailedAt = nil
	item.ForceDownload = false
	c.items = append(c.items, &item)
	return c.saveLocked()
}

// AddRemoved records an item that left the watchlist.
func (s *QueueStore) AddRemoved(item Item) error {
	c := s.queues[QueueRemoved]
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexOfLocked(item.ID) != -1 {
		return nil
	}

	now := s.now()
	item.Status = StatusRemoved
	item.RemovedAt = &now
	c.items = append(c.items, &item)
	return c.saveLocked()
}

// ReadyForDeletion returns removed items whose grace period has
// elapsed.
func (s *QueueStore) ReadyForDeletion(olderThan time.Duration) []Item {
	c := s.queues[QueueRemoved]
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var out []Item
	for _, it := range c.items {
		if it.RemovedAt != nil && it.RemovedAt.Before(cutoff) {
			out = append(out, *it)
		}
	}
	return out
}

// MarkRemoved evicts an item from the removed queue after cleanup.
func (s *QueueStore) MarkRemoved(id string) error {
	_, err := s.removeFrom(QueueRemoved, id)
	return err
}

// MarkRemovedByIDs scans the completed and pending queues and moves any
// item whose ID is in ids onto the removed queue. It returns the moved
// items.
func (s *QueueStore) MarkRemovedByIDs(ids []string) ([]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	var moved []Item
	for _, name := range []QueueName{QueueCompleted, QueuePending} {
		c := s.queues[name]

		c.mu.Lock()
		var taken []*Item
		kept := c.items[:0]
		for _, it := range c.items {
			if _, ok := idSet[it.ID]; ok {
				taken = append(taken, it)
			} else {
				kept = append(kept, it)
			}
		}
		c.items = kept
		var saveErr error
		if len(taken) > 0 {
			saveErr = c.saveLocked()
		}
		c.mu.Unlock()

		if saveErr != nil {
			return moved, saveErr
		}
		for _, it := range taken {
			if err := s.AddRemoved(*it); err != nil {
				return moved, err
			}
			moved = append(moved, *it)
		}
	}
	return moved, nil
}

// MarkRemovedByTitle scans the completed and pending queues and moves
// items whose title matches (case-insensitive) onto the removed queue.
// Used for watchlist sources that identify entries by title only.
func (s *QueueStore) MarkRemovedByTitle(title string) ([]Item, error) {
	if title == "" {
		return nil, nil
	}

	var moved []Item
	for _, name := range []QueueName{QueueCompleted, QueuePending} {
		c := s.queues[name]

		c.mu.Lock()
		var taken []*Item
		kept := c.items[:0]
		for _, it := range c.items {
			if strings.EqualFold(it.Title, title) {
				taken = append(taken, it)
			} else {
				kept = append(kept, it)
			}
		}
		c.items = kept
		var saveErr error
		if len(taken) > 0 {
			saveErr = c.saveLocked()
		}
		c.mu.Unlock()

		if saveErr != nil {
			return moved, saveErr
		}
		for _, it := range taken {
			if err := s.AddRemoved(*it); err != nil {
				return moved, err
			}
			moved = append(moved, *it)
		}
	}
	return moved, nil
}

// Restore moves a removed item back onto the pending queue, clearing
// its removal timestamp.
func (s *QueueStore) Restore(id string) error {
	item, err := s.removeFrom(QueueRemoved, id)
	if err != nil {
		return err
	}
	item.RemovedAt = nil
	item.Status = StatusPending
	return s.insertInto(QueuePending, item)
}

// ResetFailure moves a failed item back onto the pending queue with a
// clean slate: retry count, error, backoff and reason are all cleared.
func (s *QueueStore) ResetFailure(id string) error {
	item, err := s.removeFrom(QueueFailed, id)
	if err != nil {
		return err
	}
	item.RetryCount = 0
	item.LastError = ""
	item.RetryAfter = nil
	item.FailedReason = ""
	item.FailedAt = nil
	item.Status = StatusPending
	return s.insertInto(QueuePending, item)
}

// SetSkipped flags or unflags an item in the pending or failed queue.
func (s *QueueStore) SetSkipped(id string, skipped bool) error {
	for _, name := range []QueueName{QueuePending, QueueFailed} {
		c := s.queues[name]
		c.mu.Lock()
		if idx := c.indexOfLocked(id); idx != -1 {
			c.items[idx].Skipped = skipped
			err := c.saveLocked()
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()
	}
	return errors.Wrapf(ErrItemNotFound, "id %s", id)
}

// SetForceDownload flags a quota-refused item for a one-shot attempt
// past the quota. Only failed items with a quota reason qualify.
func (s *QueueStore) SetForceDownload(id string) error {
	c := s.queues[QueueFailed]
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOfLocked(id)
	if idx == -1 {
		return errors.Wrapf(ErrItemNotFound, "id %s not in failed queue", id)
	}
	it := c.items[idx]
	if it.FailedReason != FailedReasonQuota {
		return errors.Errorf("item %s failed with reason %q, force download only applies to quota refusals", id, it.FailedReason)
	}
	it.ForceDownload = true
	it.FailedAt = nil
	return c.saveLocked()
}

// Reorder rearranges the pending queue to match orderedIDs. IDs not
// present are ignored; pending items missing from orderedIDs keep their
// relative order at the tail.
func (s *QueueStore) Reorder(orderedIDs []string) error {
	c := s.queues[QueuePending]
	c.mu.Lock()
	defer c.mu.Unlock()

	byID := make(map[string]*Item, len(c.items))
	for _, it := range c.items {
		byID[it.ID] = it
	}

	reordered := make([]*Item, 0, len(c.items))
	seen := make(map[string]struct{}, len(orderedIDs))
	for _, id := range orderedIDs {
		if it, ok := byID[id]; ok {
			reordered = append(reordered, it)
			seen[id] = struct{}{}
		}
	}
	for _, it := range c.items {
		if _, ok := seen[it.ID]; !ok {
			reordered = append(reordered, it)
		}
	}

	c.items = reordered
	return c.saveLocked()
}

// Move relocates an item between two queues.
func (s *QueueStore) Move(id string, from, to QueueName) error {
	if _, ok := s.queues[from]; !ok {
		return errors.Wrapf(ErrUnknownQueue, "%s", from)
	}
	if _, ok := s.queues[to]; !ok {
		return errors.Wrapf(ErrUnknownQueue, "%s", to)
	}
	if from == to {
		return nil
	}

	item, err := s.removeFrom(from, id)
	if err != nil {
		return err
	}
	switch to {
	case QueuePending:
		item.Status = StatusPending
	case QueueFailed:
		item.Status = StatusFailed
	case QueueCompleted:
		item.Status = StatusCompleted
	case QueueRemoved:
		item.Status = StatusRemoved
	}
	return s.insertInto(to, item)
}

// Delete drops an item from a queue entirely.
func (s *QueueStore) Delete(queue QueueName, id string) error {
	if _, ok := s.queues[queue]; !ok {
		return errors.Wrapf(ErrUnknownQueue, "%s", queue)
	}
	_, err := s.removeFrom(queue, id)
	return err
}

// Items returns a snapshot of a queue.
func (s *QueueStore) Items(queue QueueName) ([]Item, error) {
	c, ok := s.queues[queue]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownQueue, "%s", queue)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Item, len(c.items))
	for i, it := range c.items {
		out[i] = *it
	}
	return out, nil
}

// Get finds an item by ID in any queue.
func (s *QueueStore) Get(id string) (Item, QueueName, bool) {
	for _, name := range queueOrder {
		c := s.queues[name]
		c.mu.Lock()
		if idx := c.indexOfLocked(id); idx != -1 {
			item := *c.items[idx]
			c.mu.Unlock()
			return item, name, true
		}
		c.mu.Unlock()
	}
	return Item{}, "", false
}

// CleanupOldCompleted drops completed items older than maxAge and
// returns how many were removed.
func (s *QueueStore) CleanupOldCompleted(maxAge time.Duration) (int, error) {
	c := s.queues[QueueCompleted]
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	kept := c.items[:0]
	dropped := 0
	for _, it := range c.items {
		if it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, it)
	}
	if dropped == 0 {
		return 0, nil
	}
	c.items = kept
	return dropped, c.saveLocked()
}

// Statistics summarizes all queues.
func (s *QueueStore) Statistics() QueueStats {
	stats := QueueStats{
		PermanentFailures: len(s.PermanentFailures()),
		ReadyForRetry:     len(s.ReadyForRetry()),
	}
	for name, c := range s.queues {
		c.mu.Lock()
		n := len(c.items)
		c.mu.Unlock()
		switch name {
		case QueuePending:
			stats.Pending = n
		case QueueFailed:
			stats.Failed = n
		case QueueCompleted:
			stats.Completed = n
		case QueueRemoved:
			stats.Removed = n
		}
	}
	return stats
}

// removeFrom takes an item out of a queue and persists the removal
// before the caller inserts it elsewhere. The window where the item is
// in neither file is accepted: on crash the watchlist diff re-adds it.
func (s *QueueStore) removeFrom(queue QueueName, id string) (Item, error) {
	c := s.queues[queue]
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOfLocked(id)
	if idx == -1 {
		return Item{}, errors.Wrapf(ErrItemNotFound, "id %s not in %s queue", id, queue)
	}
	item := *c.items[idx]
	c.items = slices.Delete(c.items, idx, idx+1)
	return item, c.saveLocked()
}

func (s *QueueStore) insertInto(queue QueueName, item Item) error {
	c := s.queues[queue]
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.indexOfLocked(item.ID) != -1 {
		return nil
	}
	c.items = append(c.items, &item)
	return c.saveLocked()
}
