// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/models"
	"github.com/autobrr/fetcharr/internal/services/retention"
)

// Retainer is the slice of the retention service the dashboard needs:
// immediate cleanup for force-delete and a dry run for previews.
type Retainer interface {
	CleanupItem(ctx context.Context, item models.Item) retention.CleanupResult
	Preview(ctx context.Context, item models.Item) (retention.CleanupPreview, error)
}

type QueueHandler struct {
	store    *models.QueueStore
	retainer Retainer
}

func NewQueueHandler(store *models.QueueStore, retainer Retainer) *QueueHandler {
	return &QueueHandler{
		store:    store,
		retainer: retainer,
	}
}

func (h *QueueHandler) Routes(r chi.Router) {
	r.Get("/stats", h.Stats)

	r.Route("/queues", func(r chi.Router) {
		r.Get("/", h.ListQueues)
		r.Get("/{queue}", h.GetQueue)
		r.Post("/{queue}/reorder", h.Reorder)
	})

	r.Route("/items/{itemID}", func(r chi.Router) {
		r.Delete("/", h.DeleteItem)
		r.Post("/move", h.MoveItem)
		r.Post("/retry", h.RetryItem)
		r.Post("/skip", h.SkipItem)
		r.Post("/unskip", h.UnskipItem)
		r.Post("/force-download", h.ForceDownload)
		r.Post("/force-delete", h.ForceDelete)
		r.Post("/restore", h.RestoreItem)
		r.Get("/cleanup-preview", h.CleanupPreview)
	})
}

func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.store.Statistics())
}

func (h *QueueHandler) ListQueues(w http.ResponseWriter, r *http.Request) {
	queues := make(map[string][]models.Item, 4)
	for _, name := range []models.QueueName{models.QueuePending, models.QueueFailed, models.QueueCompleted, models.QueueRemoved} {
		items, err := h.store.Items(name)
		if err != nil {
			log.Error().Err(err).Str("queue", string(name)).Msg("failed to list queue")
			RespondError(w, http.StatusInternalServerError, "Failed to list queues")
			return
		}
		queues[string(name)] = items
	}

	RespondJSON(w, http.StatusOK, queues)
}

func (h *QueueHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	name := models.QueueName(chi.URLParam(r, "queue"))

	items, err := h.store.Items(name)
	if err != nil {
		if errors.Is(err, models.ErrUnknownQueue) {
			RespondError(w, http.StatusNotFound, "Unknown queue")
			return
		}
		log.Error().Err(err).Str("queue", string(name)).Msg("failed to list queue")
		RespondError(w, http.StatusInternalServerError, "Failed to list queue")
		return
	}

	RespondJSON(w, http.StatusOK, items)
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

// Reorder applies a new ordering to the pending queue. Only the pending
// queue is ordered; the path still names it so the route reads naturally.
func (h *QueueHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	if models.QueueName(chi.URLParam(r, "queue")) != models.QueuePending {
		RespondError(w, http.StatusBadRequest, "Only the pending queue can be reordered")
		return
	}

	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if len(req.IDs) == 0 {
		RespondError(w, http.StatusBadRequest, "No item IDs provided")
		return
	}

	if err := h.store.Reorder(req.IDs); err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			RespondError(w, http.StatusBadRequest, "Unknown item in requested order")
			return
		}
		log.Error().Err(err).Msg("failed to reorder pending queue")
		RespondError(w, http.StatusInternalServerError, "Failed to reorder queue")
		return
	}

	items, err := h.store.Items(models.QueuePending)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to list queue")
		return
	}
	RespondJSON(w, http.StatusOK, items)
}

func (h *QueueHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	queue := models.QueueName(r.URL.Query().Get("queue"))
	if queue == "" {
		_, found, ok := h.store.Get(itemID)
		if !ok {
			RespondError(w, http.StatusNotFound, "Item not found")
			return
		}
		queue = found
	}

	if err := h.store.Delete(queue, itemID); err != nil {
		switch {
		case errors.Is(err, models.ErrUnknownQueue):
			RespondError(w, http.StatusBadRequest, "Unknown queue")
		case errors.Is(err, models.ErrItemNotFound):
			RespondError(w, http.StatusNotFound, "Item not found")
		default:
			log.Error().Err(err).Str("id", itemID).Msg("failed to delete item")
			RespondError(w, http.StatusInternalServerError, "Failed to delete item")
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Item deleted"})
}

type moveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *QueueHandler) MoveItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	if err := h.store.Move(itemID, models.QueueName(req.From), models.QueueName(req.To)); err != nil {
		switch {
		case errors.Is(err, models.ErrUnknownQueue):
			RespondError(w, http.StatusBadRequest, "Unknown queue")
		case errors.Is(err, models.ErrItemNotFound):
			RespondError(w, http.StatusNotFound, "Item not found")
		default:
			log.Error().Err(err).Str("id", itemID).Msg("failed to move item")
			RespondError(w, http.StatusInternalServerError, "Failed to move item")
		}
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Item moved"})
}

// RetryItem clears an item's failure state and puts it back at the end
// of the pending queue.
func (h *QueueHandler) RetryItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	if err := h.store.ResetFailure(itemID); err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			RespondError(w, http.StatusNotFound, "Item not found in failed queue")
			return
		}
		log.Error().Err(err).Str("id", itemID).Msg("failed to retry item")
		RespondError(w, http.StatusInternalServerError, "Failed to retry item")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Item queued for retry"})
}

func (h *QueueHandler) SkipItem(w http.ResponseWriter, r *http.Request) {
	h.setSkipped(w, r, true)
}

func (h *QueueHandler) UnskipItem(w http.ResponseWriter, r *http.Request) {
	h.setSkipped(w, r, false)
}

func (h *QueueHandler) setSkipped(w http.ResponseWriter, r *http.Request, skipped bool) {
	itemID := chi.URLParam(r, "itemID")

	if err := h.store.SetSkipped(itemID, skipped); err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			RespondError(w, http.StatusNotFound, "Item not found")
			return
		}
		log.Error().Err(err).Str("id", itemID).Bool("skipped", skipped).Msg("failed to update skip flag")
		RespondError(w, http.StatusInternalServerError, "Failed to update item")
		return
	}

	msg := "Item unskipped"
	if skipped {
		msg = "Item skipped"
	}
	RespondJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// ForceDownload marks a quota-refused item for download on the next
// pass, bypassing quota admission once.
func (h *QueueHandler) ForceDownload(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	if err := h.store.SetForceDownload(itemID); err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			RespondError(w, http.StatusNotFound, "Item not found in failed queue")
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Item will be downloaded on the next pass"})
}

// ForceDelete deletes the item's content immediately, skipping the
// retention grace period.
func (h *QueueHandler) ForceDelete(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	item, queue, ok := h.store.Get(itemID)
	if !ok {
		RespondError(w, http.StatusNotFound, "Item not found")
		return
	}

	if queue != models.QueueRemoved {
		if err := h.store.Move(itemID, queue, models.QueueRemoved); err != nil {
			log.Error().Err(err).Str("id", itemID).Msg("failed to stage item for deletion")
			RespondError(w, http.StatusInternalServerError, "Failed to delete item")
			return
		}
	}

	result := h.retainer.CleanupItem(r.Context(), item)
	RespondJSON(w, http.StatusOK, result)
}

// RestoreItem moves a removed item back to the pending queue before its
// content is deleted.
func (h *QueueHandler) RestoreItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	if err := h.store.Restore(itemID); err != nil {
		if errors.Is(err, models.ErrItemNotFound) {
			RespondError(w, http.StatusNotFound, "Item not found in removed queue")
			return
		}
		log.Error().Err(err).Str("id", itemID).Msg("failed to restore item")
		RespondError(w, http.StatusInternalServerError, "Failed to restore item")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"message": "Item restored to pending"})
}

func (h *QueueHandler) CleanupPreview(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")

	item, _, ok := h.store.Get(itemID)
	if !ok {
		RespondError(w, http.StatusNotFound, "Item not found")
		return
	}

	preview, err := h.retainer.Preview(r.Context(), item)
	if err != nil {
		log.Error().Err(err).Str("id", itemID).Msg("failed to preview cleanup")
		RespondError(w, http.StatusInternalServerError, "Failed to preview cleanup")
		return
	}

	RespondJSON(w, http.StatusOK, preview)
}
