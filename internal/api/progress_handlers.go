package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/dataset"
	"github.com/JakeFAU/crawl-orchestrator/internal/stats"
)

const (
	defaultFailedLimit = 50
	maxFailedLimit     = 500
	defaultItemsLimit  = 100
	maxItemsLimit      = 1000
	listTimeout        = 3 * time.Second
)

// ListHandler exposes paged, read-only views of run progress.
type ListHandler struct {
	stats   *stats.Statistics
	dataset *dataset.Dataset
	timeout time.Duration
	logger  *zap.Logger
}

// NewListHandler wires the statistics, dataset and logger. Either source may
// be nil; its route then answers 503.
func NewListHandler(st *stats.Statistics, ds *dataset.Dataset, logger *zap.Logger) *ListHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListHandler{
		stats:   st,
		dataset: ds,
		timeout: listTimeout,
		logger:  logger,
	}
}

// ListFailed handles GET /v1/failed?limit=&offset=. It returns
// {"failed": [...], "total": n} in failure order, or 400 for bad paging.
func (h *ListHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultFailedLimit, maxFailedLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	all := h.stats.FailedRequests()
	start := min(offset, len(all))
	end := min(start+limit, len(all))
	page := all[start:end]
	if page == nil {
		page = []stats.FailedRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"failed": page,
		"total":  len(all),
	})
}

// ListItems handles GET /v1/items?limit=&offset=. It returns
// {"items": [...], "total": n}, 503 without a dataset, or 500 when the
// backend read fails.
func (h *ListHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	if h.dataset == nil {
		writeError(w, http.StatusServiceUnavailable, "dataset unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultItemsLimit, maxItemsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	page, err := h.dataset.List(ctx, offset, limit)
	if err != nil {
		h.logger.Error("list items failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	items := page.Items
	if items == nil {
		items = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": page.Total,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
