package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flipfinder/arbitrage-scanner/internal/arbitrage"
	"github.com/flipfinder/arbitrage-scanner/internal/database"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
	"github.com/flipfinder/arbitrage-scanner/internal/scanservice/jobs"
)

// ScanService is the slice of the job manager the API needs.
type ScanService interface {
	CreateScan(ctx context.Context, categories []string, params arbitrage.ScanParams) (*jobs.ScanJob, error)
	GetScan(ctx context.Context, scanID uuid.UUID) (*jobs.ScanJob, error)
	ListScans(ctx context.Context, limit int) ([]*jobs.ScanJob, error)
	GetScanResults(ctx context.Context, scanID uuid.UUID) ([]models.OpportunityRow, error)
	GetRecentOpportunities(ctx context.Context, since time.Time, limit int) ([]models.OpportunityRow, error)
	GetOpportunityByASIN(ctx context.Context, asin string) (*models.OpportunityRow, error)
	GetStats(ctx context.Context) (*jobs.Stats, error)
}

// Discoverer serves the live category-discovery endpoint.
type Discoverer interface {
	DiscoverCategories(ctx context.Context, max int) ([]string, error)
}

// OutboxDepths reports queue depths for the health endpoint.
type OutboxDepths interface {
	GetPendingCount(ctx context.Context) (int64, error)
	GetDeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	jobs       ScanService
	discoverer Discoverer
	outbox     OutboxDepths
	defaults   arbitrage.ScanParams
	maxCats    int
	logger     *slog.Logger
}

func NewHandlers(jobs ScanService, discoverer Discoverer, outbox OutboxDepths, defaults arbitrage.ScanParams, maxCategories int, logger *slog.Logger) *Handlers {
	return &Handlers{
		jobs:       jobs,
		discoverer: discoverer,
		outbox:     outbox,
		defaults:   defaults,
		maxCats:    maxCategories,
		logger:     logger.With("component", "api"),
	}
}

// Routes mounts the handlers on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/scans", h.CreateScan)
		r.Get("/scans", h.ListScans)
		r.Get("/scans/{scanID}", h.GetScan)
		r.Get("/scans/{scanID}/opportunities", h.GetScanOpportunities)
		r.Get("/opportunities", h.GetRecentOpportunities)
		r.Get("/opportunities/{asin}", h.GetOpportunity)
		r.Get("/categories", h.GetCategories)
		r.Get("/stats", h.GetStats)
	})
	r.Get("/health", h.Health)
}

// CreateScanRequest carries an optional category list and optional threshold
// overrides; absent fields fall back to the configured defaults.
type CreateScanRequest struct {
	Categories    []string `json:"categories,omitempty"`
	MinProfit     *float64 `json:"min_profit,omitempty"`
	MinMargin     *float64 `json:"min_margin,omitempty"`
	MinSoldRecent *int     `json:"min_sold_recent,omitempty"`
	FeeRate       *float64 `json:"fee_rate,omitempty"`
	FeeFixed      *float64 `json:"fee_fixed,omitempty"`
	QueryWords    *int     `json:"query_words,omitempty"`
	MaxItems      *int     `json:"max_items,omitempty"`
	AvoidKeywords []string `json:"avoid_keywords,omitempty"`
}

type CreateScanResponse struct {
	ScanID  string `json:"scan_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CreateScan queues a new scan job.
func (h *Handlers) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req CreateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := h.defaults
	if req.MinProfit != nil {
		params.MinProfit = *req.MinProfit
	}
	if req.MinMargin != nil {
		params.MinMargin = *req.MinMargin
	}
	if req.MinSoldRecent != nil {
		params.MinSoldRecent = *req.MinSoldRecent
	}
	if req.FeeRate != nil {
		params.FeeRate = *req.FeeRate
	}
	if req.FeeFixed != nil {
		params.FeeFixed = *req.FeeFixed
	}
	if req.QueryWords != nil {
		params.QueryWords = *req.QueryWords
	}
	if req.MaxItems != nil {
		params.MaxItems = *req.MaxItems
	}
	if req.AvoidKeywords != nil {
		params.AvoidKeywords = req.AvoidKeywords
	}

	if params.FeeRate < 0 || params.FeeRate >= 1 {
		h.respondError(w, http.StatusBadRequest, "fee_rate must be in [0, 1)")
		return
	}

	job, err := h.jobs.CreateScan(r.Context(), req.Categories, params)
	if err != nil {
		h.logger.Error("failed to create scan", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create scan")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateScanResponse{
		ScanID:  job.ID.String(),
		Status:  job.Status,
		Message: "Scan queued",
	})
}

// GetScan returns one scan's status and progress.
func (h *Handlers) GetScan(w http.ResponseWriter, r *http.Request) {
	scanID, ok := h.scanIDParam(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.GetScan(r.Context(), scanID)
	if errors.Is(err, jobs.ErrScanNotFound) {
		h.respondError(w, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get scan", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get scan")
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

// ListScans returns recent scans.
func (h *Handlers) ListScans(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)

	scans, err := h.jobs.ListScans(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list scans", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list scans")
		return
	}

	h.respondJSON(w, http.StatusOK, scans)
}

// GetScanOpportunities returns a scan's ranked rows.
func (h *Handlers) GetScanOpportunities(w http.ResponseWriter, r *http.Request) {
	scanID, ok := h.scanIDParam(w, r)
	if !ok {
		return
	}

	rows, err := h.jobs.GetScanResults(r.Context(), scanID)
	if errors.Is(err, jobs.ErrScanNotFound) {
		h.respondError(w, http.StatusNotFound, "scan not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get scan results", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get results")
		return
	}

	h.respondJSON(w, http.StatusOK, rows)
}

// GetRecentOpportunities returns opportunities stored across all scans in
// the lookback window. `hours` bounds the window, `limit` the row count.
func (h *Handlers) GetRecentOpportunities(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", 24)
	limit := intQuery(r, "limit", 100)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	rows, err := h.jobs.GetRecentOpportunities(r.Context(), since, limit)
	if err != nil {
		h.logger.Error("failed to list opportunities", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}
	if rows == nil {
		rows = []models.OpportunityRow{}
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"since":         since,
		"count":         len(rows),
		"opportunities": rows,
	})
}

// GetOpportunity returns the latest stored opportunity for one ASIN.
func (h *Handlers) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	asin := chi.URLParam(r, "asin")

	row, err := h.jobs.GetOpportunityByASIN(r.Context(), asin)
	if err != nil {
		h.logger.Error("failed to get opportunity", "asin", asin, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get opportunity")
		return
	}
	if row == nil {
		h.respondError(w, http.StatusNotFound, "opportunity not found")
		return
	}

	h.respondJSON(w, http.StatusOK, row)
}

// GetCategories runs live category discovery.
func (h *Handlers) GetCategories(w http.ResponseWriter, r *http.Request) {
	max := intQuery(r, "max", h.maxCats)

	categories, err := h.discoverer.DiscoverCategories(r.Context(), max)
	if err != nil {
		h.logger.Error("category discovery failed", "error", err)
		h.respondError(w, http.StatusBadGateway, "category discovery failed")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

// GetStats returns job/opportunity counters.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// Health reports service liveness plus outbox queue depths.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}

	if h.outbox != nil {
		pending, err := h.outbox.GetPendingCount(r.Context())
		if err != nil {
			h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"error":  "outbox unavailable",
			})
			return
		}
		deadLetter, _ := h.outbox.GetDeadLetterCount(r.Context())
		resp["outbox_pending"] = pending
		resp["outbox_dead_letter"] = deadLetter
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) scanIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "scanID")
	scanID, err := uuid.Parse(raw)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid scan ID")
		return uuid.Nil, false
	}
	return scanID, true
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

var (
	_ ScanService  = (*jobs.Manager)(nil)
	_ OutboxDepths = (*database.Relay)(nil)
)
