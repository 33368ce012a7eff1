package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flipfinder/arbitrage-scanner/internal/arbitrage"
	"github.com/flipfinder/arbitrage-scanner/internal/database"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
	"github.com/flipfinder/arbitrage-scanner/internal/scanservice/events"
)

// ErrScanNotFound is returned when a scan ID does not exist.
var ErrScanNotFound = errors.New("scan not found")

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Runner is the scan pipeline the worker drives.
type Runner interface {
	FindOpportunities(ctx context.Context, categories []string, params arbitrage.ScanParams) ([]models.OpportunityRow, *models.ScanSummary, error)
}

// Discoverer supplies category URLs when a scan was created without any.
type Discoverer interface {
	DiscoverCategories(ctx context.Context, max int) ([]string, error)
}

// Manager owns scan-job persistence and the background worker that claims
// and runs pending scans.
type Manager struct {
	db            *database.DB
	opportunities *database.OpportunityRepository
	runner        Runner
	discoverer    Discoverer
	publisher     *events.Publisher
	defaults      arbitrage.ScanParams
	maxCategories int
	logger        *slog.Logger
}

func NewManager(db *database.DB, runner Runner, discoverer Discoverer, publisher *events.Publisher, defaults arbitrage.ScanParams, maxCategories int, logger *slog.Logger) *Manager {
	return &Manager{
		db:            db,
		opportunities: database.NewOpportunityRepository(db),
		runner:        runner,
		discoverer:    discoverer,
		publisher:     publisher,
		defaults:      defaults,
		maxCategories: maxCategories,
		logger:        logger.With("component", "scan_manager"),
	}
}

// ScanJob is one queued or finished scan.
type ScanJob struct {
	ID                uuid.UUID            `json:"id"`
	Categories        []string             `json:"categories,omitempty"`
	Params            arbitrage.ScanParams `json:"params"`
	Status            string               `json:"status"`
	CategoriesScanned int                  `json:"categories_scanned"`
	CategoriesFailed  int                  `json:"categories_failed"`
	CandidatesSeen    int                  `json:"candidates_seen"`
	Opportunities     int                  `json:"opportunities"`
	DemandBasis       string               `json:"demand_basis,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	StartedAt         *time.Time           `json:"started_at,omitempty"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
	Error             *string              `json:"error,omitempty"`
}

// Stats aggregates job and opportunity counters for the stats endpoint.
type Stats struct {
	TotalScans         int     `json:"total_scans"`
	PendingScans       int     `json:"pending_scans"`
	RunningScans       int     `json:"running_scans"`
	CompletedScans     int     `json:"completed_scans"`
	FailedScans        int     `json:"failed_scans"`
	TotalOpportunities int     `json:"total_opportunities"`
	SuccessRate        float64 `json:"success_rate"`
}

// CreateScan queues a new scan. Empty categories means the worker discovers
// them at run time.
func (m *Manager) CreateScan(ctx context.Context, categories []string, params arbitrage.ScanParams) (*ScanJob, error) {
	job := &ScanJob{
		ID:         uuid.New(),
		Categories: categories,
		Params:     params,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}

	categoriesJSON, err := json.Marshal(job.Categories)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal categories: %w", err)
	}
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	query := `
		INSERT INTO scan_jobs (id, categories, params, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = m.db.Exec(ctx, query, job.ID, categoriesJSON, paramsJSON, job.Status, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan: %w", err)
	}

	m.logger.Info("scan created", "id", job.ID, "categories", len(categories))
	return job, nil
}

// GetScan retrieves a scan by ID.
func (m *Manager) GetScan(ctx context.Context, scanID uuid.UUID) (*ScanJob, error) {
	query := `
		SELECT id, categories, params, status,
		       categories_scanned, categories_failed, candidates_seen,
		       opportunities, demand_basis, created_at, started_at, completed_at, error
		FROM scan_jobs
		WHERE id = $1`

	job, err := scanJobRow(m.db.QueryRow(ctx, query, scanID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return job, nil
}

// ListScans returns the most recent scans.
func (m *Manager) ListScans(ctx context.Context, limit int) ([]*ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, categories, params, status,
		       categories_scanned, categories_failed, candidates_seen,
		       opportunities, demand_basis, created_at, started_at, completed_at, error
		FROM scan_jobs
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := m.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var jobs []*ScanJob
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return jobs, nil
}

// GetScanResults returns a scan's stored opportunity rows, ranked.
func (m *Manager) GetScanResults(ctx context.Context, scanID uuid.UUID) ([]models.OpportunityRow, error) {
	if _, err := m.GetScan(ctx, scanID); err != nil {
		return nil, err
	}
	return m.opportunities.ListByScan(ctx, scanID)
}

// GetRecentOpportunities returns opportunities stored since the cutoff,
// newest scans first, ranked by profit within a scan.
func (m *Manager) GetRecentOpportunities(ctx context.Context, since time.Time, limit int) ([]models.OpportunityRow, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.opportunities.ListRecent(ctx, since, limit)
}

// GetOpportunityByASIN returns the latest stored opportunity for an ASIN,
// or nil when the item has never cleared the profitability gate.
func (m *Manager) GetOpportunityByASIN(ctx context.Context, asin string) (*models.OpportunityRow, error) {
	return m.opportunities.GetByASIN(ctx, asin)
}

// GetStats aggregates job counters.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	query := `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'running' THEN 1 END),
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM scan_jobs`

	err := m.db.QueryRow(ctx, query).Scan(
		&stats.TotalScans, &stats.PendingScans, &stats.RunningScans,
		&stats.CompletedScans, &stats.FailedScans,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	if stats.TotalScans > 0 {
		stats.SuccessRate = float64(stats.CompletedScans) / float64(stats.TotalScans) * 100
	}

	err = m.db.QueryRow(ctx, "SELECT COUNT(*) FROM opportunity").Scan(&stats.TotalOpportunities)
	if err != nil {
		return nil, fmt.Errorf("failed to count opportunities: %w", err)
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row rowScanner) (*ScanJob, error) {
	job := &ScanJob{}
	var categoriesJSON, paramsJSON []byte
	var demandBasis *string

	err := row.Scan(
		&job.ID, &categoriesJSON, &paramsJSON, &job.Status,
		&job.CategoriesScanned, &job.CategoriesFailed, &job.CandidatesSeen,
		&job.Opportunities, &demandBasis, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt, &job.Error,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(categoriesJSON, &job.Categories); err != nil {
		return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if demandBasis != nil {
		job.DemandBasis = *demandBasis
	}

	return job, nil
}

func (m *Manager) updateScanStatus(ctx context.Context, scanID uuid.UUID, status string, runErr error) error {
	var query string
	var args []interface{}

	now := time.Now()
	switch {
	case status == StatusRunning:
		query = `UPDATE scan_jobs SET status = $1, started_at = $2 WHERE id = $3`
		args = []interface{}{status, now, scanID}
	case status == StatusFailed && runErr != nil:
		query = `UPDATE scan_jobs SET status = $1, completed_at = $2, error = $3 WHERE id = $4`
		args = []interface{}{status, now, runErr.Error(), scanID}
	case status == StatusCompleted:
		query = `UPDATE scan_jobs SET status = $1, completed_at = $2 WHERE id = $3`
		args = []interface{}{status, now, scanID}
	default:
		query = `UPDATE scan_jobs SET status = $1 WHERE id = $2`
		args = []interface{}{status, scanID}
	}

	_, err := m.db.Exec(ctx, query, args...)
	return err
}

func (m *Manager) recordScanSummary(ctx context.Context, scanID uuid.UUID, summary *models.ScanSummary) error {
	query := `
		UPDATE scan_jobs
		SET categories_scanned = $1, categories_failed = $2,
		    candidates_seen = $3, opportunities = $4, demand_basis = $5
		WHERE id = $6`

	_, err := m.db.Exec(ctx, query,
		summary.CategoriesScanned, summary.CategoriesFailed,
		summary.CandidatesSeen, summary.Opportunities,
		string(summary.DemandBasis), scanID)
	return err
}
