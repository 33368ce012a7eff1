package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flipfinder/arbitrage-scanner/internal/arbitrage"
)

// StartWorker polls for pending scans until the context is cancelled. One
// scan runs at a time per process; concurrent workers coexist through the
// SKIP LOCKED claim.
func (m *Manager) StartWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	m.logger.Info("scan worker started", "poll_interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("scan worker stopping")
			return
		case <-ticker.C:
			m.processNextScan(ctx)
		}
	}
}

// processNextScan claims one pending scan and runs it. Claiming happens in
// its own transaction so crashed workers release their claim on rollback.
func (m *Manager) processNextScan(ctx context.Context) {
	scanID, categories, params, ok := m.claimScan(ctx)
	if !ok {
		return
	}

	m.logger.Info("processing scan", "id", scanID)

	if err := m.runScan(ctx, scanID, categories, params); err != nil {
		m.logger.Error("scan failed", "id", scanID, "error", err)
		if updateErr := m.updateScanStatus(ctx, scanID, StatusFailed, err); updateErr != nil {
			m.logger.Error("failed to mark scan as failed", "id", scanID, "error", updateErr)
		}
		return
	}

	if err := m.updateScanStatus(ctx, scanID, StatusCompleted, nil); err != nil {
		m.logger.Error("failed to mark scan as completed", "id", scanID, "error", err)
	}

	m.logger.Info("scan completed", "id", scanID)
}

// claimScan picks the oldest pending scan and flips it to running within a
// single transaction.
func (m *Manager) claimScan(ctx context.Context) (uuid.UUID, []string, arbitrage.ScanParams, bool) {
	var scanID uuid.UUID
	var categories []string
	var params arbitrage.ScanParams

	err := m.db.WithTx(ctx, func(tx pgx.Tx) error {
		query := `
			SELECT id, categories, params
			FROM scan_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`

		var categoriesJSON, paramsJSON []byte
		if err := tx.QueryRow(ctx, query).Scan(&scanID, &categoriesJSON, &paramsJSON); err != nil {
			return err
		}

		if err := json.Unmarshal(categoriesJSON, &categories); err != nil {
			return fmt.Errorf("failed to unmarshal categories: %w", err)
		}
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return fmt.Errorf("failed to unmarshal params: %w", err)
		}

		now := time.Now()
		_, err := tx.Exec(ctx,
			`UPDATE scan_jobs SET status = $1, started_at = $2 WHERE id = $3`,
			StatusRunning, now, scanID)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil, arbitrage.ScanParams{}, false
	}
	if err != nil {
		m.logger.Error("failed to claim scan", "error", err)
		return uuid.Nil, nil, arbitrage.ScanParams{}, false
	}

	return scanID, categories, params, true
}

// runScan executes one scan end to end: discover categories when none were
// given, run the pipeline, then commit the rows and their events atomically.
func (m *Manager) runScan(ctx context.Context, scanID uuid.UUID, categories []string, params arbitrage.ScanParams) error {
	if len(categories) == 0 {
		discovered, err := m.discoverer.DiscoverCategories(ctx, m.maxCategories)
		if err != nil {
			return fmt.Errorf("category discovery failed: %w", err)
		}
		categories = discovered
		m.logger.Info("categories discovered", "scan", scanID, "count", len(categories))
	}

	rows, summary, err := m.runner.FindOpportunities(ctx, categories, params)
	if err != nil {
		return fmt.Errorf("scan pipeline failed: %w", err)
	}

	err = m.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := m.opportunities.InsertBatchWithTx(ctx, tx, scanID, rows); err != nil {
			return err
		}
		for i := range rows {
			if err := m.publisher.PublishOpportunityDetectedWithTx(ctx, tx, scanID, &rows[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist scan results: %w", err)
	}

	if err := m.recordScanSummary(ctx, scanID, summary); err != nil {
		m.logger.Error("failed to record scan summary", "id", scanID, "error", err)
	}

	return nil
}
