package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flipfinder/arbitrage-scanner/internal/models"
)

// StoredOpportunity is one persisted opportunity row, keyed by the scan
// that produced it. The full row is kept as JSON alongside the columns the
// API filters and sorts on.
type StoredOpportunity struct {
	ID         uuid.UUID             `db:"id"`
	ScanID     uuid.UUID             `db:"scan_id"`
	ASIN       string                `db:"asin"`
	Title      string                `db:"title"`
	Profit     float64               `db:"profit"`
	Margin     float64               `db:"margin"`
	SoldRecent int                   `db:"sold_recent"`
	Row        models.OpportunityRow `db:"row_data"`
	CreatedAt  time.Time             `db:"created_at"`
}

// OpportunityRepository persists scan results.
type OpportunityRepository struct {
	db *DB
}

func NewOpportunityRepository(db *DB) *OpportunityRepository {
	return &OpportunityRepository{db: db}
}

// InsertBatchWithTx stores a scan's rows inside the caller's transaction so
// the rows and the outbox events they trigger commit atomically.
func (r *OpportunityRepository) InsertBatchWithTx(ctx context.Context, tx pgx.Tx, scanID uuid.UUID, rows []models.OpportunityRow) error {
	query := `
		INSERT INTO opportunity (
			id, scan_id, asin, title, profit, margin, sold_recent, row_data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	now := time.Now()
	for i := range rows {
		payload, err := json.Marshal(&rows[i])
		if err != nil {
			return fmt.Errorf("failed to marshal opportunity: %w", err)
		}

		_, err = tx.Exec(ctx, query,
			uuid.New(), scanID, rows[i].ASIN, rows[i].Title,
			rows[i].Profit, rows[i].Margin, rows[i].SoldRecent,
			payload, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert opportunity: %w", err)
		}
	}

	return nil
}

// ListByScan returns a scan's rows ordered the way the scanner ranked them.
func (r *OpportunityRepository) ListByScan(ctx context.Context, scanID uuid.UUID) ([]models.OpportunityRow, error) {
	query := `
		SELECT row_data
		FROM opportunity
		WHERE scan_id = $1
		ORDER BY profit DESC, sold_recent DESC`

	rows, err := r.db.pool.Query(ctx, query, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	return scanOpportunityRows(rows)
}

// ListRecent returns the most profitable rows across all scans since the
// given cutoff.
func (r *OpportunityRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]models.OpportunityRow, error) {
	query := `
		SELECT row_data
		FROM opportunity
		WHERE created_at >= $1
		ORDER BY profit DESC, sold_recent DESC
		LIMIT $2`

	rows, err := r.db.pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent opportunities: %w", err)
	}
	defer rows.Close()

	return scanOpportunityRows(rows)
}

// GetByASIN returns the latest stored row for one source item.
func (r *OpportunityRepository) GetByASIN(ctx context.Context, asin string) (*models.OpportunityRow, error) {
	query := `
		SELECT row_data
		FROM opportunity
		WHERE asin = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var payload []byte
	err := r.db.pool.QueryRow(ctx, query, asin).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get opportunity: %w", err)
	}

	var row models.OpportunityRow
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal opportunity: %w", err)
	}

	return &row, nil
}

func scanOpportunityRows(rows pgx.Rows) ([]models.OpportunityRow, error) {
	var out []models.OpportunityRow
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}

		var row models.OpportunityRow
		if err := json.Unmarshal(payload, &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal opportunity: %w", err)
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return out, nil
}
