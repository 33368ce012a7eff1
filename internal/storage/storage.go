package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flipfinder/arbitrage-scanner/internal/models"
)

// ScanSnapshot is the on-disk record of one completed scan: the ranked
// opportunity rows plus the run counters, for offline review or diffing
// against a later run.
type ScanSnapshot struct {
	ScanID     string                  `json:"scan_id,omitempty"`
	Categories []string                `json:"categories"`
	SavedAt    time.Time               `json:"saved_at"`
	Summary    models.ScanSummary      `json:"summary"`
	Rows       []models.OpportunityRow `json:"rows"`
}

// SnapshotStore reads and writes scan snapshots as a single JSON file.
// Saves go through a temp file and rename so a crash mid-write never
// leaves a truncated snapshot behind.
type SnapshotStore struct {
	mu       sync.RWMutex
	filename string
	snapshot *ScanSnapshot
}

func NewSnapshotStore(filename string) (*SnapshotStore, error) {
	ss := &SnapshotStore{
		filename: filename,
	}

	if err := ss.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return ss, nil
}

func (ss *SnapshotStore) Save(snapshot *ScanSnapshot) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = time.Now()
	}

	ss.snapshot = snapshot
	return ss.save()
}

// Latest returns the most recently saved or loaded snapshot.
func (ss *SnapshotStore) Latest() (*ScanSnapshot, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	return ss.snapshot, ss.snapshot != nil
}

// RowsAbove filters the stored rows by a minimum profit.
func (ss *SnapshotStore) RowsAbove(minProfit float64) []models.OpportunityRow {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	if ss.snapshot == nil {
		return nil
	}

	var rows []models.OpportunityRow
	for _, row := range ss.snapshot.Rows {
		if row.Profit >= minProfit {
			rows = append(rows, row)
		}
	}
	return rows
}

func (ss *SnapshotStore) Stats() map[string]int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	stats := make(map[string]int)
	if ss.snapshot == nil {
		return stats
	}

	stats["rows"] = len(ss.snapshot.Rows)
	stats["categories"] = len(ss.snapshot.Categories)
	stats["candidates_seen"] = ss.snapshot.Summary.CandidatesSeen
	stats["candidates_excluded"] = ss.snapshot.Summary.CandidatesExcluded
	stats["candidates_skipped"] = ss.snapshot.Summary.CandidatesSkipped
	stats["categories_failed"] = ss.snapshot.Summary.CategoriesFailed
	return stats
}

func (ss *SnapshotStore) save() error {
	data, err := json.MarshalIndent(ss.snapshot, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := ss.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpFile, ss.filename)
}

func (ss *SnapshotStore) Load() error {
	data, err := os.ReadFile(ss.filename)
	if err != nil {
		return err
	}

	var snapshot ScanSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}

	ss.mu.Lock()
	ss.snapshot = &snapshot
	ss.mu.Unlock()

	return nil
}
