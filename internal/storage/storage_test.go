package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipfinder/arbitrage-scanner/internal/models"
)

func sampleSnapshot() *ScanSnapshot {
	return &ScanSnapshot{
		ScanID:     "b7c1e2d0-0000-0000-0000-000000000001",
		Categories: []string{"https://www.amazon.co.uk/gp/bestsellers/toys"},
		Summary: models.ScanSummary{
			CategoriesScanned: 1,
			CandidatesSeen:    5,
			CandidatesSkipped: 2,
			Opportunities:     2,
			DemandBasis:       models.DemandBasisListingCount,
		},
		Rows: []models.OpportunityRow{
			{
				CandidateItem: models.CandidateItem{ASIN: "B00AAAAAA1", Title: "Building blocks"},
				Profit:        8.84, Margin: 0.40, SoldRecent: 31,
			},
			{
				CandidateItem: models.CandidateItem{ASIN: "B00AAAAAA2", Title: "Puzzle cube"},
				Profit:        2.10, Margin: 0.15, SoldRecent: 7,
			},
		},
	}
}

func TestSnapshotStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.json")

	store, err := NewSnapshotStore(path)
	require.NoError(t, err)

	_, ok := store.Latest()
	assert.False(t, ok, "fresh store should have no snapshot")

	require.NoError(t, store.Save(sampleSnapshot()))

	// A new store against the same file loads the saved snapshot.
	reloaded, err := NewSnapshotStore(path)
	require.NoError(t, err)

	snapshot, ok := reloaded.Latest()
	require.True(t, ok)
	assert.Equal(t, "b7c1e2d0-0000-0000-0000-000000000001", snapshot.ScanID)
	require.Len(t, snapshot.Rows, 2)
	assert.Equal(t, "B00AAAAAA1", snapshot.Rows[0].ASIN)
	assert.Equal(t, models.DemandBasisListingCount, snapshot.Summary.DemandBasis)
	assert.False(t, snapshot.SavedAt.IsZero())
}

func TestSnapshotStore_SaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.json")

	store, err := NewSnapshotStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(sampleSnapshot()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scan.json", entries[0].Name())
}

func TestSnapshotStore_RowsAbove(t *testing.T) {
	store, err := NewSnapshotStore(filepath.Join(t.TempDir(), "scan.json"))
	require.NoError(t, err)
	require.NoError(t, store.Save(sampleSnapshot()))

	rows := store.RowsAbove(5.00)
	require.Len(t, rows, 1)
	assert.Equal(t, "B00AAAAAA1", rows[0].ASIN)

	assert.Len(t, store.RowsAbove(0), 2)
	assert.Empty(t, store.RowsAbove(100))
}

func TestSnapshotStore_Stats(t *testing.T) {
	store, err := NewSnapshotStore(filepath.Join(t.TempDir(), "scan.json"))
	require.NoError(t, err)

	assert.Empty(t, store.Stats())

	require.NoError(t, store.Save(sampleSnapshot()))

	stats := store.Stats()
	assert.Equal(t, 2, stats["rows"])
	assert.Equal(t, 1, stats["categories"])
	assert.Equal(t, 5, stats["candidates_seen"])
	assert.Equal(t, 2, stats["candidates_skipped"])
}

func TestSnapshotStore_RejectsNilSnapshot(t *testing.T) {
	store, err := NewSnapshotStore(filepath.Join(t.TempDir(), "scan.json"))
	require.NoError(t, err)

	assert.Error(t, store.Save(nil))
}

func TestSnapshotStore_CorruptFileFailsConstruction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewSnapshotStore(path)
	assert.Error(t, err)
}
