package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipfinder/arbitrage-scanner/internal/arbitrage"
	"github.com/flipfinder/arbitrage-scanner/internal/database"
)

// fakeRow feeds canned column values into scanJobRow the way a pgx row
// would.
type fakeRow struct {
	values []any
	err    error
}

func (f *fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *uuid.UUID:
			*target = f.values[i].(uuid.UUID)
		case *[]byte:
			*target = f.values[i].([]byte)
		case *string:
			*target = f.values[i].(string)
		case *int:
			*target = f.values[i].(int)
		case **string:
			*target, _ = f.values[i].(*string)
		case *time.Time:
			*target = f.values[i].(time.Time)
		case **time.Time:
			*target, _ = f.values[i].(*time.Time)
		}
	}
	return nil
}

func jobRowValues(t *testing.T) []any {
	t.Helper()

	params := arbitrage.ScanParams{MinProfit: 5, MinMargin: 0.2, QueryWords: 6}
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)

	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	basis := "listing_count"

	return []any{
		uuid.New(),
		[]byte(`["https://www.amazon.co.uk/gp/bestsellers/toys"]`),
		paramsJSON,
		StatusRunning,
		3,       // categories_scanned
		1,       // categories_failed
		120,     // candidates_seen
		7,       // opportunities
		&basis,  // demand_basis
		started, // created_at
		&started,
		(*time.Time)(nil),
		(*string)(nil),
	}
}

func TestScanJobRow(t *testing.T) {
	t.Run("decodes all columns", func(t *testing.T) {
		row := &fakeRow{values: jobRowValues(t)}

		job, err := scanJobRow(row)
		require.NoError(t, err)

		assert.Equal(t, StatusRunning, job.Status)
		assert.Equal(t, []string{"https://www.amazon.co.uk/gp/bestsellers/toys"}, job.Categories)
		assert.Equal(t, 5.0, job.Params.MinProfit)
		assert.Equal(t, 6, job.Params.QueryWords)
		assert.Equal(t, 3, job.CategoriesScanned)
		assert.Equal(t, 7, job.Opportunities)
		assert.Equal(t, "listing_count", job.DemandBasis)
		require.NotNil(t, job.StartedAt)
		assert.Nil(t, job.CompletedAt)
		assert.Nil(t, job.Error)
	})

	t.Run("nil demand basis maps to empty string", func(t *testing.T) {
		values := jobRowValues(t)
		values[8] = (*string)(nil)

		job, err := scanJobRow(&fakeRow{values: values})
		require.NoError(t, err)
		assert.Empty(t, job.DemandBasis)
	})

	t.Run("corrupt params JSON fails", func(t *testing.T) {
		values := jobRowValues(t)
		values[2] = []byte(`{broken`)

		_, err := scanJobRow(&fakeRow{values: values})
		assert.Error(t, err)
	})

	t.Run("scan error propagates", func(t *testing.T) {
		scanErr := errors.New("connection reset")

		_, err := scanJobRow(&fakeRow{err: scanErr})
		assert.ErrorIs(t, err, scanErr)
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContextAndDB(t *testing.T) (context.Context, *database.DB) {
	t.Helper()
	t.Skip("Test database not configured")
	return context.Background(), nil
}

func TestManager_CreateScan(t *testing.T) {
	ctx, db := testContextAndDB(t)
	defer db.Close()

	m := NewManager(db, nil, nil, nil, arbitrage.ScanParams{}, 12, testLogger())

	job, err := m.CreateScan(ctx, []string{"https://www.amazon.co.uk/gp/bestsellers/toys"}, arbitrage.ScanParams{MinProfit: 2})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.NotEqual(t, uuid.Nil, job.ID)

	fetched, err := m.GetScan(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, fetched.ID)
	assert.Equal(t, 2.0, fetched.Params.MinProfit)
}

func TestManager_GetScan_NotFound(t *testing.T) {
	ctx, db := testContextAndDB(t)
	defer db.Close()

	m := NewManager(db, nil, nil, nil, arbitrage.ScanParams{}, 12, testLogger())

	_, err := m.GetScan(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrScanNotFound)
}
