package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flipfinder/arbitrage-scanner/internal/arbitrage"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
	"github.com/flipfinder/arbitrage-scanner/internal/scanservice/jobs"
)

type fakeScanService struct {
	created    *jobs.ScanJob
	lastParams arbitrage.ScanParams
	lastCats   []string
	lastSince  time.Time
	lastLimit  int
	scans      map[uuid.UUID]*jobs.ScanJob
	results    map[uuid.UUID][]models.OpportunityRow
	recent     []models.OpportunityRow
	byASIN     map[string]*models.OpportunityRow
	stats      *jobs.Stats
	err        error
}

func (f *fakeScanService) CreateScan(_ context.Context, categories []string, params arbitrage.ScanParams) (*jobs.ScanJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastCats = categories
	f.lastParams = params
	f.created = &jobs.ScanJob{
		ID:         uuid.New(),
		Categories: categories,
		Params:     params,
		Status:     jobs.StatusPending,
		CreatedAt:  time.Now(),
	}
	return f.created, nil
}

func (f *fakeScanService) GetScan(_ context.Context, scanID uuid.UUID) (*jobs.ScanJob, error) {
	if job, ok := f.scans[scanID]; ok {
		return job, nil
	}
	return nil, jobs.ErrScanNotFound
}

func (f *fakeScanService) ListScans(_ context.Context, _ int) ([]*jobs.ScanJob, error) {
	var out []*jobs.ScanJob
	for _, job := range f.scans {
		out = append(out, job)
	}
	return out, nil
}

func (f *fakeScanService) GetScanResults(_ context.Context, scanID uuid.UUID) ([]models.OpportunityRow, error) {
	if _, ok := f.scans[scanID]; !ok {
		return nil, jobs.ErrScanNotFound
	}
	return f.results[scanID], nil
}

func (f *fakeScanService) GetRecentOpportunities(_ context.Context, since time.Time, limit int) ([]models.OpportunityRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastSince = since
	f.lastLimit = limit
	return f.recent, nil
}

func (f *fakeScanService) GetOpportunityByASIN(_ context.Context, asin string) (*models.OpportunityRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byASIN[asin], nil
}

func (f *fakeScanService) GetStats(_ context.Context) (*jobs.Stats, error) {
	return f.stats, nil
}

type fakeDiscoverer struct {
	categories []string
	maxSeen    int
	err        error
}

func (f *fakeDiscoverer) DiscoverCategories(_ context.Context, max int) ([]string, error) {
	f.maxSeen = max
	return f.categories, f.err
}

type fakeOutboxDepths struct {
	pending    int64
	deadLetter int64
	err        error
}

func (f *fakeOutboxDepths) GetPendingCount(context.Context) (int64, error) {
	return f.pending, f.err
}

func (f *fakeOutboxDepths) GetDeadLetterCount(context.Context) (int64, error) {
	return f.deadLetter, nil
}

func testDefaults() arbitrage.ScanParams {
	return arbitrage.ScanParams{
		MinProfit:     3.0,
		MinMargin:     0.12,
		MinSoldRecent: 10,
		FeeRate:       0.13,
		FeeFixed:      0.30,
		QueryWords:    8,
		MaxItems:      50,
	}
}

func newTestRouter(svc ScanService, disc Discoverer, outbox OutboxDepths) *chi.Mux {
	h := NewHandlers(svc, disc, outbox, testDefaults(), 12, slog.Default())
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestCreateScan(t *testing.T) {
	t.Run("defaults applied when body omits overrides", func(t *testing.T) {
		svc := &fakeScanService{}
		router := newTestRouter(svc, &fakeDiscoverer{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewBufferString(`{}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)

		var resp CreateScanResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, jobs.StatusPending, resp.Status)
		assert.NotEmpty(t, resp.ScanID)

		assert.Equal(t, testDefaults(), svc.lastParams)
		assert.Empty(t, svc.lastCats)
	})

	t.Run("overrides replace only the given fields", func(t *testing.T) {
		svc := &fakeScanService{}
		router := newTestRouter(svc, &fakeDiscoverer{}, nil)

		body := `{"categories": ["https://www.amazon.co.uk/gp/bestsellers/kitchen"], "min_profit": 5.5, "query_words": 4}`
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.InDelta(t, 5.5, svc.lastParams.MinProfit, 0.001)
		assert.Equal(t, 4, svc.lastParams.QueryWords)
		assert.InDelta(t, 0.12, svc.lastParams.MinMargin, 0.001) // untouched default
		assert.Len(t, svc.lastCats, 1)
	})

	t.Run("rejects invalid fee rate", func(t *testing.T) {
		router := newTestRouter(&fakeScanService{}, &fakeDiscoverer{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewBufferString(`{"fee_rate": 1.5}`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		router := newTestRouter(&fakeScanService{}, &fakeDiscoverer{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewBufferString(`{not json`))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetScan(t *testing.T) {
	scanID := uuid.New()
	svc := &fakeScanService{scans: map[uuid.UUID]*jobs.ScanJob{
		scanID: {ID: scanID, Status: jobs.StatusCompleted, Opportunities: 3},
	}}
	router := newTestRouter(svc, &fakeDiscoverer{}, nil)

	t.Run("existing scan", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/"+scanID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var job jobs.ScanJob
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
		assert.Equal(t, scanID, job.ID)
		assert.Equal(t, 3, job.Opportunities)
	})

	t.Run("unknown scan returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/"+uuid.NewString(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed ID returns 400", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/scans/not-a-uuid", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetScanOpportunities(t *testing.T) {
	scanID := uuid.New()
	price := 4.99
	svc := &fakeScanService{
		scans: map[uuid.UUID]*jobs.ScanJob{scanID: {ID: scanID, Status: jobs.StatusCompleted}},
		results: map[uuid.UUID][]models.OpportunityRow{
			scanID: {
				{
					CandidateItem: models.CandidateItem{Title: "Widget", Price: &price},
					Profit:        8.84,
					SoldRecent:    40,
					SoldBasis:     models.DemandBasisQuantitySum,
				},
			},
		},
	}
	router := newTestRouter(svc, &fakeDiscoverer{}, nil)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/scans/%s/opportunities", scanID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var rows []models.OpportunityRow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "Widget", rows[0].Title)
	assert.InDelta(t, 8.84, rows[0].Profit, 0.001)
}

func TestGetRecentOpportunities(t *testing.T) {
	t.Run("defaults to a 24 hour window", func(t *testing.T) {
		svc := &fakeScanService{recent: []models.OpportunityRow{
			{CandidateItem: models.CandidateItem{ASIN: "B00AAAAAA1", Title: "Widget"}, Profit: 8.84},
		}}
		router := newTestRouter(svc, &fakeDiscoverer{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/opportunities", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 100, svc.lastLimit)
		assert.WithinDuration(t, time.Now().Add(-24*time.Hour), svc.lastSince, 5*time.Second)

		var body struct {
			Count         int                     `json:"count"`
			Opportunities []models.OpportunityRow `json:"opportunities"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 1, body.Count)
		require.Len(t, body.Opportunities, 1)
		assert.Equal(t, "B00AAAAAA1", body.Opportunities[0].ASIN)
	})

	t.Run("hours and limit query parameters", func(t *testing.T) {
		svc := &fakeScanService{}
		router := newTestRouter(svc, &fakeDiscoverer{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/opportunities?hours=48&limit=10", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 10, svc.lastLimit)
		assert.WithinDuration(t, time.Now().Add(-48*time.Hour), svc.lastSince, 5*time.Second)
	})

	t.Run("empty window returns an empty list", func(t *testing.T) {
		router := newTestRouter(&fakeScanService{}, &fakeDiscoverer{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/opportunities", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"opportunities":[]`)
	})
}

func TestGetOpportunity(t *testing.T) {
	svc := &fakeScanService{byASIN: map[string]*models.OpportunityRow{
		"B00AAAAAA1": {CandidateItem: models.CandidateItem{ASIN: "B00AAAAAA1", Title: "Widget"}, Profit: 8.84},
	}}
	router := newTestRouter(svc, &fakeDiscoverer{}, nil)

	t.Run("known item", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/opportunities/B00AAAAAA1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var row models.OpportunityRow
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&row))
		assert.Equal(t, "Widget", row.Title)
		assert.InDelta(t, 8.84, row.Profit, 0.001)
	})

	t.Run("unknown item returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/opportunities/B00ZZZZZZ9", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetCategories(t *testing.T) {
	t.Run("uses max query parameter", func(t *testing.T) {
		disc := &fakeDiscoverer{categories: []string{"https://www.amazon.co.uk/gp/bestsellers/kitchen"}}
		router := newTestRouter(&fakeScanService{}, disc, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/categories?max=5", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5, disc.maxSeen)
	})

	t.Run("discovery failure maps to 502", func(t *testing.T) {
		disc := &fakeDiscoverer{err: fmt.Errorf("all seeds blocked")}
		router := newTestRouter(&fakeScanService{}, disc, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestGetStats(t *testing.T) {
	svc := &fakeScanService{stats: &jobs.Stats{
		TotalScans:         10,
		CompletedScans:     8,
		TotalOpportunities: 37,
		SuccessRate:        80,
	}}
	router := newTestRouter(svc, &fakeDiscoverer{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats jobs.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 37, stats.TotalOpportunities)
}

func TestHealth(t *testing.T) {
	t.Run("includes outbox depths", func(t *testing.T) {
		router := newTestRouter(&fakeScanService{}, &fakeDiscoverer{}, &fakeOutboxDepths{pending: 4, deadLetter: 1})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]any
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		assert.EqualValues(t, 4, body["outbox_pending"])
		assert.EqualValues(t, 1, body["outbox_dead_letter"])
	})

	t.Run("degraded when outbox unreachable", func(t *testing.T) {
		router := newTestRouter(&fakeScanService{}, &fakeDiscoverer{}, &fakeOutboxDepths{err: fmt.Errorf("db down")})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
