package ebay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
	"github.com/flipfinder/arbitrage-scanner/internal/ratelimit"
)

// FindingClient resolves prices and demand through the eBay Finding API.
// Demand is the count of returned completed listings: the API does not
// reliably expose per-listing quantity sold, so listing presence stands in
// as a conservative proxy.
type FindingClient struct {
	cfg        config.EBayConfig
	httpClient *http.Client
	limiter    ratelimit.RateLimiter
	logger     *slog.Logger
}

func NewFindingClient(cfg config.EBayConfig, logger *slog.Logger) *FindingClient {
	interval := cfg.APIInterval
	if interval <= 0 {
		interval = time.Second
	}
	burst := cfg.APIBurst
	if burst < 1 {
		burst = 1
	}
	return &FindingClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 25 * time.Second},
		limiter:    ratelimit.NewTokenBucketRateLimiter(burst, interval),
		logger:     logger.With("component", "ebay_finding"),
	}
}

func (c *FindingClient) Basis() models.DemandBasis {
	return models.DemandBasisListingCount
}

// The Finding API wraps every field in a single-element array. These types
// mirror that shape rather than fighting it.
type findingEnvelope struct {
	FindItemsByKeywordsResponse findingResponses `json:"findItemsByKeywordsResponse"`
	FindCompletedItemsResponse  findingResponses `json:"findCompletedItemsResponse"`
}

type findingResponse struct {
	SearchResult []struct {
		Item []findingItem `json:"item"`
	} `json:"searchResult"`
}

type findingItem struct {
	Title         []string `json:"title"`
	ViewItemURL   []string `json:"viewItemURL"`
	SellingStatus []struct {
		CurrentPrice []findingAmount `json:"currentPrice"`
	} `json:"sellingStatus"`
	ShippingInfo []struct {
		ShippingServiceCost []findingAmount `json:"shippingServiceCost"`
	} `json:"shippingInfo"`
}

type findingAmount struct {
	Value string `json:"__value__"`
}

// BestMatch searches fixed-price, new-condition, GB-located listings sorted
// by price plus shipping and returns the cheapest total.
func (c *FindingClient) BestMatch(ctx context.Context, query string) (*models.MatchResult, error) {
	params := c.baseParams("findItemsByKeywords", query)
	params.Set("buyerPostalCode", c.cfg.PostalCode)
	params.Set("sortOrder", "PricePlusShippingLowest")
	params.Set("itemFilter(0).name", "ListingType")
	params.Set("itemFilter(0).value(0)", "FixedPrice")
	params.Set("itemFilter(1).name", "Condition")
	params.Set("itemFilter(1).value(0)", "1000")
	params.Set("itemFilter(2).name", "LocatedIn")
	params.Set("itemFilter(2).value(0)", "GB")
	params.Set("paginationInput.entriesPerPage", "10")

	var envelope findingEnvelope
	if err := c.call(ctx, params, &envelope); err != nil {
		return nil, err
	}

	items := envelope.FindItemsByKeywordsResponse.items()
	if len(items) == 0 {
		return nil, nil
	}

	var best *models.MatchResult
	bestTotal := 0.0
	for _, it := range items {
		price, ok := it.price()
		if !ok {
			continue
		}
		shipping := it.shipping()
		total := price + shipping
		if best == nil || total < bestTotal {
			p := price
			best = &models.MatchResult{
				Title:    models.TruncateTitle(it.title(), 200),
				Price:    &p,
				Shipping: shipping,
				URL:      it.viewURL(),
			}
			bestTotal = total
		}
	}

	return best, nil
}

// RecentSales counts completed sold listings located in GB.
func (c *FindingClient) RecentSales(ctx context.Context, query string) (models.DemandSignal, error) {
	params := c.baseParams("findCompletedItems", query)
	params.Set("itemFilter(0).name", "SoldItemsOnly")
	params.Set("itemFilter(0).value(0)", "true")
	params.Set("itemFilter(1).name", "LocatedIn")
	params.Set("itemFilter(1).value(0)", "GB")
	params.Set("paginationInput.entriesPerPage", "50")
	params.Set("sortOrder", "EndTimeSoonest")

	var envelope findingEnvelope
	if err := c.call(ctx, params, &envelope); err != nil {
		return models.DemandSignal{Basis: c.Basis()}, err
	}

	return models.DemandSignal{
		SoldRecent: len(envelope.FindCompletedItemsResponse.items()),
		Basis:      c.Basis(),
	}, nil
}

func (c *FindingClient) baseParams(operation, query string) url.Values {
	params := url.Values{}
	params.Set("OPERATION-NAME", operation)
	params.Set("SERVICE-VERSION", "1.13.0")
	params.Set("SECURITY-APPNAME", c.cfg.AppID)
	params.Set("RESPONSE-DATA-FORMAT", "JSON")
	params.Set("REST-PAYLOAD", "true")
	params.Set("keywords", query)
	return params
}

func (c *FindingClient) call(ctx context.Context, params url.Values, out *findingEnvelope) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.FindingURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build finding request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("finding API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read finding response: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode finding response: %w", err)
	}

	return nil
}

type findingResponses []findingResponse

func (rs findingResponses) items() []findingItem {
	if len(rs) == 0 || len(rs[0].SearchResult) == 0 {
		return nil
	}
	return rs[0].SearchResult[0].Item
}

func (it findingItem) title() string {
	if len(it.Title) == 0 {
		return ""
	}
	return it.Title[0]
}

func (it findingItem) viewURL() string {
	if len(it.ViewItemURL) == 0 {
		return ""
	}
	return it.ViewItemURL[0]
}

func (it findingItem) price() (float64, bool) {
	if len(it.SellingStatus) == 0 || len(it.SellingStatus[0].CurrentPrice) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(it.SellingStatus[0].CurrentPrice[0].Value, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (it findingItem) shipping() float64 {
	if len(it.ShippingInfo) == 0 || len(it.ShippingInfo[0].ShippingServiceCost) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(it.ShippingInfo[0].ShippingServiceCost[0].Value, 64)
	if err != nil {
		return 0
	}
	return v
}
