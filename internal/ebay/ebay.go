package ebay

import (
	"context"
	"log/slog"
	"strings"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
	"github.com/flipfinder/arbitrage-scanner/internal/ratelimit"
)

// Fetcher retrieves a page body. The HTML strategy shares the resilient
// fetcher with the Amazon side; the Finding API client has its own HTTP
// client since API errors are not bot-walls.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, int, error)
}

// Resolver finds the cheapest usable counter-listing and a recent-sales
// signal for a query. The two implementations are capability-equivalent but
// count demand differently; callers must not assume one basis or the other.
type Resolver interface {
	// BestMatch returns nil when no listing with a parseable price exists.
	BestMatch(ctx context.Context, query string) (*models.MatchResult, error)
	// RecentSales returns a demand signal tagged with its counting basis.
	RecentSales(ctx context.Context, query string) (models.DemandSignal, error)
	// Basis reports how this resolver counts demand.
	Basis() models.DemandBasis
}

// NewResolver selects the strategy once per scan: the Finding API when an
// application ID is configured, the HTML fallback otherwise.
func NewResolver(cfg config.EBayConfig, fetcher Fetcher, logger *slog.Logger) Resolver {
	if cfg.AppID != "" {
		return NewFindingClient(cfg, logger)
	}
	limiter := ratelimit.NewSimpleRateLimiter(cfg.SoldDelayMin, cfg.SoldDelayMax)
	return NewScrapeResolver(cfg, fetcher, limiter, logger)
}

// TruncateQuery keeps the first n words of a candidate title. Long tail
// words hurt match precision more than they help.
func TruncateQuery(title string, n int) string {
	words := strings.Fields(title)
	if n > 0 && len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
