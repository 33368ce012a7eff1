package ebay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
	"github.com/flipfinder/arbitrage-scanner/internal/money"
	"github.com/flipfinder/arbitrage-scanner/internal/ratelimit"
)

var soldCountRe = regexp.MustCompile(`([0-9][0-9,\.]*)\s+sold`)

// soldSelectors is the cascade for the "<n> sold" badge, which eBay renders
// under several different class names depending on the listing template.
var soldSelectors = []string{
	"span.s-item__hotness",
	"span.BOLD",
	"span.s-item__quantitySold",
	"span[aria-label*='sold']",
}

// ScrapeResolver is the credential-free strategy: it scrapes search result
// pages through the resilient fetcher. Demand is the SUM of scraped
// "<n> sold" quantities, which is a different measure from the API
// strategy's listing count.
type ScrapeResolver struct {
	cfg     config.EBayConfig
	fetcher Fetcher
	limiter ratelimit.RateLimiter
	logger  *slog.Logger
}

func NewScrapeResolver(cfg config.EBayConfig, fetcher Fetcher, limiter ratelimit.RateLimiter, logger *slog.Logger) *ScrapeResolver {
	return &ScrapeResolver{
		cfg:     cfg,
		fetcher: fetcher,
		limiter: limiter,
		logger:  logger.With("component", "ebay_scrape"),
	}
}

func (r *ScrapeResolver) Basis() models.DemandBasis {
	return models.DemandBasisQuantitySum
}

// BestMatch scrapes a fixed-price, new-condition search sorted by price
// ascending and keeps the result with the lowest price plus shipping.
// Comparison is strict-less-than, so the first-seen result wins exact ties.
func (r *ScrapeResolver) BestMatch(ctx context.Context, query string) (*models.MatchResult, error) {
	params := url.Values{}
	params.Set("_nkw", query)
	params.Set("LH_BIN", "1")
	params.Set("LH_PrefLoc", "1")
	params.Set("LH_ItemCondition", "1000")
	params.Set("rt", "nc")
	params.Set("_sop", "15")

	doc, err := r.fetchSearchPage(ctx, params)
	if err != nil {
		return nil, err
	}

	var best *models.MatchResult
	bestTotal := 0.0
	doc.Find("li.s-item").EachWithBreak(func(i int, item *goquery.Selection) bool {
		if i >= r.cfg.MaxResults {
			return false
		}

		price := money.ParsePrice(strings.TrimSpace(item.Find("span.s-item__price").First().Text()))
		if price == nil {
			// Unparseable price ("see price in basket" etc.) skips the
			// result, not the whole search.
			return true
		}

		shipping := 0.0
		if s := money.ParsePrice(strings.TrimSpace(item.Find("span.s-item__shipping, span.s-item__logisticsCost").First().Text())); s != nil {
			shipping = *s
		}

		total := *price + shipping
		if best == nil || total < bestTotal {
			title := strings.TrimSpace(item.Find("div.s-item__title span[role='heading'], h3.s-item__title").First().Text())
			link, _ := item.Find("a.s-item__link").First().Attr("href")
			best = &models.MatchResult{
				Title:    models.TruncateTitle(title, 200),
				Price:    price,
				Shipping: shipping,
				URL:      link,
			}
			bestTotal = total
		}
		return true
	})

	return best, nil
}

// RecentSales scrapes a completed/sold search and sums the embedded sold
// quantities across scanned results.
func (r *ScrapeResolver) RecentSales(ctx context.Context, query string) (models.DemandSignal, error) {
	params := url.Values{}
	params.Set("_nkw", query)
	params.Set("LH_Sold", "1")
	params.Set("LH_Complete", "1")
	params.Set("rt", "nc")
	params.Set("_sop", "10")

	doc, err := r.fetchSearchPage(ctx, params)
	if err != nil {
		return models.DemandSignal{Basis: r.Basis()}, err
	}

	scanCap := r.cfg.SoldScanCap
	if scanCap < 1 {
		scanCap = 20
	}

	totalSold := 0
	doc.Find("li.s-item").EachWithBreak(func(i int, item *goquery.Selection) bool {
		if i >= scanCap {
			return false
		}
		totalSold += soldCount(item)
		return true
	})

	return models.DemandSignal{SoldRecent: totalSold, Basis: r.Basis()}, nil
}

func (r *ScrapeResolver) fetchSearchPage(ctx context.Context, params url.Values) (*goquery.Document, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, _, err := r.fetcher.Fetch(ctx, r.cfg.SearchURL+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse search page: %w", err)
	}
	return doc, nil
}

func soldCount(item *goquery.Selection) int {
	for _, sel := range soldSelectors {
		el := item.Find(sel).First()
		if el.Length() == 0 {
			continue
		}
		text := strings.ToLower(strings.TrimSpace(el.Text()))
		m := soldCountRe.FindStringSubmatch(text)
		if m == nil {
			return 0
		}
		n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
