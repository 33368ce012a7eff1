package amazon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
	"github.com/flipfinder/arbitrage-scanner/internal/money"
	"github.com/flipfinder/arbitrage-scanner/internal/ratelimit"
)

// ErrAllPagesFailed is returned by ExtractListings when not a single page of
// a category could be fetched. A partially failed category still returns
// whatever it got, without error.
var ErrAllPagesFailed = errors.New("all category pages failed to fetch")

// Fetcher retrieves a page body. Satisfied by the HTTP fetch client and the
// optional browser transport.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, int, error)
}

const maxTitleLen = 180

var (
	categoryPathRe = regexp.MustCompile(`/gp/bestsellers/[^/]+/?$`)
	asinDPRe       = regexp.MustCompile(`/dp/([A-Z0-9]{10})`)
	asinProductRe  = regexp.MustCompile(`/gp/product/([A-Z0-9]{10})`)
	ratingRe       = regexp.MustCompile(`([0-9]+\.[0-9])`)
	digitsRe       = regexp.MustCompile(`[^0-9]`)
)

// Best-seller markup rotates obfuscated class names across deployments, so
// every structural lookup runs a cascade of selectors and treats a total
// miss as "fewer items", never as a failure.
var (
	cardSelectorsPrimary  = "div.zg-grid-general-faceout, div._cDEzb_grid-cell_1uMOS"
	cardSelectorsFallback = "div.a-section.a-spacing-none.aok-relative"

	titleSelectors = "div._cDEzb_p13n-sc-css-line-clamp-3_g3dy1, span.a-size-small, span.a-size-base, span._cDEzb_p13n-sc-css-line-clamp-2_EWgCb"
	priceSelectors = []string{
		"span._cDEzb_p13n-sc-price_3mJ9Z, span.a-color-price",
		"span.a-offscreen",
	}
	primeSelector   = "i.a-icon-prime, span[aria-label*='Prime']"
	ratingSelector  = "i.a-icon-star-small span.a-icon-alt, span.a-icon-alt"
	reviewsSelector = "span.a-size-base, span.a-size-small"
)

// seedCategories is the fallback when best-seller root discovery fails or
// yields nothing.
func seedCategories(baseURL string) []string {
	slugs := []string{
		"electronics", "kitchen", "computers", "garden", "sports",
		"toys", "health", "beauty", "diy", "automotive",
	}
	out := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		out = append(out, baseURL+"/gp/bestsellers/"+slug)
	}
	return out
}

// Client discovers best-seller categories and extracts candidate items from
// them.
type Client struct {
	fetcher Fetcher
	limiter ratelimit.RateLimiter
	cfg     config.AmazonConfig
	logger  *slog.Logger
}

func NewClient(fetcher Fetcher, limiter ratelimit.RateLimiter, cfg config.AmazonConfig, logger *slog.Logger) *Client {
	return &Client{
		fetcher: fetcher,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("component", "amazon"),
	}
}

// DiscoverCategories returns up to max best-seller category URLs. Discovery
// never fails: a fetch error or an empty extraction falls back to the seed
// list. Extracted results are sorted before truncation, so the output is the
// lexicographically-first subset of what the page offered.
func (c *Client) DiscoverCategories(ctx context.Context, max int) []string {
	if max < 1 {
		return nil
	}

	root := c.cfg.BaseURL + "/gp/bestsellers"

	body, _, err := c.fetcher.Fetch(ctx, root)
	if err != nil {
		c.logger.Warn("category discovery failed, using seed list", "error", err)
		return truncate(seedCategories(c.cfg.BaseURL), max)
	}

	found := c.extractCategoryURLs(body, max)
	if len(found) == 0 {
		c.logger.Warn("no categories extracted, using seed list")
		return truncate(seedCategories(c.cfg.BaseURL), max)
	}

	sort.Strings(found)
	return truncate(found, max)
}

func (c *Client) extractCategoryURLs(body string, max int) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var found []string

	doc.Find("a[href*='/gp/bestsellers/']").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, ok := a.Attr("href")
		if !ok || href == "" {
			return true
		}

		abs := c.resolveURL(href)
		parsed, err := url.Parse(abs)
		if err != nil {
			return true
		}
		// Category roots only; deeper paths are rank pages, not categories.
		if !categoryPathRe.MatchString(parsed.Path) {
			return true
		}

		if !seen[abs] {
			seen[abs] = true
			found = append(found, abs)
		}
		return len(found) < max
	})

	return found
}

// ExtractListings pulls up to maxItems candidate items from the first three
// pages of a category. A page that fails to fetch is skipped; the error is
// non-nil only when every page failed.
func (c *Client) ExtractListings(ctx context.Context, categoryURL string, maxItems int) ([]models.CandidateItem, error) {
	var items []models.CandidateItem
	pagesFailed := 0
	pages := c.cfg.PagesPerCat
	if pages < 1 {
		pages = 3
	}

	for pg := 1; pg <= pages; pg++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return items, err
		}

		body, _, err := c.fetcher.Fetch(ctx, pageURL(categoryURL, pg))
		if err != nil {
			pagesFailed++
			c.logger.Warn("category page fetch failed", "category", categoryURL, "page", pg, "error", err)
			continue
		}

		for _, item := range c.parseBestsellerPage(body, categoryURL) {
			items = append(items, item)
			if len(items) >= maxItems {
				return items, nil
			}
		}
	}

	if pagesFailed == pages {
		return nil, fmt.Errorf("%w: %s", ErrAllPagesFailed, categoryURL)
	}
	return items, nil
}

func pageURL(categoryURL string, pg int) string {
	sep := "?"
	if strings.Contains(categoryURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%spg=%d", categoryURL, sep, pg)
}

func (c *Client) parseBestsellerPage(body, categoryURL string) []models.CandidateItem {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}

	cards := doc.Find(cardSelectorsPrimary)
	if cards.Length() == 0 {
		cards = doc.Find(cardSelectorsFallback)
	}

	var items []models.CandidateItem
	cards.Each(func(_ int, card *goquery.Selection) {
		item, ok := c.parseCard(card, categoryURL)
		if !ok {
			return
		}
		// Incomplete cards are dropped here, not treated as parse errors.
		if item.Complete() {
			items = append(items, item)
		}
	})

	return items
}

// parseCard extracts one candidate from a best-seller card. Every field
// lookup cascades through alternatives and records a miss as an absent
// field; only a card without a product link is rejected outright.
func (c *Client) parseCard(card *goquery.Selection, categoryURL string) (models.CandidateItem, bool) {
	link := card.Find("a.a-link-normal:not(.aok-block)").First()
	if link.Length() == 0 {
		link = card.Find("a.a-link-normal").First()
	}
	if link.Length() == 0 {
		return models.CandidateItem{}, false
	}

	href, _ := link.Attr("href")
	itemURL := c.resolveURL(href)

	title := strings.TrimSpace(card.Find(titleSelectors).First().Text())
	if title == "" {
		title, _ = link.Attr("title")
		title = strings.TrimSpace(title)
	}
	if title == "" {
		title = strings.TrimSpace(link.Text())
	}

	item := models.CandidateItem{
		Title:       models.TruncateTitle(title, maxTitleLen),
		ASIN:        ExtractASIN(href),
		Prime:       card.Find(primeSelector).Length() > 0,
		URL:         itemURL,
		CategoryURL: categoryURL,
	}

	for _, sel := range priceSelectors {
		if text := strings.TrimSpace(card.Find(sel).First().Text()); text != "" {
			if p := money.ParsePrice(text); p != nil {
				item.Price = p
				break
			}
		}
	}

	if text := strings.TrimSpace(card.Find(ratingSelector).First().Text()); text != "" {
		if m := ratingRe.FindStringSubmatch(text); m != nil {
			if r := money.ParseFloat(m[1]); r != nil && *r >= 0 && *r <= 5 {
				item.Rating = r
			}
		}
	}

	if count := parseReviewCount(card); count != nil {
		item.ReviewCount = count
	}

	card.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		if src, ok := img.Attr("src"); ok && strings.HasPrefix(src, "http") {
			item.ImageURL = src
			return false
		}
		return true
	})

	return item, true
}

func parseReviewCount(card *goquery.Selection) *int {
	var count *int
	card.Find(reviewsSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		digits := digitsRe.ReplaceAllString(s.Text(), "")
		if digits == "" {
			return true
		}
		if n := money.ParseInt(digits); n != nil {
			count = n
			return false
		}
		return true
	})
	return count
}

// ExtractASIN recognizes the two URL shapes that carry a product code.
// Absence is normal for sponsored or malformed links.
func ExtractASIN(href string) string {
	if href == "" {
		return ""
	}
	if m := asinDPRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	if m := asinProductRe.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func (c *Client) resolveURL(href string) string {
	if href == "" || strings.HasPrefix(href, "http") {
		return href
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func truncate(urls []string, max int) []string {
	if len(urls) > max {
		return urls[:max]
	}
	return urls
}
