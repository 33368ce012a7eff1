package models

import (
	"strings"
	"time"
)

// DemandBasis identifies how a recent-sales count was measured. The two
// resolver strategies count demand differently and the results are not
// equivalent, so every signal carries its basis instead of pretending the
// numbers mean the same thing.
type DemandBasis string

const (
	// DemandBasisListingCount counts completed listings returned by the
	// structured search API. A conservative proxy: one listing may cover
	// many units sold.
	DemandBasisListingCount DemandBasis = "listing_count"
	// DemandBasisQuantitySum sums the "<n> sold" quantities scraped from
	// completed-listing pages.
	DemandBasisQuantitySum DemandBasis = "quantity_sum"
)

// CandidateItem is one product extracted from a source-marketplace best-seller
// page. Optional fields stay nil/empty when the markup did not yield them; a
// candidate only moves downstream when both Title and Price are present.
type CandidateItem struct {
	Title       string   `json:"title"`
	ASIN        string   `json:"asin,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Prime       bool     `json:"prime"`
	Rating      *float64 `json:"rating,omitempty"`
	ReviewCount *int     `json:"review_count,omitempty"`
	URL         string   `json:"url"`
	CategoryURL string   `json:"category_url"`
	ImageURL    string   `json:"image_url,omitempty"`
}

// Complete reports whether the candidate carries the fields required for
// resolution and scoring.
func (c *CandidateItem) Complete() bool {
	return c.Title != "" && c.Price != nil
}

// MatchResult is the cheapest usable counter-listing found on the target
// marketplace for one query. A nil Price means no usable match was found.
type MatchResult struct {
	Title    string   `json:"title"`
	Price    *float64 `json:"price,omitempty"`
	Shipping float64  `json:"shipping"`
	URL      string   `json:"url"`
}

// Found reports whether the match carries a usable price.
func (m *MatchResult) Found() bool {
	return m != nil && m.Price != nil
}

// Total returns price plus shipping. Only meaningful when Found.
func (m *MatchResult) Total() float64 {
	if m == nil || m.Price == nil {
		return 0
	}
	return *m.Price + m.Shipping
}

// DemandSignal is a recent-sales measure for one query.
type DemandSignal struct {
	SoldRecent int         `json:"sold_recent"`
	Basis      DemandBasis `json:"basis"`
}

// Estimate holds the profitability outputs for one candidate/match pair.
// All fields are nil when either input price was absent; Margin is
// additionally nil when the target total is zero.
type Estimate struct {
	TargetTotal *float64 `json:"target_total,omitempty"`
	Fee         *float64 `json:"fee,omitempty"`
	Profit      *float64 `json:"profit,omitempty"`
	Margin      *float64 `json:"margin,omitempty"`
}

// Evaluated reports whether both prices were present when estimating.
func (e *Estimate) Evaluated() bool {
	return e.TargetTotal != nil && e.Fee != nil && e.Profit != nil
}

// OpportunityRow is one threshold-qualifying suggestion. Rows only exist
// after passing the gate, so the numeric fields are concrete values rather
// than pointers.
type OpportunityRow struct {
	CandidateItem

	EbayTitle    string      `json:"ebay_title"`
	EbayPrice    float64     `json:"ebay_price"`
	EbayShipping float64     `json:"ebay_shipping"`
	EbayURL      string      `json:"ebay_url"`
	TargetTotal  float64     `json:"target_total"`
	Fee          float64     `json:"fee"`
	Profit       float64     `json:"profit"`
	Margin       float64     `json:"margin"`
	SoldRecent   int         `json:"sold_recent"`
	SoldBasis    DemandBasis `json:"sold_basis"`
}

// TruncateTitle clamps a title to max runes, used both for candidate titles
// and for outbound listing payloads.
func TruncateTitle(title string, max int) string {
	title = strings.TrimSpace(title)
	if max <= 0 {
		return title
	}
	runes := []rune(title)
	if len(runes) <= max {
		return title
	}
	return string(runes[:max])
}

// ScanSummary captures the soft-failure accounting for one scan so callers
// can tell an empty result from a broken one.
type ScanSummary struct {
	StartedAt          time.Time   `json:"started_at"`
	FinishedAt         time.Time   `json:"finished_at"`
	CategoriesScanned  int         `json:"categories_scanned"`
	CategoriesFailed   int         `json:"categories_failed"`
	CandidatesSeen     int         `json:"candidates_seen"`
	CandidatesExcluded int         `json:"candidates_excluded"`
	CandidatesSkipped  int         `json:"candidates_skipped"`
	Opportunities      int         `json:"opportunities"`
	DemandBasis        DemandBasis `json:"demand_basis"`
}
