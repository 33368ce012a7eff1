package arbitrage

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/ebay"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
)

// Lister extracts candidate items from one source-marketplace category.
type Lister interface {
	ExtractListings(ctx context.Context, categoryURL string, maxItems int) ([]models.CandidateItem, error)
}

// ScanParams are the per-scan thresholds and fee inputs. API callers may
// override any subset of the configured defaults.
type ScanParams struct {
	MinProfit     float64  `json:"min_profit"`
	MinMargin     float64  `json:"min_margin"`
	MinSoldRecent int      `json:"min_sold_recent"`
	FeeRate       float64  `json:"fee_rate"`
	FeeFixed      float64  `json:"fee_fixed"`
	QueryWords    int      `json:"query_words"`
	MaxItems      int      `json:"max_items"`
	AvoidKeywords []string `json:"avoid_keywords,omitempty"`
}

// ParamsFromConfig builds the default scan parameters.
func ParamsFromConfig(scan config.ScanConfig, amazon config.AmazonConfig) ScanParams {
	return ScanParams{
		MinProfit:     scan.MinProfit,
		MinMargin:     scan.MinMargin,
		MinSoldRecent: scan.MinSoldRecent,
		FeeRate:       scan.FeeRate,
		FeeFixed:      scan.FeeFixed,
		QueryWords:    scan.QueryWords,
		MaxItems:      amazon.MaxItems,
		AvoidKeywords: scan.AvoidKeywords,
	}
}

// Scanner walks bestseller categories, resolves each candidate against the
// target marketplace, and keeps the rows that clear the profitability gate.
// Everything runs sequentially: both marketplaces throttle aggressively and
// a slow scan beats a blocked one.
type Scanner struct {
	lister   Lister
	resolver ebay.Resolver
	logger   *slog.Logger
}

func NewScanner(lister Lister, resolver ebay.Resolver, logger *slog.Logger) *Scanner {
	return &Scanner{
		lister:   lister,
		resolver: resolver,
		logger:   logger.With("component", "scanner"),
	}
}

// FindOpportunities scans the given category URLs. Failures are isolated:
// a failed category or candidate is counted in the summary and the scan
// moves on. The only hard error is context cancellation.
func (s *Scanner) FindOpportunities(ctx context.Context, categories []string, params ScanParams) ([]models.OpportunityRow, *models.ScanSummary, error) {
	summary := &models.ScanSummary{
		StartedAt:   time.Now().UTC(),
		DemandBasis: s.resolver.Basis(),
	}

	var rows []models.OpportunityRow
	for _, category := range categories {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		items, err := s.lister.ExtractListings(ctx, category, params.MaxItems)
		if err != nil {
			summary.CategoriesFailed++
			s.logger.Warn("category failed", "category", category, "error", err)
			continue
		}
		summary.CategoriesScanned++

		for i := range items {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}

			row, outcome := s.evaluate(ctx, &items[i], params)
			summary.CandidatesSeen++
			switch outcome {
			case outcomeExcluded:
				summary.CandidatesExcluded++
			case outcomeSkipped:
				summary.CandidatesSkipped++
			case outcomeKept:
				rows = append(rows, *row)
			}
		}
	}

	sortRows(rows)

	summary.FinishedAt = time.Now().UTC()
	summary.Opportunities = len(rows)
	s.logger.Info("scan finished",
		"categories_scanned", summary.CategoriesScanned,
		"categories_failed", summary.CategoriesFailed,
		"candidates_seen", summary.CandidatesSeen,
		"opportunities", summary.Opportunities)

	return rows, summary, nil
}

type evalOutcome int

const (
	outcomeKept evalOutcome = iota
	outcomeExcluded
	outcomeSkipped
	outcomeRejected
)

// evaluate runs one candidate through the filter, resolve, estimate, gate
// sequence. Resolution errors degrade to a skip rather than failing the scan.
func (s *Scanner) evaluate(ctx context.Context, item *models.CandidateItem, params ScanParams) (*models.OpportunityRow, evalOutcome) {
	if !item.Complete() {
		return nil, outcomeSkipped
	}

	if containsAvoided(item.Title, params.AvoidKeywords) {
		return nil, outcomeExcluded
	}

	query := ebay.TruncateQuery(item.Title, params.QueryWords)

	match, err := s.resolver.BestMatch(ctx, query)
	if err != nil {
		s.logger.Warn("match resolution failed", "query", query, "error", err)
		return nil, outcomeSkipped
	}
	if !match.Found() {
		return nil, outcomeSkipped
	}

	demand, err := s.resolver.RecentSales(ctx, query)
	if err != nil {
		s.logger.Warn("demand resolution failed", "query", query, "error", err)
		return nil, outcomeSkipped
	}

	est := Estimate(item.Price, match.Price, match.Shipping, params.FeeRate, params.FeeFixed)
	if !est.Evaluated() {
		return nil, outcomeSkipped
	}

	if *est.Profit < params.MinProfit ||
		est.Margin == nil || *est.Margin < params.MinMargin ||
		demand.SoldRecent < params.MinSoldRecent {
		return nil, outcomeRejected
	}

	row := &models.OpportunityRow{
		CandidateItem: *item,
		EbayTitle:     match.Title,
		EbayPrice:     *match.Price,
		EbayShipping:  match.Shipping,
		EbayURL:       match.URL,
		TargetTotal:   *est.TargetTotal,
		Fee:           *est.Fee,
		Profit:        *est.Profit,
		Margin:        *est.Margin,
		SoldRecent:    demand.SoldRecent,
		SoldBasis:     demand.Basis,
	}
	return row, outcomeKept
}

// sortRows orders by profit descending, breaking ties by recent sales
// descending. The full set is returned; callers decide how much to show.
func sortRows(rows []models.OpportunityRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Profit != rows[j].Profit {
			return rows[i].Profit > rows[j].Profit
		}
		return rows[i].SoldRecent > rows[j].SoldRecent
	})
}

func containsAvoided(title string, avoided []string) bool {
	lower := strings.ToLower(title)
	for _, kw := range avoided {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
