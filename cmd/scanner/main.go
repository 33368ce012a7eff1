package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/flipfinder/arbitrage-scanner/internal/amazon"
	"github.com/flipfinder/arbitrage-scanner/internal/arbitrage"
	"github.com/flipfinder/arbitrage-scanner/internal/browser"
	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/ebay"
	"github.com/flipfinder/arbitrage-scanner/internal/fetch"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
	"github.com/flipfinder/arbitrage-scanner/internal/ratelimit"
	"github.com/flipfinder/arbitrage-scanner/internal/storage"
	"github.com/flipfinder/arbitrage-scanner/pkg/logger"
)

func main() {
	var (
		categoriesArg = flag.String("categories", "", "Comma-separated bestseller category URLs (empty = auto-discover)")
		maxCategories = flag.Int("max-categories", 0, "Cap on discovered categories (0 = config default)")
		minProfit     = flag.Float64("min-profit", -1, "Minimum absolute profit in GBP (negative = config default)")
		minMargin     = flag.Float64("min-margin", -1, "Minimum profit margin 0..1 (negative = config default)")
		minSold       = flag.Int("min-sold", -1, "Minimum recent demand signal (negative = config default)")
		maxItems      = flag.Int("max-items", 0, "Max candidates per category (0 = config default)")
		useBrowser    = flag.Bool("browser", false, "Fetch pages through a real browser instead of HTTP")
		outFile       = flag.String("out", "", "Write a JSON snapshot of the scan to this file")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Starting arbitrage scan")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// Pick the transport: plain HTTP with retries by default, a real
	// browser when Amazon keeps serving the robot wall.
	var fetcher amazon.Fetcher
	if *useBrowser || cfg.Scraper.UseBrowser {
		b, err := browser.New(browser.OptionsFromConfig(cfg.Browser, cfg.Scraper), logger)
		if err != nil {
			logger.Error("Failed to start browser", "error", err)
			os.Exit(1)
		}
		defer b.Close()
		fetcher = b
	} else {
		fetcher = fetch.New(cfg.Scraper, logger)
	}

	var limiter ratelimit.RateLimiter
	if cfg.Scraper.AdaptiveDelay {
		limiter = ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.DelayMin, cfg.Scraper.DelayMax)
	} else {
		limiter = ratelimit.NewSimpleRateLimiter(cfg.Scraper.DelayMin, cfg.Scraper.DelayMax)
	}

	amazonClient := amazon.NewClient(fetcher, limiter, cfg.Amazon, logger)
	resolver := ebay.NewResolver(cfg.EBay, fetcher, logger)
	scanner := arbitrage.NewScanner(amazonClient, resolver, logger)

	params := arbitrage.ParamsFromConfig(cfg.Scan, cfg.Amazon)
	if *minProfit >= 0 {
		params.MinProfit = *minProfit
	}
	if *minMargin >= 0 {
		params.MinMargin = *minMargin
	}
	if *minSold >= 0 {
		params.MinSoldRecent = *minSold
	}
	if *maxItems > 0 {
		params.MaxItems = *maxItems
	}

	categories := splitCategories(*categoriesArg)
	if len(categories) == 0 {
		limit := cfg.Amazon.MaxCategories
		if *maxCategories > 0 {
			limit = *maxCategories
		}
		logger.Info("Discovering bestseller categories", "max", limit)
		categories = amazonClient.DiscoverCategories(ctx, limit)
	}
	if len(categories) == 0 {
		logger.Error("No categories to scan")
		os.Exit(1)
	}

	started := time.Now()
	rows, summary, err := scanner.FindOpportunities(ctx, categories, params)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("Scan cancelled")
			os.Exit(1)
		}
		logger.Error("Scan failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Scan finished",
		"duration", time.Since(started).Round(time.Second).String(),
		"categories", summary.CategoriesScanned,
		"categories_failed", summary.CategoriesFailed,
		"candidates", summary.CandidatesSeen,
		"opportunities", len(rows),
		"demand_basis", summary.DemandBasis,
	)

	if len(rows) == 0 {
		fmt.Println("No opportunities found above the configured thresholds.")
	} else {
		printRows(rows)
	}

	if *outFile != "" {
		if err := saveSnapshot(*outFile, categories, rows, summary); err != nil {
			logger.Error("Failed to write snapshot", "file", *outFile, "error", err)
			os.Exit(1)
		}
		logger.Info("Snapshot written", "file", *outFile, "rows", len(rows))
	}
}

func splitCategories(arg string) []string {
	if strings.TrimSpace(arg) == "" {
		return nil
	}

	var categories []string
	for _, part := range strings.Split(arg, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			categories = append(categories, trimmed)
		}
	}
	return categories
}

func printRows(rows []models.OpportunityRow) {
	fmt.Printf("%-12s %8s %8s %6s %s\n", "ASIN", "PROFIT", "MARGIN", "SOLD", "TITLE")
	for _, row := range rows {
		fmt.Printf("%-12s %8.2f %7.1f%% %6d %s\n",
			row.ASIN,
			row.Profit,
			row.Margin*100,
			row.SoldRecent,
			models.TruncateTitle(row.Title, 60),
		)
	}
}

func saveSnapshot(path string, categories []string, rows []models.OpportunityRow, summary *models.ScanSummary) error {
	store, err := storage.NewSnapshotStore(path)
	if err != nil {
		return err
	}

	snapshot := &storage.ScanSnapshot{
		ScanID:     uuid.New().String(),
		Categories: categories,
		Rows:       rows,
	}
	if summary != nil {
		snapshot.Summary = *summary
	}

	return store.Save(snapshot)
}
