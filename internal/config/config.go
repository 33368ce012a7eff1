package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the single configuration value object for the scanner. It is
// built once in main and handed to every component; nothing else reads the
// environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Scraper  ScraperConfig
	Amazon   AmazonConfig
	EBay     EBayConfig
	Selling  SellingConfig
	Scan     ScanConfig
	Browser  BrowserConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

// ScraperConfig tunes the resilient fetcher and the politeness policy that
// callers apply between independent requests.
type ScraperConfig struct {
	DelayMin      time.Duration
	DelayMax      time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	Timeout       time.Duration
	UserAgents    []string
	ScraperAPIKey string
	ZenRowsKey    string
	AdaptiveDelay bool
	UseBrowser    bool
}

type AmazonConfig struct {
	BaseURL       string
	MaxCategories int
	MaxItems      int
	PagesPerCat   int
}

// EBayConfig drives the demand/price resolver. AppID selects the structured
// Finding API strategy; without it the HTML fallback runs.
type EBayConfig struct {
	AppID        string
	FindingURL   string
	SearchURL    string
	PostalCode   string
	MaxResults   int
	SoldScanCap  int
	SoldDelayMin time.Duration
	SoldDelayMax time.Duration
	APIBurst     int
	APIInterval  time.Duration
}

// SellingConfig configures the Sell-API draft listing client used by the
// listing consumer.
type SellingConfig struct {
	Env                 string
	ClientID            string
	ClientSecret        string
	RefreshToken        string
	MarketplaceID       string
	DefaultCategoryID   string
	FulfillmentPolicyID string
	PaymentPolicyID     string
	ReturnPolicyID      string
	PriceUplift         float64
	Quantity            int
	AutoPublish         bool
}

// ScanConfig holds the default thresholds and fee parameters for a scan.
// API and CLI callers may override any of them per scan.
type ScanConfig struct {
	MinProfit     float64
	MinMargin     float64
	MinSoldRecent int
	FeeRate       float64
	FeeFixed      float64
	QueryWords    int
	AvoidKeywords []string
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8086),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "arbitrage"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Stream:   getEnv("REDIS_STREAM", "stream:arbitrage_opportunities"),
		},
		Scraper: ScraperConfig{
			DelayMin:      getEnvDuration("SCRAPER_DELAY_MIN", 900*time.Millisecond),
			DelayMax:      getEnvDuration("SCRAPER_DELAY_MAX", 2*time.Second),
			MaxRetries:    getEnvInt("SCRAPER_MAX_RETRIES", 6),
			BackoffBase:   getEnvDuration("SCRAPER_BACKOFF_BASE", 2*time.Second),
			Timeout:       getEnvDuration("SCRAPER_TIMEOUT", 30*time.Second),
			UserAgents:    getEnvSlice("SCRAPER_USER_AGENTS", defaultUserAgents()),
			ScraperAPIKey: getEnv("SCRAPERAPI_KEY", ""),
			ZenRowsKey:    getEnv("ZENROWS_KEY", ""),
			AdaptiveDelay: getEnvBool("SCRAPER_ADAPTIVE_DELAY", false),
			UseBrowser:    getEnvBool("SCRAPER_USE_BROWSER", false),
		},
		Amazon: AmazonConfig{
			BaseURL:       getEnv("AMAZON_BASE_URL", "https://www.amazon.co.uk"),
			MaxCategories: getEnvInt("AMAZON_MAX_CATEGORIES", 12),
			MaxItems:      getEnvInt("AMAZON_MAX_ITEMS", 50),
			PagesPerCat:   getEnvInt("AMAZON_PAGES_PER_CATEGORY", 3),
		},
		EBay: EBayConfig{
			AppID:        getEnv("EBAY_APP_ID", ""),
			FindingURL:   getEnv("EBAY_FINDING_URL", "https://svcs.ebay.com/services/search/FindingService/v1"),
			SearchURL:    getEnv("EBAY_SEARCH_URL", "https://www.ebay.co.uk/sch/i.html"),
			PostalCode:   getEnv("EBAY_POSTAL_CODE", "SW1A1AA"),
			MaxResults:   getEnvInt("EBAY_MAX_RESULTS", 8),
			SoldScanCap:  getEnvInt("EBAY_SOLD_SCAN_CAP", 20),
			SoldDelayMin: getEnvDuration("EBAY_SOLD_DELAY_MIN", 600*time.Millisecond),
			SoldDelayMax: getEnvDuration("EBAY_SOLD_DELAY_MAX", 1400*time.Millisecond),
			APIBurst:     getEnvInt("EBAY_API_BURST", 5),
			APIInterval:  getEnvDuration("EBAY_API_INTERVAL", time.Second),
		},
		Selling: SellingConfig{
			Env:                 getEnv("EBAY_ENV", "sandbox"),
			ClientID:            getEnv("EBAY_CLIENT_ID", ""),
			ClientSecret:        getEnv("EBAY_CLIENT_SECRET", ""),
			RefreshToken:        getEnv("EBAY_REFRESH_TOKEN", ""),
			MarketplaceID:       getEnv("EBAY_MARKETPLACE_ID", "EBAY_GB"),
			DefaultCategoryID:   getEnv("EBAY_DEFAULT_CATEGORY_ID", "179175"),
			FulfillmentPolicyID: getEnv("EBAY_FULFILLMENT_POLICY_ID", ""),
			PaymentPolicyID:     getEnv("EBAY_PAYMENT_POLICY_ID", ""),
			ReturnPolicyID:      getEnv("EBAY_RETURN_POLICY_ID", ""),
			PriceUplift:         getEnvFloat("LISTING_PRICE_UPLIFT", 0.10),
			Quantity:            getEnvInt("LISTING_QUANTITY", 3),
			AutoPublish:         getEnvBool("LISTING_AUTO_PUBLISH", false),
		},
		Scan: ScanConfig{
			MinProfit:     getEnvFloat("SCAN_MIN_PROFIT", 3.0),
			MinMargin:     getEnvFloat("SCAN_MIN_MARGIN", 0.12),
			MinSoldRecent: getEnvInt("SCAN_MIN_SOLD_RECENT", 10),
			FeeRate:       getEnvFloat("SCAN_FEE_RATE", 0.13),
			FeeFixed:      getEnvFloat("SCAN_FEE_FIXED", 0.30),
			QueryWords:    getEnvInt("SCAN_QUERY_WORDS", 8),
			AvoidKeywords: getEnvSlice("SCAN_AVOID_KEYWORDS", defaultAvoidKeywords()),
		},
		Browser: BrowserConfig{
			Headless:       getEnvBool("BROWSER_HEADLESS", true),
			Timeout:        getEnvDuration("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getEnvInt("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getEnvInt("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnv("BROWSER_ACCEPT_LANGUAGE", "en-GB,en;q=0.9"),
			TimezoneID:     getEnv("BROWSER_TIMEZONE", "Europe/London"),
			Locale:         getEnv("BROWSER_LOCALE", "en-GB"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Scraper.MaxRetries < 1 {
		return fmt.Errorf("SCRAPER_MAX_RETRIES must be at least 1")
	}

	if c.Scraper.DelayMin > c.Scraper.DelayMax {
		return fmt.Errorf("SCRAPER_DELAY_MIN cannot be greater than SCRAPER_DELAY_MAX")
	}

	if len(c.Scraper.UserAgents) == 0 {
		return fmt.Errorf("at least one user agent is required")
	}

	if c.Scan.FeeRate < 0 || c.Scan.FeeRate >= 1 {
		return fmt.Errorf("SCAN_FEE_RATE must be in [0, 1): %v", c.Scan.FeeRate)
	}

	if c.Amazon.MaxCategories < 1 {
		return fmt.Errorf("AMAZON_MAX_CATEGORIES must be at least 1")
	}

	if c.EBay.MaxResults < 1 {
		return fmt.Errorf("EBAY_MAX_RESULTS must be at least 1")
	}

	if c.Selling.Env != "sandbox" && c.Selling.Env != "production" {
		return fmt.Errorf("EBAY_ENV must be sandbox or production: %s", c.Selling.Env)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	}
}

func defaultAvoidKeywords() []string {
	return []string{"Apple iPhone", "Nike", "PlayStation", "Xbox", "Gift Card"}
}
