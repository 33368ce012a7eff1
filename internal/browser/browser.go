package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
)

// ErrBlocked indicates the page served a captcha or robot wall instead of
// content.
var ErrBlocked = errors.New("blocked by bot protection")

// Browser is the headless-browser fetch transport, for deployments where
// plain HTTP gets bot-walled even through a proxy provider. It implements
// the same Fetch shape as the HTTP client so the pipeline stays
// transport-agnostic.
type Browser struct {
	pw         *playwright.Playwright
	browser    playwright.Browser
	context    playwright.BrowserContext
	userAgents []string
	timeout    time.Duration
	logger     *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgents     []string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
}

// OptionsFromConfig builds browser options for the UK marketplace.
func OptionsFromConfig(cfg config.BrowserConfig, scraper config.ScraperConfig) *Options {
	return &Options{
		Headless:       cfg.Headless,
		Timeout:        cfg.Timeout,
		UserAgents:     scraper.UserAgents,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		AcceptLanguage: cfg.AcceptLanguage,
		TimezoneID:     cfg.TimezoneID,
		Locale:         cfg.Locale,
	}
}

func New(opts *Options, logger *slog.Logger) (*Browser, error) {
	if len(opts.UserAgents) == 0 {
		return nil, fmt.Errorf("at least one user agent is required")
	}
	userAgent := opts.UserAgents[rand.Intn(len(opts.UserAgents))]

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
			"--user-agent=" + userAgent,
		},
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &userAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"Accept-Language": opts.AcceptLanguage,
			"DNT":             "1",
		},
	}

	browserCtx, err := b.NewContext(contextOpts)
	if err != nil {
		b.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	return &Browser{
		pw:         pw,
		browser:    b,
		context:    browserCtx,
		userAgents: opts.UserAgents,
		timeout:    opts.Timeout,
		logger:     logger.With("component", "browser"),
	}, nil
}

// Fetch loads a page and returns its HTML. Satisfies the same contract as
// the HTTP fetcher: a bot wall is an error, not content.
func (b *Browser) Fetch(ctx context.Context, url string) (string, int, error) {
	page, err := b.NewPage()
	if err != nil {
		return "", 0, err
	}
	defer page.Close()

	if err := b.NavigateWithRetry(ctx, page, url, 3); err != nil {
		return "", 0, err
	}

	content, err := page.Content()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read page content: %w", err)
	}

	if isBotWall(content) {
		return "", http.StatusForbidden, fmt.Errorf("fetching %s: %w", url, ErrBlocked)
	}

	return content, http.StatusOK, nil
}

func (b *Browser) NewPage() (playwright.Page, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(float64(b.timeout.Milliseconds()))

	return page, nil
}

func (b *Browser) Context() playwright.BrowserContext {
	return b.context
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

// NavigateWithRetry retries navigation with its own linear pause. These are
// navigation retries inside the transport, separate from the HTTP client's
// status-driven retry policy.
func (b *Browser) NavigateWithRetry(ctx context.Context, page playwright.Page, url string, maxRetries int) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * time.Second):
			}
		}

		_, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.timeout.Milliseconds())),
		})
		if err == nil {
			bypassed, err := b.checkAndBypassBotWall(page)
			if err != nil {
				lastErr = err
				continue
			}
			if bypassed {
				b.logger.Info("bot wall bypassed", "url", url)
			}
			return nil
		}

		lastErr = err
		b.logger.Error("navigation failed", "error", err, "attempt", i+1)
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// checkAndBypassBotWall detects the interstitial "continue shopping" wall
// and clicks through it when possible.
func (b *Browser) checkAndBypassBotWall(page playwright.Page) (bool, error) {
	time.Sleep(2 * time.Second)

	title, err := page.Title()
	if err != nil {
		return false, fmt.Errorf("failed to get page title: %w", err)
	}

	content, err := page.Content()
	if err != nil {
		return false, fmt.Errorf("failed to get page content: %w", err)
	}

	if strings.Contains(content, "Click the button below to continue shopping") ||
		strings.Contains(content, "Continue shopping") && strings.Contains(content, "not a robot") {
		b.logger.Info("bot wall detected, attempting bypass")

		buttonSelectors := []string{
			`button:has-text("Continue shopping")`,
			`input[type="submit"][value*="Continue"]`,
			`.a-button-primary`,
			`button.a-button-text`,
		}

		for _, selector := range buttonSelectors {
			button := page.Locator(selector).First()

			count, err := button.Count()
			if err != nil || count == 0 {
				continue
			}

			if err := button.Click(); err != nil {
				b.logger.Error("failed to click bot wall button", "error", err)
				continue
			}

			time.Sleep(3 * time.Second)

			newContent, _ := page.Content()
			if !isBotWall(newContent) {
				return true, nil
			}
		}

		return false, fmt.Errorf("could not click through bot wall: %w", ErrBlocked)
	}

	if strings.Contains(title, "Sorry! Something went wrong") {
		return false, fmt.Errorf("error page served: %w", ErrBlocked)
	}

	return false, nil
}

func isBotWall(content string) bool {
	markers := []string{
		"Click the button below to continue shopping",
		"Type the characters you see in this image",
		"Enter the characters you see below",
		"api-services-support@amazon.com",
	}
	for _, marker := range markers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// HumanizeInteraction adds small mouse and scroll movements between page
// loads.
func (b *Browser) HumanizeInteraction(page playwright.Page) error {
	for i := 0; i < 3; i++ {
		x := float64(100 + i*200)
		y := float64(100 + i*150)
		page.Mouse().Move(x, y)
		time.Sleep(time.Millisecond * time.Duration(200+i*100))
	}

	page.Evaluate(`window.scrollBy(0, Math.random() * 300)`)
	time.Sleep(time.Second)

	return nil
}
