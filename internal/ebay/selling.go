package ebay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flipfinder/arbitrage-scanner/internal/config"
	"github.com/flipfinder/arbitrage-scanner/internal/models"
)

const (
	sellScopes = "https://api.ebay.com/oauth/api_scope/sell.inventory https://api.ebay.com/oauth/api_scope/sell.offer"

	prodAPIBase    = "https://api.ebay.com"
	sandboxAPIBase = "https://api.sandbox.ebay.com"
)

// SellingClient creates draft listings through the eBay Sell APIs using an
// OAuth refresh token. It is consumed by the listing consumer, never by the
// scan pipeline itself.
type SellingClient struct {
	cfg        config.SellingConfig
	httpClient *http.Client
	logger     *slog.Logger

	// base is overridable for tests.
	base string

	accessToken string
	tokenExpiry time.Time
}

func NewSellingClient(cfg config.SellingConfig, logger *slog.Logger) *SellingClient {
	base := prodAPIBase
	if cfg.Env == "sandbox" {
		base = sandboxAPIBase
	}
	return &SellingClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("component", "ebay_selling"),
		base:       base,
	}
}

// Configured reports whether the credentials needed for listing creation
// are present.
func (c *SellingClient) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != "" && c.cfg.RefreshToken != ""
}

// DraftListing is the result of a created (and optionally published) offer.
type DraftListing struct {
	SKU       string
	OfferID   string
	ListingID string
	Price     float64
	Published bool
}

// CreateDraft creates an inventory item and a fixed-price offer for an
// opportunity row, publishing it only when publish is set. The listing
// price is the matched total marked up by the configured uplift.
func (c *SellingClient) CreateDraft(ctx context.Context, row *models.OpportunityRow, publish bool) (*DraftListing, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("selling credentials not configured")
	}

	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	sku := newSKU()
	price := (row.EbayPrice + row.EbayShipping) * (1 + c.cfg.PriceUplift)

	if err := c.upsertInventoryItem(ctx, token, sku, row, price); err != nil {
		return nil, err
	}

	offerID, err := c.createOffer(ctx, token, sku, price)
	if err != nil {
		return nil, err
	}

	draft := &DraftListing{SKU: sku, OfferID: offerID, Price: price}
	if !publish {
		c.logger.Info("draft offer created", "sku", sku, "offer_id", offerID)
		return draft, nil
	}

	listingID, err := c.publishOffer(ctx, token, offerID)
	if err != nil {
		return draft, err
	}
	draft.ListingID = listingID
	draft.Published = true
	c.logger.Info("offer published", "sku", sku, "offer_id", offerID, "listing_id", listingID)
	return draft, nil
}

// ensureToken exchanges the refresh token for an access token, reusing the
// cached one until shortly before expiry.
func (c *SellingClient) ensureToken(ctx context.Context) (string, error) {
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", c.cfg.RefreshToken)
	form.Set("scope", sellScopes)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/identity/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.ClientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token exchange returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	c.accessToken = payload.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

func (c *SellingClient) upsertInventoryItem(ctx context.Context, token, sku string, row *models.OpportunityRow, price float64) error {
	var images []string
	if row.ImageURL != "" {
		images = append(images, row.ImageURL)
	}

	body := map[string]any{
		"availability": map[string]any{
			"shipToLocationAvailability": map[string]any{"quantity": c.cfg.Quantity},
		},
		"product": map[string]any{
			"title":       models.TruncateTitle(row.Title, 80),
			"description": models.TruncateTitle(describeRow(row), 4000),
			"brand":       "Generic",
			"imageUrls":   images,
		},
		"condition": "NEW",
		"packageWeightAndSize": map[string]any{
			"dimensions": map[string]any{"unit": "CENTIMETER", "length": "10", "width": "10", "height": "10"},
			"weight":     map[string]any{"value": "0.5", "unit": "KILOGRAM"},
		},
		"price": map[string]any{"value": fmt.Sprintf("%.2f", price), "currency": "GBP"},
	}

	return c.doJSON(ctx, http.MethodPut,
		fmt.Sprintf("%s/sell/inventory/v1/inventory_item/%s", c.base, sku), token, body, nil)
}

func (c *SellingClient) createOffer(ctx context.Context, token, sku string, price float64) (string, error) {
	body := map[string]any{
		"sku":               sku,
		"marketplaceId":     c.cfg.MarketplaceID,
		"format":            "FIXED_PRICE",
		"availableQuantity": c.cfg.Quantity,
		"categoryId":        c.cfg.DefaultCategoryID,
		"pricingSummary": map[string]any{
			"price": map[string]any{"value": fmt.Sprintf("%.2f", price), "currency": "GBP"},
		},
		"listingPolicies": map[string]any{
			"fulfillmentPolicyId": c.cfg.FulfillmentPolicyID,
			"paymentPolicyId":     c.cfg.PaymentPolicyID,
			"returnPolicyId":      c.cfg.ReturnPolicyID,
		},
	}

	var out struct {
		OfferID string `json:"offerId"`
	}
	if err := c.doJSON(ctx, http.MethodPost, c.base+"/sell/offer/v1/offer", token, body, &out); err != nil {
		return "", err
	}
	if out.OfferID == "" {
		return "", fmt.Errorf("offer created without an offerId")
	}
	return out.OfferID, nil
}

func (c *SellingClient) publishOffer(ctx context.Context, token, offerID string) (string, error) {
	var out struct {
		ListingID string `json:"listingId"`
	}
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("%s/sell/offer/v1/offer/%s/publish", c.base, offerID), token, nil, &out)
	if err != nil {
		return "", err
	}
	return out.ListingID, nil
}

func (c *SellingClient) doJSON(ctx context.Context, method, url, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sell API returned status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func describeRow(row *models.OpportunityRow) string {
	return fmt.Sprintf("%s\n\nBrand new, UK stock, fast dispatch.", row.Title)
}

// newSKU derives a short unique stock code from a UUID.
func newSKU() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "SKU-" + strings.ToUpper(id[:10])
}
