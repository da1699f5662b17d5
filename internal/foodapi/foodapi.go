// Package foodapi implements the OpenFoodFacts lookup client. Results
// are normalized into FoodCandidate values; nutrient fields arrive as
// strings or numbers upstream and are coerced here, at the boundary.
package foodapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mkravets/nutricoach/internal/models"
)

// Source identifies OpenFoodFacts in cache keys and candidate records.
const Source = "off"

// ErrNotFound is returned when a barcode lookup matches no product.
var ErrNotFound = errors.New("foodapi: product not found")

const (
	defaultBaseURL  = "https://world.openfoodfacts.org"
	defaultTimeout  = 12 * time.Second
	defaultPageSize = 10
	candidateFields = "code,product_name,brands,nutriments,image_url"
)

// Opts holds configuration options for the client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
	Country    string
	PageSize   int
	UserAgent  string
}

// Option configures client options.
type Option func(*Opts)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithCountry sets the country hint passed to search.
func WithCountry(cc string) Option {
	return func(o *Opts) { o.Country = cc }
}

// WithPageSize limits how many search results are requested.
func WithPageSize(n int) Option {
	return func(o *Opts) { o.PageSize = n }
}

// Client is an OpenFoodFacts API client.
type Client struct {
	baseURL   string
	client    *http.Client
	country   string
	pageSize  int
	userAgent string
}

// NewClient creates an OpenFoodFacts client.
func NewClient(opts ...Option) *Client {
	cfg := Opts{
		BaseURL:   defaultBaseURL,
		PageSize:  defaultPageSize,
		UserAgent: "nutricoach/1.0",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    cfg.HTTPClient,
		country:   cfg.Country,
		pageSize:  cfg.PageSize,
		userAgent: cfg.UserAgent,
	}
}

type offProduct struct {
	Code        string          `json:"code"`
	ProductName string          `json:"product_name"`
	Brands      string          `json:"brands"`
	ImageURL    string          `json:"image_url"`
	Nutriments  json.RawMessage `json:"nutriments"`
}

type searchResponse struct {
	Products []offProduct `json:"products"`
}

type productResponse struct {
	Status  int         `json:"status"`
	Product *offProduct `json:"product"`
}

// Search returns candidates matching a free-text query. Products
// without a name are dropped; macro fields stay optional.
func (c *Client) Search(ctx context.Context, query string) ([]models.FoodCandidate, error) {
	params := url.Values{}
	params.Set("search_terms", query)
	params.Set("search_simple", "1")
	params.Set("action", "process")
	params.Set("json", "1")
	params.Set("page_size", strconv.Itoa(c.pageSize))
	params.Set("fields", candidateFields)
	if c.country != "" {
		params.Set("cc", strings.ToLower(c.country))
	}

	var resp searchResponse
	if err := c.get(ctx, c.baseURL+"/cgi/search.pl?"+params.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("failed to search %q: %w", query, err)
	}

	candidates := make([]models.FoodCandidate, 0, len(resp.Products))
	for _, p := range resp.Products {
		if cand, ok := toCandidate(p); ok {
			candidates = append(candidates, cand)
		}
	}
	slog.Debug("FoodAPI Search done", "query", query, "candidates", len(candidates))
	return candidates, nil
}

// GetByBarcode returns the product for a barcode, or ErrNotFound.
func (c *Client) GetByBarcode(ctx context.Context, barcode string) (*models.FoodCandidate, error) {
	u := fmt.Sprintf("%s/api/v2/product/%s.json?fields=%s", c.baseURL, url.PathEscape(barcode), candidateFields)
	var resp productResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("failed to get barcode %s: %w", barcode, err)
	}
	if resp.Status != 1 || resp.Product == nil {
		return nil, ErrNotFound
	}
	cand, ok := toCandidate(*resp.Product)
	if !ok {
		return nil, ErrNotFound
	}
	if cand.Barcode == "" {
		cand.Barcode = barcode
	}
	return &cand, nil
}

func (c *Client) get(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func toCandidate(p offProduct) (models.FoodCandidate, bool) {
	name := strings.TrimSpace(p.ProductName)
	if name == "" {
		return models.FoodCandidate{}, false
	}
	cand := models.FoodCandidate{
		Source:   Source,
		Barcode:  strings.TrimSpace(p.Code),
		Name:     name,
		Brand:    strings.TrimSpace(p.Brands),
		ImageURL: p.ImageURL,
	}
	if len(p.Nutriments) > 0 {
		var nutr map[string]json.RawMessage
		if err := json.Unmarshal(p.Nutriments, &nutr); err == nil {
			cand.Kcal100g = firstNumber(nutr, "energy-kcal_100g", "energy-kcal_value")
			cand.Protein100g = firstNumber(nutr, "proteins_100g")
			cand.Fat100g = firstNumber(nutr, "fat_100g")
			cand.Carbs100g = firstNumber(nutr, "carbohydrates_100g")
		}
	}
	return cand, true
}

// firstNumber returns the first key whose value coerces to a number.
// OpenFoodFacts serves nutrients as numbers or numeric strings.
func firstNumber(m map[string]json.RawMessage, keys ...string) *float64 {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return &n
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return &v
			}
		}
	}
	return nil
}
