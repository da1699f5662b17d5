// Package food resolves free-form food quantities into macro-priced
// meal items, caching lookups in memory and in the store.
package food

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mkravets/nutricoach/internal/foodapi"
	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/store"
)

// maxCandidates caps how many options an unresolved item carries into
// the disambiguation flow.
const maxCandidates = 5

const defaultCacheSize = 512

var barcodePattern = regexp.MustCompile(`\b(\d{8,14})\b`)

// ExtractBarcode returns the first 8-14 digit run in the text, or "".
func ExtractBarcode(text string) string {
	return barcodePattern.FindString(text)
}

// Lookup is the food database client the service resolves against.
type Lookup interface {
	Search(ctx context.Context, query string) ([]models.FoodCandidate, error)
	GetByBarcode(ctx context.Context, barcode string) (*models.FoodCandidate, error)
}

// Opts holds configuration options for the service.
type Opts struct {
	CacheSize int
}

// Option configures service options.
type Option func(*Opts)

// WithCacheSize sets the in-process LRU capacity.
func WithCacheSize(n int) Option {
	return func(o *Opts) { o.CacheSize = n }
}

// Service resolves food items with a two-level cache: an in-process
// LRU in front of the persistent (source, barcode) cache, with the
// lookup client as the authority.
type Service struct {
	lookup Lookup
	st     store.Store
	cache  *lru.Cache[string, models.FoodCandidate]
}

// NewService creates a food resolution service.
func NewService(lookup Lookup, st store.Store, opts ...Option) (*Service, error) {
	cfg := Opts{CacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := lru.New[string, models.FoodCandidate](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create food cache: %w", err)
	}
	return &Service{lookup: lookup, st: st, cache: cache}, nil
}

func cacheKey(source, barcode string) string { return source + "/" + barcode }

// ByBarcode resolves a barcode through LRU, store cache, then the
// lookup client, populating both caches on a fresh hit.
func (s *Service) ByBarcode(ctx context.Context, barcode string) (*models.FoodCandidate, error) {
	key := cacheKey(foodapi.Source, barcode)
	if cand, ok := s.cache.Get(key); ok {
		return &cand, nil
	}
	if s.st != nil {
		cand, err := s.st.GetCachedFood(ctx, foodapi.Source, barcode)
		if err == nil {
			s.cache.Add(key, *cand)
			return cand, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Food ByBarcode cache read failed", "barcode", barcode, "error", err)
		}
	}
	cand, err := s.lookup.GetByBarcode(ctx, barcode)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, *cand)
	if s.st != nil && cand.Barcode != "" {
		if err := s.st.PutCachedFood(ctx, *cand); err != nil {
			slog.Warn("Food ByBarcode cache write failed", "barcode", barcode, "error", err)
		}
	}
	return cand, nil
}

// Search passes a free-text query to the lookup client.
func (s *Service) Search(ctx context.Context, query string) ([]models.FoodCandidate, error) {
	return s.lookup.Search(ctx, query)
}

// Resolution is the outcome of resolving a parsed item list: either a
// finished draft, or the resolved-so-far items plus the unresolved ones
// needing disambiguation. Draft and Unresolved are mutually exclusive.
type Resolution struct {
	Draft      *models.MealDraft
	Resolved   []models.MealItem
	Unresolved []models.UnresolvedItem
}

// ResolveItems resolves each (query, grams, barcode) triple. Items with
// non-positive grams or no usable query/barcode are silently dropped.
// If any item stays unresolved no draft is produced.
func (s *Service) ResolveItems(ctx context.Context, items []models.ParsedItem) (Resolution, error) {
	var res Resolution
	for _, item := range items {
		resolved, unresolved, err := s.resolveOne(ctx, item)
		if err != nil {
			return Resolution{}, err
		}
		if resolved != nil {
			res.Resolved = append(res.Resolved, *resolved)
		}
		if unresolved != nil {
			res.Unresolved = append(res.Unresolved, *unresolved)
		}
	}
	if len(res.Unresolved) == 0 {
		draft := BuildDraft(res.Resolved)
		res.Draft = &draft
	}
	return res, nil
}

// resolveOne returns at most one of (resolved, unresolved); both nil
// means the item was dropped.
func (s *Service) resolveOne(ctx context.Context, item models.ParsedItem) (*models.MealItem, *models.UnresolvedItem, error) {
	query := strings.TrimSpace(item.Query)
	barcode := strings.TrimSpace(item.Barcode)
	if item.Grams <= 0 || (query == "" && barcode == "") {
		slog.Debug("Food resolveOne dropping item", "query", query, "grams", item.Grams)
		return nil, nil, nil
	}

	if barcode != "" {
		cand, err := s.ByBarcode(ctx, barcode)
		if err == nil && cand.HasCompleteMacros() {
			mi := ScaleItem(*cand, item.Grams)
			return &mi, nil, nil
		}
		if err != nil && !errors.Is(err, foodapi.ErrNotFound) {
			return nil, nil, fmt.Errorf("barcode lookup failed for %s: %w", barcode, err)
		}
		// Fall through to text search when the barcode resolves to
		// nothing usable.
		if query == "" {
			return nil, &models.UnresolvedItem{Query: barcode, Grams: item.Grams}, nil
		}
	}

	candidates, err := s.lookup.Search(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("search failed for %q: %w", query, err)
	}
	usable := make([]models.FoodCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.HasCompleteMacros() {
			usable = append(usable, c)
		}
	}
	if len(usable) == 1 {
		mi := ScaleItem(usable[0], item.Grams)
		return &mi, nil, nil
	}
	if len(usable) > maxCandidates {
		usable = usable[:maxCandidates]
	}
	return nil, &models.UnresolvedItem{Query: query, Grams: item.Grams, Candidates: usable}, nil
}

// ScaleItem prices a candidate at the requested weight by linear
// scaling of its per-100g macros. Grams are rounded to whole grams.
func ScaleItem(c models.FoodCandidate, grams float64) models.MealItem {
	factor := grams / 100
	return models.MealItem{
		Name:     c.Name,
		Brand:    c.Brand,
		Barcode:  c.Barcode,
		Grams:    int(math.Round(grams)),
		Calories: *c.Kcal100g * factor,
		ProteinG: *c.Protein100g * factor,
		FatG:     *c.Fat100g * factor,
		CarbsG:   *c.Carbs100g * factor,
		Per100g: &models.Per100g{
			Kcal:     *c.Kcal100g,
			ProteinG: *c.Protein100g,
			FatG:     *c.Fat100g,
			CarbsG:   *c.Carbs100g,
		},
	}
}

// BuildDraft aggregates resolved items into a draft. Total weight is
// the exact sum of item grams; calorie/macro totals are the rounded
// sums of the unrounded per-item values.
func BuildDraft(items []models.MealItem) models.MealDraft {
	var weight int
	var kcal, protein, fat, carbs float64
	for _, it := range items {
		weight += it.Grams
		kcal += it.Calories
		protein += it.ProteinG
		fat += it.FatG
		carbs += it.CarbsG
	}
	return models.MealDraft{
		Items: items,
		Totals: models.MealTotals{
			TotalWeightG: weight,
			Calories:     int(math.Round(kcal)),
			ProteinG:     int(math.Round(protein)),
			FatG:         int(math.Round(fat)),
			CarbsG:       int(math.Round(carbs)),
		},
		DataSource: foodapi.Source,
	}
}
