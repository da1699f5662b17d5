// Package recipe extracts ingredient lists from pasted recipe text
// without involving the generative oracle. The formats it understands
// are the common "name - amount" and "amount name" line styles.
package recipe

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/mkravets/nutricoach/internal/models"
)

// ErrNoIngredients means the text had no parseable ingredient lines.
var ErrNoIngredients = errors.New("recipe: no ingredient lines found")

var (
	// "chicken breast - 300 g", "рис — 150 гр", "oats: 80g"
	trailingAmount = regexp.MustCompile(`^(.+?)\s*[-—:]\s*(\d+(?:[.,]\d+)?)\s*(g|gr|gram|grams|г|гр|грамм|ml|мл)\.?$`)
	// "300 g chicken breast", "2 eggs" is not parseable without a weight
	leadingAmount = regexp.MustCompile(`^(\d+(?:[.,]\d+)?)\s*(g|gr|gram|grams|г|гр|грамм|ml|мл)\.?\s+(.+)$`)
)

// headerWords mark section headers to skip between title and steps.
var headerWords = map[string]struct{}{
	"ingredients": {}, "ингредиенты": {}, "состав": {},
	"instructions": {}, "steps": {}, "приготовление": {}, "шаги": {},
}

// Parse extracts (query, grams) pairs from recipe text. Milliliters
// are treated as grams, which is close enough for water-based liquids.
func Parse(text string) ([]models.ParsedItem, error) {
	var items []models.ParsedItem
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "•*-– \t"))
		if line == "" {
			continue
		}
		if _, ok := headerWords[strings.ToLower(strings.TrimRight(line, ":"))]; ok {
			continue
		}
		if m := trailingAmount.FindStringSubmatch(line); m != nil {
			if grams := parseGrams(m[2]); grams > 0 {
				items = append(items, models.ParsedItem{Query: strings.TrimSpace(m[1]), Grams: grams})
			}
			continue
		}
		if m := leadingAmount.FindStringSubmatch(line); m != nil {
			if grams := parseGrams(m[1]); grams > 0 {
				items = append(items, models.ParsedItem{Query: strings.TrimSpace(m[3]), Grams: grams})
			}
		}
	}
	if len(items) == 0 {
		return nil, ErrNoIngredients
	}
	return items, nil
}

func parseGrams(s string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0
	}
	return v
}

// Per100g scales a finished draft's totals down to a 100 g basis, for
// presenting a cooked recipe as a reusable product.
func Per100g(draft models.MealDraft) models.Per100g {
	w := float64(draft.Totals.TotalWeightG)
	if w <= 0 {
		return models.Per100g{}
	}
	factor := 100 / w
	return models.Per100g{
		Kcal:     float64(draft.Totals.Calories) * factor,
		ProteinG: float64(draft.Totals.ProteinG) * factor,
		FatG:     float64(draft.Totals.FatG) * factor,
		CarbsG:   float64(draft.Totals.CarbsG) * factor,
	}
}
