package recipe

import (
	"testing"

	"github.com/mkravets/nutricoach/internal/models"
)

func TestParseTrailingAmounts(t *testing.T) {
	text := `Chicken rice bowl

Ingredients:
- Chicken breast - 300 g
- Rice — 150 гр
- Olive oil: 10g

Steps:
1. Cook everything.`

	items, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []models.ParsedItem{
		{Query: "Chicken breast", Grams: 300},
		{Query: "Rice", Grams: 150},
		{Query: "Olive oil", Grams: 10},
	}
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %d: %+v", len(want), len(items), items)
	}
	for i, w := range want {
		if items[i].Query != w.Query || items[i].Grams != w.Grams {
			t.Errorf("item %d: got %+v, want %+v", i, items[i], w)
		}
	}
}

func TestParseLeadingAmounts(t *testing.T) {
	items, err := Parse("200 g oats\n250 ml milk")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %+v", items)
	}
	if items[0].Query != "oats" || items[0].Grams != 200 {
		t.Errorf("unexpected first item %+v", items[0])
	}
	if items[1].Query != "milk" || items[1].Grams != 250 {
		t.Errorf("milliliters should count as grams, got %+v", items[1])
	}
}

func TestParseNoIngredients(t *testing.T) {
	if _, err := Parse("just a story about dinner with friends"); err != ErrNoIngredients {
		t.Fatalf("expected ErrNoIngredients, got %v", err)
	}
}

func TestPer100g(t *testing.T) {
	draft := models.MealDraft{
		Totals: models.MealTotals{TotalWeightG: 500, Calories: 800, ProteinG: 60, FatG: 20, CarbsG: 90},
	}
	p := Per100g(draft)
	if p.Kcal != 160 || p.ProteinG != 12 || p.FatG != 4 || p.CarbsG != 18 {
		t.Fatalf("unexpected per-100g %+v", p)
	}
	if got := Per100g(models.MealDraft{}); got != (models.Per100g{}) {
		t.Fatalf("zero-weight draft should yield zero values, got %+v", got)
	}
}
