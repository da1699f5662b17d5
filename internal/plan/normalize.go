package plan

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mkravets/nutricoach/internal/models"
)

// flexFloat accepts JSON numbers, numeric strings ("450", "450 kcal"),
// and null. Oracles are sloppy about number types.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		s = strings.TrimSpace(s)
		// Keep the leading numeric run, dropping unit suffixes.
		end := 0
		for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.' || s[end] == '-') {
			end++
		}
		if end > 0 {
			if v, err := strconv.ParseFloat(s[:end], 64); err == nil {
				*f = flexFloat(v)
				return nil
			}
		}
	}
	*f = 0
	return nil
}

type rawProduct struct {
	Name  string    `json:"name"`
	Grams flexFloat `json:"grams"`
	Store string    `json:"store"`
}

type rawMeal struct {
	Title    string       `json:"title"`
	Time     string       `json:"time"`
	Kcal     flexFloat    `json:"kcal"`
	ProteinG flexFloat    `json:"protein_g"`
	FatG     flexFloat    `json:"fat_g"`
	CarbsG   flexFloat    `json:"carbs_g"`
	Products []rawProduct `json:"products"`
	Recipe   []string     `json:"recipe"`
}

type rawTotals struct {
	Kcal     flexFloat `json:"kcal"`
	ProteinG flexFloat `json:"protein_g"`
	FatG     flexFloat `json:"fat_g"`
	CarbsG   flexFloat `json:"carbs_g"`
}

type rawPlan struct {
	Meals        []rawMeal    `json:"meals"`
	Totals       *rawTotals   `json:"totals"`
	ShoppingList []rawProduct `json:"shopping_list"`
}

// normalize converts raw oracle output into a DayPlan: drops products
// with missing names or non-positive grams, defaults or forces store
// fields, recomputes totals when the oracle omitted them, and derives a
// shopping list from meal products when none was given.
func (e *Engine) normalize(raw rawPlan, storeConstraint string) models.DayPlan {
	forced := storeConstraint != "" && !strings.EqualFold(storeConstraint, "any")

	fixStore := func(s string) string {
		if forced {
			return storeConstraint
		}
		if strings.TrimSpace(s) == "" {
			return e.policy.DefaultStore
		}
		return s
	}

	var day models.DayPlan
	for _, rm := range raw.Meals {
		meal := models.PlanMeal{
			Title:    strings.TrimSpace(rm.Title),
			Time:     strings.TrimSpace(rm.Time),
			Kcal:     float64(rm.Kcal),
			ProteinG: float64(rm.ProteinG),
			FatG:     float64(rm.FatG),
			CarbsG:   float64(rm.CarbsG),
			Recipe:   rm.Recipe,
		}
		if meal.Title == "" {
			meal.Title = "Meal"
		}
		for _, rp := range rm.Products {
			name := strings.TrimSpace(rp.Name)
			if name == "" || rp.Grams <= 0 {
				continue
			}
			meal.Products = append(meal.Products, models.PlanProduct{
				Name:  name,
				Grams: float64(rp.Grams),
				Store: fixStore(rp.Store),
			})
		}
		day.Meals = append(day.Meals, meal)
	}

	if raw.Totals != nil && raw.Totals.Kcal > 0 {
		day.Totals = models.PlanTotals{
			Kcal:     float64(raw.Totals.Kcal),
			ProteinG: float64(raw.Totals.ProteinG),
			FatG:     float64(raw.Totals.FatG),
			CarbsG:   float64(raw.Totals.CarbsG),
		}
	} else {
		for _, m := range day.Meals {
			day.Totals.Kcal += m.Kcal
			day.Totals.ProteinG += m.ProteinG
			day.Totals.FatG += m.FatG
			day.Totals.CarbsG += m.CarbsG
		}
	}

	for _, rp := range raw.ShoppingList {
		name := strings.TrimSpace(rp.Name)
		if name == "" || rp.Grams <= 0 {
			continue
		}
		day.ShoppingList = append(day.ShoppingList, models.ShoppingItem{
			Name:  name,
			Grams: float64(rp.Grams),
			Store: fixStore(rp.Store),
		})
	}
	if len(day.ShoppingList) == 0 {
		day.ShoppingList = shoppingFromMeals(day.Meals)
	}
	return day
}

// shoppingFromMeals builds a shopping list by summing product grams
// across meals, keyed by lowercased name and store.
func shoppingFromMeals(meals []models.PlanMeal) []models.ShoppingItem {
	type key struct{ name, store string }
	idx := make(map[key]int)
	var out []models.ShoppingItem
	for _, m := range meals {
		for _, p := range m.Products {
			k := key{strings.ToLower(p.Name), p.Store}
			if i, ok := idx[k]; ok {
				out[i].Grams += p.Grams
				continue
			}
			idx[k] = len(out)
			out = append(out, models.ShoppingItem{Name: p.Name, Grams: p.Grams, Store: p.Store})
		}
	}
	return out
}
