package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/store"
)

// mockOracle returns one canned response per model tier.
type mockOracle struct {
	byModel map[string]string
	errs    map[string]error
	calls   []string
}

func (m *mockOracle) CompleteWithTimeout(_ context.Context, model, _, _ string, _ time.Duration) (string, error) {
	m.calls = append(m.calls, model)
	if err, ok := m.errs[model]; ok {
		return "", err
	}
	return m.byModel[model], nil
}

func testUser() *models.User {
	return &models.User{
		ID: 1, ExternalID: "+420123456789", ProfileComplete: true,
		Sex: "male", Age: 30, HeightCm: 180, WeightKg: 80,
		ActivityLevel: "medium", Goal: "loss",
		CaloriesTarget: 2000, ProteinGTarget: 128, FatGTarget: 64, CarbsGTarget: 228,
		Country: "CZ", StoresCSV: "Lidl,Kaufland",
	}
}

func goodDayJSON(kcal int) string {
	per := kcal / 2
	return fmt.Sprintf(`{"meals":[
		{"title":"Breakfast","time":"08:00","kcal":%d,"protein_g":40,"fat_g":20,"carbs_g":60,
		 "products":[{"name":"Oats","grams":80},{"name":"Milk","grams":250}]},
		{"title":"Dinner","time":"19:00","kcal":%d,"protein_g":50,"fat_g":25,"carbs_g":70,
		 "products":[{"name":"Chicken breast","grams":200},{"name":"Rice","grams":150}]}
	],"totals":{"kcal":%d,"protein_g":90,"fat_g":45,"carbs_g":130}}`, per, kcal-per, kcal)
}

func TestGenerateDayFirstTierAccepted(t *testing.T) {
	oracle := &mockOracle{byModel: map[string]string{"tier1": goodDayJSON(2000)}}
	st := store.NewInMemoryStore()
	engine := NewEngine(oracle, st, WithModelTiers([]string{"tier1", "tier2"}))

	p, err := engine.GenerateDay(context.Background(), testUser(), store.Preferences{}, "2026-09-01", "")
	if err != nil {
		t.Fatalf("GenerateDay() error = %v", err)
	}
	if len(oracle.calls) != 1 || oracle.calls[0] != "tier1" {
		t.Errorf("calls = %v, want just tier1", oracle.calls)
	}
	stored, err := st.GetPlan(context.Background(), 1, "2026-09-01")
	if err != nil {
		t.Fatalf("plan not persisted: %v", err)
	}
	if stored.CaloriesTarget != 2000 || len(stored.Plan.Meals) != 2 {
		t.Errorf("stored plan = %+v", stored)
	}
	if p.Plan.Totals.Kcal != 2000 {
		t.Errorf("totals kcal = %v", p.Plan.Totals.Kcal)
	}
}

func TestGenerateDayDenylistTriggersTierFallback(t *testing.T) {
	withWhey := `{"meals":[{"title":"Shake","kcal":2000,
		"products":[{"name":"Whey protein 30g","grams":30}]}],
		"totals":{"kcal":2000}}`
	oracle := &mockOracle{byModel: map[string]string{"tier1": withWhey, "tier2": goodDayJSON(2000)}}
	st := store.NewInMemoryStore()
	engine := NewEngine(oracle, st, WithModelTiers([]string{"tier1", "tier2"}))

	_, err := engine.GenerateDay(context.Background(), testUser(), store.Preferences{}, "2026-09-01", "")
	if err != nil {
		t.Fatalf("GenerateDay() error = %v", err)
	}
	if len(oracle.calls) != 2 {
		t.Errorf("calls = %v, want tier1 rejected then tier2", oracle.calls)
	}
}

func TestGenerateDayAllTiersExhausted(t *testing.T) {
	badKcal := goodDayJSON(1500) // 25% off a 2000 target
	oracle := &mockOracle{
		byModel: map[string]string{"tier2": badKcal},
		errs:    map[string]error{"tier1": errors.New("timeout")},
	}
	st := store.NewInMemoryStore()
	engine := NewEngine(oracle, st, WithModelTiers([]string{"tier1", "tier2"}))

	_, err := engine.GenerateDay(context.Background(), testUser(), store.Preferences{}, "2026-09-01", "")
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("err = %v, want *GenerationError", err)
	}
	if len(genErr.Failures) != 2 {
		t.Errorf("failures = %+v, want one per tier", genErr.Failures)
	}
	// A failed day must never persist a plan.
	if _, err := st.GetPlan(context.Background(), 1, "2026-09-01"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejected plan was persisted: %v", err)
	}
}

func TestGateCalorieTolerance(t *testing.T) {
	engine := NewEngine(nil, nil)
	day := models.DayPlan{
		Meals:  []models.PlanMeal{{Title: "m", Products: []models.PlanProduct{{Name: "Rice", Grams: 100}}}},
		Totals: models.PlanTotals{Kcal: 2139}, // 6.95% over 2000
	}
	if err := engine.gate(day, 2000); err != nil {
		t.Errorf("6.95%% deviation rejected: %v", err)
	}
	day.Totals.Kcal = 2141 // 7.05% over
	if err := engine.gate(day, 2000); err == nil {
		t.Error("7.05% deviation accepted")
	}
	day.Totals.Kcal = 1859 // 7.05% under
	if err := engine.gate(day, 2000); err == nil {
		t.Error("7.05% deficit accepted")
	}
}

func TestGateRejectsEmptyMeal(t *testing.T) {
	engine := NewEngine(nil, nil)
	day := models.DayPlan{
		Meals:  []models.PlanMeal{{Title: "Breakfast"}},
		Totals: models.PlanTotals{Kcal: 2000},
	}
	if err := engine.gate(day, 2000); err == nil {
		t.Error("meal without products accepted")
	}
}

func TestNormalizeCoercionAndStores(t *testing.T) {
	engine := NewEngine(nil, nil, WithDefaultStore("Kaufland"))
	raw := rawPlan{}
	jsonBody := `{"meals":[{"title":"Lunch","kcal":"650 kcal","protein_g":"42",
		"products":[
			{"name":"Chicken","grams":"200"},
			{"name":"","grams":100},
			{"name":"Ghost","grams":0},
			{"name":"Rice","grams":150,"store":"Albert"}
		]}]}`
	if err := jsonUnmarshal(jsonBody, &raw); err != nil {
		t.Fatal(err)
	}
	day := engine.normalize(raw, "")
	meal := day.Meals[0]
	if meal.Kcal != 650 || meal.ProteinG != 42 {
		t.Errorf("coercion failed: kcal=%v protein=%v", meal.Kcal, meal.ProteinG)
	}
	if len(meal.Products) != 2 {
		t.Fatalf("products = %+v, want nameless and zero-gram dropped", meal.Products)
	}
	if meal.Products[0].Store != "Kaufland" {
		t.Errorf("missing store not defaulted: %q", meal.Products[0].Store)
	}
	if meal.Products[1].Store != "Albert" {
		t.Errorf("explicit store overwritten: %q", meal.Products[1].Store)
	}
	// Missing totals recomputed from meals.
	if day.Totals.Kcal != 650 {
		t.Errorf("totals not recomputed: %v", day.Totals.Kcal)
	}
	// Shopping list derived from products.
	if len(day.ShoppingList) != 2 {
		t.Errorf("shopping list = %+v", day.ShoppingList)
	}
}

func TestNormalizeForcesConstrainedStore(t *testing.T) {
	engine := NewEngine(nil, nil)
	raw := rawPlan{}
	body := `{"meals":[{"title":"Lunch","kcal":600,
		"products":[{"name":"Rice","grams":150,"store":"Albert"}]}],
		"shopping_list":[{"name":"Rice","grams":150,"store":"Billa"}]}`
	if err := jsonUnmarshal(body, &raw); err != nil {
		t.Fatal(err)
	}
	day := engine.normalize(raw, "Lidl")
	if day.Meals[0].Products[0].Store != "Lidl" || day.ShoppingList[0].Store != "Lidl" {
		t.Errorf("store constraint not forced: %+v", day)
	}
}

func TestDayTargetWeekdayWeekendSplit(t *testing.T) {
	user := testUser()
	prefs := store.Preferences{}
	prefs.Set("calories_weekday", 1900)
	prefs.Set("calories_weekend", 2300)

	// 2026-09-01 is a Tuesday, 2026-09-05 a Saturday.
	if got := DayTarget(user, prefs, "2026-09-01"); got != 1900 {
		t.Errorf("weekday target = %d, want 1900", got)
	}
	if got := DayTarget(user, prefs, "2026-09-05"); got != 2300 {
		t.Errorf("weekend target = %d, want 2300", got)
	}
	// Without overrides the base target applies regardless of day.
	if got := DayTarget(user, store.Preferences{}, "2026-09-05"); got != 2000 {
		t.Errorf("base target = %d, want 2000", got)
	}
}

func TestParseDaySelector(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"swap the chicken for fish", 1},
		{"make day 2 vegetarian", 2},
		{"Day 3: no dairy please", 3},
		{"день 2 без молочки", 2},
		{"day 0 nonsense", 1},
	}
	for _, tt := range tests {
		if got := ParseDaySelector(tt.in); got != tt.want {
			t.Errorf("ParseDaySelector(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestEditDayReplacesOnlySelectedDay(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	user := testUser()
	dates := []string{"2026-09-01", "2026-09-02"}
	for _, d := range dates {
		st.UpsertPlan(ctx, &models.Plan{UserID: user.ID, Date: d, CaloriesTarget: 2000,
			Plan: models.DayPlan{Meals: []models.PlanMeal{{Title: "Original", Kcal: 2000,
				Products: []models.PlanProduct{{Name: "Rice", Grams: 100}}}},
				Totals: models.PlanTotals{Kcal: 2000}}})
	}
	oracle := &mockOracle{byModel: map[string]string{"tier1": goodDayJSON(2000)}}
	engine := NewEngine(oracle, st, WithModelTiers([]string{"tier1"}))

	edited, err := engine.EditDay(ctx, user, store.Preferences{}, dates, "make day 2 higher protein")
	if err != nil {
		t.Fatalf("EditDay() error = %v", err)
	}
	if edited.Date != "2026-09-02" {
		t.Errorf("edited date = %s, want 2026-09-02", edited.Date)
	}
	day1, _ := st.GetPlan(ctx, user.ID, "2026-09-01")
	if day1.Plan.Meals[0].Title != "Original" {
		t.Error("day 1 was modified by a day 2 edit")
	}
	day2, _ := st.GetPlan(ctx, user.ID, "2026-09-02")
	if day2.Plan.Meals[0].Title == "Original" {
		t.Error("day 2 was not replaced")
	}
}

func TestGenerateDaysUsesPerDayTargets(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	user := testUser()
	prefs := store.Preferences{}
	prefs.Set("calories_weekday", 1900)
	prefs.Set("calories_weekend", 2300)

	oracle := &targetAwareOracle{}
	engine := NewEngine(oracle, st, WithModelTiers([]string{"tier1"}))

	// Friday 2026-09-04 through Saturday 2026-09-05.
	plans, err := engine.GenerateDays(ctx, user, prefs, "2026-09-04", 2, "")
	if err != nil {
		t.Fatalf("GenerateDays() error = %v", err)
	}
	if plans[0].CaloriesTarget != 1900 || plans[1].CaloriesTarget != 2300 {
		t.Errorf("targets = %d, %d; want 1900 (Fri), 2300 (Sat)", plans[0].CaloriesTarget, plans[1].CaloriesTarget)
	}
}

// targetAwareOracle echoes back a plan matching whatever target the
// prompt asks for, so per-day targets can be asserted end to end.
type targetAwareOracle struct{}

func (o *targetAwareOracle) CompleteWithTimeout(_ context.Context, _, _, userPrompt string, _ time.Duration) (string, error) {
	var target int
	if _, err := fmt.Sscanf(substringAfter(userPrompt, "Targets for the day: "), "%d", &target); err != nil {
		return "", err
	}
	return goodDayJSON(target), nil
}

func substringAfter(s, marker string) string {
	if i := strings.Index(s, marker); i >= 0 {
		return s[i+len(marker):]
	}
	return s
}

func jsonUnmarshal(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
