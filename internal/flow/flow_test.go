package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mkravets/nutricoach/internal/food"
	"github.com/mkravets/nutricoach/internal/foodapi"
	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/plan"
	"github.com/mkravets/nutricoach/internal/store"
)

type fakeSender struct {
	messages []string
}

func (s *fakeSender) SendMessage(_ context.Context, _, message string) error {
	s.messages = append(s.messages, message)
	return nil
}

func (s *fakeSender) last() string {
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[len(s.messages)-1]
}

// fakeAI answers GenerateJSON by system prompt, so one fake covers the
// intent classifier and the meal parser in a single dispatch.
type fakeAI struct {
	intent     intentResult
	parses     []models.ParsedMeal
	parseCalls int
	chatReply  string
}

func (a *fakeAI) GeneratePrompt(_ context.Context, _, _ string) (string, error) {
	return a.chatReply, nil
}

func (a *fakeAI) GenerateJSON(_ context.Context, _, systemPrompt, _ string, out any) error {
	switch systemPrompt {
	case intentSystemPrompt:
		return fill(out, a.intent)
	case mealParseSystemPrompt:
		if len(a.parses) == 0 {
			return fmt.Errorf("no parse queued")
		}
		parsed := a.parses[0]
		if len(a.parses) > 1 {
			a.parses = a.parses[1:]
		}
		a.parseCalls++
		return fill(out, parsed)
	default:
		return fmt.Errorf("unexpected system prompt")
	}
}

func (a *fakeAI) GenerateVisionJSON(_ context.Context, _, _, _ string, _ []byte, _ string, _ any) error {
	return fmt.Errorf("vision not configured in test")
}

func (a *fakeAI) Transcribe(_ context.Context, _ []byte) (string, error) {
	return "", fmt.Errorf("transcription not configured in test")
}

func fill(out, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type fixedLookup struct {
	candidates map[string][]models.FoodCandidate
	byBarcode  map[string]*models.FoodCandidate
}

func (l *fixedLookup) Search(_ context.Context, query string) ([]models.FoodCandidate, error) {
	return l.candidates[strings.ToLower(query)], nil
}

func (l *fixedLookup) GetByBarcode(_ context.Context, barcode string) (*models.FoodCandidate, error) {
	if c, ok := l.byBarcode[barcode]; ok {
		return c, nil
	}
	return nil, foodapi.ErrNotFound
}

type planOracle struct {
	response string
}

func (o *planOracle) CompleteWithTimeout(_ context.Context, _, _, _ string, _ time.Duration) (string, error) {
	return o.response, nil
}

func f(v float64) *float64 { return &v }

var testClock = time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, ai GenAI, lookup food.Lookup, oracleJSON string) (*Router, *fakeSender, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	foodSvc, err := food.NewService(lookup, st)
	if err != nil {
		t.Fatalf("food.NewService: %v", err)
	}
	engine := plan.NewEngine(&planOracle{response: oracleJSON}, st, plan.WithModelTiers([]string{"test-model"}))
	sender := &fakeSender{}
	r := NewRouter(st, foodSvc, ai, engine, sender, nil, nil, WithClock(func() time.Time { return testClock }))
	return r, sender, st
}

func completeUser(t *testing.T, st *store.InMemoryStore, source string, calories int) *models.User {
	t.Helper()
	user, err := st.GetOrCreateUser(context.Background(), "+420777000111")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	user.ProfileComplete = true
	user.Age = 40
	user.Sex = "male"
	user.HeightCm = 180
	user.WeightKg = 85
	user.ActivityLevel = "medium"
	user.Goal = "loss"
	user.CaloriesTarget = calories
	user.ProteinGTarget = 136
	user.FatGTarget = 68
	user.CarbsGTarget = 211
	user.TargetsSource = source
	if err := st.SaveUser(context.Background(), user); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	return user
}

func TestStuckGenerationResetsToIdle(t *testing.T) {
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	stale := models.NewDialogState(0, &models.PlanGeneratingPayload{
		StartedAt: testClock.Add(-95 * time.Second),
		Days:      1,
	})
	if err := st.SetDialogState(context.Background(), user.ID, stale); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := r.Dispatch(context.Background(), models.Response{From: user.ExternalID, Body: "hello?"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, err := st.GetUserByExternalID(context.Background(), user.ExternalID)
	if err != nil {
		t.Fatalf("GetUserByExternalID: %v", err)
	}
	if !got.Dialog.IsIdle() {
		t.Errorf("expected idle dialog after stale generation, got mode %q", got.Dialog.Mode)
	}
	if !strings.Contains(sender.last(), "reset") {
		t.Errorf("expected a reset notice, got %q", sender.last())
	}
}

func TestFreshGenerationAsksToWait(t *testing.T) {
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	running := models.NewDialogState(0, &models.PlanGeneratingPayload{
		StartedAt: testClock.Add(-10 * time.Second),
		Days:      1,
	})
	if err := st.SetDialogState(context.Background(), user.ID, running); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := r.Dispatch(context.Background(), models.Response{From: user.ExternalID, Body: "done yet?"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(context.Background(), user.ExternalID)
	if got.Dialog.Mode != models.ModePlanGenerating {
		t.Errorf("expected generation marker to survive, got mode %q", got.Dialog.Mode)
	}
	if !strings.Contains(sender.last(), "Still working") {
		t.Errorf("expected a wait notice, got %q", sender.last())
	}
}

func TestNoConfirmationForEmptyDraft(t *testing.T) {
	ai := &fakeAI{
		intent: intentResult{Action: "log_meal"},
		parses: []models.ParsedMeal{{Items: []models.ParsedItem{{Query: "mystery", Grams: 0}}}},
	}
	r, sender, st := newTestRouter(t, ai, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)

	if err := r.Dispatch(context.Background(), models.Response{From: user.ExternalID, Body: "I ate the thing"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(context.Background(), user.ExternalID)
	if !got.Dialog.IsIdle() {
		t.Errorf("expected idle dialog, got mode %q", got.Dialog.Mode)
	}
	if strings.Contains(sender.last(), "Save this meal") {
		t.Errorf("empty draft must not reach confirmation, got %q", sender.last())
	}
}

func TestNoConfirmationForZeroWeightDraft(t *testing.T) {
	// A sub-half-gram amount survives resolution but rounds to 0 g, so
	// the draft has items and still nothing to save.
	saffron := models.FoodCandidate{
		Source: "off", Name: "Saffron",
		Kcal100g: f(310), Protein100g: f(11.4), Fat100g: f(5.9), Carbs100g: f(65),
	}
	ai := &fakeAI{
		intent: intentResult{Action: "log_meal"},
		parses: []models.ParsedMeal{{Items: []models.ParsedItem{{Query: "saffron", Grams: 0.3}}}},
	}
	lookup := &fixedLookup{candidates: map[string][]models.FoodCandidate{
		"saffron": {saffron},
	}}
	r, sender, st := newTestRouter(t, ai, lookup, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)

	if err := r.Dispatch(context.Background(), models.Response{From: user.ExternalID, Body: "a pinch of saffron"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(context.Background(), user.ExternalID)
	if !got.Dialog.IsIdle() {
		t.Errorf("expected idle dialog, got mode %q", got.Dialog.Mode)
	}
	if strings.Contains(sender.last(), "Save this meal") {
		t.Errorf("zero-weight draft must not reach confirmation, got %q", sender.last())
	}
}

func TestFoodPickRefetchesChosenCandidateByBarcode(t *testing.T) {
	// The listed candidate is a search snapshot; the pick must use the
	// canonical product fetched by barcode.
	stale := models.FoodCandidate{
		Source: "off", Name: "Greek yogurt", Barcode: "4000417025005",
		Kcal100g: f(999), Protein100g: f(1), Fat100g: f(1), Carbs100g: f(1),
	}
	fresh := models.FoodCandidate{
		Source: "off", Name: "Greek yogurt", Barcode: "4000417025005",
		Kcal100g: f(97), Protein100g: f(9), Fat100g: f(5), Carbs100g: f(3.9),
	}
	lookup := &fixedLookup{byBarcode: map[string]*models.FoodCandidate{
		"4000417025005": &fresh,
	}}
	r, _, st := newTestRouter(t, &fakeAI{}, lookup, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	ctx := context.Background()
	state := models.NewDialogState(0, &models.FoodPickPayload{
		Unresolved: []models.UnresolvedItem{{Query: "yogurt", Grams: 200, Candidates: []models.FoodCandidate{stale}}},
		Source:     mealSourceText,
	})
	if err := st.SetDialogState(ctx, user.ID, state); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "1"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(ctx, user.ExternalID)
	if got.Dialog.Mode != models.ModeMealConfirm {
		t.Fatalf("expected meal_confirm, got %q", got.Dialog.Mode)
	}
	payload, ok := got.Dialog.Payload.(*models.MealConfirmPayload)
	if !ok {
		t.Fatalf("unexpected payload %T", got.Dialog.Payload)
	}
	if payload.Draft.Totals.Calories != 194 {
		t.Errorf("expected 194 kcal from the refetched product, got %d", payload.Draft.Totals.Calories)
	}
}

func TestClarifyTerminatesAfterAllAnswers(t *testing.T) {
	chicken := models.FoodCandidate{
		Source: "off", Name: "Chicken breast",
		Kcal100g: f(165), Protein100g: f(31), Fat100g: f(3.6), Carbs100g: f(0),
	}
	ai := &fakeAI{
		intent: intentResult{Action: "log_meal"},
		parses: []models.ParsedMeal{
			{
				NeedsClarification:  true,
				ClarifyingQuestions: []string{"How much chicken?", "Fried or boiled?"},
			},
			{
				// The oracle asking again must be ignored once every
				// question has an answer.
				NeedsClarification:  true,
				ClarifyingQuestions: []string{"What brand?"},
				Items:               []models.ParsedItem{{Query: "chicken breast", Grams: 200}},
			},
		},
	}
	lookup := &fixedLookup{candidates: map[string][]models.FoodCandidate{
		"chicken breast": {chicken},
	}}
	r, sender, st := newTestRouter(t, ai, lookup, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	ctx := context.Background()

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "chicken for lunch"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(ctx, user.ExternalID)
	if got.Dialog.Mode != models.ModeMealClarify {
		t.Fatalf("expected meal_clarify, got %q", got.Dialog.Mode)
	}
	if sender.last() != "How much chicken?" {
		t.Fatalf("expected first question, got %q", sender.last())
	}

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "about 200 g"}); err != nil {
		t.Fatalf("Dispatch answer 1: %v", err)
	}
	if sender.last() != "Fried or boiled?" {
		t.Fatalf("expected second question, got %q", sender.last())
	}

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "boiled"}); err != nil {
		t.Fatalf("Dispatch answer 2: %v", err)
	}
	got, _ = st.GetUserByExternalID(ctx, user.ExternalID)
	if got.Dialog.Mode != models.ModeMealConfirm {
		t.Errorf("expected meal_confirm after the final answer, got %q", got.Dialog.Mode)
	}
	if ai.parseCalls != 2 {
		t.Errorf("expected exactly 2 parse calls, got %d", ai.parseCalls)
	}
	if !strings.Contains(sender.last(), "Save this meal?") {
		t.Errorf("expected draft summary, got %q", sender.last())
	}
}

func TestWeightUpdateKeepsCustomTargets(t *testing.T) {
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCustom, 1800)
	ctx := context.Background()
	if err := st.SetDialogState(ctx, user.ID, models.NewDialogState(0, &models.SetWeightPayload{})); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "83.5"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(ctx, user.ExternalID)
	if got.CaloriesTarget != 1800 {
		t.Errorf("custom calorie target changed to %d", got.CaloriesTarget)
	}
	if got.WeightKg != 83.5 {
		t.Errorf("expected weight 83.5, got %.1f", got.WeightKg)
	}
	if !strings.Contains(sender.last(), "stays") {
		t.Errorf("expected a pinned-target notice, got %q", sender.last())
	}
	logs, err := st.ListWeightLogs(ctx, user.ID, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one weight log, got %v (%v)", logs, err)
	}
}

func TestWeightUpdateRecomputesCoachTargets(t *testing.T) {
	r, _, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 9999)
	ctx := context.Background()
	if err := st.SetDialogState(ctx, user.ID, models.NewDialogState(0, &models.SetWeightPayload{})); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "85"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(ctx, user.ExternalID)
	if got.CaloriesTarget != 2345 {
		t.Errorf("expected recomputed target 2345, got %d", got.CaloriesTarget)
	}
}

func TestMealConfirmAbandonedByOtherMessage(t *testing.T) {
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	ctx := context.Background()
	draft := models.MealDraft{
		Items:  []models.MealItem{{Name: "Rice", Grams: 150, Calories: 195}},
		Totals: models.MealTotals{TotalWeightG: 150, Calories: 195},
	}
	state := models.NewDialogState(0, &models.MealConfirmPayload{Draft: draft, Source: mealSourceText})
	if err := st.SetDialogState(ctx, user.ID, state); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	// Not yes, not no: the draft is dropped and the message routes as
	// if no confirmation was pending.
	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "plan"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(ctx, user.ExternalID)
	if got.Dialog.Mode != models.ModePlanWizard {
		t.Errorf("expected plan wizard after abandoning confirm, got %q", got.Dialog.Mode)
	}
	if !strings.Contains(sender.last(), "How many days") {
		t.Errorf("expected plan wizard prompt, got %q", sender.last())
	}
	meals, err := st.ListMealsSince(ctx, user.ID, testClock.Add(-time.Hour))
	if err != nil || len(meals) != 0 {
		t.Errorf("abandoned draft must not be persisted, got %v (%v)", meals, err)
	}
}

func TestMealConfirmYesPersists(t *testing.T) {
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	ctx := context.Background()
	draft := models.MealDraft{
		Items:  []models.MealItem{{Name: "Rice", Grams: 150, Calories: 195}},
		Totals: models.MealTotals{TotalWeightG: 150, Calories: 195, ProteinG: 4, CarbsG: 42},
	}
	state := models.NewDialogState(0, &models.MealConfirmPayload{Draft: draft, Source: mealSourceText, Description: "rice"})
	if err := st.SetDialogState(ctx, user.ID, state); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "yes"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	meals, err := st.ListMealsSince(ctx, user.ID, testClock.Add(-time.Hour))
	if err != nil || len(meals) != 1 {
		t.Fatalf("expected one meal, got %v (%v)", meals, err)
	}
	if meals[0].Calories != 195 || meals[0].Source != mealSourceText {
		t.Errorf("unexpected persisted meal %+v", meals[0])
	}
	if !strings.Contains(sender.last(), "Saved") {
		t.Errorf("expected save confirmation, got %q", sender.last())
	}
}

func TestOnboardingQuestionnaireCompletes(t *testing.T) {
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	ctx := context.Background()
	from := "+420777000111"

	dispatch := func(body string) {
		t.Helper()
		if err := r.Dispatch(ctx, models.Response{From: from, Body: body}); err != nil {
			t.Fatalf("Dispatch %q: %v", body, err)
		}
	}

	dispatch("start")
	got, _ := st.GetUserByExternalID(ctx, from)
	if got.Dialog.Mode != models.ModeOnboarding {
		t.Fatalf("expected onboarding, got %q", got.Dialog.Mode)
	}

	// An invalid age is re-asked without advancing.
	dispatch("five")
	if !strings.Contains(sender.last(), "between 10 and 100") {
		t.Fatalf("expected age validation, got %q", sender.last())
	}

	for _, answer := range []string{"40", "male", "180", "85", "2", "1", "none", "none", "chicken, rice", "liver"} {
		dispatch(answer)
	}

	got, _ = st.GetUserByExternalID(ctx, from)
	if !got.ProfileComplete {
		t.Fatal("expected a complete profile")
	}
	if got.CaloriesTarget != 2345 {
		t.Errorf("expected coach target 2345, got %d", got.CaloriesTarget)
	}
	if got.Dialog.Mode != models.ModeTargetsMode {
		t.Fatalf("expected targets_mode, got %q", got.Dialog.Mode)
	}
	if got.FavoriteProducts != "chicken, rice" || got.DislikedProducts != "liver" {
		t.Errorf("unexpected food preferences %q / %q", got.FavoriteProducts, got.DislikedProducts)
	}

	// Pin custom calories; carbs absorb the difference.
	dispatch("2000")
	got, _ = st.GetUserByExternalID(ctx, from)
	if got.TargetsSource != models.TargetsSourceCustom {
		t.Errorf("expected custom source, got %q", got.TargetsSource)
	}
	if got.CaloriesTarget != 2000 {
		t.Errorf("expected 2000 kcal, got %d", got.CaloriesTarget)
	}
	wantCarbs := carbsRemainder(2000, got.ProteinGTarget, got.FatGTarget)
	if got.CarbsGTarget != wantCarbs {
		t.Errorf("expected carbs %d, got %d", wantCarbs, got.CarbsGTarget)
	}
	if !got.Dialog.IsIdle() {
		t.Errorf("expected idle after target choice, got %q", got.Dialog.Mode)
	}
}

func planJSON(kcal float64) string {
	day := map[string]any{
		"meals": []map[string]any{
			{
				"title": "Breakfast", "time": "08:00", "kcal": kcal / 2,
				"protein_g": 60, "fat_g": 30, "carbs_g": 100,
				"products": []map[string]any{{"name": "Oats", "grams": 120, "store": "Lidl"}},
			},
			{
				"title": "Dinner", "time": "19:00", "kcal": kcal / 2,
				"protein_g": 76, "fat_g": 38, "carbs_g": 111,
				"products": []map[string]any{{"name": "Chicken breast", "grams": 300, "store": "Lidl"}},
			},
		},
		"totals": map[string]any{"kcal": kcal, "protein_g": 136, "fat_g": 68, "carbs_g": 211},
	}
	raw, _ := json.Marshal(day)
	return string(raw)
}

func TestPlanWizardGeneratesAndApproves(t *testing.T) {
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, planJSON(2000))
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	ctx := context.Background()

	dispatch := func(body string) {
		t.Helper()
		if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: body}); err != nil {
			t.Fatalf("Dispatch %q: %v", body, err)
		}
	}

	dispatch("plan")
	got, _ := st.GetUserByExternalID(ctx, user.ExternalID)
	if got.Dialog.Mode != models.ModePlanWizard {
		t.Fatalf("expected plan wizard, got %q", got.Dialog.Mode)
	}

	dispatch("2")
	if !strings.Contains(sender.last(), "store") {
		t.Fatalf("expected store question, got %q", sender.last())
	}

	dispatch("any")
	got, _ = st.GetUserByExternalID(ctx, user.ExternalID)
	if got.Dialog.Mode != models.ModePlanEdit {
		t.Fatalf("expected plan edit after generation, got %q", got.Dialog.Mode)
	}
	if !strings.Contains(sender.last(), "approve") {
		t.Errorf("expected approval prompt, got %q", sender.last())
	}

	today := testClock.Format(dateLayout)
	p, err := st.GetPlan(ctx, user.ID, today)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if p.Approved {
		t.Error("plan should not be approved yet")
	}

	dispatch("approve")
	got, _ = st.GetUserByExternalID(ctx, user.ExternalID)
	if !got.Dialog.IsIdle() {
		t.Errorf("expected idle after approval, got %q", got.Dialog.Mode)
	}
	for _, date := range []string{today, testClock.AddDate(0, 0, 1).Format(dateLayout)} {
		p, err := st.GetPlan(ctx, user.ID, date)
		if err != nil {
			t.Fatalf("GetPlan %s: %v", date, err)
		}
		if !p.Approved {
			t.Errorf("plan for %s not approved", date)
		}
	}
}

func TestCancelTokenEscapesAnyMode(t *testing.T) {
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	ctx := context.Background()
	state := models.NewDialogState(1, &models.RemindersPayload{Draft: models.Reminder{Text: "log dinner"}})
	if err := st.SetDialogState(ctx, user.ID, state); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "отмена"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(ctx, user.ExternalID)
	if !got.Dialog.IsIdle() {
		t.Errorf("expected idle after cancel, got %q", got.Dialog.Mode)
	}
	if !strings.Contains(sender.last(), "Cancelled") {
		t.Errorf("expected cancel confirmation, got %q", sender.last())
	}
}

func TestFoodPickNumberSelection(t *testing.T) {
	a := models.FoodCandidate{Source: "off", Name: "Greek yogurt", Kcal100g: f(97), Protein100g: f(9), Fat100g: f(5), Carbs100g: f(3.9)}
	b := models.FoodCandidate{Source: "off", Name: "Plain yogurt", Kcal100g: f(61), Protein100g: f(3.5), Fat100g: f(3.3), Carbs100g: f(4.7)}
	r, sender, st := newTestRouter(t, &fakeAI{}, &fixedLookup{}, "")
	user := completeUser(t, st, models.TargetsSourceCoach, 2000)
	ctx := context.Background()
	state := models.NewDialogState(0, &models.FoodPickPayload{
		Unresolved: []models.UnresolvedItem{{Query: "yogurt", Grams: 200, Candidates: []models.FoodCandidate{a, b}}},
		Source:     mealSourceText,
	})
	if err := st.SetDialogState(ctx, user.ID, state); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := r.Dispatch(ctx, models.Response{From: user.ExternalID, Body: "2"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got, _ := st.GetUserByExternalID(ctx, user.ExternalID)
	if got.Dialog.Mode != models.ModeMealConfirm {
		t.Fatalf("expected meal_confirm, got %q", got.Dialog.Mode)
	}
	payload, ok := got.Dialog.Payload.(*models.MealConfirmPayload)
	if !ok {
		t.Fatalf("unexpected payload %T", got.Dialog.Payload)
	}
	if len(payload.Draft.Items) != 1 || payload.Draft.Items[0].Name != "Plain yogurt" {
		t.Errorf("expected the second candidate, got %+v", payload.Draft.Items)
	}
	if payload.Draft.Totals.Calories != 122 {
		t.Errorf("expected 122 kcal for 200 g, got %d", payload.Draft.Totals.Calories)
	}
	if !strings.Contains(sender.last(), "Save this meal?") {
		t.Errorf("expected draft summary, got %q", sender.last())
	}
}
