package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/recipe"
	"github.com/mkravets/nutricoach/internal/store"
)

// routeByIntent classifies an idle-state message and dispatches it.
// When the classifier is unavailable or undecided, a cheap heuristic
// still lets meal descriptions through.
func (r *Router) routeByIntent(ctx context.Context, user *models.User, resp models.Response) error {
	var verdict intentResult
	if err := r.ai.GenerateJSON(ctx, "", intentSystemPrompt, resp.Body, &verdict); err != nil {
		slog.Warn("Router intent classification failed", "userID", user.ID, "error", err)
		if looksLikeMeal(resp.Body) {
			return r.startMealFromText(ctx, user, resp)
		}
		r.send(ctx, user, "I didn't catch that. "+helpText)
		return nil
	}
	if _, known := knownIntents[verdict.Action]; !known {
		verdict.Action = "unknown"
	}

	switch verdict.Action {
	case "log_meal":
		return r.startMealFromText(ctx, user, resp)
	case "make_plan":
		return r.beginPlanWizard(ctx, user)
	case "analyze_week":
		if !user.ProfileComplete {
			return r.beginOnboarding(ctx, user)
		}
		return r.runWeekAnalysis(ctx, user)
	case "update_weight":
		if w, ok := parseWeight(normalizeText(resp.Body)); ok {
			return r.applyWeight(ctx, user, w)
		}
		return r.runCommand(ctx, user, cmdWeight, resp)
	case "show_profile":
		return r.runCommand(ctx, user, cmdProfile, resp)
	case "update_pref":
		return r.savePreference(ctx, user, verdict.Key, verdict.Value)
	case "recall_plan":
		return r.recallPlan(ctx, user, verdict.Slot)
	case "parse_recipe":
		return r.startMealFromRecipe(ctx, user, resp)
	case "coach_chat":
		return r.coachChat(ctx, user, resp)
	case "help":
		return r.runCommand(ctx, user, cmdHelp, resp)
	default:
		if looksLikeMeal(resp.Body) {
			return r.startMealFromText(ctx, user, resp)
		}
		r.send(ctx, user, "Not sure what you meant. "+helpText)
		return nil
	}
}

// savePreference stores a classifier-extracted (key, value) pair in the
// user's preference document.
func (r *Router) savePreference(ctx context.Context, user *models.User, key, value string) error {
	key = strings.TrimSpace(strings.ToLower(key))
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		r.send(ctx, user, "What exactly should I remember? E.g. \"remember I shop at Kaufland\".")
		return nil
	}
	patch := store.Preferences{}
	if err := patch.Set(key, value); err != nil {
		return fmt.Errorf("failed to encode preference: %w", err)
	}
	if err := r.st.MergePreferences(ctx, user.ID, patch); err != nil {
		return fmt.Errorf("failed to save preference: %w", err)
	}
	r.send(ctx, user, fmt.Sprintf("Remembered: %s = %s.", key, value))
	return nil
}

// recallPlan answers "what's for lunch" style questions from today's
// persisted plan.
func (r *Router) recallPlan(ctx context.Context, user *models.User, slot string) error {
	today := r.now().Format(dateLayout)
	p, err := r.st.GetPlan(ctx, user.ID, today)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.send(ctx, user, "You have no plan for today. Send \"plan\" and I'll make one.")
			return nil
		}
		return fmt.Errorf("failed to load plan: %w", err)
	}
	if meal := findPlanMeal(p.Plan.Meals, slot); meal != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "%s — %.0f kcal:\n", meal.Title, meal.Kcal)
		for _, prod := range meal.Products {
			fmt.Fprintf(&b, "• %s %.0f g\n", prod.Name, prod.Grams)
		}
		for _, step := range meal.Recipe {
			b.WriteString(step + "\n")
		}
		r.send(ctx, user, strings.TrimRight(b.String(), "\n"))
		return nil
	}
	r.send(ctx, user, formatDayPlan(*p))
	return nil
}

// mealSlots maps slot names to title/time keywords for plan recall.
var mealSlots = map[string][]string{
	"breakfast": {"breakfast", "завтрак", "07:", "08:", "09:"},
	"lunch":     {"lunch", "обед", "12:", "13:", "14:"},
	"dinner":    {"dinner", "ужин", "18:", "19:", "20:"},
	"snack":     {"snack", "перекус"},
}

func findPlanMeal(meals []models.PlanMeal, slot string) *models.PlanMeal {
	keys, ok := mealSlots[strings.ToLower(strings.TrimSpace(slot))]
	if !ok {
		return nil
	}
	for i, m := range meals {
		title := strings.ToLower(m.Title)
		for _, k := range keys {
			if strings.Contains(title, k) || strings.HasPrefix(m.Time, k) {
				return &meals[i]
			}
		}
	}
	return nil
}

// startMealFromRecipe runs the deterministic ingredient parser first
// and falls back to the oracle parse when the text has no recognizable
// ingredient block.
func (r *Router) startMealFromRecipe(ctx context.Context, user *models.User, resp models.Response) error {
	if !user.ProfileComplete {
		return r.beginOnboarding(ctx, user)
	}
	items, err := recipe.Parse(resp.Body)
	if err != nil {
		if errors.Is(err, recipe.ErrNoIngredients) {
			return r.startMealFromText(ctx, user, resp)
		}
		return fmt.Errorf("recipe parse failed: %w", err)
	}
	return r.resolveAndProceed(ctx, user, items, mealSourceRecipe, resp.Body, "")
}

// coachChat answers free-form nutrition questions with profile context.
func (r *Router) coachChat(ctx context.Context, user *models.User, resp models.Response) error {
	answer, err := r.ai.GeneratePrompt(ctx, coachChatSystemPrompt, userContextLine(user)+"\n"+resp.Body)
	if err != nil {
		return fmt.Errorf("coach chat failed: %w", err)
	}
	r.send(ctx, user, answer)
	return nil
}
