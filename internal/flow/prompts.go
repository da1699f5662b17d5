package flow

import (
	"fmt"
	"strings"

	"github.com/mkravets/nutricoach/internal/models"
)

const intentSystemPrompt = `You are the intent router of a nutrition coaching bot. Classify the
user's message into exactly one action tag:
- "log_meal": describes food they ate
- "make_plan": asks for a meal plan
- "analyze_week": asks how their week/diet is going
- "update_weight": reports or wants to update body weight
- "show_profile": asks about their profile or targets
- "update_pref": asks to remember a preference (store, dislikes, reminder time)
- "recall_plan": asks what a planned meal is (e.g. "what's for lunch")
- "parse_recipe": pastes a recipe with an ingredient list to calculate
- "coach_chat": a general nutrition question or conversation
- "help": asks what the bot can do
- "unknown": none of the above
Respond with JSON: {"action":"...","key":"...","value":"...","slot":"..."}.
"key"/"value" only for update_pref, "slot" only for recall_plan.`

// intentResult is the classifier's closed-set verdict.
type intentResult struct {
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
	Value  string `json:"value,omitempty"`
	Slot   string `json:"slot,omitempty"`
}

var knownIntents = tokenSet(
	"log_meal", "make_plan", "analyze_week", "update_weight", "show_profile",
	"update_pref", "recall_plan", "parse_recipe", "coach_chat", "help", "unknown",
)

const mealParseSystemPrompt = `You turn a free-form meal description into a structured item list.
Respond with JSON: {"items":[{"query":"food name for a database search","grams":0,"barcode":""}],
"needs_clarification":false,"clarifying_questions":[]}.
Estimate grams for household measures (a bowl of rice ≈ 250 g cooked).
Set needs_clarification true with at most two short questions only when
portions are genuinely unguessable. Queries must be in English, generic,
and brandless unless the user named a brand.`

const photoAnalysisSystemPrompt = `You analyze a food photo for calorie logging. Respond with JSON:
{"dish_type":"...","estimated_weight_g":0,"cooking_method":"...",
"hidden_calories":["oil","sauce"],"clarifying_questions":["..."]}.
Ask at most two questions and only about things that materially change
the calories (frying fat, dressing, portion size).`

const photoItemsSystemPrompt = `You itemize a food photo for calorie logging, using the analysis and
the user's answers. Respond with JSON:
{"items":[{"query":"food name for a database search","grams":0}]}.
Queries must be in English, generic, and brandless.`

const coachChatSystemPrompt = `You are a pragmatic nutrition coach in a messaging app. Answer briefly
and concretely in the user's language. No medical diagnoses. When the
user's profile is provided, tailor numbers to it.`

const coachOnboardingSystemPrompt = `You are onboarding a nutrition coaching user through free-form chat.
Extract profile fields from their latest message. Respond with JSON:
{"age":0,"sex":"male|female","height_cm":0,"weight_kg":0,
"activity_level":"low|medium|high","goal":"loss|maintain|gain|recomp",
"allergies":"...","restrictions":"...","favorite_products":"...","disliked_products":"..."}.
Include only fields the message actually states; omit everything else.`

const weeklyAnalysisSystemPrompt = `You are a nutrition coach reviewing a week of meal logs. Respond with
JSON: {"summary":"3-5 sentences in the user's language","recommended_calories":0}.
Recommend a calorie change only when the data clearly supports it,
otherwise repeat the current target.`

func userContextLine(user *models.User) string {
	if !user.ProfileComplete {
		return "User has no profile yet."
	}
	return fmt.Sprintf("User: %s, %d y, %.0f cm, %.1f kg, activity %s, goal %s, target %d kcal (P%d/F%d/C%d).",
		user.Sex, user.Age, user.HeightCm, user.WeightKg, user.ActivityLevel, user.Goal,
		user.CaloriesTarget, user.ProteinGTarget, user.FatGTarget, user.CarbsGTarget)
}

func formatDraftSummary(draft models.MealDraft) string {
	var b strings.Builder
	b.WriteString("Here is what I got:\n")
	for _, it := range draft.Items {
		name := it.Name
		if it.Brand != "" {
			name += " (" + it.Brand + ")"
		}
		fmt.Fprintf(&b, "• %s — %d g, %.0f kcal (P %.1f / F %.1f / C %.1f)\n",
			name, it.Grams, it.Calories, it.ProteinG, it.FatG, it.CarbsG)
	}
	t := draft.Totals
	fmt.Fprintf(&b, "Total: %d g, %d kcal, protein %d g, fat %d g, carbs %d g.\n",
		t.TotalWeightG, t.Calories, t.ProteinG, t.FatG, t.CarbsG)
	b.WriteString("Save this meal? (yes/no)")
	return b.String()
}

func formatCandidates(item models.UnresolvedItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I found several options for \"%s\" (%.0f g). Reply with a number or a barcode:\n", item.Query, item.Grams)
	for i, c := range item.Candidates {
		name := c.Name
		if c.Brand != "" {
			name += " (" + c.Brand + ")"
		}
		kcal := "?"
		if c.Kcal100g != nil {
			kcal = fmt.Sprintf("%.0f", *c.Kcal100g)
		}
		fmt.Fprintf(&b, "%d. %s — %s kcal/100g\n", i+1, name, kcal)
	}
	if len(item.Candidates) == 0 {
		return fmt.Sprintf("I could not find \"%s\" (%.0f g). Send a barcode (8-14 digits) or \"cancel\".", item.Query, item.Grams)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatDayPlan(p models.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %s (%d kcal):\n", p.Date, p.CaloriesTarget)
	for _, m := range p.Plan.Meals {
		line := m.Title
		if m.Time != "" {
			line = m.Time + " " + line
		}
		fmt.Fprintf(&b, "\n%s — %.0f kcal (P %.0f / F %.0f / C %.0f)\n", line, m.Kcal, m.ProteinG, m.FatG, m.CarbsG)
		for _, prod := range m.Products {
			fmt.Fprintf(&b, "  • %s %.0f g (%s)\n", prod.Name, prod.Grams, prod.Store)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatShoppingList(items []models.ShoppingItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Shopping list:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "• %s — %.0f g (%s)\n", it.Name, it.Grams, it.Store)
	}
	return strings.TrimRight(b.String(), "\n")
}
