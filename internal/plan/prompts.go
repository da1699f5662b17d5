package plan

import (
	"fmt"
	"strings"

	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/store"
)

const daySystemPrompt = `You are a nutrition meal planner. You compose one full day of meals
from common supermarket products, hitting the given calorie and macro targets.
Use whole foods only. Never include protein powders, gainers, or other
supplement products. Respond with a single JSON object of the form:
{"meals":[{"title":"...","time":"HH:MM","kcal":0,"protein_g":0,"fat_g":0,"carbs_g":0,
"products":[{"name":"...","grams":0,"store":"..."}],"recipe":["step"]}],
"totals":{"kcal":0,"protein_g":0,"fat_g":0,"carbs_g":0},
"shopping_list":[{"name":"...","grams":0,"store":"..."}]}`

const editSystemPrompt = `You are a nutrition meal planner revising an existing day plan per the
user's request. Keep everything the user did not ask to change. Keep the
same calorie and macro targets. Use whole foods only, no supplement
products. Respond with a single JSON object in the same schema as the
current plan.`

func profileSummary(user *models.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Profile: %s, %d y, %.0f cm, %.1f kg, activity %s, goal %s.",
		user.Sex, user.Age, user.HeightCm, user.WeightKg, user.ActivityLevel, user.Goal)
	if user.Allergies != "" {
		fmt.Fprintf(&b, " Allergies: %s.", user.Allergies)
	}
	if user.Restrictions != "" {
		fmt.Fprintf(&b, " Dietary restrictions: %s.", user.Restrictions)
	}
	if user.FavoriteProducts != "" {
		fmt.Fprintf(&b, " Likes: %s.", user.FavoriteProducts)
	}
	if user.DislikedProducts != "" {
		fmt.Fprintf(&b, " Dislikes: %s.", user.DislikedProducts)
	}
	return b.String()
}

func targetLine(user *models.User, target int) string {
	return fmt.Sprintf("Targets for the day: %d kcal, protein %d g, fat %d g, carbs %d g. Total calories must stay within a few percent of %d.",
		target, user.ProteinGTarget, user.FatGTarget, user.CarbsGTarget, target)
}

func storeLine(user *models.User, storeName string) string {
	if storeName != "" && !strings.EqualFold(storeName, "any") {
		return fmt.Sprintf("All products must be available at %s; set every store field to %q.", storeName, storeName)
	}
	if user.StoresCSV != "" {
		return fmt.Sprintf("Prefer products available at: %s (country %s).", user.StoresCSV, user.Country)
	}
	return ""
}

func buildDayPrompts(user *models.User, prefs store.Preferences, target int, storeName string) (string, string) {
	lines := []string{
		profileSummary(user),
		targetLine(user, target),
	}
	if sl := storeLine(user, storeName); sl != "" {
		lines = append(lines, sl)
	}
	if note := prefs.String("plan_notes", ""); note != "" {
		lines = append(lines, "Extra preferences: "+note)
	}
	lines = append(lines, "Compose the full day now.")
	return daySystemPrompt, strings.Join(lines, "\n")
}

func buildEditPrompts(user *models.User, prefs store.Preferences, target int, storeName, currentPlanJSON, editRequest string) (string, string) {
	lines := []string{
		profileSummary(user),
		targetLine(user, target),
	}
	if sl := storeLine(user, storeName); sl != "" {
		lines = append(lines, sl)
	}
	if note := prefs.String("plan_notes", ""); note != "" {
		lines = append(lines, "Extra preferences: "+note)
	}
	lines = append(lines,
		"Current plan JSON:\n"+currentPlanJSON,
		"Edit request: "+editRequest,
	)
	return editSystemPrompt, strings.Join(lines, "\n")
}
