package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/nutrition"
	"github.com/mkravets/nutricoach/internal/store"
)

// Structured onboarding question order. The dialog step indexes into
// this list; each answer is validated before the step advances.
const (
	stepAge = iota
	stepSex
	stepHeight
	stepWeight
	stepActivity
	stepGoal
	stepAllergies
	stepRestrictions
	stepFavorites
	stepDislikes
	onboardingSteps
)

var onboardingQuestions = [onboardingSteps]string{
	stepAge:          "How old are you?",
	stepSex:          "Your sex? (male/female)",
	stepHeight:       "Your height in cm?",
	stepWeight:       "Your current weight in kg?",
	stepActivity:     "Activity level? 1 low (desk job), 2 medium (2-4 workouts/week), 3 high (daily training)",
	stepGoal:         "Your goal? 1 lose weight, 2 maintain, 3 gain muscle, 4 recomp",
	stepAllergies:    "Any food allergies? (\"none\" if not)",
	stepRestrictions: "Any dietary restrictions, e.g. vegetarian, halal? (\"none\" if not)",
	stepFavorites:    "Foods you love and want in your plans? (\"none\" to skip)",
	stepDislikes:     "Foods you refuse to eat? (\"none\" to skip)",
}

func (r *Router) beginOnboarding(ctx context.Context, user *models.User) error {
	state := models.NewDialogState(stepAge, &models.OnboardingPayload{})
	if err := r.setState(ctx, user, state); err != nil {
		return err
	}
	r.send(ctx, user, "Let's set up your profile, it takes a minute. "+onboardingQuestions[stepAge])
	return nil
}

func (r *Router) handleOnboarding(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.OnboardingPayload)
	if !ok {
		return false, fmt.Errorf("unexpected onboarding payload %T", user.Dialog.Payload)
	}
	step := user.Dialog.Step
	a := &payload.Answers

	switch step {
	case stepAge:
		n, err := strconv.Atoi(text)
		if err != nil || n < 10 || n > 100 {
			r.send(ctx, user, "Please send your age as a number between 10 and 100.")
			return true, nil
		}
		a.Age = n
	case stepSex:
		sex, ok := parseSex(text)
		if !ok {
			r.send(ctx, user, "Please answer \"male\" or \"female\".")
			return true, nil
		}
		a.Sex = sex
	case stepHeight:
		v, err := parseNumber(text)
		if err != nil || v < 120 || v > 230 {
			r.send(ctx, user, "Please send your height in cm, between 120 and 230.")
			return true, nil
		}
		a.HeightCm = v
	case stepWeight:
		v, err := parseNumber(text)
		if err != nil || v < 30 || v > 300 {
			r.send(ctx, user, "Please send your weight in kg, between 30 and 300.")
			return true, nil
		}
		a.WeightKg = v
	case stepActivity:
		lvl, ok := parseActivity(text)
		if !ok {
			r.send(ctx, user, "Please reply 1, 2 or 3 (or low/medium/high).")
			return true, nil
		}
		a.ActivityLevel = lvl
	case stepGoal:
		goal, ok := parseGoal(text)
		if !ok {
			r.send(ctx, user, "Please reply 1-4 (or loss/maintain/gain/recomp).")
			return true, nil
		}
		a.Goal = goal
	case stepAllergies:
		a.Allergies = freeTextAnswer(resp.Body)
	case stepRestrictions:
		a.Restrictions = freeTextAnswer(resp.Body)
	case stepFavorites:
		a.FavoriteProducts = freeTextAnswer(resp.Body)
	case stepDislikes:
		a.DislikedProducts = freeTextAnswer(resp.Body)
	default:
		return false, fmt.Errorf("onboarding step %d out of range", step)
	}

	if step+1 < onboardingSteps {
		if err := r.setState(ctx, user, models.NewDialogState(step+1, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, onboardingQuestions[step+1])
		return true, nil
	}
	return true, r.finishOnboarding(ctx, user, a)
}

// finishOnboarding writes the profile, computes coach targets, and
// hands over to the target source selection.
func (r *Router) finishOnboarding(ctx context.Context, user *models.User, a *models.OnboardingAnswers) error {
	user.Age = a.Age
	user.Sex = a.Sex
	user.HeightCm = a.HeightCm
	user.WeightKg = a.WeightKg
	user.ActivityLevel = a.ActivityLevel
	user.Goal = a.Goal
	user.Allergies = a.Allergies
	user.Restrictions = a.Restrictions
	user.FavoriteProducts = a.FavoriteProducts
	user.DislikedProducts = a.DislikedProducts
	user.ProfileComplete = true
	return r.proposeTargets(ctx, user, a.DeficitPct)
}

// proposeTargets computes coach targets from the current profile,
// persists them, and asks whether to keep them or pin custom calories.
func (r *Router) proposeTargets(ctx context.Context, user *models.User, deficitPct *float64) error {
	targets, meta, err := nutrition.ComputeTargetsWithMeta(nutrition.Input{
		Sex:           user.Sex,
		Age:           user.Age,
		HeightCm:      user.HeightCm,
		WeightKg:      user.WeightKg,
		ActivityLevel: user.ActivityLevel,
		Goal:          user.Goal,
		DeficitPct:    deficitPct,
	})
	if err != nil {
		return fmt.Errorf("failed to compute targets: %w", err)
	}
	user.CaloriesTarget = targets.Calories
	user.ProteinGTarget = targets.ProteinG
	user.FatGTarget = targets.FatG
	user.CarbsGTarget = targets.CarbsG
	user.TargetsSource = models.TargetsSourceCoach
	user.Dialog = models.NewDialogState(0, &models.TargetsModePayload{ProposedCalories: targets.Calories})
	if err := r.st.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	if err := r.saveCalcMeta(ctx, user, meta); err != nil {
		return err
	}
	r.send(ctx, user, fmt.Sprintf(
		"Done! BMR %d kcal, maintenance %d kcal.\nYour targets: %d kcal, protein %d g, fat %d g, carbs %d g.\nKeep these coach targets, or set your own calories? Reply \"keep\" or a number.",
		meta.BMR, meta.TDEE, targets.Calories, targets.ProteinG, targets.FatG, targets.CarbsG))
	return nil
}

func (r *Router) saveCalcMeta(ctx context.Context, user *models.User, meta nutrition.CalcMeta) error {
	patch := store.Preferences{}
	if err := patch.Set("calc_meta", meta); err != nil {
		return fmt.Errorf("failed to encode calc meta: %w", err)
	}
	if err := r.st.MergePreferences(ctx, user.ID, patch); err != nil {
		return fmt.Errorf("failed to save calc meta: %w", err)
	}
	return nil
}

func (r *Router) handleTargetsMode(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		// Exiting keeps whatever targets are already saved.
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.TargetsModePayload)
	if !ok {
		return false, fmt.Errorf("unexpected targets payload %T", user.Dialog.Payload)
	}

	switch user.Dialog.Step {
	case 0:
		if text == "keep" || text == "coach" || isYes(text) {
			if err := r.clearState(ctx, user); err != nil {
				return false, err
			}
			r.send(ctx, user, "Great, keeping the coach targets. Send me what you eat and I'll track it.")
			return true, nil
		}
		if n, err := strconv.Atoi(text); err == nil {
			return true, r.applyCustomCalories(ctx, user, n)
		}
		if text == "custom" || text == "own" {
			if err := r.setState(ctx, user, models.NewDialogState(1, payload)); err != nil {
				return false, err
			}
			r.send(ctx, user, "What daily calorie target do you want? (800-6000)")
			return true, nil
		}
		r.send(ctx, user, "Reply \"keep\" to accept the coach targets, or send a calorie number.")
		return true, nil
	case 1:
		n, err := strconv.Atoi(text)
		if err != nil {
			r.send(ctx, user, "Please send the calorie target as a number, e.g. 2100.")
			return true, nil
		}
		return true, r.applyCustomCalories(ctx, user, n)
	default:
		return false, fmt.Errorf("targets step %d out of range", user.Dialog.Step)
	}
}

// applyCustomCalories pins a user-chosen calorie target. Protein and
// fat anchors stay; carbs absorb the difference.
func (r *Router) applyCustomCalories(ctx context.Context, user *models.User, calories int) error {
	if calories < 800 || calories > 6000 {
		r.send(ctx, user, "That does not look safe. Pick a target between 800 and 6000 kcal.")
		return nil
	}
	user.CaloriesTarget = calories
	user.CarbsGTarget = carbsRemainder(calories, user.ProteinGTarget, user.FatGTarget)
	user.TargetsSource = models.TargetsSourceCustom
	user.Dialog = models.Idle()
	if err := r.st.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("failed to save custom targets: %w", err)
	}
	r.send(ctx, user, fmt.Sprintf("Locked in: %d kcal, protein %d g, fat %d g, carbs %d g. Weight updates will not change these until you switch back to coach mode.",
		user.CaloriesTarget, user.ProteinGTarget, user.FatGTarget, user.CarbsGTarget))
	return nil
}

func carbsRemainder(calories, proteinG, fatG int) int {
	carbs := (float64(calories) - float64(proteinG)*4 - float64(fatG)*9) / 4
	if carbs < 0 {
		return 0
	}
	return int(carbs + 0.5)
}

func (r *Router) beginCoachOnboarding(ctx context.Context, user *models.User) error {
	state := models.NewDialogState(0, &models.CoachOnboardingPayload{})
	if err := r.setState(ctx, user, state); err != nil {
		return err
	}
	r.send(ctx, user, "Tell me about yourself in your own words: age, height, weight, how active you are and what you want to achieve. I'll pick out the details.")
	return nil
}

func (r *Router) handleCoachOnboarding(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.CoachOnboardingPayload)
	if !ok {
		return false, fmt.Errorf("unexpected coach onboarding payload %T", user.Dialog.Payload)
	}

	var patch models.ProfilePatch
	if err := r.ai.GenerateJSON(ctx, "", coachOnboardingSystemPrompt, resp.Body, &patch); err != nil {
		return false, fmt.Errorf("profile extraction failed: %w", err)
	}
	mergeProfilePatch(&payload.Patch, patch)
	payload.Transcript = append(payload.Transcript, resp.Body)

	if missing := missingProfileFields(payload.Patch); len(missing) > 0 {
		if err := r.setState(ctx, user, models.NewDialogState(user.Dialog.Step+1, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, "Got it. I still need: "+strings.Join(missing, ", ")+".")
		return true, nil
	}

	applyProfilePatch(user, payload.Patch)
	user.ProfileComplete = true
	return true, r.proposeTargets(ctx, user, payload.Patch.DeficitPct)
}

// mergeProfilePatch overlays newly extracted fields; earlier answers
// win only when the new message says nothing about them.
func mergeProfilePatch(dst *models.ProfilePatch, src models.ProfilePatch) {
	if src.Age != nil {
		dst.Age = src.Age
	}
	if src.Sex != nil {
		dst.Sex = src.Sex
	}
	if src.HeightCm != nil {
		dst.HeightCm = src.HeightCm
	}
	if src.WeightKg != nil {
		dst.WeightKg = src.WeightKg
	}
	if src.ActivityLevel != nil {
		dst.ActivityLevel = src.ActivityLevel
	}
	if src.Goal != nil {
		dst.Goal = src.Goal
	}
	if src.DeficitPct != nil {
		dst.DeficitPct = src.DeficitPct
	}
	if src.Allergies != nil {
		dst.Allergies = src.Allergies
	}
	if src.Restrictions != nil {
		dst.Restrictions = src.Restrictions
	}
	if src.FavoriteProducts != nil {
		dst.FavoriteProducts = src.FavoriteProducts
	}
	if src.DislikedProducts != nil {
		dst.DislikedProducts = src.DislikedProducts
	}
	if src.Country != nil {
		dst.Country = src.Country
	}
	if src.StoresCSV != nil {
		dst.StoresCSV = src.StoresCSV
	}
}

func missingProfileFields(p models.ProfilePatch) []string {
	var missing []string
	if p.Age == nil {
		missing = append(missing, "age")
	}
	if p.Sex == nil {
		missing = append(missing, "sex")
	}
	if p.HeightCm == nil {
		missing = append(missing, "height")
	}
	if p.WeightKg == nil {
		missing = append(missing, "weight")
	}
	if p.ActivityLevel == nil {
		missing = append(missing, "activity level")
	}
	if p.Goal == nil {
		missing = append(missing, "goal")
	}
	return missing
}

func applyProfilePatch(user *models.User, p models.ProfilePatch) {
	if p.Age != nil {
		user.Age = *p.Age
	}
	if p.Sex != nil {
		user.Sex = *p.Sex
	}
	if p.HeightCm != nil {
		user.HeightCm = *p.HeightCm
	}
	if p.WeightKg != nil {
		user.WeightKg = *p.WeightKg
	}
	if p.ActivityLevel != nil {
		user.ActivityLevel = *p.ActivityLevel
	}
	if p.Goal != nil {
		user.Goal = *p.Goal
	}
	if p.Allergies != nil {
		user.Allergies = *p.Allergies
	}
	if p.Restrictions != nil {
		user.Restrictions = *p.Restrictions
	}
	if p.FavoriteProducts != nil {
		user.FavoriteProducts = *p.FavoriteProducts
	}
	if p.DislikedProducts != nil {
		user.DislikedProducts = *p.DislikedProducts
	}
	if p.Country != nil {
		user.Country = *p.Country
	}
	if p.StoresCSV != nil {
		user.StoresCSV = *p.StoresCSV
	}
}

func parseSex(text string) (string, bool) {
	switch text {
	case "male", "m", "man", "м", "муж", "мужской", "мужчина":
		return "male", true
	case "female", "f", "woman", "ж", "жен", "женский", "женщина":
		return "female", true
	}
	return "", false
}

func parseActivity(text string) (string, bool) {
	switch text {
	case "1", "low", "низкая", "низкий":
		return nutrition.ActivityLow, true
	case "2", "medium", "средняя", "средний":
		return nutrition.ActivityMedium, true
	case "3", "high", "высокая", "высокий":
		return nutrition.ActivityHigh, true
	}
	return "", false
}

func parseGoal(text string) (string, bool) {
	switch text {
	case "1", "loss", "lose", "похудение", "похудеть":
		return nutrition.GoalLoss, true
	case "2", "maintain", "поддержание":
		return nutrition.GoalMaintain, true
	case "3", "gain", "набор", "масса":
		return nutrition.GoalGain, true
	case "4", "recomp", "рекомпозиция":
		return nutrition.GoalRecomp, true
	}
	return "", false
}

// parseNumber accepts "72", "72.5" and "72,5".
func parseNumber(text string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
}

// freeTextAnswer normalizes "none"-style skips to the empty string.
func freeTextAnswer(body string) string {
	s := strings.TrimSpace(body)
	switch strings.ToLower(strings.TrimRight(s, ".,!")) {
	case "none", "no", "-", "нет", "не":
		return ""
	}
	return s
}
