package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/nutrition"
	"github.com/mkravets/nutricoach/internal/store"
)

const helpText = `Here's what I can do:
• Log meals: just describe what you ate, send a photo or a voice note
• "plan" - generate a meal plan with a shopping list
• "week" - analyze your last 7 days
• "weight" - log today's weight
• "profile" - show your profile and targets
• "reminders" - set up daily reminders
• "coach" - redo your profile in free-form chat
• "reset" - wipe your data and start over`

func (r *Router) runCommand(ctx context.Context, user *models.User, cmd string, resp models.Response) error {
	// A shortcut always abandons whatever dialog was active.
	if !user.Dialog.IsIdle() {
		if err := r.clearState(ctx, user); err != nil {
			return err
		}
	}
	switch cmd {
	case cmdStart:
		if !user.ProfileComplete {
			return r.beginOnboarding(ctx, user)
		}
		r.send(ctx, user, "Welcome back!\n"+helpText)
		return nil
	case cmdHelp:
		r.send(ctx, user, helpText)
		return nil
	case cmdProfile:
		if !user.ProfileComplete {
			return r.beginOnboarding(ctx, user)
		}
		r.send(ctx, user, formatProfile(user))
		return nil
	case cmdPlan:
		return r.beginPlanWizard(ctx, user)
	case cmdWeek:
		if !user.ProfileComplete {
			return r.beginOnboarding(ctx, user)
		}
		return r.runWeekAnalysis(ctx, user)
	case cmdWeight:
		if err := r.setState(ctx, user, models.NewDialogState(0, &models.SetWeightPayload{})); err != nil {
			return err
		}
		r.send(ctx, user, "What's your weight today, in kg?")
		return nil
	case cmdReminders:
		if err := r.setState(ctx, user, models.NewDialogState(0, &models.RemindersPayload{})); err != nil {
			return err
		}
		r.send(ctx, user, "What should the reminder say? (e.g. \"log your dinner\")")
		return nil
	case cmdCoach:
		return r.beginCoachOnboarding(ctx, user)
	case cmdReset:
		if err := r.st.ResetUser(ctx, user.ID); err != nil {
			return fmt.Errorf("failed to reset user: %w", err)
		}
		user.Dialog = models.Idle()
		r.send(ctx, user, "All your data is wiped. Send \"start\" when you want to begin again.")
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func formatProfile(user *models.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your profile:\n%s, %d y, %.0f cm, %.1f kg\nActivity: %s, goal: %s\n",
		user.Sex, user.Age, user.HeightCm, user.WeightKg, user.ActivityLevel, user.Goal)
	source := "coach-calculated"
	if user.TargetsSource == models.TargetsSourceCustom {
		source = "set by you"
	}
	fmt.Fprintf(&b, "Targets (%s): %d kcal, protein %d g, fat %d g, carbs %d g",
		source, user.CaloriesTarget, user.ProteinGTarget, user.FatGTarget, user.CarbsGTarget)
	if user.Allergies != "" {
		fmt.Fprintf(&b, "\nAllergies: %s", user.Allergies)
	}
	if user.Restrictions != "" {
		fmt.Fprintf(&b, "\nRestrictions: %s", user.Restrictions)
	}
	return b.String()
}

var weightPattern = regexp.MustCompile(`(\d{2,3}(?:[.,]\d+)?)\s*(?:kg|кг)?\b`)

func parseWeight(text string) (float64, bool) {
	m := weightPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := parseNumber(m[1])
	if err != nil || v < 30 || v > 300 {
		return 0, false
	}
	return v, true
}

func (r *Router) handleSetWeight(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	w, ok := parseWeight(text)
	if !ok {
		r.send(ctx, user, "Please send your weight in kg, between 30 and 300 (e.g. 72.4).")
		return true, nil
	}
	return true, r.applyWeight(ctx, user, w)
}

// applyWeight logs the measurement and refreshes the target snapshot.
// A custom calorie target is never touched; the calc meta is refreshed
// either way so "week" comparisons use the real maintenance number.
func (r *Router) applyWeight(ctx context.Context, user *models.User, weightKg float64) error {
	today := r.now().Format(dateLayout)
	if err := r.st.AddWeightLog(ctx, models.WeightLog{UserID: user.ID, Date: today, WeightKg: weightKg}); err != nil {
		return fmt.Errorf("failed to log weight: %w", err)
	}
	user.WeightKg = weightKg

	targets, meta, err := nutrition.ComputeTargetsWithMeta(nutrition.Input{
		Sex:           user.Sex,
		Age:           user.Age,
		HeightCm:      user.HeightCm,
		WeightKg:      user.WeightKg,
		ActivityLevel: user.ActivityLevel,
		Goal:          user.Goal,
	})
	if err != nil {
		return fmt.Errorf("failed to recompute targets: %w", err)
	}
	recomputed := user.TargetsSource != models.TargetsSourceCustom
	if recomputed {
		user.CaloriesTarget = targets.Calories
		user.ProteinGTarget = targets.ProteinG
		user.FatGTarget = targets.FatG
		user.CarbsGTarget = targets.CarbsG
	}
	user.Dialog = models.Idle()
	if err := r.st.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("failed to save weight update: %w", err)
	}
	if err := r.saveCalcMeta(ctx, user, meta); err != nil {
		return err
	}
	if recomputed {
		r.send(ctx, user, fmt.Sprintf("Logged %.1f kg. Updated targets: %d kcal, protein %d g, fat %d g, carbs %d g.",
			weightKg, user.CaloriesTarget, user.ProteinGTarget, user.FatGTarget, user.CarbsGTarget))
	} else {
		r.send(ctx, user, fmt.Sprintf("Logged %.1f kg. Your custom target of %d kcal stays as is.", weightKg, user.CaloriesTarget))
	}
	return nil
}

func (r *Router) handleApplyCalories(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.ApplyCaloriesPayload)
	if !ok {
		return false, fmt.Errorf("unexpected apply calories payload %T", user.Dialog.Payload)
	}
	switch {
	case isYes(text):
		user.CaloriesTarget = payload.NewCalories
		user.CarbsGTarget = carbsRemainder(payload.NewCalories, user.ProteinGTarget, user.FatGTarget)
		user.Dialog = models.Idle()
		if err := r.st.SaveUser(ctx, user); err != nil {
			return false, fmt.Errorf("failed to save new target: %w", err)
		}
		r.send(ctx, user, fmt.Sprintf("New target applied: %d kcal (carbs adjusted to %d g).", user.CaloriesTarget, user.CarbsGTarget))
		return true, nil
	case isNo(text):
		if err := r.clearState(ctx, user); err != nil {
			return false, err
		}
		r.send(ctx, user, fmt.Sprintf("Keeping %d kcal.", user.CaloriesTarget))
		return true, nil
	default:
		r.send(ctx, user, fmt.Sprintf("Apply the new target of %d kcal? (yes/no)", payload.NewCalories))
		return true, nil
	}
}

var timePattern = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

func (r *Router) handleReminders(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.RemindersPayload)
	if !ok {
		return false, fmt.Errorf("unexpected reminders payload %T", user.Dialog.Payload)
	}

	switch user.Dialog.Step {
	case 0:
		payload.Draft.Text = strings.TrimSpace(resp.Body)
		if payload.Draft.Text == "" {
			r.send(ctx, user, "Please send the reminder text.")
			return true, nil
		}
		if err := r.setState(ctx, user, models.NewDialogState(1, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, "At what time? (HH:MM, 24h)")
		return true, nil
	case 1:
		if !timePattern.MatchString(text) {
			r.send(ctx, user, "Please send the time as HH:MM, e.g. 20:30.")
			return true, nil
		}
		payload.Draft.Time = text
		if err := r.setState(ctx, user, models.NewDialogState(2, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, "On which days? 1 daily, 2 weekdays, 3 weekends")
		return true, nil
	case 2:
		days, ok := parseReminderDays(text)
		if !ok {
			r.send(ctx, user, "Please reply 1, 2 or 3 (daily/weekdays/weekends).")
			return true, nil
		}
		payload.Draft.Days = days
		if err := r.appendReminder(ctx, user, payload.Draft); err != nil {
			return false, err
		}
		if err := r.clearState(ctx, user); err != nil {
			return false, err
		}
		r.send(ctx, user, fmt.Sprintf("Reminder set: %q at %s (%s).", payload.Draft.Text, payload.Draft.Time, payload.Draft.Days))
		return true, nil
	default:
		return false, fmt.Errorf("reminders step %d out of range", user.Dialog.Step)
	}
}

func parseReminderDays(text string) (string, bool) {
	switch text {
	case "1", "daily", "каждый день", "ежедневно":
		return "daily", true
	case "2", "weekdays", "будни":
		return "weekdays", true
	case "3", "weekends", "выходные":
		return "weekends", true
	}
	return "", false
}

func (r *Router) appendReminder(ctx context.Context, user *models.User, rem models.Reminder) error {
	prefs, err := r.st.GetPreferences(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	var reminders []models.Reminder
	if raw, ok := prefs["reminders"]; ok {
		if err := json.Unmarshal(raw, &reminders); err != nil {
			return fmt.Errorf("failed to decode reminders: %w", err)
		}
	}
	reminders = append(reminders, rem)
	patch := store.Preferences{}
	if err := patch.Set("reminders", reminders); err != nil {
		return fmt.Errorf("failed to encode reminders: %w", err)
	}
	if err := r.st.MergePreferences(ctx, user.ID, patch); err != nil {
		return fmt.Errorf("failed to save reminders: %w", err)
	}
	return nil
}

// CheckinQuestions is the daily check-in script. The scheduler sends
// the first question when it opens a check-in dialog; the router walks
// the rest.
var CheckinQuestions = []string{
	"Quick check-in: how did eating go today?",
	"Energy level today, 1-5?",
	"Anything you want to adjust tomorrow?",
}

func (r *Router) handleCheckin(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.CheckinPayload)
	if !ok {
		return false, fmt.Errorf("unexpected checkin payload %T", user.Dialog.Payload)
	}
	payload.Answers = append(payload.Answers, resp.Body)
	if len(payload.Answers) < len(CheckinQuestions) {
		next := len(payload.Answers)
		if err := r.setState(ctx, user, models.NewDialogState(next, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, CheckinQuestions[next])
		return true, nil
	}

	patch := store.Preferences{}
	if err := patch.Set("last_checkin", payload); err != nil {
		return false, fmt.Errorf("failed to encode check-in: %w", err)
	}
	if err := r.st.MergePreferences(ctx, user.ID, patch); err != nil {
		return false, fmt.Errorf("failed to save check-in: %w", err)
	}
	if err := r.clearState(ctx, user); err != nil {
		return false, err
	}
	r.send(ctx, user, "Thanks! Noted. Keep it up.")
	return true, nil
}

func (r *Router) handleProgress(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	note := strings.TrimSpace(resp.Body)
	if note == "" {
		r.send(ctx, user, "Send a short note on how it's going, or \"cancel\".")
		return true, nil
	}
	prefs, err := r.st.GetPreferences(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load preferences: %w", err)
	}
	var notes []string
	if raw, ok := prefs["progress_notes"]; ok {
		if err := json.Unmarshal(raw, &notes); err != nil {
			return false, fmt.Errorf("failed to decode progress notes: %w", err)
		}
	}
	notes = append(notes, r.now().Format(dateLayout)+": "+note)
	patch := store.Preferences{}
	if err := patch.Set("progress_notes", notes); err != nil {
		return false, fmt.Errorf("failed to encode progress notes: %w", err)
	}
	if err := r.st.MergePreferences(ctx, user.ID, patch); err != nil {
		return false, fmt.Errorf("failed to save progress note: %w", err)
	}
	if err := r.clearState(ctx, user); err != nil {
		return false, err
	}
	r.send(ctx, user, "Saved your note.")
	return true, nil
}

// weekVerdict is the weekly analysis oracle response.
type weekVerdict struct {
	Summary             string `json:"summary"`
	RecommendedCalories int    `json:"recommended_calories"`
}

// runWeekAnalysis summarizes the last 7 days of logs, persists a week
// stat snapshot, and proposes a calorie adjustment when the oracle
// recommends a materially different target.
func (r *Router) runWeekAnalysis(ctx context.Context, user *models.User) error {
	now := r.now()
	since := now.AddDate(0, 0, -7)
	meals, err := r.st.ListMealsSince(ctx, user.ID, since)
	if err != nil {
		return fmt.Errorf("failed to load meals: %w", err)
	}
	if len(meals) == 0 {
		r.send(ctx, user, "No meals logged in the last 7 days, nothing to analyze yet.")
		return nil
	}

	byDay := make(map[string]int)
	for _, m := range meals {
		byDay[m.CreatedAt.Format(dateLayout)] += m.Calories
	}
	var total int
	for _, kcal := range byDay {
		total += kcal
	}
	avg := total / len(byDay)

	weights, err := r.st.ListWeightLogs(ctx, user.ID, 14)
	if err != nil {
		return fmt.Errorf("failed to load weight logs: %w", err)
	}

	var b strings.Builder
	b.WriteString(userContextLine(user) + "\n")
	fmt.Fprintf(&b, "Last 7 days: %d meals over %d logged days, average %d kcal/day vs target %d kcal.\n",
		len(meals), len(byDay), avg, user.CaloriesTarget)
	for date, kcal := range byDay {
		fmt.Fprintf(&b, "%s: %d kcal\n", date, kcal)
	}
	if len(weights) > 0 {
		b.WriteString("Recent weights:")
		for _, w := range weights {
			fmt.Fprintf(&b, " %s %.1f kg", w.Date, w.WeightKg)
		}
		b.WriteString("\n")
	}

	var verdict weekVerdict
	if err := r.ai.GenerateJSON(ctx, "", weeklyAnalysisSystemPrompt, b.String(), &verdict); err != nil {
		return fmt.Errorf("weekly analysis failed: %w", err)
	}

	stat := &models.WeekStat{
		UserID:      user.ID,
		WeekStart:   since.Format(dateLayout),
		WeekEnd:     now.Format(dateLayout),
		AvgCalories: avg,
		NotesJSON:   jsonString(verdict),
	}
	if len(weights) > 0 {
		stat.WeightEndKg = weights[0].WeightKg
	}
	if err := r.st.AddWeekStat(ctx, stat); err != nil {
		return fmt.Errorf("failed to save week stat: %w", err)
	}
	r.send(ctx, user, verdict.Summary)

	rec := verdict.RecommendedCalories
	if rec > 0 && abs(rec-user.CaloriesTarget) >= 50 {
		state := models.NewDialogState(0, &models.ApplyCaloriesPayload{NewCalories: rec})
		if err := r.setState(ctx, user, state); err != nil {
			return err
		}
		r.send(ctx, user, fmt.Sprintf("Based on this, I'd move your target from %d to %d kcal. Apply it? (yes/no)", user.CaloriesTarget, rec))
	}
	return nil
}

func jsonString(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
