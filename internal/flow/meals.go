package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mkravets/nutricoach/internal/food"
	"github.com/mkravets/nutricoach/internal/foodapi"
	"github.com/mkravets/nutricoach/internal/models"
)

// Meal source tags persisted on confirmed meals.
const (
	mealSourceText   = "text"
	mealSourcePhoto  = "photo"
	mealSourceVoice  = "voice"
	mealSourceRecipe = "recipe"
)

func mealSourceOf(resp models.Response) string {
	if resp.Media == models.MediaKindVoice {
		return mealSourceVoice
	}
	return mealSourceText
}

// startMealFromText parses a free-form description and either asks the
// oracle's clarifying questions or goes straight to resolution.
func (r *Router) startMealFromText(ctx context.Context, user *models.User, resp models.Response) error {
	if !user.ProfileComplete {
		return r.beginOnboarding(ctx, user)
	}
	var parsed models.ParsedMeal
	if err := r.ai.GenerateJSON(ctx, "", mealParseSystemPrompt, resp.Body, &parsed); err != nil {
		return fmt.Errorf("meal parse failed: %w", err)
	}
	source := mealSourceOf(resp)
	if parsed.NeedsClarification && len(parsed.ClarifyingQuestions) > 0 {
		payload := &models.MealClarifyPayload{
			Description: resp.Body,
			Questions:   parsed.ClarifyingQuestions,
			Source:      source,
		}
		if err := r.setState(ctx, user, models.NewDialogState(0, payload)); err != nil {
			return err
		}
		r.send(ctx, user, payload.Questions[0])
		return nil
	}
	return r.resolveAndProceed(ctx, user, parsed.Items, source, resp.Body, "")
}

// resolveAndProceed runs food resolution and routes the outcome: a
// finished draft goes to confirmation, leftovers go to disambiguation,
// and an empty result ends the flow without a confirm prompt.
func (r *Router) resolveAndProceed(ctx context.Context, user *models.User, items []models.ParsedItem, source, description, photoRef string) error {
	res, err := r.food.ResolveItems(ctx, items)
	if err != nil {
		return fmt.Errorf("food resolution failed: %w", err)
	}
	if res.Draft != nil {
		return r.presentDraft(ctx, user, *res.Draft, source, description, photoRef)
	}
	payload := &models.FoodPickPayload{
		Unresolved:  res.Unresolved,
		Resolved:    res.Resolved,
		Source:      source,
		Description: description,
		PhotoRef:    photoRef,
	}
	if err := r.setState(ctx, user, models.NewDialogState(0, payload)); err != nil {
		return err
	}
	r.send(ctx, user, formatCandidates(payload.Unresolved[0]))
	return nil
}

func (r *Router) presentDraft(ctx context.Context, user *models.User, draft models.MealDraft, source, description, photoRef string) error {
	if len(draft.Items) == 0 || draft.Totals.TotalWeightG <= 0 {
		if err := r.clearState(ctx, user); err != nil {
			return err
		}
		r.send(ctx, user, "I could not recognize anything loggable there. Try naming the foods with amounts, e.g. \"150 g rice, 2 eggs\".")
		return nil
	}
	payload := &models.MealConfirmPayload{Draft: draft, Source: source, Description: description, PhotoRef: photoRef}
	if err := r.setState(ctx, user, models.NewDialogState(0, payload)); err != nil {
		return err
	}
	r.send(ctx, user, formatDraftSummary(draft))
	return nil
}

func (r *Router) handleMealClarify(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.MealClarifyPayload)
	if !ok {
		return false, fmt.Errorf("unexpected meal clarify payload %T", user.Dialog.Payload)
	}
	payload.Answers = append(payload.Answers, resp.Body)
	if len(payload.Answers) < len(payload.Questions) {
		next := len(payload.Answers)
		if err := r.setState(ctx, user, models.NewDialogState(next, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, payload.Questions[next])
		return true, nil
	}

	// All questions answered; re-parse once with the answers folded in.
	// Further clarification requests from the oracle are ignored so the
	// loop always terminates.
	var b strings.Builder
	b.WriteString(payload.Description)
	for i, q := range payload.Questions {
		fmt.Fprintf(&b, "\nQ: %s\nA: %s", q, payload.Answers[i])
	}
	var parsed models.ParsedMeal
	if err := r.ai.GenerateJSON(ctx, "", mealParseSystemPrompt, b.String(), &parsed); err != nil {
		return false, fmt.Errorf("meal re-parse failed: %w", err)
	}
	return true, r.resolveAndProceed(ctx, user, parsed.Items, payload.Source, payload.Description, payload.PhotoRef)
}

func (r *Router) handleFoodPick(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.FoodPickPayload)
	if !ok {
		return false, fmt.Errorf("unexpected food pick payload %T", user.Dialog.Payload)
	}
	idx := user.Dialog.Step
	if idx < 0 || idx >= len(payload.Unresolved) {
		return false, fmt.Errorf("food pick step %d out of range (%d items)", idx, len(payload.Unresolved))
	}
	current := payload.Unresolved[idx]

	switch {
	case text == "skip" || text == "пропустить":
		// Leave the item out of the meal.
	case food.ExtractBarcode(text) != "":
		barcode := food.ExtractBarcode(text)
		cand, err := r.food.ByBarcode(ctx, barcode)
		if err != nil {
			if errors.Is(err, foodapi.ErrNotFound) {
				r.send(ctx, user, "I could not find that barcode. Pick a number from the list, send another barcode, or \"skip\".")
				return true, nil
			}
			return false, fmt.Errorf("barcode lookup failed: %w", err)
		}
		if !cand.HasCompleteMacros() {
			r.send(ctx, user, "That product has no usable nutrition data. Pick a number from the list or \"skip\".")
			return true, nil
		}
		payload.Resolved = append(payload.Resolved, food.ScaleItem(*cand, current.Grams))
	default:
		n, err := strconv.Atoi(text)
		if err != nil || n < 1 || n > len(current.Candidates) {
			r.send(ctx, user, formatCandidates(current))
			return true, nil
		}
		chosen := current.Candidates[n-1]
		// Re-resolve by barcode for canonical data; the listed candidate
		// is a search snapshot and may be stale. Only barcode-less
		// candidates are scaled from the snapshot directly.
		if chosen.Barcode != "" {
			fresh, err := r.food.ByBarcode(ctx, chosen.Barcode)
			if err != nil {
				if errors.Is(err, foodapi.ErrNotFound) {
					r.send(ctx, user, "I could not pin down that product. Pick another number or send a barcode.")
					return true, nil
				}
				return false, fmt.Errorf("barcode lookup failed: %w", err)
			}
			if !fresh.HasCompleteMacros() {
				r.send(ctx, user, "That product has no usable nutrition data. Pick another number or send a barcode.")
				return true, nil
			}
			chosen = *fresh
		}
		payload.Resolved = append(payload.Resolved, food.ScaleItem(chosen, current.Grams))
	}

	if idx+1 < len(payload.Unresolved) {
		if err := r.setState(ctx, user, models.NewDialogState(idx+1, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, formatCandidates(payload.Unresolved[idx+1]))
		return true, nil
	}
	draft := food.BuildDraft(payload.Resolved)
	return true, r.presentDraft(ctx, user, draft, payload.Source, payload.Description, payload.PhotoRef)
}

func (r *Router) handleMealConfirm(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.MealConfirmPayload)
	if !ok {
		return false, fmt.Errorf("unexpected meal confirm payload %T", user.Dialog.Payload)
	}
	switch {
	case isYes(text):
		meal := &models.Meal{
			UserID:         user.ID,
			Source:         payload.Source,
			DescriptionRaw: payload.Description,
			Draft:          payload.Draft,
			PhotoRef:       payload.PhotoRef,
			Calories:       payload.Draft.Totals.Calories,
			ProteinG:       payload.Draft.Totals.ProteinG,
			FatG:           payload.Draft.Totals.FatG,
			CarbsG:         payload.Draft.Totals.CarbsG,
			TotalWeightG:   payload.Draft.Totals.TotalWeightG,
		}
		if err := r.st.AddMeal(ctx, meal); err != nil {
			return false, fmt.Errorf("failed to save meal: %w", err)
		}
		if err := r.clearState(ctx, user); err != nil {
			return false, err
		}
		r.send(ctx, user, r.savedMealMessage(ctx, user))
		return true, nil
	case isNo(text):
		if err := r.clearState(ctx, user); err != nil {
			return false, err
		}
		r.send(ctx, user, "Discarded. Describe the meal again if you want to correct it.")
		return true, nil
	default:
		// Anything else abandons the draft and lets the message route
		// as if the confirmation never happened.
		if err := r.clearState(ctx, user); err != nil {
			return false, err
		}
		return false, nil
	}
}

// savedMealMessage confirms the save with the day's running total.
func (r *Router) savedMealMessage(ctx context.Context, user *models.User) string {
	now := r.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	meals, err := r.st.ListMealsSince(ctx, user.ID, midnight)
	if err != nil {
		return "Saved!"
	}
	var kcal int
	for _, m := range meals {
		kcal += m.Calories
	}
	if user.CaloriesTarget > 0 {
		return fmt.Sprintf("Saved! Today: %d of %d kcal.", kcal, user.CaloriesTarget)
	}
	return fmt.Sprintf("Saved! Today: %d kcal.", kcal)
}

// startMealFromPhoto runs the vision analysis on an inbound photo.
func (r *Router) startMealFromPhoto(ctx context.Context, user *models.User, resp models.Response) error {
	if !user.ProfileComplete {
		return r.beginOnboarding(ctx, user)
	}
	if r.media == nil {
		r.send(ctx, user, "Photo logging is not available on this channel, please describe the meal in text.")
		return nil
	}
	data, mimeType, err := r.media.DownloadMedia(ctx, resp.MediaRef)
	if err != nil {
		return fmt.Errorf("failed to download photo: %w", err)
	}
	var analysis models.PhotoAnalysis
	caption := strings.TrimSpace(resp.Body)
	prompt := "Analyze this meal photo."
	if caption != "" {
		prompt += " Caption from the user: " + caption
	}
	if err := r.ai.GenerateVisionJSON(ctx, "", photoAnalysisSystemPrompt, prompt, data, mimeType, &analysis); err != nil {
		return fmt.Errorf("photo analysis failed: %w", err)
	}
	if len(analysis.ClarifyingQuestions) > 0 {
		payload := &models.PhotoClarifyPayload{PhotoRef: resp.MediaRef, Analysis: analysis}
		if err := r.setState(ctx, user, models.NewDialogState(0, payload)); err != nil {
			return err
		}
		r.send(ctx, user, analysis.ClarifyingQuestions[0])
		return nil
	}
	return r.itemizePhoto(ctx, user, resp.MediaRef, analysis, nil)
}

func (r *Router) handlePhotoClarify(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.PhotoClarifyPayload)
	if !ok {
		return false, fmt.Errorf("unexpected photo clarify payload %T", user.Dialog.Payload)
	}
	payload.Answers = append(payload.Answers, resp.Body)
	if len(payload.Answers) < len(payload.Analysis.ClarifyingQuestions) {
		next := len(payload.Answers)
		if err := r.setState(ctx, user, models.NewDialogState(next, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, payload.Analysis.ClarifyingQuestions[next])
		return true, nil
	}
	return true, r.itemizePhoto(ctx, user, payload.PhotoRef, payload.Analysis, payload.Answers)
}

// itemizePhoto runs the second vision pass that turns the analysis and
// the user's answers into a resolvable item list.
func (r *Router) itemizePhoto(ctx context.Context, user *models.User, photoRef string, analysis models.PhotoAnalysis, answers []string) error {
	data, mimeType, err := r.media.DownloadMedia(ctx, photoRef)
	if err != nil {
		return fmt.Errorf("failed to download photo: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Dish: %s, estimated weight %.0f g, cooking method: %s.",
		analysis.DishType, analysis.EstimatedWeightG, analysis.CookingMethod)
	if len(analysis.HiddenCalories) > 0 {
		b.WriteString(" Watch for: " + strings.Join(analysis.HiddenCalories, ", ") + ".")
	}
	for i, q := range analysis.ClarifyingQuestions {
		if i < len(answers) {
			fmt.Fprintf(&b, "\nQ: %s\nA: %s", q, answers[i])
		}
	}
	var parsed models.ParsedMeal
	if err := r.ai.GenerateVisionJSON(ctx, "", photoItemsSystemPrompt, b.String(), data, mimeType, &parsed); err != nil {
		return fmt.Errorf("photo itemization failed: %w", err)
	}
	description := analysis.DishType
	if description == "" {
		description = "photo meal"
	}
	return r.resolveAndProceed(ctx, user, parsed.Items, mealSourcePhoto, description, photoRef)
}

// transcribeVoice downloads a voice note, transcodes it when a
// transcoder is available, and returns the transcription.
func (r *Router) transcribeVoice(ctx context.Context, resp models.Response) (string, error) {
	if r.media == nil {
		return "", fmt.Errorf("voice media not supported on this channel")
	}
	data, _, err := r.media.DownloadMedia(ctx, resp.MediaRef)
	if err != nil {
		return "", fmt.Errorf("failed to download voice note: %w", err)
	}
	if r.audio != nil {
		converted, err := r.audio.Transcode(ctx, data)
		if err != nil {
			return "", fmt.Errorf("failed to transcode voice note: %w", err)
		}
		data = converted
	}
	text, err := r.ai.Transcribe(ctx, data)
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}
