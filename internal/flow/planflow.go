package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/plan"
)

const dateLayout = "2006-01-02"

// handleGenerating owns the conversation while a plan generation is
// marked in progress. A marker older than the staleness timeout means
// the generating process died; the user is reset instead of being
// locked out forever.
func (r *Router) handleGenerating(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	payload, ok := user.Dialog.Payload.(*models.PlanGeneratingPayload)
	if !ok {
		return false, fmt.Errorf("unexpected generating payload %T", user.Dialog.Payload)
	}
	if r.now().Sub(payload.StartedAt) > r.staleAfter {
		if err := r.clearState(ctx, user); err != nil {
			return false, err
		}
		r.send(ctx, user, "That plan generation seems to have stalled, I reset it. Send \"plan\" to try again.")
		return true, nil
	}
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	r.send(ctx, user, "Still working on your plan, give me a moment…")
	return true, nil
}

func (r *Router) beginPlanWizard(ctx context.Context, user *models.User) error {
	if !user.ProfileComplete {
		return r.beginOnboarding(ctx, user)
	}
	if err := r.setState(ctx, user, models.NewDialogState(0, &models.PlanWizardPayload{})); err != nil {
		return err
	}
	r.send(ctx, user, "How many days should I plan? (1-7)")
	return nil
}

func (r *Router) handlePlanWizard(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.PlanWizardPayload)
	if !ok {
		return false, fmt.Errorf("unexpected plan wizard payload %T", user.Dialog.Payload)
	}

	switch user.Dialog.Step {
	case 0:
		days, ok := parseDayCount(text)
		if !ok {
			r.send(ctx, user, "Please pick a number of days between 1 and 7.")
			return true, nil
		}
		payload.Days = days
		if err := r.setState(ctx, user, models.NewDialogState(1, payload)); err != nil {
			return false, err
		}
		r.send(ctx, user, "Which store should I plan around? Send a store name or \"any\".")
		return true, nil
	case 1:
		payload.Store = strings.TrimSpace(resp.Body)
		payload.StartDate = r.now().Format(dateLayout)
		return true, r.runGeneration(ctx, user, models.PlanGeneratingPayload{
			Days:      payload.Days,
			Store:     payload.Store,
			StartDate: payload.StartDate,
		})
	case 2:
		// A previous generation failed; the payload still holds the
		// request so one word retries it.
		if isRetry(text) || isYes(text) {
			return true, r.runGeneration(ctx, user, models.PlanGeneratingPayload{
				Days:      payload.Days,
				Store:     payload.Store,
				StartDate: payload.StartDate,
			})
		}
		if isNo(text) {
			return r.cancelToIdle(ctx, user)
		}
		r.send(ctx, user, "Reply \"retry\" to try again or \"cancel\" to stop.")
		return true, nil
	default:
		return false, fmt.Errorf("plan wizard step %d out of range", user.Dialog.Step)
	}
}

// runGeneration marks the generation in progress, runs the engine, and
// presents the result or a retry affordance. The in-progress marker is
// persisted before the engine call so a crash leaves a state the
// staleness guard can recover from.
func (r *Router) runGeneration(ctx context.Context, user *models.User, req models.PlanGeneratingPayload) error {
	req.StartedAt = r.now()
	if err := r.setState(ctx, user, models.NewDialogState(0, &req)); err != nil {
		return err
	}
	r.send(ctx, user, "Generating your plan, this can take up to a minute…")

	prefs, err := r.st.GetPreferences(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	if req.EditRequest != "" {
		dates := consecutiveDates(req.StartDate, req.Days)
		updated, err := r.plans.EditDay(ctx, user, prefs, dates, req.EditRequest)
		if err != nil {
			return r.reportGenerationFailure(ctx, user, req, err)
		}
		if err := r.setState(ctx, user, models.NewDialogState(0, &models.PlanEditPayload{Dates: dates})); err != nil {
			return err
		}
		r.send(ctx, user, formatDayPlan(*updated)+"\n\nReply \"approve\" to lock the plan in, or describe another change.")
		return nil
	}

	plans, err := r.plans.GenerateDays(ctx, user, prefs, req.StartDate, req.Days, req.Store)
	if err != nil {
		return r.reportGenerationFailure(ctx, user, req, err)
	}
	dates := make([]string, 0, len(plans))
	var b strings.Builder
	for i, p := range plans {
		dates = append(dates, p.Date)
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(formatDayPlan(p))
	}
	if shopping := formatShoppingList(plan.AggregateShopping(plans)); shopping != "" {
		b.WriteString("\n\n" + shopping)
	}
	b.WriteString("\n\nReply \"approve\" to lock the plan in, or describe changes (e.g. \"day 2: swap dinner for fish\").")
	if err := r.setState(ctx, user, models.NewDialogState(0, &models.PlanEditPayload{Dates: dates})); err != nil {
		return err
	}
	r.send(ctx, user, b.String())
	return nil
}

// reportGenerationFailure moves the user to the wizard's retry step and
// explains what went wrong without leaking full oracle transcripts.
func (r *Router) reportGenerationFailure(ctx context.Context, user *models.User, req models.PlanGeneratingPayload, genErr error) error {
	payload := &models.PlanWizardPayload{Days: req.Days, Store: req.Store, StartDate: req.StartDate}
	if err := r.setState(ctx, user, models.NewDialogState(2, payload)); err != nil {
		return err
	}
	var ge *plan.GenerationError
	if errors.As(genErr, &ge) {
		r.send(ctx, user, "I could not put together a plan that hits your targets this time. Reply \"retry\" to try again or \"cancel\".")
		return nil
	}
	r.send(ctx, user, "Plan generation failed. Reply \"retry\" to try again or \"cancel\".")
	return nil
}

func (r *Router) handlePlanEdit(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error) {
	if isCancel(text) {
		return r.cancelToIdle(ctx, user)
	}
	payload, ok := user.Dialog.Payload.(*models.PlanEditPayload)
	if !ok {
		return false, fmt.Errorf("unexpected plan edit payload %T", user.Dialog.Payload)
	}
	if text == "approve" || text == "утвердить" || isYes(text) {
		for _, date := range payload.Dates {
			if err := r.st.ApprovePlan(ctx, user.ID, date); err != nil {
				return false, fmt.Errorf("failed to approve plan for %s: %w", date, err)
			}
		}
		if err := r.clearState(ctx, user); err != nil {
			return false, err
		}
		r.send(ctx, user, "Plan approved. Ask \"what's for lunch\" any time and I'll look it up.")
		return true, nil
	}
	if len(payload.Dates) == 0 {
		return false, fmt.Errorf("plan edit state has no dates")
	}
	start, days := payload.Dates[0], len(payload.Dates)
	return true, r.runGeneration(ctx, user, models.PlanGeneratingPayload{
		Days:        days,
		StartDate:   start,
		EditRequest: resp.Body,
		EditDate:    payload.Dates[0],
	})
}

func parseDayCount(text string) (int, bool) {
	switch text {
	case "week", "неделя", "неделю":
		return 7, true
	}
	n, err := strconv.Atoi(text)
	if err != nil || n < 1 || n > 7 {
		return 0, false
	}
	return n, true
}

// consecutiveDates expands (start, n) into the date list the generator
// produced, so edits can address days by index.
func consecutiveDates(start string, n int) []string {
	t, err := time.Parse(dateLayout, start)
	if err != nil || n < 1 {
		return []string{start}
	}
	dates := make([]string, n)
	for i := range dates {
		dates[i] = t.AddDate(0, 0, i).Format(dateLayout)
	}
	return dates
}
