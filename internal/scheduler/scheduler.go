// Package scheduler delivers time-based messages: user-configured
// reminders and the daily check-in prompt. It communicates with the
// dialog layer exclusively through persisted state, never by calling
// into the router.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mkravets/nutricoach/internal/flow"
	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/store"
)

const (
	// tickSpec fires the sweep every minute.
	tickSpec = "* * * * *"
	// fireWindow is how far from its scheduled minute, on either side,
	// an event still fires, covering tick jitter and short downtimes.
	fireWindow = 2 * time.Minute
	// marksKey is the preference key holding fired-event markers.
	marksKey = "schedule_marks"
	// defaultTimezone applies when a user has no timezone preference.
	defaultTimezone = "Europe/Prague"
)

// Sender delivers scheduled messages to a user.
type Sender interface {
	SendMessage(ctx context.Context, to, message string) error
}

// Cron wraps robfig/cron with the standard 5-field parser.
type Cron struct {
	cron *cron.Cron
}

// NewCron creates and starts a cron runner.
func NewCron() *Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Cron{cron: c}
}

// AddJob schedules a task under a cron expression.
func (c *Cron) AddJob(expr string, task func()) error {
	_, err := c.cron.AddFunc(expr, task)
	return err
}

// Stop stops the runner and waits for running jobs.
func (c *Cron) Stop() {
	c.cron.Stop()
}

// Opts holds configuration options for the engine.
type Opts struct {
	Now func() time.Time
}

// Option configures engine options.
type Option func(*Opts)

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine sweeps all complete users once a minute and fires due events.
type Engine struct {
	st     store.Store
	sender Sender
	now    func() time.Time
	cron   *Cron
}

// NewEngine creates a scheduler engine. Call Start to begin sweeping.
func NewEngine(st store.Store, sender Sender, opts ...Option) *Engine {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{st: st, sender: sender, now: cfg.Now}
}

// Start registers the minutely sweep on a fresh cron runner.
func (e *Engine) Start(ctx context.Context) error {
	e.cron = NewCron()
	if err := e.cron.AddJob(tickSpec, func() {
		if err := e.RunOnce(ctx); err != nil {
			slog.Error("Scheduler sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	slog.Info("Scheduler started", "spec", tickSpec)
	return nil
}

// Stop stops the sweep.
func (e *Engine) Stop() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

// RunOnce performs a single sweep over all complete users. A failure
// for one user never blocks the others.
func (e *Engine) RunOnce(ctx context.Context) error {
	users, err := e.st.ListCompleteUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	for i := range users {
		if err := e.sweepUser(ctx, &users[i]); err != nil {
			slog.Error("Scheduler user sweep failed", "userID", users[i].ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) sweepUser(ctx context.Context, user *models.User) error {
	prefs, err := e.st.GetPreferences(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	loc := userLocation(prefs)
	now := e.now().In(loc)
	localDate := now.Format("2006-01-02")

	marks := map[string]string{}
	if raw, ok := prefs[marksKey]; ok {
		if err := json.Unmarshal(raw, &marks); err != nil {
			return fmt.Errorf("failed to decode schedule marks: %w", err)
		}
	}
	changed := false

	var reminders []models.Reminder
	if raw, ok := prefs["reminders"]; ok {
		if err := json.Unmarshal(raw, &reminders); err != nil {
			return fmt.Errorf("failed to decode reminders: %w", err)
		}
	}
	for i, rem := range reminders {
		key := fmt.Sprintf("reminder_%d", i)
		if marks[key] == localDate {
			continue
		}
		if !dayMatches(rem.Days, now) || !inWindow(now, rem.Time) {
			continue
		}
		if err := e.sender.SendMessage(ctx, user.ExternalID, "Reminder: "+rem.Text); err != nil {
			slog.Error("Scheduler reminder send failed", "userID", user.ID, "error", err)
			continue
		}
		// Marked only after a successful send so a failed delivery is
		// retried on the next tick within the window.
		marks[key] = localDate
		changed = true
		slog.Info("Scheduler reminder sent", "userID", user.ID, "time", rem.Time)
	}

	// Check-in fires on a time window, an elapsed day interval, or the
	// combination when both are configured.
	checkinTime := prefs.String("checkin_time", "")
	interval := prefs.Int("checkin_interval_days", 0)
	if checkinTime != "" || interval > 0 {
		due := checkinDue(marks["checkin"], localDate, interval)
		if checkinTime != "" {
			due = due && inWindow(now, checkinTime)
		}
		if due && user.Dialog.IsIdle() {
			state := models.NewDialogState(0, &models.CheckinPayload{Date: localDate})
			if e.openDialog(ctx, user, state, flow.CheckinQuestions[0]) {
				marks["checkin"] = localDate
				changed = true
				slog.Info("Scheduler check-in opened", "userID", user.ID)
			}
		}
	}

	if prefs.Bool("weight_prompt_enabled", false) {
		promptTime := prefs.String("weight_prompt_time", "06:00")
		promptDays := prefs.String("weight_prompt_days", "daily")
		if marks["weight_prompt"] != localDate && dayMatches(promptDays, now) &&
			inWindow(now, promptTime) && user.Dialog.IsIdle() {
			state := models.NewDialogState(0, &models.SetWeightPayload{})
			if e.openDialog(ctx, user, state, "Good morning! Send your current weight (kg).") {
				marks["weight_prompt"] = localDate
				changed = true
				slog.Info("Scheduler weight prompt sent", "userID", user.ID)
			}
		}
	}

	if !changed {
		return nil
	}
	patch := store.Preferences{}
	if err := patch.Set(marksKey, marks); err != nil {
		return fmt.Errorf("failed to encode schedule marks: %w", err)
	}
	if err := e.st.MergePreferences(ctx, user.ID, patch); err != nil {
		return fmt.Errorf("failed to save schedule marks: %w", err)
	}
	return nil
}

// openDialog persists a dialog state and sends its opening message,
// rolling the state back when the send fails so an unreachable user is
// not left stuck in a dialog they never saw. Reports success.
func (e *Engine) openDialog(ctx context.Context, user *models.User, state models.DialogState, message string) bool {
	if err := e.st.SetDialogState(ctx, user.ID, state); err != nil {
		slog.Error("Scheduler failed to open dialog", "userID", user.ID, "mode", state.Mode, "error", err)
		return false
	}
	if err := e.sender.SendMessage(ctx, user.ExternalID, message); err != nil {
		if rbErr := e.st.SetDialogState(ctx, user.ID, models.Idle()); rbErr != nil {
			slog.Error("Scheduler dialog rollback failed", "userID", user.ID, "error", rbErr)
		}
		slog.Error("Scheduler dialog send failed", "userID", user.ID, "mode", state.Mode, "error", err)
		return false
	}
	return true
}

func userLocation(prefs store.Preferences) *time.Location {
	name := prefs.String("timezone", defaultTimezone)
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Warn("Scheduler unknown timezone, using UTC", "timezone", name)
		return time.UTC
	}
	return loc
}

// inWindow reports whether now falls within the fire window around the
// HH:MM target in the same location, on either side.
func inWindow(now time.Time, hhmm string) bool {
	target, err := time.Parse("15:04", hhmm)
	if err != nil {
		return false
	}
	nowMin := now.Hour()*60 + now.Minute()
	targetMin := target.Hour()*60 + target.Minute()
	diff := nowMin - targetMin
	window := int(fireWindow.Minutes())
	return diff >= -window && diff <= window
}

// checkinDue reports whether at least intervalDays local dates have
// passed since the last fired check-in. An unparseable mark counts as
// never fired.
func checkinDue(lastDate, localDate string, intervalDays int) bool {
	if lastDate == localDate {
		return false
	}
	if lastDate == "" || intervalDays <= 1 {
		return true
	}
	last, err := time.Parse("2006-01-02", lastDate)
	if err != nil {
		return true
	}
	today, err := time.Parse("2006-01-02", localDate)
	if err != nil {
		return true
	}
	return int(today.Sub(last).Hours()/24) >= intervalDays
}

func dayMatches(days string, now time.Time) bool {
	wd := now.Weekday()
	switch days {
	case "", "daily":
		return true
	case "weekdays":
		return wd >= time.Monday && wd <= time.Friday
	case "weekends":
		return wd == time.Saturday || wd == time.Sunday
	default:
		return true
	}
}
