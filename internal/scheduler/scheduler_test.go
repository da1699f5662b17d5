package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/mkravets/nutricoach/internal/flow"
	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/store"
)

type fakeSender struct {
	messages []string
	failNext bool
}

func (s *fakeSender) SendMessage(_ context.Context, _ string, message string) error {
	if s.failNext {
		s.failNext = false
		return context.DeadlineExceeded
	}
	s.messages = append(s.messages, message)
	return nil
}

// 2026-08-31 is a Monday.
var baseTime = time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, at time.Time) (*Engine, *store.InMemoryStore, *fakeSender, *models.User) {
	t.Helper()
	st := store.NewInMemoryStore()
	sender := &fakeSender{}
	clock := at
	eng := NewEngine(st, sender, WithClock(func() time.Time { return clock }))

	user, err := st.GetOrCreateUser(context.Background(), "+420777000111")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	user.ProfileComplete = true
	if err := st.SaveUser(context.Background(), user); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	return eng, st, sender, user
}

func setPrefs(t *testing.T, st store.Store, userID int64, key string, value any) {
	t.Helper()
	patch := store.Preferences{}
	if err := patch.Set(key, value); err != nil {
		t.Fatalf("Set(%s): %v", key, err)
	}
	if err := st.MergePreferences(context.Background(), userID, patch); err != nil {
		t.Fatalf("MergePreferences: %v", err)
	}
}

func TestReminderFiresOncePerDay(t *testing.T) {
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "reminders", []models.Reminder{
		{Text: "drink water", Time: "06:00", Days: "daily"},
	})

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 || sender.messages[0] != "Reminder: drink water" {
		t.Fatalf("expected one reminder message, got %v", sender.messages)
	}

	// Same window, second tick: the mark suppresses a repeat.
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("reminder fired twice: %v", sender.messages)
	}
}

func TestReminderFiresAgainNextDay(t *testing.T) {
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "reminders", []models.Reminder{
		{Text: "weigh in", Time: "06:00", Days: "daily"},
	})

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	eng.now = func() time.Time { return baseTime.Add(24 * time.Hour) }
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 2 {
		t.Fatalf("expected reminder on both days, got %v", sender.messages)
	}
}

func TestReminderOutsideWindowDoesNotFire(t *testing.T) {
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "reminders", []models.Reminder{
		{Text: "too early", Time: "06:05", Days: "daily"},
		{Text: "too late", Time: "05:30", Days: "daily"},
	})

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 0 {
		t.Fatalf("expected no messages, got %v", sender.messages)
	}
}

func TestReminderDayFilter(t *testing.T) {
	// baseTime is a Monday, so weekend reminders stay silent.
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "reminders", []models.Reminder{
		{Text: "weekday walk", Time: "06:00", Days: "weekdays"},
		{Text: "weekend prep", Time: "06:00", Days: "weekends"},
	})

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 || sender.messages[0] != "Reminder: weekday walk" {
		t.Fatalf("expected only the weekday reminder, got %v", sender.messages)
	}

	// Saturday: only the weekend reminder fires.
	sender.messages = nil
	eng.now = func() time.Time { return baseTime.Add(5 * 24 * time.Hour) }
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 || sender.messages[0] != "Reminder: weekend prep" {
		t.Fatalf("expected only the weekend reminder, got %v", sender.messages)
	}
}

func TestFailedSendRetriesNextTick(t *testing.T) {
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "reminders", []models.Reminder{
		{Text: "persist me", Time: "06:00", Days: "daily"},
	})

	sender.failNext = true
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 0 {
		t.Fatalf("expected failed send to deliver nothing, got %v", sender.messages)
	}

	// Next minute, still inside the window: no mark was written, so the
	// reminder goes out.
	eng.now = func() time.Time { return baseTime.Add(time.Minute) }
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("expected retry to deliver the reminder, got %v", sender.messages)
	}
}

func TestCheckinOpensDialogAndSendsFirstQuestion(t *testing.T) {
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "checkin_time", "06:01")

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 || sender.messages[0] != flow.CheckinQuestions[0] {
		t.Fatalf("expected first check-in question, got %v", sender.messages)
	}

	got, err := st.GetUserByExternalID(context.Background(), user.ExternalID)
	if err != nil {
		t.Fatalf("GetUserByExternalID: %v", err)
	}
	if got.Dialog.Mode != models.ModeCheckin {
		t.Fatalf("expected check-in dialog, got %q", got.Dialog.Mode)
	}
	payload, ok := got.Dialog.Payload.(*models.CheckinPayload)
	if !ok {
		t.Fatalf("unexpected payload type %T", got.Dialog.Payload)
	}
	if payload.Date != "2026-08-31" {
		t.Errorf("unexpected check-in date %q", payload.Date)
	}

	// Second tick the same day stays quiet even though the user is now
	// mid-dialog.
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("check-in opened twice: %v", sender.messages)
	}
}

func TestCheckinSkipsBusyUser(t *testing.T) {
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "checkin_time", "06:00")

	busy := models.NewDialogState(0, &models.PlanWizardPayload{})
	if err := st.SetDialogState(context.Background(), user.ID, busy); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 0 {
		t.Fatalf("expected busy user to be skipped, got %v", sender.messages)
	}

	got, _ := st.GetUserByExternalID(context.Background(), user.ExternalID)
	if got.Dialog.Mode != models.ModePlanWizard {
		t.Fatalf("busy dialog was overwritten: %q", got.Dialog.Mode)
	}
}

func TestReminderFiresSlightlyBeforeTarget(t *testing.T) {
	// 06:00 is within the two-minute window on the early side of 06:02.
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "reminders", []models.Reminder{
		{Text: "almost due", Time: "06:02", Days: "daily"},
	})

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("expected reminder just before its minute, got %v", sender.messages)
	}
}

func TestIntervalOnlyCheckinFiresWithoutTimeWindow(t *testing.T) {
	// No checkin_time configured; the interval alone drives the firing,
	// at whatever minute the sweep happens to run.
	eng, st, sender, user := newTestEngine(t, baseTime.Add(7*time.Hour))
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "checkin_interval_days", 2)

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 || sender.messages[0] != flow.CheckinQuestions[0] {
		t.Fatalf("expected interval check-in to fire, got %v", sender.messages)
	}

	got, _ := st.GetUserByExternalID(context.Background(), user.ExternalID)
	if got.Dialog.Mode != models.ModeCheckin {
		t.Fatalf("expected check-in dialog, got %q", got.Dialog.Mode)
	}

	// Next day is inside the interval: silent.
	if err := st.SetDialogState(context.Background(), user.ID, models.Idle()); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}
	eng.now = func() time.Time { return baseTime.Add(31 * time.Hour) }
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("check-in fired inside the interval: %v", sender.messages)
	}
}

func TestWeightPromptOpensWeightDialog(t *testing.T) {
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "weight_prompt_enabled", true)
	setPrefs(t, st, user.ID, "weight_prompt_time", "06:00")

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("expected one weight prompt, got %v", sender.messages)
	}

	got, _ := st.GetUserByExternalID(context.Background(), user.ExternalID)
	if got.Dialog.Mode != models.ModeSetWeight {
		t.Fatalf("expected weight dialog, got %q", got.Dialog.Mode)
	}

	// Same day, second tick: the mark suppresses a repeat even after
	// the dialog is closed.
	if err := st.SetDialogState(context.Background(), user.ID, models.Idle()); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("weight prompt fired twice: %v", sender.messages)
	}
}

func TestWeightPromptHonorsDayFilter(t *testing.T) {
	// baseTime is a Monday.
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "weight_prompt_enabled", true)
	setPrefs(t, st, user.ID, "weight_prompt_time", "06:00")
	setPrefs(t, st, user.ID, "weight_prompt_days", "weekends")

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 0 {
		t.Fatalf("weekend-only prompt fired on a Monday: %v", sender.messages)
	}
}

func TestCheckinIntervalSkipsDays(t *testing.T) {
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "UTC")
	setPrefs(t, st, user.ID, "checkin_time", "06:00")
	setPrefs(t, st, user.ID, "checkin_interval_days", 3)

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("expected first check-in to fire, got %v", sender.messages)
	}

	// Close the opened dialog so only the interval gates the next one.
	if err := st.SetDialogState(context.Background(), user.ID, models.Idle()); err != nil {
		t.Fatalf("SetDialogState: %v", err)
	}

	// Day 2: too soon.
	eng.now = func() time.Time { return baseTime.Add(24 * time.Hour) }
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("check-in fired before the interval elapsed: %v", sender.messages)
	}

	// Day 4: interval elapsed.
	eng.now = func() time.Time { return baseTime.Add(3 * 24 * time.Hour) }
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 2 {
		t.Fatalf("expected check-in after the interval, got %v", sender.messages)
	}
}

func TestTimezoneShiftsLocalWindow(t *testing.T) {
	// 06:00 UTC is 08:00 in Prague during CEST.
	eng, st, sender, user := newTestEngine(t, baseTime)
	setPrefs(t, st, user.ID, "timezone", "Europe/Prague")
	setPrefs(t, st, user.ID, "reminders", []models.Reminder{
		{Text: "local morning", Time: "08:00", Days: "daily"},
		{Text: "utc morning", Time: "06:00", Days: "daily"},
	})

	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 1 || sender.messages[0] != "Reminder: local morning" {
		t.Fatalf("expected local-time reminder only, got %v", sender.messages)
	}
}

func TestSweepSkipsUsersWithoutSchedule(t *testing.T) {
	eng, _, sender, _ := newTestEngine(t, baseTime)
	if err := eng.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(sender.messages) != 0 {
		t.Fatalf("expected silence, got %v", sender.messages)
	}
}
