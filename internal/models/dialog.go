package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DialogMode identifies which interactive flow currently owns a user's
// conversation. The empty mode means idle.
type DialogMode string

// Dialog modes. At most one is active per user at any time; the mode
// field acts as a soft per-user mutex for flow ownership.
const (
	ModeIdle            DialogMode = ""
	ModeOnboarding      DialogMode = "onboarding"
	ModeCoachOnboarding DialogMode = "coach_onboarding"
	ModeFoodPick        DialogMode = "food_pick"
	ModePhotoClarify    DialogMode = "photo_clarify"
	ModeMealClarify     DialogMode = "meal_clarify"
	ModeMealConfirm     DialogMode = "meal_confirm"
	ModeApplyCalories   DialogMode = "apply_calories"
	ModeSetWeight       DialogMode = "set_weight"
	ModePlanWizard      DialogMode = "plan_wizard"
	ModePlanEdit        DialogMode = "plan_edit"
	ModePlanGenerating  DialogMode = "plan_generating"
	ModeReminders       DialogMode = "reminders_setup"
	ModeCheckin         DialogMode = "daily_checkin"
	ModeProgress        DialogMode = "progress"
	ModeTargetsMode     DialogMode = "targets_mode"
)

// DialogPayload is the mode-specific state carried by an active dialog.
// Each variant declares the single mode it belongs to, so a state can
// only be constructed and decoded with a matching (mode, payload) pair.
type DialogPayload interface {
	DialogMode() DialogMode
}

// DialogState is the per-user conversation state triple. Invariant:
// Mode == ModeIdle <=> Step == 0 <=> Payload == nil.
type DialogState struct {
	Mode    DialogMode
	Step    int
	Payload DialogPayload
}

// Idle returns the cleared dialog state.
func Idle() DialogState {
	return DialogState{}
}

// NewDialogState builds an active state from a payload, deriving the
// mode tag from the payload's variant.
func NewDialogState(step int, payload DialogPayload) DialogState {
	return DialogState{Mode: payload.DialogMode(), Step: step, Payload: payload}
}

// IsIdle reports whether no flow owns the conversation.
func (s DialogState) IsIdle() bool {
	return s.Mode == ModeIdle
}

// Validate checks the idle invariant and the mode/payload pairing.
func (s DialogState) Validate() error {
	if s.Mode == ModeIdle {
		if s.Step != 0 || s.Payload != nil {
			return fmt.Errorf("idle dialog state carries step=%d payload=%T", s.Step, s.Payload)
		}
		return nil
	}
	if s.Payload == nil {
		return fmt.Errorf("dialog mode %q has no payload", s.Mode)
	}
	if got := s.Payload.DialogMode(); got != s.Mode {
		return fmt.Errorf("dialog mode %q carries payload for mode %q", s.Mode, got)
	}
	return nil
}

type dialogEnvelope struct {
	Mode    DialogMode      `json:"mode,omitempty"`
	Step    int             `json:"step,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON serializes the state as a discriminated envelope.
func (s DialogState) MarshalJSON() ([]byte, error) {
	env := dialogEnvelope{Mode: s.Mode, Step: s.Step}
	if s.Payload != nil {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal dialog payload for mode %s: %w", s.Mode, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the envelope, selecting the payload variant by
// the mode tag. An unknown mode is an error rather than an opaque map.
func (s *DialogState) UnmarshalJSON(data []byte) error {
	var env dialogEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to unmarshal dialog envelope: %w", err)
	}
	if env.Mode == ModeIdle {
		*s = DialogState{}
		return nil
	}
	payload, err := emptyPayload(env.Mode)
	if err != nil {
		return err
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("failed to unmarshal dialog payload for mode %s: %w", env.Mode, err)
		}
	}
	*s = DialogState{Mode: env.Mode, Step: env.Step, Payload: payload}
	return nil
}

func emptyPayload(mode DialogMode) (DialogPayload, error) {
	switch mode {
	case ModeOnboarding:
		return &OnboardingPayload{}, nil
	case ModeCoachOnboarding:
		return &CoachOnboardingPayload{}, nil
	case ModeFoodPick:
		return &FoodPickPayload{}, nil
	case ModePhotoClarify:
		return &PhotoClarifyPayload{}, nil
	case ModeMealClarify:
		return &MealClarifyPayload{}, nil
	case ModeMealConfirm:
		return &MealConfirmPayload{}, nil
	case ModeApplyCalories:
		return &ApplyCaloriesPayload{}, nil
	case ModeSetWeight:
		return &SetWeightPayload{}, nil
	case ModePlanWizard:
		return &PlanWizardPayload{}, nil
	case ModePlanEdit:
		return &PlanEditPayload{}, nil
	case ModePlanGenerating:
		return &PlanGeneratingPayload{}, nil
	case ModeReminders:
		return &RemindersPayload{}, nil
	case ModeCheckin:
		return &CheckinPayload{}, nil
	case ModeProgress:
		return &ProgressPayload{}, nil
	case ModeTargetsMode:
		return &TargetsModePayload{}, nil
	default:
		return nil, fmt.Errorf("unknown dialog mode %q", mode)
	}
}

// OnboardingAnswers accumulates the structured questionnaire replies.
type OnboardingAnswers struct {
	Age              int      `json:"age,omitempty"`
	Sex              string   `json:"sex,omitempty"`
	HeightCm         float64  `json:"height_cm,omitempty"`
	WeightKg         float64  `json:"weight_kg,omitempty"`
	ActivityLevel    string   `json:"activity_level,omitempty"`
	Goal             string   `json:"goal,omitempty"`
	DeficitPct       *float64 `json:"deficit_pct,omitempty"`
	Allergies        string   `json:"allergies,omitempty"`
	Restrictions     string   `json:"restrictions,omitempty"`
	FavoriteProducts string   `json:"favorite_products,omitempty"`
	DislikedProducts string   `json:"disliked_products,omitempty"`
}

// OnboardingPayload carries the structured questionnaire progress; the
// dialog step indexes the current question.
type OnboardingPayload struct {
	Answers OnboardingAnswers `json:"answers"`
}

// DialogMode implements DialogPayload.
func (*OnboardingPayload) DialogMode() DialogMode { return ModeOnboarding }

// ProfilePatch is a partial profile update extracted by the coach
// onboarding oracle. Nil fields are "not mentioned yet".
type ProfilePatch struct {
	Age              *int     `json:"age,omitempty"`
	Sex              *string  `json:"sex,omitempty"`
	HeightCm         *float64 `json:"height_cm,omitempty"`
	WeightKg         *float64 `json:"weight_kg,omitempty"`
	ActivityLevel    *string  `json:"activity_level,omitempty"`
	Goal             *string  `json:"goal,omitempty"`
	DeficitPct       *float64 `json:"deficit_pct,omitempty"`
	Allergies        *string  `json:"allergies,omitempty"`
	Restrictions     *string  `json:"restrictions,omitempty"`
	FavoriteProducts *string  `json:"favorite_products,omitempty"`
	DislikedProducts *string  `json:"disliked_products,omitempty"`
	Country          *string  `json:"country,omitempty"`
	StoresCSV        *string  `json:"stores_csv,omitempty"`
}

// CoachOnboardingPayload carries the freeform AI-led onboarding state.
type CoachOnboardingPayload struct {
	Patch      ProfilePatch `json:"patch"`
	Transcript []string     `json:"transcript,omitempty"`
}

// DialogMode implements DialogPayload.
func (*CoachOnboardingPayload) DialogMode() DialogMode { return ModeCoachOnboarding }

// FoodPickPayload is the disambiguation sub-flow state: one unresolved
// item is presented at a time, indexed by the dialog step.
type FoodPickPayload struct {
	Unresolved  []UnresolvedItem `json:"unresolved"`
	Resolved    []MealItem       `json:"resolved,omitempty"`
	Source      string           `json:"source,omitempty"`
	Description string           `json:"description,omitempty"`
	PhotoRef    string           `json:"photo_ref,omitempty"`
}

// DialogMode implements DialogPayload.
func (*FoodPickPayload) DialogMode() DialogMode { return ModeFoodPick }

// PhotoClarifyPayload holds the photo analysis awaiting the user's
// answers to clarifying questions.
type PhotoClarifyPayload struct {
	PhotoRef string        `json:"photo_ref"`
	Analysis PhotoAnalysis `json:"analysis"`
	Answers  []string      `json:"answers,omitempty"`
}

// DialogMode implements DialogPayload.
func (*PhotoClarifyPayload) DialogMode() DialogMode { return ModePhotoClarify }

// MealClarifyPayload holds a text meal description awaiting answers to
// the oracle's clarifying questions.
type MealClarifyPayload struct {
	Description string   `json:"description"`
	Questions   []string `json:"questions"`
	Answers     []string `json:"answers,omitempty"`
	Source      string   `json:"source,omitempty"`
	PhotoRef    string   `json:"photo_ref,omitempty"`
}

// DialogMode implements DialogPayload.
func (*MealClarifyPayload) DialogMode() DialogMode { return ModeMealClarify }

// MealConfirmPayload carries a finished draft awaiting yes/no.
type MealConfirmPayload struct {
	Draft       MealDraft `json:"draft"`
	Source      string    `json:"source"`
	Description string    `json:"description,omitempty"`
	PhotoRef    string    `json:"photo_ref,omitempty"`
}

// DialogMode implements DialogPayload.
func (*MealConfirmPayload) DialogMode() DialogMode { return ModeMealConfirm }

// ApplyCaloriesPayload carries a proposed calorie adjustment from the
// weekly analysis awaiting confirmation.
type ApplyCaloriesPayload struct {
	NewCalories int `json:"new_calories"`
}

// DialogMode implements DialogPayload.
func (*ApplyCaloriesPayload) DialogMode() DialogMode { return ModeApplyCalories }

// SetWeightPayload marks that the next message is a weight value.
type SetWeightPayload struct{}

// DialogMode implements DialogPayload.
func (*SetWeightPayload) DialogMode() DialogMode { return ModeSetWeight }

// PlanWizardPayload accumulates plan generation parameters across the
// day-count and store questions.
type PlanWizardPayload struct {
	Days      int    `json:"days,omitempty"`
	Store     string `json:"store,omitempty"`
	StartDate string `json:"start_date,omitempty"`
}

// DialogMode implements DialogPayload.
func (*PlanWizardPayload) DialogMode() DialogMode { return ModePlanWizard }

// PlanEditPayload marks that the next message is an edit request
// against the listed plan dates.
type PlanEditPayload struct {
	Dates []string `json:"dates"`
}

// DialogMode implements DialogPayload.
func (*PlanEditPayload) DialogMode() DialogMode { return ModePlanEdit }

// PlanGeneratingPayload marks a long-running generation in progress.
// StartedAt backs the staleness guard; the request parameters are kept
// so a failed generation can be retried in one tap.
type PlanGeneratingPayload struct {
	StartedAt   time.Time `json:"started_at"`
	Days        int       `json:"days"`
	Store       string    `json:"store,omitempty"`
	StartDate   string    `json:"start_date,omitempty"`
	EditRequest string    `json:"edit_request,omitempty"`
	EditDate    string    `json:"edit_date,omitempty"`
}

// DialogMode implements DialogPayload.
func (*PlanGeneratingPayload) DialogMode() DialogMode { return ModePlanGenerating }

// Reminder is one user-configured scheduled reminder.
type Reminder struct {
	Text string `json:"text"`
	Time string `json:"time"`           // HH:MM in the user's zone
	Days string `json:"days,omitempty"` // daily/weekdays/weekends
}

// RemindersPayload accumulates a reminder being set up.
type RemindersPayload struct {
	Draft Reminder `json:"draft"`
}

// DialogMode implements DialogPayload.
func (*RemindersPayload) DialogMode() DialogMode { return ModeReminders }

// CheckinPayload accumulates the structured daily check-in replies.
type CheckinPayload struct {
	Date    string   `json:"date"`
	Answers []string `json:"answers,omitempty"`
}

// DialogMode implements DialogPayload.
func (*CheckinPayload) DialogMode() DialogMode { return ModeCheckin }

// ProgressPayload marks that the next message is a progress note.
type ProgressPayload struct{}

// DialogMode implements DialogPayload.
func (*ProgressPayload) DialogMode() DialogMode { return ModeProgress }

// TargetsModePayload marks the coach-vs-custom target source selection;
// the step distinguishes the source question from the custom value ask.
type TargetsModePayload struct {
	ProposedCalories int `json:"proposed_calories,omitempty"`
}

// DialogMode implements DialogPayload.
func (*TargetsModePayload) DialogMode() DialogMode { return ModeTargetsMode }
