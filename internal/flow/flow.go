// Package flow implements the conversation router and all dialog
// handlers. Routing precedence per inbound message: the in-progress
// generation guard, then the active dialog mode, then menu shortcuts,
// then the LLM intent classifier.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkravets/nutricoach/internal/food"
	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/plan"
	"github.com/mkravets/nutricoach/internal/store"
)

// generationStaleAfter is the self-healing timeout for a generation
// marked in progress; past it the next message resets the user to idle.
const generationStaleAfter = 90 * time.Second

// GenAI is the generative oracle surface the router needs.
type GenAI interface {
	GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateJSON(ctx context.Context, model, systemPrompt, userPrompt string, out any) error
	GenerateVisionJSON(ctx context.Context, model, systemPrompt, userPrompt string, image []byte, mimeType string, out any) error
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Sender delivers outbound messages to a user.
type Sender interface {
	SendMessage(ctx context.Context, to, message string) error
}

// MediaDownloader resolves a transport media reference to bytes.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, ref string) (data []byte, mimeType string, err error)
}

// Transcoder converts compressed voice audio to a format the
// transcription oracle accepts. May be unavailable at runtime.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte) ([]byte, error)
}

// Opts holds configuration options for the router.
type Opts struct {
	StaleAfter time.Duration
	Now        func() time.Time
}

// Option configures router options.
type Option func(*Opts)

// WithStaleAfter overrides the generation staleness timeout.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Opts) { o.StaleAfter = d }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Router dispatches each inbound message to exactly one handler.
type Router struct {
	st     store.Store
	food   *food.Service
	ai     GenAI
	plans  *plan.Engine
	sender Sender
	media  MediaDownloader
	audio  Transcoder

	staleAfter time.Duration
	now        func() time.Time
}

// NewRouter creates a conversation router. media and audio may be nil
// when the transport cannot deliver photos or voice.
func NewRouter(st store.Store, foodSvc *food.Service, ai GenAI, plans *plan.Engine, sender Sender, media MediaDownloader, audio Transcoder, opts ...Option) *Router {
	cfg := Opts{StaleAfter: generationStaleAfter, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Router{
		st: st, food: foodSvc, ai: ai, plans: plans,
		sender: sender, media: media, audio: audio,
		staleAfter: cfg.StaleAfter, now: cfg.Now,
	}
}

// modeHandler processes a message for one active dialog mode. It
// reports whether it consumed the message; an unconsumed message falls
// through to the rest of the routing chain.
type modeHandler func(ctx context.Context, user *models.User, resp models.Response, text string) (bool, error)

// activeModeOrder is the fixed dispatch order for interactive modes.
func (r *Router) activeModeOrder() []struct {
	mode    models.DialogMode
	handler modeHandler
} {
	return []struct {
		mode    models.DialogMode
		handler modeHandler
	}{
		{models.ModeTargetsMode, r.handleTargetsMode},
		{models.ModeCheckin, r.handleCheckin},
		{models.ModeOnboarding, r.handleOnboarding},
		{models.ModeCoachOnboarding, r.handleCoachOnboarding},
		{models.ModeFoodPick, r.handleFoodPick},
		{models.ModePhotoClarify, r.handlePhotoClarify},
		{models.ModeMealClarify, r.handleMealClarify},
		{models.ModeMealConfirm, r.handleMealConfirm},
		{models.ModeApplyCalories, r.handleApplyCalories},
		{models.ModeSetWeight, r.handleSetWeight},
		{models.ModePlanWizard, r.handlePlanWizard},
		{models.ModePlanEdit, r.handlePlanEdit},
		{models.ModeReminders, r.handleReminders},
		{models.ModeProgress, r.handleProgress},
	}
}

// Dispatch routes one inbound message. Oracle and handler failures are
// converted to user-facing text here; the returned error is reserved
// for infrastructure faults the caller should log.
func (r *Router) Dispatch(ctx context.Context, resp models.Response) error {
	user, err := r.st.GetOrCreateUser(ctx, resp.From)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", resp.From, err)
	}
	// Voice notes become text before any routing so a spoken reply
	// works inside every dialog.
	if resp.Media == models.MediaKindVoice && resp.MediaRef != "" {
		transcript, err := r.transcribeVoice(ctx, resp)
		if err != nil {
			r.reportFailure(ctx, user, "voice", err)
			return nil
		}
		if transcript == "" {
			r.send(ctx, user, "I could not make out that voice note, please type it instead.")
			return nil
		}
		resp.Body = transcript
	}
	text := normalizeText(resp.Body)

	// 1. In-progress generation guard.
	if user.Dialog.Mode == models.ModePlanGenerating {
		consumed, err := r.handleGenerating(ctx, user, resp, text)
		if err != nil {
			r.reportFailure(ctx, user, "plan status", err)
			return nil
		}
		if consumed {
			return nil
		}
	}

	// Photos always start the photo meal pipeline.
	if resp.Media == models.MediaKindImage && resp.MediaRef != "" {
		if err := r.startMealFromPhoto(ctx, user, resp); err != nil {
			r.reportFailure(ctx, user, "photo", err)
		}
		return nil
	}

	// 2. Active interactive mode, fixed order, first match wins.
	if !user.Dialog.IsIdle() {
		for _, entry := range r.activeModeOrder() {
			if entry.mode != user.Dialog.Mode {
				continue
			}
			consumed, err := entry.handler(ctx, user, resp, text)
			if err != nil {
				r.reportFailure(ctx, user, string(entry.mode), err)
				return nil
			}
			if consumed {
				return nil
			}
			break
		}
	}

	// 3. Menu shortcuts.
	if cmd, ok := menuCommands[text]; ok {
		if err := r.runCommand(ctx, user, cmd, resp); err != nil {
			r.reportFailure(ctx, user, cmd, err)
		}
		return nil
	}

	// 4. LLM intent classification with heuristic fallback.
	if err := r.routeByIntent(ctx, user, resp); err != nil {
		r.reportFailure(ctx, user, "intent", err)
	}
	return nil
}

// send delivers a message to the user, logging delivery failures
// instead of letting them interrupt the dialog turn.
func (r *Router) send(ctx context.Context, user *models.User, message string) {
	if err := r.sender.SendMessage(ctx, user.ExternalID, message); err != nil {
		slog.Error("Router send failed", "userID", user.ID, "error", err)
	}
}

// reportFailure apologizes with a truncated, sanitized diagnostic and
// makes sure the dialog state is left recoverable.
func (r *Router) reportFailure(ctx context.Context, user *models.User, where string, err error) {
	slog.Error("Router handler failed", "userID", user.ID, "where", where, "error", err)
	diag := err.Error()
	if len(diag) > 120 {
		diag = diag[:120] + "…"
	}
	r.send(ctx, user, "Sorry, something went wrong ("+diag+"). Send \"menu\" to start over.")
}

// setState persists a dialog state transition.
func (r *Router) setState(ctx context.Context, user *models.User, state models.DialogState) error {
	if err := r.st.SetDialogState(ctx, user.ID, state); err != nil {
		return fmt.Errorf("failed to persist dialog state: %w", err)
	}
	user.Dialog = state
	return nil
}

// clearState resets the user to idle.
func (r *Router) clearState(ctx context.Context, user *models.User) error {
	return r.setState(ctx, user, models.Idle())
}

// cancelToIdle clears state and confirms, the shared escape path every
// multi-step handler checks before its own parsing.
func (r *Router) cancelToIdle(ctx context.Context, user *models.User) (bool, error) {
	if err := r.clearState(ctx, user); err != nil {
		return false, err
	}
	r.send(ctx, user, "Cancelled. Send \"menu\" to see what I can do.")
	return true, nil
}
