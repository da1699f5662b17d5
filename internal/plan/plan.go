// Package plan generates and edits per-day meal plans. Generation runs
// against an ordered list of oracle model tiers, normalizes the raw
// output, and applies a deterministic quality gate before persisting.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mkravets/nutricoach/internal/genai"
	"github.com/mkravets/nutricoach/internal/models"
	"github.com/mkravets/nutricoach/internal/store"
)

// Oracle is the generative backend, bounded per attempt.
type Oracle interface {
	CompleteWithTimeout(ctx context.Context, model, systemPrompt, userPrompt string, timeout time.Duration) (string, error)
}

// Policy holds the engine's acceptance rules and retry schedule. The
// defaults mirror tuned production values; treat changes as product
// decisions, not bug fixes.
type Policy struct {
	// CalorieTolerance is the accepted fractional deviation of a day's
	// total calories from its target.
	CalorieTolerance float64
	// Denylist lists supplement keywords that disqualify any product.
	Denylist []string
	// ModelTiers is the ordered attempt list, cheapest first.
	ModelTiers []string
	// AttemptTimeout bounds each generation attempt. Plan generation is
	// interactive, so this is much shorter than the general oracle timeout.
	AttemptTimeout time.Duration
	// DefaultStore fills missing product store fields when no store
	// constraint was given.
	DefaultStore string
}

func defaultPolicy() Policy {
	return Policy{
		CalorieTolerance: 0.07,
		Denylist: []string{
			"protein powder", "whey", "casein", "gainer", "bcaa", "isolate",
			"протеин", "гейнер", "изолят", "bcaa порошок",
		},
		ModelTiers:     []string{"gpt-4o-mini", "gpt-4o"},
		AttemptTimeout: 30 * time.Second,
		DefaultStore:   "Lidl",
	}
}

// Option configures the engine policy.
type Option func(*Policy)

// WithCalorieTolerance overrides the accepted calorie deviation.
func WithCalorieTolerance(frac float64) Option {
	return func(p *Policy) { p.CalorieTolerance = frac }
}

// WithDenylist overrides the supplement keyword denylist.
func WithDenylist(words []string) Option {
	return func(p *Policy) { p.Denylist = words }
}

// WithModelTiers overrides the ordered model attempt list.
func WithModelTiers(models []string) Option {
	return func(p *Policy) { p.ModelTiers = models }
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Policy) { p.AttemptTimeout = d }
}

// WithDefaultStore overrides the fallback store name.
func WithDefaultStore(name string) Option {
	return func(p *Policy) { p.DefaultStore = name }
}

// Engine generates, validates, and persists day plans.
type Engine struct {
	oracle Oracle
	st     store.Store
	policy Policy
}

// NewEngine creates a plan engine.
func NewEngine(oracle Oracle, st store.Store, opts ...Option) *Engine {
	policy := defaultPolicy()
	for _, opt := range opts {
		opt(&policy)
	}
	return &Engine{oracle: oracle, st: st, policy: policy}
}

// Policy returns the engine's active policy.
func (e *Engine) Policy() Policy { return e.policy }

// AttemptFailure records why one model tier's output was rejected.
type AttemptFailure struct {
	Model  string
	Reason string
}

// GenerationError is returned when every model tier failed; it carries
// the per-tier reasons so callers can log them without parsing text.
type GenerationError struct {
	Date     string
	Failures []AttemptFailure
}

// Error implements error.
func (e *GenerationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %s", f.Model, f.Reason)
	}
	return fmt.Sprintf("plan generation failed for %s: %s", e.Date, strings.Join(parts, "; "))
}

// DayTarget resolves the calorie target for a date: a weekday/weekend
// override in preferences wins over the user's base target for that day.
func DayTarget(user *models.User, prefs store.Preferences, date string) int {
	base := user.CaloriesTarget
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return base
	}
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return prefs.Int("calories_weekend", base)
	}
	return prefs.Int("calories_weekday", base)
}

// GenerateDay produces and persists the plan for one date, trying each
// model tier in order until one passes the quality gate.
func (e *Engine) GenerateDay(ctx context.Context, user *models.User, prefs store.Preferences, date, storeName string) (*models.Plan, error) {
	target := DayTarget(user, prefs, date)
	if target <= 0 {
		return nil, fmt.Errorf("user %d has no calorie target", user.ID)
	}
	systemPrompt, userPrompt := buildDayPrompts(user, prefs, target, storeName)

	day, genErr := e.attemptTiers(ctx, date, target, storeName, systemPrompt, userPrompt)
	if genErr != nil {
		return nil, genErr
	}
	plan := &models.Plan{UserID: user.ID, Date: date, CaloriesTarget: target, Plan: *day}
	if err := e.st.UpsertPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}
	return plan, nil
}

// GenerateDays produces plans for consecutive dates starting at
// startDate. The whole batch fails on the first failed day; already
// persisted days stay persisted so a retry can resume cheaply.
func (e *Engine) GenerateDays(ctx context.Context, user *models.User, prefs store.Preferences, startDate string, days int, storeName string) ([]models.Plan, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	if days < 1 {
		days = 1
	}
	var plans []models.Plan
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i).Format("2006-01-02")
		p, err := e.GenerateDay(ctx, user, prefs, date, storeName)
		if err != nil {
			return nil, err
		}
		plans = append(plans, *p)
	}
	return plans, nil
}

// \b is ASCII-only in Go regexp and never matches before Cyrillic, so
// the word boundary is spelled out.
var daySelectorPattern = regexp.MustCompile(`(?i)(?:^|\s)(?:day|день)\s+(\d+)`)

// ParseDaySelector extracts a "day N" selector from an edit request,
// defaulting to day 1.
func ParseDaySelector(text string) int {
	m := daySelectorPattern.FindStringSubmatch(text)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// EditDay re-generates one day of an existing plan set from a free-text
// edit request and replaces only that day. Dates must be the ordered
// dates of the user's current plan run.
func (e *Engine) EditDay(ctx context.Context, user *models.User, prefs store.Preferences, dates []string, editRequest string) (*models.Plan, error) {
	if len(dates) == 0 {
		return nil, fmt.Errorf("no plan dates to edit")
	}
	idx := ParseDaySelector(editRequest) - 1
	if idx >= len(dates) {
		idx = 0
	}
	date := dates[idx]

	existing, err := e.st.GetPlan(ctx, user.ID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan for %s: %w", date, err)
	}
	target := existing.CaloriesTarget
	if target <= 0 {
		target = DayTarget(user, prefs, date)
	}
	storeName := prefs.String("plan_store", "")

	currentJSON, err := json.Marshal(existing.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode current plan: %w", err)
	}
	systemPrompt, userPrompt := buildEditPrompts(user, prefs, target, storeName, string(currentJSON), editRequest)

	day, genErr := e.attemptTiers(ctx, date, target, storeName, systemPrompt, userPrompt)
	if genErr != nil {
		return nil, genErr
	}
	plan := &models.Plan{UserID: user.ID, Date: date, CaloriesTarget: target, Plan: *day}
	if err := e.st.UpsertPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to persist edited plan: %w", err)
	}
	return plan, nil
}

// attemptTiers runs the ordered attempt list: generate, parse,
// normalize, gate. The first tier whose output survives the gate wins.
func (e *Engine) attemptTiers(ctx context.Context, date string, target int, storeName, systemPrompt, userPrompt string) (*models.DayPlan, error) {
	var failures []AttemptFailure
	for _, model := range e.policy.ModelTiers {
		text, err := e.oracle.CompleteWithTimeout(ctx, model, systemPrompt, userPrompt, e.policy.AttemptTimeout)
		if err != nil {
			slog.Warn("PlanEngine attempt failed", "model", model, "date", date, "error", err)
			failures = append(failures, AttemptFailure{Model: model, Reason: "oracle: " + err.Error()})
			continue
		}
		var raw rawPlan
		if err := genai.DecodeJSONBlock(text, &raw); err != nil {
			failures = append(failures, AttemptFailure{Model: model, Reason: "parse: " + err.Error()})
			continue
		}
		day := e.normalize(raw, storeName)
		if err := e.gate(day, target); err != nil {
			slog.Info("PlanEngine quality gate rejected output", "model", model, "date", date, "reason", err)
			failures = append(failures, AttemptFailure{Model: model, Reason: "gate: " + err.Error()})
			continue
		}
		return &day, nil
	}
	return nil, &GenerationError{Date: date, Failures: failures}
}

// gate is the deterministic acceptance check: every meal needs a usable
// product, no product may carry a denylisted supplement keyword, and
// the day total must be inside the calorie tolerance.
func (e *Engine) gate(day models.DayPlan, target int) error {
	if len(day.Meals) == 0 {
		return fmt.Errorf("no meals")
	}
	for _, meal := range day.Meals {
		if len(meal.Products) == 0 {
			return fmt.Errorf("meal %q has no products", meal.Title)
		}
		for _, p := range meal.Products {
			if word := e.denylisted(p.Name); word != "" {
				return fmt.Errorf("product %q matches denylisted keyword %q", p.Name, word)
			}
		}
	}
	for _, item := range day.ShoppingList {
		if word := e.denylisted(item.Name); word != "" {
			return fmt.Errorf("shopping item %q matches denylisted keyword %q", item.Name, word)
		}
	}
	diff := math.Abs(day.Totals.Kcal - float64(target))
	if diff > e.policy.CalorieTolerance*float64(target) {
		return fmt.Errorf("total %.0f kcal outside ±%.0f%% of target %d",
			day.Totals.Kcal, e.policy.CalorieTolerance*100, target)
	}
	return nil
}

func (e *Engine) denylisted(name string) string {
	lower := strings.ToLower(name)
	for _, word := range e.policy.Denylist {
		if strings.Contains(lower, word) {
			return word
		}
	}
	return ""
}

// AggregateShopping merges the shopping lists of several plans, summing
// grams by (name, store).
func AggregateShopping(plans []models.Plan) []models.ShoppingItem {
	type key struct{ name, store string }
	idx := make(map[key]int)
	var out []models.ShoppingItem
	for _, p := range plans {
		for _, item := range p.Plan.ShoppingList {
			k := key{strings.ToLower(item.Name), item.Store}
			if i, ok := idx[k]; ok {
				out[i].Grams += item.Grams
				continue
			}
			idx[k] = len(out)
			out = append(out, item)
		}
	}
	return out
}
