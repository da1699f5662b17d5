// Package store provides persistence for users, preferences, meals,
// plans, the food lookup cache, weight logs, and weekly stats, with
// SQLite, PostgreSQL, and in-memory implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/mkravets/nutricoach/internal/models"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures store options.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// Preferences is the per-user freeform document. Values stay raw JSON;
// merge semantics are shallow (a write of key K replaces K entirely).
type Preferences map[string]json.RawMessage

// Store is the persistence interface shared by all backends.
type Store interface {
	// Users. SaveUser persists the full row including the dialog state
	// envelope, so a handler's profile change and state transition land
	// in one write.
	GetOrCreateUser(ctx context.Context, externalID string) (*models.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
	SetDialogState(ctx context.Context, userID int64, state models.DialogState) error
	ListCompleteUsers(ctx context.Context) ([]models.User, error)
	ResetUser(ctx context.Context, userID int64) error

	// Preferences.
	GetPreferences(ctx context.Context, userID int64) (Preferences, error)
	MergePreferences(ctx context.Context, userID int64, patch Preferences) error

	// Meals.
	AddMeal(ctx context.Context, meal *models.Meal) error
	ListMealsSince(ctx context.Context, userID int64, since time.Time) ([]models.Meal, error)

	// Plans, keyed uniquely by (user, date).
	UpsertPlan(ctx context.Context, plan *models.Plan) error
	GetPlan(ctx context.Context, userID int64, date string) (*models.Plan, error)
	ListPlansFrom(ctx context.Context, userID int64, fromDate string, limit int) ([]models.Plan, error)
	ApprovePlan(ctx context.Context, userID int64, date string) error

	// Food lookup cache, keyed by (source, barcode).
	GetCachedFood(ctx context.Context, source, barcode string) (*models.FoodCandidate, error)
	PutCachedFood(ctx context.Context, candidate models.FoodCandidate) error

	// Weight logs, one per (user, date).
	AddWeightLog(ctx context.Context, log models.WeightLog) error
	ListWeightLogs(ctx context.Context, userID int64, limit int) ([]models.WeightLog, error)

	// Weekly diary stats.
	AddWeekStat(ctx context.Context, stat *models.WeekStat) error
	ListWeekStats(ctx context.Context, userID int64, limit int) ([]models.WeekStat, error)

	Close() error
}

// DSNType represents the detected database backend for a DSN.
type DSNType string

// Detected DSN types.
const (
	DSNTypePostgres DSNType = "postgres"
	DSNTypeSQLite   DSNType = "sqlite"
)

// DetectDSNType classifies a connection string. URL-style and key=value
// strings are Postgres; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) DSNType {
	s := strings.TrimSpace(dsn)
	if strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(s, "host=") || strings.Contains(s, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// String returns a Preferences value decoded as a JSON string, or the
// fallback when the key is absent or not a string.
func (p Preferences) String(key, fallback string) string {
	raw, ok := p[key]
	if !ok {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fallback
	}
	return s
}

// Int returns a Preferences value decoded as a JSON number, or the
// fallback when the key is absent or not numeric.
func (p Preferences) Int(key string, fallback int) int {
	raw, ok := p[key]
	if !ok {
		return fallback
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return fallback
	}
	return int(n)
}

// Bool returns a Preferences value decoded as a JSON bool, or the
// fallback when the key is absent or not a bool.
func (p Preferences) Bool(key string, fallback bool) bool {
	raw, ok := p[key]
	if !ok {
		return fallback
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return fallback
	}
	return b
}

// Set encodes v and stores it under key, replacing any previous value.
func (p Preferences) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p[key] = raw
	return nil
}
