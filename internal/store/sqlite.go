package store

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/mkravets/nutricoach/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a local SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store, creating the database
// file and schema if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		cfg.DSN = "nutricoach.db"
	}
	slog.Debug("SQLiteStore initializing", "dsn", cfg.DSN)

	if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DSN+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run sqlite migrations: %w", err)
	}
	slog.Info("SQLiteStore initialized", "dsn", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreateUser fetches the user for an external identity, creating
// an empty row on first contact.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, externalID string) (*models.User, error) {
	user, err := s.GetUserByExternalID(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	slog.Debug("SQLiteStore GetOrCreateUser creating", "externalID", externalID)
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (external_id) VALUES (?)`, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return s.GetUserByExternalID(ctx, externalID)
}

// GetUserByExternalID returns the user row for an external identity.
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = ?`, externalID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", externalID, err)
	}
	return user, nil
}

// SaveUser persists the full user row, dialog state included.
func (s *SQLiteStore) SaveUser(ctx context.Context, user *models.User) error {
	if err := user.Dialog.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid dialog state: %w", err)
	}
	dialogRaw, err := encodeDialog(user.Dialog)
	if err != nil {
		return err
	}
	slog.Debug("SQLiteStore SaveUser saving", "userID", user.ID, "mode", user.Dialog.Mode)
	_, err = s.db.ExecContext(ctx, `UPDATE users SET
		username = ?, updated_at = CURRENT_TIMESTAMP, profile_complete = ?,
		age = ?, sex = ?, height_cm = ?, weight_kg = ?, activity_level = ?, goal = ?,
		allergies = ?, restrictions = ?, favorite_products = ?, disliked_products = ?,
		country = ?, stores_csv = ?,
		calories_target = ?, protein_g_target = ?, fat_g_target = ?, carbs_g_target = ?, targets_source = ?,
		dialog_state = ?
		WHERE id = ?`,
		nilIfEmpty(user.Username), user.ProfileComplete,
		nilIfZeroInt(user.Age), nilIfEmpty(user.Sex), nilIfZeroFloat(user.HeightCm), nilIfZeroFloat(user.WeightKg),
		nilIfEmpty(user.ActivityLevel), nilIfEmpty(user.Goal),
		nilIfEmpty(user.Allergies), nilIfEmpty(user.Restrictions),
		nilIfEmpty(user.FavoriteProducts), nilIfEmpty(user.DislikedProducts),
		user.Country, user.StoresCSV,
		nilIfZeroInt(user.CaloriesTarget), nilIfZeroInt(user.ProteinGTarget),
		nilIfZeroInt(user.FatGTarget), nilIfZeroInt(user.CarbsGTarget), user.TargetsSource,
		dialogRaw, user.ID)
	if err != nil {
		return fmt.Errorf("failed to save user %d: %w", user.ID, err)
	}
	return nil
}

// SetDialogState replaces only the dialog state envelope.
func (s *SQLiteStore) SetDialogState(ctx context.Context, userID int64, state models.DialogState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid dialog state: %w", err)
	}
	raw, err := encodeDialog(state)
	if err != nil {
		return err
	}
	slog.Debug("SQLiteStore SetDialogState", "userID", userID, "mode", state.Mode, "step", state.Step)
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET dialog_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, raw, userID)
	if err != nil {
		return fmt.Errorf("failed to set dialog state for user %d: %w", userID, err)
	}
	return nil
}

// ListCompleteUsers returns all users with a finished profile, for the
// scheduler scan.
func (s *SQLiteStore) ListCompleteUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE profile_complete = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list complete users: %w", err)
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ResetUser nulls profile fields and wipes the user's history. The row
// itself survives so the external identity stays known.
func (s *SQLiteStore) ResetUser(ctx context.Context, userID int64) error {
	slog.Info("SQLiteStore ResetUser", "userID", userID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE users SET
		profile_complete = 0, age = NULL, sex = NULL, height_cm = NULL, weight_kg = NULL,
		activity_level = NULL, goal = NULL,
		allergies = NULL, restrictions = NULL, favorite_products = NULL, disliked_products = NULL,
		calories_target = NULL, protein_g_target = NULL, fat_g_target = NULL, carbs_g_target = NULL,
		targets_source = 'coach', dialog_state = '{}', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to reset user %d: %w", userID, err)
	}
	for _, table := range []string{"preferences", "meals", "plans", "weight_logs", "week_stats"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("failed to wipe %s for user %d: %w", table, userID, err)
		}
	}
	return tx.Commit()
}

// GetPreferences returns the user's preference document.
func (s *SQLiteStore) GetPreferences(ctx context.Context, userID int64) (Preferences, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM preferences WHERE user_id = ?`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Preferences{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences for user %d: %w", userID, err)
	}
	prefs := Preferences{}
	if err := json.Unmarshal([]byte(doc), &prefs); err != nil {
		return nil, fmt.Errorf("failed to decode preferences for user %d: %w", userID, err)
	}
	return prefs, nil
}

// MergePreferences shallow-merges patch into the stored document.
func (s *SQLiteStore) MergePreferences(ctx context.Context, userID int64, patch Preferences) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin preferences transaction: %w", err)
	}
	defer tx.Rollback()

	base := Preferences{}
	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM preferences WHERE user_id = ?`, userID).Scan(&doc)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read preferences for user %d: %w", userID, err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(doc), &base); err != nil {
			return fmt.Errorf("failed to decode preferences for user %d: %w", userID, err)
		}
	}

	merged, err := json.Marshal(mergeDocs(base, patch))
	if err != nil {
		return fmt.Errorf("failed to encode preferences for user %d: %w", userID, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO preferences (user_id, doc, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		userID, string(merged))
	if err != nil {
		return fmt.Errorf("failed to save preferences for user %d: %w", userID, err)
	}
	return tx.Commit()
}

// AddMeal inserts a confirmed meal record.
func (s *SQLiteStore) AddMeal(ctx context.Context, meal *models.Meal) error {
	draftRaw, err := json.Marshal(meal.Draft)
	if err != nil {
		return fmt.Errorf("failed to encode meal draft: %w", err)
	}
	if meal.CreatedAt.IsZero() {
		meal.CreatedAt = time.Now().UTC()
	}
	slog.Debug("SQLiteStore AddMeal", "userID", meal.UserID, "source", meal.Source, "calories", meal.Calories)
	res, err := s.db.ExecContext(ctx, `INSERT INTO meals
		(user_id, created_at, source, description_raw, draft_json, photo_ref, calories, protein_g, fat_g, carbs_g, total_weight_g)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meal.UserID, meal.CreatedAt, meal.Source, nilIfEmpty(meal.DescriptionRaw), string(draftRaw),
		nilIfEmpty(meal.PhotoRef), meal.Calories, meal.ProteinG, meal.FatG, meal.CarbsG, meal.TotalWeightG)
	if err != nil {
		return fmt.Errorf("failed to add meal for user %d: %w", meal.UserID, err)
	}
	meal.ID, _ = res.LastInsertId()
	return nil
}

// ListMealsSince returns the user's meals created at or after since, oldest first.
func (s *SQLiteStore) ListMealsSince(ctx context.Context, userID int64, since time.Time) ([]models.Meal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, user_id, created_at, source, description_raw, draft_json, photo_ref,
		calories, protein_g, fat_g, carbs_g, total_weight_g
		FROM meals WHERE user_id = ? AND created_at >= ? ORDER BY created_at`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list meals for user %d: %w", userID, err)
	}
	defer rows.Close()
	var meals []models.Meal
	for rows.Next() {
		m, err := scanMeal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meal: %w", err)
		}
		meals = append(meals, *m)
	}
	return meals, rows.Err()
}

// UpsertPlan inserts or replaces the plan for (user, date).
func (s *SQLiteStore) UpsertPlan(ctx context.Context, plan *models.Plan) error {
	planRaw, err := json.Marshal(plan.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan body: %w", err)
	}
	slog.Debug("SQLiteStore UpsertPlan", "userID", plan.UserID, "date", plan.Date)
	_, err = s.db.ExecContext(ctx, `INSERT INTO plans (user_id, date, calories_target, plan_json, approved)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET
		calories_target = excluded.calories_target, plan_json = excluded.plan_json,
		approved = excluded.approved, created_at = CURRENT_TIMESTAMP`,
		plan.UserID, plan.Date, nilIfZeroInt(plan.CaloriesTarget), string(planRaw), plan.Approved)
	if err != nil {
		return fmt.Errorf("failed to upsert plan for user %d date %s: %w", plan.UserID, plan.Date, err)
	}
	return nil
}

// GetPlan returns the plan for (user, date).
func (s *SQLiteStore) GetPlan(ctx context.Context, userID int64, date string) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, date, created_at, calories_target, plan_json, approved
		FROM plans WHERE user_id = ? AND date = ?`, userID, date)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan for user %d date %s: %w", userID, date, err)
	}
	return plan, nil
}

// ListPlansFrom returns up to limit plans at or after fromDate, ascending.
func (s *SQLiteStore) ListPlansFrom(ctx context.Context, userID int64, fromDate string, limit int) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, date, created_at, calories_target, plan_json, approved
		FROM plans WHERE user_id = ? AND date >= ? ORDER BY date LIMIT ?`, userID, fromDate, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans for user %d: %w", userID, err)
	}
	defer rows.Close()
	var plans []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// ApprovePlan marks the plan for (user, date) as approved.
func (s *SQLiteStore) ApprovePlan(ctx context.Context, userID int64, date string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE plans SET approved = 1 WHERE user_id = ? AND date = ?`, userID, date)
	if err != nil {
		return fmt.Errorf("failed to approve plan for user %d date %s: %w", userID, date, err)
	}
	return nil
}

// GetCachedFood returns the cached candidate for (source, barcode).
func (s *SQLiteStore) GetCachedFood(ctx context.Context, source, barcode string) (*models.FoodCandidate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT source, barcode, name, brand, kcal_100g, protein_100g, fat_100g, carbs_100g, image_url
		FROM food_cache WHERE source = ? AND barcode = ?`, source, barcode)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached food %s/%s: %w", source, barcode, err)
	}
	return c, nil
}

// PutCachedFood inserts or refreshes a cached candidate.
func (s *SQLiteStore) PutCachedFood(ctx context.Context, c models.FoodCandidate) error {
	if c.Barcode == "" {
		return fmt.Errorf("refusing to cache candidate without barcode: %s", c.Name)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO food_cache
		(source, barcode, name, brand, kcal_100g, protein_100g, fat_100g, carbs_100g, image_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source, barcode) DO UPDATE SET
		name = excluded.name, brand = excluded.brand,
		kcal_100g = excluded.kcal_100g, protein_100g = excluded.protein_100g,
		fat_100g = excluded.fat_100g, carbs_100g = excluded.carbs_100g,
		image_url = excluded.image_url, updated_at = CURRENT_TIMESTAMP`,
		c.Source, c.Barcode, c.Name, nilIfEmpty(c.Brand),
		floatOrNil(c.Kcal100g), floatOrNil(c.Protein100g), floatOrNil(c.Fat100g), floatOrNil(c.Carbs100g),
		nilIfEmpty(c.ImageURL))
	if err != nil {
		return fmt.Errorf("failed to cache food %s/%s: %w", c.Source, c.Barcode, err)
	}
	return nil
}

// AddWeightLog upserts the weight entry for (user, date).
func (s *SQLiteStore) AddWeightLog(ctx context.Context, log models.WeightLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO weight_logs (user_id, date, weight_kg)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET weight_kg = excluded.weight_kg`,
		log.UserID, log.Date, log.WeightKg)
	if err != nil {
		return fmt.Errorf("failed to add weight log for user %d: %w", log.UserID, err)
	}
	return nil
}

// ListWeightLogs returns up to limit entries, newest first.
func (s *SQLiteStore) ListWeightLogs(ctx context.Context, userID int64, limit int) ([]models.WeightLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, date, weight_kg
		FROM weight_logs WHERE user_id = ? ORDER BY date DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list weight logs for user %d: %w", userID, err)
	}
	defer rows.Close()
	var logs []models.WeightLog
	for rows.Next() {
		var l models.WeightLog
		if err := rows.Scan(&l.UserID, &l.Date, &l.WeightKg); err != nil {
			return nil, fmt.Errorf("failed to scan weight log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AddWeekStat inserts a weekly stats snapshot.
func (s *SQLiteStore) AddWeekStat(ctx context.Context, stat *models.WeekStat) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO week_stats (user_id, week_start, week_end, avg_calories, notes_json, weight_end_kg)
		VALUES (?, ?, ?, ?, ?, ?)`,
		stat.UserID, stat.WeekStart, stat.WeekEnd,
		nilIfZeroInt(stat.AvgCalories), nilIfEmpty(stat.NotesJSON), nilIfZeroFloat(stat.WeightEndKg))
	if err != nil {
		return fmt.Errorf("failed to add week stat for user %d: %w", stat.UserID, err)
	}
	stat.ID, _ = res.LastInsertId()
	return nil
}

// ListWeekStats returns up to limit snapshots, newest first.
func (s *SQLiteStore) ListWeekStats(ctx context.Context, userID int64, limit int) ([]models.WeekStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, week_start, week_end, avg_calories, notes_json, weight_end_kg
		FROM week_stats WHERE user_id = ? ORDER BY week_start DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list week stats for user %d: %w", userID, err)
	}
	defer rows.Close()
	var stats []models.WeekStat
	for rows.Next() {
		var st models.WeekStat
		var avg sql.NullInt64
		var notes sql.NullString
		var weight sql.NullFloat64
		if err := rows.Scan(&st.ID, &st.UserID, &st.WeekStart, &st.WeekEnd, &avg, &notes, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan week stat: %w", err)
		}
		st.AvgCalories = int(avg.Int64)
		st.NotesJSON = notes.String
		st.WeightEndKg = weight.Float64
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
