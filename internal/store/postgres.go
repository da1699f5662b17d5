package store

import (
	"context"
	"database/sql"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/mkravets/nutricoach/internal/models"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store and runs migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}
	slog.Debug("PostgresStore initializing")

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run postgres migrations: %w", err)
	}
	slog.Info("PostgresStore initialized")
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetOrCreateUser fetches the user for an external identity, creating
// an empty row on first contact.
func (s *PostgresStore) GetOrCreateUser(ctx context.Context, externalID string) (*models.User, error) {
	user, err := s.GetUserByExternalID(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	slog.Debug("PostgresStore GetOrCreateUser creating", "externalID", externalID)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (external_id) VALUES ($1) ON CONFLICT (external_id) DO NOTHING`, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return s.GetUserByExternalID(ctx, externalID)
}

// GetUserByExternalID returns the user row for an external identity.
func (s *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
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
func (s *PostgresStore) SaveUser(ctx context.Context, user *models.User) error {
	if err := user.Dialog.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid dialog state: %w", err)
	}
	dialogRaw, err := encodeDialog(user.Dialog)
	if err != nil {
		return err
	}
	slog.Debug("PostgresStore SaveUser saving", "userID", user.ID, "mode", user.Dialog.Mode)
	_, err = s.db.ExecContext(ctx, `UPDATE users SET
		username = $1, updated_at = NOW(), profile_complete = $2,
		age = $3, sex = $4, height_cm = $5, weight_kg = $6, activity_level = $7, goal = $8,
		allergies = $9, restrictions = $10, favorite_products = $11, disliked_products = $12,
		country = $13, stores_csv = $14,
		calories_target = $15, protein_g_target = $16, fat_g_target = $17, carbs_g_target = $18, targets_source = $19,
		dialog_state = $20
		WHERE id = $21`,
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
func (s *PostgresStore) SetDialogState(ctx context.Context, userID int64, state models.DialogState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid dialog state: %w", err)
	}
	raw, err := encodeDialog(state)
	if err != nil {
		return err
	}
	slog.Debug("PostgresStore SetDialogState", "userID", userID, "mode", state.Mode, "step", state.Step)
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET dialog_state = $1, updated_at = NOW() WHERE id = $2`, raw, userID)
	if err != nil {
		return fmt.Errorf("failed to set dialog state for user %d: %w", userID, err)
	}
	return nil
}

// ListCompleteUsers returns all users with a finished profile.
func (s *PostgresStore) ListCompleteUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE profile_complete = TRUE`)
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

// ResetUser nulls profile fields and wipes the user's history.
func (s *PostgresStore) ResetUser(ctx context.Context, userID int64) error {
	slog.Info("PostgresStore ResetUser", "userID", userID)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE users SET
		profile_complete = FALSE, age = NULL, sex = NULL, height_cm = NULL, weight_kg = NULL,
		activity_level = NULL, goal = NULL,
		allergies = NULL, restrictions = NULL, favorite_products = NULL, disliked_products = NULL,
		calories_target = NULL, protein_g_target = NULL, fat_g_target = NULL, carbs_g_target = NULL,
		targets_source = 'coach', dialog_state = '{}', updated_at = NOW()
		WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to reset user %d: %w", userID, err)
	}
	for _, table := range []string{"preferences", "meals", "plans", "weight_logs", "week_stats"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to wipe %s for user %d: %w", table, userID, err)
		}
	}
	return tx.Commit()
}

// GetPreferences returns the user's preference document.
func (s *PostgresStore) GetPreferences(ctx context.Context, userID int64) (Preferences, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM preferences WHERE user_id = $1`, userID).Scan(&doc)
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
func (s *PostgresStore) MergePreferences(ctx context.Context, userID int64, patch Preferences) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin preferences transaction: %w", err)
	}
	defer tx.Rollback()

	base := Preferences{}
	var doc string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM preferences WHERE user_id = $1 FOR UPDATE`, userID).Scan(&doc)
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
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		userID, string(merged))
	if err != nil {
		return fmt.Errorf("failed to save preferences for user %d: %w", userID, err)
	}
	return tx.Commit()
}

// AddMeal inserts a confirmed meal record.
func (s *PostgresStore) AddMeal(ctx context.Context, meal *models.Meal) error {
	draftRaw, err := json.Marshal(meal.Draft)
	if err != nil {
		return fmt.Errorf("failed to encode meal draft: %w", err)
	}
	if meal.CreatedAt.IsZero() {
		meal.CreatedAt = time.Now().UTC()
	}
	slog.Debug("PostgresStore AddMeal", "userID", meal.UserID, "source", meal.Source, "calories", meal.Calories)
	err = s.db.QueryRowContext(ctx, `INSERT INTO meals
		(user_id, created_at, source, description_raw, draft_json, photo_ref, calories, protein_g, fat_g, carbs_g, total_weight_g)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		meal.UserID, meal.CreatedAt, meal.Source, nilIfEmpty(meal.DescriptionRaw), string(draftRaw),
		nilIfEmpty(meal.PhotoRef), meal.Calories, meal.ProteinG, meal.FatG, meal.CarbsG, meal.TotalWeightG,
	).Scan(&meal.ID)
	if err != nil {
		return fmt.Errorf("failed to add meal for user %d: %w", meal.UserID, err)
	}
	return nil
}

// ListMealsSince returns the user's meals created at or after since, oldest first.
func (s *PostgresStore) ListMealsSince(ctx context.Context, userID int64, since time.Time) ([]models.Meal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, user_id, created_at, source, description_raw, draft_json, photo_ref,
		calories, protein_g, fat_g, carbs_g, total_weight_g
		FROM meals WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at`, userID, since)
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
func (s *PostgresStore) UpsertPlan(ctx context.Context, plan *models.Plan) error {
	planRaw, err := json.Marshal(plan.Plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan body: %w", err)
	}
	slog.Debug("PostgresStore UpsertPlan", "userID", plan.UserID, "date", plan.Date)
	_, err = s.db.ExecContext(ctx, `INSERT INTO plans (user_id, date, calories_target, plan_json, approved)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, date) DO UPDATE SET
		calories_target = EXCLUDED.calories_target, plan_json = EXCLUDED.plan_json,
		approved = EXCLUDED.approved, created_at = NOW()`,
		plan.UserID, plan.Date, nilIfZeroInt(plan.CaloriesTarget), string(planRaw), plan.Approved)
	if err != nil {
		return fmt.Errorf("failed to upsert plan for user %d date %s: %w", plan.UserID, plan.Date, err)
	}
	return nil
}

// GetPlan returns the plan for (user, date).
func (s *PostgresStore) GetPlan(ctx context.Context, userID int64, date string) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, date, created_at, calories_target, plan_json, approved
		FROM plans WHERE user_id = $1 AND date = $2`, userID, date)
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
func (s *PostgresStore) ListPlansFrom(ctx context.Context, userID int64, fromDate string, limit int) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, date, created_at, calories_target, plan_json, approved
		FROM plans WHERE user_id = $1 AND date >= $2 ORDER BY date LIMIT $3`, userID, fromDate, limit)
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
func (s *PostgresStore) ApprovePlan(ctx context.Context, userID int64, date string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE plans SET approved = TRUE WHERE user_id = $1 AND date = $2`, userID, date)
	if err != nil {
		return fmt.Errorf("failed to approve plan for user %d date %s: %w", userID, date, err)
	}
	return nil
}

// GetCachedFood returns the cached candidate for (source, barcode).
func (s *PostgresStore) GetCachedFood(ctx context.Context, source, barcode string) (*models.FoodCandidate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT source, barcode, name, brand, kcal_100g, protein_100g, fat_100g, carbs_100g, image_url
		FROM food_cache WHERE source = $1 AND barcode = $2`, source, barcode)
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
func (s *PostgresStore) PutCachedFood(ctx context.Context, c models.FoodCandidate) error {
	if c.Barcode == "" {
		return fmt.Errorf("refusing to cache candidate without barcode: %s", c.Name)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO food_cache
		(source, barcode, name, brand, kcal_100g, protein_100g, fat_100g, carbs_100g, image_url, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (source, barcode) DO UPDATE SET
		name = EXCLUDED.name, brand = EXCLUDED.brand,
		kcal_100g = EXCLUDED.kcal_100g, protein_100g = EXCLUDED.protein_100g,
		fat_100g = EXCLUDED.fat_100g, carbs_100g = EXCLUDED.carbs_100g,
		image_url = EXCLUDED.image_url, updated_at = NOW()`,
		c.Source, c.Barcode, c.Name, nilIfEmpty(c.Brand),
		floatOrNil(c.Kcal100g), floatOrNil(c.Protein100g), floatOrNil(c.Fat100g), floatOrNil(c.Carbs100g),
		nilIfEmpty(c.ImageURL))
	if err != nil {
		return fmt.Errorf("failed to cache food %s/%s: %w", c.Source, c.Barcode, err)
	}
	return nil
}

// AddWeightLog upserts the weight entry for (user, date).
func (s *PostgresStore) AddWeightLog(ctx context.Context, log models.WeightLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO weight_logs (user_id, date, weight_kg)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, date) DO UPDATE SET weight_kg = EXCLUDED.weight_kg`,
		log.UserID, log.Date, log.WeightKg)
	if err != nil {
		return fmt.Errorf("failed to add weight log for user %d: %w", log.UserID, err)
	}
	return nil
}

// ListWeightLogs returns up to limit entries, newest first.
func (s *PostgresStore) ListWeightLogs(ctx context.Context, userID int64, limit int) ([]models.WeightLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, date, weight_kg
		FROM weight_logs WHERE user_id = $1 ORDER BY date DESC LIMIT $2`, userID, limit)
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
func (s *PostgresStore) AddWeekStat(ctx context.Context, stat *models.WeekStat) error {
	err := s.db.QueryRowContext(ctx, `INSERT INTO week_stats (user_id, week_start, week_end, avg_calories, notes_json, weight_end_kg)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		stat.UserID, stat.WeekStart, stat.WeekEnd,
		nilIfZeroInt(stat.AvgCalories), nilIfEmpty(stat.NotesJSON), nilIfZeroFloat(stat.WeightEndKg),
	).Scan(&stat.ID)
	if err != nil {
		return fmt.Errorf("failed to add week stat for user %d: %w", stat.UserID, err)
	}
	return nil
}

// ListWeekStats returns up to limit snapshots, newest first.
func (s *PostgresStore) ListWeekStats(ctx context.Context, userID int64, limit int) ([]models.WeekStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, week_start, week_end, avg_calories, notes_json, weight_end_kg
		FROM week_stats WHERE user_id = $1 ORDER BY week_start DESC LIMIT $2`, userID, limit)
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
