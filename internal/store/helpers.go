package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mkravets/nutricoach/internal/models"
)

// nilIfEmpty returns nil for empty strings so the column stores NULL.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZeroInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nilIfZeroFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func encodeDialog(state models.DialogState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode dialog state: %w", err)
	}
	return string(raw), nil
}

func decodeDialog(raw string) (models.DialogState, error) {
	if raw == "" || raw == "{}" {
		return models.Idle(), nil
	}
	var state models.DialogState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return models.Idle(), fmt.Errorf("failed to decode dialog state: %w", err)
	}
	return state, nil
}

const userColumns = `id, external_id, username, created_at, updated_at, profile_complete,
	age, sex, height_cm, weight_kg, activity_level, goal,
	allergies, restrictions, favorite_products, disliked_products,
	country, stores_csv,
	calories_target, protein_g_target, fat_g_target, carbs_g_target, targets_source,
	dialog_state`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var username, sex, activity, goal sql.NullString
	var allergies, restrictions, favorite, disliked sql.NullString
	var age, calTarget, protTarget, fatTarget, carbTarget sql.NullInt64
	var height, weight sql.NullFloat64
	var dialogRaw string

	err := row.Scan(
		&u.ID, &u.ExternalID, &username, &u.CreatedAt, &u.UpdatedAt, &u.ProfileComplete,
		&age, &sex, &height, &weight, &activity, &goal,
		&allergies, &restrictions, &favorite, &disliked,
		&u.Country, &u.StoresCSV,
		&calTarget, &protTarget, &fatTarget, &carbTarget, &u.TargetsSource,
		&dialogRaw,
	)
	if err != nil {
		return nil, err
	}

	u.Username = username.String
	u.Sex = sex.String
	u.ActivityLevel = activity.String
	u.Goal = goal.String
	u.Allergies = allergies.String
	u.Restrictions = restrictions.String
	u.FavoriteProducts = favorite.String
	u.DislikedProducts = disliked.String
	u.Age = int(age.Int64)
	u.HeightCm = height.Float64
	u.WeightKg = weight.Float64
	u.CaloriesTarget = int(calTarget.Int64)
	u.ProteinGTarget = int(protTarget.Int64)
	u.FatGTarget = int(fatTarget.Int64)
	u.CarbsGTarget = int(carbTarget.Int64)

	u.Dialog, err = decodeDialog(dialogRaw)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanMeal(row rowScanner) (*models.Meal, error) {
	var m models.Meal
	var desc, photoRef sql.NullString
	var draftRaw string
	err := row.Scan(
		&m.ID, &m.UserID, &m.CreatedAt, &m.Source, &desc, &draftRaw, &photoRef,
		&m.Calories, &m.ProteinG, &m.FatG, &m.CarbsG, &m.TotalWeightG,
	)
	if err != nil {
		return nil, err
	}
	m.DescriptionRaw = desc.String
	m.PhotoRef = photoRef.String
	if err := json.Unmarshal([]byte(draftRaw), &m.Draft); err != nil {
		return nil, fmt.Errorf("failed to decode meal draft: %w", err)
	}
	return &m, nil
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var p models.Plan
	var calTarget sql.NullInt64
	var planRaw string
	err := row.Scan(&p.ID, &p.UserID, &p.Date, &p.CreatedAt, &calTarget, &planRaw, &p.Approved)
	if err != nil {
		return nil, err
	}
	p.CaloriesTarget = int(calTarget.Int64)
	if err := json.Unmarshal([]byte(planRaw), &p.Plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan body: %w", err)
	}
	return &p, nil
}

func scanCandidate(row rowScanner) (*models.FoodCandidate, error) {
	var c models.FoodCandidate
	var brand, imageURL sql.NullString
	var kcal, protein, fat, carbs sql.NullFloat64
	err := row.Scan(&c.Source, &c.Barcode, &c.Name, &brand, &kcal, &protein, &fat, &carbs, &imageURL)
	if err != nil {
		return nil, err
	}
	c.Brand = brand.String
	c.ImageURL = imageURL.String
	if kcal.Valid {
		c.Kcal100g = &kcal.Float64
	}
	if protein.Valid {
		c.Protein100g = &protein.Float64
	}
	if fat.Valid {
		c.Fat100g = &fat.Float64
	}
	if carbs.Valid {
		c.Carbs100g = &carbs.Float64
	}
	return &c, nil
}

func floatOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// mergeDocs applies a shallow merge: every top-level key in patch
// replaces the key in base entirely. A JSON null in patch deletes the key.
func mergeDocs(base, patch Preferences) Preferences {
	merged := make(Preferences, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		if string(v) == "null" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}
