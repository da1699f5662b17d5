// Package models defines the core data structures shared across nutricoach modules.
package models

import "time"

// TargetsSource tags whether calorie/macro targets come from the coach
// calculation or were fixed by the user.
const (
	TargetsSourceCoach  = "coach"
	TargetsSourceCustom = "custom"
)

// User is one row per end-user identity, keyed by the transport identity
// (E.164 phone number for WhatsApp/Twilio).
type User struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Username   string `json:"username,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProfileComplete bool `json:"profile_complete"`

	Age           int     `json:"age,omitempty"`
	Sex           string  `json:"sex,omitempty"` // male/female
	HeightCm      float64 `json:"height_cm,omitempty"`
	WeightKg      float64 `json:"weight_kg,omitempty"`
	ActivityLevel string  `json:"activity_level,omitempty"` // low/medium/high
	Goal          string  `json:"goal,omitempty"`           // loss/maintain/gain/recomp

	Allergies        string `json:"allergies,omitempty"`
	Restrictions     string `json:"restrictions,omitempty"`
	FavoriteProducts string `json:"favorite_products,omitempty"`
	DislikedProducts string `json:"disliked_products,omitempty"`

	Country   string `json:"country,omitempty"`
	StoresCSV string `json:"stores_csv,omitempty"`

	// Cached target snapshot. Recomputed on metric changes only while
	// TargetsSource is "coach"; a "custom" source pins the values.
	CaloriesTarget int    `json:"calories_target,omitempty"`
	ProteinGTarget int    `json:"protein_g_target,omitempty"`
	FatGTarget     int    `json:"fat_g_target,omitempty"`
	CarbsGTarget   int    `json:"carbs_g_target,omitempty"`
	TargetsSource  string `json:"targets_source,omitempty"`

	Dialog DialogState `json:"dialog"`
}

// FoodCandidate is a food database lookup result with per-100g macros.
// Macro fields are pointers because the upstream data is frequently
// incomplete; consumers must filter on completeness.
type FoodCandidate struct {
	Source      string   `json:"source"`
	Barcode     string   `json:"barcode,omitempty"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand,omitempty"`
	Kcal100g    *float64 `json:"kcal_100g,omitempty"`
	Protein100g *float64 `json:"protein_100g,omitempty"`
	Fat100g     *float64 `json:"fat_100g,omitempty"`
	Carbs100g   *float64 `json:"carbs_100g,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
}

// HasCompleteMacros reports whether all four per-100g macro fields are present.
func (c FoodCandidate) HasCompleteMacros() bool {
	return c.Kcal100g != nil && c.Protein100g != nil && c.Fat100g != nil && c.Carbs100g != nil
}

// Per100g is the per-100g macro snapshot carried on a resolved meal item.
type Per100g struct {
	Kcal     float64 `json:"kcal"`
	ProteinG float64 `json:"protein_g"`
	FatG     float64 `json:"fat_g"`
	CarbsG   float64 `json:"carbs_g"`
}

// MealItem is one resolved food item within a meal draft.
type MealItem struct {
	Name     string   `json:"name"`
	Brand    string   `json:"brand,omitempty"`
	Barcode  string   `json:"barcode,omitempty"`
	Grams    int      `json:"grams"`
	Calories float64  `json:"calories"`
	ProteinG float64  `json:"protein_g"`
	FatG     float64  `json:"fat_g"`
	CarbsG   float64  `json:"carbs_g"`
	Per100g  *Per100g `json:"per_100g,omitempty"`
}

// MealTotals are the rounded aggregate numbers for a draft or meal.
type MealTotals struct {
	TotalWeightG int `json:"total_weight_g"`
	Calories     int `json:"calories"`
	ProteinG     int `json:"protein_g"`
	FatG         int `json:"fat_g"`
	CarbsG       int `json:"carbs_g"`
}

// MealDraft is a not-yet-persisted meal proposal awaiting user confirmation.
type MealDraft struct {
	Items      []MealItem `json:"items"`
	Totals     MealTotals `json:"totals"`
	DataSource string     `json:"data_source,omitempty"`
}

// UnresolvedItem is a requested food quantity that could not be uniquely
// matched; Candidates holds up to five options for disambiguation.
type UnresolvedItem struct {
	Query      string          `json:"query"`
	Grams      float64         `json:"grams"`
	Candidates []FoodCandidate `json:"candidates,omitempty"`
}

// ParsedItem is one (query, grams, barcode) triple produced by the
// generative oracle from a free-form meal description.
type ParsedItem struct {
	Query   string  `json:"query"`
	Grams   float64 `json:"grams"`
	Barcode string  `json:"barcode,omitempty"`
}

// ParsedMeal is the oracle's structured parse of a meal description.
type ParsedMeal struct {
	Items               []ParsedItem `json:"items"`
	NeedsClarification  bool         `json:"needs_clarification,omitempty"`
	ClarifyingQuestions []string     `json:"clarifying_questions,omitempty"`
}

// PhotoAnalysis is the oracle's first-pass read of a food photo.
type PhotoAnalysis struct {
	DishType            string   `json:"dish_type,omitempty"`
	EstimatedWeightG    float64  `json:"estimated_weight_g,omitempty"`
	CookingMethod       string   `json:"cooking_method,omitempty"`
	HiddenCalories      []string `json:"hidden_calories,omitempty"`
	ClarifyingQuestions []string `json:"clarifying_questions,omitempty"`
}

// Meal is an immutable confirmed meal record.
type Meal struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	Source         string    `json:"source"` // text/photo/voice/recipe
	DescriptionRaw string    `json:"description_raw,omitempty"`
	Draft          MealDraft `json:"draft"`
	PhotoRef       string    `json:"photo_ref,omitempty"`
	Calories       int       `json:"calories"`
	ProteinG       int       `json:"protein_g"`
	FatG           int       `json:"fat_g"`
	CarbsG         int       `json:"carbs_g"`
	TotalWeightG   int       `json:"total_weight_g"`
}

// PlanProduct is one product line inside a planned meal.
type PlanProduct struct {
	Name  string  `json:"name"`
	Grams float64 `json:"grams"`
	Store string  `json:"store,omitempty"`
}

// PlanMeal is one meal of a generated day plan.
type PlanMeal struct {
	Title    string        `json:"title"`
	Time     string        `json:"time,omitempty"` // HH:MM
	Kcal     float64       `json:"kcal"`
	ProteinG float64       `json:"protein_g"`
	FatG     float64       `json:"fat_g"`
	CarbsG   float64       `json:"carbs_g"`
	Products []PlanProduct `json:"products"`
	Recipe   []string      `json:"recipe,omitempty"`
}

// PlanTotals are the day-level aggregates of a plan.
type PlanTotals struct {
	Kcal     float64 `json:"kcal"`
	ProteinG float64 `json:"protein_g"`
	FatG     float64 `json:"fat_g"`
	CarbsG   float64 `json:"carbs_g"`
}

// ShoppingItem is one line of a day plan's shopping list.
type ShoppingItem struct {
	Name  string  `json:"name"`
	Grams float64 `json:"grams"`
	Store string  `json:"store,omitempty"`
}

// DayPlan is a structured day's worth of meals plus a shopping list.
type DayPlan struct {
	Meals        []PlanMeal     `json:"meals"`
	Totals       PlanTotals     `json:"totals"`
	ShoppingList []ShoppingItem `json:"shopping_list,omitempty"`
}

// Plan is the persisted per-(user, date) plan row. Date uses ISO
// YYYY-MM-DD; the (UserID, Date) pair is unique so regeneration
// overwrites in place.
type Plan struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Date           string    `json:"date"`
	CreatedAt      time.Time `json:"created_at"`
	CaloriesTarget int       `json:"calories_target,omitempty"`
	Plan           DayPlan   `json:"plan"`
	Approved       bool      `json:"approved"`
}

// WeightLog is one weight measurement per (user, date).
type WeightLog struct {
	UserID   int64   `json:"user_id"`
	Date     string  `json:"date"`
	WeightKg float64 `json:"weight_kg"`
}

// WeekStat is a weekly diary analysis snapshot.
type WeekStat struct {
	ID          int64  `json:"id"`
	UserID      int64  `json:"user_id"`
	WeekStart   string `json:"week_start"`
	WeekEnd     string `json:"week_end"`
	AvgCalories int    `json:"avg_calories,omitempty"`
	NotesJSON   string `json:"notes_json,omitempty"`
	WeightEndKg float64 `json:"weight_end_kg,omitempty"`
}

// StatusType represents a message delivery status.
type StatusType string

// Delivery status values emitted by transports.
const (
	StatusTypeSent      StatusType = "sent"
	StatusTypeDelivered StatusType = "delivered"
	StatusTypeRead      StatusType = "read"
)

// Receipt is an outbound delivery receipt event.
type Receipt struct {
	To     string     `json:"to"`
	Status StatusType `json:"status"`
	Time   int64      `json:"time"`
}

// MediaKind classifies inbound message attachments.
type MediaKind string

// Inbound media kinds the transports distinguish.
const (
	MediaKindNone  MediaKind = ""
	MediaKindImage MediaKind = "image"
	MediaKindVoice MediaKind = "voice"
)

// Response is an inbound participant message. Media, when present, is
// referenced by an opaque transport handle resolvable via the transport's
// blob download.
type Response struct {
	From     string    `json:"from"`
	Body     string    `json:"body"`
	Time     int64     `json:"time"`
	Media    MediaKind `json:"media,omitempty"`
	MediaRef string    `json:"media_ref,omitempty"`
}
