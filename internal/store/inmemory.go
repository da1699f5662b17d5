package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mkravets/nutricoach/internal/models"
)

// InMemoryStore is a map-backed Store for tests and ephemeral runs.
type InMemoryStore struct {
	mu sync.Mutex

	nextUserID int64
	nextMealID int64
	nextPlanID int64
	nextStatID int64

	users   map[string]*models.User // by external id
	prefs   map[int64]Preferences
	meals   map[int64][]models.Meal
	plans   map[int64]map[string]models.Plan // userID -> date -> plan
	food    map[string]models.FoodCandidate  // source "/" barcode
	weights map[int64]map[string]float64     // userID -> date -> kg
	stats   map[int64][]models.WeekStat
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[string]*models.User),
		prefs:   make(map[int64]Preferences),
		meals:   make(map[int64][]models.Meal),
		plans:   make(map[int64]map[string]models.Plan),
		food:    make(map[string]models.FoodCandidate),
		weights: make(map[int64]map[string]float64),
		stats:   make(map[int64][]models.WeekStat),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func foodKey(source, barcode string) string { return source + "/" + barcode }

// GetOrCreateUser fetches or creates the user for an external identity.
func (s *InMemoryStore) GetOrCreateUser(_ context.Context, externalID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[externalID]; ok {
		copied := *u
		return &copied, nil
	}
	s.nextUserID++
	now := time.Now().UTC()
	u := &models.User{
		ID:            s.nextUserID,
		ExternalID:    externalID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Country:       "CZ",
		StoresCSV:     "Lidl,Kaufland,Albert",
		TargetsSource: models.TargetsSourceCoach,
	}
	s.users[externalID] = u
	copied := *u
	return &copied, nil
}

// GetUserByExternalID returns the user for an external identity.
func (s *InMemoryStore) GetUserByExternalID(_ context.Context, externalID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

// SaveUser persists the full user row.
func (s *InMemoryStore) SaveUser(_ context.Context, user *models.User) error {
	if err := user.Dialog.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	copied.UpdatedAt = time.Now().UTC()
	s.users[user.ExternalID] = &copied
	return nil
}

// SetDialogState replaces only the dialog state.
func (s *InMemoryStore) SetDialogState(_ context.Context, userID int64, state models.DialogState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			u.Dialog = state
			u.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

// ListCompleteUsers returns all users with a finished profile.
func (s *InMemoryStore) ListCompleteUsers(_ context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []models.User
	for _, u := range s.users {
		if u.ProfileComplete {
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// ResetUser nulls profile fields and wipes history.
func (s *InMemoryStore) ResetUser(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID != userID {
			continue
		}
		*u = models.User{
			ID:            u.ID,
			ExternalID:    u.ExternalID,
			Username:      u.Username,
			CreatedAt:     u.CreatedAt,
			UpdatedAt:     time.Now().UTC(),
			Country:       u.Country,
			StoresCSV:     u.StoresCSV,
			TargetsSource: models.TargetsSourceCoach,
		}
		delete(s.prefs, userID)
		delete(s.meals, userID)
		delete(s.plans, userID)
		delete(s.weights, userID)
		delete(s.stats, userID)
		return nil
	}
	return ErrNotFound
}

// GetPreferences returns a copy of the user's preference document.
func (s *InMemoryStore) GetPreferences(_ context.Context, userID int64) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Preferences{}
	for k, v := range s.prefs[userID] {
		out[k] = v
	}
	return out, nil
}

// MergePreferences shallow-merges patch into the stored document.
func (s *InMemoryStore) MergePreferences(_ context.Context, userID int64, patch Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[userID] = mergeDocs(s.prefs[userID], patch)
	return nil
}

// AddMeal appends a confirmed meal record.
func (s *InMemoryStore) AddMeal(_ context.Context, meal *models.Meal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMealID++
	meal.ID = s.nextMealID
	if meal.CreatedAt.IsZero() {
		meal.CreatedAt = time.Now().UTC()
	}
	s.meals[meal.UserID] = append(s.meals[meal.UserID], *meal)
	return nil
}

// ListMealsSince returns meals created at or after since, oldest first.
func (s *InMemoryStore) ListMealsSince(_ context.Context, userID int64, since time.Time) ([]models.Meal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Meal
	for _, m := range s.meals[userID] {
		if !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertPlan inserts or replaces the plan for (user, date).
func (s *InMemoryStore) UpsertPlan(_ context.Context, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDate, ok := s.plans[plan.UserID]
	if !ok {
		byDate = make(map[string]models.Plan)
		s.plans[plan.UserID] = byDate
	}
	if existing, ok := byDate[plan.Date]; ok {
		plan.ID = existing.ID
	} else {
		s.nextPlanID++
		plan.ID = s.nextPlanID
	}
	plan.CreatedAt = time.Now().UTC()
	byDate[plan.Date] = *plan
	return nil
}

// GetPlan returns the plan for (user, date).
func (s *InMemoryStore) GetPlan(_ context.Context, userID int64, date string) (*models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[userID][date]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// ListPlansFrom returns up to limit plans at or after fromDate, ascending.
func (s *InMemoryStore) ListPlansFrom(_ context.Context, userID int64, fromDate string, limit int) ([]models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Plan
	for date, p := range s.plans[userID] {
		if date >= fromDate {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApprovePlan marks the plan for (user, date) as approved.
func (s *InMemoryStore) ApprovePlan(_ context.Context, userID int64, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[userID][date]
	if !ok {
		return ErrNotFound
	}
	p.Approved = true
	s.plans[userID][date] = p
	return nil
}

// GetCachedFood returns the cached candidate for (source, barcode).
func (s *InMemoryStore) GetCachedFood(_ context.Context, source, barcode string) (*models.FoodCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.food[foodKey(source, barcode)]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// PutCachedFood inserts or refreshes a cached candidate.
func (s *InMemoryStore) PutCachedFood(_ context.Context, c models.FoodCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.food[foodKey(c.Source, c.Barcode)] = c
	return nil
}

// AddWeightLog upserts the weight entry for (user, date).
func (s *InMemoryStore) AddWeightLog(_ context.Context, log models.WeightLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDate, ok := s.weights[log.UserID]
	if !ok {
		byDate = make(map[string]float64)
		s.weights[log.UserID] = byDate
	}
	byDate[log.Date] = log.WeightKg
	return nil
}

// ListWeightLogs returns up to limit entries, newest first.
func (s *InMemoryStore) ListWeightLogs(_ context.Context, userID int64, limit int) ([]models.WeightLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WeightLog
	for date, kg := range s.weights[userID] {
		out = append(out, models.WeightLog{UserID: userID, Date: date, WeightKg: kg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddWeekStat appends a weekly stats snapshot.
func (s *InMemoryStore) AddWeekStat(_ context.Context, stat *models.WeekStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStatID++
	stat.ID = s.nextStatID
	s.stats[stat.UserID] = append(s.stats[stat.UserID], *stat)
	return nil
}

// ListWeekStats returns up to limit snapshots, newest first.
func (s *InMemoryStore) ListWeekStats(_ context.Context, userID int64, limit int) ([]models.WeekStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.WeekStat(nil), s.stats[userID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart > out[j].WeekStart })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
