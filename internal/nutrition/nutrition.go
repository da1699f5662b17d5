// Package nutrition computes calorie and macro targets from body
// metrics. Pure arithmetic, no I/O.
package nutrition

import (
	"fmt"
	"math"
	"strings"
)

// Goal names accepted by the calculator.
const (
	GoalLoss     = "loss"
	GoalMaintain = "maintain"
	GoalGain     = "gain"
	GoalRecomp   = "recomp"
)

// Activity level names accepted by the calculator.
const (
	ActivityLow    = "low"
	ActivityMedium = "medium"
	ActivityHigh   = "high"
)

// Input is the full set of metrics needed for a targets calculation.
// DeficitPct, when nil, falls back to the goal's default tempo and is
// clamped to the goal's allowed range either way. Positive values mean
// a deficit, negative a surplus.
type Input struct {
	Sex           string
	Age           int
	HeightCm      float64
	WeightKg      float64
	ActivityLevel string
	Goal          string
	DeficitPct    *float64
}

// Targets are the daily calorie and macro gram targets.
type Targets struct {
	Calories int `json:"calories"`
	ProteinG int `json:"protein_g"`
	FatG     int `json:"fat_g"`
	CarbsG   int `json:"carbs_g"`
}

// CalcMeta is the intermediate calculation metadata kept alongside the
// targets for display and later recalibration.
type CalcMeta struct {
	BMR         int     `json:"bmr"`
	TDEE        int     `json:"tdee"`
	Goal        string  `json:"goal"`
	DeficitPct  float64 `json:"deficit_pct"`
	DeficitKcal int     `json:"deficit_kcal"`
}

var activityMultipliers = map[string]float64{
	ActivityLow:    1.2,
	ActivityMedium: 1.55,
	ActivityHigh:   1.725,
}

var defaultDeficit = map[string]float64{
	GoalLoss:     0.15,
	GoalMaintain: 0,
	GoalGain:     -0.10,
	GoalRecomp:   0.10,
}

type deficitRange struct{ min, max float64 }

var deficitRanges = map[string]deficitRange{
	GoalLoss:     {0.10, 0.30},
	GoalMaintain: {0, 0},
	GoalGain:     {-0.15, -0.05},
	GoalRecomp:   {0.05, 0.15},
}

// ComputeTargets returns the calorie/macro targets for the given input.
func ComputeTargets(in Input) (Targets, error) {
	t, _, err := ComputeTargetsWithMeta(in)
	return t, err
}

// ComputeTargetsWithMeta returns the targets plus the BMR/TDEE/deficit
// breakdown. BMR uses Mifflin-St Jeor; protein is 1.8 g/kg for gain and
// recomp goals, otherwise 1.6 g/kg; fat is 0.8 g/kg; carbs take the
// calorie remainder.
func ComputeTargetsWithMeta(in Input) (Targets, CalcMeta, error) {
	if in.Age <= 0 || in.HeightCm <= 0 || in.WeightKg <= 0 {
		return Targets{}, CalcMeta{}, fmt.Errorf("invalid metrics: age=%d height=%.1f weight=%.1f", in.Age, in.HeightCm, in.WeightKg)
	}
	sex := strings.ToLower(strings.TrimSpace(in.Sex))
	if sex != "male" && sex != "female" {
		return Targets{}, CalcMeta{}, fmt.Errorf("invalid sex %q", in.Sex)
	}
	goal := strings.ToLower(strings.TrimSpace(in.Goal))
	rng, ok := deficitRanges[goal]
	if !ok {
		return Targets{}, CalcMeta{}, fmt.Errorf("invalid goal %q", in.Goal)
	}
	mult, ok := activityMultipliers[strings.ToLower(strings.TrimSpace(in.ActivityLevel))]
	if !ok {
		return Targets{}, CalcMeta{}, fmt.Errorf("invalid activity level %q", in.ActivityLevel)
	}

	bmr := 10*in.WeightKg + 6.25*in.HeightCm - 5*float64(in.Age)
	if sex == "male" {
		bmr += 5
	} else {
		bmr -= 161
	}
	tdee := bmr * mult

	pct := defaultDeficit[goal]
	if in.DeficitPct != nil {
		pct = *in.DeficitPct
	}
	pct = math.Min(math.Max(pct, rng.min), rng.max)

	calories := tdee * (1 - pct)

	proteinPerKg := 1.6
	if goal == GoalGain || goal == GoalRecomp {
		proteinPerKg = 1.8
	}
	proteinG := proteinPerKg * in.WeightKg
	fatG := 0.8 * in.WeightKg
	carbsG := math.Max((calories-proteinG*4-fatG*9)/4, 0)

	targets := Targets{
		Calories: int(math.Round(calories)),
		ProteinG: int(math.Round(proteinG)),
		FatG:     int(math.Round(fatG)),
		CarbsG:   int(math.Round(carbsG)),
	}
	meta := CalcMeta{
		BMR:         int(math.Round(bmr)),
		TDEE:        int(math.Round(tdee)),
		Goal:        goal,
		DeficitPct:  pct,
		DeficitKcal: int(math.Round(tdee - calories)),
	}
	return targets, meta, nil
}
