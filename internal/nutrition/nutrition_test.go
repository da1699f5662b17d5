package nutrition

import (
	"math"
	"testing"
)

func TestComputeTargetsWithMetaMale(t *testing.T) {
	in := Input{Sex: "male", Age: 30, HeightCm: 180, WeightKg: 80, ActivityLevel: ActivityMedium, Goal: GoalLoss}
	targets, meta, err := ComputeTargetsWithMeta(in)
	if err != nil {
		t.Fatalf("ComputeTargetsWithMeta() error = %v", err)
	}
	// BMR = 10*80 + 6.25*180 - 5*30 + 5 = 1780
	if meta.BMR != 1780 {
		t.Errorf("BMR = %d, want 1780", meta.BMR)
	}
	// TDEE = 1780 * 1.55 = 2759
	if meta.TDEE != 2759 {
		t.Errorf("TDEE = %d, want 2759", meta.TDEE)
	}
	if meta.DeficitPct != 0.15 {
		t.Errorf("DeficitPct = %v, want 0.15", meta.DeficitPct)
	}
	// calories = 2759 * 0.85 = 2345.15
	if targets.Calories != 2345 {
		t.Errorf("Calories = %d, want 2345", targets.Calories)
	}
	if targets.ProteinG != 128 { // 1.6 * 80
		t.Errorf("ProteinG = %d, want 128", targets.ProteinG)
	}
	if targets.FatG != 64 { // 0.8 * 80
		t.Errorf("FatG = %d, want 64", targets.FatG)
	}
	wantCarbs := int(math.Round((2759.0*0.85 - 128*4 - 64*9) / 4))
	if targets.CarbsG != wantCarbs {
		t.Errorf("CarbsG = %d, want %d", targets.CarbsG, wantCarbs)
	}
}

func TestComputeTargetsFemaleOffset(t *testing.T) {
	male, _, err := ComputeTargetsWithMeta(Input{Sex: "male", Age: 28, HeightCm: 165, WeightKg: 60, ActivityLevel: ActivityLow, Goal: GoalMaintain})
	if err != nil {
		t.Fatal(err)
	}
	_, femMeta, err := ComputeTargetsWithMeta(Input{Sex: "female", Age: 28, HeightCm: 165, WeightKg: 60, ActivityLevel: ActivityLow, Goal: GoalMaintain})
	if err != nil {
		t.Fatal(err)
	}
	_ = male
	// female BMR = 600 + 1031.25 - 140 - 161 = 1330.25
	if femMeta.BMR != 1330 {
		t.Errorf("female BMR = %d, want 1330", femMeta.BMR)
	}
}

func TestDeficitClamping(t *testing.T) {
	tests := []struct {
		goal    string
		pct     float64
		wantPct float64
	}{
		{GoalLoss, 0.50, 0.30},
		{GoalLoss, 0.05, 0.10},
		{GoalMaintain, 0.10, 0},
		{GoalGain, -0.30, -0.15},
		{GoalGain, 0.10, -0.05},
		{GoalRecomp, 0.01, 0.05},
		{GoalRecomp, 0.40, 0.15},
	}
	for _, tt := range tests {
		pct := tt.pct
		_, meta, err := ComputeTargetsWithMeta(Input{
			Sex: "male", Age: 35, HeightCm: 175, WeightKg: 75,
			ActivityLevel: ActivityMedium, Goal: tt.goal, DeficitPct: &pct,
		})
		if err != nil {
			t.Fatalf("goal %s pct %v: %v", tt.goal, tt.pct, err)
		}
		if meta.DeficitPct != tt.wantPct {
			t.Errorf("goal %s pct %v: clamped to %v, want %v", tt.goal, tt.pct, meta.DeficitPct, tt.wantPct)
		}
	}
}

func TestProteinPerKgByGoal(t *testing.T) {
	base := Input{Sex: "male", Age: 30, HeightCm: 180, WeightKg: 100, ActivityLevel: ActivityHigh}
	for goal, want := range map[string]int{GoalLoss: 160, GoalMaintain: 160, GoalGain: 180, GoalRecomp: 180} {
		in := base
		in.Goal = goal
		targets, err := ComputeTargets(in)
		if err != nil {
			t.Fatalf("goal %s: %v", goal, err)
		}
		if targets.ProteinG != want {
			t.Errorf("goal %s: ProteinG = %d, want %d", goal, targets.ProteinG, want)
		}
	}
}

func TestComputeTargetsInvalidInput(t *testing.T) {
	bad := []Input{
		{Sex: "male", Age: 0, HeightCm: 180, WeightKg: 80, ActivityLevel: ActivityLow, Goal: GoalLoss},
		{Sex: "other", Age: 30, HeightCm: 180, WeightKg: 80, ActivityLevel: ActivityLow, Goal: GoalLoss},
		{Sex: "male", Age: 30, HeightCm: 180, WeightKg: 80, ActivityLevel: "extreme", Goal: GoalLoss},
		{Sex: "male", Age: 30, HeightCm: 180, WeightKg: 80, ActivityLevel: ActivityLow, Goal: "bulk"},
	}
	for i, in := range bad {
		if _, err := ComputeTargets(in); err == nil {
			t.Errorf("case %d: expected error, got nil", i)
		}
	}
}
