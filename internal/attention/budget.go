package attention

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FocusArea is the activity a scope's attention is currently allocated to.
type FocusArea string

const (
	FocusCoding    FocusArea = "coding"
	FocusDebugging FocusArea = "debugging"
	FocusLearning  FocusArea = "learning"
	FocusPlanning  FocusArea = "planning"
	FocusReviewing FocusArea = "reviewing"
)

// ValidFocusAreas returns the fixed focus area set.
func ValidFocusAreas() []FocusArea {
	return []FocusArea{FocusCoding, FocusDebugging, FocusLearning, FocusPlanning, FocusReviewing}
}

// Valid reports whether the area is one of the fixed set.
func (a FocusArea) Valid() bool {
	for _, v := range ValidFocusAreas() {
		if a == v {
			return true
		}
	}
	return false
}

// Costs of a context switch: a one-time energy debit plus a fatigue bump.
const (
	DefaultSwitchEnergyCost  = 0.05
	DefaultSwitchFatigueGain = 0.08
)

// Budget is the per-scope attention ledger. All levels are clamped to
// [0,1] after every update; the switch counter is monotonic within a
// session and resets at session boundaries.
type Budget struct {
	Scope              string    `json:"scope"`
	FocusArea          FocusArea `json:"focus_area"`
	FocusLevel         float64   `json:"focus_level"`
	MentalEnergy       float64   `json:"mental_energy"`
	FatigueLevel       float64   `json:"fatigue_level"`
	ContextSwitchCount int       `json:"context_switch_count"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// BudgetTracker owns the budgets for all scopes. It enforces no invariant
// on working memory; it only supplies an auxiliary relevance signal.
type BudgetTracker struct {
	mu     sync.Mutex
	scopes map[string]*Budget
	clock  Clock

	switchEnergyCost  float64
	switchFatigueGain float64
}

// NewBudgetTracker creates a tracker with the standard switch costs.
func NewBudgetTracker(clock Clock) *BudgetTracker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &BudgetTracker{
		scopes:            make(map[string]*Budget),
		clock:             clock,
		switchEnergyCost:  DefaultSwitchEnergyCost,
		switchFatigueGain: DefaultSwitchFatigueGain,
	}
}

func (t *BudgetTracker) budgetLocked(scope string) *Budget {
	b, ok := t.scopes[scope]
	if !ok {
		b = &Budget{
			Scope:        scope,
			MentalEnergy: 1.0,
			UpdatedAt:    t.clock.Now(),
		}
		t.scopes[scope] = b
	}
	return b
}

// SetFocus sets the current focus area and level. The level is clamped to
// [0,1]; an area outside the fixed set is rejected.
func (t *BudgetTracker) SetFocus(scope string, area FocusArea, level float64) error {
	if !area.Valid() {
		return fmt.Errorf("unknown focus area %q", area)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(scope)
	b.FocusArea = area
	b.FocusLevel = clamp01(level)
	b.UpdatedAt = t.clock.Now()
	return nil
}

// RecordContextSwitch increments the switch counter, debits mental energy
// once, and raises fatigue by a fixed increment.
func (t *BudgetTracker) RecordContextSwitch(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(scope)
	b.ContextSwitchCount++
	b.MentalEnergy = clamp01(b.MentalEnergy - t.switchEnergyCost)
	b.FatigueLevel = clamp01(b.FatigueLevel + t.switchFatigueGain)
	b.UpdatedAt = t.clock.Now()

	log.Debug().Str("scope", scope).Int("switches", b.ContextSwitchCount).
		Float64("energy", b.MentalEnergy).Msg("context switch recorded")
}

// UpdateMentalEnergy decreases energy by the activity cost, floored at 0.
func (t *BudgetTracker) UpdateMentalEnergy(scope string, activityCost float64) {
	if activityCost < 0 {
		activityCost = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(scope)
	b.MentalEnergy = clamp01(b.MentalEnergy - activityCost)
	b.UpdatedAt = t.clock.Now()
}

// ResetSession handles the explicit session-boundary signal: energy back
// to full, fatigue cleared, switch counter restarted.
func (t *BudgetTracker) ResetSession(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(scope)
	b.MentalEnergy = 1.0
	b.FatigueLevel = 0
	b.ContextSwitchCount = 0
	b.UpdatedAt = t.clock.Now()

	log.Info().Str("scope", scope).Msg("attention budget reset at session boundary")
}

// Get returns a copy of the scope's budget.
func (t *BudgetTracker) Get(scope string) Budget {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.budgetLocked(scope)
}

// RelevanceSignal derives the auxiliary relevance input the budget feeds
// into salience scoring: engaged, rested attention raises it, fatigue
// lowers it.
func (t *BudgetTracker) RelevanceSignal(scope string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.budgetLocked(scope)
	return clamp01(b.FocusLevel*b.MentalEnergy*(1-b.FatigueLevel/2) + (1-b.FocusLevel)*0.25)
}
