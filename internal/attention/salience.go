package attention

import (
	"math"
	"time"
)

// Default salience model parameters. The weights sum to 1 so the composite
// score stays in [0,1] when its inputs do.
const (
	DefaultRecencyWeight    = 0.40
	DefaultImportanceWeight = 0.35
	DefaultRelevanceWeight  = 0.25

	// DefaultRecencyHalfLife is the elapsed time at which the recency
	// score drops to 0.5.
	DefaultRecencyHalfLife = 2 * time.Hour

	// DefaultDecayRate is the per-hour activation decay factor.
	DefaultDecayRate = 0.10

	// DefaultRefreshThreshold marks items as decay-stale consolidation
	// candidates once activation falls below it.
	DefaultRefreshThreshold = 0.30
)

// Model computes composite salience and activation decay. It holds no
// mutable state; every method is a pure function of its inputs and the
// supplied time.
type Model struct {
	RecencyWeight    float64 `json:"recency_weight"`
	ImportanceWeight float64 `json:"importance_weight"`
	RelevanceWeight  float64 `json:"relevance_weight"`

	RecencyHalfLife  time.Duration `json:"recency_half_life"`
	DecayRate        float64       `json:"decay_rate"`
	RefreshThreshold float64       `json:"refresh_threshold"`
}

// DefaultModel returns the standard salience model.
func DefaultModel() Model {
	return Model{
		RecencyWeight:    DefaultRecencyWeight,
		ImportanceWeight: DefaultImportanceWeight,
		RelevanceWeight:  DefaultRelevanceWeight,
		RecencyHalfLife:  DefaultRecencyHalfLife,
		DecayRate:        DefaultDecayRate,
		RefreshThreshold: DefaultRefreshThreshold,
	}
}

// RecencyScore maps elapsed time since last access onto (0,1] with
// exponential half-life decay.
func (m Model) RecencyScore(lastAccessed, now time.Time) float64 {
	elapsed := now.Sub(lastAccessed)
	if elapsed <= 0 {
		return 1
	}
	halfLives := float64(elapsed) / float64(m.RecencyHalfLife)
	return math.Pow(0.5, halfLives)
}

// Salience computes the composite score for an item at the given time.
// Deterministic: the same item snapshot and the same now always yield
// the same score.
func (m Model) Salience(it *Item, now time.Time) float64 {
	score := m.RecencyWeight*m.RecencyScore(it.LastAccessedAt, now) +
		m.ImportanceWeight*it.Importance +
		m.RelevanceWeight*it.Relevance
	return clamp01(score)
}

// DecayedActivation computes the activation the item would have at the
// given time without mutating it. Decay is lazy: no background timer is
// needed, only elapsed wall-clock time.
func (m Model) DecayedActivation(it *Item, now time.Time) float64 {
	elapsedHours := now.Sub(it.LastAccessedAt).Hours()
	if elapsedHours <= 0 {
		return it.Activation
	}
	return clamp01(it.Activation * math.Pow(1-m.DecayRate, elapsedHours))
}

// ApplyDecay folds elapsed decay into the item's stored activation and
// refreshes the cached salience.
func (m Model) ApplyDecay(it *Item, now time.Time) {
	it.Activation = m.DecayedActivation(it, now)
	it.Salience = m.Salience(it, now)
}

// DecayStale reports whether the item's activation has dropped below the
// refresh threshold, making it a proactive consolidation candidate even
// before capacity pressure forces eviction.
func (m Model) DecayStale(it *Item, now time.Time) bool {
	return m.DecayedActivation(it, now) < m.RefreshThreshold
}
