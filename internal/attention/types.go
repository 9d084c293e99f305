// Package attention implements the capacity-bounded working memory layer:
// salience scoring with activation decay, a per-scope bounded item store
// with lowest-salience eviction, and the attention budget that tracks
// focus, mental energy, and fatigue per scope.
package attention

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrCapacityMisconfigured is a fatal configuration error raised when
	// working memory capacity is zero or negative.
	ErrCapacityMisconfigured = errors.New("working memory capacity misconfigured")

	// ErrInvalidSalienceInput rejects admissions whose importance or
	// relevance fall outside [0,1].
	ErrInvalidSalienceInput = errors.New("importance and relevance must be within [0,1]")

	// ErrItemNotFound is returned by Touch for unknown item ids.
	ErrItemNotFound = errors.New("item not found in working memory")
)

// Clock is the injected time source used for decay and recency computation.
// Tests substitute a fake clock to make salience deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// Item is a single unit of attention held in working memory.
// Salience is derived from the other fields and recomputed whenever
// recency changes; it is cached here only for ordering.
type Item struct {
	ID         string `json:"id"`
	Scope      string `json:"scope"`
	Type       string `json:"type"`
	ContentRef string `json:"content_ref,omitempty"`
	Content    string `json:"content"`

	Importance float64 `json:"importance"`
	Relevance  float64 `json:"relevance"`
	Activation float64 `json:"activation"`
	Salience   float64 `json:"salience"`

	AccessCount    int       `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// ItemInput is the caller-supplied portion of an admission request.
type ItemInput struct {
	Type       string  `json:"type"`
	ContentRef string  `json:"content_ref,omitempty"`
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
	Relevance  float64 `json:"relevance"`
}

// Validate checks the salience inputs. NaN is rejected explicitly: it
// slips past range comparisons and would poison salience ordering.
func (in ItemInput) Validate() error {
	if math.IsNaN(in.Importance) || math.IsNaN(in.Relevance) ||
		in.Importance < 0 || in.Importance > 1 ||
		in.Relevance < 0 || in.Relevance > 1 {
		return ErrInvalidSalienceInput
	}
	return nil
}

// Status reports the load of one scope's working memory.
type Status struct {
	Size          int     `json:"size"`
	Capacity      int     `json:"capacity"`
	Variance      int     `json:"variance"`
	CognitiveLoad float64 `json:"cognitive_load"`
	Overflow      bool    `json:"overflow"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
