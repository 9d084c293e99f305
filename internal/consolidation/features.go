// Package consolidation routes items leaving working memory into exactly
// one long-term layer: feature extraction, learned classification with a
// deterministic rule fallback, idempotent dispatch with bounded retry, and
// an at-most-once routing audit trail, all driven by a per-scope
// single-flight scheduler.
package consolidation

import (
	"regexp"
	"strings"
	"time"

	"github.com/normanking/mnemo/internal/attention"
)

// FeatureVector is the fixed-size feature set extracted from an item
// snapshot. Extraction is pure: the same snapshot and reference time
// always produce the same vector.
type FeatureVector struct {
	Scope    string `json:"scope"`
	ItemType string `json:"item_type"`

	TemporalMarkers      int `json:"temporal_markers"`
	ActionMarkers        int `json:"action_markers"`
	FutureMarkers        int `json:"future_markers"`
	InterrogativeMarkers int `json:"interrogative_markers"`
	ArtifactRefs         int `json:"artifact_refs"`

	Importance  float64 `json:"importance"`
	AccessCount int     `json:"access_count"`
	AgeHours    float64 `json:"age_hours"`
}

// Marker patterns are compiled once. Each group counts occurrences of one
// linguistic signal class over the item content.
var (
	temporalPatterns = compileAll([]string{
		`(?i)\b(yesterday|today|this morning|last (week|night|session))\b`,
		`(?i)\b(at|on) \d{1,2}(:\d{2})?\s?(am|pm)?\b`,
		`(?i)\b(happened|occurred|was|were|did|finished|completed)\b`,
		`(?i)\bon (monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`,
	})
	actionPatterns = compileAll([]string{
		`(?i)\b(how to|steps? to|procedure|workflow|recipe)\b`,
		`(?i)\b(run|execute|install|configure|build|deploy|compile|restart)\b`,
		`(?i)\bfirst\b.*\bthen\b`,
		"`[^`]+`",
	})
	futurePatterns = compileAll([]string{
		`(?i)\b(will|going to|need to|must|should|plan to|intend to)\b`,
		`(?i)\b(tomorrow|next (week|month|session)|later|upcoming|by friday)\b`,
		`(?i)\b(remind|remember to|don't forget|follow.?up|deadline|due)\b`,
		`(?i)\b(todo|goal)\b`,
	})
	interrogativePatterns = compileAll([]string{
		`(?i)\b(what|why|how|when|where|which|who)\b.*\?`,
		`\?`,
	})
	artifactPatterns = compileAll([]string{
		`\b[\w./-]+\.(go|py|ts|js|rs|md|ya?ml|json|sql|sh)\b`,
		`(?i)\b(commit|branch|pr|pull request|issue) #?\w+\b`,
		`https?://\S+`,
	})
)

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, re := range patterns {
		n += len(re.FindAllStringIndex(text, -1))
	}
	return n
}

// ExtractFeatures derives the feature vector from an item snapshot.
func ExtractFeatures(item attention.Item, now time.Time) FeatureVector {
	text := strings.TrimSpace(item.Content)

	return FeatureVector{
		Scope:                item.Scope,
		ItemType:             item.Type,
		TemporalMarkers:      countMatches(temporalPatterns, text),
		ActionMarkers:        countMatches(actionPatterns, text),
		FutureMarkers:        countMatches(futurePatterns, text),
		InterrogativeMarkers: countMatches(interrogativePatterns, text),
		ArtifactRefs:         countMatches(artifactPatterns, text),
		Importance:           item.Importance,
		AccessCount:          item.AccessCount,
		AgeHours:             now.Sub(item.CreatedAt).Hours(),
	}
}
