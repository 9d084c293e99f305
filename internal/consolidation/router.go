package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/mnemo/internal/attention"
	"github.com/normanking/mnemo/internal/bus"
)

var (
	// ErrPendingConsolidation is returned when dispatch retries exhaust.
	// The item stays in the pending-retry set and is reattempted on the
	// next scheduler cycle; it is never dropped.
	ErrPendingConsolidation = errors.New("dispatch failed, consolidation pending retry")
)

// Router defaults.
const (
	DefaultConfidenceThreshold = 0.60

	// DefaultNearTieMargin: two layer probabilities within this margin are
	// treated as a near-tie and broken by historical acceptance.
	DefaultNearTieMargin = 0.05

	DefaultMaxDispatchAttempts = 3
	DefaultBackoffBase         = 100 * time.Millisecond
)

// RouterConfig configures classification and dispatch behavior.
type RouterConfig struct {
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	NearTieMargin       float64       `json:"near_tie_margin"`
	MaxDispatchAttempts int           `json:"max_dispatch_attempts"`
	BackoffBase         time.Duration `json:"backoff_base"`
}

// DefaultRouterConfig returns the standard router tuning.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		NearTieMargin:       DefaultNearTieMargin,
		MaxDispatchAttempts: DefaultMaxDispatchAttempts,
		BackoffBase:         DefaultBackoffBase,
	}
}

// PendingItem is an item whose dispatch failed and awaits retry.
type PendingItem struct {
	Item     attention.Item `json:"item"`
	Trigger  string         `json:"trigger"`
	QueuedAt time.Time      `json:"queued_at"`
}

// Router maps each item leaving working memory to exactly one long-term
// layer and dispatches it there. The learned classifier is the primary
// path; the rule classifier covers unavailability and low confidence.
type Router struct {
	cfg        RouterConfig
	classifier Classifier
	fallback   RuleClassifier
	stores     map[Layer]LongTermStore
	audit      *AuditStore
	clock      attention.Clock
	events     *bus.Bus

	pendingMu sync.Mutex
	pending   map[string]PendingItem
}

// NewRouter wires the router. The classifier may be nil, in which case
// every item takes the fallback path.
func NewRouter(cfg RouterConfig, classifier Classifier, stores map[Layer]LongTermStore, audit *AuditStore, clock attention.Clock, events *bus.Bus) (*Router, error) {
	for _, layer := range ValidLayers() {
		if stores[layer] == nil {
			return nil, fmt.Errorf("no long-term store bound for layer %q", layer)
		}
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MaxDispatchAttempts <= 0 {
		cfg.MaxDispatchAttempts = DefaultMaxDispatchAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if clock == nil {
		clock = attention.SystemClock{}
	}
	return &Router{
		cfg:        cfg,
		classifier: classifier,
		stores:     stores,
		audit:      audit,
		clock:      clock,
		events:     events,
		pending:    make(map[string]PendingItem),
	}, nil
}

// Route classifies and dispatches one item, then writes its routing
// decision. The decision is written regardless of dispatch outcome; on
// failure the item enters the pending-retry set and ErrPendingConsolidation
// is returned.
func (r *Router) Route(ctx context.Context, item attention.Item, trigger string) (*RoutingDecision, error) {
	now := r.clock.Now()
	fv := ExtractFeatures(item, now)

	pred, fallbackUsed := r.classify(ctx, fv)
	layer := r.resolveLayer(ctx, item.Scope, pred)

	key := IdempotencyKey(item)
	storeID, dispatchErr := r.dispatch(ctx, r.stores[layer], item, key)

	decision := &RoutingDecision{
		Scope:        item.Scope,
		ItemID:       item.ID,
		Features:     fv,
		Layer:        layer,
		Confidence:   pred.Confidence,
		FallbackUsed: fallbackUsed,
		Trigger:      trigger,
	}

	if dispatchErr != nil {
		decision.Error = dispatchErr.Error()
		r.addPending(item, trigger)
		log.Warn().Str("scope", item.Scope).Str("item_id", item.ID).
			Str("layer", string(layer)).Err(dispatchErr).
			Msg("dispatch failed, item queued for retry")
	} else {
		decision.Dispatched = true
		decision.StoreID = storeID
		r.removePending(item.ID)
	}

	// The decision is written even when the cycle was cancelled mid-item:
	// cancellation abandons remaining candidates, never an in-flight record.
	if err := r.audit.Record(context.WithoutCancel(ctx), decision); err != nil {
		return decision, fmt.Errorf("audit routing decision: %w", err)
	}

	if r.events != nil {
		r.events.Publish(bus.NewEvent(bus.EventItemRouted, item.Scope, map[string]any{
			"item_id":       item.ID,
			"layer":         string(layer),
			"fallback_used": fallbackUsed,
			"dispatched":    decision.Dispatched,
		}))
	}

	if dispatchErr != nil {
		return decision, fmt.Errorf("%w: %v", ErrPendingConsolidation, dispatchErr)
	}
	return decision, nil
}

// classify runs the primary path and falls back when the classifier is
// unavailable, errors, or is under-confident. The fallback is total, so
// classification as a whole never fails.
func (r *Router) classify(ctx context.Context, fv FeatureVector) (Prediction, bool) {
	if r.classifier != nil {
		pred, err := r.classifier.Classify(ctx, fv)
		if err == nil && pred.Confidence >= r.cfg.ConfidenceThreshold {
			return pred, false
		}
		if err != nil && !errors.Is(err, ErrClassifierUnavailable) {
			log.Warn().Err(err).Msg("classifier error, using rule fallback")
		}
	}

	pred, _ := r.fallback.Classify(ctx, fv)
	return pred, true
}

// resolveLayer applies the near-tie policy: when the top two layer
// probabilities are within the margin, prefer the layer with more
// historical acceptances in this scope; with no history, prefer episodic
// as the conservative default (raw fact preserved, reclassifiable later).
func (r *Router) resolveLayer(ctx context.Context, scope string, pred Prediction) Layer {
	if len(pred.Probabilities) < 2 {
		return pred.Layer
	}

	type ranked struct {
		layer Layer
		prob  float64
	}
	order := make([]ranked, 0, len(pred.Probabilities))
	for l, p := range pred.Probabilities {
		order = append(order, ranked{l, p})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].prob != order[j].prob {
			return order[i].prob > order[j].prob
		}
		return order[i].layer < order[j].layer
	})

	best, second := order[0], order[1]
	if best.prob-second.prob > r.cfg.NearTieMargin {
		return pred.Layer
	}

	counts, err := r.audit.AcceptanceCounts(ctx, scope)
	if err != nil {
		log.Warn().Err(err).Msg("acceptance history unavailable for tie-break")
		counts = nil
	}

	if counts[best.layer] == 0 && counts[second.layer] == 0 {
		if best.layer == LayerEpisodic || second.layer == LayerEpisodic {
			return LayerEpisodic
		}
		return best.layer
	}
	if counts[second.layer] > counts[best.layer] {
		return second.layer
	}
	return best.layer
}

// dispatch calls Accept with bounded exponential backoff. Because the
// idempotency key is stable, a retry after an ambiguous failure cannot
// duplicate storage.
func (r *Router) dispatch(ctx context.Context, store LongTermStore, item attention.Item, key string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxDispatchAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.BackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		storeID, err := store.Accept(ctx, item, key)
		if err == nil {
			return storeID, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("dispatch to %s after %d attempts: %w",
		store.Layer(), r.cfg.MaxDispatchAttempts, lastErr)
}

func (r *Router) addPending(item attention.Item, trigger string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if _, exists := r.pending[item.ID]; exists {
		return
	}
	r.pending[item.ID] = PendingItem{Item: item, Trigger: trigger, QueuedAt: r.clock.Now()}
}

func (r *Router) removePending(itemID string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	delete(r.pending, itemID)
}

// DropPending removes an item from the pending-retry set without routing
// it. The scheduler uses this when a decay-triggered dispatch fails: the
// item stays in working memory, so it must not also sit in the retry set.
func (r *Router) DropPending(itemID string) {
	r.removePending(itemID)
}

// TakePending drains the scope's pending-retry items for the next cycle.
// Items that fail again re-enter the set via Route.
func (r *Router) TakePending(scope string) []PendingItem {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	var out []PendingItem
	for id, p := range r.pending {
		if p.Item.Scope == scope {
			out = append(out, p)
			delete(r.pending, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// PendingCount reports the size of the pending-retry set for a scope.
func (r *Router) PendingCount(scope string) int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	n := 0
	for _, p := range r.pending {
		if p.Item.Scope == scope {
			n++
		}
	}
	return n
}
