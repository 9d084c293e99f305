package attention

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/mnemo/internal/bus"
)

// Default working memory bounds, after the classic 7±2 span.
const (
	DefaultCapacity = 7
	DefaultVariance = 2

	// DefaultOverflowThreshold is the fraction of the hard ceiling at which
	// the overflow warning fires, ahead of forced eviction.
	DefaultOverflowThreshold = 0.85
)

// EvictionHandler receives items forced out of working memory by capacity
// pressure. The consolidation scheduler implements this to queue evicted
// items for routing; delivery through the handler is synchronous and must
// not block.
type EvictionHandler interface {
	HandleEviction(item Item)
}

// StoreConfig bounds a working memory store.
type StoreConfig struct {
	Capacity          int     `json:"capacity"`
	Variance          int     `json:"variance"`
	OverflowThreshold float64 `json:"overflow_threshold"`
}

// DefaultStoreConfig returns the standard 7/2 bounds.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Capacity:          DefaultCapacity,
		Variance:          DefaultVariance,
		OverflowThreshold: DefaultOverflowThreshold,
	}
}

// Store is the bounded working memory container. Each scope owns an
// independent item set guarded by its own lock, so operations on different
// scopes proceed in parallel while admission, capacity check, and eviction
// stay atomic as a unit within a scope.
type Store struct {
	cfg    StoreConfig
	model  Model
	clock  Clock
	events *bus.Bus

	mu      sync.Mutex
	scopes  map[string]*scopeMemory
	handler EvictionHandler
}

type scopeMemory struct {
	mu    sync.Mutex
	items map[string]*Item
}

// NewStore creates a working memory store. Capacity must be positive;
// anything else is a fatal configuration error.
func NewStore(cfg StoreConfig, model Model, clock Clock, events *bus.Bus) (*Store, error) {
	if cfg.Capacity <= 0 {
		return nil, ErrCapacityMisconfigured
	}
	if cfg.Variance < 0 {
		cfg.Variance = 0
	}
	if cfg.OverflowThreshold <= 0 || cfg.OverflowThreshold > 1 {
		cfg.OverflowThreshold = DefaultOverflowThreshold
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Store{
		cfg:    cfg,
		model:  model,
		clock:  clock,
		events: events,
		scopes: make(map[string]*scopeMemory),
	}, nil
}

// SetEvictionHandler wires the consumer of eviction events. Must be called
// before concurrent use.
func (s *Store) SetEvictionHandler(h EvictionHandler) {
	s.handler = h
}

// Ceiling returns the hard item limit (capacity + variance).
func (s *Store) Ceiling() int {
	return s.cfg.Capacity + s.cfg.Variance
}

func (s *Store) overflowSize() int {
	return int(math.Ceil(s.cfg.OverflowThreshold * float64(s.Ceiling())))
}

func (s *Store) scope(scope string) *scopeMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.scopes[scope]
	if !ok {
		sm = &scopeMemory{items: make(map[string]*Item)}
		s.scopes[scope] = sm
	}
	return sm
}

// Scopes lists every scope the store has seen.
func (s *Store) Scopes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.scopes))
	for scope := range s.scopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// Admit inserts an item into the scope's working memory. If the insert
// pushes the scope past the hard ceiling, the lowest-salience items are
// evicted (oldest last-access breaks ties) until the ceiling holds. The
// size invariant is restored before Admit returns.
func (s *Store) Admit(scope string, in ItemInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}

	now := s.clock.Now()
	item := &Item{
		ID:             "itm_" + uuid.New().String(),
		Scope:          scope,
		Type:           in.Type,
		ContentRef:     in.ContentRef,
		Content:        in.Content,
		Importance:     in.Importance,
		Relevance:      in.Relevance,
		Activation:     1.0,
		AccessCount:    1,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	item.Salience = s.model.Salience(item, now)

	sm := s.scope(scope)

	var evicted []Item
	sm.mu.Lock()
	sm.items[item.ID] = item
	for len(sm.items) > s.Ceiling() {
		victim := s.lowestSalienceLocked(sm, now)
		if victim == nil {
			break
		}
		delete(sm.items, victim.ID)
		evicted = append(evicted, *victim)
	}
	size := len(sm.items)
	sm.mu.Unlock()

	s.publish(bus.EventItemAdmitted, scope, map[string]any{
		"item_id":  item.ID,
		"salience": item.Salience,
	})

	for _, ev := range evicted {
		log.Debug().Str("scope", scope).Str("item_id", ev.ID).
			Float64("salience", ev.Salience).Msg("working memory eviction")
		s.publish(bus.EventItemEvicted, scope, map[string]any{
			"item_id":  ev.ID,
			"salience": ev.Salience,
		})
		if s.handler != nil {
			s.handler.HandleEviction(ev)
		}
	}

	if size >= s.overflowSize() {
		log.Warn().Str("scope", scope).Int("size", size).
			Int("ceiling", s.Ceiling()).Msg("working memory overflow threshold reached")
		s.publish(bus.EventMemoryOverflow, scope, map[string]any{"size": size})
	}

	return item.ID, nil
}

// lowestSalienceLocked finds the strictly lowest-salience item, breaking
// ties by oldest last access. Caller holds sm.mu.
func (s *Store) lowestSalienceLocked(sm *scopeMemory, now time.Time) *Item {
	var victim *Item
	for _, it := range sm.items {
		s.model.ApplyDecay(it, now)
		if victim == nil ||
			it.Salience < victim.Salience ||
			(it.Salience == victim.Salience && it.LastAccessedAt.Before(victim.LastAccessedAt)) {
			victim = it
		}
	}
	return victim
}

// Touch records an access: recency and access count update, activation
// refreshes to full, and salience is recomputed. No eviction side effect.
func (s *Store) Touch(scope, itemID string) error {
	now := s.clock.Now()
	sm := s.scope(scope)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	it, ok := sm.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	it.LastAccessedAt = now
	it.Activation = 1.0
	it.AccessCount++
	it.Salience = s.model.Salience(it, now)
	return nil
}

// List returns a snapshot of the scope's items ordered by salience
// descending. Decay is folded in at read time.
func (s *Store) List(scope string) []Item {
	now := s.clock.Now()
	sm := s.scope(scope)

	sm.mu.Lock()
	out := make([]Item, 0, len(sm.items))
	for _, it := range sm.items {
		s.model.ApplyDecay(it, now)
		out = append(out, *it)
	}
	sm.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Salience != out[j].Salience {
			return out[i].Salience > out[j].Salience
		}
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	return out
}

// StaleItems returns copies of items whose activation has decayed below
// the refresh threshold. They remain in working memory until explicitly
// removed after consolidation.
func (s *Store) StaleItems(scope string) []Item {
	now := s.clock.Now()
	sm := s.scope(scope)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	var out []Item
	for _, it := range sm.items {
		if s.model.DecayStale(it, now) {
			s.model.ApplyDecay(it, now)
			out = append(out, *it)
		}
	}
	return out
}

// Remove deletes an item from the scope. Removing an unknown id is a
// no-op, which makes scheduler-driven consolidation idempotent.
func (s *Store) Remove(scope, itemID string) {
	sm := s.scope(scope)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.items, itemID)
}

// Status reports the scope's current load.
func (s *Store) Status(scope string) Status {
	sm := s.scope(scope)

	sm.mu.Lock()
	size := len(sm.items)
	sm.mu.Unlock()

	return Status{
		Size:          size,
		Capacity:      s.cfg.Capacity,
		Variance:      s.cfg.Variance,
		CognitiveLoad: float64(size) / float64(s.Ceiling()),
		Overflow:      size >= s.overflowSize(),
	}
}

func (s *Store) publish(eventType bus.EventType, scope string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(bus.NewEvent(eventType, scope, payload))
}
