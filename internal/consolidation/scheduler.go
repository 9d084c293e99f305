package consolidation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/mnemo/internal/attention"
	"github.com/normanking/mnemo/internal/bus"
)

// DefaultCycleInterval is how often the periodic trigger fires per scope.
const DefaultCycleInterval = 10 * time.Minute

// CycleResult summarizes one consolidation cycle.
type CycleResult struct {
	Scope      string `json:"scope"`
	Reason     string `json:"reason"`
	Candidates int    `json:"candidates"`
	Routed     int    `json:"routed"`
	Deferred   int    `json:"deferred"`
}

// Scheduler drives consolidation cycles. Each scope is a single-flight
// state machine (Idle -> Running -> Idle): a trigger arriving while the
// scope is Running is a logged no-op. Different scopes cycle in parallel.
type Scheduler struct {
	router   *Router
	memory   *attention.Store
	events   *bus.Bus
	interval time.Duration

	mu      sync.Mutex
	runs    map[string]*scopeRun
	evicted map[string][]attention.Item

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
	stopped  bool
	overflow bus.SubscriptionID
	wg       sync.WaitGroup
}

type scopeRun struct {
	running bool
	cancel  context.CancelFunc
}

// NewScheduler wires the scheduler. It registers itself as the working
// memory store's eviction handler.
func NewScheduler(router *Router, memory *attention.Store, events *bus.Bus, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultCycleInterval
	}
	s := &Scheduler{
		router:   router,
		memory:   memory,
		events:   events,
		interval: interval,
		runs:     make(map[string]*scopeRun),
		evicted:  make(map[string][]attention.Item),
		stopCh:   make(chan struct{}),
	}
	memory.SetEvictionHandler(s)
	return s
}

// HandleEviction queues an evicted item as a consolidation candidate and
// nudges the scope's cycle. Must stay cheap: it runs on the admitter's
// goroutine.
func (s *Scheduler) HandleEviction(item attention.Item) {
	s.mu.Lock()
	s.evicted[item.Scope] = append(s.evicted[item.Scope], item)
	s.mu.Unlock()

	go s.Trigger(item.Scope, "eviction")
}

// Trigger starts an asynchronous cycle for the scope. Returns false if a
// cycle is already running (the trigger is skipped, not queued).
func (s *Scheduler) Trigger(scope, reason string) bool {
	ctx, ok := s.begin(scope, reason)
	if !ok {
		return false
	}

	go func() {
		defer s.finish(scope)
		s.cycle(ctx, scope, reason)
	}()
	return true
}

// RunNow executes a cycle synchronously on the caller's goroutine.
// Single-flight still applies; returns nil, false when skipped.
func (s *Scheduler) RunNow(ctx context.Context, scope, reason string) (*CycleResult, bool) {
	runCtx, ok := s.begin(scope, reason)
	if !ok {
		return nil, false
	}
	defer s.finish(scope)

	merged, cancel := mergeDone(ctx, runCtx)
	defer cancel()
	res := s.cycle(merged, scope, reason)
	return res, true
}

// Cancel requests cancellation of the scope's in-flight cycle. The
// currently dispatching item finishes its routing decision first; only
// the remaining candidates are abandoned (they are re-gathered next cycle).
func (s *Scheduler) Cancel(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[scope]; ok && run.running && run.cancel != nil {
		run.cancel()
	}
}

// begin claims the scope's single-flight slot. The wait-group add happens
// under the same lock that Stop uses to set the stopped flag, so a cycle
// can never start after Stop has begun waiting.
func (s *Scheduler) begin(scope, reason string) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		log.Debug().Str("scope", scope).Str("reason", reason).
			Msg("consolidation trigger rejected, scheduler stopped")
		return nil, false
	}

	run, ok := s.runs[scope]
	if !ok {
		run = &scopeRun{}
		s.runs[scope] = run
	}
	if run.running {
		log.Debug().Str("scope", scope).Str("reason", reason).
			Msg("consolidation trigger skipped, cycle already running")
		if s.events != nil {
			s.events.Publish(bus.NewEvent(bus.EventConsolidationSkipped, scope,
				map[string]any{"reason": reason}))
		}
		return nil, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	run.running = true
	run.cancel = cancel
	s.wg.Add(1)
	return ctx, true
}

func (s *Scheduler) finish(scope string) {
	s.mu.Lock()
	if run, ok := s.runs[scope]; ok {
		run.running = false
		if run.cancel != nil {
			run.cancel()
			run.cancel = nil
		}
	}
	s.mu.Unlock()
	s.wg.Done()
}

// cycle gathers the scope's candidates and feeds them to the router one
// at a time. Per-item decision writes are atomic in the audit store, so
// sequential routing keeps the trail consistent without extra locking.
func (s *Scheduler) cycle(ctx context.Context, scope, reason string) *CycleResult {
	evicted := s.takeEvicted(scope)
	pending := s.router.TakePending(scope)
	stale := s.memory.StaleItems(scope)

	res := &CycleResult{
		Scope:      scope,
		Reason:     reason,
		Candidates: len(evicted) + len(pending) + len(stale),
	}

	if s.events != nil {
		s.events.Publish(bus.NewEvent(bus.EventConsolidationStarted, scope,
			map[string]any{"reason": reason, "candidates": res.Candidates}))
	}
	log.Info().Str("scope", scope).Str("reason", reason).
		Int("candidates", res.Candidates).Msg("consolidation cycle started")

	seen := make(map[string]bool, res.Candidates)

	for _, item := range evicted {
		if ctx.Err() != nil {
			s.requeueEvicted(item)
			continue
		}
		seen[item.ID] = true
		if _, err := s.router.Route(ctx, item, TriggerEviction); err != nil {
			res.Deferred++
			continue
		}
		res.Routed++
	}

	for _, p := range pending {
		if ctx.Err() != nil || seen[p.Item.ID] {
			if !seen[p.Item.ID] {
				s.router.addPending(p.Item, p.Trigger)
			}
			continue
		}
		seen[p.Item.ID] = true
		if _, err := s.router.Route(ctx, p.Item, p.Trigger); err != nil {
			res.Deferred++
			continue
		}
		res.Routed++
	}

	for _, item := range stale {
		if ctx.Err() != nil || seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		if _, err := s.router.Route(ctx, item, TriggerDecay); err != nil {
			// The item never left working memory; keep it there rather
			// than in the retry set so it exists in exactly one place.
			s.router.DropPending(item.ID)
			res.Deferred++
			continue
		}
		s.memory.Remove(scope, item.ID)
		res.Routed++
	}

	if s.events != nil {
		s.events.Publish(bus.NewEvent(bus.EventConsolidationCompleted, scope, map[string]any{
			"reason":   reason,
			"routed":   res.Routed,
			"deferred": res.Deferred,
		}))
	}
	log.Info().Str("scope", scope).Int("routed", res.Routed).
		Int("deferred", res.Deferred).Msg("consolidation cycle completed")

	return res
}

func (s *Scheduler) takeEvicted(scope string) []attention.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.evicted[scope]
	delete(s.evicted, scope)
	return items
}

func (s *Scheduler) requeueEvicted(item attention.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted[item.Scope] = append(s.evicted[item.Scope], item)
}

// Start launches the periodic trigger loop and subscribes to overflow
// signals from the working memory store.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if s.events != nil {
		s.overflow = s.events.Subscribe(bus.EventMemoryOverflow, func(ev bus.Event) {
			s.Trigger(ev.Scope, "overflow")
		})
	}

	s.wg.Add(1)
	go s.runLoop()
	log.Info().Dur("interval", s.interval).Msg("consolidation scheduler started")
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, scope := range s.memory.Scopes() {
				s.Trigger(scope, "interval")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop shuts the scheduler down, waiting for in-flight cycles to finish.
// Triggers arriving after Stop are rejected, not queued.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		close(s.stopCh)
		if s.events != nil && s.overflow != "" {
			s.events.Unsubscribe(s.overflow)
		}
		s.wg.Wait()
		log.Info().Msg("consolidation scheduler stopped")
	})
}

// mergeDone returns a context cancelled when either parent is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	go func() {
		select {
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
