package consolidation

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/normanking/mnemo/internal/attention"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testAudit(t *testing.T) *AuditStore {
	t.Helper()
	audit, err := NewAuditStore(testDB(t), newFakeClock())
	require.NoError(t, err)
	return audit
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore is an in-memory layer sink. It can be told to fail a number of
// Accept calls before succeeding, and stays idempotent on the key like the
// real store.
type memStore struct {
	layer Layer

	mu       sync.Mutex
	failures int
	accepted map[string]string
	blocked  chan struct{}
	entered  chan struct{}
}

func newMemStore(layer Layer) *memStore {
	return &memStore{layer: layer, accepted: make(map[string]string)}
}

func (s *memStore) Layer() Layer { return s.layer }

func (s *memStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// block makes every Accept wait until the returned release func is called.
// The entered channel receives once per Accept call that hits the gate.
func (s *memStore) block() (entered <-chan struct{}, release func()) {
	ch := make(chan struct{})
	ent := make(chan struct{}, 16)
	s.mu.Lock()
	s.blocked = ch
	s.entered = ent
	s.mu.Unlock()
	return ent, func() { close(ch) }
}

func (s *memStore) Accept(ctx context.Context, item attention.Item, key string) (string, error) {
	s.mu.Lock()
	blocked := s.blocked
	ent := s.entered
	s.mu.Unlock()
	if blocked != nil {
		select {
		case ent <- struct{}{}:
		default:
		}
		select {
		case <-blocked:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return "", errors.New("store unavailable")
	}
	if id, ok := s.accepted[key]; ok {
		return id, nil
	}
	id := "mem_" + key[:8]
	s.accepted[key] = id
	return id, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accepted)
}

func memStores() map[Layer]LongTermStore {
	stores := make(map[Layer]LongTermStore, 4)
	for _, layer := range ValidLayers() {
		stores[layer] = newMemStore(layer)
	}
	return stores
}

// stubClassifier returns a fixed prediction or error.
type stubClassifier struct {
	pred Prediction
	err  error
}

func (c *stubClassifier) Classify(ctx context.Context, fv FeatureVector) (Prediction, error) {
	if c.err != nil {
		return Prediction{}, c.err
	}
	return c.pred, nil
}

func testItem(id, scope, content string) attention.Item {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return attention.Item{
		ID:             id,
		Scope:          scope,
		Content:        content,
		Importance:     0.5,
		Relevance:      0.5,
		Activation:     1.0,
		AccessCount:    1,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

func testRouterConfig() RouterConfig {
	cfg := DefaultRouterConfig()
	cfg.BackoffBase = time.Millisecond
	return cfg
}
