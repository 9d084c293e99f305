package consolidation

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/mnemo/internal/attention"
)

// LongTermStore is one layer's sink. Accept must be idempotent on the
// idempotency key: repeated dispatch of the same item returns the id of
// the existing record instead of duplicating it. The router never looks
// behind this interface, so the persistence engine can change freely.
type LongTermStore interface {
	Layer() Layer
	Accept(ctx context.Context, item attention.Item, idempotencyKey string) (string, error)
}

// IdempotencyKey derives a deterministic dispatch key from the item's
// stable identity. The same item always yields the same key, which makes
// retries safe even when partial success is unknown.
func IdempotencyKey(item attention.Item) string {
	sum := sha256.Sum256([]byte(item.Scope + "|" + item.ID))
	return hex.EncodeToString(sum[:16])
}

// SQLiteStore persists one layer's consolidated items in SQLite. All four
// layers share a schema; the layer column partitions them.
type SQLiteStore struct {
	db    *sql.DB
	layer Layer
	clock attention.Clock
}

// NewSQLiteStore creates a layer sink, running migrations on first use.
func NewSQLiteStore(db *sql.DB, layer Layer, clock attention.Clock) (*SQLiteStore, error) {
	if !layer.Valid() {
		return nil, fmt.Errorf("unknown layer %q", layer)
	}
	if clock == nil {
		clock = attention.SystemClock{}
	}
	s := &SQLiteStore{db: db, layer: layer, clock: clock}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate long-term store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS long_term_memories (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			layer TEXT NOT NULL,
			scope TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_type TEXT,
			content TEXT,
			content_ref TEXT,
			importance REAL,
			access_count INTEGER,
			created_at TEXT,
			consolidated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ltm_scope_layer ON long_term_memories(scope, layer);
	`)
	return err
}

// Layer returns the layer this store accepts.
func (s *SQLiteStore) Layer() Layer { return s.layer }

// Accept stores the item. A key collision means the item already landed
// from an earlier attempt; the existing id is returned as success.
func (s *SQLiteStore) Accept(ctx context.Context, item attention.Item, idempotencyKey string) (string, error) {
	id := "ltm_" + uuid.New().String()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO long_term_memories
			(id, idempotency_key, layer, scope, item_id, item_type, content,
			 content_ref, importance, access_count, created_at, consolidated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, idempotencyKey, string(s.layer), item.Scope, item.ID, item.Type,
		item.Content, item.ContentRef, item.Importance, item.AccessCount,
		item.CreatedAt.Format(time.RFC3339), s.clock.Now().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("accept into %s store: %w", s.layer, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate dispatch: the record exists, return its id.
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM long_term_memories WHERE idempotency_key = ?`,
			idempotencyKey).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("lookup existing record: %w", err)
		}
		return existing, nil
	}

	return id, nil
}

// Count returns how many items this layer holds for a scope.
func (s *SQLiteStore) Count(ctx context.Context, scope string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM long_term_memories WHERE scope = ? AND layer = ?
	`, scope, string(s.layer)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s memories: %w", s.layer, err)
	}
	return n, nil
}

// NewLayerStores builds the full layer-to-store map over one database.
func NewLayerStores(db *sql.DB, clock attention.Clock) (map[Layer]LongTermStore, error) {
	stores := make(map[Layer]LongTermStore, 4)
	for _, layer := range ValidLayers() {
		st, err := NewSQLiteStore(db, layer, clock)
		if err != nil {
			return nil, err
		}
		stores[layer] = st
	}
	return stores, nil
}
