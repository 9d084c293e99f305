package consolidation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/mnemo/internal/attention"
)

// Trigger records what caused an item to be consolidated. The audit trail
// is uniform across triggers; the column keeps the distinction recoverable.
const (
	TriggerEviction = "eviction"
	TriggerDecay    = "decay"
	TriggerManual   = "manual"
)

// RoutingDecision is the audit record for one item's consolidation. There
// is exactly one decision per item ever: a retried dispatch updates the
// existing row rather than inserting a second one.
type RoutingDecision struct {
	ID           string        `json:"id"`
	Scope        string        `json:"scope"`
	ItemID       string        `json:"item_id"`
	Features     FeatureVector `json:"features"`
	Layer        Layer         `json:"layer"`
	Confidence   float64       `json:"confidence"`
	FallbackUsed bool          `json:"fallback_used"`
	Trigger      string        `json:"trigger"`
	Dispatched   bool          `json:"dispatched"`
	StoreID      string        `json:"store_id,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// RoutingStats aggregates the audit trail for one scope.
type RoutingStats struct {
	Total         int           `json:"total"`
	Dispatched    int           `json:"dispatched"`
	Failed        int           `json:"failed"`
	FallbackCount int           `json:"fallback_count"`
	PerLayer      map[Layer]int `json:"per_layer"`
}

// AuditStore persists routing decisions in SQLite.
type AuditStore struct {
	db    *sql.DB
	clock attention.Clock
}

// NewAuditStore creates the audit store, running migrations.
func NewAuditStore(db *sql.DB, clock attention.Clock) (*AuditStore, error) {
	if clock == nil {
		clock = attention.SystemClock{}
	}
	s := &AuditStore{db: db, clock: clock}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate audit store: %w", err)
	}
	return s, nil
}

func (s *AuditStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS routing_decisions (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			item_id TEXT NOT NULL UNIQUE,
			features TEXT,
			layer TEXT NOT NULL,
			confidence REAL,
			fallback_used INTEGER NOT NULL DEFAULT 0,
			trigger_kind TEXT,
			dispatched INTEGER NOT NULL DEFAULT 0,
			store_id TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_scope ON routing_decisions(scope, created_at);
	`)
	return err
}

// Record writes a decision. The UNIQUE(item_id) constraint is the
// at-most-once anchor: a second write for the same item updates the
// dispatch outcome of the original row in place.
func (s *AuditStore) Record(ctx context.Context, d *RoutingDecision) error {
	if d.ID == "" {
		d.ID = "dec_" + uuid.New().String()
	}
	now := s.clock.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	featuresJSON, err := json.Marshal(d.Features)
	if err != nil {
		featuresJSON = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions
			(id, scope, item_id, features, layer, confidence, fallback_used,
			 trigger_kind, dispatched, store_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			layer = excluded.layer,
			confidence = excluded.confidence,
			fallback_used = excluded.fallback_used,
			dispatched = excluded.dispatched,
			store_id = excluded.store_id,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, d.ID, d.Scope, d.ItemID, string(featuresJSON), string(d.Layer), d.Confidence,
		boolToInt(d.FallbackUsed), d.Trigger, boolToInt(d.Dispatched), d.StoreID,
		d.Error, d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record routing decision: %w", err)
	}
	return nil
}

// History returns the most recent decisions for a scope, newest first.
func (s *AuditStore) History(ctx context.Context, scope string, limit int) ([]RoutingDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, item_id, features, layer, confidence, fallback_used,
		       trigger_kind, dispatched, store_id, error, created_at, updated_at
		FROM routing_decisions
		WHERE scope = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, scope, limit)
	if err != nil {
		return nil, fmt.Errorf("query routing history: %w", err)
	}
	defer rows.Close()

	return scanDecisions(rows)
}

// DecisionForItem returns the decision referencing an item, or nil.
func (s *AuditStore) DecisionForItem(ctx context.Context, itemID string) (*RoutingDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, item_id, features, layer, confidence, fallback_used,
		       trigger_kind, dispatched, store_id, error, created_at, updated_at
		FROM routing_decisions
		WHERE item_id = ?
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query decision for item: %w", err)
	}
	defer rows.Close()

	decisions, err := scanDecisions(rows)
	if err != nil || len(decisions) == 0 {
		return nil, err
	}
	return &decisions[0], nil
}

// AcceptanceCounts returns, per layer, how many dispatches succeeded for
// the scope. Feeds the near-tie preference for historically accepted layers.
func (s *AuditStore) AcceptanceCounts(ctx context.Context, scope string) (map[Layer]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT layer, COUNT(*)
		FROM routing_decisions
		WHERE scope = ? AND dispatched = 1
		GROUP BY layer
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("query acceptance counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Layer]int)
	for rows.Next() {
		var layer string
		var n int
		if err := rows.Scan(&layer, &n); err != nil {
			return nil, fmt.Errorf("scan acceptance count: %w", err)
		}
		counts[Layer(layer)] = n
	}
	return counts, rows.Err()
}

// Stats aggregates the scope's audit trail.
func (s *AuditStore) Stats(ctx context.Context, scope string) (*RoutingStats, error) {
	stats := &RoutingStats{PerLayer: make(map[Layer]int)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(dispatched), 0),
		       COALESCE(SUM(CASE WHEN dispatched = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(fallback_used), 0)
		FROM routing_decisions
		WHERE scope = ?
	`, scope).Scan(&stats.Total, &stats.Dispatched, &stats.Failed, &stats.FallbackCount)
	if err != nil {
		return nil, fmt.Errorf("query routing stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT layer, COUNT(*) FROM routing_decisions WHERE scope = ? GROUP BY layer
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("query per-layer stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var layer string
		var n int
		if err := rows.Scan(&layer, &n); err != nil {
			return nil, fmt.Errorf("scan layer stat: %w", err)
		}
		stats.PerLayer[Layer(layer)] = n
	}
	return stats, rows.Err()
}

func scanDecisions(rows *sql.Rows) ([]RoutingDecision, error) {
	var out []RoutingDecision
	for rows.Next() {
		var d RoutingDecision
		var features, createdAt, updatedAt string
		var fallback, dispatched int
		var storeID, errMsg, trigger sql.NullString

		err := rows.Scan(&d.ID, &d.Scope, &d.ItemID, &features, &d.Layer,
			&d.Confidence, &fallback, &trigger, &dispatched, &storeID, &errMsg,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}

		json.Unmarshal([]byte(features), &d.Features)
		d.FallbackUsed = fallback == 1
		d.Dispatched = dispatched == 1
		d.Trigger = trigger.String
		d.StoreID = storeID.String
		d.Error = errMsg.String
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			d.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			d.UpdatedAt = t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
