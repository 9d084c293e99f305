// Package service is the composition facade over the working memory,
// attention budget, and consolidation components. It is the single
// contract callers program against; transports (HTTP, CLI) are thin
// adapters on top of it.
package service

import (
	"context"
	"fmt"

	"github.com/normanking/mnemo/internal/attention"
	"github.com/normanking/mnemo/internal/consolidation"
)

// WorkingMemoryView is the combined item list and load status for a scope.
type WorkingMemoryView struct {
	Items  []attention.Item `json:"items"`
	Status attention.Status `json:"status"`
}

// Service exposes the memory subsystem's operations. Every operation
// takes a context so callers can bound or cancel it; purely in-memory
// operations ignore it today but keep the contract uniform.
type Service struct {
	memory    *attention.Store
	budget    *attention.BudgetTracker
	model     attention.Model
	router    *consolidation.Router
	scheduler *consolidation.Scheduler
	audit     *consolidation.AuditStore
}

// New wires the facade.
func New(
	memory *attention.Store,
	budget *attention.BudgetTracker,
	model attention.Model,
	router *consolidation.Router,
	scheduler *consolidation.Scheduler,
	audit *consolidation.AuditStore,
) *Service {
	return &Service{
		memory:    memory,
		budget:    budget,
		model:     model,
		router:    router,
		scheduler: scheduler,
		audit:     audit,
	}
}

// AdmitItem validates and admits an item into the scope's working memory.
// The attention budget contributes an auxiliary relevance signal blended
// with the caller-supplied relevance before scoring.
func (s *Service) AdmitItem(ctx context.Context, scope string, in attention.ItemInput) (string, error) {
	if err := in.Validate(); err != nil {
		return "", err
	}

	signal := s.budget.RelevanceSignal(scope)
	in.Relevance = 0.8*in.Relevance + 0.2*signal

	id, err := s.memory.Admit(scope, in)
	if err != nil {
		return "", fmt.Errorf("admit item: %w", err)
	}
	return id, nil
}

// TouchItem records an access to an item, refreshing its recency.
func (s *Service) TouchItem(ctx context.Context, scope, itemID string) error {
	return s.memory.Touch(scope, itemID)
}

// GetWorkingMemory returns the scope's items ordered by salience plus its
// load status.
func (s *Service) GetWorkingMemory(ctx context.Context, scope string) WorkingMemoryView {
	return WorkingMemoryView{
		Items:  s.memory.List(scope),
		Status: s.memory.Status(scope),
	}
}

// SetFocus updates the scope's focus area and level.
func (s *Service) SetFocus(ctx context.Context, scope string, area attention.FocusArea, level float64) error {
	return s.budget.SetFocus(scope, area, level)
}

// GetAttentionBudget returns the scope's budget.
func (s *Service) GetAttentionBudget(ctx context.Context, scope string) attention.Budget {
	return s.budget.Get(scope)
}

// RecordContextSwitch notes a switch between focus areas for the scope.
func (s *Service) RecordContextSwitch(ctx context.Context, scope string) {
	s.budget.RecordContextSwitch(scope)
}

// ResetSession marks a session boundary: mental energy and fatigue reset.
func (s *Service) ResetSession(ctx context.Context, scope string) {
	s.budget.ResetSession(scope)
}

// TriggerConsolidation runs an on-demand consolidation cycle for the
// scope. Returns the cycle result, or started=false when a cycle was
// already running and the trigger was skipped.
func (s *Service) TriggerConsolidation(ctx context.Context, scope string) (result *consolidation.CycleResult, started bool) {
	return s.scheduler.RunNow(ctx, scope, "manual")
}

// CancelConsolidation requests cancellation of an in-flight cycle.
func (s *Service) CancelConsolidation(ctx context.Context, scope string) {
	s.scheduler.Cancel(scope)
}

// GetRoutingHistory returns the scope's most recent routing decisions.
func (s *Service) GetRoutingHistory(ctx context.Context, scope string, limit int) ([]consolidation.RoutingDecision, error) {
	return s.audit.History(ctx, scope, limit)
}

// GetRoutingStats aggregates the scope's routing audit trail.
func (s *Service) GetRoutingStats(ctx context.Context, scope string) (*consolidation.RoutingStats, error) {
	return s.audit.Stats(ctx, scope)
}
