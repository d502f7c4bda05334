// Package memory provides an in-process implementation of every persistence repository.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dukex/flowlane/pkg/persistence"
)

// Persistence keeps all state in maps guarded by one mutex, so every repository operation
// is atomic with respect to the others.
type Persistence struct {
	mu sync.Mutex

	workflows     map[string]workflowRow
	schedules     map[string]scheduleRow
	webhooks      map[string]webhookRow
	apiKeys       map[string]apiKeyRow
	subscriptions map[string]subscriptionRow
	triggerLogs   map[string]triggerLogRow
	executions    map[string]executionRow
	records       map[string]recordRow
	cleanupJobs   map[string]cleanupJobRow
	sequence      int64
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		workflows:     make(map[string]workflowRow),
		schedules:     make(map[string]scheduleRow),
		webhooks:      make(map[string]webhookRow),
		apiKeys:       make(map[string]apiKeyRow),
		subscriptions: make(map[string]subscriptionRow),
		triggerLogs:   make(map[string]triggerLogRow),
		executions:    make(map[string]executionRow),
		records:       make(map[string]recordRow),
		cleanupJobs:   make(map[string]cleanupJobRow),
	}
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return &workflowRepository{p: p}
}

func (p *Persistence) TriggerRepository() persistence.TriggerRepository {
	return &triggerRepository{p: p}
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return &executionRepository{p: p}
}

func (p *Persistence) ProcessingRecordRepository() persistence.ProcessingRecordRepository {
	return &processingRecordRepository{p: p}
}

func (p *Persistence) CleanupJobRepository() persistence.CleanupJobRepository {
	return &cleanupJobRepository{p: p}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// nextSequence returns a strictly increasing insertion counter. Callers hold p.mu.
func (p *Persistence) nextSequence() int64 {
	p.sequence++

	return p.sequence
}

// cloneMap deep-copies a JSON-like map so callers never share nested values with the store.
func cloneMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}

	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}
