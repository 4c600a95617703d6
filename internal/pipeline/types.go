// Package pipeline implements the stage pipeline orchestrator: dependency
// ordered execution with resumable persisted state, snapshot/rollback around
// destructive stages, a post-stage integrity check, and a circuit breaker for
// repeated consecutive failures.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Capability executes one stage against a read view of the run and returns a
// delta for the orchestrator to apply. Implementations never mutate RunState
// directly.
type Capability interface {
	Execute(ctx context.Context, in StageInput) (StateDelta, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, in StageInput) (StateDelta, error)

func (f CapabilityFunc) Execute(ctx context.Context, in StageInput) (StateDelta, error) {
	return f(ctx, in)
}

// StageDefinition declares one unit of the pipeline. Each stage executes at
// most once per run.
type StageDefinition struct {
	Name     string
	Requires []string

	// Stages sharing a non-empty ParallelGroup run concurrently once all of
	// their prerequisites are satisfied.
	ParallelGroup string

	// Destructive stages rewrite existing artifacts; the orchestrator takes a
	// snapshot before dispatching them.
	Destructive bool

	Capability Capability
}

// StageInput is what a capability sees: identity plus a read view of the
// current artifacts. The view is a defensive copy.
type StageInput struct {
	RunID string
	Stage string
	View  ReadView
}

// Artifact is one unit of generated content plus its metadata.
type Artifact struct {
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IssueCounts tallies quality-gate issue categories observed in one stage.
type IssueCounts map[string]int

func (c IssueCounts) merge(other IssueCounts) IssueCounts {
	if len(other) == 0 {
		return c
	}
	if c == nil {
		c = IssueCounts{}
	}
	for k, v := range other {
		c[k] += v
	}
	return c
}

// BudgetUsage accumulates cost counters across the run.
type BudgetUsage struct {
	Tokens            int `json:"tokens"`
	Calls             int `json:"calls"`
	CorrectiveRetries int `json:"corrective_retries"`
}

func (b *BudgetUsage) add(other BudgetUsage) {
	b.Tokens += other.Tokens
	b.Calls += other.Calls
	b.CorrectiveRetries += other.CorrectiveRetries
}

// StateDelta is a stage's proposed mutation. The orchestrator applies it
// atomically after the stage (and, for parallel groups, every group member)
// finishes.
type StateDelta struct {
	Put         map[string]Artifact
	Delete      []string
	Metrics     IssueCounts
	BudgetSpend BudgetUsage
	Warnings    []string
	Flags       []string
}

// ReadView is a point-in-time copy of run artifacts handed to capabilities.
type ReadView struct {
	artifacts map[string]Artifact
	completed []string
}

// Artifact returns the artifact stored under key.
func (v ReadView) Artifact(key string) (Artifact, bool) {
	a, ok := v.artifacts[key]
	return a, ok
}

// Content returns the content under key, or "" when absent.
func (v ReadView) Content(key string) string {
	return v.artifacts[key].Content
}

// Keys returns all artifact keys in sorted order.
func (v ReadView) Keys() []string {
	keys := make([]string, 0, len(v.artifacts))
	for k := range v.artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Completed returns the completed stage names in completion order.
func (v ReadView) Completed() []string {
	return append([]string{}, v.completed...)
}

func validateStages(stages []StageDefinition) error {
	seen := map[string]bool{}
	for _, s := range stages {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate stage %q", name)
		}
		seen[name] = true
		if s.Capability == nil {
			return fmt.Errorf("stage %q has no capability", name)
		}
	}
	for _, s := range stages {
		for _, req := range s.Requires {
			if !seen[req] {
				return fmt.Errorf("stage %q requires unknown stage %q", s.Name, req)
			}
		}
	}
	return nil
}
