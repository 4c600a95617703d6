package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures an Orchestrator.
type Options struct {
	// RunDir holds progress.ndjson, live.json and final.json for the run.
	// Empty disables event files (tests).
	RunDir string

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit breaker. Defaults to 3.
	BreakerThreshold int

	// Concurrency bounds parallel-group workers. Defaults to 4.
	Concurrency int

	// Integrity tunes the post-stage check. Nil gets the defaults; a pointer
	// to the zero value disables both checks explicitly.
	Integrity *IntegrityConfig
}

func (o *Options) applyDefaults() {
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 3
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Integrity == nil {
		def := DefaultIntegrityConfig()
		o.Integrity = &def
	}
}

// Report summarizes a finished or halted run.
type Report struct {
	RunID         string                 `json:"run_id"`
	Success       bool                   `json:"success"`
	Completed     []string               `json:"completed"`
	Flags         []string               `json:"flags,omitempty"`
	StageMetrics  map[string]IssueCounts `json:"stage_metrics,omitempty"`
	Budget        BudgetUsage            `json:"budget"`
	Warnings      []string               `json:"warnings,omitempty"`
	FailureReason string                 `json:"failure_reason,omitempty"`
}

// Orchestrator owns RunState mutation: it sequences stages in dependency
// order, persists after every completed stage, snapshots before destructive
// stages, and halts via the circuit breaker on repeated failures.
type Orchestrator struct {
	store    Store
	opts     Options
	progress *ProgressLog

	warningsMu sync.Mutex
	warnings   []string

	// Consecutive stage failures; reset on any success. Signatures accumulate
	// for the report so a repeated identical failure is visible as such.
	consecutiveFailures int
	failureSignatures   map[string]int
	lastFailureStage    string
	lastFailureReason   string
}

func NewOrchestrator(store Store, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{
		store:             store,
		opts:              opts,
		failureSignatures: map[string]int{},
	}
}

// Warn records a non-fatal problem on the run.
func (o *Orchestrator) Warn(msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	o.warningsMu.Lock()
	o.warnings = append(o.warnings, msg)
	o.warningsMu.Unlock()
	o.progress.Append(map[string]any{
		"event":   "warning",
		"message": msg,
	})
}

func (o *Orchestrator) warningsCopy() []string {
	o.warningsMu.Lock()
	defer o.warningsMu.Unlock()
	return append([]string{}, o.warnings...)
}

// Resume loads persisted state for runID, or returns a fresh state when none
// exists. Present-but-corrupt state propagates as *PersistenceError. When the
// stored config hash differs from configHash the run proceeds flagged
// DEGRADED_CONFIG_DRIFT.
func (o *Orchestrator) Resume(runID, configHash string) (*RunState, error) {
	st, err := o.store.Load(runID)
	if err != nil {
		if err == ErrNotFound {
			return NewRunState(runID, configHash), nil
		}
		return nil, err
	}
	if configHash != "" && st.ConfigHash != configHash {
		st.addFlag(FlagConfigDrift)
		o.Warn(fmt.Sprintf("config hash changed since run start (%s -> %s)", st.ConfigHash, configHash))
	}
	return st, nil
}

// Run executes every stage not already completed, in dependency order,
// persisting state synchronously after each completion. It returns a report
// alongside any terminal error so callers can still see partial progress.
func (o *Orchestrator) Run(ctx context.Context, stages []StageDefinition, state *RunState) (*Report, error) {
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	if o.progress == nil {
		o.progress = NewProgressLog(o.opts.RunDir, state.RunID)
	}
	o.progress.Append(map[string]any{
		"event":     "run_start",
		"stages":    len(stages),
		"completed": len(state.Completed),
	})

	for {
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			rep, _ := o.finish(state, false, "canceled: "+cause.Error())
			return rep, cause
		}
		batch := nextBatch(stages, state)
		if batch == nil {
			if len(state.Completed) < len(stages) {
				rep, _ := o.finish(state, false, "no runnable stage: dependency deadlock")
				return rep, fmt.Errorf("no runnable stage: dependency deadlock")
			}
			return o.finish(state, true, "")
		}

		halted, err := o.runBatch(ctx, batch, state)
		if err != nil {
			rep, _ := o.finish(state, false, err.Error())
			return rep, err
		}
		if halted != nil {
			rep, _ := o.finish(state, false, halted.Error())
			return rep, halted
		}
	}
}

// nextBatch picks the next runnable stage, pulling in the rest of its
// parallel group when the group is runnable too. Name order keeps the choice
// deterministic.
func nextBatch(stages []StageDefinition, state *RunState) []StageDefinition {
	var ready []StageDefinition
	for _, s := range stages {
		if state.isCompleted(s.Name) {
			continue
		}
		ok := true
		for _, req := range s.Requires {
			if !state.isCompleted(req) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Name < ready[j].Name })

	first := ready[0]
	if first.ParallelGroup == "" {
		return ready[:1]
	}
	batch := []StageDefinition{first}
	for _, s := range ready[1:] {
		if s.ParallelGroup == first.ParallelGroup {
			batch = append(batch, s)
		}
	}
	return batch
}

type stageResult struct {
	delta StateDelta
	err   error
}

// runBatch executes one stage or one parallel group. A non-nil halted error
// means the circuit breaker opened; err is reserved for fatal conditions
// (persistence, cancellation).
func (o *Orchestrator) runBatch(ctx context.Context, batch []StageDefinition, state *RunState) (halted, err error) {
	destructive := false
	names := make([]string, len(batch))
	for i, s := range batch {
		names[i] = s.Name
		if s.Destructive {
			destructive = true
		}
	}

	preCount := includedCount(*o.opts.Integrity, state.Artifacts)

	// Snapshot happens-before any concurrent work is dispatched.
	var snap *Snapshot
	if destructive {
		snap = takeSnapshot(strings.Join(names, "+"), state.Artifacts)
		o.progress.Append(map[string]any{
			"event":     "snapshot_taken",
			"stage":     snap.Stage,
			"artifacts": snap.Count(),
		})
	}

	view := state.view()
	results := make([]stageResult, len(batch))
	started := time.Now()

	for _, s := range batch {
		o.progress.Append(map[string]any{
			"event": "stage_attempt_start",
			"stage": s.Name,
			"group": s.ParallelGroup,
		})
	}

	if len(batch) == 1 {
		d, execErr := batch[0].Capability.Execute(ctx, StageInput{RunID: state.RunID, Stage: batch[0].Name, View: view})
		results[0] = stageResult{delta: d, err: execErr}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.Concurrency)
		for i, s := range batch {
			i, s := i, s
			g.Go(func() error {
				d, execErr := s.Capability.Execute(gctx, StageInput{RunID: state.RunID, Stage: s.Name, View: view})
				results[i] = stageResult{delta: d, err: execErr}
				return nil
			})
		}
		_ = g.Wait()
	}

	// Collect failures before touching state: a failed group member discards
	// the whole batch so no two stages' deltas ever interleave in persisted
	// state.
	var failReasons []string
	for i, r := range results {
		if r.err != nil {
			failReasons = append(failReasons, fmt.Sprintf("%s: %v", batch[i].Name, r.err))
		}
	}
	if len(failReasons) > 0 && ctx.Err() != nil {
		// Cancellation mid-group is not a stage failure; it must not count
		// toward the breaker.
		return nil, fmt.Errorf("run canceled during %s: %w", strings.Join(names, "+"), context.Cause(ctx))
	}

	var violation *IntegrityViolation
	if len(failReasons) == 0 {
		// Apply deltas in name order (batch is already sorted) so resumption
		// after a crash is unambiguous.
		for i, s := range batch {
			state.apply(s.Name, results[i].delta)
			for _, w := range results[i].delta.Warnings {
				o.Warn(s.Name + ": " + w)
			}
		}
		violation = checkIntegrity(*o.opts.Integrity, strings.Join(names, "+"), preCount, state.Artifacts)
	}

	if len(failReasons) > 0 || violation != nil {
		reason := strings.Join(failReasons, "; ")
		if violation != nil {
			reason = violation.Reason
		}
		if snap != nil {
			state.Artifacts = snap.Restore()
			o.progress.Append(map[string]any{
				"event":  "rollback",
				"stage":  snap.Stage,
				"reason": reason,
			})
		}
		return o.recordFailure(state, names, reason)
	}

	for _, s := range batch {
		state.Completed = append(state.Completed, s.Name)
	}
	o.consecutiveFailures = 0

	if err := o.store.Save(state); err != nil {
		return nil, err
	}
	for _, s := range batch {
		o.progress.Append(map[string]any{
			"event":       "stage_attempt_end",
			"stage":       s.Name,
			"status":      "success",
			"duration_ms": time.Since(started).Milliseconds(),
		})
	}
	return nil, nil
}

// recordFailure counts one failed attempt toward the breaker and persists the
// (possibly rolled back) state so the failure survives a crash.
func (o *Orchestrator) recordFailure(state *RunState, names []string, reason string) (halted, err error) {
	stage := strings.Join(names, "+")
	o.consecutiveFailures++
	sig := failureSignature(stage, reason)
	o.failureSignatures[sig]++
	o.lastFailureStage = stage
	o.lastFailureReason = reason

	o.progress.Append(map[string]any{
		"event":                "stage_attempt_end",
		"stage":                stage,
		"status":               "fail",
		"reason":               reason,
		"consecutive_failures": o.consecutiveFailures,
	})

	if err := o.store.Save(state); err != nil {
		return nil, err
	}

	if o.consecutiveFailures >= o.opts.BreakerThreshold {
		o.progress.Append(map[string]any{
			"event":     "breaker_tripped",
			"stage":     stage,
			"failures":  o.consecutiveFailures,
			"threshold": o.opts.BreakerThreshold,
		})
		return &CircuitOpenError{
			Failures:  o.consecutiveFailures,
			Threshold: o.opts.BreakerThreshold,
			LastStage: stage,
			Reason:    reason,
		}, nil
	}
	return nil, nil
}

// finish writes final.json once and builds the report.
func (o *Orchestrator) finish(state *RunState, success bool, reason string) (*Report, error) {
	status := FinalSuccess
	if !success {
		status = FinalFail
	}
	if o.opts.RunDir != "" {
		fo := &FinalOutcome{
			Timestamp:       time.Now().UTC(),
			Status:          status,
			RunID:           state.RunID,
			CompletedStages: append([]string{}, state.Completed...),
			FailureReason:   reason,
			Flags:           append([]string{}, state.Flags...),
		}
		if err := fo.Save(filepath.Join(o.opts.RunDir, "final.json")); err != nil {
			o.Warn("write final.json: " + err.Error())
		}
	}
	rep := &Report{
		RunID:         state.RunID,
		Success:       success,
		Completed:     append([]string{}, state.Completed...),
		Flags:         append([]string{}, state.Flags...),
		StageMetrics:  state.StageMetrics,
		Budget:        state.Budget,
		Warnings:      o.warningsCopy(),
		FailureReason: reason,
	}
	if !success && reason == "" {
		rep.FailureReason = o.lastFailureReason
	}
	return rep, nil
}

var (
	failureSignatureHexRE    = regexp.MustCompile(`\b[0-9a-f]{7,64}\b`)
	failureSignatureDigitsRE = regexp.MustCompile(`\b\d+\b`)
	failureSignatureSpaceRE  = regexp.MustCompile(`\s+`)
)

// failureSignature normalizes a failure reason so the same logical failure
// maps to one signature across attempts.
func failureSignature(stage, reason string) string {
	r := strings.ToLower(strings.TrimSpace(reason))
	r = failureSignatureHexRE.ReplaceAllString(r, "<hex>")
	r = failureSignatureDigitsRE.ReplaceAllString(r, "<n>")
	r = failureSignatureSpaceRE.ReplaceAllString(r, " ")
	if len(r) > 160 {
		r = r[:160]
	}
	return stage + "|" + r
}
