package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danshapiro/loom/internal/config"
	"github.com/danshapiro/loom/internal/fingerprint"
	"github.com/danshapiro/loom/internal/generate"
	"github.com/danshapiro/loom/internal/pipeline"
	"github.com/danshapiro/loom/internal/plangraph"
	"github.com/danshapiro/loom/internal/repair"
)

// runDeps holds the per-run services capabilities close over: the attempt
// controller with its shared budget tracker, and the stage->artifact-key map.
type runDeps struct {
	cfg        *config.File
	controller *generate.Controller
	keys       map[string]string
}

func newRunDeps(cfg *config.File, runID string) *runDeps {
	keys := map[string]string{}
	for _, sc := range cfg.Stages {
		key := strings.TrimSpace(sc.ArtifactKey)
		if key == "" {
			key = sc.Name
		}
		keys[sc.Name] = key
	}
	return &runDeps{
		cfg:        cfg,
		controller: generate.NewController(simulatedGenerator{}, cfg.ControllerOptions(runID)),
		keys:       keys,
	}
}

type capabilityBuilder func(deps *runDeps, sc config.StageConfig) pipeline.Capability

var capabilityBuilders = map[string]capabilityBuilder{
	"generate": buildGenerateCapability,
	"repair":   buildRepairCapability,
	"plan":     buildPlanCapability,
}

func buildStages(cfg *config.File, deps *runDeps) ([]pipeline.StageDefinition, error) {
	out := make([]pipeline.StageDefinition, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		build, ok := capabilityBuilders[sc.Capability]
		if !ok {
			return nil, fmt.Errorf("stage %q: unknown capability %q", sc.Name, sc.Capability)
		}
		out = append(out, pipeline.StageDefinition{
			Name:          sc.Name,
			Requires:      sc.Requires,
			ParallelGroup: sc.ParallelGroup,
			Destructive:   sc.Destructive,
			Capability:    build(deps, sc),
		})
	}
	return out, nil
}

// buildGenerateCapability runs one gated generation call per stage and checks
// the result for semantic drift against the stage's first prerequisite.
func buildGenerateCapability(deps *runDeps, sc config.StageConfig) pipeline.Capability {
	gate := deps.cfg.GateConfig()
	driftThreshold := *deps.cfg.Drift.Threshold

	return pipeline.CapabilityFunc(func(ctx context.Context, in pipeline.StageInput) (pipeline.StateDelta, error) {
		prompt := strings.TrimSpace(sc.Prompt)
		if prompt == "" {
			prompt = "Write the " + sc.Name + " content for this run."
		}
		var source string
		for _, reqStage := range sc.Requires {
			a, ok := in.View.Artifact(deps.keys[reqStage])
			if !ok {
				continue
			}
			if source == "" {
				source = a.Content
			}
			prompt += "\n\nContext from " + reqStage + ":\n" + a.Content
		}

		out, err := deps.controller.Generate(ctx, generate.Request{
			Stage:       in.Stage,
			ArtifactKey: deps.keys[sc.Name],
			Prompt:      prompt,
			Gate:        gate,
			TargetWords: sc.TargetWords,
			Ensemble:    sc.Ensemble,
		})
		if err != nil {
			return pipeline.StateDelta{}, err
		}

		delta := pipeline.StateDelta{
			Put: map[string]pipeline.Artifact{
				deps.keys[sc.Name]: {
					Content: out.Text,
					Meta:    map[string]any{"word_count": out.Verdict.WordCount},
				},
			},
			Metrics: pipeline.IssueCounts{},
			BudgetSpend: pipeline.BudgetUsage{
				Calls:             out.Attempts,
				CorrectiveRetries: out.CorrectiveRetries,
			},
			Flags: out.Flags,
		}
		for _, is := range out.Verdict.Issues {
			delta.Metrics[string(is.Category)]++
		}
		if !out.Verdict.Pass {
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("accepted best attempt with %d open issues", len(out.Verdict.Issues)))
		}

		// Drift is advisory: record it, never fail the stage over it.
		if source != "" && out.Text != "" {
			rep := fingerprint.CheckDrift(fingerprint.New(source), out.Text, driftThreshold)
			if rep.Drifted {
				delta.Metrics["semantic_drift"]++
				delta.Warnings = append(delta.Warnings,
					fmt.Sprintf("semantic drift against %s: keyword overlap %.2f below %.2f",
						sc.Requires[0], rep.OverlapRatio, driftThreshold))
			}
		}
		return delta, nil
	})
}

// buildRepairCapability parses a prerequisite artifact as structured data,
// repairing it when malformed, and stores the normalized JSON.
func buildRepairCapability(deps *runDeps, sc config.StageConfig) pipeline.Capability {
	return pipeline.CapabilityFunc(func(_ context.Context, in pipeline.StageInput) (pipeline.StateDelta, error) {
		sourceKey := strings.TrimSpace(sc.ArtifactKey)
		if sourceKey == "" && len(sc.Requires) > 0 {
			sourceKey = deps.keys[sc.Requires[0]]
		}
		a, ok := in.View.Artifact(sourceKey)
		if !ok {
			return pipeline.StateDelta{}, fmt.Errorf("repair stage %q: artifact %q not found", in.Stage, sourceKey)
		}

		res := repair.Repair(a.Content)
		b, err := json.MarshalIndent(res.Value, "", "  ")
		if err != nil {
			return pipeline.StateDelta{}, fmt.Errorf("repair stage %q: encode: %w", in.Stage, err)
		}

		delta := pipeline.StateDelta{
			Put: map[string]pipeline.Artifact{
				deps.keys[sc.Name]: {
					Content: string(b),
					Meta:    map[string]any{"repaired_from": sourceKey, "passes": res.Applied},
				},
			},
			Metrics: pipeline.IssueCounts{},
		}
		if res.Fallback {
			delta.Metrics["repair_fallback"]++
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("artifact %q could not be parsed as structured data; wrapped raw text", sourceKey))
		} else if len(res.Applied) > 0 {
			delta.Metrics["repaired"]++
		}
		return delta, nil
	})
}

// buildPlanCapability reads a prerequisite artifact holding extracted content
// units, builds their dependency graph, repairs any cycles, and stores the
// topological processing order.
func buildPlanCapability(deps *runDeps, sc config.StageConfig) pipeline.Capability {
	return pipeline.CapabilityFunc(func(_ context.Context, in pipeline.StageInput) (pipeline.StateDelta, error) {
		sourceKey := strings.TrimSpace(sc.ArtifactKey)
		if sourceKey == "" && len(sc.Requires) > 0 {
			sourceKey = deps.keys[sc.Requires[0]]
		}
		a, ok := in.View.Artifact(sourceKey)
		if !ok {
			return pipeline.StateDelta{}, fmt.Errorf("plan stage %q: artifact %q not found", in.Stage, sourceKey)
		}

		units, err := decodePlanUnits(a.Content)
		if err != nil {
			return pipeline.StateDelta{}, fmt.Errorf("plan stage %q: %w", in.Stage, err)
		}
		g, err := plangraph.Build(units)
		if err != nil {
			return pipeline.StateDelta{}, fmt.Errorf("plan stage %q: %w", in.Stage, err)
		}
		removed := g.RepairCycles()
		order, err := g.TopologicalOrder()
		if err != nil {
			return pipeline.StateDelta{}, fmt.Errorf("plan stage %q: %w", in.Stage, err)
		}

		b, err := json.MarshalIndent(map[string]any{"order": order}, "", "  ")
		if err != nil {
			return pipeline.StateDelta{}, fmt.Errorf("plan stage %q: encode: %w", in.Stage, err)
		}

		delta := pipeline.StateDelta{
			Put: map[string]pipeline.Artifact{
				deps.keys[sc.Name]: {
					Content: string(b),
					Meta:    map[string]any{"units": len(units), "removed_edges": len(removed)},
				},
			},
			Metrics: pipeline.IssueCounts{},
		}
		for _, e := range removed {
			delta.Metrics["plan_cycle_repaired"]++
			delta.Warnings = append(delta.Warnings,
				fmt.Sprintf("dropped dependency %s -> %s (confidence %.2f) to break a cycle", e.From, e.To, e.Confidence))
		}
		return delta, nil
	})
}

// decodePlanUnits accepts either a JSON array of units or an object with a
// "units" field, tolerating the malformed output generation services produce.
func decodePlanUnits(content string) ([]plangraph.Node, error) {
	res := repair.Repair(content)
	if res.Fallback {
		return nil, fmt.Errorf("unit list is not structured data")
	}
	raw := res.Value
	if m, ok := raw.(map[string]any); ok {
		if u, found := m["units"]; found {
			raw = u
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var units []plangraph.Node
	if err := json.Unmarshal(b, &units); err != nil {
		return nil, fmt.Errorf("unit list: %w", err)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("unit list is empty")
	}
	return units, nil
}
