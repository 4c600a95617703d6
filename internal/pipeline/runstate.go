package pipeline

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Degradation flags recorded on RunState. A flagged run completed; the flag
// records that it did so in degraded mode.
const (
	FlagConfigDrift = "DEGRADED_CONFIG_DRIFT"
)

// RunState is the persisted, resumable record of one pipeline execution.
// Owned exclusively by the Orchestrator; stages see a ReadView and return a
// StateDelta.
type RunState struct {
	RunID      string    `json:"run_id"`
	ConfigHash string    `json:"config_hash"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Completed    []string               `json:"completed"`
	Artifacts    map[string]Artifact    `json:"artifacts"`
	Budget       BudgetUsage            `json:"budget"`
	StageMetrics map[string]IssueCounts `json:"stage_metrics,omitempty"`
	Flags        []string               `json:"flags,omitempty"`
}

// NewRunState returns a fresh state. An empty runID gets a generated ULID.
func NewRunState(runID, configHash string) *RunState {
	if runID == "" {
		runID = ulid.Make().String()
	}
	return &RunState{
		RunID:        runID,
		ConfigHash:   configHash,
		StartedAt:    time.Now().UTC(),
		Artifacts:    map[string]Artifact{},
		StageMetrics: map[string]IssueCounts{},
	}
}

func (s *RunState) isCompleted(stage string) bool {
	for _, c := range s.Completed {
		if c == stage {
			return true
		}
	}
	return false
}

// view builds the defensive copy handed to capabilities.
func (s *RunState) view() ReadView {
	arts := make(map[string]Artifact, len(s.Artifacts))
	for k, a := range s.Artifacts {
		arts[k] = copyArtifact(a)
	}
	return ReadView{
		artifacts: arts,
		completed: append([]string{}, s.Completed...),
	}
}

// apply merges one stage's delta into the state. Deletes run before puts so a
// delta can replace a key it removes.
func (s *RunState) apply(stage string, d StateDelta) {
	for _, k := range d.Delete {
		delete(s.Artifacts, k)
	}
	for k, a := range d.Put {
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = time.Now().UTC()
		}
		s.Artifacts[k] = copyArtifact(a)
	}
	if len(d.Metrics) > 0 {
		if s.StageMetrics == nil {
			s.StageMetrics = map[string]IssueCounts{}
		}
		s.StageMetrics[stage] = s.StageMetrics[stage].merge(d.Metrics)
	}
	s.Budget.add(d.BudgetSpend)
	for _, f := range d.Flags {
		s.addFlag(f)
	}
	s.UpdatedAt = time.Now().UTC()
}

func (s *RunState) addFlag(flag string) {
	if flag == "" {
		return
	}
	for _, f := range s.Flags {
		if f == flag {
			return
		}
	}
	s.Flags = append(s.Flags, flag)
}

func cloneArtifacts(src map[string]Artifact) map[string]Artifact {
	out := make(map[string]Artifact, len(src))
	for k, a := range src {
		out[k] = copyArtifact(a)
	}
	return out
}

func copyArtifact(a Artifact) Artifact {
	if a.Meta == nil {
		return a
	}
	meta := make(map[string]any, len(a.Meta))
	for k, v := range a.Meta {
		meta[k] = cloneValue(v)
	}
	a.Meta = meta
	return a
}

// cloneValue deep-copies the JSON-shaped values Meta carries. Scalars and
// strings are immutable and pass through, keeping their dynamic type.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
