package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var timeComparer = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

var fixedStamp = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

func putStage(name string, requires ...string) StageDefinition {
	return StageDefinition{
		Name:     name,
		Requires: requires,
		Capability: CapabilityFunc(func(_ context.Context, in StageInput) (StateDelta, error) {
			return StateDelta{Put: map[string]Artifact{
				"out_" + in.Stage: {Content: "content of " + in.Stage, UpdatedAt: fixedStamp},
			}}, nil
		}),
	}
}

func TestRun_CompletesInDependencyOrder(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	o := NewOrchestrator(fs, Options{})
	st := NewRunState("run-1", "h")

	stages := []StageDefinition{
		putStage("draft", "outline"),
		putStage("outline"),
		putStage("polish", "draft"),
	}
	rep, err := o.Run(context.Background(), stages, st)
	require.NoError(t, err)
	require.True(t, rep.Success)
	require.Equal(t, []string{"outline", "draft", "polish"}, rep.Completed)
	require.Equal(t, "content of draft", st.Artifacts["out_draft"].Content)
}

func TestRun_ResumeAfterInterruptMatchesUninterruptedRun(t *testing.T) {
	stages := func(failPolishOnce *atomic.Bool) []StageDefinition {
		polish := StageDefinition{
			Name:     "polish",
			Requires: []string{"draft"},
			Capability: CapabilityFunc(func(_ context.Context, in StageInput) (StateDelta, error) {
				if failPolishOnce != nil && failPolishOnce.CompareAndSwap(true, false) {
					return StateDelta{}, errors.New("process killed")
				}
				return StateDelta{Put: map[string]Artifact{
					"out_polish": {Content: "polished: " + in.View.Content("out_draft"), UpdatedAt: fixedStamp},
				}}, nil
			}),
		}
		return []StageDefinition{putStage("outline"), putStage("draft", "outline"), polish}
	}

	// Uninterrupted baseline.
	baseStore := NewFileStore(t.TempDir())
	baseState := NewRunState("run-a", "h")
	_, err := NewOrchestrator(baseStore, Options{}).Run(context.Background(), stages(nil), baseState)
	require.NoError(t, err)

	// Interrupted run: polish dies once; breaker threshold 1 halts the run
	// with outline and draft already persisted.
	fs := NewFileStore(t.TempDir())
	interrupted := NewRunState("run-a", "h")
	var die atomic.Bool
	die.Store(true)
	_, err = NewOrchestrator(fs, Options{BreakerThreshold: 1}).Run(context.Background(), stages(&die), interrupted)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)

	// Restart: a fresh orchestrator resumes from persisted state and runs
	// only the remaining stage.
	o2 := NewOrchestrator(fs, Options{})
	resumed, err := o2.Resume("run-a", "h")
	require.NoError(t, err)
	require.Equal(t, []string{"outline", "draft"}, resumed.Completed)

	rep, err := o2.Run(context.Background(), stages(nil), resumed)
	require.NoError(t, err)
	require.True(t, rep.Success)

	require.Equal(t, baseState.Completed, resumed.Completed)
	if diff := cmp.Diff(baseState.Artifacts, resumed.Artifacts, timeComparer); diff != "" {
		t.Fatalf("resumed state diverged from uninterrupted run:\n%s", diff)
	}
	require.Equal(t, baseState.Budget, resumed.Budget)
}

func TestRun_RollbackRestoresPreStageArtifacts(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-rb", "h")
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("ch_%03d", i)
		st.Artifacts[key] = Artifact{
			Content:   fmt.Sprintf("chapter %d text", i),
			Meta:      map[string]any{"index": fmt.Sprint(i)},
			UpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	before := map[string]Artifact{}
	for k, a := range st.Artifacts {
		before[k] = a
	}

	// Destructive stage drops 6 of 10 artifacts; a 0.5 count-ratio threshold
	// must reject that and restore the snapshot.
	shrink := StageDefinition{
		Name:        "rewrite",
		Destructive: true,
		Capability: CapabilityFunc(func(_ context.Context, _ StageInput) (StateDelta, error) {
			var del []string
			for i := 0; i < 6; i++ {
				del = append(del, fmt.Sprintf("ch_%03d", i))
			}
			return StateDelta{Delete: del}, nil
		}),
	}

	o := NewOrchestrator(fs, Options{BreakerThreshold: 1})
	_, err := o.Run(context.Background(), []StageDefinition{shrink}, st)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)

	if diff := cmp.Diff(before, st.Artifacts, timeComparer); diff != "" {
		t.Fatalf("artifacts differ from pre-stage snapshot:\n%s", diff)
	}
	require.Empty(t, st.Completed)

	// The rolled-back state is what got persisted.
	loaded, err := fs.Load("run-rb")
	require.NoError(t, err)
	require.Len(t, loaded.Artifacts, 10)
}

func TestRun_RollbackPreservesMetaValueTypes(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-rbt", "h")
	st.Artifacts["ch_001"] = Artifact{
		Content:   "chapter text",
		Meta:      map[string]any{"word_count": 300},
		UpdatedAt: fixedStamp,
	}

	purge := StageDefinition{
		Name:        "rewrite",
		Destructive: true,
		Capability: CapabilityFunc(func(_ context.Context, _ StageInput) (StateDelta, error) {
			return StateDelta{Delete: []string{"ch_001"}}, nil
		}),
	}
	o := NewOrchestrator(fs, Options{BreakerThreshold: 1})
	_, err := o.Run(context.Background(), []StageDefinition{purge}, st)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)

	wc, ok := st.Artifacts["ch_001"].Meta["word_count"].(int)
	require.True(t, ok, "word_count came back as %T", st.Artifacts["ch_001"].Meta["word_count"])
	require.Equal(t, 300, wc)
}

func TestRun_IntegrityCheckDisabledExplicitly(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-off", "h")
	for i := 0; i < 10; i++ {
		st.Artifacts[fmt.Sprintf("ch_%03d", i)] = Artifact{Content: "[PLACEHOLDER]", UpdatedAt: fixedStamp}
	}

	// Drops 9 of 10 artifacts, every survivor a placeholder. With the check
	// explicitly disabled neither threshold fires and the stage commits.
	purge := StageDefinition{
		Name:        "rewrite",
		Destructive: true,
		Capability: CapabilityFunc(func(_ context.Context, _ StageInput) (StateDelta, error) {
			var del []string
			for i := 0; i < 9; i++ {
				del = append(del, fmt.Sprintf("ch_%03d", i))
			}
			return StateDelta{Delete: del}, nil
		}),
	}
	o := NewOrchestrator(fs, Options{Integrity: &IntegrityConfig{}, BreakerThreshold: 1})
	rep, err := o.Run(context.Background(), []StageDefinition{purge}, st)
	require.NoError(t, err)
	require.True(t, rep.Success)
	require.Len(t, st.Artifacts, 1)
}

func TestRun_BreakerTripsAtThreeConsecutiveFailures(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-cb", "h")

	var calls atomic.Int32
	broken := StageDefinition{
		Name: "broken",
		Capability: CapabilityFunc(func(_ context.Context, _ StageInput) (StateDelta, error) {
			calls.Add(1)
			return StateDelta{}, errors.New("generation service exploded")
		}),
	}

	_, err := NewOrchestrator(fs, Options{}).Run(context.Background(), []StageDefinition{broken}, st)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	require.Equal(t, 3, open.Failures)
	require.Equal(t, 3, open.Threshold)
	require.Equal(t, int32(3), calls.Load(), "no stage invocations may follow the tripped breaker")
}

func TestRun_SuccessResetsBreaker(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-reset", "h")

	var flakyCalls atomic.Int32
	flaky := StageDefinition{
		Name: "flaky",
		Capability: CapabilityFunc(func(_ context.Context, in StageInput) (StateDelta, error) {
			// Fails twice, then succeeds; the success must reset the counter
			// so the later failures start from zero.
			if flakyCalls.Add(1) <= 2 {
				return StateDelta{}, errors.New("transient")
			}
			return StateDelta{Put: map[string]Artifact{"out_flaky": {Content: "ok"}}}, nil
		}),
	}
	var brokenCalls atomic.Int32
	broken := StageDefinition{
		Name:     "zbroken",
		Requires: []string{"flaky"},
		Capability: CapabilityFunc(func(_ context.Context, _ StageInput) (StateDelta, error) {
			brokenCalls.Add(1)
			return StateDelta{}, errors.New("deterministic failure")
		}),
	}

	_, err := NewOrchestrator(fs, Options{}).Run(context.Background(), []StageDefinition{flaky, broken}, st)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	require.Equal(t, int32(3), flakyCalls.Load())
	require.Equal(t, int32(3), brokenCalls.Load(), "breaker must need 3 fresh failures after a success")
	require.Equal(t, []string{"flaky"}, st.Completed)
}

func TestRun_ParallelGroupAppliesDeterministically(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-par", "h")

	var stages []StageDefinition
	stages = append(stages, putStage("outline"))
	for _, name := range []string{"scene_c", "scene_a", "scene_b"} {
		stages = append(stages, StageDefinition{
			Name:          name,
			Requires:      []string{"outline"},
			ParallelGroup: "scenes",
			Capability: CapabilityFunc(func(_ context.Context, in StageInput) (StateDelta, error) {
				return StateDelta{
					Put:         map[string]Artifact{"out_" + in.Stage: {Content: in.Stage}},
					BudgetSpend: BudgetUsage{Calls: 1},
				}, nil
			}),
		})
	}

	rep, err := NewOrchestrator(fs, Options{Concurrency: 2}).Run(context.Background(), stages, st)
	require.NoError(t, err)
	// Group members complete together, recorded in name order.
	require.Equal(t, []string{"outline", "scene_a", "scene_b", "scene_c"}, rep.Completed)
	require.Equal(t, 3, rep.Budget.Calls)
	for _, name := range []string{"scene_a", "scene_b", "scene_c"} {
		require.Contains(t, st.Artifacts, "out_"+name)
	}
}

func TestResume_ConfigDriftIsFlaggedNotFatal(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-cd", "hash-old")
	st.Completed = []string{"outline"}
	require.NoError(t, fs.Save(st))

	o := NewOrchestrator(fs, Options{})
	resumed, err := o.Resume("run-cd", "hash-new")
	require.NoError(t, err)
	require.Contains(t, resumed.Flags, FlagConfigDrift)
	require.Equal(t, []string{"outline"}, resumed.Completed)
}

func TestResume_FreshStateWhenNothingPersisted(t *testing.T) {
	o := NewOrchestrator(NewFileStore(t.TempDir()), Options{})
	st, err := o.Resume("brand-new", "h")
	require.NoError(t, err)
	require.Empty(t, st.Completed)
	require.Equal(t, "brand-new", st.RunID)
	require.NotContains(t, st.Flags, FlagConfigDrift)
}

func TestRun_CancellationBetweenStages(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-cx", "h")

	ctx, cancel := context.WithCancel(context.Background())
	first := StageDefinition{
		Name: "first",
		Capability: CapabilityFunc(func(_ context.Context, _ StageInput) (StateDelta, error) {
			cancel()
			return StateDelta{Put: map[string]Artifact{"a": {Content: "x"}}}, nil
		}),
	}
	second := putStage("second", "first")

	_, err := NewOrchestrator(fs, Options{}).Run(ctx, []StageDefinition{first, second}, st)
	require.Error(t, err)
	// The in-flight stage's delta was applied and persisted before the
	// cancellation check ran.
	require.Equal(t, []string{"first"}, st.Completed)
}
