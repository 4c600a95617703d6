package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-1", "hash-1")
	st.Artifacts["ch_001"] = Artifact{
		Content:   "The harbor was empty at dawn.",
		Meta:      map[string]any{"words": "6"},
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	st.Completed = []string{"outline", "draft"}
	st.Budget = BudgetUsage{Tokens: 1200, Calls: 3, CorrectiveRetries: 1}
	st.StageMetrics = map[string]IssueCounts{"draft": {"conversational_preamble": 1}}

	if err := fs.Save(st); err != nil {
		t.Fatal(err)
	}
	got, err := fs.Load("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != "run-1" || got.ConfigHash != "hash-1" {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if len(got.Completed) != 2 || got.Completed[1] != "draft" {
		t.Fatalf("completed = %v", got.Completed)
	}
	if got.Artifacts["ch_001"].Content != st.Artifacts["ch_001"].Content {
		t.Fatal("artifact content lost")
	}
	if got.Budget != st.Budget {
		t.Fatalf("budget = %+v", got.Budget)
	}
	if got.StageMetrics["draft"]["conversational_preamble"] != 1 {
		t.Fatalf("metrics = %v", got.StageMetrics)
	}
}

func TestFileStore_LoadMissingIsNotFound(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	_, err := fs.Load("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStore_CorruptStateIsPersistenceError(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "run-x")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs := NewFileStore(root)
	_, err := fs.Load("run-x")
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PersistenceError", err)
	}
	if pe.Op != "load" {
		t.Fatalf("op = %q", pe.Op)
	}
	// The corrupt file must survive for inspection.
	if _, statErr := os.Stat(filepath.Join(dir, "state.json")); statErr != nil {
		t.Fatal("corrupt state was discarded")
	}
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	fs := NewFileStore(t.TempDir())
	st := NewRunState("run-2", "h")
	for i := 0; i < 5; i++ {
		st.UpdatedAt = time.Now().UTC()
		if err := fs.Save(st); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(fs.Root, "run-2"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want only state.json", len(entries))
	}
}
