package pipeline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type RunStateKind string

const (
	StateUnknown RunStateKind = "unknown"
	StateRunning RunStateKind = "running"
	StateSuccess RunStateKind = "success"
	StateFail    RunStateKind = "fail"
)

// RunStatus is a compact snapshot of a run's progress, reconstructed from the
// files under its run directory.
type RunStatus struct {
	RunID         string
	Dir           string
	State         RunStateKind
	CurrentStage  string
	Completed     []string
	LastEvent     string
	LastEventAt   time.Time
	FailureReason string
	Flags         []string
}

// Status reads the run directory and returns a compact status snapshot.
// final.json is authoritative when present; live.json and progress.ndjson
// are best-effort activity feeds and never override a terminal state.
func Status(runDir string) (*RunStatus, error) {
	dir := strings.TrimSpace(runDir)
	if dir == "" {
		return nil, fmt.Errorf("run directory is required")
	}
	s := &RunStatus{Dir: dir, State: StateUnknown}

	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	terminal := s.State == StateSuccess || s.State == StateFail

	if !terminal {
		if err := applyLiveOrProgress(s); err != nil {
			return nil, err
		}
		if s.LastEvent != "" {
			s.State = StateRunning
		}
	}

	if st, err := NewFileStore(filepath.Dir(dir)).Load(filepath.Base(dir)); err == nil {
		s.RunID = st.RunID
		s.Completed = st.Completed
		s.Flags = st.Flags
	}
	return s, nil
}

func applyFinalOutcome(s *RunStatus) error {
	path := filepath.Join(s.Dir, "final.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var doc FinalOutcome
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.RunID != "" {
		s.RunID = doc.RunID
	}
	switch doc.Status {
	case FinalSuccess:
		s.State = StateSuccess
	case FinalFail:
		s.State = StateFail
		s.FailureReason = doc.FailureReason
	}
	if !doc.Timestamp.IsZero() {
		s.LastEventAt = doc.Timestamp
	}
	return nil
}

func applyLiveOrProgress(s *RunStatus) error {
	ev, found, err := readEventFile(filepath.Join(s.Dir, "live.json"))
	if err != nil {
		return err
	}
	if !found {
		ev, found, err = readLastProgressEvent(filepath.Join(s.Dir, "progress.ndjson"))
		if err != nil {
			return err
		}
	}
	if !found {
		return nil
	}

	if rid := eventString(ev["run_id"]); rid != "" && s.RunID == "" {
		s.RunID = rid
	}
	s.LastEvent = eventString(ev["event"])
	s.CurrentStage = eventString(ev["stage"])
	if ts := parseEventTime(ev["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	if reason := eventString(ev["reason"]); reason != "" {
		s.FailureReason = reason
	}
	return nil
}

func readEventFile(path string) (map[string]any, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ev map[string]any
	if err := json.Unmarshal(b, &ev); err != nil {
		// A torn live.json is not fatal; fall back to the progress log.
		return nil, false, nil
	}
	return ev, true, nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	var last map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// A torn trailing line is expected after a crash.
			continue
		}
		last = ev
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	return last, last != nil, nil
}

func eventString(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func parseEventTime(v any) time.Time {
	s := eventString(v)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
