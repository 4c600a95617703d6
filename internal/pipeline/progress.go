package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProgressLog appends one JSON object per event to progress.ndjson and
// mirrors the latest event into live.json so observers can poll a single
// small file. Writes are best-effort; a full disk must not abort the run.
type ProgressLog struct {
	mu     sync.Mutex
	dir    string
	runID  string
	lastAt time.Time

	// Optional extra sink for tests and embedding callers.
	Sink func(map[string]any)
}

func NewProgressLog(dir, runID string) *ProgressLog {
	return &ProgressLog{dir: dir, runID: runID}
}

// Append stamps the event with ts and run_id and writes it out.
func (p *ProgressLog) Append(ev map[string]any) {
	if p == nil || ev == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	p.lastAt = now
	ev["ts"] = now.Format(time.RFC3339Nano)
	if p.runID != "" {
		ev["run_id"] = p.runID
	}

	if p.Sink != nil {
		p.Sink(ev)
	}
	if p.dir == "" {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = os.MkdirAll(p.dir, 0o755)
	f, err := os.OpenFile(filepath.Join(p.dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		_, _ = f.Write(append(b, '\n'))
		_ = f.Close()
	}
	_ = os.WriteFile(filepath.Join(p.dir, "live.json"), b, 0o644)
}

// LastEventAt reports when the most recent event was appended.
func (p *ProgressLog) LastEventAt() time.Time {
	if p == nil {
		return time.Time{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAt
}
