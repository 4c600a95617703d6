package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists run state. Save must be atomic: a crash mid-write never
// leaves corrupt or empty state behind.
type Store interface {
	Load(runID string) (*RunState, error)
	Save(state *RunState) error
}

// FileStore keeps one state.json per run under root/<run_id>/.
type FileStore struct {
	Root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (fs *FileStore) statePath(runID string) string {
	return filepath.Join(fs.Root, runID, "state.json")
}

// RunDir returns the per-run directory, creating it if needed.
func (fs *FileStore) RunDir(runID string) (string, error) {
	dir := filepath.Join(fs.Root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Load reads persisted state. Missing state is ErrNotFound; present but
// unreadable state is a *PersistenceError and must not be discarded.
func (fs *FileStore) Load(runID string) (*RunState, error) {
	path := fs.statePath(runID)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	var st RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	if st.RunID == "" {
		return nil, &PersistenceError{Op: "load", Path: path, Err: fmt.Errorf("state missing run_id")}
	}
	if st.Artifacts == nil {
		st.Artifacts = map[string]Artifact{}
	}
	return &st, nil
}

// Save writes state atomically: marshal, write a temp file in the same
// directory, fsync, then rename over the target.
func (fs *FileStore) Save(state *RunState) error {
	if state == nil || state.RunID == "" {
		return &PersistenceError{Op: "save", Path: fs.Root, Err: fmt.Errorf("state missing run_id")}
	}
	path := fs.statePath(state.RunID)
	if err := writeJSONAtomic(path, state); err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	return nil
}

// writeJSONAtomic writes v as indented JSON via temp-file-then-rename. The
// temp file lives in the destination directory so the rename never crosses a
// filesystem boundary.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
