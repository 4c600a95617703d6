package pipeline

// Snapshot is a full deep copy of the artifact collection, taken before any
// destructive stage dispatches work and restored wholesale when the
// post-stage integrity check fails.
type Snapshot struct {
	Stage     string
	artifacts map[string]Artifact
}

// takeSnapshot deep-copies artifacts so the snapshot shares no references
// with the live map. Values keep their dynamic types, so a restore returns
// the collection exactly as it was.
func takeSnapshot(stage string, artifacts map[string]Artifact) *Snapshot {
	return &Snapshot{Stage: stage, artifacts: cloneArtifacts(artifacts)}
}

// Restore returns a fresh artifact map; restoring twice yields independent
// maps.
func (s *Snapshot) Restore() map[string]Artifact {
	return cloneArtifacts(s.artifacts)
}

// Count is the artifact count at snapshot time, used by the integrity check.
func (s *Snapshot) Count() int { return len(s.artifacts) }
