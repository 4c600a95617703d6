package pipeline

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IntegrityConfig tunes the post-stage integrity check. Thresholds are policy
// defaults, not load-bearing constants.
type IntegrityConfig struct {
	// MinCountRatio fails the check when the included-artifact count after the
	// stage drops below this fraction of the pre-stage count.
	MinCountRatio float64 `json:"min_count_ratio" yaml:"min_count_ratio"`

	// MaxMarkerRatio fails the check when more than this fraction of included
	// artifacts contain a forbidden marker.
	MaxMarkerRatio float64 `json:"max_marker_ratio" yaml:"max_marker_ratio"`

	// ForbiddenMarkers are boilerplate fragments that indicate the service
	// emitted a placeholder instead of content.
	ForbiddenMarkers []string `json:"forbidden_markers,omitempty" yaml:"forbidden_markers,omitempty"`

	// IncludeGlobs selects which artifact keys count toward the check
	// (doublestar patterns). Empty means every key.
	IncludeGlobs []string `json:"include_globs,omitempty" yaml:"include_globs,omitempty"`
}

func DefaultIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{
		MinCountRatio:  0.5,
		MaxMarkerRatio: 0.3,
		ForbiddenMarkers: []string{
			"[PLACEHOLDER",
			"[TODO",
			"Lorem ipsum",
			"YOUR CONTENT HERE",
			"rest of the text unchanged",
		},
	}
}

// IntegrityViolation describes why the check failed.
type IntegrityViolation struct {
	Stage       string
	CountBefore int
	CountAfter  int
	MarkerRatio float64
	Reason      string
}

func (v *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity check failed after stage %q: %s", v.Stage, v.Reason)
}

// checkIntegrity compares the artifact collection against the pre-stage
// snapshot count. Both checks run over keys selected by IncludeGlobs.
func checkIntegrity(cfg IntegrityConfig, stage string, preCount int, artifacts map[string]Artifact) *IntegrityViolation {
	included := 0
	marked := 0
	for key, a := range artifacts {
		if !includeKey(cfg.IncludeGlobs, key) {
			continue
		}
		included++
		if containsMarker(cfg.ForbiddenMarkers, a.Content) {
			marked++
		}
	}

	if preCount > 0 && cfg.MinCountRatio > 0 {
		ratio := float64(included) / float64(preCount)
		if ratio < cfg.MinCountRatio {
			return &IntegrityViolation{
				Stage:       stage,
				CountBefore: preCount,
				CountAfter:  included,
				Reason:      fmt.Sprintf("artifact count dropped to %d of %d (ratio %.2f < %.2f)", included, preCount, ratio, cfg.MinCountRatio),
			}
		}
	}

	if included > 0 && cfg.MaxMarkerRatio > 0 {
		ratio := float64(marked) / float64(included)
		if ratio > cfg.MaxMarkerRatio {
			return &IntegrityViolation{
				Stage:       stage,
				CountBefore: preCount,
				CountAfter:  included,
				MarkerRatio: ratio,
				Reason:      fmt.Sprintf("%d of %d artifacts contain forbidden markers (ratio %.2f > %.2f)", marked, included, ratio, cfg.MaxMarkerRatio),
			}
		}
	}
	return nil
}

// includedCount counts the keys the integrity check would consider.
func includedCount(cfg IntegrityConfig, artifacts map[string]Artifact) int {
	n := 0
	for key := range artifacts {
		if includeKey(cfg.IncludeGlobs, key) {
			n++
		}
	}
	return n
}

func includeKey(globs []string, key string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, err := doublestar.Match(g, key); err == nil && ok {
			return true
		}
	}
	return false
}

func containsMarker(markers []string, content string) bool {
	lower := strings.ToLower(content)
	for _, m := range markers {
		if m == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
