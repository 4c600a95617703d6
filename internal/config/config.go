// Package config loads the YAML run configuration, applies defaults, and
// hashes the effective configuration for drift detection on resume.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/loom/internal/fingerprint"
	"github.com/danshapiro/loom/internal/generate"
	"github.com/danshapiro/loom/internal/pipeline"
)

type BackoffConfig struct {
	InitialDelayMS *int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  *float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     *int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         bool     `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

type GenerationConfig struct {
	MinWords      int           `json:"min_words,omitempty" yaml:"min_words,omitempty"`
	Perspective   string        `json:"perspective,omitempty" yaml:"perspective,omitempty"`
	CallTimeoutMS *int          `json:"call_timeout_ms,omitempty" yaml:"call_timeout_ms,omitempty"`
	Backoff       BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

type BudgetConfig struct {
	MaxRetriesPerStage *int `json:"max_retries_per_stage,omitempty" yaml:"max_retries_per_stage,omitempty"`
	MaxTotalRetries    *int `json:"max_total_retries,omitempty" yaml:"max_total_retries,omitempty"`
}

type IntegrityConfig struct {
	MinCountRatio    *float64 `json:"min_count_ratio,omitempty" yaml:"min_count_ratio,omitempty"`
	MaxMarkerRatio   *float64 `json:"max_marker_ratio,omitempty" yaml:"max_marker_ratio,omitempty"`
	ForbiddenMarkers []string `json:"forbidden_markers,omitempty" yaml:"forbidden_markers,omitempty"`
	IncludeGlobs     []string `json:"include_globs,omitempty" yaml:"include_globs,omitempty"`
}

type StageConfig struct {
	Name          string   `json:"name" yaml:"name"`
	Requires      []string `json:"requires,omitempty" yaml:"requires,omitempty"`
	ParallelGroup string   `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty"`
	Destructive   bool     `json:"destructive,omitempty" yaml:"destructive,omitempty"`

	// Capability names a registered stage implementation.
	Capability string `json:"capability" yaml:"capability"`

	Prompt      string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	ArtifactKey string `json:"artifact_key,omitempty" yaml:"artifact_key,omitempty"`
	TargetWords int    `json:"target_words,omitempty" yaml:"target_words,omitempty"`
	Ensemble    int    `json:"ensemble,omitempty" yaml:"ensemble,omitempty"`
}

// File is the run configuration document.
type File struct {
	Version int `json:"version" yaml:"version"`

	Run struct {
		ID          string `json:"id,omitempty" yaml:"id,omitempty"`
		StateRoot   string `json:"state_root,omitempty" yaml:"state_root,omitempty"`
		Concurrency *int   `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	} `json:"run" yaml:"run"`

	Breaker struct {
		Threshold *int `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	} `json:"breaker,omitempty" yaml:"breaker,omitempty"`

	Integrity IntegrityConfig `json:"integrity,omitempty" yaml:"integrity,omitempty"`

	Drift struct {
		Threshold *float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	} `json:"drift,omitempty" yaml:"drift,omitempty"`

	Budget     BudgetConfig     `json:"budget,omitempty" yaml:"budget,omitempty"`
	Generation GenerationConfig `json:"generation,omitempty" yaml:"generation,omitempty"`

	Stages []StageConfig `json:"stages" yaml:"stages"`
}

// Load reads, strictly decodes, defaults, and validates a config file. YAML
// is the default; .json files decode as JSON.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func (f *File) applyDefaults() {
	if f.Version == 0 {
		f.Version = 1
	}
	if strings.TrimSpace(f.Run.StateRoot) == "" {
		f.Run.StateRoot = defaultStateRoot()
	}
	if f.Run.Concurrency == nil {
		v := 4
		f.Run.Concurrency = &v
	}
	if f.Breaker.Threshold == nil {
		v := 3
		f.Breaker.Threshold = &v
	}
	if f.Integrity.MinCountRatio == nil {
		v := 0.5
		f.Integrity.MinCountRatio = &v
	}
	if f.Integrity.MaxMarkerRatio == nil {
		v := 0.3
		f.Integrity.MaxMarkerRatio = &v
	}
	if len(f.Integrity.ForbiddenMarkers) == 0 {
		f.Integrity.ForbiddenMarkers = pipeline.DefaultIntegrityConfig().ForbiddenMarkers
	}
	if f.Drift.Threshold == nil {
		v := fingerprint.DefaultDriftThreshold
		f.Drift.Threshold = &v
	}
	if f.Budget.MaxRetriesPerStage == nil {
		v := 1
		f.Budget.MaxRetriesPerStage = &v
	}
	if f.Generation.Perspective == "" {
		f.Generation.Perspective = string(generate.PerspectiveThird)
	}
	if f.Generation.CallTimeoutMS == nil {
		v := 120_000
		f.Generation.CallTimeoutMS = &v
	}
	def := generate.DefaultBackoffConfig()
	if f.Generation.Backoff.InitialDelayMS == nil {
		f.Generation.Backoff.InitialDelayMS = &def.InitialDelayMS
	}
	if f.Generation.Backoff.BackoffFactor == nil {
		f.Generation.Backoff.BackoffFactor = &def.BackoffFactor
	}
	if f.Generation.Backoff.MaxDelayMS == nil {
		f.Generation.Backoff.MaxDelayMS = &def.MaxDelayMS
	}
}

func (f *File) validate() error {
	if len(f.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	seen := map[string]bool{}
	for _, s := range f.Stages {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate stage %q", name)
		}
		seen[name] = true
		if strings.TrimSpace(s.Capability) == "" {
			return fmt.Errorf("stage %q has no capability", name)
		}
	}
	for _, s := range f.Stages {
		for _, req := range s.Requires {
			if !seen[req] {
				return fmt.Errorf("stage %q requires unknown stage %q", s.Name, req)
			}
		}
	}
	if *f.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker threshold must be >= 1")
	}
	if *f.Drift.Threshold < 0 || *f.Drift.Threshold > 1 {
		return fmt.Errorf("drift threshold must be in [0,1]")
	}
	return nil
}

// Hash returns the blake3 hex digest of the effective (post-default)
// configuration. Stored in RunState and recomputed on resume.
func (f *File) Hash() string {
	b, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

// PipelineOptions converts the config into orchestrator options.
func (f *File) PipelineOptions(runDir string) pipeline.Options {
	return pipeline.Options{
		RunDir:           runDir,
		BreakerThreshold: *f.Breaker.Threshold,
		Concurrency:      *f.Run.Concurrency,
		Integrity: &pipeline.IntegrityConfig{
			MinCountRatio:    *f.Integrity.MinCountRatio,
			MaxMarkerRatio:   *f.Integrity.MaxMarkerRatio,
			ForbiddenMarkers: f.Integrity.ForbiddenMarkers,
			IncludeGlobs:     f.Integrity.IncludeGlobs,
		},
	}
}

// ControllerOptions converts the config into attempt-controller options.
func (f *File) ControllerOptions(runID string) generate.ControllerOptions {
	return generate.ControllerOptions{
		RunID: runID,
		Budget: generate.Budget{
			MaxRetriesPerStage: intOrZero(f.Budget.MaxRetriesPerStage),
			MaxTotalRetries:    intOrZero(f.Budget.MaxTotalRetries),
		},
		Backoff: generate.BackoffConfig{
			InitialDelayMS: *f.Generation.Backoff.InitialDelayMS,
			BackoffFactor:  *f.Generation.Backoff.BackoffFactor,
			MaxDelayMS:     *f.Generation.Backoff.MaxDelayMS,
			Jitter:         f.Generation.Backoff.Jitter,
		},
		CallTimeout: time.Duration(*f.Generation.CallTimeoutMS) * time.Millisecond,
		Concurrency: *f.Run.Concurrency,
	}
}

// GateConfig returns the quality-gate defaults for narrative stages.
func (f *File) GateConfig() generate.GateConfig {
	return generate.GateConfig{
		MinWords:    f.Generation.MinWords,
		Perspective: generate.Perspective(f.Generation.Perspective),
	}
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func defaultStateRoot() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "loom", "runs")
}
