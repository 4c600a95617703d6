// Package generate wraps calls to an external, non-deterministic generation
// service with a structural quality gate, issue-specific corrective retry,
// and attempt/cost budget enforcement.
package generate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Options carries per-call service options. The boundary contract guarantees
// only "some text or an error" with no well-formedness promises.
type Options struct {
	Stop           []string
	MaxOutputChars int
	StructuredHint string
}

// Generator is the external generation service boundary.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt string, opts Options) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

// withTimeout bounds every service call. A timeout is treated as a failed
// attempt under the normal retry/budget rules, never as a distinct error
// class, so downstream logic needs no separate timeout path.
func withTimeout(gen Generator, timeout time.Duration) Generator {
	if timeout <= 0 {
		return gen
	}
	return GeneratorFunc(func(ctx context.Context, prompt string, opts Options) (string, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return gen.Generate(cctx, prompt, opts)
	})
}

// ScriptedGenerator replays a fixed response sequence. Test double for the
// service boundary; safe for concurrent use.
type ScriptedGenerator struct {
	mu        sync.Mutex
	Responses []string
	Errs      []error
	calls     int
	prompts   []string
}

func (g *ScriptedGenerator) Generate(_ context.Context, prompt string, _ Options) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.calls
	g.calls++
	g.prompts = append(g.prompts, prompt)
	if i < len(g.Errs) && g.Errs[i] != nil {
		return "", g.Errs[i]
	}
	if i < len(g.Responses) {
		return g.Responses[i], nil
	}
	if len(g.Responses) == 0 {
		return "", fmt.Errorf("scripted generator: no responses configured")
	}
	return g.Responses[len(g.Responses)-1], nil
}

// Calls reports how many times the service was invoked.
func (g *ScriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Prompts returns a copy of every prompt seen, in call order.
func (g *ScriptedGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string{}, g.prompts...)
}

// PromptContains reports whether any recorded prompt contains substr.
func (g *ScriptedGenerator) PromptContains(substr string) bool {
	for _, p := range g.Prompts() {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}
