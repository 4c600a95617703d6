package generate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Degradation flags recorded on outcomes. The run proceeds in degraded mode
// rather than failing when one of these is raised.
const (
	FlagBudgetExhausted      = "BUDGET_EXHAUSTED"
	FlagDegradedFallbackUsed = "DEGRADED_FALLBACK_USED"
)

// Budget caps corrective retries. Exceeding either cap is not a failure: the
// best attempt so far is accepted and BUDGET_EXHAUSTED recorded.
type Budget struct {
	MaxRetriesPerStage int
	MaxTotalRetries    int
}

// BudgetTracker enforces a Budget across every Generate call in a run. Safe
// for concurrent use by parallel per-artifact workers.
type BudgetTracker struct {
	mu       sync.Mutex
	cfg      Budget
	perStage map[string]int
	total    int
}

func NewBudgetTracker(cfg Budget) *BudgetTracker {
	return &BudgetTracker{cfg: cfg, perStage: map[string]int{}}
}

// tryConsume reserves one corrective retry for stage, or reports that the
// budget is exhausted.
func (t *BudgetTracker) tryConsume(stage string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.MaxRetriesPerStage > 0 && t.perStage[stage] >= t.cfg.MaxRetriesPerStage {
		return false
	}
	if t.cfg.MaxTotalRetries > 0 && t.total >= t.cfg.MaxTotalRetries {
		return false
	}
	t.perStage[stage]++
	t.total++
	return true
}

// TotalRetries reports run-wide corrective retry consumption.
func (t *BudgetTracker) TotalRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Request describes one logical generation request, which may require
// multiple underlying service calls.
type Request struct {
	Stage       string
	ArtifactKey string
	Prompt      string
	Options     Options
	Gate        GateConfig
	TargetWords int

	// Ensemble > 1 issues that many independent primary calls with distinct
	// framing variants and selects the best-scoring passing candidate.
	Ensemble int
	// Variants optionally supplies framing preambles for ensemble calls.
	Variants []string
}

// Outcome is the accepted result of one logical request. Only this output and
// an issue summary outlive the call; non-selected candidates are discarded.
type Outcome struct {
	Text              string
	Verdict           Verdict
	Attempts          int
	CorrectiveRetries int
	Flags             []string
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	RunID       string
	Budget      Budget
	Backoff     BackoffConfig
	CallTimeout time.Duration
	Concurrency int
}

// Controller wraps the generation service with the quality gate, corrective
// retry, and budget enforcement. Stateless per call apart from the shared
// budget tracker; safe to invoke from concurrent workers.
type Controller struct {
	gen         Generator
	budget      *BudgetTracker
	backoff     BackoffConfig
	runID       string
	concurrency int
}

func NewController(gen Generator, opts ControllerOptions) *Controller {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Backoff == (BackoffConfig{}) {
		opts.Backoff = DefaultBackoffConfig()
	}
	if opts.Budget == (Budget{}) {
		// An unbounded retry loop against an always-failing gate would never
		// terminate; default to one corrective retry per stage.
		opts.Budget = Budget{MaxRetriesPerStage: 1}
	}
	return &Controller{
		gen:         withTimeout(gen, opts.CallTimeout),
		budget:      NewBudgetTracker(opts.Budget),
		backoff:     opts.Backoff,
		runID:       opts.RunID,
		concurrency: opts.Concurrency,
	}
}

// Budget exposes the shared tracker so callers can report consumption.
func (c *Controller) Budget() *BudgetTracker { return c.budget }

// Generate performs the primary call (or ensemble), gates the output, and
// applies budget-bounded corrective retries for fixable defects. It returns
// an error only on context cancellation; every content problem surfaces in
// the Outcome instead.
func (c *Controller) Generate(ctx context.Context, req Request) (Outcome, error) {
	if req.Ensemble > 1 {
		return c.generateEnsemble(ctx, req)
	}

	out := Outcome{}
	cand, err := c.attempt(ctx, req, req.Prompt, 1, false)
	if err != nil {
		return out, err
	}
	out.Attempts = 1
	chosen := cand

	// Corrective retry loop: explicit and budget-bounded, never recursive.
	// Each iteration amends the prompt to name the defects just observed.
	for !chosen.verdict.Pass {
		fixable := fixableIssues(chosen.verdict.Issues)
		if len(fixable) == 0 {
			// Non-fixable defects (pov drift, too short) never trigger an
			// automatic retry on their own.
			break
		}
		if !c.budget.tryConsume(req.Stage) {
			out.Flags = appendFlag(out.Flags, FlagBudgetExhausted)
			break
		}
		if !sleepWithContext(ctx, DelayForAttempt(out.CorrectiveRetries+1, c.backoff, backoffSeed(c.runID, req.Stage, out.Attempts))) {
			return out, context.Cause(ctx)
		}
		retry, err := c.attempt(ctx, req, correctivePrompt(req.Prompt, fixable), out.Attempts+1, true)
		if err != nil {
			return out, err
		}
		out.Attempts++
		out.CorrectiveRetries++
		if better(retry, chosen, req.TargetWords) {
			chosen = retry
		}
		if retry.verdict.Pass {
			chosen = retry
			break
		}
		// If the retry reproduced the same defects, looping again only
		// helps while budget remains; the tracker bounds it.
	}

	out.Text = chosen.text
	out.Verdict = chosen.verdict
	return out, nil
}

// generateEnsemble issues K independent primary calls with distinct framing
// variants and selects the best passing candidate. When none pass it makes
// one stricter retry, then falls back to the best-scoring candidate overall
// and records DEGRADED_FALLBACK_USED. Never more than one retry beyond the K
// primaries.
func (c *Controller) generateEnsemble(ctx context.Context, req Request) (Outcome, error) {
	k := req.Ensemble
	out := Outcome{}

	cands := make([]candidate, k)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := 0; i < k; i++ {
		i := i
		g.Go(func() error {
			prompt := req.Prompt
			if i < len(req.Variants) && strings.TrimSpace(req.Variants[i]) != "" {
				prompt = req.Variants[i] + "\n\n" + req.Prompt
			}
			cand, err := c.attempt(gctx, req, prompt, i+1, false)
			if err != nil {
				return err
			}
			cands[i] = cand
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	out.Attempts = k

	var passing []candidate
	for _, cand := range cands {
		if cand.verdict.Pass {
			passing = append(passing, cand)
		}
	}
	if len(passing) > 0 {
		chosen := best(passing, req.TargetWords)
		out.Text = chosen.text
		out.Verdict = chosen.verdict
		return out, nil
	}

	// One stricter retry naming every defect seen across candidates.
	if c.budget.tryConsume(req.Stage) {
		if !sleepWithContext(ctx, DelayForAttempt(1, c.backoff, backoffSeed(c.runID, req.Stage, k+1))) {
			return out, context.Cause(ctx)
		}
		retry, err := c.attempt(ctx, req, correctivePrompt(req.Prompt, collectIssues(cands)), k+1, true)
		if err != nil {
			return out, err
		}
		out.Attempts++
		out.CorrectiveRetries++
		if retry.verdict.Pass {
			out.Text = retry.text
			out.Verdict = retry.verdict
			return out, nil
		}
		cands = append(cands, retry)
	} else {
		out.Flags = appendFlag(out.Flags, FlagBudgetExhausted)
	}

	chosen := best(cands, req.TargetWords)
	out.Text = chosen.text
	out.Verdict = chosen.verdict
	out.Flags = appendFlag(out.Flags, FlagDegradedFallbackUsed)
	return out, nil
}

// attempt makes one service call and gates it. Service errors (including
// timeouts) become a failed attempt with a service_error issue rather than a
// distinct error path; only cancellation of the run context propagates.
func (c *Controller) attempt(ctx context.Context, req Request, prompt string, n int, corrective bool) (candidate, error) {
	raw, err := c.gen.Generate(ctx, prompt, req.Options)
	if err != nil {
		if ctx.Err() != nil {
			return candidate{}, context.Cause(ctx)
		}
		return candidate{
			attempt:    n,
			corrective: corrective,
			verdict: Verdict{Issues: []Issue{{
				Category: IssueServiceError,
				Detail:   err.Error(),
			}}},
		}, nil
	}
	return candidate{
		text:       raw,
		verdict:    Evaluate(raw, req.Gate),
		attempt:    n,
		corrective: corrective,
	}, nil
}

func fixableIssues(issues []Issue) []Issue {
	var out []Issue
	for _, is := range issues {
		if is.Category.Fixable() {
			out = append(out, is)
		}
	}
	return out
}

func collectIssues(cands []candidate) []Issue {
	seen := map[IssueCategory]bool{}
	var out []Issue
	for _, cand := range cands {
		for _, is := range cand.verdict.Issues {
			if !seen[is.Category] {
				seen[is.Category] = true
				out = append(out, is)
			}
		}
	}
	return out
}

// correctivePrompt amends the request with an explicit description of each
// detected defect.
func correctivePrompt(base string, issues []Issue) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nYour previous response had the following problems:\n")
	for _, is := range issues {
		fmt.Fprintf(&b, "- %s: %s\n", is.Category, is.Detail)
	}
	b.WriteString("Regenerate the complete content with these problems fixed. ")
	b.WriteString("Output only the content itself, with no preamble, commentary, or alternatives.")
	return b.String()
}

func appendFlag(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
