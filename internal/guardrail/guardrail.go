// Package guardrail implements the Guardrail Engine (C10): it runs a
// guardrail's configured probes against a request/response payload and
// merges their verdicts into a single decision.
//
// Grounded on original_source/guardrail.rs: probe task creation (including
// rule-splitting probes), parallel/sequential execution with fail-fast or
// best-effort failure handling, and category/score merging.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/inference-gateway/internal/configplane"
	"github.com/nulpointcorp/inference-gateway/internal/providers"
)

// Direction identifies which side of the request the payload being
// evaluated came from.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Probe runs a single provider's moderation check and returns its verdict.
// Implementations wrap a providers.ModerationProvider (or an external
// guardrail-specific API) behind a name and rule set.
type Probe interface {
	ID() string
	Run(ctx context.Context, input []string) (*providers.ModerationResponse, error)
}

// ProviderResult is one probe's outcome, including any error encountered.
type ProviderResult struct {
	ProbeID string
	Result  *providers.ModerationResponse
	Err     error
	Flagged bool
}

// Result is the merged outcome of evaluating every probe a guardrail
// declares for the requested direction.
type Result struct {
	GuardrailID      string
	Flagged          bool
	ProviderResults  []ProviderResult
	MergedCategories providers.ModerationCategories
	MergedScores     providers.ModerationCategoryScores
	AllProbesErrored bool
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func mergeResults(results []ProviderResult) (providers.ModerationCategories, providers.ModerationCategoryScores) {
	var cats providers.ModerationCategories
	var scores providers.ModerationCategoryScores

	for _, pr := range results {
		if pr.Err != nil || pr.Result == nil {
			continue
		}
		for _, r := range pr.Result.Results {
			cats.Hate = cats.Hate || r.Categories.Hate
			cats.Violence = cats.Violence || r.Categories.Violence
			cats.SelfHarm = cats.SelfHarm || r.Categories.SelfHarm
			cats.Sexual = cats.Sexual || r.Categories.Sexual
			scores.Hate = maxFloat(scores.Hate, r.CategoryScores.Hate)
			scores.Violence = maxFloat(scores.Violence, r.CategoryScores.Violence)
			scores.SelfHarm = maxFloat(scores.SelfHarm, r.CategoryScores.SelfHarm)
			scores.Sexual = maxFloat(scores.Sexual, r.CategoryScores.Sexual)
		}
	}
	return cats, scores
}

func maxScore(scores providers.ModerationCategoryScores) float64 {
	m := scores.Hate
	m = maxFloat(m, scores.Violence)
	m = maxFloat(m, scores.SelfHarm)
	m = maxFloat(m, scores.Sexual)
	return m
}

// Engine evaluates guardrails by dispatching their probes through a probe
// registry and merging the results.
type Engine struct {
	plane    *configplane.Plane
	registry ProbeFactory
	log      *slog.Logger
}

// ProbeFactory builds the Probe implementation for one (provider, probe)
// pair declared in a guardrail's provider config.
type ProbeFactory func(provider, probeName string, rules []string) (Probe, error)

// New returns an Engine that resolves probes via factory.
func New(plane *configplane.Plane, factory ProbeFactory, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{plane: plane, registry: factory, log: log}
}

// Evaluate runs every probe task created from cfg against input for the
// given direction and merges the outcomes.
func (e *Engine) Evaluate(ctx context.Context, cfg *configplane.GuardrailConfig, input []string, dir Direction) (*Result, error) {
	if !cfg.GuardTypes[string(dir)] {
		return &Result{GuardrailID: cfg.ID}, nil
	}

	tasks := e.createProbeTasks(cfg)

	var results []ProviderResult
	var err error
	if cfg.ExecutionMode == "sequential" {
		results, err = e.executeSequential(ctx, tasks, cfg, input)
	} else {
		results, err = e.executeParallel(ctx, tasks, cfg, input)
	}
	if err != nil {
		return nil, err
	}

	allErrored := len(results) > 0
	for _, r := range results {
		if r.Err == nil {
			allErrored = false
			break
		}
	}
	if len(tasks) == 0 {
		allErrored = false
	}

	cats, scores := mergeResults(results)
	flagged := false
	for _, r := range results {
		if r.Err == nil && r.Flagged {
			flagged = true
			break
		}
	}
	if !flagged && maxScore(scores) >= cfg.SeverityThreshold && cfg.SeverityThreshold > 0 {
		flagged = true
	}

	return &Result{
		GuardrailID:      cfg.ID,
		Flagged:          flagged,
		ProviderResults:  results,
		MergedCategories: cats,
		MergedScores:     scores,
		AllProbesErrored: allErrored,
	}, nil
}

type probeTask struct {
	provider string
	probeID  string
	rules    []string
}

// createProbeTasks mirrors guardrail.rs's create_probe_tasks: one task per
// configured (provider, probe), except protected-material-detection on
// azure_content_safety, which splits into one task per rule.
func (e *Engine) createProbeTasks(cfg *configplane.GuardrailConfig) []probeTask {
	var tasks []probeTask
	for _, pc := range cfg.Providers {
		if pc.ProbeName == "protected-material-detection" && pc.Provider == "azure_content_safety" {
			for _, rule := range pc.Rules {
				var specific string
				switch rule {
				case "text":
					specific = "protected-material-detection-text"
				case "code-preview":
					specific = "protected-material-detection-code"
				default:
					continue
				}
				tasks = append(tasks, probeTask{provider: pc.Provider, probeID: specific, rules: []string{rule}})
			}
			continue
		}

		tasks = append(tasks, probeTask{provider: pc.Provider, probeID: pc.ProbeName, rules: pc.Rules})
	}
	return tasks
}

func (e *Engine) runTask(ctx context.Context, t probeTask, input []string) ProviderResult {
	probe, err := e.registry(t.provider, t.probeID, t.rules)
	if err != nil {
		return ProviderResult{ProbeID: t.probeID, Err: err}
	}
	resp, err := probe.Run(ctx, input)
	if err != nil {
		return ProviderResult{ProbeID: t.probeID, Err: err}
	}
	flagged := false
	for _, r := range resp.Results {
		if r.Flagged {
			flagged = true
			break
		}
	}
	return ProviderResult{ProbeID: t.probeID, Result: resp, Flagged: flagged}
}

// executeParallel launches every task concurrently. In fail-fast mode it
// uses errgroup so the first probe error cancels the context and aborts the
// others, mirroring FuturesUnordered's short-circuit on Err+FailFast. In
// best-effort mode every probe always runs to completion; an error is
// logged and folded into the result list as a non-flagged outcome.
func (e *Engine) executeParallel(ctx context.Context, tasks []probeTask, cfg *configplane.GuardrailConfig, input []string) ([]ProviderResult, error) {
	if cfg.FailureMode == "fail-fast" {
		g, gctx := errgroup.WithContext(ctx)
		results := make([]ProviderResult, len(tasks))
		for i, t := range tasks {
			i, t := i, t
			g.Go(func() error {
				r := e.runTask(gctx, t, input)
				if r.Err != nil {
					return fmt.Errorf("guardrail probe %s: %w", r.ProbeID, r.Err)
				}
				results[i] = r
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return results, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []ProviderResult
	for _, t := range tasks {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := e.runTask(ctx, t, input)
			if r.Err != nil {
				e.log.WarnContext(ctx, "guardrail probe failed in best-effort mode",
					slog.String("probe", t.probeID), slog.String("error", r.Err.Error()))
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, nil
}

// executeSequential runs tasks in order, stopping on the first flagged
// result (sequential mode's own short-circuit) and honoring fail-fast vs.
// best-effort on probe errors the same way executeParallel does.
func (e *Engine) executeSequential(ctx context.Context, tasks []probeTask, cfg *configplane.GuardrailConfig, input []string) ([]ProviderResult, error) {
	var results []ProviderResult
	for _, t := range tasks {
		r := e.runTask(ctx, t, input)
		if r.Err != nil {
			if cfg.FailureMode == "fail-fast" {
				return nil, fmt.Errorf("guardrail probe %s: %w", r.ProbeID, r.Err)
			}
			e.log.WarnContext(ctx, "guardrail probe failed in best-effort mode",
				slog.String("probe", t.probeID), slog.String("error", r.Err.Error()))
			results = append(results, r)
			continue
		}
		results = append(results, r)
		if r.Flagged {
			break
		}
	}
	return results, nil
}
