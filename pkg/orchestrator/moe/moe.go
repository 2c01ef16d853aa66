// Package moe implements the Mixture-of-Experts orchestrator: score every
// enabled expert against the query, fan the top-k out in parallel, and mix
// their outputs into one synthesized answer.
package moe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/orchestrator/pkg/agent"
	"github.com/flowmesh/orchestrator/pkg/apperr"
	"github.com/flowmesh/orchestrator/pkg/cache"
	"github.com/flowmesh/orchestrator/pkg/config"
	"github.com/flowmesh/orchestrator/pkg/expert"
	"github.com/flowmesh/orchestrator/pkg/guardrail"
	"github.com/flowmesh/orchestrator/pkg/orchestrator"
	"github.com/flowmesh/orchestrator/pkg/trace"
)

// Tag identifies this strategy in traces, cache keys, and generated
// session ids.
const Tag = "moe"

// contribution is one expert's weighted contribution to the mix.
type contribution struct {
	expertID string
	weight   float64
	output   string
	err      error
}

// Orchestrator runs the five-phase MoE pipeline described by the component
// design: selection, cache lookup, parallel execution, mixing, synthesis.
type Orchestrator struct {
	factory   *expert.Factory
	runner    *expert.Runner
	cache     *cache.Cache
	guardrail *guardrail.Guardrail
	policy    config.MoEPolicy
}

// New builds an Orchestrator over the given factory/runner/cache/guardrail
// and policy (selection count, per-expert timeout, synthesizer, fallback
// text).
func New(factory *expert.Factory, runner *expert.Runner, resultCache *cache.Cache, gr *guardrail.Guardrail, policy config.MoEPolicy) *Orchestrator {
	return &Orchestrator{factory: factory, runner: runner, cache: resultCache, guardrail: gr, policy: policy}
}

func (o *Orchestrator) Tag() string { return Tag }

// score counts how many of a descriptor's capability tags appear as
// substrings of the (lowercased) query — a cheap, deterministic relevance
// signal that needs no extra LLM call for the selection phase.
func score(query string, d agent.Descriptor) int {
	lower := strings.ToLower(query)
	total := 0
	for _, tag := range d.CapabilityTags {
		if strings.Contains(lower, strings.ToLower(tag)) {
			total++
		}
	}
	return total
}

// selectExperts picks the top-k scoring descriptors, breaking ties by id
// lexicographically so repeated calls over the same config are
// reproducible.
func (o *Orchestrator) selectExperts(query string) []agent.Descriptor {
	descriptors := o.factory.Descriptors()
	sort.Slice(descriptors, func(i, j int) bool {
		si, sj := score(query, descriptors[i]), score(query, descriptors[j])
		if si != sj {
			return si > sj
		}
		return descriptors[i].ID < descriptors[j].ID
	})

	k := o.policy.SelectionCount
	if k <= 0 {
		k = 3
	}
	if k > len(descriptors) {
		k = len(descriptors)
	}
	return descriptors[:k]
}

func cacheKeyFor(selected []agent.Descriptor, query string) cache.Key {
	ids := make([]string, len(selected))
	for i, d := range selected {
		ids[i] = d.ID
	}
	return cache.Key{Orchestrator: Tag, Query: query, ExpertIDs: ids}
}

// Run executes the five-phase MoE pipeline against req.
func (o *Orchestrator) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	t := trace.New(Tag, requestIDFrom(req))
	defer t.Finish()

	selStart := time.Now()
	selected := o.selectExperts(req.Query)
	selectedIDs := make([]string, len(selected))
	for i, d := range selected {
		selectedIDs[i] = d.ID
	}
	t.SelectedExperts = selectedIDs
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseSelection, Label: "select top-k by capability tag", StartedAt: selStart, EndedAt: time.Now()})

	if len(selected) == 0 {
		t.Fallback = true
		return o.fallbackResult(t, "no enabled experts available"), nil
	}

	// compute runs phases 3-5 (parallel execution, mixing, synthesis) plus
	// the guardrail pass. It is handed to the cache's single-flight
	// GetOrCompute so that N concurrent requests for the same key run this
	// exactly once instead of each paying the full expert-execution cost.
	compute := func(ctx context.Context) (any, bool, error) {
		contributions, err := o.runParallel(ctx, t, selected, req)
		if err != nil {
			return nil, false, err
		}

		successes := make([]contribution, 0, len(contributions))
		for _, c := range contributions {
			if c.err == nil && strings.TrimSpace(c.output) != "" {
				successes = append(successes, c)
			}
		}

		var result *orchestrator.Result
		switch {
		case len(successes) == 0:
			t.Fallback = true
			result = o.fallbackResult(t, o.policy.FallbackText)
		case len(successes) == 1:
			t.ExpertsUsed = []string{successes[0].expertID}
			result = &orchestrator.Result{Answer: successes[0].output, ExpertsUsed: t.ExpertsUsed}
		default:
			answer, err := o.synthesize(ctx, t, req, successes)
			if err != nil {
				return nil, false, err
			}
			used := make([]string, len(successes))
			for i, c := range successes {
				used[i] = c.expertID
			}
			t.ExpertsUsed = used
			result = &orchestrator.Result{Answer: answer, ExpertsUsed: used}
		}

		result = o.applyGuardrail(ctx, t, req.Query, result)
		return *result, !t.Fallback, nil
	}

	if o.cache == nil {
		v, _, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		result := v.(orchestrator.Result)
		result.Trace = t.Snap()
		return &result, nil
	}

	key := cacheKeyFor(selected, req.Query)
	v, hit, err := o.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return nil, err
	}
	t.CacheHit = hit
	result := v.(orchestrator.Result)
	result.Trace = t.Snap()
	return &result, nil
}

func (o *Orchestrator) fallbackResult(t *trace.Trace, text string) *orchestrator.Result {
	if text == "" {
		text = "I wasn't able to find a good answer to that right now."
	}
	return &orchestrator.Result{Answer: text, Trace: t.Snap()}
}

// runParallel fans the selected experts out concurrently under one
// cancellable parent, grounded on the teacher's errgroup-based parallel
// fan-out: any expert's hard failure does not abort its siblings — each
// contribution records its own error instead — but an upstream context
// cancellation (the caller hung up) propagates to every expert within one
// scheduling tick via errgroup's derived context.
func (o *Orchestrator) runParallel(ctx context.Context, t *trace.Trace, selected []agent.Descriptor, req orchestrator.Request) ([]contribution, error) {
	deadline := o.policy.PerExpertTimeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	results := make([]contribution, len(selected))
	g, gctx := errgroup.WithContext(ctx)

	for i, d := range selected {
		i, d := i, d
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, deadline)
			defer cancel()

			w, err := o.factory.GetWorker(d.ID, nil)
			if err != nil {
				results[i] = contribution{expertID: d.ID, err: err}
				return nil
			}

			start := time.Now()
			res, err := o.runner.Run(callCtx, w, req.Query, "", req.MaxSteps)
			t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseExpert, Label: "moe fan-out", ExpertID: d.ID, StartedAt: start, EndedAt: time.Now(), Err: errString(err)})
			if err != nil {
				if ctx.Err() != nil {
					return apperr.Wrap(apperr.CodeCancelled, ctx.Err())
				}
				results[i] = contribution{expertID: d.ID, err: err}
				return nil
			}

			results[i] = contribution{expertID: d.ID, weight: float64(score(req.Query, d) + 1), output: res.FinalOutput}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// synthesize condenses the weighted survivor set using the configured
// synthesizer expert, or the highest-weight survivor's own descriptor if
// none is configured.
func (o *Orchestrator) synthesize(ctx context.Context, t *trace.Trace, req orchestrator.Request, successes []contribution) (string, error) {
	synthID := o.policy.Synthesizer
	if synthID == "" {
		best := successes[0]
		for _, c := range successes[1:] {
			if c.weight > best.weight {
				best = c
			}
		}
		synthID = best.expertID
	}

	w, err := o.factory.GetWorker(synthID, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeOrchestratorError, fmt.Errorf("resolve synthesizer %q: %w", synthID, err))
	}

	var sb strings.Builder
	sb.WriteString("Combine the following expert perspectives into one coherent answer to the user's question.\n\n")
	sb.WriteString("Question: " + req.Query + "\n\n")
	for _, c := range successes {
		fmt.Fprintf(&sb, "Expert %s (weight %.1f):\n%s\n\n", c.expertID, c.weight, c.output)
	}

	start := time.Now()
	res, err := o.runner.Run(ctx, w, sb.String(), "", req.MaxSteps)
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseSynthesis, Label: "mix weighted survivors", ExpertID: synthID, StartedAt: start, EndedAt: time.Now(), Err: errString(err)})
	if err != nil {
		return "", apperr.Wrap(apperr.CodeOrchestratorError, fmt.Errorf("synthesis: %w", err))
	}
	return res.FinalOutput, nil
}

func (o *Orchestrator) applyGuardrail(ctx context.Context, t *trace.Trace, query string, result *orchestrator.Result) *orchestrator.Result {
	if o.guardrail == nil {
		return result
	}
	start := time.Now()
	v := o.guardrail.Check(ctx, query, result.Answer)
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseGuardrail, Label: "hallucination check", StartedAt: start, EndedAt: time.Now()})
	if v == nil || !v.Triggered() {
		return result
	}
	result.Answer = v.SafeRepair
	result.GuardrailHit = true
	result.GuardrailRisk = string(v.Risk)
	result.GuardrailReason = v.Reason
	return result
}

func requestIDFrom(req orchestrator.Request) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return orchestrator.NewSessionID(Tag)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
