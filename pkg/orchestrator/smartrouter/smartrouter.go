// Package smartrouter implements the sequential, LLM-planned orchestrator:
// interpret the query, decompose it into dependency-ordered sub-queries,
// route each to an expert, execute respecting dependencies, synthesize,
// and optionally self-evaluate.
package smartrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/orchestrator/pkg/apperr"
	"github.com/flowmesh/orchestrator/pkg/config"
	"github.com/flowmesh/orchestrator/pkg/expert"
	"github.com/flowmesh/orchestrator/pkg/guardrail"
	"github.com/flowmesh/orchestrator/pkg/llm"
	"github.com/flowmesh/orchestrator/pkg/orchestrator"
	"github.com/flowmesh/orchestrator/pkg/trace"
)

// Tag identifies this strategy in traces and generated session ids.
const Tag = "smartrouter"

// status is one sub-query's position in the pending → dispatched →
// {succeeded, failed} state machine (plus the terminal skipped state for
// dependents of a failed sub-query).
type status string

const (
	statusPending    status = "pending"
	statusDispatched status = "dispatched"
	statusSucceeded  status = "succeeded"
	statusFailed     status = "failed"
	statusSkipped    status = "skipped"
)

// subtask is one decomposed unit of work.
type subtask struct {
	ID        string
	Query     string
	DependsOn []string

	expertID string
	status   status
	output   string
	err      error
}

// Orchestrator runs the interpret → decompose → route → execute →
// synthesize → evaluate pipeline.
type Orchestrator struct {
	factory   *expert.Factory
	runner    *expert.Runner
	guardrail *guardrail.Guardrail
	policy    config.SmartRouterPolicy
}

// New builds an Orchestrator over the given factory/runner/guardrail and
// policy (planner/synthesizer/evaluator expert ids, fan-out limit, step
// timeout).
func New(factory *expert.Factory, runner *expert.Runner, gr *guardrail.Guardrail, policy config.SmartRouterPolicy) *Orchestrator {
	return &Orchestrator{factory: factory, runner: runner, guardrail: gr, policy: policy}
}

func (o *Orchestrator) Tag() string { return Tag }

// Run executes the SmartRouter pipeline against req.
func (o *Orchestrator) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = orchestrator.NewSessionID(Tag)
	}
	t := trace.New(Tag, sessionID)
	defer t.Finish()

	interp, err := o.interpret(ctx, t, req.Query)
	if err != nil {
		return nil, err
	}

	var tasks []*subtask
	if interp == nil || !interp.Warranted {
		tasks = []*subtask{{ID: "q0", Query: req.Query, status: statusPending}}
	} else {
		tasks = decompositionToTasks(interp)
	}

	if err := o.route(t, tasks); err != nil {
		return nil, err
	}

	if err := o.execute(ctx, t, tasks, sessionID, req.MaxSteps); err != nil {
		return nil, err
	}

	succeeded := make([]*subtask, 0, len(tasks))
	for _, tk := range tasks {
		if tk.status == statusSucceeded {
			succeeded = append(succeeded, tk)
		}
	}
	if len(succeeded) == 0 {
		return nil, apperr.New(apperr.CodeOrchestratorError, "smartrouter: every sub-query failed")
	}

	answer, used, err := o.synthesize(ctx, t, req, succeeded, sessionID)
	if err != nil {
		return nil, err
	}
	t.ExpertsUsed = used

	o.evaluate(ctx, t, req.Query, answer)

	result := &orchestrator.Result{Answer: answer, ExpertsUsed: used}
	result = o.applyGuardrail(ctx, t, req.Query, result)
	result.Trace = t.Snap()
	return result, nil
}

// interpretation is the planner's structured classification of the query.
type interpretation struct {
	Warranted bool              `json:"decomposition_warranted"`
	Domains   []string          `json:"domains"`
	Complexity string           `json:"complexity"`
	Subtasks  []plannedSubtask  `json:"subtasks"`
}

type plannedSubtask struct {
	ID        string   `json:"id"`
	Query     string   `json:"query"`
	DependsOn []string `json:"depends_on"`
}

const plannerToolName = "emit_plan"

var plannerToolSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"decomposition_warranted": map[string]any{"type": "boolean"},
		"domains":                 map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"complexity":              map[string]any{"type": "string"},
		"subtasks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":         map[string]any{"type": "string"},
					"query":      map[string]any{"type": "string"},
					"depends_on": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"id", "query"},
			},
		},
	},
	"required": []string{"decomposition_warranted"},
}

// interpret asks the configured planner expert to classify the query and,
// if warranted, decompose it. A missing planner or a malformed response is
// not fatal: Run treats the query as a single undecomposed task.
func (o *Orchestrator) interpret(ctx context.Context, t *trace.Trace, query string) (*interpretation, error) {
	if o.policy.Planner == "" {
		return nil, nil
	}
	w, err := o.factory.GetWorker(o.policy.Planner, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeOrchestratorError, fmt.Errorf("resolve planner %q: %w", o.policy.Planner, err))
	}
	provider, err := o.factory.ResolveProvider(w.Descriptor.ModelName)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeOrchestratorError, err)
	}

	start := time.Now()
	req := llm.Request{
		Model: w.Descriptor.ModelName,
		Messages: []llm.Message{
			{Role: "system", Content: "Classify whether the user's query needs decomposing into ordered sub-queries with dependencies, and if so, propose the decomposition by calling " + plannerToolName + "."},
			{Role: "user", Content: query},
		},
		Tools: []llm.ToolSpec{{Name: plannerToolName, Description: "Record the interpretation and, if warranted, the decomposition.", Parameters: plannerToolSchema}},
	}
	resp, err := provider.Generate(ctx, req)
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhasePlanner, Label: "interpret+decompose", ExpertID: o.policy.Planner, StartedAt: start, EndedAt: time.Now(), Err: errString(err)})
	if err != nil {
		return nil, nil
	}

	for _, call := range resp.ToolCalls {
		if call.Name != plannerToolName {
			continue
		}
		b, err := json.Marshal(call.Args)
		if err != nil {
			return nil, nil
		}
		var interp interpretation
		if err := json.Unmarshal(b, &interp); err != nil {
			return nil, nil
		}
		return &interp, nil
	}
	return nil, nil
}

func decompositionToTasks(interp *interpretation) []*subtask {
	if len(interp.Subtasks) == 0 {
		return nil
	}
	tasks := make([]*subtask, len(interp.Subtasks))
	for i, ps := range interp.Subtasks {
		id := ps.ID
		if id == "" {
			id = fmt.Sprintf("q%d", i)
		}
		tasks[i] = &subtask{ID: id, Query: ps.Query, DependsOn: ps.DependsOn, status: statusPending}
	}
	return tasks
}

// route maps each sub-query to one expert descriptor by capability-tag
// overlap, the same scoring rule MoE's selection phase uses.
func (o *Orchestrator) route(t *trace.Trace, tasks []*subtask) error {
	start := time.Now()
	descriptors := o.factory.Descriptors()
	if len(descriptors) == 0 {
		return apperr.New(apperr.CodeOrchestratorError, "smartrouter: no enabled experts to route to")
	}

	for _, tk := range tasks {
		best := descriptors[0]
		bestScore := -1
		lower := strings.ToLower(tk.Query)
		for _, d := range descriptors {
			s := 0
			for _, tag := range d.CapabilityTags {
				if strings.Contains(lower, strings.ToLower(tag)) {
					s++
				}
			}
			if s > bestScore || (s == bestScore && d.ID < best.ID) {
				bestScore = s
				best = d
			}
		}
		tk.expertID = best.ID
	}
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseRouting, Label: "route sub-queries to experts", StartedAt: start, EndedAt: time.Now()})
	return nil
}

// execute runs tasks respecting DependsOn: independent tasks (those whose
// dependencies have all resolved) run in parallel up to the configured
// fan-out limit; each task forces a persistent session so SmartRouter's
// session-memory guarantee holds regardless of the expert's own policy.
func (o *Orchestrator) execute(ctx context.Context, t *trace.Trace, tasks []*subtask, sessionID string, maxSteps int) error {
	byID := make(map[string]*subtask, len(tasks))
	for _, tk := range tasks {
		byID[tk.ID] = tk
	}

	fanOut := o.policy.MaxFanOut
	if fanOut <= 0 {
		fanOut = 3
	}
	stepTimeout := o.policy.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}

	remaining := len(tasks)
	for remaining > 0 {
		ready := readyTasks(tasks, byID)
		if len(ready) == 0 {
			break // every remaining task is blocked on a failed/skipped dependency
		}
		if len(ready) > fanOut {
			ready = ready[:fanOut]
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, tk := range ready {
			tk := tk
			tk.status = statusDispatched
			g.Go(func() error {
				callCtx, cancel := context.WithTimeout(gctx, stepTimeout)
				defer cancel()

				w, err := o.factory.GetWorkerWithPersistentSession(callCtx, tk.expertID, sessionID, nil)
				if err != nil {
					tk.status = statusFailed
					tk.err = err
					return nil
				}

				start := time.Now()
				res, err := o.runner.Run(callCtx, w, tk.Query, "", maxSteps)
				t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseExpert, Label: "smartrouter step " + tk.ID, ExpertID: tk.expertID, StartedAt: start, EndedAt: time.Now(), Err: errString(err)})
				if err != nil {
					if ctx.Err() != nil {
						return apperr.Wrap(apperr.CodeCancelled, ctx.Err())
					}
					tk.status = statusFailed
					tk.err = err
					return nil
				}
				tk.status = statusSucceeded
				tk.output = res.FinalOutput
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		markSkipped(tasks, byID)
		remaining = countUnresolved(tasks)
	}

	return nil
}

// readyTasks returns every still-pending task whose dependencies have all
// resolved (succeeded).
func readyTasks(tasks []*subtask, byID map[string]*subtask) []*subtask {
	var ready []*subtask
	for _, tk := range tasks {
		if tk.status != statusPending {
			continue
		}
		allSatisfied := true
		for _, dep := range tk.DependsOn {
			d, ok := byID[dep]
			if !ok || d.status != statusSucceeded {
				allSatisfied = false
				break
			}
		}
		if allSatisfied {
			ready = append(ready, tk)
		}
	}
	return ready
}

// markSkipped marks pending tasks whose dependency has failed or been
// skipped, per the state machine's propagation rule.
func markSkipped(tasks []*subtask, byID map[string]*subtask) {
	changed := true
	for changed {
		changed = false
		for _, tk := range tasks {
			if tk.status != statusPending {
				continue
			}
			for _, dep := range tk.DependsOn {
				d, ok := byID[dep]
				if ok && (d.status == statusFailed || d.status == statusSkipped) {
					tk.status = statusSkipped
					changed = true
					break
				}
			}
		}
	}
}

func countUnresolved(tasks []*subtask) int {
	n := 0
	for _, tk := range tasks {
		if tk.status == statusPending {
			n++
		}
	}
	return n
}

// synthesize combines the succeeded sub-answers, citing which experts
// contributed.
func (o *Orchestrator) synthesize(ctx context.Context, t *trace.Trace, req orchestrator.Request, succeeded []*subtask, sessionID string) (string, []string, error) {
	synthID := o.policy.Synthesizer
	if synthID == "" {
		synthID = succeeded[0].expertID
	}

	w, err := o.factory.GetWorkerWithPersistentSession(ctx, synthID, sessionID, nil)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.CodeOrchestratorError, fmt.Errorf("resolve synthesizer %q: %w", synthID, err))
	}

	var sb strings.Builder
	sb.WriteString("Combine the following sub-answers into one coherent response to the user's original question, citing which expert contributed each part.\n\n")
	sb.WriteString("Original question: " + req.Query + "\n\n")
	used := make([]string, len(succeeded))
	for i, tk := range succeeded {
		fmt.Fprintf(&sb, "Sub-query %q answered by %s:\n%s\n\n", tk.Query, tk.expertID, tk.output)
		used[i] = tk.expertID
	}

	start := time.Now()
	res, err := o.runner.Run(ctx, w, sb.String(), "", req.MaxSteps)
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseSynthesis, Label: "combine sub-answers", ExpertID: synthID, StartedAt: start, EndedAt: time.Now(), Err: errString(err)})
	if err != nil {
		return "", nil, apperr.Wrap(apperr.CodeOrchestratorError, fmt.Errorf("synthesis: %w", err))
	}
	return res.FinalOutput, used, nil
}

// evaluate runs an optional self-check LLM over the synthesized answer. Its
// score never causes a retry; it is only recorded into the trace.
func (o *Orchestrator) evaluate(ctx context.Context, t *trace.Trace, query, answer string) {
	if o.policy.Evaluator == "" {
		return
	}
	w, err := o.factory.GetWorker(o.policy.Evaluator, nil)
	if err != nil {
		return
	}
	prompt := fmt.Sprintf("Question: %s\n\nCandidate answer: %s\n\nScore this answer's quality from 1-10 with a brief justification.", query, answer)
	start := time.Now()
	_, err = o.runner.Run(ctx, w, prompt, "", 10)
	t.AddPhase(trace.PhaseRecord{Kind: trace.PhaseEvaluation, Label: "self-check", ExpertID: o.policy.Evaluator, StartedAt: start, EndedAt: time.Now(), Err: errString(err)})
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

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
