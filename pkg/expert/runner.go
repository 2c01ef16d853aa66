package expert

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/flowmesh/orchestrator/pkg/agent"
	"github.com/flowmesh/orchestrator/pkg/apperr"
	"github.com/flowmesh/orchestrator/pkg/llm"
	"github.com/flowmesh/orchestrator/pkg/session"
	"github.com/flowmesh/orchestrator/pkg/stream"
	"github.com/flowmesh/orchestrator/pkg/tool"
	"github.com/flowmesh/orchestrator/pkg/tool/mcptoolset"
	"github.com/flowmesh/orchestrator/pkg/toolserver"
	"github.com/flowmesh/orchestrator/pkg/trace"
)

// minMaxSteps is the internal floor on the turn budget: an empirical
// observation that a multi-tool path needs 3-4 turns plus overhead.
const minMaxSteps = 10

// RunResult is the outcome of one expert run: a renderable final answer,
// token usage if the provider reported it, and the phase trace.
type RunResult struct {
	FinalOutput string
	Usage       llm.Usage
	Phases      []trace.PhaseRecord
}

// Runner executes one worker against one input within a bounded turn
// budget, opening and closing any stdio tool servers the worker's
// descriptor references so no subprocess survives the call.
type Runner struct {
	factory     *Factory
	toolServers *toolserver.Supervisor
}

// NewRunner builds a Runner over factory (for LLM provider resolution) and
// toolServers (for resolving the tool-server config a worker's bindings
// reference).
func NewRunner(factory *Factory, toolServers *toolserver.Supervisor) *Runner {
	return &Runner{factory: factory, toolServers: toolServers}
}

// openToolsets opens one mcptoolset.Toolset per distinct tool server a
// worker's bindings reference. The caller must close every returned
// toolset on all paths.
func (r *Runner) openToolsets(ctx context.Context, w agent.Worker) ([]tool.Toolset, map[string]tool.CallableTool, error) {
	names := map[string]bool{}
	for _, b := range w.Descriptor.ToolBindings {
		if b.ToolServer != "" {
			names[b.ToolServer] = true
		}
	}
	if w.Descriptor.ToolServer != "" {
		names[w.Descriptor.ToolServer] = true
	}

	var toolsets []tool.Toolset
	callables := make(map[string]tool.CallableTool)

	for name := range names {
		cfg, ok := r.toolServers.GetConfig(name)
		if !ok {
			return toolsets, callables, apperr.New(apperr.CodeToolServerError, "worker %q references unknown tool server %q", w.Descriptor.ID, name)
		}

		var tsCfg mcptoolset.Config
		switch {
		case cfg.Transport == "stdio" || cfg.Transport == "":
			tsCfg = mcptoolset.Config{Name: name, Command: cfg.Command, Args: cfg.Args, Env: cfg.Env}
		default:
			tsCfg = mcptoolset.Config{Name: name, URL: cfg.URL}
		}

		ts, err := mcptoolset.New(tsCfg)
		if err != nil {
			return toolsets, callables, apperr.Wrap(apperr.CodeToolServerError, fmt.Errorf("build toolset %q: %w", name, err))
		}
		toolsets = append(toolsets, ts)

		tools, err := ts.Tools(ctx)
		if err != nil {
			return toolsets, callables, apperr.Wrap(apperr.CodeToolServerError, fmt.Errorf("list tools %q: %w", name, err))
		}
		for _, t := range tools {
			if callable, ok := t.(tool.CallableTool); ok {
				callables[callable.Name()] = callable
			}
		}
	}

	return toolsets, callables, nil
}

func closeAll(toolsets []tool.Toolset) {
	for _, ts := range toolsets {
		_ = ts.Close()
	}
}

// buildToolSpecs converts the tools visible to a worker into the LLM
// function-calling schema, restricted to the binding names the descriptor
// actually names (an empty binding list means "no tools").
func buildToolSpecs(w agent.Worker, callables map[string]tool.CallableTool) []llm.ToolSpec {
	if len(w.Descriptor.ToolBindings) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(w.Descriptor.ToolBindings))
	for _, b := range w.Descriptor.ToolBindings {
		allowed[b.Name] = true
	}

	var specs []llm.ToolSpec
	for name, callable := range callables {
		if !allowed[name] {
			continue
		}
		specs = append(specs, llm.ToolSpec{Name: name, Description: callable.Description(), Parameters: callable.Schema()})
	}
	return specs
}

// Run executes worker against input for up to maxSteps turns, returning the
// final renderable answer plus a trace. extraContext, if non-empty, is
// appended as an additional system note after the descriptor's instruction.
func (r *Runner) Run(ctx context.Context, w agent.Worker, input, extraContext string, maxSteps int) (*RunResult, error) {
	if maxSteps < minMaxSteps {
		maxSteps = minMaxSteps
	}

	provider, err := r.factory.ResolveProvider(w.Descriptor.ModelName)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeOrchestratorError, err)
	}

	toolsets, callables, err := r.openToolsets(ctx, w)
	defer closeAll(toolsets)
	if err != nil {
		return nil, err
	}

	req, err := r.buildRequest(ctx, w, input, extraContext, callables)
	if err != nil {
		return nil, err
	}

	var phases []trace.PhaseRecord
	var usage llm.Usage
	var final string

	for step := 0; step < maxSteps; step++ {
		start := time.Now()
		resp, err := provider.Generate(ctx, *req)
		phases = append(phases, trace.PhaseRecord{
			Kind: trace.PhaseExpert, Label: fmt.Sprintf("turn %d", step), ExpertID: w.Descriptor.ID,
			StartedAt: start, EndedAt: time.Now(), Err: errString(err),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, apperr.Wrap(apperr.CodeCancelled, ctx.Err())
			}
			return nil, apperr.Wrap(apperr.CodeOrchestratorError, fmt.Errorf("expert %q turn %d: %w", w.Descriptor.ID, step, err))
		}

		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			final = resp.Text
			break
		}

		req.Messages = append(req.Messages, llm.Message{Role: "assistant", Content: resp.Text})
		for _, call := range resp.ToolCalls {
			result := r.invokeTool(ctx, call, callables)
			req.Messages = append(req.Messages, llm.Message{Role: "user", Content: result})
		}
	}

	if final == "" {
		return nil, apperr.New(apperr.CodeMaxTurnsExceeded, "expert %q exceeded %d turns without a final answer", w.Descriptor.ID, maxSteps)
	}

	rendered := agent.Coerce(final)
	if h, ok := w.Session.(*session.Handle); ok {
		_ = h.Append(ctx, "assistant", rendered)
	}

	return &RunResult{FinalOutput: rendered, Usage: usage, Phases: phases}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *Runner) buildRequest(ctx context.Context, w agent.Worker, input, extraContext string, callables map[string]tool.CallableTool) (*llm.Request, error) {
	var messages []llm.Message
	system := w.Descriptor.Instruction
	if extraContext != "" {
		system = system + "\n\n" + extraContext
	}
	messages = append(messages, llm.Message{Role: "system", Content: system})

	if h, ok := w.Session.(*session.Handle); ok {
		prior, err := h.History(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeOrchestratorError, fmt.Errorf("load session history: %w", err))
		}
		for _, m := range prior {
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		}
		if err := h.Append(ctx, "user", input); err != nil {
			return nil, apperr.Wrap(apperr.CodeOrchestratorError, fmt.Errorf("persist user turn: %w", err))
		}
	}

	messages = append(messages, llm.Message{Role: "user", Content: input})

	return &llm.Request{
		Model:       w.Descriptor.ModelName,
		Temperature: w.Descriptor.Temperature,
		MaxTokens:   w.Descriptor.MaxTokens,
		Messages:    messages,
		Tools:       buildToolSpecs(w, callables),
	}, nil
}

func (r *Runner) invokeTool(ctx context.Context, call llm.ToolCall, callables map[string]tool.CallableTool) string {
	callable, ok := callables[call.Name]
	if !ok {
		return fmt.Sprintf("tool %q is not available", call.Name)
	}
	out, err := callable.Call(ctx, call.Args)
	if err != nil {
		return fmt.Sprintf("tool %q failed: %v", call.Name, err)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return fmt.Sprintf("tool %q returned an unencodable result", call.Name)
	}
	return fmt.Sprintf("tool %q result: %s", call.Name, string(b))
}

// RunStreamed runs worker against input like Run, but yields stream.Chunk
// values as they become available: a metadata chunk, then the provider's
// text deltas as token chunks (mid-orchestration streaming is only ever
// used for single-expert chat, never an orchestrator's synthesized
// answer), then a done or error chunk.
func (r *Runner) RunStreamed(ctx context.Context, w agent.Worker, input, extraContext string, maxSteps int) iter.Seq2[stream.Chunk, error] {
	return func(yield func(stream.Chunk, error) bool) {
		if maxSteps < minMaxSteps {
			maxSteps = minMaxSteps
		}

		sessionEnabled := w.Session != nil
		sessionID := ""
		if sessionEnabled {
			sessionID = w.Session.ID()
		}
		if !yield(stream.Metadata(w.Descriptor.ID, w.Descriptor.DisplayName, sessionEnabled, sessionID, maxSteps, time.Now()), nil) {
			return
		}

		provider, err := r.factory.ResolveProvider(w.Descriptor.ModelName)
		if err != nil {
			yield(stream.Error(w.Descriptor.ID, apperr.Wrap(apperr.CodeOrchestratorError, err)), nil)
			return
		}

		toolsets, callables, err := r.openToolsets(ctx, w)
		defer closeAll(toolsets)
		if err != nil {
			yield(stream.Error(w.Descriptor.ID, err), nil)
			return
		}

		req, err := r.buildRequest(ctx, w, input, extraContext, callables)
		if err != nil {
			yield(stream.Error(w.Descriptor.ID, err), nil)
			return
		}

		var final string
		for step := 0; step < maxSteps; step++ {
			var textBuilder []byte
			var pendingCalls []llm.ToolCall
			var streamErr error

			for ev := range provider.GenerateStreaming(ctx, *req) {
				if ev.Err != nil {
					streamErr = ev.Err
					break
				}
				if ev.TextDelta != "" {
					textBuilder = append(textBuilder, ev.TextDelta...)
					if !yield(stream.Token(ev.TextDelta), nil) {
						return
					}
				}
				if ev.ToolCall != nil {
					pendingCalls = append(pendingCalls, *ev.ToolCall)
				}
				if ev.Done {
					break
				}
			}
			if streamErr != nil {
				yield(stream.Error(w.Descriptor.ID, apperr.Wrap(apperr.CodeOrchestratorError, streamErr)), nil)
				return
			}

			if len(pendingCalls) == 0 {
				final = string(textBuilder)
				break
			}

			req.Messages = append(req.Messages, llm.Message{Role: "assistant", Content: string(textBuilder)})
			for _, call := range pendingCalls {
				if !yield(stream.Step(call.Name, map[string]any{"tool": call.Name}), nil) {
					return
				}
				result := r.invokeTool(ctx, call, callables)
				req.Messages = append(req.Messages, llm.Message{Role: "user", Content: result})
			}
		}

		if final == "" {
			yield(stream.Error(w.Descriptor.ID, apperr.New(apperr.CodeMaxTurnsExceeded, "expert %q exceeded %d turns", w.Descriptor.ID, maxSteps)), nil)
			return
		}

		rendered := agent.Coerce(final)
		if h, ok := w.Session.(*session.Handle); ok {
			_ = h.Append(ctx, "assistant", rendered)
		}

		yield(stream.Done(map[string]any{"expert_id": w.Descriptor.ID}), nil)
	}
}
