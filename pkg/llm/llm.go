// Package llm abstracts the LLM provider SDK behind a small interface so
// the expert runner and orchestrators never depend on a specific vendor.
// The provider SDK itself is an external collaborator (out of scope here);
// this package only wires two concrete, officially-supported SDKs behind
// the abstraction.
package llm

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/flowmesh/orchestrator/pkg/registry"
)

// Message is one turn in a chat-style LLM request.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Request bundles the parameters the expert runner needs to invoke an LLM.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
	Tools       []ToolSpec
}

// ToolSpec is the LLM-facing function-calling schema for one tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a request from the model to invoke one tool.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Response is one non-streaming LLM completion.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage reports token accounting for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamEvent is one incremental unit of a streaming completion.
type StreamEvent struct {
	TextDelta string
	ToolCall  *ToolCall
	Done      bool
	Err       error
}

// Provider is the abstraction every expert worker's LLM calls go through.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	GenerateStreaming(ctx context.Context, req Request) iter.Seq[StreamEvent]

	GetModelName() string
	GetMaxTokens() int
	GetTemperature() float64

	Close() error
}

// Registry resolves provider instances by model name, constructing and
// memoizing them lazily. Memoized instances live in a registry.BaseRegistry,
// so the de-duplication-by-name behavior (and its error on a duplicate
// Register) comes from that shared generic type rather than a second
// hand-rolled map.
type Registry struct {
	mu        sync.Mutex
	factories map[string]func(model string) (Provider, error)
	instances *registry.BaseRegistry[Provider]
}

// NewRegistry builds a registry with no providers registered yet; call
// RegisterFactory for each backend (anthropic, openai) the deployment uses.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func(model string) (Provider, error)),
		instances: registry.NewBaseRegistry[Provider](),
	}
}

// RegisterFactory associates a backend tag (e.g. "anthropic") with a
// constructor. Resolve dispatches to the right factory based on model name
// prefix conventions configured by the caller via Resolve's backend arg.
func (r *Registry) RegisterFactory(backend string, factory func(model string) (Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = factory
}

// Resolve returns the memoized Provider for (backend, model), constructing
// it on first use. A race between two first-use callers for the same key is
// resolved by BaseRegistry.Register's duplicate check: the loser discards
// its own instance and returns the winner's.
func (r *Registry) Resolve(backend, model string) (Provider, error) {
	key := backend + ":" + model
	if p, ok := r.instances.Get(key); ok {
		return p, nil
	}

	r.mu.Lock()
	factory, ok := r.factories[backend]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("llm: no provider factory registered for backend %q", backend)
	}
	p, err := factory(model)
	if err != nil {
		return nil, fmt.Errorf("llm: construct %s/%s: %w", backend, model, err)
	}
	if err := r.instances.Register(key, p); err != nil {
		_ = p.Close()
		winner, _ := r.instances.Get(key)
		return winner, nil
	}
	return p, nil
}

// CloseAll closes every constructed provider, best-effort.
func (r *Registry) CloseAll() {
	for _, p := range r.instances.List() {
		_ = p.Close()
	}
	r.instances.Clear()
}
