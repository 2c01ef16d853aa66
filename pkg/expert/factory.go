// Package expert builds (Worker, Session) pairs from expert descriptor ids
// and runs one worker against one input, bounded by a step budget.
package expert

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/pkg/agent"
	"github.com/flowmesh/orchestrator/pkg/apperr"
	"github.com/flowmesh/orchestrator/pkg/config"
	"github.com/flowmesh/orchestrator/pkg/llm"
	"github.com/flowmesh/orchestrator/pkg/session"
)

// sessionCacheKey is the factory's session-handle cache key:
// persistence mode, session id, and the store path (or ":memory:" for
// in-memory sessions). Equal keys return the same handle.
type sessionCacheKey struct {
	mode      session.Policy
	sessionID string
	store     string
}

// Factory produces workers from descriptor ids, enforcing each descriptor's
// session policy and memoizing session handles so repeated calls for the
// same (policy, session-id, store) reuse one live handle.
type Factory struct {
	root        string
	llmRegistry *llm.Registry
	byID        map[string]config.ExpertConfig

	mu       sync.Mutex
	sessions map[sessionCacheKey]*session.Handle
}

// New builds a Factory over cfg's expert list. Entries missing an id are
// skipped with a warning rather than failing construction outright — config
// loading already rejects this at Document.Validate time, but the factory
// defends against a hand-assembled Document bypassing that path.
func New(cfg *config.Document, llmRegistry *llm.Registry) *Factory {
	byID := make(map[string]config.ExpertConfig, len(cfg.Experts))
	for _, ec := range cfg.Experts {
		if ec.ID == "" {
			slog.Warn("expert config entry missing id, skipping")
			continue
		}
		byID[ec.ID] = ec
	}
	root := cfg.Root
	if root == "" {
		root = "."
	}
	return &Factory{
		root:        root,
		llmRegistry: llmRegistry,
		byID:        byID,
		sessions:    make(map[sessionCacheKey]*session.Handle),
	}
}

// backendForModel maps a model name to the llm.Registry backend tag that
// constructs its provider, by naming convention.
func backendForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	default:
		return "anthropic"
	}
}

// ResolveProvider returns the memoized llm.Provider for a descriptor's model.
func (f *Factory) ResolveProvider(model string) (llm.Provider, error) {
	return f.llmRegistry.Resolve(backendForModel(model), model)
}

// descriptor builds the agent.Descriptor for id, lazily and without caching
// the value itself (descriptors are cheap field copies; what's memoized is
// the session handle, the expensive resource).
func (f *Factory) descriptor(id string) (agent.Descriptor, error) {
	ec, ok := f.byID[id]
	if !ok {
		return agent.Descriptor{}, apperr.New(apperr.CodeUnknownExpert, "unknown expert %q", id)
	}
	if !ec.IsEnabled() {
		return agent.Descriptor{}, apperr.New(apperr.CodeDisabledExpert, "expert %q is disabled", id)
	}

	bindings := make([]agent.ToolBinding, 0, len(ec.Tools))
	for _, name := range ec.Tools {
		bindings = append(bindings, agent.ToolBinding{Name: name, ToolServer: ec.ToolServer})
	}

	policy := agent.SessionPolicy(ec.SessionPolicy)
	if policy == "" {
		policy = agent.SessionNone
	}

	return agent.Descriptor{
		ID:             ec.ID,
		DisplayName:    ec.DisplayName,
		ModelName:      ec.Model,
		Temperature:    ec.Temperature,
		MaxTokens:      ec.MaxTokens,
		ToolBindings:   bindings,
		ToolServer:     ec.ToolServer,
		Instruction:    ec.Instruction,
		SessionPolicy:  policy,
		Enabled:        ec.IsEnabled(),
		CapabilityTags: ec.CapabilityTags,
	}, nil
}

// Descriptors returns every enabled descriptor, used by orchestrators doing
// capability-tag selection and by the discovery endpoint.
func (f *Factory) Descriptors() []agent.Descriptor {
	out := make([]agent.Descriptor, 0, len(f.byID))
	for id, ec := range f.byID {
		if !ec.IsEnabled() {
			continue
		}
		d, err := f.descriptor(id)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// GetWorker builds a worker bound to the descriptor, overriding its
// instruction when instructions is non-nil and non-empty.
func (f *Factory) GetWorker(id string, instructions *string) (agent.Worker, error) {
	d, err := f.descriptor(id)
	if err != nil {
		return agent.Worker{}, err
	}
	if instructions != nil && *instructions != "" {
		d.Instruction = *instructions
	}
	return agent.Worker{Descriptor: d}, nil
}

// GetWorkerWithSession builds a worker and resolves a session per the
// descriptor's configured policy. A "none" policy yields a worker with no
// session even if sessionID is supplied — the caller asked for a session,
// but the descriptor's operator has opted the expert out of memory.
func (f *Factory) GetWorkerWithSession(ctx context.Context, id string, sessionID, instructions *string) (agent.Worker, error) {
	w, err := f.GetWorker(id, instructions)
	if err != nil {
		return agent.Worker{}, err
	}
	if w.Descriptor.SessionPolicy == agent.SessionNone {
		return w, nil
	}

	sid := ""
	if sessionID != nil {
		sid = *sessionID
	}
	if sid == "" {
		sid = uuid.NewString()
	}

	switch w.Descriptor.SessionPolicy {
	case agent.SessionInMemory:
		handle, err := f.cachedSession(sessionCacheKey{mode: session.PolicyInMemory, sessionID: sid, store: ":memory:"},
			func() (*session.Handle, error) { return session.NewInMemory(sid), nil })
		if err != nil {
			return agent.Worker{}, err
		}
		w.Session = handle
	case agent.SessionFileBacked:
		path := filepath.Join(f.root, "data", "sessions", id+".db")
		handle, err := f.cachedSession(sessionCacheKey{mode: session.PolicyFileBacked, sessionID: sid, store: path},
			func() (*session.Handle, error) { return session.NewFileBacked(ctx, path, sid) })
		if err != nil {
			return agent.Worker{}, err
		}
		w.Session = handle
	}
	return w, nil
}

// GetWorkerWithPersistentSession forces a file-backed session regardless of
// the descriptor's configured policy, defaulting the store path to
// <root>/data/sessions/<id>.db. Orchestrators that need guaranteed
// multi-turn memory (SmartRouter) use this instead of GetWorkerWithSession.
func (f *Factory) GetWorkerWithPersistentSession(ctx context.Context, id, sessionID string, dbPath *string) (agent.Worker, error) {
	w, err := f.GetWorker(id, nil)
	if err != nil {
		return agent.Worker{}, err
	}

	path := filepath.Join(f.root, "data", "sessions", id+".db")
	if dbPath != nil && *dbPath != "" {
		path = *dbPath
	}

	handle, err := f.cachedSession(sessionCacheKey{mode: session.PolicyFileBacked, sessionID: sessionID, store: path},
		func() (*session.Handle, error) { return session.NewFileBacked(ctx, path, sessionID) })
	if err != nil {
		return agent.Worker{}, err
	}
	w.Session = handle
	return w, nil
}

// ClearSessionCache closes every cached session handle (best-effort) then
// empties the cache.
func (f *Factory) ClearSessionCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.sessions {
		if err := h.Close(); err != nil {
			slog.Warn("session close failed during cache clear", "error", err)
		}
	}
	f.sessions = make(map[sessionCacheKey]*session.Handle)
}

func (f *Factory) cachedSession(key sessionCacheKey, open func() (*session.Handle, error)) (*session.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.sessions[key]; ok {
		return h, nil
	}
	h, err := open()
	if err != nil {
		return nil, fmt.Errorf("expert: open session: %w", err)
	}
	f.sessions[key] = h
	return h, nil
}
