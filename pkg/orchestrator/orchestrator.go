// Package orchestrator defines the request/result shapes shared by every
// orchestration strategy (MoE, SmartRouter, single-expert chat), so the
// HTTP layer can depend on one contract regardless of which strategy
// handled a call.
package orchestrator

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/pkg/trace"
)

// Request is one orchestration call's input.
type Request struct {
	Query     string
	Context   map[string]any
	SessionID string
	MaxSteps  int
}

// Result is one orchestration call's output: the final answer, the trace
// snapshot, and any guardrail verdict metadata the caller should surface.
type Result struct {
	Answer          string
	Trace           trace.Snapshot
	ExpertsUsed     []string
	GuardrailHit    bool
	GuardrailRisk   string
	GuardrailReason string
}

// Orchestrator is the contract both MoE and SmartRouter satisfy, letting the
// HTTP layer dispatch on a route parameter without a type switch per
// strategy.
type Orchestrator interface {
	Tag() string
	Run(ctx context.Context, req Request) (*Result, error)
}

// NewSessionID builds a session-id in the "<id>-<random-hex>" format an
// omitted session-id falls back to (matching ^<id>-[0-9a-f]+$).
func NewSessionID(id string) string {
	return id + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
