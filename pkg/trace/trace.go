// Package trace defines the structured execution trace every orchestration
// call builds up as it runs and hands off, by copy, into the HTTP response.
package trace

import "time"

// PhaseKind names a recorded phase within an orchestration trace.
type PhaseKind string

const (
	PhasePlanner    PhaseKind = "planner"
	PhaseSelection  PhaseKind = "selection"
	PhaseRouting    PhaseKind = "routing"
	PhaseExpert     PhaseKind = "expert"
	PhaseSynthesis  PhaseKind = "synthesis"
	PhaseGuardrail  PhaseKind = "guardrail"
	PhaseEvaluation PhaseKind = "evaluation"
)

// PhaseRecord is one timed unit of work within an orchestration.
type PhaseRecord struct {
	Kind      PhaseKind `json:"kind"`
	Label     string    `json:"label,omitempty"`
	ExpertID  string    `json:"expert_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Err       string    `json:"error,omitempty"`
}

// LatencyMS returns the phase's wall-clock duration in milliseconds.
func (p PhaseRecord) LatencyMS() int64 {
	return p.EndedAt.Sub(p.StartedAt).Milliseconds()
}

// Trace is the append-only record of one orchestration call. Phases are
// appended in the order they start; total latency is the wall-clock time
// from New to Finish, not a sum over the recorded phases.
type Trace struct {
	Orchestrator    string        `json:"orchestrator"`
	RequestID       string        `json:"request_id"`
	Phases          []PhaseRecord `json:"phases"`
	SelectedExperts []string      `json:"selected_experts,omitempty"`
	ExpertsUsed     []string      `json:"experts_used,omitempty"`
	CacheHit        bool          `json:"cache_hit"`
	Fallback        bool          `json:"fallback"`

	startedAt time.Time
	latencyMS int64
	done      bool
}

// New starts a trace for the given orchestrator tag and request id.
func New(orchestrator, requestID string) *Trace {
	return &Trace{
		Orchestrator: orchestrator,
		RequestID:    requestID,
		startedAt:    timeNow(),
	}
}

// timeNow exists so tests can't accidentally rely on wall-clock determinism
// beyond "> 0"; kept as a thin indirection over time.Now for that reason.
func timeNow() time.Time { return time.Now() }

// AddPhase appends a completed phase record. Safe to call repeatedly; callers
// building a phase should capture StartedAt/EndedAt themselves (goroutines
// appending concurrently must still synchronize externally — Trace itself is
// not internally locked since every call site already owns a dedicated
// per-orchestration *Trace and appends are serialized by the orchestrator's
// own collection step).
func (t *Trace) AddPhase(p PhaseRecord) {
	t.Phases = append(t.Phases, p)
}

// Finish stamps total latency as the wall-clock time since New was called.
// This guarantees LatencyMS() > 0 even on a zero-phase fallback path, per
// the trace latency positivity invariant.
func (t *Trace) Finish() {
	if t.done {
		return
	}
	elapsed := timeNow().Sub(t.startedAt)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	t.latencyMS = elapsed.Milliseconds()
	if t.latencyMS == 0 {
		t.latencyMS = 1
	}
	t.done = true
}

// LatencyMS returns the total wall-clock latency recorded by Finish.
func (t *Trace) LatencyMS() int64 { return t.latencyMS }

// Snapshot is the immutable copy of a Trace handed off into a cache entry or
// an HTTP response, so later mutation of the live Trace cannot be observed
// by a reader that already received a Snapshot.
type Snapshot struct {
	Orchestrator    string        `json:"orchestrator"`
	RequestID       string        `json:"request_id"`
	Phases          []PhaseRecord `json:"phases"`
	SelectedExperts []string      `json:"selected_experts,omitempty"`
	ExpertsUsed     []string      `json:"experts_used,omitempty"`
	CacheHit        bool          `json:"cache_hit"`
	Fallback        bool          `json:"fallback"`
	LatencyMS       int64         `json:"latency_ms"`
}

// Snap copies t into an immutable Snapshot. It finishes the trace first (a
// no-op if Finish already ran) so LatencyMS is always populated by the time
// a caller reads the snapshot, whether or not they remembered to call
// Finish themselves before snapping.
func (t *Trace) Snap() Snapshot {
	t.Finish()
	phases := make([]PhaseRecord, len(t.Phases))
	copy(phases, t.Phases)
	return Snapshot{
		Orchestrator:    t.Orchestrator,
		RequestID:       t.RequestID,
		Phases:          phases,
		SelectedExperts: append([]string(nil), t.SelectedExperts...),
		ExpertsUsed:     append([]string(nil), t.ExpertsUsed...),
		CacheHit:        t.CacheHit,
		Fallback:        t.Fallback,
		LatencyMS:       t.latencyMS,
	}
}
