// Package agent defines the shared data model for expert descriptors and
// the workers constructed from them, independent of any one orchestrator.
package agent

// SessionPolicy controls what kind of session, if any, a descriptor's
// workers are paired with by the agent factory.
type SessionPolicy string

const (
	SessionNone       SessionPolicy = "none"
	SessionInMemory   SessionPolicy = "in-memory"
	SessionFileBacked SessionPolicy = "file-backed"
)

// ToolBinding names one tool a descriptor's workers may invoke. ToolServer,
// if non-empty, must resolve in the tool-server supervisor's registry.
type ToolBinding struct {
	Name       string
	ToolServer string
}

// Descriptor is the immutable configuration bundle for one expert: an LLM
// configuration plus tool bindings, instructions, and a session policy.
// Descriptors are created at config load and are immutable for the lifetime
// of a config generation; a reload replaces the whole set.
type Descriptor struct {
	ID              string
	DisplayName     string
	ModelName       string
	Temperature     float64
	MaxTokens       int
	ToolBindings    []ToolBinding
	ToolServer      string
	Instruction     string
	SessionPolicy   SessionPolicy
	Enabled         bool
	CapabilityTags  []string
}

// Worker is a fresh, per-call instance bound to a Descriptor and an
// optional session handle. A Worker's session may outlive the Worker
// itself; the Worker never closes it.
type Worker struct {
	Descriptor Descriptor
	Session    SessionHandle
}

// SessionHandle is the minimal surface the agent package needs from a
// session without importing pkg/session directly, avoiding an import
// cycle between agent (descriptor/worker shapes) and session (storage).
// pkg/expert supplies the concrete *session.Handle satisfying this.
type SessionHandle interface {
	ID() string
}
