// Package config loads the orchestration server's structured configuration
// document: expert descriptors and orchestrator policies. Config is an
// immutable snapshot — a reload by the Loader's watch loop swaps an atomic
// pointer rather than mutating in place, so in-flight orchestrations keep running against the
// snapshot they started with.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ExpertConfig is one entry in the experts list.
type ExpertConfig struct {
	ID             string   `yaml:"id" mapstructure:"id"`
	DisplayName    string   `yaml:"display_name" mapstructure:"display_name"`
	Module         string   `yaml:"module" mapstructure:"module"`
	Model          string   `yaml:"model" mapstructure:"model"`
	Temperature    float64  `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens      int      `yaml:"max_tokens" mapstructure:"max_tokens"`
	SessionPolicy  string   `yaml:"session_policy" mapstructure:"session_policy"`
	ToolServer     string   `yaml:"tool_server" mapstructure:"tool_server"`
	Tools          []string `yaml:"tools" mapstructure:"tools"`
	Instruction    string   `yaml:"instruction" mapstructure:"instruction"`
	Enabled        *bool    `yaml:"enabled" mapstructure:"enabled"`
	CapabilityTags []string `yaml:"capability_tags" mapstructure:"capability_tags"`
}

// IsEnabled returns the effective enabled flag, defaulting to true when the
// field is omitted — config loading must ignore unknown/absent fields
// forward-compatibly rather than rejecting the document.
func (e ExpertConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ToolServerConfig is one entry in the tool_servers list.
type ToolServerConfig struct {
	Name      string            `yaml:"name" mapstructure:"name"`
	Transport string            `yaml:"transport" mapstructure:"transport"` // stdio | streamable-http
	Command   string            `yaml:"command" mapstructure:"command"`
	Args      []string          `yaml:"args" mapstructure:"args"`
	Env       map[string]string `yaml:"env" mapstructure:"env"`
	WorkDir   string            `yaml:"work_dir" mapstructure:"work_dir"`
	URL       string            `yaml:"url" mapstructure:"url"`
	Enabled   *bool             `yaml:"enabled" mapstructure:"enabled"`
}

func (t ToolServerConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// MoEPolicy configures the Mixture-of-Experts orchestrator.
type MoEPolicy struct {
	SelectionCount   int           `yaml:"selection_count" mapstructure:"selection_count"`
	PerExpertTimeout time.Duration `yaml:"per_expert_timeout" mapstructure:"per_expert_timeout"`
	Synthesizer      string        `yaml:"synthesizer" mapstructure:"synthesizer"`
	FallbackText     string        `yaml:"fallback_text" mapstructure:"fallback_text"`
}

// SmartRouterPolicy configures the SmartRouter orchestrator.
type SmartRouterPolicy struct {
	Planner      string        `yaml:"planner" mapstructure:"planner"`
	Synthesizer  string        `yaml:"synthesizer" mapstructure:"synthesizer"`
	Evaluator    string        `yaml:"evaluator" mapstructure:"evaluator"`
	MaxFanOut    int           `yaml:"max_fan_out" mapstructure:"max_fan_out"`
	StepTimeout  time.Duration `yaml:"step_timeout" mapstructure:"step_timeout"`
}

// CachePolicy configures the result cache.
type CachePolicy struct {
	TTL        time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxEntries int           `yaml:"max_entries" mapstructure:"max_entries"`
}

// GuardrailPolicy configures the hallucination guardrail.
type GuardrailPolicy struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Model    string        `yaml:"model" mapstructure:"model"`
	Deadline time.Duration `yaml:"deadline" mapstructure:"deadline"`
}

// Document is the top-level structured configuration document.
type Document struct {
	Root         string            `yaml:"root" mapstructure:"root"`
	Experts      []ExpertConfig    `yaml:"experts" mapstructure:"experts"`
	ToolServers  []ToolServerConfig `yaml:"tool_servers" mapstructure:"tool_servers"`
	MoE          MoEPolicy         `yaml:"moe" mapstructure:"moe"`
	SmartRouter  SmartRouterPolicy `yaml:"smart_router" mapstructure:"smart_router"`
	Cache        CachePolicy       `yaml:"cache" mapstructure:"cache"`
	Guardrail    GuardrailPolicy   `yaml:"guardrail" mapstructure:"guardrail"`
	MaxQueryLen  int               `yaml:"max_query_len" mapstructure:"max_query_len"`
}

// applyDefaults fills in the zero-value fields a real deployment always
// wants set, mirroring the teacher's defaulting pass in its loader.
func applyDefaults(d *Document) {
	if d.Root == "" {
		d.Root = "."
	}
	if d.MoE.SelectionCount == 0 {
		d.MoE.SelectionCount = 3
	}
	if d.MoE.PerExpertTimeout == 0 {
		d.MoE.PerExpertTimeout = 30 * time.Second
	}
	if d.MoE.FallbackText == "" {
		d.MoE.FallbackText = "I wasn't able to find a good answer to that right now."
	}
	if d.SmartRouter.MaxFanOut == 0 {
		d.SmartRouter.MaxFanOut = 3
	}
	if d.SmartRouter.StepTimeout == 0 {
		d.SmartRouter.StepTimeout = 30 * time.Second
	}
	if d.Cache.TTL == 0 {
		d.Cache.TTL = 5 * time.Minute
	}
	if d.Cache.MaxEntries == 0 {
		d.Cache.MaxEntries = 512
	}
	if d.Guardrail.Deadline == 0 {
		d.Guardrail.Deadline = 200 * time.Millisecond
	}
	if d.MaxQueryLen == 0 {
		d.MaxQueryLen = 4000
	}
}

// Validate checks the required fields named by the external interface
// contract: id, model parameters, and either an explicit or inherited
// instruction string.
func (d *Document) Validate() error {
	seen := make(map[string]bool, len(d.Experts))
	for _, e := range d.Experts {
		if e.ID == "" {
			return fmt.Errorf("config: expert entry missing id")
		}
		if seen[e.ID] {
			return fmt.Errorf("config: duplicate expert id %q", e.ID)
		}
		seen[e.ID] = true
		if e.Model == "" {
			return fmt.Errorf("config: expert %q missing model", e.ID)
		}
		if e.Instruction == "" {
			return fmt.Errorf("config: expert %q missing instruction", e.ID)
		}
	}
	return nil
}

// Load reads and decodes a YAML document from path into a fully-defaulted,
// validated Document. Unknown fields are ignored forward-compatibly by
// mapstructure's default (non-strict) decoding.
func Load(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("config: parse yaml %q: %w", path, err)
	}

	var doc Document
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &doc,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := decoder.Decode(generic); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}

	applyDefaults(&doc)
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}
