package smartrouter

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/pkg/config"
	"github.com/flowmesh/orchestrator/pkg/expert"
	"github.com/flowmesh/orchestrator/pkg/llm"
	"github.com/flowmesh/orchestrator/pkg/orchestrator"
	"github.com/flowmesh/orchestrator/pkg/toolserver"
	"github.com/flowmesh/orchestrator/pkg/trace"
)

// scriptedProvider returns a fixed reply for every call, keyed by model
// name, and optionally records whether the tool-call planner path was hit.
type scriptedProvider struct {
	model     string
	text      string
	toolCalls []llm.ToolCall
}

func (s *scriptedProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.text, ToolCalls: s.toolCalls}, nil
}
func (s *scriptedProvider) GenerateStreaming(ctx context.Context, req llm.Request) iter.Seq[llm.StreamEvent] {
	return func(yield func(llm.StreamEvent) bool) {}
}
func (s *scriptedProvider) GetModelName() string    { return s.model }
func (s *scriptedProvider) GetMaxTokens() int       { return 1024 }
func (s *scriptedProvider) GetTemperature() float64 { return 0 }
func (s *scriptedProvider) Close() error            { return nil }

func buildFactory(t *testing.T, experts []config.ExpertConfig, replies map[string]string, toolCalls map[string][]llm.ToolCall) *expert.Factory {
	t.Helper()
	reg := llm.NewRegistry()
	reg.RegisterFactory("anthropic", func(model string) (llm.Provider, error) {
		return &scriptedProvider{model: model, text: replies[model], toolCalls: toolCalls[model]}, nil
	})
	doc := &config.Document{Root: t.TempDir(), Experts: experts}
	return expert.New(doc, reg)
}

func twoExperts() []config.ExpertConfig {
	return []config.ExpertConfig{
		{ID: "weather-bot", Model: "weather-model", Instruction: "weather", CapabilityTags: []string{"weather"}},
		{ID: "cooking-bot", Model: "cooking-model", Instruction: "cooking", CapabilityTags: []string{"cooking"}},
	}
}

func TestRunWithoutPlannerTreatsQueryAsSingleTask(t *testing.T) {
	f := buildFactory(t, twoExperts(), map[string]string{"weather-model": "it is sunny"}, nil)
	sup := toolserver.New(t.TempDir())
	runner := expert.NewRunner(f, sup)
	o := New(f, runner, nil, config.SmartRouterPolicy{})

	result, err := o.Run(context.Background(), orchestrator.Request{Query: "what is the weather today", MaxSteps: 10})
	require.NoError(t, err)
	require.Equal(t, "it is sunny", result.Answer)
	require.Equal(t, []string{"weather-bot"}, result.ExpertsUsed)
	require.True(t, result.Trace.LatencyMS > 0)
}

func TestRouteBreaksTiesByID(t *testing.T) {
	f := buildFactory(t, []config.ExpertConfig{
		{ID: "b-bot", Model: "b-model", Instruction: "b"},
		{ID: "a-bot", Model: "a-model", Instruction: "a"},
	}, nil, nil)
	o := New(f, nil, nil, config.SmartRouterPolicy{})

	tasks := []*subtask{{ID: "q0", Query: "anything", status: statusPending}}
	require.NoError(t, o.route(trace.New("smartrouter", "test"), tasks))
	require.Equal(t, "a-bot", tasks[0].expertID)
}

func TestDecompositionRunsDependentsAfterDependencies(t *testing.T) {
	toolCalls := map[string][]llm.ToolCall{
		"planner-model": {{
			Name: plannerToolName,
			Args: map[string]any{
				"decomposition_warranted": true,
				"subtasks": []map[string]any{
					{"id": "q0", "query": "look up the weather"},
					{"id": "q1", "query": "suggest a recipe", "depends_on": []string{"q0"}},
				},
			},
		}},
	}
	experts := []config.ExpertConfig{
		{ID: "planner-bot", Model: "planner-model", Instruction: "plans", CapabilityTags: []string{}},
		{ID: "weather-bot", Model: "weather-model", Instruction: "weather", CapabilityTags: []string{"weather"}},
		{ID: "cooking-bot", Model: "cooking-model", Instruction: "cooking", CapabilityTags: []string{"recipe"}},
	}
	replies := map[string]string{
		"weather-model": "rainy",
		"cooking-model": "soup",
		"planner-model": "",
	}
	f := buildFactory(t, experts, replies, toolCalls)
	sup := toolserver.New(t.TempDir())
	runner := expert.NewRunner(f, sup)
	o := New(f, runner, nil, config.SmartRouterPolicy{Planner: "planner-bot", Synthesizer: "cooking-bot", MaxFanOut: 2, StepTimeout: 2 * time.Second})

	result, err := o.Run(context.Background(), orchestrator.Request{Query: "plan my evening", MaxSteps: 10})
	require.NoError(t, err)
	require.NotEmpty(t, result.Answer)
	require.Len(t, result.ExpertsUsed, 2)
}

func TestFailedLeafSkipsItsDependents(t *testing.T) {
	tasks := []*subtask{
		{ID: "q0", Query: "root", status: statusFailed},
		{ID: "q1", Query: "child", DependsOn: []string{"q0"}, status: statusPending},
	}
	byID := map[string]*subtask{"q0": tasks[0], "q1": tasks[1]}
	markSkipped(tasks, byID)
	require.Equal(t, statusSkipped, tasks[1].status)
}

func TestRunFailsWhenNoExpertsAreAvailableToRouteTo(t *testing.T) {
	f := buildFactory(t, nil, nil, nil)
	o := New(f, nil, nil, config.SmartRouterPolicy{})

	_, err := o.Run(context.Background(), orchestrator.Request{Query: "anything", MaxSteps: 10})
	require.Error(t, err)
}
