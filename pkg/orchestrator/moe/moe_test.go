package moe

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/pkg/cache"
	"github.com/flowmesh/orchestrator/pkg/config"
	"github.com/flowmesh/orchestrator/pkg/expert"
	"github.com/flowmesh/orchestrator/pkg/llm"
	"github.com/flowmesh/orchestrator/pkg/orchestrator"
	"github.com/flowmesh/orchestrator/pkg/toolserver"
)

// scriptedProvider returns a fixed reply for every call, keyed by model
// name, so each test expert can be told apart in the synthesized output.
type scriptedProvider struct {
	model string
	text  string
}

func (s *scriptedProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: s.text}, nil
}
func (s *scriptedProvider) GenerateStreaming(ctx context.Context, req llm.Request) iter.Seq[llm.StreamEvent] {
	return func(yield func(llm.StreamEvent) bool) {}
}
func (s *scriptedProvider) GetModelName() string    { return s.model }
func (s *scriptedProvider) GetMaxTokens() int       { return 1024 }
func (s *scriptedProvider) GetTemperature() float64 { return 0 }
func (s *scriptedProvider) Close() error            { return nil }

// countingProvider wraps scriptedProvider to count Generate calls and hold
// the goroutine for a moment, widening the window for concurrent callers
// to land on the same in-flight compute.
type countingProvider struct {
	scriptedProvider
	calls *atomic.Int32
}

func (s *countingProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	return s.scriptedProvider.Generate(ctx, req)
}

func buildFactory(t *testing.T, experts []config.ExpertConfig, replies map[string]string) *expert.Factory {
	t.Helper()
	reg := llm.NewRegistry()
	reg.RegisterFactory("anthropic", func(model string) (llm.Provider, error) {
		return &scriptedProvider{model: model, text: replies[model]}, nil
	})
	doc := &config.Document{Root: t.TempDir(), Experts: experts}
	return expert.New(doc, reg)
}

func weatherExperts() []config.ExpertConfig {
	return []config.ExpertConfig{
		{ID: "weather-bot", Model: "weather-model", Instruction: "You answer weather questions.", CapabilityTags: []string{"weather"}},
		{ID: "cooking-bot", Model: "cooking-model", Instruction: "You answer cooking questions.", CapabilityTags: []string{"cooking"}},
		{ID: "synth-bot", Model: "synth-model", Instruction: "You synthesize.", CapabilityTags: []string{}},
	}
}

func TestSelectionPicksHighestScoringExpertsAndTiesBreakById(t *testing.T) {
	f := buildFactory(t, weatherExperts(), nil)
	o := New(f, nil, nil, nil, config.MoEPolicy{SelectionCount: 2})

	selected := o.selectExperts("what is the weather like today")
	require.Len(t, selected, 2)
	require.Equal(t, "weather-bot", selected[0].ID)
	// cooking-bot and synth-bot both score 0; the lower id wins the tie.
	require.Equal(t, "cooking-bot", selected[1].ID)
}

func TestRunSingleSuccessSkipsSynthesis(t *testing.T) {
	f := buildFactory(t, weatherExperts(), map[string]string{"weather-model": "it is sunny"})
	sup := toolserver.New(t.TempDir())
	runner := expert.NewRunner(f, sup)
	o := New(f, runner, nil, nil, config.MoEPolicy{SelectionCount: 1, PerExpertTimeout: 2 * time.Second})

	result, err := o.Run(context.Background(), orchestrator.Request{Query: "what is the weather like today", MaxSteps: 10})
	require.NoError(t, err)
	require.Equal(t, "it is sunny", result.Answer)
	require.Equal(t, []string{"weather-bot"}, result.ExpertsUsed)
	require.False(t, result.Trace.Fallback)
	require.True(t, result.Trace.LatencyMS > 0)
}

func TestRunMultipleSuccessesSynthesizes(t *testing.T) {
	experts := []config.ExpertConfig{
		{ID: "weather-bot", Model: "weather-model", Instruction: "weather", CapabilityTags: []string{"weather", "forecast"}},
		{ID: "forecast-bot", Model: "forecast-model", Instruction: "forecast", CapabilityTags: []string{"weather", "forecast"}},
	}
	f := buildFactory(t, experts, map[string]string{
		"weather-model":  "sunny today",
		"forecast-model": "rain tomorrow",
		"synth-model":    "combined forecast",
	})
	sup := toolserver.New(t.TempDir())
	runner := expert.NewRunner(f, sup)
	o := New(f, runner, nil, nil, config.MoEPolicy{SelectionCount: 2, PerExpertTimeout: 2 * time.Second, Synthesizer: "weather-bot"})

	result, err := o.Run(context.Background(), orchestrator.Request{Query: "weather forecast", MaxSteps: 10})
	require.NoError(t, err)
	require.NotEmpty(t, result.Answer)
	require.Len(t, result.ExpertsUsed, 2)
}

func TestRunNoEnabledExpertsFallsBack(t *testing.T) {
	f := buildFactory(t, nil, nil)
	o := New(f, nil, nil, nil, config.MoEPolicy{FallbackText: "nothing available"})

	result, err := o.Run(context.Background(), orchestrator.Request{Query: "anything", MaxSteps: 10})
	require.NoError(t, err)
	require.Equal(t, "nothing available", result.Answer)
	require.True(t, result.Trace.Fallback)
	require.True(t, result.Trace.LatencyMS > 0)
}

func TestCacheHitSkipsExecution(t *testing.T) {
	f := buildFactory(t, weatherExperts(), map[string]string{"weather-model": "it is sunny"})
	sup := toolserver.New(t.TempDir())
	runner := expert.NewRunner(f, sup)
	c := cache.New(8, time.Minute)
	o := New(f, runner, c, nil, config.MoEPolicy{SelectionCount: 1, PerExpertTimeout: 2 * time.Second})

	req := orchestrator.Request{Query: "what is the weather like today", MaxSteps: 10}
	first, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Trace.CacheHit)

	second, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Trace.CacheHit)
	require.Equal(t, first.Answer, second.Answer)
}

func TestConcurrentRunsForSameKeyShareOneExecution(t *testing.T) {
	var calls atomic.Int32
	reg := llm.NewRegistry()
	reg.RegisterFactory("anthropic", func(model string) (llm.Provider, error) {
		return &countingProvider{scriptedProvider: scriptedProvider{model: model, text: "it is sunny"}, calls: &calls}, nil
	})
	doc := &config.Document{Root: t.TempDir(), Experts: weatherExperts()}
	f := expert.New(doc, reg)
	sup := toolserver.New(t.TempDir())
	runner := expert.NewRunner(f, sup)
	c := cache.New(8, time.Minute)
	o := New(f, runner, c, nil, config.MoEPolicy{SelectionCount: 1, PerExpertTimeout: 2 * time.Second})

	req := orchestrator.Request{Query: "what is the weather like today", MaxSteps: 10}

	const n = 10
	var wg sync.WaitGroup
	results := make([]*orchestrator.Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Run(context.Background(), req)
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load(), "concurrent identical-key requests must share one in-flight compute")
	for _, r := range results {
		require.Equal(t, "it is sunny", r.Answer)
	}
}
