package guardrail

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/pkg/llm"
)

type stubProvider struct {
	resp *llm.Response
	err  error
	wait time.Duration
}

func (s *stubProvider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.resp, s.err
}

func (s *stubProvider) GenerateStreaming(ctx context.Context, req llm.Request) iter.Seq[llm.StreamEvent] {
	return func(yield func(llm.StreamEvent) bool) {}
}
func (s *stubProvider) GetModelName() string     { return "stub" }
func (s *stubProvider) GetMaxTokens() int        { return 1024 }
func (s *stubProvider) GetTemperature() float64  { return 0 }
func (s *stubProvider) Close() error             { return nil }

func verdictCall(v Verdict) llm.ToolCall {
	return llm.ToolCall{
		Name: checkerToolName,
		Args: map[string]any{
			"relevant":        v.Relevant,
			"grounded_enough": v.GroundedEnough,
			"risk":            string(v.Risk),
			"reason":          v.Reason,
			"safe_repair":     v.SafeRepair,
		},
	}
}

func TestDisabledAlwaysFailsOpen(t *testing.T) {
	g := New(Config{Enabled: false}, &stubProvider{})
	v := g.Check(context.Background(), "totally unrelated gibberish query zzz", "some answer")
	require.Nil(t, v)
}

func TestHeuristicGateSkipsWhenOutputOverlapsQuery(t *testing.T) {
	g := New(Config{Enabled: true}, &stubProvider{})
	v := g.Check(context.Background(), "what is the capital city of france", "the capital of france is paris")
	require.Nil(t, v, "overlapping tokens should skip the checker entirely")
}

func TestHeuristicGateTripsOnNoOverlap(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{ToolCalls: []llm.ToolCall{verdictCall(Verdict{
		Relevant: true, GroundedEnough: true, Risk: RiskLow, Reason: "fine", SafeRepair: "",
	})}}}
	g := New(Config{Enabled: true}, provider)
	v := g.Check(context.Background(), "what is the weather forecast today", "bananas are a good source of potassium")
	require.NotNil(t, v)
	require.False(t, v.Triggered())
}

func TestDetourPhraseTripsGateRegardlessOfOverlap(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{ToolCalls: []llm.ToolCall{verdictCall(Verdict{
		Relevant: false, GroundedEnough: false, Risk: RiskHigh, Reason: "refused", SafeRepair: "try rephrasing",
	})}}}
	g := New(Config{Enabled: true}, provider)
	v := g.Check(context.Background(), "what is the weather forecast", "As an AI language model I cannot access live weather data")
	require.NotNil(t, v)
	require.True(t, v.Triggered())
}

func TestRepairRuleNotRelevantAlwaysTriggers(t *testing.T) {
	v := Verdict{Relevant: false, GroundedEnough: true, Risk: RiskLow}
	require.True(t, v.Triggered())
}

func TestRepairRuleLowRiskRelevantNeverTriggers(t *testing.T) {
	v := Verdict{Relevant: true, GroundedEnough: false, Risk: RiskLow}
	require.False(t, v.Triggered())
}

func TestRepairRuleMediumRiskUngroundedTriggers(t *testing.T) {
	v := Verdict{Relevant: true, GroundedEnough: false, Risk: RiskMedium}
	require.True(t, v.Triggered())
}

func TestCheckerTimeoutFailsOpen(t *testing.T) {
	provider := &stubProvider{wait: 500 * time.Millisecond, resp: &llm.Response{}}
	g := New(Config{Enabled: true, Deadline: 10 * time.Millisecond}, provider)
	v := g.Check(context.Background(), "what is the weather forecast today", "bananas are tasty")
	require.Nil(t, v)
}

func TestMalformedCheckerResponseFailsOpen(t *testing.T) {
	provider := &stubProvider{resp: &llm.Response{ToolCalls: []llm.ToolCall{{
		Name: checkerToolName,
		Args: map[string]any{"relevant": true, "risk": "extreme"},
	}}}}
	g := New(Config{Enabled: true}, provider)
	v := g.Check(context.Background(), "what is the weather forecast today", "bananas are tasty")
	require.Nil(t, v)
}

func TestProviderErrorFailsOpen(t *testing.T) {
	provider := &stubProvider{err: context.DeadlineExceeded}
	g := New(Config{Enabled: true}, provider)
	v := g.Check(context.Background(), "what is the weather forecast today", "bananas are tasty")
	require.Nil(t, v)
}
