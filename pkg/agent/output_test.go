package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoercePlainString(t *testing.T) {
	assert.Equal(t, "hello", Coerce("hello"))
}

func TestCoerceMapPreferredField(t *testing.T) {
	m := map[string]any{"answer": "42", "extra": "ignored"}
	assert.Equal(t, "42", Coerce(m))
}

func TestCoerceDiscriminantMapRendersFencedJSON(t *testing.T) {
	m := map[string]any{"type": "interactive_map", "lat": 1.0, "lng": 2.0}
	got := Coerce(m)
	assert.Contains(t, got, "```json")
	assert.Contains(t, got, "interactive_map")
}

func TestCoerceListDescendsToFirstNonEmpty(t *testing.T) {
	list := []any{"", nil, "found it"}
	assert.Equal(t, "found it", Coerce(list))
}

func TestCoerceStructuredFallsBackToFencedJSON(t *testing.T) {
	type payload struct{ X int }
	got := Coerce(payload{X: 1})
	assert.Contains(t, got, "```json")
}

func TestCoerceOutputVariant(t *testing.T) {
	assert.Equal(t, "hi", Coerce(Output{Kind: OutputText, Text: "hi"}))
	assert.Equal(t, "42", Coerce(Output{Kind: OutputMap, Map: map[string]any{"response": "42"}}))
}
