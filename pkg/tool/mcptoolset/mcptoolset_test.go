package mcptoolset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresURLOrCommand(t *testing.T) {
	_, err := New(Config{Name: "broken"})
	require.Error(t, err)
}

func TestNewDefaultsRetriesAndTimeout(t *testing.T) {
	ts, err := New(Config{Name: "svc", Command: "echo"})
	require.NoError(t, err)
	assert.Equal(t, 3, ts.cfg.MaxRetries)
	assert.Equal(t, DefaultSSEResponseTimeout, ts.cfg.SSETimeout)
}

func TestCloseBeforeOpenIsSafe(t *testing.T) {
	ts, err := New(Config{Name: "svc", Command: "echo"})
	require.NoError(t, err)
	assert.NoError(t, ts.Close())
}

func TestEnvSlice(t *testing.T) {
	got := envSlice(map[string]string{"FOO": "bar"})
	assert.Equal(t, []string{"FOO=bar"}, got)
	assert.Nil(t, envSlice(nil))
}

func TestNewBuildsFilterSetFromConfig(t *testing.T) {
	ts, err := New(Config{Name: "svc", Command: "echo", Filter: []string{"a", "b"}})
	require.NoError(t, err)
	assert.True(t, ts.filterSet["a"])
	assert.False(t, ts.filterSet["c"])
}
