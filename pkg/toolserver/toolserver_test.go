package toolserver

import (
	"context"
	"testing"
	"time"

	"github.com/flowmesh/orchestrator/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestStartStdioTransportDoesNotSpawn(t *testing.T) {
	sup := New(t.TempDir())
	err := sup.Start(context.Background(), "search", config.ToolServerConfig{Transport: "stdio", Command: "whatever"})
	require.NoError(t, err)
	require.True(t, sup.IsRunning("search"))
}

func TestStartDisabledReturnsConfigError(t *testing.T) {
	sup := New(t.TempDir())
	disabled := false
	err := sup.Start(context.Background(), "search", config.ToolServerConfig{Enabled: &disabled})
	require.Error(t, err)
}

func TestStartHTTPTransportSpawnsAndStops(t *testing.T) {
	sup := New(t.TempDir())
	err := sup.Start(context.Background(), "echo", config.ToolServerConfig{
		Transport: "streamable-http",
		Command:   "sleep",
		Args:      []string{"5"},
	})
	require.NoError(t, err)
	require.True(t, sup.IsRunning("echo"))

	require.NoError(t, sup.Stop("echo", 2*time.Second))
	require.False(t, sup.IsRunning("echo"))
}

func TestStartRejectsMissingCommand(t *testing.T) {
	sup := New(t.TempDir())
	err := sup.Start(context.Background(), "broken", config.ToolServerConfig{Transport: "streamable-http"})
	require.Error(t, err)
}

func TestShutdownAllOnEmptyRegistryIsSafe(t *testing.T) {
	sup := New(t.TempDir())
	sup.ShutdownAll(time.Second)
}

func TestListAndGetConfig(t *testing.T) {
	sup := New(t.TempDir())
	require.NoError(t, sup.Start(context.Background(), "a", config.ToolServerConfig{Transport: "stdio"}))
	require.NoError(t, sup.Start(context.Background(), "b", config.ToolServerConfig{Transport: "stdio"}))

	require.ElementsMatch(t, []string{"a", "b"}, sup.List())

	cfg, ok := sup.GetConfig("a")
	require.True(t, ok)
	require.Equal(t, "stdio", cfg.Transport)
}
