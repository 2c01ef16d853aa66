package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
root: /srv/orchestrator
experts:
  - id: chitchat
    model: claude-3-5-sonnet
    instruction: "You are a friendly assistant."
    capability_tags: [chitchat, general]
  - id: geo
    model: gpt-4o
    instruction: "You answer geography questions."
    session_policy: file-backed
    capability_tags: [geo, search]
    enabled: false
moe:
  selection_count: 2
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	doc, err := Load(path)
	require.NoError(t, err)

	require.Len(t, doc.Experts, 2)
	require.True(t, doc.Experts[0].IsEnabled())
	require.False(t, doc.Experts[1].IsEnabled())
	require.Equal(t, 2, doc.MoE.SelectionCount)
	require.Equal(t, 30*time.Second, doc.MoE.PerExpertTimeout) // default filled in
	require.Equal(t, 5*time.Minute, doc.Cache.TTL)
}

func TestLoadRejectsMissingInstruction(t *testing.T) {
	path := writeTemp(t, `
experts:
  - id: broken
    model: gpt-4o
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	path := writeTemp(t, `
experts:
  - id: dup
    model: gpt-4o
    instruction: "a"
  - id: dup
    model: gpt-4o
    instruction: "b"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoaderReloadSwapsSnapshotAtomically(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	loader, err := NewLoader(path)
	require.NoError(t, err)

	first := loader.Current()
	require.Len(t, first.Experts, 2)

	require.NoError(t, os.WriteFile(path, []byte(sampleYAML+"\n"), 0o644))
	reloaded, err := Load(path)
	require.NoError(t, err)
	loader.current.Store(reloaded)

	// The first snapshot a caller already holds is untouched by the swap.
	require.Len(t, first.Experts, 2)
	require.Same(t, reloaded, loader.Current())
}
