package router

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/comms/internal/comms"
)

func TestLoadChannelFromBytes(t *testing.T) {
	data := []byte(`
channel:
  kind: global
  rate_limit: 10
  rate_window: 10s
  pending_ttl: 1m
`)
	p, err := LoadChannelFromBytes(data)
	require.NoError(t, err)
	assert.Equal(t, comms.ChannelGlobal, p.Kind)
	assert.Equal(t, 10, p.RateLimit)
	assert.Equal(t, 10*time.Second, p.RateWindow)
	assert.Equal(t, time.Minute, p.PendingTTL)
}

func TestLoadChannelFromBytesValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown kind",
			yaml: "channel:\n  kind: shout\n",
		},
		{
			name: "negative rate limit",
			yaml: "channel:\n  kind: global\n  rate_limit: -1\n",
		},
		{
			name: "limit without window",
			yaml: "channel:\n  kind: global\n  rate_limit: 5\n",
		},
		{
			name: "negative pending ttl",
			yaml: "channel:\n  kind: global\n  pending_ttl: -1s\n",
		},
		{
			name: "malformed yaml",
			yaml: "channel: [",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadChannelFromBytes([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoadCatalogFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "global.yaml"), []byte(`
channel:
  kind: global
  rate_limit: 2
  rate_window: 5s
  pending_ttl: 30s
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	cat, err := LoadCatalogFromDir(dir)
	require.NoError(t, err)

	// Loaded kinds override defaults; the rest fall back.
	assert.Equal(t, 2, cat.Policy(comms.ChannelGlobal).RateLimit)
	assert.Equal(t, 30*time.Second, cat.PendingTTL(comms.ChannelGlobal))
	assert.Equal(t, 20, cat.Policy(comms.ChannelLocation).RateLimit)
	assert.Equal(t, 5*time.Minute, cat.PendingTTL(comms.ChannelSystem))
}

func TestLoadCatalogFromDirDuplicateKind(t *testing.T) {
	dir := t.TempDir()
	policy := []byte("channel:\n  kind: direct\n  rate_limit: 1\n  rate_window: 1s\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), policy, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), policy, 0o644))

	_, err := LoadCatalogFromDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direct")
}

func TestLoadCatalogFromDirMissing(t *testing.T) {
	_, err := LoadCatalogFromDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestRatePolicies(t *testing.T) {
	cat := DefaultCatalog()
	policies := cat.RatePolicies()

	assert.Contains(t, policies, comms.ChannelGlobal)
	assert.NotContains(t, policies, comms.ChannelSystem,
		"unlimited kinds produce no limiter policy")
	assert.Equal(t, 10, policies[comms.ChannelGlobal].Limit)
}
