package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", t.TempDir())
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "LRU", cfg.Server.Cache.Policy)
				require.Equal(t, 1000, cfg.Server.Cache.Capacity)
				require.Equal(t, 3600, cfg.Server.Cache.SubscriptionTTLSeconds)
				require.Equal(t, "user_session_pk", cfg.Server.Session.Claim)
				require.Equal(t, "memory", cfg.Server.Store.Driver)
				require.Contains(t, cfg.Server.ForwardProxy.TrustedProxyIPs, "127.0.0.0/8")
				require.False(t, cfg.Server.ForwardProxy.DevelopmentMode)
			},
		},
		{
			name: "reads forward proxy policy from file and env",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := writeFile(t, dir, "server.yaml", "server:\n  forwardProxy:\n    trustedProxyIPs:\n      - 10.1.0.0/16\n")
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", t.TempDir())
				t.Setenv("TIERGATE_SERVER__FORWARDPROXY__DEVELOPMENTMODE", "true")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, []string{"10.1.0.0/16"}, cfg.Server.ForwardProxy.TrustedProxyIPs)
				require.True(t, cfg.Server.ForwardProxy.DevelopmentMode)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := writeFile(t, dir, "server.yaml", "server:\n  listen:\n    port: 9090\n  cache:\n    policy: lfu\n    capacity: 64\n")
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, "lfu", cfg.Server.Cache.Policy)
				require.Equal(t, 64, cfg.Server.Cache.Capacity)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				path := writeFile(t, dir, "server.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", t.TempDir())
				t.Setenv("TIERGATE_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps camel case env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", t.TempDir())
				t.Setenv("TIERGATE_SERVER__CACHE__SUBSCRIPTIONTTLSECONDS", "120")
				t.Setenv("TIERGATE_SERVER__RESPONSES__TOKENEXPIRED", "refresh please")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 120, cfg.Server.Cache.SubscriptionTTLSeconds)
				require.Equal(t, "refresh please", cfg.Server.Responses.TokenExpired)
			},
		},
		{
			name: "loads inline quotas from the server file",
			setup: func(t *testing.T) []string {
				dir := t.TempDir()
				contents := "quota:\n  routes:\n    - method: post\n      path: /api/v2/ask/\n      field: ask\n  limits:\n    anonymous:\n      ask: 3\n    authenticated:\n      ask: 10\n"
				path := writeFile(t, dir, "server.yaml", contents)
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, []QuotaRoute{{Method: "POST", Path: "/api/v2/ask", Field: "ask"}}, cfg.Quotas.Routes)
				require.Equal(t, 3, cfg.Quotas.Limits.Anonymous["ask"])
				require.Equal(t, []string{inlineSourceName}, cfg.Quotas.Sources)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", t.TempDir())
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails when quotas folder missing",
			setup: func(t *testing.T) []string {
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", filepath.Join(t.TempDir(), "absent"))
				return nil
			},
			wantErr: true,
		},
		{
			name: "fails validation for unknown policy",
			setup: func(t *testing.T) []string {
				t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", t.TempDir())
				t.Setenv("TIERGATE_SERVER__CACHE__POLICY", "fifo")
				return nil
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			files := tc.setup(t)
			cfg, err := NewLoader("TIERGATE", files...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tc.assert != nil {
				tc.assert(t, cfg)
			}
		})
	}
}

func TestLoaderHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := writeFile(t, t.TempDir(), "server.yaml", "server: {}\n")
	_, err := NewLoader("", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadDefaultQuotaFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	folder := filepath.Join(wd, "..", "..", "quotas")
	t.Setenv("TIERGATE_SERVER__QUOTAS__QUOTASFOLDER", folder)

	cfg, err := NewLoader("TIERGATE").Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, cfg.Quotas.Skipped)
	require.Len(t, cfg.Quotas.Routes, 19)
	require.Equal(t, 3, cfg.Quotas.Limits.Anonymous["summarise_api_count_so_far"])
	require.Equal(t, Unlimited, cfg.Quotas.Limits.Authenticated["saved_words_api_count_so_far"])
	require.NotNil(t, cfg.Quotas.Tiers.Top)
	require.NotNil(t, cfg.Quotas.Tiers.Mid)
	require.Equal(t, "plus", cfg.Quotas.Tiers.Mid.Name)
	require.Len(t, cfg.Quotas.Tiers.Mid.Restricted, 5)
	require.Len(t, cfg.Quotas.Fallbacks, 3)
	require.Equal(t, MatchParent, cfg.Quotas.Fallbacks[0].Match)
}
