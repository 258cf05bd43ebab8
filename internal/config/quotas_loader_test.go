package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const askLimits = "limits:\n  anonymous:\n    ask: 3\n  authenticated:\n    ask: 10\n"

func findSkip(t *testing.T, skipped []DefinitionSkip, kind, name string) DefinitionSkip {
	t.Helper()
	for _, skip := range skipped {
		if skip.Kind == kind && skip.Name == name {
			return skip
		}
	}
	t.Fatalf("no %s skip named %q in %+v", kind, name, skipped)
	return DefinitionSkip{}
}

func TestBuildQuotaBundleMergesFolder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "routes:\n  - method: POST\n    path: /api/v2/ask\n    field: ask\n"+askLimits)
	writeFile(t, dir, "b.json", `{"routes":[{"method":"post","path":"/api/v2/summarise/","field":"summarise"}],"limits":{"anonymous":{"summarise":3},"authenticated":{"summarise":-1}}}`)
	writeFile(t, dir, "c.toml", "[[fallbacks]]\nmatch = \"parent\"\nmethod = \"post\"\n")
	writeFile(t, dir, "ignored.txt", "not a quota document")

	bundle, err := BuildQuotaBundle(context.Background(), QuotaDocument{}, QuotasConfig{QuotasFolder: dir})
	require.NoError(t, err)
	require.Empty(t, bundle.Skipped)
	require.Equal(t, []QuotaRoute{
		{Method: "POST", Path: "/api/v2/ask", Field: "ask"},
		{Method: "POST", Path: "/api/v2/summarise", Field: "summarise"},
	}, bundle.Routes)
	require.Equal(t, []QuotaFallback{{Match: MatchParent, Method: "POST"}}, bundle.Fallbacks)
	require.Equal(t, Unlimited, bundle.Limits.Authenticated["summarise"])
	require.Len(t, bundle.Sources, 3)
}

func TestBuildQuotaBundleQuarantinesDuplicates(t *testing.T) {
	dir := t.TempDir()
	first := writeFile(t, dir, "a.yaml", "routes:\n  - method: POST\n    path: /api/v2/ask\n    field: ask\n"+askLimits)
	second := writeFile(t, dir, "b.yaml", "routes:\n  - method: post\n    path: /api/v2/ask/\n    field: ask\nlimits:\n  anonymous:\n    ask: 5\n")

	bundle, err := BuildQuotaBundle(context.Background(), QuotaDocument{}, QuotasConfig{QuotasFolder: dir})
	require.NoError(t, err)
	require.Empty(t, bundle.Routes)

	route := findSkip(t, bundle.Skipped, SkipRoute, "POST /api/v2/ask")
	require.Equal(t, "duplicate definition", route.Reason)
	require.Equal(t, []string{first, second}, route.Sources)

	limit := findSkip(t, bundle.Skipped, SkipLimit, "anonymous.ask")
	require.Equal(t, "duplicate definition", limit.Reason)
	require.NotContains(t, bundle.Limits.Anonymous, "ask")
}

func TestBuildQuotaBundleQuarantinesMissingLimits(t *testing.T) {
	inline := QuotaDocument{
		Routes: []QuotaRoute{
			{Method: "POST", Path: "/api/v2/ask", Field: "ask"},
			{Method: "POST", Path: "/api/v2/translate", Field: "translate"},
		},
		Fallbacks: []QuotaFallback{
			{Match: MatchSuffix, Method: "POST", Suffix: "/translate", Field: "translate"},
			{Match: "regex", Method: "POST", Pattern: ".*", Field: "ask"},
		},
		Limits: QuotaLimits{
			Anonymous:     map[string]int{"ask": 3, "translate": 5},
			Authenticated: map[string]int{"ask": 10},
		},
	}
	bundle, err := BuildQuotaBundle(context.Background(), inline, QuotasConfig{})
	require.NoError(t, err)
	require.Equal(t, []QuotaRoute{{Method: "POST", Path: "/api/v2/ask", Field: "ask"}}, bundle.Routes)
	require.Empty(t, bundle.Fallbacks)

	skip := findSkip(t, bundle.Skipped, SkipRoute, "POST /api/v2/translate")
	require.Equal(t, "missing limit: authenticated.translate", skip.Reason)
	require.Equal(t, []string{inlineSourceName}, skip.Sources)
	findSkip(t, bundle.Skipped, SkipFallback, inlineSourceName+"#0")
	unsupported := findSkip(t, bundle.Skipped, SkipFallback, inlineSourceName+"#1")
	require.Contains(t, unsupported.Reason, "unsupported match")
}

func TestBuildQuotaBundleQuarantinesTiers(t *testing.T) {
	inline := QuotaDocument{
		Tiers: QuotaTiers{
			Top: &TierConfig{Name: "ultra", Match: `priceTier ==`},
			Mid: &TierConfig{Name: "plus", Match: `priceTier.startsWith("Plus")`},
		},
	}
	bundle, err := BuildQuotaBundle(context.Background(), inline, QuotasConfig{})
	require.NoError(t, err)
	require.Nil(t, bundle.Tiers.Top)
	require.NotNil(t, bundle.Tiers.Mid)
	skip := findSkip(t, bundle.Skipped, SkipTier, "top")
	require.Contains(t, skip.Reason, "invalid match expression")

	bundle, err = BuildQuotaBundle(context.Background(), QuotaDocument{
		Tiers: QuotaTiers{Mid: &TierConfig{Name: "plus"}},
	}, QuotasConfig{})
	require.NoError(t, err)
	require.Nil(t, bundle.Tiers.Mid)
	require.Equal(t, "priceTiers or match required", findSkip(t, bundle.Skipped, SkipTier, "mid").Reason)
}

func TestBuildQuotaBundleSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quotas.yml", "routes:\n  - method: POST\n    path: /api/v2/ask\n    field: ask\n"+askLimits)

	bundle, err := BuildQuotaBundle(context.Background(), QuotaDocument{}, QuotasConfig{QuotasFile: path})
	require.NoError(t, err)
	require.Len(t, bundle.Routes, 1)
	require.Equal(t, []string{path}, bundle.Sources)

	_, err = BuildQuotaBundle(context.Background(), QuotaDocument{}, QuotasConfig{QuotasFile: filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)

	_, err = BuildQuotaBundle(context.Background(), QuotaDocument{}, QuotasConfig{QuotasFile: dir})
	require.Error(t, err)
}

func TestBuildQuotaBundleRejectsMalformedDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "routes: [\n")
	_, err := BuildQuotaBundle(context.Background(), QuotaDocument{}, QuotasConfig{QuotasFolder: dir})
	require.Error(t, err)
}
