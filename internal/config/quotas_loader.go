package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/l0p7/tiergate/internal/expr"
)

const inlineSourceName = "inline-config"

// Skip kinds reported in DefinitionSkip.Kind.
const (
	SkipRoute    = "route"
	SkipFallback = "fallback"
	SkipLimit    = "limit"
	SkipTier     = "tier"
)

// QuotaBundle captures the merged quota definitions after loading every
// configured source. The metadata explains what was loaded and why certain
// definitions were skipped.
type QuotaBundle struct {
	Routes    []QuotaRoute
	Fallbacks []QuotaFallback
	Limits    QuotaLimits
	Tiers     QuotaTiers
	Sources   []string
	Skipped   []DefinitionSkip
}

type sourcedFallback struct {
	rule   QuotaFallback
	name   string
	source string
}

type quotaAggregator struct {
	routes       map[string]QuotaRoute
	routeSources map[string]string

	fallbacks []sourcedFallback

	limits       map[string]map[string]int
	limitSources map[string]string

	tiers       map[string]*TierConfig
	tierSources map[string]string

	skips   map[string]*DefinitionSkip
	sources map[string]struct{}
}

func newQuotaAggregator() *quotaAggregator {
	return &quotaAggregator{
		routes:       make(map[string]QuotaRoute),
		routeSources: make(map[string]string),
		limits: map[string]map[string]int{
			"anonymous":     {},
			"authenticated": {},
		},
		limitSources: make(map[string]string),
		tiers:        make(map[string]*TierConfig),
		tierSources:  make(map[string]string),
		skips:        make(map[string]*DefinitionSkip),
		sources:      make(map[string]struct{}),
	}
}

func (a *quotaAggregator) addDocument(doc QuotaDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for _, route := range doc.Routes {
		a.addRoute(route, source)
	}
	for i, rule := range doc.Fallbacks {
		a.addFallback(rule, fmt.Sprintf("%s#%d", source, i), source)
	}
	for field, limit := range doc.Limits.Anonymous {
		a.addLimit("anonymous", field, limit, source)
	}
	for field, limit := range doc.Limits.Authenticated {
		a.addLimit("authenticated", field, limit, source)
	}
	if doc.Tiers.Top != nil {
		a.addTier("top", doc.Tiers.Top, source)
	}
	if doc.Tiers.Mid != nil {
		a.addTier("mid", doc.Tiers.Mid, source)
	}
}

func (a *quotaAggregator) addRoute(route QuotaRoute, source string) {
	route.Method = NormalizeMethod(route.Method)
	route.Path = NormalizePath(route.Path)
	route.Field = strings.TrimSpace(route.Field)
	key := route.Key()
	if route.Method == "" || route.Field == "" {
		a.recordSkip(SkipRoute, key, "method and field are required", source)
		return
	}
	if a.isSkipped(SkipRoute, key) {
		a.recordSkip(SkipRoute, key, "", source)
		return
	}
	if prev, ok := a.routeSources[key]; ok {
		a.recordSkip(SkipRoute, key, "duplicate definition", prev, source)
		delete(a.routeSources, key)
		delete(a.routes, key)
		return
	}
	a.routeSources[key] = source
	a.routes[key] = route
}

func (a *quotaAggregator) addFallback(rule QuotaFallback, name, source string) {
	rule.Match = strings.ToLower(strings.TrimSpace(rule.Match))
	rule.Method = NormalizeMethod(rule.Method)
	rule.Field = strings.TrimSpace(rule.Field)
	if rule.Method == "" {
		a.recordSkip(SkipFallback, name, "method is required", source)
		return
	}
	switch rule.Match {
	case MatchSuffix:
		if strings.TrimSpace(rule.Suffix) == "" || rule.Field == "" {
			a.recordSkip(SkipFallback, name, "suffix rules require suffix and field", source)
			return
		}
	case MatchParent:
		// Parent rules re-use the field of the matched route.
		rule.Field = ""
	case MatchPattern:
		if strings.TrimSpace(rule.Pattern) == "" || rule.Field == "" {
			a.recordSkip(SkipFallback, name, "pattern rules require pattern and field", source)
			return
		}
		rule.Pattern = NormalizePath(rule.Pattern)
	default:
		a.recordSkip(SkipFallback, name, fmt.Sprintf("unsupported match %q", rule.Match), source)
		return
	}
	a.fallbacks = append(a.fallbacks, sourcedFallback{rule: rule, name: name, source: source})
}

func (a *quotaAggregator) addLimit(class, field string, limit int, source string) {
	field = strings.TrimSpace(field)
	name := class + "." + field
	if a.isSkipped(SkipLimit, name) {
		a.recordSkip(SkipLimit, name, "", source)
		return
	}
	if limit < Unlimited {
		a.recordSkip(SkipLimit, name, fmt.Sprintf("invalid limit %d", limit), source)
		return
	}
	if prev, ok := a.limitSources[name]; ok {
		a.recordSkip(SkipLimit, name, "duplicate definition", prev, source)
		delete(a.limitSources, name)
		delete(a.limits[class], field)
		return
	}
	a.limitSources[name] = source
	a.limits[class][field] = limit
}

func (a *quotaAggregator) addTier(slot string, tier *TierConfig, source string) {
	if a.isSkipped(SkipTier, slot) {
		a.recordSkip(SkipTier, slot, "", source)
		return
	}
	if prev, ok := a.tierSources[slot]; ok {
		a.recordSkip(SkipTier, slot, "duplicate definition", prev, source)
		delete(a.tierSources, slot)
		delete(a.tiers, slot)
		return
	}
	cp := *tier
	a.tierSources[slot] = source
	a.tiers[slot] = &cp
}

// validateTierMatchers quarantines tiers whose CEL matcher does not compile or
// that have no way to match at all.
func (a *quotaAggregator) validateTierMatchers(env *expr.Environment) {
	for slot, tier := range a.tiers {
		var reason string
		switch {
		case strings.TrimSpace(tier.Match) != "":
			if _, err := env.Compile(tier.Match); err != nil {
				reason = fmt.Sprintf("invalid match expression: %v", err)
			}
		case len(tier.PriceTiers) == 0:
			reason = "priceTiers or match required"
		}
		if reason == "" {
			continue
		}
		a.recordSkip(SkipTier, slot, reason, a.tierSources[slot])
		delete(a.tierSources, slot)
		delete(a.tiers, slot)
	}
}

// pruneUnlimitedFields quarantines routes and fallbacks whose field has no
// limit for one of the caller classes. Without this guard the engine would
// have to guess a limit at request time.
func (a *quotaAggregator) pruneUnlimitedFields() {
	for key, route := range a.routes {
		if missing := a.missingLimits(route.Field); missing != "" {
			a.recordSkip(SkipRoute, key, "missing limit: "+missing, a.routeSources[key])
			delete(a.routeSources, key)
			delete(a.routes, key)
		}
	}
	kept := a.fallbacks[:0]
	for _, fb := range a.fallbacks {
		if fb.rule.Field != "" {
			if missing := a.missingLimits(fb.rule.Field); missing != "" {
				a.recordSkip(SkipFallback, fb.name, "missing limit: "+missing, fb.source)
				continue
			}
		}
		kept = append(kept, fb)
	}
	a.fallbacks = kept
}

func (a *quotaAggregator) missingLimits(field string) string {
	var missing []string
	for _, class := range []string{"anonymous", "authenticated"} {
		if _, ok := a.limits[class][field]; !ok {
			missing = append(missing, class+"."+field)
		}
	}
	return strings.Join(missing, ", ")
}

func (a *quotaAggregator) isSkipped(kind, name string) bool {
	_, ok := a.skips[kind+"/"+name]
	return ok
}

func (a *quotaAggregator) recordSkip(kind, name, reason string, sources ...string) {
	id := kind + "/" + name
	if skip, ok := a.skips[id]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    kind,
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[id] = skip
}

func (a *quotaAggregator) bundle() QuotaBundle {
	a.pruneUnlimitedFields()

	routes := make([]QuotaRoute, 0, len(a.routes))
	for _, route := range a.routes {
		routes = append(routes, route)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Key() < routes[j].Key() })

	fallbacks := make([]QuotaFallback, 0, len(a.fallbacks))
	for _, fb := range a.fallbacks {
		fallbacks = append(fallbacks, fb.rule)
	}

	limits := QuotaLimits{
		Anonymous:     make(map[string]int, len(a.limits["anonymous"])),
		Authenticated: make(map[string]int, len(a.limits["authenticated"])),
	}
	for field, limit := range a.limits["anonymous"] {
		limits.Anonymous[field] = limit
	}
	for field, limit := range a.limits["authenticated"] {
		limits.Authenticated[field] = limit
	}

	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool {
		if skipped[i].Kind == skipped[j].Kind {
			return skipped[i].Name < skipped[j].Name
		}
		return skipped[i].Kind < skipped[j].Kind
	})

	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)

	return QuotaBundle{
		Routes:    routes,
		Fallbacks: fallbacks,
		Limits:    limits,
		Tiers:     QuotaTiers{Top: a.tiers["top"], Mid: a.tiers["mid"]},
		Sources:   sources,
		Skipped:   skipped,
	}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func isEmptyDocument(doc QuotaDocument) bool {
	return len(doc.Routes) == 0 && len(doc.Fallbacks) == 0 &&
		len(doc.Limits.Anonymous) == 0 && len(doc.Limits.Authenticated) == 0 &&
		doc.Tiers.Top == nil && doc.Tiers.Mid == nil
}

// BuildQuotaBundle merges the inline document with every quota source named by
// quotasCfg. Sources load in lexical order so fallback declaration order is
// stable across restarts.
func BuildQuotaBundle(ctx context.Context, inline QuotaDocument, quotasCfg QuotasConfig) (QuotaBundle, error) {
	agg := newQuotaAggregator()
	if !isEmptyDocument(inline) {
		agg.addDocument(inline, inlineSourceName)
	}

	files, err := collectQuotaSources(ctx, quotasCfg)
	if err != nil {
		return QuotaBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return QuotaBundle{}, ctx.Err()
		default:
		}
		doc, err := loadQuotaDocument(path)
		if err != nil {
			return QuotaBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return QuotaBundle{}, err
	}
	agg.validateTierMatchers(env)
	return agg.bundle(), nil
}

func collectQuotaSources(ctx context.Context, quotasCfg QuotasConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if quotasCfg.QuotasFile != "" {
		if err := ensureFileExists(quotasCfg.QuotasFile); err != nil {
			return nil, err
		}
		return []string{quotasCfg.QuotasFile}, nil
	}
	if quotasCfg.QuotasFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(quotasCfg.QuotasFolder)
	if err != nil {
		return nil, fmt.Errorf("config: quotas folder %s: %w", quotasCfg.QuotasFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: quotas folder %s is not a directory", quotasCfg.QuotasFolder)
	}
	var files []string
	err = filepath.WalkDir(quotasCfg.QuotasFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedQuotaFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk quotas folder %s: %w", quotasCfg.QuotasFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: quotas file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: quotas file %s: expected a file, found directory", path)
	}
	return nil
}

func loadQuotaDocument(path string) (QuotaDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return QuotaDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return QuotaDocument{}, fmt.Errorf("config: load quotas from %s: %w", path, err)
	}
	var doc QuotaDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return QuotaDocument{}, fmt.Errorf("config: decode quotas from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported quotas file extension %s", ext)
	}
}

func isSupportedQuotaFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}
