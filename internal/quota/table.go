package quota

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/tiergate/internal/config"
	"github.com/l0p7/tiergate/internal/expr"
	"github.com/l0p7/tiergate/internal/store"
)

// Class is the caller class that selects a limit table.
type Class string

const (
	ClassAnonymous     Class = "anonymous"
	ClassAuthenticated Class = "authenticated"
)

// Tier is the subscription level of a caller. TierNone covers callers without
// an active subscription and subscriptions matching neither tier.
type Tier string

const (
	TierNone Tier = ""
	TierTop  Tier = "top"
	TierMid  Tier = "mid"
)

// Route is the quota resolution of one request. A zero Route is unmetered.
type Route struct {
	Field   string
	Metered bool
}

type fallback struct {
	match    string
	method   string
	suffix   string
	segments []string
	field    string
}

type tierMatcher struct {
	tier       Tier
	name       string
	priceTiers map[string]struct{}
	program    *expr.Program
}

// Table is an immutable, compiled view of a quota bundle. It is safe for
// concurrent use.
type Table struct {
	routes     map[string]string
	fallbacks  []fallback
	limits     map[Class]map[string]int
	top        *tierMatcher
	mid        *tierMatcher
	restricted map[string]struct{}
	midMetered map[string]int
	stats      Stats
}

// Stats summarizes what a table was built from.
type Stats struct {
	Routes    int                     `json:"routes"`
	Fallbacks int                     `json:"fallbacks"`
	Sources   []string                `json:"sources"`
	Skipped   []config.DefinitionSkip `json:"skipped"`
}

// Compile turns a merged bundle into a lookup table. env compiles tier matcher
// expressions; a nil env is replaced by a fresh one when a matcher needs it.
func Compile(bundle config.QuotaBundle, env *expr.Environment) (*Table, error) {
	t := &Table{
		routes: make(map[string]string, len(bundle.Routes)),
		limits: map[Class]map[string]int{
			ClassAnonymous:     copyLimits(bundle.Limits.Anonymous),
			ClassAuthenticated: copyLimits(bundle.Limits.Authenticated),
		},
		restricted: make(map[string]struct{}),
		midMetered: make(map[string]int),
		stats: Stats{
			Routes:    len(bundle.Routes),
			Fallbacks: len(bundle.Fallbacks),
			Sources:   append([]string(nil), bundle.Sources...),
			Skipped:   append([]config.DefinitionSkip(nil), bundle.Skipped...),
		},
	}
	for _, route := range bundle.Routes {
		t.routes[route.Key()] = route.Field
	}
	for _, rule := range bundle.Fallbacks {
		fb := fallback{
			match:  rule.Match,
			method: config.NormalizeMethod(rule.Method),
			field:  rule.Field,
		}
		switch rule.Match {
		case config.MatchSuffix:
			fb.suffix = "/" + strings.Trim(strings.TrimSpace(rule.Suffix), "/")
		case config.MatchPattern:
			fb.segments = splitPath(config.NormalizePath(rule.Pattern))
		case config.MatchParent:
		default:
			return nil, fmt.Errorf("quota: unsupported fallback match %q", rule.Match)
		}
		t.fallbacks = append(t.fallbacks, fb)
	}

	var err error
	if t.top, env, err = compileTier(TierTop, bundle.Tiers.Top, env); err != nil {
		return nil, err
	}
	if t.mid, _, err = compileTier(TierMid, bundle.Tiers.Mid, env); err != nil {
		return nil, err
	}
	if mid := bundle.Tiers.Mid; mid != nil {
		for _, ref := range mid.Restricted {
			t.restricted[config.RouteKey(ref.Method, ref.Path)] = struct{}{}
		}
		for field, limit := range mid.Metered {
			if limit < config.Unlimited {
				return nil, fmt.Errorf("quota: mid tier limit for %s invalid: %d", field, limit)
			}
			t.midMetered[strings.TrimSpace(field)] = limit
		}
	}
	return t, nil
}

func compileTier(tier Tier, cfg *config.TierConfig, env *expr.Environment) (*tierMatcher, *expr.Environment, error) {
	if cfg == nil {
		return nil, env, nil
	}
	m := &tierMatcher{
		tier:       tier,
		name:       cfg.Name,
		priceTiers: make(map[string]struct{}, len(cfg.PriceTiers)),
	}
	if m.name == "" {
		m.name = string(tier)
	}
	for _, name := range cfg.PriceTiers {
		m.priceTiers[strings.TrimSpace(name)] = struct{}{}
	}
	if strings.TrimSpace(cfg.Match) != "" {
		if env == nil {
			var err error
			if env, err = expr.NewEnvironment(); err != nil {
				return nil, nil, err
			}
		}
		program, err := env.Compile(cfg.Match)
		if err != nil {
			return nil, nil, fmt.Errorf("quota: %s tier matcher: %w", tier, err)
		}
		m.program = &program
	}
	return m, env, nil
}

func copyLimits(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// Resolve maps a request to its quota field. Exact routes win; otherwise the
// fallback rules run in declaration order and the first match wins.
func (t *Table) Resolve(method, path string) Route {
	method = config.NormalizeMethod(method)
	path = config.NormalizePath(path)
	if field, ok := t.routes[method+" "+path]; ok {
		return Route{Field: field, Metered: true}
	}
	for _, fb := range t.fallbacks {
		if fb.method != method {
			continue
		}
		if field, ok := fb.resolve(t.routes, method, path); ok {
			return Route{Field: field, Metered: true}
		}
	}
	return Route{}
}

func (fb fallback) resolve(routes map[string]string, method, path string) (string, bool) {
	switch fb.match {
	case config.MatchSuffix:
		if path != fb.suffix && strings.HasSuffix(path, fb.suffix) {
			return fb.field, true
		}
	case config.MatchParent:
		idx := strings.LastIndex(path, "/")
		if idx <= 0 {
			return "", false
		}
		field, ok := routes[method+" "+path[:idx]]
		return field, ok
	case config.MatchPattern:
		segments := splitPath(path)
		if len(segments) != len(fb.segments) {
			return "", false
		}
		for i, want := range fb.segments {
			if isPlaceholder(want) {
				if segments[i] == "" {
					return "", false
				}
				continue
			}
			if segments[i] != want {
				return "", false
			}
		}
		return fb.field, true
	}
	return "", false
}

func isPlaceholder(segment string) bool {
	return segment == "*" || (len(segment) > 2 && strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}"))
}

// Limit returns the maximum count for field in class. Unmetered fields and
// fields without a configured limit are unlimited.
func (t *Table) Limit(class Class, field string) int {
	if field == "" {
		return config.Unlimited
	}
	limit, ok := t.limits[class][field]
	if !ok {
		return config.Unlimited
	}
	return limit
}

// TierOf classifies an active subscription. Subscriptions whose billing period
// has ended are TierNone; a zero period end never expires. The top tier is
// checked first. Matcher evaluation errors are joined into the returned error
// and count as no match.
func (t *Table) TierOf(sub *store.Subscription, callerID string, now time.Time) (Tier, error) {
	if sub == nil {
		return TierNone, nil
	}
	if !sub.CurrentPeriodEndsAt.IsZero() && !now.Before(sub.CurrentPeriodEndsAt) {
		return TierNone, nil
	}
	vars := expr.Vars{
		PriceTier:    sub.PriceTier(),
		PriceTiers:   sub.PriceTiers(),
		PeriodEndsAt: sub.CurrentPeriodEndsAt,
		Now:          now,
		CallerID:     callerID,
	}
	var errs []error
	for _, m := range []*tierMatcher{t.top, t.mid} {
		if m == nil {
			continue
		}
		ok, err := m.matches(vars)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return m.tier, errors.Join(errs...)
		}
	}
	return TierNone, errors.Join(errs...)
}

func (m *tierMatcher) matches(vars expr.Vars) (bool, error) {
	if _, ok := m.priceTiers[vars.PriceTier]; ok && vars.PriceTier != "" {
		return true, nil
	}
	if m.program == nil {
		return false, nil
	}
	ok, err := m.program.EvalBool(vars)
	if err != nil {
		return false, fmt.Errorf("quota: %s tier: %w", m.tier, err)
	}
	return ok, nil
}

// Restricted reports whether the mid tier is denied this route.
func (t *Table) Restricted(method, path string) bool {
	_, ok := t.restricted[config.RouteKey(method, path)]
	return ok
}

// MidTierLimit returns the mid tier's own limit for field, if it meters it.
func (t *Table) MidTierLimit(field string) (int, bool) {
	if field == "" {
		return 0, false
	}
	limit, ok := t.midMetered[field]
	return limit, ok
}

// TierName returns the configured display name of tier. Callers without a
// matching subscription are on the "free" plan.
func (t *Table) TierName(tier Tier) string {
	switch tier {
	case TierNone:
		return "free"
	case TierTop:
		if t.top != nil {
			return t.top.name
		}
	case TierMid:
		if t.mid != nil {
			return t.mid.name
		}
	}
	return string(tier)
}

func (t *Table) Stats() Stats {
	return t.stats
}
