package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/l0p7/tiergate/internal/cache"
)

// Config holds every server-level option plus the quota tables once they are loaded.
type Config struct {
	Server ServerConfig `koanf:"server"`
	// Inline carries quota definitions embedded directly in the server file.
	// They are merged with the quota sources under the "inline-config" name.
	Inline QuotaDocument `koanf:"quota"`

	// Quotas is the merged result of every configured quota source. It is
	// excluded from koanf so the value only reflects runtime discovery.
	Quotas QuotaBundle `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the admission service.
type ServerConfig struct {
	Listen       ListenConfig       `koanf:"listen"`
	ForwardProxy ForwardProxyConfig `koanf:"forwardProxy"`
	Logging      LoggingConfig      `koanf:"logging"`
	Cache        CacheConfig        `koanf:"cache"`
	Session      SessionConfig      `koanf:"session"`
	Store        StoreConfig        `koanf:"store"`
	Usage        UsageConfig        `koanf:"usage"`
	Quotas       QuotasConfig       `koanf:"quotas"`
	Responses    ResponsesConfig    `koanf:"responses"`
	Admin        AdminConfig        `koanf:"admin"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// ForwardProxyConfig decides whose X-Forwarded-For and Forwarded headers are
// believed when deriving the client address that scopes usage counters.
type ForwardProxyConfig struct {
	TrustedProxyIPs []string `koanf:"trustedProxyIPs"`
	DevelopmentMode bool     `koanf:"developmentMode"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CacheConfig sizes the process-wide cache and the subscription snapshot TTL.
type CacheConfig struct {
	Policy                 string `koanf:"policy"`
	Capacity               int    `koanf:"capacity"`
	SubscriptionTTLSeconds int    `koanf:"subscriptionTTLSeconds"`
}

// SubscriptionTTL converts the configured seconds into a duration.
func (c CacheConfig) SubscriptionTTL() time.Duration {
	return time.Duration(c.SubscriptionTTLSeconds) * time.Second
}

// SessionConfig describes how bearer tokens are verified.
type SessionConfig struct {
	Secret    string `koanf:"secret"`
	Algorithm string `koanf:"algorithm"`
	Claim     string `koanf:"claim"`
}

// StoreConfig selects the relational collaborator backend.
type StoreConfig struct {
	Driver       string `koanf:"driver"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"maxOpenConns"`
	MaxIdleConns int    `koanf:"maxIdleConns"`
	AutoMigrate  bool   `koanf:"autoMigrate"`
}

// UsageConfig selects where usage counters live. An empty backend or "store"
// keeps them next to sessions in the configured store.
type UsageConfig struct {
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// QuotasConfig announces how quota documents are sourced.
type QuotasConfig struct {
	QuotasFolder string `koanf:"quotasFolder"`
	QuotasFile   string `koanf:"quotasFile"`
}

// ResponsesConfig holds the message templates rendered into denial bodies.
type ResponsesConfig struct {
	AuthenticationRequired string `koanf:"authenticationRequired"`
	TokenExpired           string `koanf:"tokenExpired"`
	SubscriptionRequired   string `koanf:"subscriptionRequired"`
}

// AdminConfig guards the operator endpoints. An empty token disables them.
type AdminConfig struct {
	Token string `koanf:"token"`
}

// DefinitionSkip describes a quota definition that the loader intentionally
// ignored because it violated invariants (for example duplicate routes across
// files). The health endpoint surfaces these so operators know which
// definitions were quarantined.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// QuotaDocument is the schema of a single quota source.
type QuotaDocument struct {
	Routes    []QuotaRoute    `koanf:"routes"`
	Fallbacks []QuotaFallback `koanf:"fallbacks"`
	Limits    QuotaLimits     `koanf:"limits"`
	Tiers     QuotaTiers      `koanf:"tiers"`
}

// QuotaRoute maps an exact (method, path) to the quota field it meters.
type QuotaRoute struct {
	Method string `koanf:"method" json:"method"`
	Path   string `koanf:"path" json:"path"`
	Field  string `koanf:"field" json:"field"`
}

// Key returns the normalized lookup key of the route.
func (r QuotaRoute) Key() string { return RouteKey(r.Method, r.Path) }

// Fallback match kinds.
const (
	MatchSuffix  = "suffix"
	MatchParent  = "parent"
	MatchPattern = "pattern"
)

// QuotaFallback resolves paths that embed a resource id. Suffix rules match a
// path ending; parent rules strip the last segment and re-match exactly;
// pattern rules match a segment template where {name} or * stands for one
// segment.
type QuotaFallback struct {
	Match   string `koanf:"match" json:"match"`
	Method  string `koanf:"method" json:"method"`
	Suffix  string `koanf:"suffix" json:"suffix,omitempty"`
	Pattern string `koanf:"pattern" json:"pattern,omitempty"`
	Field   string `koanf:"field" json:"field,omitempty"`
}

// Unlimited is the limit sentinel that disables metering for a field.
const Unlimited = -1

// QuotaLimits holds field -> max count per caller class.
type QuotaLimits struct {
	Anonymous     map[string]int `koanf:"anonymous" json:"anonymous"`
	Authenticated map[string]int `koanf:"authenticated" json:"authenticated"`
}

// QuotaTiers names the two subscription tiers with special handling.
type QuotaTiers struct {
	Top *TierConfig `koanf:"top" json:"top,omitempty"`
	Mid *TierConfig `koanf:"mid" json:"mid,omitempty"`
}

// TierConfig classifies subscriptions by price tier name or CEL expression.
// Restricted and Metered only apply to the mid tier.
type TierConfig struct {
	Name       string         `koanf:"name" json:"name"`
	PriceTiers []string       `koanf:"priceTiers" json:"priceTiers,omitempty"`
	Match      string         `koanf:"match" json:"match,omitempty"`
	Restricted []RouteRef     `koanf:"restricted" json:"restricted,omitempty"`
	Metered    map[string]int `koanf:"metered" json:"metered,omitempty"`
}

// RouteRef identifies a route without binding it to a field.
type RouteRef struct {
	Method string `koanf:"method" json:"method"`
	Path   string `koanf:"path" json:"path"`
}

// RouteKey normalizes a method and path into the form used for exact matching:
// upper-cased method, a single leading slash, no trailing slash.
func RouteKey(method, path string) string {
	return NormalizeMethod(method) + " " + NormalizePath(path)
}

// NormalizeMethod upper-cases and trims an HTTP method.
func NormalizeMethod(method string) string {
	return strings.ToUpper(strings.TrimSpace(method))
}

// NormalizePath trims whitespace and any trailing slash. The root path stays "/".
func NormalizePath(path string) string {
	p := strings.TrimSpace(path)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	for _, cidr := range c.Server.ForwardProxy.TrustedProxyIPs {
		if _, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("config: server.forwardProxy.trustedProxyIPs: %w", err)
		}
	}
	if _, err := cache.ParsePolicy(c.Server.Cache.Policy); err != nil {
		return fmt.Errorf("config: server.cache.policy: %w", err)
	}
	if c.Server.Cache.Capacity <= 0 {
		return fmt.Errorf("config: server.cache.capacity invalid: %d", c.Server.Cache.Capacity)
	}
	if c.Server.Cache.SubscriptionTTLSeconds <= 0 {
		return fmt.Errorf("config: server.cache.subscriptionTTLSeconds invalid: %d", c.Server.Cache.SubscriptionTTLSeconds)
	}
	if c.Server.Quotas.QuotasFolder != "" && c.Server.Quotas.QuotasFile != "" {
		return errors.New("config: quotasFolder and quotasFile are mutually exclusive")
	}
	driver := strings.TrimSpace(strings.ToLower(c.Server.Store.Driver))
	switch driver {
	case "memory":
	case "mysql", "postgres", "sqlite3":
		if strings.TrimSpace(c.Server.Store.DSN) == "" {
			return fmt.Errorf("config: server.store.dsn required for %s driver", driver)
		}
		if strings.TrimSpace(c.Server.Session.Secret) == "" {
			return errors.New("config: server.session.secret required")
		}
	default:
		return fmt.Errorf("config: server.store.driver unsupported: %s", c.Server.Store.Driver)
	}
	if c.Server.Store.MaxOpenConns < 0 || c.Server.Store.MaxIdleConns < 0 {
		return errors.New("config: server.store connection limits must not be negative")
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Session.Algorithm)) {
	case "hs256", "hs384", "hs512":
	default:
		return fmt.Errorf("config: server.session.algorithm unsupported: %s", c.Server.Session.Algorithm)
	}
	if strings.TrimSpace(c.Server.Session.Claim) == "" {
		return errors.New("config: server.session.claim required")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Usage.Backend))
	switch backend {
	case "", "store", "memory":
	case "valkey":
		if strings.TrimSpace(c.Server.Usage.Redis.Address) == "" {
			return errors.New("config: server.usage.redis.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: server.usage.backend unsupported: %s", c.Server.Usage.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			ForwardProxy: ForwardProxyConfig{
				TrustedProxyIPs: []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: CacheConfig{
				Policy:                 string(cache.DefaultPolicy),
				Capacity:               cache.DefaultCapacity,
				SubscriptionTTLSeconds: 3600,
			},
			Session: SessionConfig{
				Algorithm: "HS256",
				Claim:     "user_session_pk",
			},
			Store: StoreConfig{
				Driver:       "memory",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
			Usage: UsageConfig{
				Backend: "store",
			},
			Quotas: QuotasConfig{
				QuotasFolder: "./quotas",
			},
			Responses: ResponsesConfig{
				AuthenticationRequired: `{{ if .QuotaExhausted }}Free usage of {{ .Field | trimSuffix "_api_count_so_far" | replace "_" " " }} is used up, please login{{ else }}Please login{{ end }}`,
				TokenExpired:           "Please refresh the access token with refresh token",
				SubscriptionRequired:   `{{ if .QuotaExhausted }}Usage limit for {{ .Field | trimSuffix "_api_count_so_far" | replace "_" " " }} reached, please upgrade your subscription{{ else }}This feature is not included in the {{ .Tier | title }} plan{{ end }}`,
			},
		},
	}
}
