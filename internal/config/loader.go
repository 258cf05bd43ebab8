package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// canonicalKeys restores camelCase for env keys, which arrive lower-cased.
var canonicalKeys = map[string]string{
	"server.forwardproxy.trustedproxyips":     "server.forwardProxy.trustedProxyIPs",
	"server.forwardproxy.developmentmode":     "server.forwardProxy.developmentMode",
	"server.logging.correlationheader":        "server.logging.correlationHeader",
	"server.cache.subscriptionttlseconds":     "server.cache.subscriptionTTLSeconds",
	"server.store.maxopenconns":               "server.store.maxOpenConns",
	"server.store.maxidleconns":               "server.store.maxIdleConns",
	"server.store.automigrate":                "server.store.autoMigrate",
	"server.usage.redis.tls.cafile":           "server.usage.redis.tls.caFile",
	"server.quotas.quotasfolder":              "server.quotas.quotasFolder",
	"server.quotas.quotasfile":                "server.quotas.quotasFile",
	"server.responses.authenticationrequired": "server.responses.authenticationRequired",
	"server.responses.tokenexpired":           "server.responses.tokenExpired",
	"server.responses.subscriptionrequired":   "server.responses.subscriptionRequired",
}

// Load assembles the effective snapshot following the documented precedence rules,
// then resolves the quota sources.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (TIERGATE_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonicalKeys[lower]; ok {
				return mapped
			}
			// Single underscores are removed so CACHE_TTL collapses into cachettl.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	bundle, err := BuildQuotaBundle(ctx, cfg.Inline, cfg.Server.Quotas)
	if err != nil {
		return Config{}, err
	}
	cfg.Quotas = bundle
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	s := cfg.Server
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": s.Listen.Address,
				"port":    s.Listen.Port,
			},
			"forwardProxy": map[string]any{
				"trustedProxyIPs": append([]string(nil), s.ForwardProxy.TrustedProxyIPs...),
				"developmentMode": s.ForwardProxy.DevelopmentMode,
			},
			"logging": map[string]any{
				"level":             s.Logging.Level,
				"format":            s.Logging.Format,
				"correlationHeader": s.Logging.CorrelationHeader,
			},
			"cache": map[string]any{
				"policy":                 s.Cache.Policy,
				"capacity":               s.Cache.Capacity,
				"subscriptionTTLSeconds": s.Cache.SubscriptionTTLSeconds,
			},
			"session": map[string]any{
				"secret":    s.Session.Secret,
				"algorithm": s.Session.Algorithm,
				"claim":     s.Session.Claim,
			},
			"store": map[string]any{
				"driver":       s.Store.Driver,
				"dsn":          s.Store.DSN,
				"maxOpenConns": s.Store.MaxOpenConns,
				"maxIdleConns": s.Store.MaxIdleConns,
				"autoMigrate":  s.Store.AutoMigrate,
			},
			"usage": map[string]any{
				"backend": s.Usage.Backend,
				"redis": map[string]any{
					"address":  s.Usage.Redis.Address,
					"username": s.Usage.Redis.Username,
					"password": s.Usage.Redis.Password,
					"db":       s.Usage.Redis.DB,
					"tls": map[string]any{
						"enabled": s.Usage.Redis.TLS.Enabled,
						"caFile":  s.Usage.Redis.TLS.CAFile,
					},
				},
			},
			"quotas": map[string]any{
				"quotasFolder": s.Quotas.QuotasFolder,
				"quotasFile":   s.Quotas.QuotasFile,
			},
			"responses": map[string]any{
				"authenticationRequired": s.Responses.AuthenticationRequired,
				"tokenExpired":           s.Responses.TokenExpired,
				"subscriptionRequired":   s.Responses.SubscriptionRequired,
			},
			"admin": map[string]any{
				"token": s.Admin.Token,
			},
		},
	}
}
