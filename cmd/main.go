package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/tiergate/internal/admission"
	"github.com/l0p7/tiergate/internal/cache"
	"github.com/l0p7/tiergate/internal/config"
	"github.com/l0p7/tiergate/internal/expr"
	"github.com/l0p7/tiergate/internal/logging"
	"github.com/l0p7/tiergate/internal/metrics"
	"github.com/l0p7/tiergate/internal/quota"
	"github.com/l0p7/tiergate/internal/server"
	"github.com/l0p7/tiergate/internal/session"
	"github.com/l0p7/tiergate/internal/store"
	"github.com/l0p7/tiergate/internal/subscription"
	"github.com/l0p7/tiergate/internal/templates"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchQuotas(ctx context.Context, cfg config.Config, onChange func(config.QuotaBundle), onError func(error)) (quotaWatcher, error)
}

type quotaWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) WatchQuotas(ctx context.Context, cfg config.Config, onChange func(config.QuotaBundle), onError func(error)) (quotaWatcher, error) {
	return l.Loader.WatchQuotas(ctx, cfg, onChange, onError)
}

// Seams replaced by tests.
var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "TIERGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	shared, err := buildSharedCache(cfg.Server.Cache, recorder)
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}

	backends, err := buildBackends(ctx, logger, cfg.Server, recorder)
	if err != nil {
		return err
	}
	defer backends.close()

	validator, err := session.NewValidator(cfg.Server.Session, backends.sessions, backends.identities)
	if err != nil {
		return fmt.Errorf("build session validator: %w", err)
	}
	if strings.TrimSpace(cfg.Server.Session.Secret) == "" {
		logger.Warn("session secret not configured, every bearer token will be rejected")
	}

	resolver, err := subscription.NewResolver(shared, backends.subscriptions,
		subscription.WithTTL(cfg.Server.Cache.SubscriptionTTL()),
		subscription.WithRecorder(recorder),
		subscription.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build subscription resolver: %w", err)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		return fmt.Errorf("build expression environment: %w", err)
	}
	table, err := quota.Compile(cfg.Quotas, env)
	if err != nil {
		return fmt.Errorf("compile quotas: %w", err)
	}
	logSkipped(logger, table.Stats())

	engine, err := admission.New(table, validator, resolver, backends.usage,
		admission.WithLogger(logger),
		admission.WithRecorder(recorder),
	)
	if err != nil {
		return fmt.Errorf("build admission engine: %w", err)
	}

	if cfg.Server.Quotas.QuotasFile != "" || cfg.Server.Quotas.QuotasFolder != "" {
		watcher, err := loader.WatchQuotas(ctx, cfg, func(bundle config.QuotaBundle) {
			next, err := quota.Compile(bundle, env)
			if err != nil {
				logger.Error("quota reload rejected", slog.Any("error", err))
				return
			}
			logSkipped(logger, next.Stats())
			engine.Reload(next)
		}, func(err error) {
			if err != nil {
				logger.Error("quotas watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("quotas watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	messages, err := templates.NewMessages(templates.NewRenderer(), cfg.Server.Responses)
	if err != nil {
		return fmt.Errorf("compile response templates: %w", err)
	}

	router, err := server.NewRouter(server.Dependencies{
		Authorizer:        engine,
		Messages:          messages,
		ClientIP:          server.NewClientIPResolver(cfg.Server.ForwardProxy),
		Cache:             shared,
		Snapshots:         resolver,
		Metrics:           recorder.Handler(),
		AdminToken:        cfg.Server.Admin.Token,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	srv, err := newHTTPServer(cfg.Server.Listen, logger, router)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildSharedCache(cfg config.CacheConfig, recorder *metrics.Recorder) (cache.Cache, error) {
	policy, err := cache.ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	return cache.Shared(policy, cfg.Capacity, cache.WithEvictionHook(func(string) {
		recorder.ObserveCache("shared", "evict", metrics.CacheEvict)
	}))
}

type backends struct {
	sessions      session.Sessions
	identities    session.Identities
	subscriptions subscription.Source
	usage         admission.UsageStore
	closers       []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// buildBackends selects the collaborator store and the usage counter backend.
func buildBackends(ctx context.Context, logger *slog.Logger, cfg config.ServerConfig, recorder *metrics.Recorder) (*backends, error) {
	b := &backends{}
	driver := strings.TrimSpace(strings.ToLower(cfg.Store.Driver))

	var collaborators interface {
		session.Sessions
		session.Identities
		subscription.Source
		admission.UsageStore
	}
	switch driver {
	case "", "memory":
		logger.Info("using in-memory collaborator store")
		collaborators = store.NewMemory()
	default:
		db, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		b.closers = append(b.closers, func() {
			if err := db.Close(); err != nil {
				logger.Error("store close failed", slog.Any("error", err))
			}
		})
		sqlStore, err := store.NewSQL(db, driver, store.WithRecorder(recorder))
		if err != nil {
			b.close()
			return nil, fmt.Errorf("build store: %w", err)
		}
		if cfg.Store.AutoMigrate {
			if err := sqlStore.EnsureSchema(ctx); err != nil {
				b.close()
				return nil, fmt.Errorf("migrate store: %w", err)
			}
		}
		logger.Info("using sql collaborator store", slog.String("driver", driver))
		collaborators = sqlStore
	}
	b.sessions = collaborators
	b.identities = collaborators
	b.subscriptions = collaborators
	b.usage = collaborators

	switch backend := strings.TrimSpace(strings.ToLower(cfg.Usage.Backend)); backend {
	case "", "store":
	case "memory":
		logger.Info("using in-memory usage counters")
		b.usage = store.NewMemory()
	case "valkey":
		usage, err := store.NewValkeyUsage(cfg.Usage.Redis, recorder)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("connect usage backend: %w", err)
		}
		b.closers = append(b.closers, usage.Close)
		logger.Info("using valkey usage counters", slog.String("address", cfg.Usage.Redis.Address))
		b.usage = usage
	default:
		b.close()
		return nil, fmt.Errorf("usage backend unsupported: %s", backend)
	}
	return b, nil
}

func logSkipped(logger *slog.Logger, stats quota.Stats) {
	for _, skip := range stats.Skipped {
		logger.Warn("quota definition skipped",
			slog.String("kind", skip.Kind),
			slog.String("name", skip.Name),
			slog.String("reason", skip.Reason),
			slog.Any("sources", skip.Sources),
		)
	}
}
