package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/tiergate/internal/config"
	"github.com/l0p7/tiergate/internal/logging"
	"github.com/l0p7/tiergate/internal/metrics"
	"github.com/l0p7/tiergate/internal/store"
)

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "TIERGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "TIERGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})
	overrideHTTPServer(t, func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "TIERGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunStopsWatcherOnShutdown(t *testing.T) {
	stopped := false
	loader := &fakeLoader{cfg: config.DefaultConfig(), stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: context.Canceled}, nil
	})

	require.NoError(t, run(context.Background(), "TIERGATE", ""))
	require.True(t, loader.watchSeen, "expected quotas watcher to start")
	require.True(t, stopped, "expected quotas watcher to stop")
}

func TestRunSkipsWatcherWithoutQuotaSource(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Quotas.QuotasFolder = ""
	loader := &fakeLoader{cfg: cfg}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "TIERGATE", ""))
	require.False(t, loader.watchSeen)
}

func TestRunAppliesQuotaReloads(t *testing.T) {
	loader := &fakeLoader{cfg: config.DefaultConfig()}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })

	var routes []int
	overrideHTTPServer(t, func(_ config.ListenConfig, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		return runFunc(func(context.Context) error {
			routes = append(routes, healthRoutes(t, handler))
			loader.onChange(config.QuotaBundle{Routes: []config.QuotaRoute{
				{Method: "POST", Path: "/a", Field: "a_count"},
				{Method: "POST", Path: "/b", Field: "b_count"},
			}})
			routes = append(routes, healthRoutes(t, handler))
			return nil
		}), nil
	})

	require.NoError(t, run(context.Background(), "TIERGATE", ""))
	require.Equal(t, []int{0, 2}, routes)
}

func healthRoutes(t *testing.T, handler http.Handler) int {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Quotas struct {
			Routes int `json:"routes"`
		} `json:"quotas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Quotas.Routes
}

func TestBuildBackends(t *testing.T) {
	ctx := context.Background()
	recorder := metrics.NewRecorder(nil)

	t.Run("memory store serves every collaborator", func(t *testing.T) {
		cfg := config.DefaultConfig().Server
		b, err := buildBackends(ctx, logging.Discard(), cfg, recorder)
		require.NoError(t, err)
		t.Cleanup(b.close)
		require.IsType(t, &store.Memory{}, b.sessions)
		require.Same(t, b.sessions, b.usage)
	})

	t.Run("separate memory usage counters", func(t *testing.T) {
		cfg := config.DefaultConfig().Server
		cfg.Usage.Backend = "memory"
		b, err := buildBackends(ctx, logging.Discard(), cfg, recorder)
		require.NoError(t, err)
		t.Cleanup(b.close)
		require.NotSame(t, b.sessions, b.usage)
	})

	t.Run("sqlite store with migration", func(t *testing.T) {
		cfg := config.DefaultConfig().Server
		cfg.Store.Driver = "sqlite3"
		cfg.Store.DSN = ":memory:"
		cfg.Store.AutoMigrate = true
		b, err := buildBackends(ctx, logging.Discard(), cfg, recorder)
		require.NoError(t, err)
		t.Cleanup(b.close)

		id, err := b.usage.CreateAnonymousUsage(ctx, "ask_api_count_so_far")
		require.NoError(t, err)
		usage, found, err := b.usage.AnonymousUsage(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		require.EqualValues(t, 1, usage.Count("ask_api_count_so_far"))
	})

	t.Run("valkey usage counters", func(t *testing.T) {
		server, err := miniredis.Run()
		if err != nil {
			if strings.Contains(err.Error(), "operation not permitted") {
				t.Skip("miniredis unavailable in sandbox")
			}
			require.NoError(t, err)
		}
		t.Cleanup(server.Close)

		cfg := config.DefaultConfig().Server
		cfg.Usage.Backend = "valkey"
		cfg.Usage.Redis.Address = server.Addr()
		b, err := buildBackends(ctx, logging.Discard(), cfg, recorder)
		require.NoError(t, err)
		t.Cleanup(b.close)
		require.IsType(t, &store.ValkeyUsage{}, b.usage)

		require.NoError(t, b.usage.CreateUserUsage(ctx, "user-1", "192.0.2.1", "ask_api_count_so_far"))
		usage, found, err := b.usage.UserUsage(ctx, "user-1", "192.0.2.1")
		require.NoError(t, err)
		require.True(t, found)
		require.EqualValues(t, 1, usage.Count("ask_api_count_so_far"))
	})

	t.Run("unreachable valkey fails", func(t *testing.T) {
		cfg := config.DefaultConfig().Server
		cfg.Usage.Backend = "valkey"
		cfg.Usage.Redis.Address = "127.0.0.1:1"
		_, err := buildBackends(ctx, logging.Discard(), cfg, recorder)
		require.Error(t, err)
	})

	t.Run("unsupported usage backend", func(t *testing.T) {
		cfg := config.DefaultConfig().Server
		cfg.Usage.Backend = "etcd"
		_, err := buildBackends(ctx, logging.Discard(), cfg, recorder)
		require.ErrorContains(t, err, "unsupported")
	})
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
	onChange  func(config.QuotaBundle)
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) WatchQuotas(_ context.Context, _ config.Config, onChange func(config.QuotaBundle), _ func(error)) (quotaWatcher, error) {
	f.watchSeen = true
	f.onChange = onChange
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}

type runFunc func(context.Context) error

func (f runFunc) Run(ctx context.Context) error { return f(ctx) }
