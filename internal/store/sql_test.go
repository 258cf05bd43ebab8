package store

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/tiergate/internal/config"
	"github.com/l0p7/tiergate/internal/metrics"
)

func newSQLStore(t *testing.T, opts ...SQLOption) (*SQL, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, config.StoreConfig{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQL(db, DialectSQLite, opts...)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	return s, db
}

func TestSQLSessionLookup(t *testing.T) {
	ctx := context.Background()
	s, db := newSQLStore(t)

	expires := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	_, err := db.Exec(`INSERT INTO user_session (id, auth_vendor_type, auth_vendor_id, access_token_state, access_token_expires_at, refresh_token, refresh_token_expires_at)
VALUES (?, 'GOOGLE', ?, 'VALID', ?, 'refresh', NULL)`, "session-1", "google-1", expires)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO google_user_auth_info (id, user_id) VALUES (?, ?)`, "google-1", "user-1")
	require.NoError(t, err)

	session, err := s.GetSession(ctx, "session-1")
	require.NoError(t, err)
	require.NotNil(t, session)
	require.Equal(t, "google-1", session.IdentityRef)
	require.Equal(t, TokenValid, session.TokenState)
	require.True(t, session.AccessTokenExpiresAt.Equal(expires))
	require.Equal(t, "refresh", session.RefreshToken)
	require.True(t, session.RefreshTokenExpiresAt.IsZero())

	missing, err := s.GetSession(ctx, "session-2")
	require.NoError(t, err)
	require.Nil(t, missing)

	callerID, ok, err := s.ResolveIdentity(ctx, "google-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "user-1", callerID)

	_, ok, err = s.ResolveIdentity(ctx, "google-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLActiveSubscriptionNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, db := newSQLStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	insert := func(id, status, items string, created time.Time) {
		t.Helper()
		_, err := db.Exec(`INSERT INTO paddle_subscription (id, user_id, status, items, current_billing_period_ends_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			id, "user-1", status, items, base.AddDate(0, 1, 0), created)
		require.NoError(t, err)
	}
	insert("old", "ACTIVE", `[{"price":{"name":"Plus Monthly"}}]`, base)
	insert("new", "ACTIVE", `[{"price":{"name":"Ultra Yearly"}},{"price":{"name":"Addon"}}]`, base.Add(time.Hour))
	insert("newest", "CANCELED", `[{"price":{"name":"Plus Yearly"}}]`, base.Add(2*time.Hour))

	sub, err := s.ActiveSubscription(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.Equal(t, "new", sub.ID)
	require.Equal(t, "Ultra Yearly", sub.PriceTier())
	require.Equal(t, []string{"Ultra Yearly", "Addon"}, sub.PriceTiers())
	require.True(t, sub.CurrentPeriodEndsAt.Equal(base.AddDate(0, 1, 0)))

	none, err := s.ActiveSubscription(ctx, "user-2")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestSQLAnonymousUsageLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLStore(t)

	id, err := s.CreateAnonymousUsage(ctx, "pronunciation_api_count_so_far")
	require.NoError(t, err)

	usage, ok, err := s.AnonymousUsage(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, usage.Count("pronunciation_api_count_so_far"))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.IncrementAnonymousUsage(ctx, id, "pronunciation_api_count_so_far"))
	}
	usage, _, err = s.AnonymousUsage(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 3, usage.Count("pronunciation_api_count_so_far"))

	require.ErrorIs(t, s.IncrementAnonymousUsage(ctx, "nobody", "pronunciation_api_count_so_far"), ErrUsageNotFound)

	_, ok, err = s.AnonymousUsage(ctx, "nobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLUserUsageLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLStore(t)

	require.NoError(t, s.CreateUserUsage(ctx, "user-1", "10.0.0.1", "ask_api_count_so_far"))
	require.ErrorIs(t, s.CreateUserUsage(ctx, "user-1", "10.0.0.1", "ask_api_count_so_far"), ErrUsageExists)
	require.NoError(t, s.IncrementUserUsage(ctx, "user-1", "10.0.0.1", "ask_api_count_so_far"))
	require.NoError(t, s.CreateUserUsage(ctx, "user-1", "10.0.0.2", ""))

	usage, ok, err := s.UserUsage(ctx, "user-1", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, usage.Count("ask_api_count_so_far"))

	usage, ok, err = s.UserUsage(ctx, "user-1", "10.0.0.2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, usage)
}

func TestSQLConcurrentIncrementsSerialize(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLStore(t)
	id, err := s.CreateAnonymousUsage(ctx, "ask_api_count_so_far")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementAnonymousUsage(ctx, id, "ask_api_count_so_far"); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	usage, _, err := s.AnonymousUsage(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 11, usage.Count("ask_api_count_so_far"))
}

func TestSQLRecordsMetrics(t *testing.T) {
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	s, _ := newSQLStore(t, WithRecorder(rec))

	_, err := s.GetSession(context.Background(), "absent")
	require.NoError(t, err)

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	var found bool
	for _, family := range families {
		if family.GetName() != "tiergate_store_operations_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["store"] == "sql" && labels["operation"] == "get_session" && labels["result"] == "ok" {
				found = metric.GetCounter().GetValue() == 1
			}
		}
	}
	require.True(t, found, "expected one ok get_session observation")
}

func TestRebindPostgres(t *testing.T) {
	s := &SQL{dialect: DialectPostgres}
	require.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.dialect = DialectMySQL
	require.Equal(t, "SELECT ?", s.rebind("SELECT ?"))
}

func TestNewSQLRejectsUnknownDialect(t *testing.T) {
	_, err := NewSQL(nil, DialectSQLite)
	require.Error(t, err)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQL(db, "oracle")
	require.Error(t, err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "memory"})
	require.Error(t, err)
}
