package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/tiergate/internal/metrics"
)

// Supported SQL dialects, named after their database/sql drivers.
const (
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

const sqlStoreLabel = "sql"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS user_session (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    auth_vendor_type VARCHAR(32) NOT NULL,
    auth_vendor_id VARCHAR(64) NOT NULL,
    access_token_state VARCHAR(16) NOT NULL,
    access_token_expires_at TIMESTAMP NULL,
    refresh_token TEXT,
    refresh_token_expires_at TIMESTAMP NULL
)`,
	`CREATE TABLE IF NOT EXISTS google_user_auth_info (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS paddle_subscription (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL,
    items TEXT,
    current_billing_period_ends_at TIMESTAMP NULL,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS unauthenticated_user_api_usage (
    user_id VARCHAR(64) NOT NULL PRIMARY KEY,
    api_usage TEXT NOT NULL,
    updated_at TIMESTAMP NULL
)`,
	`CREATE TABLE IF NOT EXISTS user_api_usage (
    user_id VARCHAR(64) NOT NULL,
    ip_address VARCHAR(64) NOT NULL,
    api_usage TEXT NOT NULL,
    updated_at TIMESTAMP NULL,
    PRIMARY KEY (user_id, ip_address)
)`,
}

// SQL reads sessions and subscriptions and keeps usage counters in a
// relational database. Usage documents are stored as JSON text.
type SQL struct {
	db       *sql.DB
	dialect  string
	recorder *metrics.Recorder
	newID    func() string
	now      func() time.Time
}

// SQLOption customizes an SQL store.
type SQLOption func(*SQL)

// WithRecorder reports call counts and latency for every query.
func WithRecorder(r *metrics.Recorder) SQLOption {
	return func(s *SQL) { s.recorder = r }
}

// WithClock overrides the timestamp written to updated_at columns.
func WithClock(now func() time.Time) SQLOption {
	return func(s *SQL) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSQL(db *sql.DB, dialect string, opts ...SQLOption) (*SQL, error) {
	if db == nil {
		return nil, errors.New("store: database connection is required")
	}
	switch dialect {
	case DialectMySQL, DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q", dialect)
	}
	s := &SQL{
		db:      db,
		dialect: dialect,
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureSchema creates the collaborator tables when they are missing.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) observe(op string, start time.Time, err *error) {
	s.recorder.ObserveStore(sqlStoreLabel, op, *err, time.Since(start))
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) forUpdate() string {
	if s.dialect == DialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// GetSession returns nil without error when no row matches id.
func (s *SQL) GetSession(ctx context.Context, id string) (session *Session, err error) {
	defer s.observe("get_session", time.Now(), &err)

	var (
		state          string
		refresh        sql.NullString
		accessExpires  sql.NullTime
		refreshExpires sql.NullTime
		out            Session
	)
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, auth_vendor_id, access_token_state, access_token_expires_at,
       refresh_token, refresh_token_expires_at
FROM user_session WHERE id = ?`), id)
	if err := row.Scan(&out.ID, &out.IdentityRef, &state, &accessExpires, &refresh, &refreshExpires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	out.TokenState = TokenState(state)
	out.AccessTokenExpiresAt = accessExpires.Time
	out.RefreshToken = refresh.String
	out.RefreshTokenExpiresAt = refreshExpires.Time
	return &out, nil
}

func (s *SQL) ResolveIdentity(ctx context.Context, ref string) (callerID string, found bool, err error) {
	defer s.observe("resolve_identity", time.Now(), &err)

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT user_id FROM google_user_auth_info WHERE id = ?`), ref)
	if err := row.Scan(&callerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: resolve identity: %w", err)
	}
	return callerID, true, nil
}

// paddleItem is the stored shape of one subscription item.
type paddleItem struct {
	Price struct {
		Name string `json:"name"`
	} `json:"price"`
}

// ActiveSubscription returns the newest ACTIVE subscription of callerID, or
// nil without error when there is none.
func (s *SQL) ActiveSubscription(ctx context.Context, callerID string) (sub *Subscription, err error) {
	defer s.observe("active_subscription", time.Now(), &err)

	var (
		out     Subscription
		items   sql.NullString
		endsAt  sql.NullTime
		decoded []paddleItem
	)
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, user_id, items, current_billing_period_ends_at
FROM paddle_subscription
WHERE user_id = ? AND status = 'ACTIVE'
ORDER BY created_at DESC
LIMIT 1`), callerID)
	if err := row.Scan(&out.ID, &out.CallerID, &items, &endsAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: active subscription: %w", err)
	}
	if items.Valid && strings.TrimSpace(items.String) != "" {
		if err := json.Unmarshal([]byte(items.String), &decoded); err != nil {
			return nil, fmt.Errorf("store: decode subscription %s items: %w", out.ID, err)
		}
	}
	for _, item := range decoded {
		out.Items = append(out.Items, SubscriptionItem{PriceTierName: item.Price.Name})
	}
	out.CurrentPeriodEndsAt = endsAt.Time
	return &out, nil
}

func (s *SQL) AnonymousUsage(ctx context.Context, id string) (usage Usage, found bool, err error) {
	defer s.observe("anonymous_usage", time.Now(), &err)
	return s.usage(ctx, s.db, `SELECT api_usage FROM unauthenticated_user_api_usage WHERE user_id = ?`, id)
}

// CreateAnonymousUsage inserts a record under a fresh caller id with field
// already counted once.
func (s *SQL) CreateAnonymousUsage(ctx context.Context, field string) (id string, err error) {
	defer s.observe("create_anonymous_usage", time.Now(), &err)

	payload, err := json.Marshal(initialUsage(field))
	if err != nil {
		return "", fmt.Errorf("store: encode usage: %w", err)
	}
	id = s.newID()
	if _, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO unauthenticated_user_api_usage (user_id, api_usage, updated_at) VALUES (?, ?, ?)`),
		id, string(payload), s.now().UTC()); err != nil {
		return "", fmt.Errorf("store: create anonymous usage: %w", err)
	}
	return id, nil
}

func (s *SQL) IncrementAnonymousUsage(ctx context.Context, id, field string) (err error) {
	defer s.observe("increment_anonymous_usage", time.Now(), &err)
	return s.increment(ctx, field,
		`SELECT api_usage FROM unauthenticated_user_api_usage WHERE user_id = ?`,
		`UPDATE unauthenticated_user_api_usage SET api_usage = ?, updated_at = ? WHERE user_id = ?`,
		id)
}

func (s *SQL) UserUsage(ctx context.Context, callerID, ip string) (usage Usage, found bool, err error) {
	defer s.observe("user_usage", time.Now(), &err)
	return s.usage(ctx, s.db, `SELECT api_usage FROM user_api_usage WHERE user_id = ? AND ip_address = ?`, callerID, ip)
}

// CreateUserUsage inserts the (callerID, ip) record with field counted once.
// It returns ErrUsageExists when another request created it first.
func (s *SQL) CreateUserUsage(ctx context.Context, callerID, ip, field string) (err error) {
	defer s.observe("create_user_usage", time.Now(), &err)

	payload, err := json.Marshal(initialUsage(field))
	if err != nil {
		return fmt.Errorf("store: encode usage: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, found, err := s.usage(ctx, tx, `SELECT api_usage FROM user_api_usage WHERE user_id = ? AND ip_address = ?`+s.forUpdate(), callerID, ip)
	if err != nil {
		return err
	}
	if found {
		return ErrUsageExists
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO user_api_usage (user_id, ip_address, api_usage, updated_at) VALUES (?, ?, ?, ?)`),
		callerID, ip, string(payload), s.now().UTC()); err != nil {
		return fmt.Errorf("store: create user usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *SQL) IncrementUserUsage(ctx context.Context, callerID, ip, field string) (err error) {
	defer s.observe("increment_user_usage", time.Now(), &err)
	return s.increment(ctx, field,
		`SELECT api_usage FROM user_api_usage WHERE user_id = ? AND ip_address = ?`,
		`UPDATE user_api_usage SET api_usage = ?, updated_at = ? WHERE user_id = ? AND ip_address = ?`,
		callerID, ip)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) usage(ctx context.Context, q queryer, query string, args ...any) (Usage, bool, error) {
	var raw string
	if err := q.QueryRowContext(ctx, s.rebind(query), args...).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: read usage: %w", err)
	}
	usage := Usage{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &usage); err != nil {
			return nil, false, fmt.Errorf("store: decode usage: %w", err)
		}
	}
	return usage, true, nil
}

// increment rewrites the usage document inside one transaction. The select
// locks the row on dialects that support FOR UPDATE.
func (s *SQL) increment(ctx context.Context, field, selectQuery, updateQuery string, keys ...any) error {
	if field == "" {
		return ErrFieldRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	usage, found, err := s.usage(ctx, tx, selectQuery+s.forUpdate(), keys...)
	if err != nil {
		return err
	}
	if !found {
		return ErrUsageNotFound
	}
	usage[field]++
	payload, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("store: encode usage: %w", err)
	}
	args := append([]any{string(payload), s.now().UTC()}, keys...)
	if _, err := tx.ExecContext(ctx, s.rebind(updateQuery), args...); err != nil {
		return fmt.Errorf("store: update usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
