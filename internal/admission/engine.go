// Package admission decides, per request, whether to allow, meter, or deny
// based on the caller's session, subscription tier, and usage quota.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/l0p7/tiergate/internal/config"
	"github.com/l0p7/tiergate/internal/metrics"
	"github.com/l0p7/tiergate/internal/quota"
	"github.com/l0p7/tiergate/internal/session"
	"github.com/l0p7/tiergate/internal/store"
)

// Decision is the outcome of one admission check.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionAllowMetered Decision = "allow_metered"
	DecisionDeny         Decision = "deny"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonAuthenticationRequired Reason = "AUTHENTICATION_REQUIRED"
	ReasonTokenExpired           Reason = "TOKEN_EXPIRED"
	ReasonSubscriptionRequired   Reason = "SUBSCRIPTION_REQUIRED"
)

// Request is the metadata of the request being admitted.
type Request struct {
	Method        string
	Path          string
	Token         string
	AnonymousID   string
	ClientIP      string
	CorrelationID string
}

// Result is the admission outcome. CallerID and NewAnonymousCaller must be
// handed back to the client when NewAnonymousCaller is set, so it can resend
// the id on its next call.
type Result struct {
	Decision           Decision
	CallerID           string
	Authenticated      bool
	NewAnonymousCaller bool
	Tier               quota.Tier
	TierName           string
	Field              string
	Reason             Reason
	QuotaExhausted     bool
}

// Allowed reports whether the request may proceed.
func (r Result) Allowed() bool { return r.Decision != DecisionDeny }

// SessionValidator resolves bearer tokens.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (session.Identity, error)
}

// SubscriptionResolver returns a caller's active subscription, or nil.
type SubscriptionResolver interface {
	Resolve(ctx context.Context, callerID string) (*store.Subscription, error)
}

// UsageStore holds the per-caller usage counters.
type UsageStore interface {
	AnonymousUsage(ctx context.Context, id string) (store.Usage, bool, error)
	CreateAnonymousUsage(ctx context.Context, field string) (string, error)
	IncrementAnonymousUsage(ctx context.Context, id, field string) error
	UserUsage(ctx context.Context, callerID, ip string) (store.Usage, bool, error)
	CreateUserUsage(ctx context.Context, callerID, ip, field string) error
	IncrementUserUsage(ctx context.Context, callerID, ip, field string) error
}

// Engine composes session validation, tier resolution and quota enforcement.
// The quota table can be swapped at runtime with Reload.
type Engine struct {
	sessions      SessionValidator
	subscriptions SubscriptionResolver
	usage         UsageStore
	table         atomic.Pointer[quota.Table]
	now           func() time.Time
	logger        *slog.Logger
	recorder      *metrics.Recorder
}

// Option customizes an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithRecorder(rec *metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = rec }
}

func New(table *quota.Table, sessions SessionValidator, subscriptions SubscriptionResolver, usage UsageStore, opts ...Option) (*Engine, error) {
	if table == nil {
		return nil, errors.New("admission: quota table is required")
	}
	if sessions == nil || subscriptions == nil || usage == nil {
		return nil, errors.New("admission: session, subscription and usage collaborators are required")
	}
	e := &Engine{
		sessions:      sessions,
		subscriptions: subscriptions,
		usage:         usage,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("agent", "admission"))
	e.table.Store(table)
	return e, nil
}

// Reload swaps the quota table. In-flight requests finish on the table they
// started with. A nil table is ignored.
func (e *Engine) Reload(table *quota.Table) {
	if table == nil {
		return
	}
	e.table.Store(table)
	stats := table.Stats()
	e.logger.Info("quota table reloaded",
		slog.Int("routes", stats.Routes),
		slog.Int("fallbacks", stats.Fallbacks),
		slog.Int("skipped", len(stats.Skipped)),
	)
}

// Table returns the quota table currently in use.
func (e *Engine) Table() *quota.Table { return e.table.Load() }

// Authorize admits req. Denials are returned as a Result with Decision deny;
// a non-nil error means a collaborator failed and the caller must fail closed.
func (e *Engine) Authorize(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := e.authorize(ctx, e.table.Load(), req)
	e.observe(req, res, err, time.Since(start))
	return res, err
}

func (e *Engine) authorize(ctx context.Context, table *quota.Table, req Request) (Result, error) {
	identity, err := e.sessions.Validate(ctx, req.Token)
	switch {
	case errors.Is(err, session.ErrTokenExpired):
		return deny(Result{}, ReasonTokenExpired, false), nil
	case errors.Is(err, session.ErrAuthenticationRequired):
		return deny(Result{}, ReasonAuthenticationRequired, false), nil
	case err != nil:
		return Result{}, fmt.Errorf("admission: validate session: %w", err)
	}

	route := table.Resolve(req.Method, req.Path)
	if !identity.Authenticated {
		return e.anonymous(ctx, table, req, route)
	}
	return e.authenticated(ctx, table, req, identity, route)
}

func (e *Engine) anonymous(ctx context.Context, table *quota.Table, req Request, route quota.Route) (Result, error) {
	res := Result{Field: route.Field, Tier: quota.TierNone, TierName: table.TierName(quota.TierNone)}
	limit := table.Limit(quota.ClassAnonymous, route.Field)

	if req.AnonymousID == "" {
		if limit == 0 {
			return deny(res, ReasonAuthenticationRequired, false), nil
		}
		field := ""
		if route.Metered && limit != config.Unlimited {
			field = route.Field
		}
		id, err := e.usage.CreateAnonymousUsage(ctx, field)
		if err != nil {
			return Result{}, fmt.Errorf("admission: create anonymous usage: %w", err)
		}
		res.CallerID = id
		res.NewAnonymousCaller = true
		if field != "" {
			return allow(res, DecisionAllowMetered), nil
		}
		return allow(res, DecisionAllow), nil
	}

	usage, found, err := e.usage.AnonymousUsage(ctx, req.AnonymousID)
	if err != nil {
		return Result{}, fmt.Errorf("admission: read anonymous usage: %w", err)
	}
	if !found {
		return deny(res, ReasonAuthenticationRequired, false), nil
	}
	res.CallerID = req.AnonymousID
	switch {
	case !route.Metered || limit == config.Unlimited:
		return allow(res, DecisionAllow), nil
	case limit == 0:
		return deny(res, ReasonAuthenticationRequired, false), nil
	case usage.Count(route.Field) >= int64(limit):
		return deny(res, ReasonAuthenticationRequired, true), nil
	}
	// Check and increment are separate calls; concurrent requests from one
	// caller may overshoot the limit by the number in flight.
	if err := e.usage.IncrementAnonymousUsage(ctx, req.AnonymousID, route.Field); err != nil {
		return Result{}, fmt.Errorf("admission: increment anonymous usage: %w", err)
	}
	return allow(res, DecisionAllowMetered), nil
}

func (e *Engine) authenticated(ctx context.Context, table *quota.Table, req Request, identity session.Identity, route quota.Route) (Result, error) {
	res := Result{CallerID: identity.CallerID, Authenticated: true, Field: route.Field}

	sub, err := e.subscriptions.Resolve(ctx, identity.CallerID)
	if err != nil {
		return Result{}, fmt.Errorf("admission: resolve subscription: %w", err)
	}
	tier, err := table.TierOf(sub, identity.CallerID, e.now())
	if err != nil {
		e.logger.Warn("tier matcher failed", slog.String("caller_id", identity.CallerID), slog.Any("error", err))
	}
	res.Tier = tier
	res.TierName = table.TierName(tier)

	switch tier {
	case quota.TierTop:
		return allow(res, DecisionAllow), nil
	case quota.TierMid:
		if table.Restricted(req.Method, req.Path) {
			return deny(res, ReasonSubscriptionRequired, false), nil
		}
		if limit, ok := table.MidTierLimit(route.Field); ok {
			return e.meterUser(ctx, req, res, route, limit)
		}
		return allow(res, DecisionAllow), nil
	}
	return e.meterUser(ctx, req, res, route, table.Limit(quota.ClassAuthenticated, route.Field))
}

// meterUser enforces limit against the (caller, ip) usage record, creating it
// on first use with the field already counted.
func (e *Engine) meterUser(ctx context.Context, req Request, res Result, route quota.Route, limit int) (Result, error) {
	if !route.Metered || limit == config.Unlimited {
		return allow(res, DecisionAllow), nil
	}
	if limit == 0 {
		return deny(res, ReasonSubscriptionRequired, false), nil
	}

	usage, found, err := e.usage.UserUsage(ctx, res.CallerID, req.ClientIP)
	if err != nil {
		return Result{}, fmt.Errorf("admission: read user usage: %w", err)
	}
	if !found {
		err := e.usage.CreateUserUsage(ctx, res.CallerID, req.ClientIP, route.Field)
		switch {
		case err == nil:
			return allow(res, DecisionAllowMetered), nil
		case errors.Is(err, store.ErrUsageExists):
			usage, _, err = e.usage.UserUsage(ctx, res.CallerID, req.ClientIP)
			if err != nil {
				return Result{}, fmt.Errorf("admission: read user usage: %w", err)
			}
		default:
			return Result{}, fmt.Errorf("admission: create user usage: %w", err)
		}
	}
	if usage.Count(route.Field) >= int64(limit) {
		return deny(res, ReasonSubscriptionRequired, true), nil
	}
	if err := e.usage.IncrementUserUsage(ctx, res.CallerID, req.ClientIP, route.Field); err != nil {
		return Result{}, fmt.Errorf("admission: increment user usage: %w", err)
	}
	return allow(res, DecisionAllowMetered), nil
}

func allow(res Result, decision Decision) Result {
	res.Decision = decision
	res.Reason = ReasonNone
	return res
}

func deny(res Result, reason Reason, exhausted bool) Result {
	res.Decision = DecisionDeny
	res.Reason = reason
	res.QuotaExhausted = exhausted
	return res
}

func (e *Engine) observe(req Request, res Result, err error, elapsed time.Duration) {
	if err != nil {
		e.recorder.ObserveDecision("error", "collaborator_failure", string(res.Tier), elapsed)
		e.logger.Error("admission failed",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("correlation_id", req.CorrelationID),
			slog.Any("error", err),
		)
		return
	}
	e.recorder.ObserveDecision(string(res.Decision), string(res.Reason), string(res.Tier), elapsed)
	class := quota.ClassAnonymous
	if res.Authenticated {
		class = quota.ClassAuthenticated
	}
	e.logger.Info("admission decision",
		slog.String("decision", string(res.Decision)),
		slog.String("reason", string(res.Reason)),
		slog.String("tier", res.TierName),
		slog.String("field", res.Field),
		slog.String("caller_class", string(class)),
		slog.Bool("quota_exhausted", res.QuotaExhausted),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Float64("latency_ms", float64(elapsed.Microseconds())/1000),
		slog.String("correlation_id", req.CorrelationID),
	)
}
