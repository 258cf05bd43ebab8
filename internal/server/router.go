package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/l0p7/tiergate/internal/admission"
	"github.com/l0p7/tiergate/internal/cache"
	"github.com/l0p7/tiergate/internal/quota"
	"github.com/l0p7/tiergate/internal/templates"
)

// Response headers set on admitted requests so the proxy can copy them
// upstream.
const (
	HeaderCallerID        = "X-Caller-Id"
	HeaderAuthenticated   = "X-Authenticated"
	HeaderQuotaField      = "X-Quota-Field"
	HeaderTier            = "X-Subscription-Tier"
	HeaderAnonymousID     = "X-Unauthenticated-User-Id"
	HeaderNewAnonymous    = "X-New-Unauthenticated-User"
	headerOriginalMethod  = "X-Original-Method"
	headerOriginalURI     = "X-Original-URI"
	headerForwardedMethod = "X-Forwarded-Method"
	headerForwardedURI    = "X-Forwarded-Uri"
)

// Error codes carried in denial bodies.
const (
	CodeTokenExpired         = "TOKEN_EXPIRED"
	CodeLoginRequired        = "LOGIN_REQUIRED"
	CodeSubscriptionRequired = "SUBSCRIPTION_REQUIRED"
	CodeUnavailable          = "ADMISSION_UNAVAILABLE"
	CodeUntrustedProxy       = "UNTRUSTED_PROXY"
	CodeUnauthorized         = "UNAUTHORIZED"
)

// Authorizer is the admission surface the router depends on.
type Authorizer interface {
	Authorize(ctx context.Context, req admission.Request) (admission.Result, error)
	Table() *quota.Table
}

// SnapshotInvalidator drops a caller's cached subscription.
type SnapshotInvalidator interface {
	Invalidate(callerID string)
}

// Dependencies wires the router. Cache, Snapshots and Metrics are optional;
// the corresponding routes degrade or disappear without them.
type Dependencies struct {
	Authorizer        Authorizer
	Messages          *templates.Messages
	ClientIP          *ClientIPResolver
	Cache             cache.Cache
	Snapshots         SnapshotInvalidator
	Metrics           http.Handler
	AdminToken        string
	CorrelationHeader string
	Logger            *slog.Logger
}

type handler struct {
	deps   Dependencies
	logger *slog.Logger
}

type errorBody struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

// NewRouter builds the HTTP surface: the forward-auth endpoint, health,
// metrics and the operator routes.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Authorizer == nil {
		return nil, errors.New("server: authorizer required")
	}
	if deps.ClientIP == nil {
		deps.ClientIP = &ClientIPResolver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.CorrelationHeader == "" {
		deps.CorrelationHeader = middleware.RequestIDHeader
	}
	h := &handler{deps: deps, logger: deps.Logger.With(slog.String("agent", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.HandleFunc("/authorize", h.serveAuthorize)
	r.Get("/healthz", h.serveHealth)
	r.Get("/health", h.serveHealth)
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.ServeHTTP)
	}
	if deps.AdminToken != "" && deps.Snapshots != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Delete("/subscriptions/{callerID}/snapshot", h.serveInvalidateSnapshot)
		})
	}
	return r, nil
}

func (h *handler) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(h.deps.CorrelationHeader))
	if correlationID == "" {
		correlationID = middleware.GetReqID(r.Context())
	}
	if correlationID != "" {
		w.Header().Set(h.deps.CorrelationHeader, correlationID)
	}

	clientIP, err := h.deps.ClientIP.ClientIP(r)
	if err != nil {
		h.logger.Warn("forwarded metadata rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
		writeJSON(w, http.StatusBadRequest, errorBody{ErrorCode: CodeUntrustedProxy, Message: err.Error()})
		return
	}

	req := admission.Request{
		Method:        firstHeader(r, r.Method, headerOriginalMethod, headerForwardedMethod),
		Path:          firstHeader(r, r.URL.RequestURI(), headerOriginalURI, headerForwardedURI),
		Token:         bearerToken(r.Header.Get("Authorization")),
		AnonymousID:   strings.TrimSpace(r.Header.Get(HeaderAnonymousID)),
		ClientIP:      clientIP,
		CorrelationID: correlationID,
	}
	res, err := h.deps.Authorizer.Authorize(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			ErrorCode: CodeUnavailable,
			Message:   "Admission is temporarily unavailable, please retry",
		})
		return
	}
	if res.Allowed() {
		h.writeAllowed(w, res)
		return
	}
	h.writeDenied(w, res, correlationID)
}

func (h *handler) writeAllowed(w http.ResponseWriter, res admission.Result) {
	header := w.Header()
	if res.CallerID != "" {
		header.Set(HeaderCallerID, res.CallerID)
	}
	header.Set(HeaderAuthenticated, strconv.FormatBool(res.Authenticated))
	if res.Field != "" {
		header.Set(HeaderQuotaField, res.Field)
	}
	if res.TierName != "" {
		header.Set(HeaderTier, res.TierName)
	}
	if !res.Authenticated && res.CallerID != "" {
		header.Set(HeaderAnonymousID, res.CallerID)
	}
	if res.NewAnonymousCaller {
		header.Set(HeaderNewAnonymous, "true")
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) writeDenied(w http.ResponseWriter, res admission.Result, correlationID string) {
	status, code := denialStatus(res)
	message, err := h.deps.Messages.Render(templates.Data{
		Reason:         string(res.Reason),
		Field:          res.Field,
		Tier:           res.TierName,
		QuotaExhausted: res.QuotaExhausted,
	})
	if err != nil {
		h.logger.Warn("denial message template failed",
			slog.String("reason", string(res.Reason)),
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorBody{ErrorCode: code, Message: message})
}

func denialStatus(res admission.Result) (int, string) {
	switch res.Reason {
	case admission.ReasonTokenExpired:
		return http.StatusUnauthorized, CodeTokenExpired
	case admission.ReasonSubscriptionRequired:
		if res.QuotaExhausted {
			return http.StatusTooManyRequests, CodeSubscriptionRequired
		}
		return http.StatusForbidden, CodeSubscriptionRequired
	default:
		if res.QuotaExhausted {
			return http.StatusTooManyRequests, CodeLoginRequired
		}
		return http.StatusUnauthorized, CodeLoginRequired
	}
}

type healthResponse struct {
	Status string      `json:"status"`
	Quotas quota.Stats `json:"quotas"`
	Cache  *cacheStats `json:"cache,omitempty"`
}

type cacheStats struct {
	Policy   string `json:"policy"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
}

func (h *handler) serveHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Quotas: h.deps.Authorizer.Table().Stats()}
	if len(resp.Quotas.Skipped) > 0 {
		resp.Status = "degraded"
	}
	if c := h.deps.Cache; c != nil {
		resp.Cache = &cacheStats{Policy: string(c.Policy()), Size: c.Size(), Capacity: c.Capacity()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) serveInvalidateSnapshot(w http.ResponseWriter, r *http.Request) {
	callerID := strings.TrimSpace(chi.URLParam(r, "callerID"))
	if callerID == "" {
		http.NotFound(w, r)
		return
	}
	h.deps.Snapshots.Invalidate(callerID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) requireAdmin(next http.Handler) http.Handler {
	want := []byte(h.deps.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(bearerToken(r.Header.Get("Authorization")))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{ErrorCode: CodeUnauthorized, Message: "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func firstHeader(r *http.Request, fallback string, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(r.Header.Get(name)); value != "" {
			return value
		}
	}
	return fallback
}

// bearerToken extracts the credential of a Bearer authorization header. Any
// other non-empty value is returned whole so it fails validation instead of
// silently downgrading the caller to anonymous.
func bearerToken(header string) string {
	scheme, param := parseAuthorization(strings.TrimSpace(header))
	if strings.EqualFold(scheme, "bearer") {
		return param
	}
	return strings.TrimSpace(header)
}

func parseAuthorization(header string) (string, string) {
	if header == "" {
		return "", ""
	}
	scheme, param, ok := strings.Cut(header, " ")
	if !ok {
		return strings.TrimSpace(scheme), ""
	}
	return strings.TrimSpace(scheme), strings.TrimSpace(param)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
