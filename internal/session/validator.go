// Package session resolves bearer tokens to authenticated callers.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/l0p7/tiergate/internal/config"
	"github.com/l0p7/tiergate/internal/store"
)

var (
	// ErrAuthenticationRequired covers bad signatures, unknown sessions,
	// invalidated sessions, and identities that no longer resolve.
	ErrAuthenticationRequired = errors.New("session: authentication required")
	// ErrTokenExpired means the session is valid but its access token lapsed;
	// the client should refresh rather than sign in again.
	ErrTokenExpired = errors.New("session: access token expired")
)

// Sessions reads session records.
type Sessions interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
}

// Identities maps a session's identity reference to a caller id.
type Identities interface {
	ResolveIdentity(ctx context.Context, ref string) (string, bool, error)
}

// Identity is the caller behind a request. The zero value is anonymous.
type Identity struct {
	CallerID      string
	SessionID     string
	Authenticated bool
}

// Validator verifies the token signature, then checks the referenced session
// record. It never writes session state.
type Validator struct {
	alg        jwa.SignatureAlgorithm
	secret     []byte
	claim      string
	sessions   Sessions
	identities Identities
	now        func() time.Time
}

// Option customizes a Validator.
type Option func(*Validator)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

func NewValidator(cfg config.SessionConfig, sessions Sessions, identities Identities, opts ...Option) (*Validator, error) {
	if sessions == nil || identities == nil {
		return nil, errors.New("session: session and identity stores are required")
	}
	alg, err := parseAlgorithm(cfg.Algorithm)
	if err != nil {
		return nil, err
	}
	claim := strings.TrimSpace(cfg.Claim)
	if claim == "" {
		return nil, errors.New("session: claim name required")
	}
	v := &Validator{
		alg:        alg,
		secret:     []byte(cfg.Secret),
		claim:      claim,
		sessions:   sessions,
		identities: identities,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func parseAlgorithm(name string) (jwa.SignatureAlgorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "HS256":
		return jwa.HS256, nil
	case "HS384":
		return jwa.HS384, nil
	case "HS512":
		return jwa.HS512, nil
	default:
		return "", fmt.Errorf("session: unsupported algorithm %q", name)
	}
}

// Validate resolves token to an identity. An empty token is an anonymous
// caller, not an error. Denials wrap ErrAuthenticationRequired or
// ErrTokenExpired; any other error is a collaborator failure.
func (v *Validator) Validate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, nil
	}
	sessionID, err := v.sessionID(token)
	if err != nil {
		return Identity{}, err
	}

	record, err := v.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Identity{}, fmt.Errorf("session: get session: %w", err)
	}
	if record == nil || record.TokenState != store.TokenValid {
		return Identity{}, ErrAuthenticationRequired
	}
	if !v.now().Before(record.AccessTokenExpiresAt) {
		return Identity{}, ErrTokenExpired
	}

	callerID, ok, err := v.identities.ResolveIdentity(ctx, record.IdentityRef)
	if err != nil {
		return Identity{}, fmt.Errorf("session: resolve identity: %w", err)
	}
	if !ok || callerID == "" {
		return Identity{}, ErrAuthenticationRequired
	}
	return Identity{CallerID: callerID, SessionID: record.ID, Authenticated: true}, nil
}

// sessionID verifies the signature and extracts the session claim. Token
// expiry claims are ignored; the session record owns expiry.
func (v *Validator) sessionID(token string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrAuthenticationRequired)
	}
	parsed, err := jwt.Parse([]byte(token), jwt.WithKey(v.alg, v.secret), jwt.WithValidate(false))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthenticationRequired, err)
	}
	raw, ok := parsed.Get(v.claim)
	if !ok {
		return "", fmt.Errorf("%w: claim %s missing", ErrAuthenticationRequired, v.claim)
	}
	switch value := raw.(type) {
	case string:
		if value != "" {
			return value, nil
		}
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("%w: claim %s malformed", ErrAuthenticationRequired, v.claim)
}
