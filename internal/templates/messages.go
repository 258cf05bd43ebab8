package templates

import (
	"fmt"

	"github.com/l0p7/tiergate/internal/config"
)

// Denial reasons understood by Messages.
const (
	ReasonAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	ReasonTokenExpired           = "TOKEN_EXPIRED"
	ReasonSubscriptionRequired   = "SUBSCRIPTION_REQUIRED"
)

// Data is the template context for a denial message.
type Data struct {
	Reason         string
	Field          string
	Tier           string
	QuotaExhausted bool
}

// Messages renders the human-readable message attached to a denial.
type Messages struct {
	templates map[string]*Template
}

// NewMessages compiles one template per denial reason from cfg.
func NewMessages(r *Renderer, cfg config.ResponsesConfig) (*Messages, error) {
	sources := map[string]string{
		ReasonAuthenticationRequired: cfg.AuthenticationRequired,
		ReasonTokenExpired:           cfg.TokenExpired,
		ReasonSubscriptionRequired:   cfg.SubscriptionRequired,
	}
	m := &Messages{templates: make(map[string]*Template, len(sources))}
	for reason, source := range sources {
		tmpl, err := r.CompileInline(reason, source)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			m.templates[reason] = tmpl
		}
	}
	return m, nil
}

// Render returns the message for data.Reason. Reasons without a template, or
// whose template fails, fall back to a fixed sentence so a denial always
// carries a message.
func (m *Messages) Render(data Data) (string, error) {
	if m != nil {
		if tmpl, ok := m.templates[data.Reason]; ok {
			msg, err := tmpl.Render(data)
			if err == nil && msg != "" {
				return msg, nil
			}
			if err != nil {
				return fallbackMessage(data.Reason), err
			}
		}
	}
	return fallbackMessage(data.Reason), nil
}

func fallbackMessage(reason string) string {
	switch reason {
	case ReasonTokenExpired:
		return "Please refresh the access token with refresh token"
	case ReasonSubscriptionRequired:
		return "Subscription required"
	case ReasonAuthenticationRequired:
		return "Please login"
	default:
		return fmt.Sprintf("Request denied (%s)", reason)
	}
}
