package server

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/l0p7/tiergate/internal/config"
)

func resolverFor(development bool, cidrs ...string) *ClientIPResolver {
	return NewClientIPResolver(config.ForwardProxyConfig{TrustedProxyIPs: cidrs, DevelopmentMode: development})
}

func TestClientIPWithoutForwarding(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/authorize", nil)
	req.RemoteAddr = "198.51.100.5:5123"

	ip, err := resolverFor(false).ClientIP(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ip != "198.51.100.5" {
		t.Fatalf("expected peer address, got %q", ip)
	}
}

func TestClientIPRejectsChainWithUntrustedProxy(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/authorize", nil)
	req.RemoteAddr = "192.0.2.10:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.5, 203.0.113.7, 192.0.2.10")

	_, err := resolverFor(false, "192.0.2.0/24").ClientIP(req)
	if !errors.Is(err, errUntrustedProxy) {
		t.Fatalf("expected untrusted proxy error, got %v", err)
	}
}

func TestClientIPAcceptsChainFromTrustedProxies(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/authorize", nil)
	req.RemoteAddr = "192.0.2.10:80"
	req.Header.Set("X-Forwarded-For", "198.51.100.5, 203.0.113.7, 192.0.2.10")

	ip, err := resolverFor(false, "192.0.2.0/24", "203.0.113.0/24").ClientIP(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ip != "198.51.100.5" {
		t.Fatalf("expected client hop, got %q", ip)
	}
}

func TestClientIPRejectsUntrustedPeer(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/authorize", nil)
	req.RemoteAddr = "198.51.100.77:80"
	req.Header.Set("X-Forwarded-For", "10.1.1.1")

	if _, err := resolverFor(false, "192.0.2.0/24").ClientIP(req); !errors.Is(err, errUntrustedProxy) {
		t.Fatalf("expected untrusted proxy error, got %v", err)
	}
}

func TestClientIPDevelopmentModeFallsBackToPeer(t *testing.T) {
	req := httptest.NewRequest("GET", "http://example.com/authorize", nil)
	req.RemoteAddr = "198.51.100.77:80"
	req.Header.Set("X-Forwarded-For", "not-an-ip")

	ip, err := resolverFor(true).ClientIP(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ip != "198.51.100.77" {
		t.Fatalf("expected peer address, got %q", ip)
	}
}

func TestClientIPForwardedHeader(t *testing.T) {
	cases := map[string]struct {
		forwarded    string
		forwardedFor string
		want         string
		wantErr      error
	}{
		"ipv4":              {forwarded: "for=198.51.100.5;proto=https, for=192.0.2.10", want: "198.51.100.5"},
		"quoted ipv6":       {forwarded: `for="[2001:db8::7]:4711", for=192.0.2.10`, want: "2001:db8::7"},
		"matching xff":      {forwarded: "for=198.51.100.5, for=192.0.2.10", forwardedFor: "198.51.100.5, 192.0.2.10", want: "198.51.100.5"},
		"mismatched xff":    {forwarded: "for=198.51.100.5", forwardedFor: "198.51.100.6", wantErr: errForwardedMetadata},
		"obfuscated":        {forwarded: "for=_hidden", wantErr: errForwardedDirectiveEmpty},
		"missing directive": {forwarded: "proto=https", wantErr: errForwardedDirectiveEmpty},
		"garbage":           {forwarded: "for=999.1.1.1", wantErr: errForwardedChainInvalid},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com/authorize", nil)
			req.RemoteAddr = "192.0.2.10:80"
			req.Header.Set("Forwarded", tc.forwarded)
			if tc.forwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tc.forwardedFor)
			}
			ip, err := resolverFor(false, "192.0.2.0/24").ClientIP(req)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ip != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, ip)
			}
		})
	}
}

func TestParseCIDRsSkipsInvalid(t *testing.T) {
	prefixes := ParseCIDRs([]string{"10.0.0.0/8", "bogus", " ::1/128 "})
	if len(prefixes) != 2 {
		t.Fatalf("expected 2 prefixes, got %d", len(prefixes))
	}
}
