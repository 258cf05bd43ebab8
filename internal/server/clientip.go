package server

import (
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/l0p7/tiergate/internal/config"
)

var (
	errUntrustedProxy          = errors.New("forwarded headers from untrusted proxy")
	errForwardedChainMissing   = errors.New("forwarded chain missing client hop")
	errForwardedChainInvalid   = errors.New("invalid forwarded chain")
	errForwardedMetadata       = errors.New("forwarded metadata mismatch between headers")
	errForwardedDirectiveEmpty = errors.New("forwarded metadata missing for directive")
)

// ClientIPResolver derives the client address from the direct peer and, when
// every proxy hop is trusted, from X-Forwarded-For or Forwarded.
type ClientIPResolver struct {
	trusted     []netip.Prefix
	development bool
}

func NewClientIPResolver(cfg config.ForwardProxyConfig) *ClientIPResolver {
	return &ClientIPResolver{
		trusted:     ParseCIDRs(cfg.TrustedProxyIPs),
		development: cfg.DevelopmentMode,
	}
}

// ClientIP returns the address usage counters are scoped to. Untrusted or
// malformed forwarding metadata is an error, except in development mode where
// it is ignored and the peer address is used.
func (c *ClientIPResolver) ClientIP(r *http.Request) (string, error) {
	peer := remoteHost(r.RemoteAddr)
	forwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	forwarded := strings.TrimSpace(r.Header.Get("Forwarded"))
	if forwardedFor == "" && forwarded == "" {
		return peer, nil
	}

	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return "", net.InvalidAddrError("invalid remote address")
	}
	chain, err := forwardedChain(forwarded, forwardedFor)
	switch {
	case err != nil:
	case !c.isTrusted(addr) || !c.chainTrusted(chain):
		err = errUntrustedProxy
	default:
		return chain[0].String(), nil
	}
	if c.development {
		return peer, nil
	}
	return "", err
}

func forwardedChain(forwarded, forwardedFor string) ([]netip.Addr, error) {
	var canonical []netip.Addr
	if forwarded != "" {
		chain, err := parseRFC7239Forwarded(forwarded)
		if err != nil {
			if errors.Is(err, errForwardedChainMissing) || errors.Is(err, errForwardedDirectiveEmpty) {
				return nil, err
			}
			return nil, errForwardedChainInvalid
		}
		canonical = chain
	}
	if forwardedFor != "" {
		chain, err := parseForwardedFor(forwardedFor)
		if err != nil {
			return nil, errForwardedChainInvalid
		}
		if len(chain) == 0 {
			return nil, errForwardedChainMissing
		}
		if len(canonical) == 0 {
			canonical = chain
		} else if !chainsEqual(canonical, chain) {
			return nil, errForwardedMetadata
		}
	}
	if len(canonical) == 0 {
		return nil, errForwardedChainMissing
	}
	return canonical, nil
}

// chainTrusted checks every hop after the client itself.
func (c *ClientIPResolver) chainTrusted(chain []netip.Addr) bool {
	for _, hop := range chain[1:] {
		if !c.isTrusted(hop) {
			return false
		}
	}
	return true
}

func (c *ClientIPResolver) isTrusted(addr netip.Addr) bool {
	for _, network := range c.trusted {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

func parseRFC7239Forwarded(header string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, element := range strings.Split(header, ",") {
		element = strings.TrimSpace(element)
		if element == "" {
			continue
		}
		var found bool
		for _, pair := range strings.Split(element, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(key), "for") {
				continue
			}
			addr, err := parseForValue(value)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, addr)
			found = true
		}
		if !found {
			return nil, errForwardedDirectiveEmpty
		}
	}
	if len(addrs) == 0 {
		return nil, errForwardedChainMissing
	}
	return addrs, nil
}

func parseForValue(raw string) (netip.Addr, error) {
	value := strings.Trim(strings.TrimSpace(raw), `"`)
	if value == "" {
		return netip.Addr{}, errForwardedChainMissing
	}
	if strings.HasPrefix(value, "_") || strings.EqualFold(value, "unknown") {
		return netip.Addr{}, errForwardedDirectiveEmpty
	}
	return parseForwardedEntry(value)
}

func parseForwardedFor(header string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, err := parseForwardedEntry(part)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func parseForwardedEntry(value string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(value); err == nil {
		return addr.Unmap(), nil
	}
	if addrPort, err := netip.ParseAddrPort(value); err == nil {
		return addrPort.Addr().Unmap(), nil
	}
	if host, _, err := net.SplitHostPort(value); err == nil {
		addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
		return addr.Unmap(), err
	}
	if addr, err := netip.ParseAddr(strings.Trim(value, "[]")); err == nil {
		return addr.Unmap(), nil
	}
	return netip.Addr{}, net.InvalidAddrError("invalid forwarded entry")
}

func chainsEqual(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ParseCIDRs parses trusted proxy networks, skipping malformed entries.
// config.Validate rejects those before the server starts.
func ParseCIDRs(cidrs []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes
}
