package transport

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/rendis/reqchain/pkg/schema"
)

// AllowedMethods lists the HTTP methods a step may use.
var AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// metadataHosts are cloud instance metadata endpoints. They are never reachable.
var metadataHosts = []string{
	"169.254.169.254",
	"metadata.google.internal",
	"fd00:ec2::254",
	"100.100.100.200",
}

// privateRanges covers loopback, link-local, RFC 1918, ULA, CGNAT and the
// documentation networks.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
}

// blockedPorts are well-known service ports outbound requests may not target.
var blockedPorts = []int{22, 23, 25, 110, 143, 3306, 5432, 6379, 27017}

// Guard decides which requests may leave the process.
type Guard struct {
	// AllowPrivateNetworks permits literal private and loopback addresses.
	// Metadata hosts and non-HTTP schemes stay blocked.
	AllowPrivateNetworks bool
}

// CheckURL parses raw and rejects disallowed schemes, hosts, addresses and ports.
// Hostnames are not resolved; only literal IP hosts are range-checked.
func (g Guard) CheckURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, blocked("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, blocked("disallowed URL scheme %q: only http and https are permitted", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, blocked("URL %q has no host", raw)
	}
	if slices.Contains(metadataHosts, strings.ToLower(host)) {
		return nil, blocked("blocked host %q: cloud metadata endpoint", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if err := g.CheckAddr(addr); err != nil {
			return nil, err
		}
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, blocked("invalid port %q", p)
		}
		if slices.Contains(blockedPorts, port) {
			return nil, blocked("blocked port %d: not allowed for outbound requests", port)
		}
	}
	return u, nil
}

// CheckAddr rejects private, loopback and link-local addresses unless the
// guard allows private networks. Metadata addresses are always rejected.
func (g Guard) CheckAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if slices.Contains(metadataHosts, addr.String()) {
		return blocked("blocked IP %s: cloud metadata endpoint", addr)
	}
	if g.AllowPrivateNetworks {
		return nil
	}
	for _, prefix := range privateRanges {
		if prefix.Contains(addr) {
			return blocked("blocked IP %s is in private range %s", addr, prefix)
		}
	}
	return nil
}

// NormalizeMethod upper-cases method and checks it against AllowedMethods.
func NormalizeMethod(method string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(method))
	if !slices.Contains(AllowedMethods, m) {
		return "", blocked("disallowed HTTP method %q", method)
	}
	return m, nil
}

// CheckHeaders rejects header names that are not RFC 7230 tokens and values
// carrying control characters.
func CheckHeaders(headers map[string]string) error {
	for name, value := range headers {
		if !validHeaderName(name) {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid header name %q", name)
		}
		if !validHeaderValue(value) {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid header value for %q", name)
		}
	}
	return nil
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isTokenChar(name[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

func validHeaderValue(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if (c < ' ' && c != '\t') || c == 0x7f {
			return false
		}
	}
	return true
}

// hostPort is used in dial errors.
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func blocked(format string, args ...any) *schema.ChainError {
	return schema.NewError(schema.ErrCodeBlockedRequest, fmt.Sprintf(format, args...))
}
