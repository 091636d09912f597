// Package urlcheck gates outbound HTTP fetches against SSRF and policy
// violations. Every tool-initiated fetch must pass Validate first.
package urlcheck

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
)

// RejectedError reports a policy violation, naming the rule that matched.
type RejectedError struct {
	URL  string
	Rule string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("url rejected by rule %s: %s", e.Rule, e.URL)
}

// Rule names carried in RejectedError.
const (
	RuleScheme    = "scheme"
	RuleURLLength = "url-length"
	RulePort      = "port"
	RuleResolve   = "resolve"
	RuleMetadata  = "metadata-endpoint"
	RuleLoopback  = "loopback"
	RuleLinkLocal = "link-local"
	RulePrivate   = "private"
	RuleCGNAT     = "cgnat"
	RuleMulticast = "multicast"
	RuleDenylist  = "denylist"
)

const maxURLLength = 2048

// defaultPorts is the outbound port allowlist.
var defaultPorts = map[int]bool{80: true, 443: true, 8080: true, 8443: true}

// metadataHosts are cloud metadata endpoints blocked by name.
var metadataHosts = []string{
	"metadata.google.internal",
	"metadata.goog",
	"metadata.azure.com",
}

// metadataAddrs are cloud metadata endpoints blocked by address.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS/GCP/Azure
	netip.MustParseAddr("100.100.100.200"), // Alibaba
	netip.MustParseAddr("192.0.0.192"),     // Oracle
	netip.MustParseAddr("fd00:ec2::254"),   // AWS IMDSv2 IPv6
}

var cgnatRange = netip.MustParsePrefix("100.64.0.0/10")

// Policy is the outbound URL policy.
type Policy struct {
	AllowPrivate bool     // permit loopback/private/link-local (dev only)
	DeniedHosts  []string // host glob patterns, e.g. "*.internal"
	AllowedPorts map[int]bool

	// LookupIP overrides DNS resolution in tests.
	LookupIP func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewPolicy creates a Policy with the default port allowlist.
func NewPolicy(allowPrivate bool, deniedHosts []string) *Policy {
	return &Policy{
		AllowPrivate: allowPrivate,
		DeniedHosts:  deniedHosts,
		AllowedPorts: defaultPorts,
	}
}

// Validate checks a URL against the policy. Rules are applied in order:
// scheme, length, denylist, port, resolution, address class.
func (p *Policy) Validate(ctx context.Context, raw string) error {
	if len(raw) > maxURLLength {
		return &RejectedError{URL: truncate(raw), Rule: RuleURLLength}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &RejectedError{URL: truncate(raw), Rule: RuleScheme}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &RejectedError{URL: raw, Rule: RuleScheme}
	}

	host := u.Hostname()
	if host == "" {
		return &RejectedError{URL: raw, Rule: RuleResolve}
	}

	for _, pattern := range p.DeniedHosts {
		if HostMatch(pattern, host) {
			return &RejectedError{URL: raw, Rule: RuleDenylist}
		}
	}
	for _, meta := range metadataHosts {
		if HostMatch(meta, host) {
			return &RejectedError{URL: raw, Rule: RuleMetadata}
		}
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if ps := u.Port(); ps != "" {
		port, err = strconv.Atoi(ps)
		if err != nil {
			return &RejectedError{URL: raw, Rule: RulePort}
		}
	}
	allowed := p.AllowedPorts
	if allowed == nil {
		allowed = defaultPorts
	}
	if !allowed[port] {
		return &RejectedError{URL: raw, Rule: RulePort}
	}

	addrs, err := p.resolve(ctx, host)
	if err != nil || len(addrs) == 0 {
		return &RejectedError{URL: raw, Rule: RuleResolve}
	}

	for _, addr := range addrs {
		if rule := p.classify(addr); rule != "" {
			return &RejectedError{URL: raw, Rule: rule}
		}
	}
	return nil
}

func (p *Policy) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	// Literal addresses skip DNS.
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	if p.LookupIP != nil {
		return p.LookupIP(ctx, host)
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}

// classify returns the rejection rule for an address class, or "" when the
// address is routable. Metadata endpoints are always rejected, even with
// AllowPrivate set.
func (p *Policy) classify(addr netip.Addr) string {
	addr = addr.Unmap()

	for _, meta := range metadataAddrs {
		if addr == meta {
			return RuleMetadata
		}
	}

	if p.AllowPrivate {
		return ""
	}
	switch {
	case addr.IsLoopback():
		return RuleLoopback
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return RuleLinkLocal
	case addr.IsPrivate():
		return RulePrivate
	case cgnatRange.Contains(addr):
		return RuleCGNAT
	case addr.IsMulticast():
		return RuleMulticast
	case addr.IsUnspecified():
		return RuleLoopback
	}
	return ""
}

func truncate(s string) string {
	if len(s) > 128 {
		return s[:128] + "…"
	}
	return s
}
