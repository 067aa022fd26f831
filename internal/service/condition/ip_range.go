package condition

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/your-org/pbac-service/internal/domain"
	"github.com/your-org/pbac-service/pkg/errors"
)

// TypeIPRange is the discriminator for IPRange.
const TypeIPRange = "ip_range"

// IPRange holds when the client IP lies in one of the configured prefixes.
// A bare address is treated as a single-host prefix and "*" matches any
// parseable address.
type IPRange struct {
	raw      []string
	prefixes []netip.Prefix
	any      bool
}

// NewIPRange parses cidrs. Dotted fragments like "192.168.1" are rejected.
func NewIPRange(cidrs ...string) (*IPRange, error) {
	if len(cidrs) == 0 {
		return nil, fmt.Errorf("%w: ip_range needs at least one cidr", errors.ErrInvalidCondition)
	}
	c := &IPRange{raw: cidrs}
	for _, s := range cidrs {
		s = strings.TrimSpace(s)
		if s == domain.Wildcard {
			c.any = true
			continue
		}
		prefix, err := parsePrefix(s)
		if err != nil {
			return nil, err
		}
		c.prefixes = append(c.prefixes, prefix)
	}
	return c, nil
}

func newIPRange(params Params, _ Options) (Condition, error) {
	cidrs, err := params.Strings("cidr")
	if err != nil {
		return nil, err
	}
	return NewIPRange(cidrs...)
}

func parsePrefix(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix.Masked(), nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: invalid cidr %q", errors.ErrInvalidCondition, s)
	}
	bits := 32
	if ip.Is6() {
		bits = 128
	}
	return netip.PrefixFrom(ip, bits), nil
}

// Evaluate reports whether the context IP is within range. A missing or
// unparseable address never matches.
func (c *IPRange) Evaluate(actx *domain.AuthorizationContext) (bool, error) {
	if actx == nil {
		return false, nil
	}
	ip, ok := ParseClientIP(actx.IPAddress)
	if !ok {
		return false, nil
	}
	if c.any {
		return true, nil
	}
	for _, p := range c.prefixes {
		if p.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

// Describe implements Condition.
func (c *IPRange) Describe() string {
	return "IP range: " + strings.Join(c.raw, ", ")
}

// ParseClientIP parses an address that may carry a port or IPv6 zone.
func ParseClientIP(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if ip, err := netip.ParseAddr(s); err == nil {
		return ip.Unmap().WithZone(""), true
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		if ip, err := netip.ParseAddr(host); err == nil {
			return ip.Unmap().WithZone(""), true
		}
	}
	return netip.Addr{}, false
}
