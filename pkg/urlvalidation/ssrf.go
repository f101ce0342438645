// Package urlvalidation guards outbound webhook calls against SSRF.
package urlvalidation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Option configures URL validation behavior.
type Option func(*validationConfig)

type validationConfig struct {
	allowPrivate bool
	allowHosts   map[string]bool
	lookup       func(host string) ([]string, error)
}

// AllowPrivateIPs disables the private IP check. Use only in tests and local setups.
func AllowPrivateIPs() Option {
	return func(c *validationConfig) {
		c.allowPrivate = true
	}
}

// AllowHosts exempts the named hosts from the private IP check.
func AllowHosts(hosts ...string) Option {
	return func(c *validationConfig) {
		if c.allowHosts == nil {
			c.allowHosts = make(map[string]bool, len(hosts))
		}
		for _, h := range hosts {
			c.allowHosts[strings.ToLower(h)] = true
		}
	}
}

// WithResolver replaces net.LookupHost.
func WithResolver(lookup func(host string) ([]string, error)) Option {
	return func(c *validationConfig) {
		c.lookup = lookup
	}
}

// ValidateWebhookURL checks that rawURL is an http(s) URL whose host does not
// resolve into a private or reserved range.
func ValidateWebhookURL(rawURL string, opts ...Option) error {
	cfg := validationConfig{lookup: net.LookupHost}
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return fmt.Errorf("URL scheme %q not allowed; use http or https", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if cfg.allowPrivate || cfg.allowHosts[strings.ToLower(host)] {
		return nil
	}

	var ips []string
	if ip := net.ParseIP(host); ip != nil {
		ips = []string{host}
	} else if ips, err = cfg.lookup(host); err != nil {
		return fmt.Errorf("cannot resolve hostname %q: %w", host, err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if isPrivateIP(ip) {
			return fmt.Errorf("URL resolves to private/reserved IP %s", ipStr)
		}
	}
	return nil
}

var reservedNets = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
)

func isPrivateIP(ip net.IP) bool {
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, s := range cidrs {
		_, network, err := net.ParseCIDR(s)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", s, err))
		}
		out = append(out, network)
	}
	return out
}
