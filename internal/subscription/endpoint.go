package subscription

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// resolveHost is a variable to allow test injection, following
// internal/domain/subscription/service.go's resolveHost convention.
var resolveHost = net.LookupHost

// ValidateEndpointURL guards against SSRF through a subscription's REST-hook
// channel endpoint: only http/https, no loopback/private/link-local/
// unspecified resolved IP, and no cloud metadata IP. requireHTTPS gates the
// "HTTPS in production" rule without reading an environment variable
// directly, so the check is independent of how the caller decides
// production-ness (carried forward from
// internal/domain/subscription/service.go's validateEndpointURL).
func ValidateEndpointURL(endpoint string, requireHTTPS bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("endpoint URL scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "0.0.0.0" || lower == "[::]" || lower == "::" {
		return fmt.Errorf("endpoint hostname %q is not allowed", hostname)
	}

	ips, err := resolveHost(hostname)
	if err != nil {
		return fmt.Errorf("cannot resolve endpoint hostname %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("endpoint resolves to private/reserved IP %s", ipStr)
		}
		if ip.Equal(net.ParseIP("169.254.169.254")) {
			return fmt.Errorf("endpoint resolves to cloud metadata IP %s", ipStr)
		}
	}

	if requireHTTPS && scheme != "https" {
		return fmt.Errorf("endpoint must use HTTPS in production")
	}

	return nil
}
