package sandbox

import (
	"net"
	"strings"
)

// DomainAllowed reports whether a host is reachable under the
// manifest's domain list. Loopback, link-local, and private-range
// addresses are always denied, declared or not.
func DomainAllowed(allowed []string, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if hostBlocked(host) {
		return false
	}
	for _, domain := range allowed {
		domain = strings.ToLower(strings.TrimSuffix(domain, "."))
		if domain == "" {
			continue
		}
		if wild, ok := strings.CutPrefix(domain, "*."); ok {
			if strings.HasSuffix(host, "."+wild) {
				return true
			}
			continue
		}
		if host == domain {
			return true
		}
	}
	return false
}

// hostBlocked rejects localhost and any IP literal in a loopback,
// link-local, or private range.
func hostBlocked(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}
