package utils

import (
	"net"
	"strings"
)

// IsPrivateHost checks whether a hostname resolves to a private/loopback address.
// Used for SSRF protection on outbound target URLs.
func IsPrivateHost(host string) bool {
	// Check well-known private hostnames first.
	if host == "localhost" || host == "metadata.google.internal" {
		return true
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// If DNS fails, check if it's a raw IP.
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
	}

	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}

// HostMatchesDomain reports whether host equals domain or is a subdomain of it.
// Matching is case-insensitive; domain entries never match partial labels
// ("evil-example.com" does not match "example.com").
func HostMatchesDomain(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return false
	}
	if host == domain {
		return true
	}
	return strings.HasSuffix(host, "."+domain)
}
