package utils

import (
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is a parsed list of proxy addresses and CIDR ranges whose
// forwarding headers are believed.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies parses entries like "127.0.0.1" or "10.0.0.0/8".
// Unparseable entries are skipped.
func ParseTrustedProxies(entries []string) TrustedProxies {
	var out TrustedProxies
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				entry = ip.String() + "/32"
			} else {
				entry = ip.String() + "/128"
			}
		}
		if _, ipNet, err := net.ParseCIDR(entry); err == nil {
			out = append(out, ipNet)
		}
	}
	return out
}

// Contains reports whether ip belongs to any trusted range.
func (t TrustedProxies) Contains(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range t {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ExtractIP strips the port from a "host:port" address.
func ExtractIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

// ClientIP returns the originating client address. X-Forwarded-For and
// X-Real-IP are only honored when the direct peer is a trusted proxy.
func ClientIP(r *http.Request, trusted TrustedProxies) string {
	remoteIP := ExtractIP(r.RemoteAddr)
	if !trusted.Contains(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return remoteIP
}
